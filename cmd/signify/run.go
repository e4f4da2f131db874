package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/normanking/signify/internal/animation"
	"github.com/normanking/signify/internal/audio"
	"github.com/normanking/signify/internal/bus"
	"github.com/normanking/signify/internal/config"
	"github.com/normanking/signify/internal/lexicon"
	"github.com/normanking/signify/internal/overlay"
	"github.com/normanking/signify/internal/pipeline"
	"github.com/normanking/signify/internal/relay"
	"github.com/normanking/signify/internal/stt"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Translate an audio stream into signing",
	Long: `Reads PCM or WAV audio from a file or stdin, transcribes it and plays the
signs on the overlay. Use --frames to also write every frame to stdout as JSON lines.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringP("input", "i", "", "audio file, - for stdin (overrides audio.input)")
	runCmd.Flags().String("format", "", "audio format: wav or pcm (overrides audio.format)")
	runCmd.Flags().String("provider", "", "STT provider (overrides stt.provider)")
	runCmd.Flags().Bool("realtime", false, "pace file input at real time")
	runCmd.Flags().Bool("streaming", false, "send audio to a streaming STT provider")
	runCmd.Flags().Bool("frames", false, "write frames to stdout as JSON lines")
	runCmd.Flags().Bool("no-overlay", false, "do not start the overlay server")
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if v, _ := flags.GetString("input"); v != "" {
		cfg.Audio.Input = v
	}
	if v, _ := flags.GetString("format"); v != "" {
		cfg.Audio.Format = v
	}
	if v, _ := flags.GetString("provider"); v != "" {
		cfg.STT.Provider = v
	}
	if flags.Changed("realtime") {
		cfg.Audio.Realtime, _ = flags.GetBool("realtime")
	}
	if flags.Changed("streaming") {
		cfg.STT.EnableStreaming, _ = flags.GetBool("streaming")
	}
	if v, _ := flags.GetBool("no-overlay"); v {
		cfg.Overlay.Enabled = false
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	appLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer appLog.Close()
	log := appLog.Zerolog()
	cliLog := appLog.Component("cli")
	cliLog.Info().
		Str("input", cfg.Audio.Input).
		Str("provider", cfg.STT.Provider).
		Str("log_file", appLog.GetLogPath()).
		Msg("Starting session")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openLexicon(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	provider, err := stt.NewProvider(cfg.STT, cfg.Audio, log)
	if err != nil {
		return err
	}
	if err := provider.Health(ctx); err != nil {
		cliLog.Warn().Err(err).Str("provider", provider.Name()).Msg("STT provider not healthy")
	}

	src, err := audio.Open(cfg.Audio.Input, audio.AudioFormat(cfg.Audio.Format), audio.AudioConfig{
		SampleRate:      cfg.Audio.SampleRate,
		Channels:        cfg.Audio.Channels,
		BitDepth:        cfg.Audio.BitDepth,
		ChunkDurationMs: cfg.Audio.ChunkDurationMs,
	})
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}

	eventBus := bus.NewEventBus()
	defer eventBus.Clear()

	var sinks animation.MultiSink
	if frames, _ := cmd.Flags().GetBool("frames"); frames {
		sinks = append(sinks, animation.NewJSONLSink(os.Stdout))
	}

	var hub *overlay.Hub
	if cfg.Overlay.Enabled {
		hub = overlay.NewHub(overlay.HubConfig{
			SendBuffer:   cfg.Overlay.SendBuffer,
			WriteTimeout: cfg.Overlay.WriteTimeout,
			PingInterval: cfg.Overlay.PingInterval,
		}, log)
		hub.Attach(eventBus)
		hub.AttachLogs(appLog)
		sinks = append(sinks, hub)
	}

	p, err := pipeline.New(cfg, pipeline.Components{
		Source:   src,
		Provider: provider,
		Lexicon:  store,
		Sink:     sinks,
		EventBus: eventBus,
	}, log)
	if err != nil {
		src.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Lexicon.Watch {
		watcher := lexicon.NewWatcher(store, cfg.Lexicon.ReloadDebounce, eventBus, log)
		g.Go(func() error { return watcher.Run(gctx) })
	}

	if hub != nil {
		server := overlay.NewServer(overlay.ServerConfig{
			Addr:           cfg.Overlay.Addr,
			AllowedOrigins: cfg.Overlay.AllowedOrigins,
			Metrics:        cfg.Metrics.Enabled,
		}, hub, func() any { return p.Stats() }, log)
		server.SetLogHistory(appLog)
		g.Go(func() error { return server.Run(gctx) })
	}

	if cfg.Relay.Enabled {
		r, err := relay.NewRedisRelay(ctx, relay.Config{
			Addr:      cfg.Relay.Addr,
			Password:  cfg.Relay.Password,
			DB:        cfg.Relay.DB,
			Stream:    cfg.Relay.Stream,
			MaxLen:    cfg.Relay.MaxLen,
			AllEvents: cfg.Relay.AllEvents,
		}, log)
		if err != nil {
			// the relay is optional; the session runs without it
			cliLog.Error().Err(err).Msg("Event relay disabled")
		} else {
			defer r.Close()
			r.Attach(eventBus)
			g.Go(func() error { return r.Run(gctx) })
		}
	}

	// the session ending stops the supporting services
	g.Go(func() error {
		defer cancel()
		return p.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	stats := p.Stats()
	cliLog.Info().
		Int64("transcripts", stats.Transcripts).
		Int64("tokens", stats.Tokens).
		Int64("dropped", stats.Dropped).
		Int("unknown_words", stats.Unknown).
		Msg("Done")
	return nil
}

func openLexicon(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*lexicon.Store, error) {
	store, err := lexicon.Open(ctx, lexicon.Config{
		Dir:       cfg.Lexicon.Dir,
		DBPath:    cfg.Lexicon.DBPath,
		CacheSize: cfg.Lexicon.CacheSize,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("open lexicon: %w", err)
	}
	return store, nil
}
