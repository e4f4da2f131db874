package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/normanking/signify/internal/animation"
	"github.com/normanking/signify/internal/bus"
	"github.com/normanking/signify/internal/pipeline"
	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play [words...]",
	Short: "Sign a typed sentence",
	Long: `Maps the given words through the lexicon and writes the animation frames
to stdout as JSON lines. Frames are paced at the configured rate unless --fast is set.`,
	Example: `  signify play thank you for coming
  signify play --fast hello world > frames.jsonl`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlay,
}

func init() {
	playCmd.Flags().Bool("fast", false, "render frames without real-time pacing")
}

func runPlay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	appLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer appLog.Close()
	log := appLog.Zerolog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openLexicon(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := pipeline.New(cfg, pipeline.Components{
		Lexicon:  store,
		Sink:     animation.NewJSONLSink(os.Stdout),
		EventBus: bus.NewEventBus(),
	}, log)
	if err != nil {
		return err
	}

	if fast, _ := cmd.Flags().GetBool("fast"); fast {
		err = p.RenderSentence(ctx, args)
	} else {
		err = p.PlaySentence(ctx, args)
	}
	if err != nil && ctx.Err() == nil {
		return err
	}

	stats := p.Stats()
	cliLog := appLog.Component("cli")
	cliLog.Debug().
		Int64("tokens", stats.Tokens).
		Int64("frames", stats.Frames).
		Int("unknown_words", stats.Unknown).
		Msg("Sentence played")
	return nil
}
