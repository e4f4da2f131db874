// Package pipeline wires audio ingestion, transcription, gloss mapping and
// sign playback into one streaming session.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/normanking/signify/internal/animation"
	"github.com/normanking/signify/internal/audio"
	"github.com/normanking/signify/internal/bus"
	"github.com/normanking/signify/internal/config"
	"github.com/normanking/signify/internal/gloss"
	"github.com/normanking/signify/internal/stt"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoSource   = errors.New("pipeline has no audio source")
	ErrNoProvider = errors.New("pipeline has no stt provider")
	ErrNoLexicon  = errors.New("pipeline has no lexicon")
	ErrStarted    = errors.New("pipeline already started")
)

// sentenceWordSpan is the time given to each word of a typed sentence
const sentenceWordSpan = 400 * time.Millisecond

// Lexicon resolves words to glosses and glosses to clips
type Lexicon interface {
	gloss.Lexicon
	animation.ClipSource
}

// Components are the collaborators of a pipeline. Source and Provider may
// be nil when only typed sentences are played.
type Components struct {
	Source   audio.Source
	Provider stt.Provider
	Lexicon  Lexicon
	Sink     animation.Sink
	EventBus *bus.EventBus
}

// Stats is a session snapshot
type Stats struct {
	SessionID   string          `json:"session_id"`
	Chunks      int64           `json:"chunks"`
	Segments    int64           `json:"segments"`
	Transcripts int64           `json:"transcripts"`
	Tokens      int64           `json:"tokens"`
	Frames      int64           `json:"frames"`
	Dropped     int64           `json:"dropped"`
	Unknown     int             `json:"unknown_words"`
	Playback    animation.Stats `json:"playback"`
}

// Pipeline runs one session: chunker, VAD and segmenter, transcriber,
// filter, alignment, gloss mapper and player. A Pipeline is single use.
type Pipeline struct {
	config    *config.Config
	source    audio.Source
	provider  stt.Provider
	lexicon   Lexicon
	filter    *stt.STTFilter
	mapper    *gloss.Mapper
	player    *animation.Player
	eventBus  *bus.EventBus
	logger    zerolog.Logger
	sessionID string

	started   atomic.Bool
	streamPos atomic.Int64 // end offset of the latest chunk

	chunks      atomic.Int64
	segments    atomic.Int64
	transcripts atomic.Int64
	tokens      atomic.Int64
}

// New builds a pipeline from cfg
func New(cfg *config.Config, c Components, logger zerolog.Logger) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if c.Lexicon == nil {
		return nil, ErrNoLexicon
	}

	sessionID := uuid.NewString()
	logger = logger.With().Str("session", sessionID).Logger()

	player, err := animation.NewPlayer(animation.Config{
		FPS:              cfg.Animation.FPS,
		TransitionFrames: cfg.Animation.TransitionFrames,
		Easing:           cfg.Animation.Easing,
		IdleAfter:        cfg.Animation.IdleAfter,
		MaxPause:         cfg.Animation.MaxPause,
		CatchUpLag:       cfg.Animation.CatchUpLag,
		DropLag:          cfg.Animation.DropLag,
		MaxSpeed:         cfg.Animation.MaxSpeed,
		KeepTail:         cfg.Animation.KeepTail,
	}, c.Lexicon, c.Sink, c.EventBus, logger)
	if err != nil {
		return nil, fmt.Errorf("create player: %w", err)
	}

	mapper := gloss.NewMapper(gloss.Config{
		StopWords:          cfg.Gloss.StopWords,
		MaxPhraseWords:     cfg.Gloss.MaxPhraseWords,
		Fingerspell:        cfg.Gloss.Fingerspell,
		PauseOnPunctuation: cfg.Gloss.PauseOnPunctuation,
		Pause:              time.Duration(cfg.Gloss.PauseMs) * time.Millisecond,
	}, c.Lexicon, c.EventBus, logger)

	return &Pipeline{
		config:    cfg,
		source:    c.Source,
		provider:  c.Provider,
		lexicon:   c.Lexicon,
		filter:    stt.NewSTTFilter(cfg.STT.FillerWords),
		mapper:    mapper,
		player:    player,
		eventBus:  c.EventBus,
		logger:    logger.With().Str("component", "pipeline").Logger(),
		sessionID: sessionID,
	}, nil
}

// SessionID identifies the session in logs and bus events
func (p *Pipeline) SessionID() string {
	return p.sessionID
}

// Player exposes the playback state machine
func (p *Pipeline) Player() *animation.Player {
	return p.player
}

// Run processes the source until it ends and playback has drained, or
// until ctx is cancelled. Cancellation is a normal end of session.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.source == nil {
		return ErrNoSource
	}
	if p.provider == nil {
		return ErrNoProvider
	}
	if !p.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	defer p.source.Close()

	begin := time.Now()
	streaming := p.config.STT.EnableStreaming
	p.logger.Info().
		Str("provider", p.provider.Name()).
		Bool("streaming", streaming).
		Bool("realtime", p.config.Audio.Realtime).
		Msg("Session started")
	p.publish(bus.EventTypeSessionStarted, map[string]any{
		"provider":  p.provider.Name(),
		"streaming": streaming,
	})

	g, gctx := errgroup.WithContext(ctx)

	// a blocked Read on a live source only returns once the source is closed
	stop := context.AfterFunc(gctx, func() { p.source.Close() })
	defer stop()

	chunks := make(chan *audio.AudioChunk, 16)
	g.Go(func() error {
		if err := audio.NewChunker(p.config.Audio.Realtime, p.logger).Run(gctx, p.source, chunks); err != nil {
			return fmt.Errorf("chunker: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		defer p.player.Close()
		if streaming {
			return p.runStreaming(gctx, chunks)
		}
		return p.runSegmented(gctx, chunks)
	})

	var clock animation.Clock
	if p.config.Audio.Realtime {
		clock = animation.ClockFunc(func() time.Duration {
			return time.Duration(p.streamPos.Load())
		})
	}
	g.Go(func() error {
		return p.player.Run(gctx, clock)
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		err = nil
	}

	stats := p.Stats()
	p.logger.Info().
		Int64("chunks", stats.Chunks).
		Int64("segments", stats.Segments).
		Int64("transcripts", stats.Transcripts).
		Int64("tokens", stats.Tokens).
		Int64("frames", stats.Frames).
		Dur("elapsed", time.Since(begin)).
		Msg("Session ended")

	ended := map[string]any{
		"transcripts": stats.Transcripts,
		"tokens":      stats.Tokens,
		"frames":      stats.Frames,
	}
	if err != nil {
		p.logger.Error().Err(err).Msg("Session failed")
		ended["error"] = err.Error()
	}
	// subscribers see the end of the session before Run returns
	p.publishSync(bus.EventTypeSessionEnded, ended)
	return err
}

// PlaySentence maps typed words through the lexicon and plays them at the
// configured frame rate. It closes the player.
func (p *Pipeline) PlaySentence(ctx context.Context, words []string) error {
	if err := p.enqueueSentence(words); err != nil {
		return err
	}
	return p.player.Run(ctx, nil)
}

// RenderSentence is PlaySentence without frame pacing
func (p *Pipeline) RenderSentence(ctx context.Context, words []string) error {
	if err := p.enqueueSentence(words); err != nil {
		return err
	}
	return p.player.Render(ctx)
}

func (p *Pipeline) enqueueSentence(words []string) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	defer p.player.Close()

	text := strings.Join(words, " ")
	n := len(strings.Fields(text))
	if n == 0 {
		return nil
	}
	t := stt.AlignSpan(&stt.TranscribeResponse{Text: text, IsFinal: true, Confidence: 1},
		0, time.Duration(n)*sentenceWordSpan)
	t.Provider = "text"
	p.deliver(t)
	return nil
}

// Stats returns a session snapshot
func (p *Pipeline) Stats() Stats {
	playback := p.player.Stats()
	return Stats{
		SessionID:   p.sessionID,
		Chunks:      p.chunks.Load(),
		Segments:    p.segments.Load(),
		Transcripts: p.transcripts.Load(),
		Tokens:      p.tokens.Load(),
		Frames:      playback.Frames,
		Dropped:     playback.Dropped,
		Unknown:     p.mapper.Unknown(),
		Playback:    playback,
	}
}

func (p *Pipeline) publish(t bus.EventType, data map[string]any) {
	if p.eventBus == nil {
		return
	}
	p.eventBus.Publish(p.event(t, data))
}

func (p *Pipeline) publishSync(t bus.EventType, data map[string]any) {
	if p.eventBus == nil {
		return
	}
	p.eventBus.PublishSync(p.event(t, data))
}

func (p *Pipeline) event(t bus.EventType, data map[string]any) bus.Event {
	e := bus.NewEvent(t, data)
	e.SessionID = p.sessionID
	return e
}

// pipelineError reports a non-fatal stage failure
func (p *Pipeline) pipelineError(stage string, err error, fields map[string]any) {
	data := map[string]any{
		"stage": stage,
		"error": err.Error(),
	}
	for k, v := range fields {
		data[k] = v
	}
	p.publish(bus.EventTypePipelineError, data)
}
