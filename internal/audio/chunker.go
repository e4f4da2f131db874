package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Chunker splits a Source into fixed-duration chunks. Offsets are derived
// from the number of frames read so chunks are contiguous in stream time.
type Chunker struct {
	realtime bool
	logger   zerolog.Logger

	// now and sleep are swapped in tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewChunker creates a chunker. With realtime set, chunks are released no
// faster than the audio would play.
func NewChunker(realtime bool, logger zerolog.Logger) *Chunker {
	return &Chunker{
		realtime: realtime,
		logger:   logger.With().Str("component", "chunker").Logger(),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run reads src until EOF, sending chunks on out. out is closed on return.
func (c *Chunker) Run(ctx context.Context, src Source, out chan<- *AudioChunk) error {
	defer close(out)

	cfg := src.Format()
	if err := cfg.validate(); err != nil {
		return err
	}
	bpf := cfg.BytesPerFrame()
	size := cfg.ChunkBytes()

	start := c.now()
	var frames int64
	seq := 0

	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			n -= n % bpf
		}
		if n > 0 {
			chunk := &AudioChunk{
				Seq:        seq,
				Data:       buf[:n],
				Format:     FormatPCM,
				SampleRate: cfg.SampleRate,
				Channels:   cfg.Channels,
				BitDepth:   cfg.BitDepth,
				Offset:     framesToDuration(frames, cfg.SampleRate),
				Timestamp:  c.now(),
			}
			frames += int64(n / bpf)
			chunk.Duration = framesToDuration(frames, cfg.SampleRate) - chunk.Offset
			seq++

			if c.realtime {
				wait := start.Add(chunk.Offset).Sub(c.now())
				if err := c.sleep(ctx, wait); err != nil {
					return err
				}
			}

			select {
			case out <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			c.logger.Debug().Int("chunks", seq).Dur("duration", framesToDuration(frames, cfg.SampleRate)).Msg("Audio source drained")
			return nil
		default:
			return fmt.Errorf("read audio: %w", err)
		}
	}
}

func framesToDuration(frames int64, sampleRate int) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}
