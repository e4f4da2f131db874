package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/normanking/signify/internal/audio"
	"github.com/normanking/signify/internal/bus"
	"github.com/normanking/signify/internal/metrics"
	"github.com/normanking/signify/internal/stt"
	"golang.org/x/sync/errgroup"
)

// fragmentPoll is how often buffered streaming finals are checked for a
// timeout flush
const fragmentPoll = 100 * time.Millisecond

func (p *Pipeline) observeChunk(chunk *audio.AudioChunk) {
	p.chunks.Add(1)
	p.streamPos.Store(int64(chunk.End()))
	metrics.AudioChunks.Inc()
}

// runSegmented cuts the stream into speech segments and transcribes up to
// MaxInFlight of them at once. Transcripts are delivered in segment order.
func (p *Pipeline) runSegmented(ctx context.Context, chunks <-chan *audio.AudioChunk) error {
	segmenter := audio.NewSegmenter(audio.SegmenterConfig{
		MinSpeechMs:  p.config.VAD.MinSpeechMs,
		MaxSegmentMs: p.config.VAD.MaxSegmentMs,
		PaddingMs:    p.config.VAD.PaddingMs,
	}, audio.NewVAD(&audio.VADConfig{
		Threshold:       p.config.VAD.Threshold,
		SmoothingFrames: p.config.VAD.SmoothingFrames,
		MaxSilenceMs:    p.config.VAD.MaxSilenceMs,
	}), p.eventBus, p.logger)

	inFlight := max(p.config.STT.MaxInFlight, 1)

	// one result slot per segment, queued in segment order
	pending := make(chan chan *stt.Transcript, inFlight)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(pending)

		var workers errgroup.Group
		workers.SetLimit(inFlight)

		submit := func(seg *audio.SpeechSegment) error {
			p.segments.Add(1)
			metrics.SpeechSegments.WithLabelValues(metrics.BoolLabel(seg.Forced)).Inc()

			slot := make(chan *stt.Transcript, 1)
			select {
			case pending <- slot:
			case <-ctx.Done():
				return ctx.Err()
			}
			workers.Go(func() error {
				slot <- p.transcribe(ctx, seg)
				return nil
			})
			return nil
		}

		for chunk := range chunks {
			p.observeChunk(chunk)
			for _, seg := range segmenter.Push(chunk) {
				if err := submit(seg); err != nil {
					workers.Wait()
					return err
				}
			}
		}
		if seg := segmenter.Flush(); seg != nil {
			if err := submit(seg); err != nil {
				workers.Wait()
				return err
			}
		}
		return workers.Wait()
	})

	g.Go(func() error {
		for slot := range pending {
			select {
			case t := <-slot:
				if t != nil {
					p.deliver(t)
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	return g.Wait()
}

// transcribe runs one segment through the provider. Failures are reported
// and yield nil so the stream keeps going.
func (p *Pipeline) transcribe(ctx context.Context, seg *audio.SpeechSegment) *stt.Transcript {
	name := p.provider.Name()
	req := &stt.TranscribeRequest{
		Audio:      seg.Audio,
		Format:     string(audio.FormatPCM),
		SampleRate: seg.SampleRate,
		Channels:   seg.Channels,
		BitDepth:   seg.BitDepth,
		Language:   p.config.STT.Language,
	}

	start := time.Now()
	resp, err := p.provider.Transcribe(ctx, req)
	metrics.STTLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		p.sttFailed(err, map[string]any{
			"segment":  seg.Seq,
			"start_ms": seg.Start.Milliseconds(),
		})
		return nil
	}

	// a batch result covers the whole segment
	resp.IsFinal = true
	if !p.filter.FilterResponse(resp) {
		p.logger.Debug().Int("segment", seg.Seq).Msg("Dropped filler-only transcript")
		return nil
	}

	t := stt.Align(resp, seg)
	t.Provider = name
	return t
}

func (p *Pipeline) sttFailed(err error, fields map[string]any) {
	name := p.provider.Name()
	metrics.STTErrors.WithLabelValues(name).Inc()
	p.logger.Error().Err(err).Str("provider", name).Msg("Transcription failed")

	data := map[string]any{
		"provider": name,
		"error":    err.Error(),
	}
	for k, v := range fields {
		data[k] = v
	}
	p.publish(bus.EventTypeSTTError, data)
	p.pipelineError("stt", err, fields)
}

// runStreaming sends every chunk to a streaming provider. Interim results
// are published as captions; finals are buffered into fragments and mapped.
func (p *Pipeline) runStreaming(ctx context.Context, chunks <-chan *audio.AudioChunk) error {
	audioCh := make(chan []byte, 16)
	responses, err := p.provider.TranscribeStream(ctx, audioCh)
	if err != nil {
		close(audioCh)
		return fmt.Errorf("start stream: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(audioCh)
		for chunk := range chunks {
			p.observeChunk(chunk)
			select {
			case audioCh <- chunk.Data:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		fragments := stt.NewFragmentBuffer(nil)
		flush := func() {
			if t := fragments.Flush(); t != nil {
				p.deliver(t)
			}
		}

		ticker := time.NewTicker(fragmentPoll)
		defer ticker.Stop()

		for {
			select {
			case resp, ok := <-responses:
				if !ok {
					flush()
					return nil
				}
				p.handleStreamed(resp, fragments)
				if fragments.ShouldSend() {
					flush()
				}
			case <-ticker.C:
				if fragments.ShouldSend() {
					flush()
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	return g.Wait()
}

func (p *Pipeline) handleStreamed(resp *stt.TranscribeResponse, fragments *stt.FragmentBuffer) {
	if resp == nil {
		return
	}
	if resp.Error != "" {
		p.sttFailed(errors.New(resp.Error), map[string]any{
			"offset_ms": resp.Offset.Milliseconds(),
		})
		return
	}
	if !p.filter.FilterResponse(resp) {
		return
	}

	t := stt.AlignSpan(resp, resp.Offset, streamedEnd(resp))
	t.Provider = p.provider.Name()
	t.SessionID = p.sessionID
	if len(t.Words) > 0 {
		t.Start = t.Words[0].Start
	}

	if !t.IsFinal {
		p.publish(bus.EventTypeSTTPartial, map[string]any{
			"text":     t.Text,
			"start_ms": t.Start.Milliseconds(),
			"end_ms":   t.End.Milliseconds(),
		})
		return
	}
	fragments.Add(t)
}

// streamedEnd finds the stream position where a streamed result ends
func streamedEnd(resp *stt.TranscribeResponse) time.Duration {
	end := resp.Duration
	for _, s := range resp.Segments {
		end = max(end, s.End)
	}
	for _, w := range resp.Words {
		end = max(end, w.End)
	}
	return resp.Offset + end
}

// deliver publishes a final transcript, maps it and queues the tokens
func (p *Pipeline) deliver(t *stt.Transcript) {
	t.SessionID = p.sessionID
	t.Seq = int(p.transcripts.Add(1)) - 1
	metrics.Transcripts.WithLabelValues(metrics.BoolLabel(t.IsFinal)).Inc()

	streamNow := time.Duration(p.streamPos.Load())
	p.logger.Debug().
		Int("seq", t.Seq).
		Str("text", t.Text).
		Dur("start", t.Start).
		Dur("end", t.End).
		Msg("Transcript")
	p.publish(bus.EventTypeSTTFinal, map[string]any{
		"seq":        t.Seq,
		"text":       t.Text,
		"start_ms":   t.Start.Milliseconds(),
		"end_ms":     t.End.Milliseconds(),
		"confidence": t.Confidence,
		"provider":   t.Provider,
		"latency_ms": t.Latency(streamNow).Milliseconds(),
	})

	tokens := p.mapper.Map(t)
	if len(tokens) == 0 {
		return
	}
	p.tokens.Add(int64(len(tokens)))
	p.player.EnqueueAt(streamNow, tokens...)

	glosses := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tok.Gloss != "" {
			glosses = append(glosses, tok.Gloss)
		}
	}
	p.publish(bus.EventTypeGlossTokens, map[string]any{
		"transcript": t.Seq,
		"count":      len(tokens),
		"glosses":    glosses,
		"tokens":     tokens,
	})
}
