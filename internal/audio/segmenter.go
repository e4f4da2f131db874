package audio

import (
	"sync"
	"time"

	"github.com/normanking/signify/internal/bus"
	"github.com/rs/zerolog"
)

// SegmenterConfig bounds speech segments
type SegmenterConfig struct {
	MinSpeechMs  int // shorter segments are discarded
	MaxSegmentMs int // longer speech is cut and marked Forced; 0 disables
	PaddingMs    int // audio kept ahead of speech onset
}

// Segmenter runs VAD over chunks and accumulates speech into segments.
// It is driven by a single goroutine.
type Segmenter struct {
	config   SegmenterConfig
	vad      *VAD
	eventBus *bus.EventBus
	logger   zerolog.Logger

	mu sync.Mutex

	// pre-roll ring of recent non-speech chunks
	preroll []*AudioChunk

	active  bool
	current *SpeechSegment
	nextSeq int
	lastEnd time.Duration
}

// NewSegmenter creates a segmenter around vad
func NewSegmenter(config SegmenterConfig, vad *VAD, eventBus *bus.EventBus, logger zerolog.Logger) *Segmenter {
	if vad == nil {
		vad = NewVAD(nil)
	}
	return &Segmenter{
		config:   config,
		vad:      vad,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "segmenter").Logger(),
	}
}

// Push classifies chunk and returns any segments it completed
func (s *Segmenter) Push(chunk *AudioChunk) []*SpeechSegment {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.vad.Process(chunk.Data, chunk.BitDepth, chunk.Duration)
	chunk.IsSpeech = result.IsSpeech
	chunk.RMS = result.RMS

	var out []*SpeechSegment

	if !result.IsSpeech {
		if s.active {
			if seg := s.finish(false); seg != nil {
				out = append(out, seg)
			}
		}
		s.pushPreroll(chunk)
		return out
	}

	if !s.active {
		s.begin(chunk)
	}
	s.appendChunk(chunk)

	if s.config.MaxSegmentMs > 0 && s.current.Duration >= time.Duration(s.config.MaxSegmentMs)*time.Millisecond {
		if seg := s.finish(true); seg != nil {
			out = append(out, seg)
		}
		// Speech continues; the next chunk opens a fresh segment without pre-roll.
		s.active = true
		s.current = s.newSegment(chunk.End(), chunk)
	}

	return out
}

// Flush emits pending speech at end of stream
func (s *Segmenter) Flush() *SpeechSegment {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.preroll = nil
	if !s.active {
		return nil
	}
	return s.finish(false)
}

func (s *Segmenter) pushPreroll(chunk *AudioChunk) {
	if s.config.PaddingMs <= 0 {
		return
	}
	s.preroll = append(s.preroll, chunk)
	limit := time.Duration(s.config.PaddingMs) * time.Millisecond
	var total time.Duration
	for i := len(s.preroll) - 1; i >= 0; i-- {
		total += s.preroll[i].Duration
		if total > limit {
			s.preroll = s.preroll[i+1:]
			return
		}
	}
}

func (s *Segmenter) newSegment(start time.Duration, like *AudioChunk) *SpeechSegment {
	return &SpeechSegment{
		Start:      start,
		End:        start,
		Format:     FormatPCM,
		SampleRate: like.SampleRate,
		Channels:   like.Channels,
		BitDepth:   like.BitDepth,
	}
}

func (s *Segmenter) begin(chunk *AudioChunk) {
	s.active = true

	start := chunk.Offset
	// Pre-roll never reaches back into audio already emitted.
	var pad []*AudioChunk
	for _, c := range s.preroll {
		if c.Offset >= s.lastEnd {
			pad = append(pad, c)
		}
	}
	if len(pad) > 0 {
		start = pad[0].Offset
	}

	s.current = s.newSegment(start, chunk)
	for _, c := range pad {
		s.appendChunk(c)
	}
	s.preroll = nil

	s.logger.Debug().Dur("offset", chunk.Offset).Msg("Speech started")

	if s.eventBus != nil {
		s.eventBus.Publish(bus.NewEvent(bus.EventTypeSpeechStart, map[string]any{
			"offset_ms": chunk.Offset.Milliseconds(),
		}))
	}
}

func (s *Segmenter) appendChunk(chunk *AudioChunk) {
	s.current.Audio = append(s.current.Audio, chunk.Data...)
	s.current.End = chunk.End()
	s.current.Duration = s.current.End - s.current.Start
}

// finish closes the current segment and returns it when long enough
func (s *Segmenter) finish(forced bool) *SpeechSegment {
	seg := s.current
	s.active = false
	s.current = nil
	if seg == nil || len(seg.Audio) == 0 {
		return nil
	}
	s.lastEnd = seg.End

	minDur := time.Duration(s.config.MinSpeechMs) * time.Millisecond
	if !forced && seg.Duration < minDur {
		s.logger.Debug().Dur("duration", seg.Duration).Msg("Discarding short speech segment")
		return nil
	}

	seg.Forced = forced
	seg.Seq = s.nextSeq
	s.nextSeq++

	s.logger.Debug().
		Int("seq", seg.Seq).
		Dur("start", seg.Start).
		Dur("duration", seg.Duration).
		Bool("forced", forced).
		Msg("Speech segment ready")

	if s.eventBus != nil {
		s.eventBus.Publish(bus.NewEvent(bus.EventTypeSpeechEnd, map[string]any{
			"seq":         seg.Seq,
			"start_ms":    seg.Start.Milliseconds(),
			"duration_ms": seg.Duration.Milliseconds(),
			"forced":      forced,
			"audio_len":   len(seg.Audio),
		}))
	}

	return seg
}
