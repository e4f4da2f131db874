// Package audio provides audio ingestion, chunking, VAD and speech segmentation for Signify.
package audio

import (
	"errors"
	"io"
	"time"
)

// Common errors
var (
	ErrInvalidFormat = errors.New("invalid audio format")
	ErrInvalidConfig = errors.New("invalid audio config")
)

// AudioFormat represents audio encoding format
type AudioFormat string

const (
	FormatWAV AudioFormat = "wav"
	FormatPCM AudioFormat = "pcm"
)

// AudioConfig describes a PCM stream
type AudioConfig struct {
	SampleRate      int `json:"sample_rate"`       // Default: 16000 Hz for STT
	Channels        int `json:"channels"`          // Default: 1 (mono)
	BitDepth        int `json:"bit_depth"`         // 8 (unsigned), 16 (signed) or 32 (float)
	ChunkDurationMs int `json:"chunk_duration_ms"` // Default: 100ms
}

// DefaultAudioConfig returns sensible defaults
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		SampleRate:      16000,
		Channels:        1,
		BitDepth:        16,
		ChunkDurationMs: 100,
	}
}

// BytesPerFrame is the size of one sample across all channels
func (c AudioConfig) BytesPerFrame() int {
	return c.BitDepth / 8 * c.Channels
}

// ChunkBytes is the size of one full chunk
func (c AudioConfig) ChunkBytes() int {
	frames := c.SampleRate * c.ChunkDurationMs / 1000
	if frames < 1 {
		frames = 1
	}
	return frames * c.BytesPerFrame()
}

// DurationOf returns the playback duration of n bytes of audio
func (c AudioConfig) DurationOf(n int) time.Duration {
	bpf := c.BytesPerFrame()
	if bpf == 0 || c.SampleRate == 0 {
		return 0
	}
	frames := n / bpf
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

func (c AudioConfig) validate() error {
	if c.SampleRate <= 0 || c.Channels <= 0 || c.ChunkDurationMs <= 0 {
		return ErrInvalidConfig
	}
	switch c.BitDepth {
	case 8, 16, 32:
		return nil
	default:
		return ErrInvalidConfig
	}
}

// Source is a readable PCM stream with a known format
type Source interface {
	io.ReadCloser
	Format() AudioConfig
}

// AudioChunk represents a chunk of audio data
type AudioChunk struct {
	Seq        int           `json:"seq"`
	Data       []byte        `json:"data"`        // Raw PCM bytes
	Format     AudioFormat   `json:"format"`      // Audio format
	SampleRate int           `json:"sample_rate"` // Sample rate in Hz
	Channels   int           `json:"channels"`    // Number of channels
	BitDepth   int           `json:"bit_depth"`
	Offset     time.Duration `json:"offset"`    // Stream position of the first sample
	Duration   time.Duration `json:"duration"`  // Duration of this chunk
	Timestamp  time.Time     `json:"timestamp"` // Wall clock when this chunk was read
	IsSpeech   bool          `json:"is_speech"` // VAD result
	RMS        float64       `json:"rms"`       // Root mean square (volume level)
}

// End returns the stream position just after the chunk
func (c *AudioChunk) End() time.Duration {
	return c.Offset + c.Duration
}

// VADResult represents the result of voice activity detection
type VADResult struct {
	IsSpeech   bool    `json:"is_speech"`
	Confidence float64 `json:"confidence"`
	RMS        float64 `json:"rms"`
}

// SpeechSegment represents a complete speech segment
type SpeechSegment struct {
	Seq        int           `json:"seq"`
	Start      time.Duration `json:"start"` // Stream offset
	End        time.Duration `json:"end"`
	Duration   time.Duration `json:"duration"`
	Audio      []byte        `json:"audio"`
	Format     AudioFormat   `json:"format"`
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	BitDepth   int           `json:"bit_depth"`
	Forced     bool          `json:"forced"` // cut at the max segment length rather than at a pause
}
