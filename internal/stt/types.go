// Package stt provides speech-to-text transcription and word timing for Signify.
package stt

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrProviderUnavailable = errors.New("STT provider unavailable")
	ErrAudioTooShort       = errors.New("audio too short for transcription")
	ErrMissingAPIKey       = errors.New("STT API key not configured")
	ErrTimeout             = errors.New("transcription timeout")
)

// Provider is the interface all STT providers must implement
type Provider interface {
	// Name returns the provider identifier (e.g., "whisper-api", "deepgram")
	Name() string

	// Transcribe converts audio to text
	Transcribe(ctx context.Context, req *TranscribeRequest) (*TranscribeResponse, error)

	// TranscribeStream handles streaming transcription (if supported)
	TranscribeStream(ctx context.Context, audioStream <-chan []byte) (<-chan *TranscribeResponse, error)

	// Health checks if the provider is available
	Health(ctx context.Context) error

	// Capabilities returns the provider's feature set
	Capabilities() ProviderCapabilities
}

// TranscribeRequest represents a transcription request
type TranscribeRequest struct {
	Audio      []byte `json:"-"`                  // Raw PCM
	Format     string `json:"format,omitempty"`   // pcm or wav
	SampleRate int    `json:"sample_rate"`        // Sample rate in Hz
	Channels   int    `json:"channels"`           // Number of channels
	BitDepth   int    `json:"bit_depth"`          // Bits per sample
	Language   string `json:"language,omitempty"` // Language code (e.g., "en")
}

// TranscribeResponse represents a transcription result. Times are relative
// to the start of the submitted audio.
type TranscribeResponse struct {
	Text           string              `json:"text"`
	Confidence     float64             `json:"confidence"` // Overall confidence (0-1)
	Language       string              `json:"language"`
	Duration       time.Duration       `json:"duration"`        // Audio duration
	ProcessingTime time.Duration       `json:"processing_time"` // How long transcription took
	Segments       []TranscribeSegment `json:"segments,omitempty"`
	Words          []Word              `json:"words,omitempty"`
	IsFinal        bool                `json:"is_final"`
	Offset         time.Duration       `json:"offset"` // Stream position of the audio start, for streaming providers
	Error          string              `json:"error,omitempty"`
}

// TranscribeSegment represents a time-aligned transcription segment
type TranscribeSegment struct {
	ID         int           `json:"id"`
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
}

// Word represents a word with timestamp
type Word struct {
	Word       string        `json:"word"`
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	Confidence float64       `json:"confidence"`
}

// ProviderCapabilities describes what features a provider supports
type ProviderCapabilities struct {
	SupportsStreaming  bool     `json:"supports_streaming"`
	SupportsTimestamps bool     `json:"supports_timestamps"`
	SupportedLanguages []string `json:"supported_languages"`
	MaxAudioLengthSec  int      `json:"max_audio_length_sec"`
	AvgLatencyMs       int      `json:"avg_latency_ms"`
	IsLocal            bool     `json:"is_local"` // True if runs locally
}

// Transcript is a final or interim transcription placed on the stream
// timeline. Word times are absolute stream offsets.
type Transcript struct {
	SessionID  string        `json:"session_id"`
	Seq        int           `json:"seq"`
	Text       string        `json:"text"`
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	Words      []Word        `json:"words"`
	IsFinal    bool          `json:"is_final"`
	Confidence float64       `json:"confidence"`
	Provider   string        `json:"provider"`
}

// Latency is how far behind the end of the audio the transcript arrived
func (t *Transcript) Latency(streamNow time.Duration) time.Duration {
	if streamNow < t.End {
		return 0
	}
	return streamNow - t.End
}
