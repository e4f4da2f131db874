package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/normanking/signify/internal/audio"
	"github.com/rs/zerolog"
)

// WhisperAPIProvider implements STT using the OpenAI transcription API or a
// compatible server
type WhisperAPIProvider struct {
	apiKey string
	client *http.Client
	logger zerolog.Logger
	config *WhisperAPIConfig
}

// WhisperAPIConfig holds Whisper API configuration
type WhisperAPIConfig struct {
	APIKey   string        `json:"api_key"`
	BaseURL  string        `json:"base_url"` // e.g. https://api.openai.com/v1
	Model    string        `json:"model"`    // "whisper-1"
	Language string        `json:"language"` // Optional language hint
	Timeout  time.Duration `json:"timeout"`
}

// DefaultWhisperAPIConfig returns sensible defaults
func DefaultWhisperAPIConfig() *WhisperAPIConfig {
	return &WhisperAPIConfig{
		BaseURL:  "https://api.openai.com/v1",
		Model:    "whisper-1",
		Language: "", // Auto-detect
		Timeout:  30 * time.Second,
	}
}

// NewWhisperAPIProvider creates a new Whisper API provider
func NewWhisperAPIProvider(logger zerolog.Logger, config *WhisperAPIConfig) *WhisperAPIProvider {
	if config == nil {
		config = DefaultWhisperAPIConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultWhisperAPIConfig().BaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	// Try to get API key from config, then environment
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}

	return &WhisperAPIProvider{
		apiKey: apiKey,
		client: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger.With().Str("provider", "whisper-api").Logger(),
		config: config,
	}
}

// Name returns the provider identifier
func (p *WhisperAPIProvider) Name() string {
	return "whisper-api"
}

// verboseResponse is the verbose_json body with word granularity
type verboseResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Words    []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
	Segments []struct {
		ID         int     `json:"id"`
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Text       string  `json:"text"`
		AvgLogprob float64 `json:"avg_logprob"`
	} `json:"segments"`
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

// Transcribe uploads the audio as WAV and requests word timestamps
func (p *WhisperAPIProvider) Transcribe(ctx context.Context, req *TranscribeRequest) (*TranscribeResponse, error) {
	startTime := time.Now()

	if p.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	if len(req.Audio) == 0 {
		return nil, ErrAudioTooShort
	}

	wavData := req.Audio
	if req.Format != "wav" {
		wavData = audio.EncodeWAV(req.Audio, audio.AudioConfig{
			SampleRate: req.SampleRate,
			Channels:   req.Channels,
			BitDepth:   req.BitDepth,
		})
	}

	// Create multipart form
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(wavData); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := [][2]string{
		{"model", p.config.Model},
		{"response_format", "verbose_json"},
		{"timestamp_granularities[]", "word"},
	}
	language := req.Language
	if language == "" {
		language = p.config.Language
	}
	if language != "" {
		fields = append(fields, [2]string{"language", language})
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("failed to write %s field: %w", f[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		p.logger.Error().Int("status", resp.StatusCode).Str("body", string(body)).Msg("Whisper API error")
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result verboseResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	out := &TranscribeResponse{
		Text:           strings.TrimSpace(result.Text),
		Confidence:     0.95, // Whisper doesn't provide confidence
		Language:       result.Language,
		Duration:       seconds(result.Duration),
		ProcessingTime: time.Since(startTime),
		IsFinal:        true,
	}
	if out.Language == "" {
		out.Language = language
	}
	for _, w := range result.Words {
		out.Words = append(out.Words, Word{
			Word:       strings.TrimSpace(w.Word),
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: out.Confidence,
		})
	}
	for _, s := range result.Segments {
		out.Segments = append(out.Segments, TranscribeSegment{
			ID:    s.ID,
			Start: seconds(s.Start),
			End:   seconds(s.End),
			Text:  strings.TrimSpace(s.Text),
		})
	}

	p.logger.Debug().
		Str("text", out.Text).
		Int("words", len(out.Words)).
		Dur("time", out.ProcessingTime).
		Msg("Transcription complete")

	return out, nil
}

// TranscribeStream batches streamed PCM into ~3s requests. Each response
// carries the stream Offset of its batch.
func (p *WhisperAPIProvider) TranscribeStream(ctx context.Context, audioStream <-chan []byte) (<-chan *TranscribeResponse, error) {
	return batchStream(ctx, p, audioStream), nil
}

// Health checks if the API is configured
func (p *WhisperAPIProvider) Health(ctx context.Context) error {
	if p.apiKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// Capabilities returns provider capabilities
func (p *WhisperAPIProvider) Capabilities() ProviderCapabilities {
	return ProviderCapabilities{
		SupportsStreaming:  false, // Batched only
		SupportsTimestamps: true,
		SupportedLanguages: []string{"en", "es", "fr", "de", "it", "pt", "zh", "ja", "ko", "ru", "ar"},
		MaxAudioLengthSec:  300,
		AvgLatencyMs:       1000,
		IsLocal:            false,
	}
}

// batchStream adapts a request/response provider to a PCM stream
// (16kHz mono 16-bit).
func batchStream(ctx context.Context, p Provider, audioStream <-chan []byte) <-chan *TranscribeResponse {
	const (
		bytesPerSecond = 16000 * 2
		batchBytes     = bytesPerSecond * 3
	)
	results := make(chan *TranscribeResponse, 10)

	go func() {
		defer close(results)

		var buffer []byte
		var consumed int
		flush := func() {
			resp, err := p.Transcribe(ctx, &TranscribeRequest{
				Audio:      buffer,
				Format:     "pcm",
				SampleRate: 16000,
				Channels:   1,
				BitDepth:   16,
			})
			offset := time.Duration(consumed) * time.Second / bytesPerSecond
			consumed += len(buffer)
			buffer = nil
			if err != nil {
				resp = &TranscribeResponse{Error: err.Error()}
			}
			// every batch covers distinct audio, so successful results are final
			resp.IsFinal = err == nil
			resp.Offset = offset
			select {
			case results <- resp:
			case <-ctx.Done():
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-audioStream:
				if !ok {
					if len(buffer) > bytesPerSecond/4 {
						flush()
					}
					return
				}
				buffer = append(buffer, chunk...)
				if len(buffer) >= batchBytes {
					flush()
				}
			}
		}
	}()

	return results
}
