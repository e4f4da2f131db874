package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/normanking/signify/internal/audio"
	"github.com/rs/zerolog"
)

// HFWhisperProvider uses a local voice service (Whisper behind a small HTTP
// API) for STT
type HFWhisperProvider struct {
	config     *HFWhisperConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// HFWhisperConfig holds configuration for the HF Whisper provider
type HFWhisperConfig struct {
	ServiceURL string        `json:"service_url"` // e.g., "http://localhost:8899"
	Timeout    time.Duration `json:"timeout"`
	Language   string        `json:"language"` // Default language (e.g., "en")
}

// DefaultHFWhisperConfig returns sensible defaults
func DefaultHFWhisperConfig() *HFWhisperConfig {
	return &HFWhisperConfig{
		ServiceURL: "http://localhost:8899",
		Timeout:    30 * time.Second,
		Language:   "en",
	}
}

// NewHFWhisperProvider creates a new HF Whisper STT provider
func NewHFWhisperProvider(config *HFWhisperConfig, logger zerolog.Logger) *HFWhisperProvider {
	if config == nil {
		config = DefaultHFWhisperConfig()
	}
	config.ServiceURL = strings.TrimRight(config.ServiceURL, "/")

	return &HFWhisperProvider{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger.With().Str("provider", "hf_whisper").Logger(),
	}
}

// Name returns the provider identifier
func (p *HFWhisperProvider) Name() string {
	return "hf_whisper"
}

// Transcribe converts audio to text using the local voice service
func (p *HFWhisperProvider) Transcribe(ctx context.Context, req *TranscribeRequest) (*TranscribeResponse, error) {
	startTime := time.Now()

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

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("audio", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := part.Write(wavData); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	language := req.Language
	if language == "" {
		language = p.config.Language
	}

	endpoint := fmt.Sprintf("%s/stt?language=%s", p.config.ServiceURL, url.QueryEscape(language))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	p.logger.Debug().Str("url", endpoint).Str("language", language).Msg("Sending STT request to voice service")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("voice service returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	// words are optional; older service builds only return text
	var sttResp struct {
		Text             string  `json:"text"`
		Language         string  `json:"language"`
		Confidence       float64 `json:"confidence"`
		ProcessingTimeMs float64 `json:"processing_time_ms"`
		Words            []struct {
			Word  string  `json:"word"`
			Start float64 `json:"start"`
			End   float64 `json:"end"`
			Prob  float64 `json:"probability"`
		} `json:"words"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&sttResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	out := &TranscribeResponse{
		Text:           strings.TrimSpace(sttResp.Text),
		Confidence:     sttResp.Confidence,
		Language:       sttResp.Language,
		Duration:       audio.AudioConfig{SampleRate: req.SampleRate, Channels: req.Channels, BitDepth: req.BitDepth}.DurationOf(len(req.Audio)),
		ProcessingTime: time.Since(startTime),
		IsFinal:        true,
	}
	for _, w := range sttResp.Words {
		out.Words = append(out.Words, Word{
			Word:       strings.TrimSpace(w.Word),
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: w.Prob,
		})
	}

	p.logger.Debug().
		Str("text", out.Text).
		Str("language", out.Language).
		Float64("confidence", out.Confidence).
		Dur("processing_time", out.ProcessingTime).
		Msg("STT transcription complete")

	return out, nil
}

// TranscribeStream is not supported by the voice service (batch processing only)
func (p *HFWhisperProvider) TranscribeStream(ctx context.Context, audioStream <-chan []byte) (<-chan *TranscribeResponse, error) {
	return nil, fmt.Errorf("streaming not supported by HF Whisper provider")
}

// Health checks if the voice service is available
func (p *HFWhisperProvider) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.ServiceURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: voice service unreachable: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: voice service unhealthy (status %d)", ErrProviderUnavailable, resp.StatusCode)
	}

	return nil
}

// Capabilities returns the provider's feature set
func (p *HFWhisperProvider) Capabilities() ProviderCapabilities {
	return ProviderCapabilities{
		SupportsStreaming:  false,
		SupportsTimestamps: true, // when the service returns words
		SupportedLanguages: []string{"en", "fr", "es", "zh", "ja", "ko", "auto"},
		MaxAudioLengthSec:  30,
		AvgLatencyMs:       500,
		IsLocal:            true,
	}
}
