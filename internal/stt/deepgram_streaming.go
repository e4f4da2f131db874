package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	DeepgramWSEndpoint = "wss://api.deepgram.com/v1/listen"
	DeepgramModel      = "nova-2"
)

// DeepgramStreamingProvider streams PCM to Deepgram over a websocket. Each
// Transcribe or TranscribeStream call opens its own connection.
type DeepgramStreamingProvider struct {
	apiKey string
	logger zerolog.Logger
	config *DeepgramConfig
}

type DeepgramConfig struct {
	APIKey         string        `json:"api_key"`
	Endpoint       string        `json:"endpoint"`
	Model          string        `json:"model"`
	Language       string        `json:"language"`
	SampleRate     int           `json:"sample_rate"`
	Encoding       string        `json:"encoding"`
	Channels       int           `json:"channels"`
	InterimResults bool          `json:"interim_results"`
	Punctuate      bool          `json:"punctuate"`
	Timeout        time.Duration `json:"timeout"` // wait for final results after the audio ends
}

func DefaultDeepgramConfig() *DeepgramConfig {
	return &DeepgramConfig{
		Endpoint:       DeepgramWSEndpoint,
		Model:          DeepgramModel,
		Language:       "en-US",
		SampleRate:     16000,
		Encoding:       "linear16",
		Channels:       1,
		InterimResults: true,
		Punctuate:      true,
		Timeout:        5 * time.Second,
	}
}

func NewDeepgramStreamingProvider(logger zerolog.Logger, config *DeepgramConfig) *DeepgramStreamingProvider {
	if config == nil {
		config = DefaultDeepgramConfig()
	}
	if config.Endpoint == "" {
		config.Endpoint = DeepgramWSEndpoint
	}

	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("DEEPGRAM_API_KEY")
	}

	return &DeepgramStreamingProvider{
		apiKey: apiKey,
		logger: logger.With().Str("provider", "deepgram").Logger(),
		config: config,
	}
}

func (p *DeepgramStreamingProvider) Name() string {
	return "deepgram"
}

type deepgramMessage struct {
	Type        string            `json:"type"`
	ChannelIdx  []int             `json:"channel_index,omitempty"`
	Duration    float64           `json:"duration,omitempty"`
	Start       float64           `json:"start,omitempty"`
	IsFinal     bool              `json:"is_final,omitempty"`
	SpeechFinal bool              `json:"speech_final,omitempty"`
	Channel     deepgramChannel   `json:"channel,omitempty"`
	Metadata    *deepgramMetadata `json:"metadata,omitempty"`
	Description string            `json:"description,omitempty"`
}

type deepgramChannel struct {
	Alternatives []deepgramAlternative `json:"alternatives,omitempty"`
}

type deepgramAlternative struct {
	Transcript string         `json:"transcript"`
	Confidence float64        `json:"confidence"`
	Words      []deepgramWord `json:"words,omitempty"`
}

type deepgramWord struct {
	Word           string  `json:"word"`
	PunctuatedWord string  `json:"punctuated_word,omitempty"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Confidence     float64 `json:"confidence"`
}

type deepgramMetadata struct {
	RequestID string  `json:"request_id"`
	Duration  float64 `json:"duration"`
}

// deepgramSession is one websocket connection. Writes are serialized;
// a single goroutine reads.
type deepgramSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	logger  zerolog.Logger
}

func (p *DeepgramStreamingProvider) listenURL() string {
	q := url.Values{}
	q.Set("model", p.config.Model)
	q.Set("language", p.config.Language)
	q.Set("encoding", p.config.Encoding)
	q.Set("sample_rate", strconv.Itoa(p.config.SampleRate))
	q.Set("channels", strconv.Itoa(p.config.Channels))
	q.Set("punctuate", strconv.FormatBool(p.config.Punctuate))
	q.Set("interim_results", strconv.FormatBool(p.config.InterimResults))
	return p.config.Endpoint + "?" + q.Encode()
}

func (p *DeepgramStreamingProvider) open(ctx context.Context) (*deepgramSession, error) {
	if p.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+p.apiKey)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, p.listenURL(), header)
	if err != nil {
		if resp != nil {
			p.logger.Error().
				Int("status", resp.StatusCode).
				Err(err).
				Msg("Deepgram WebSocket connection failed")
		}
		return nil, fmt.Errorf("%w: websocket dial: %v", ErrProviderUnavailable, err)
	}

	p.logger.Debug().Msg("Connected to Deepgram streaming STT")
	return &deepgramSession{conn: conn, logger: p.logger}, nil
}

func (s *deepgramSession) send(audio []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, audio)
}

// finish asks the server to flush final results and close
func (s *deepgramSession) finish() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
}

func (s *deepgramSession) close() error {
	return s.conn.Close()
}

// read forwards results to out until the connection closes
func (s *deepgramSession) read(ctx context.Context, language string, out chan<- *TranscribeResponse) {
	defer close(out)

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Msg("Deepgram connection closed normally")
			} else if ctx.Err() == nil {
				s.logger.Debug().Err(err).Msg("Deepgram read ended")
			}
			return
		}

		var msg deepgramMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.logger.Warn().Err(err).Str("message", string(message)).Msg("Failed to parse Deepgram message")
			continue
		}

		switch msg.Type {
		case "Results":
			resp := msg.toResponse(language)
			if resp == nil {
				continue
			}
			select {
			case out <- resp:
			case <-ctx.Done():
				return
			}

		case "Metadata":
			if msg.Metadata != nil {
				s.logger.Debug().Str("requestID", msg.Metadata.RequestID).Msg("Deepgram metadata received")
			}

		case "Error":
			s.logger.Error().Str("message", msg.Description).Msg("Deepgram error")
			select {
			case out <- &TranscribeResponse{Error: msg.Description}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// toResponse converts a Results message. Deepgram times are relative to
// the start of the connection.
func (m *deepgramMessage) toResponse(language string) *TranscribeResponse {
	if len(m.Channel.Alternatives) == 0 {
		return nil
	}
	alt := m.Channel.Alternatives[0]
	if strings.TrimSpace(alt.Transcript) == "" {
		return nil
	}

	resp := &TranscribeResponse{
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
		Language:   language,
		Duration:   seconds(m.Duration),
		IsFinal:    m.IsFinal || m.SpeechFinal,
		Segments: []TranscribeSegment{{
			Start:      seconds(m.Start),
			End:        seconds(m.Start + m.Duration),
			Text:       alt.Transcript,
			Confidence: alt.Confidence,
		}},
	}
	for _, w := range alt.Words {
		text := w.PunctuatedWord
		if text == "" {
			text = w.Word
		}
		resp.Words = append(resp.Words, Word{
			Word:       text,
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: w.Confidence,
		})
	}
	return resp
}

// Transcribe streams a whole buffer and joins the final results
func (p *DeepgramStreamingProvider) Transcribe(ctx context.Context, req *TranscribeRequest) (*TranscribeResponse, error) {
	if len(req.Audio) == 0 {
		return nil, ErrAudioTooShort
	}
	startTime := time.Now()

	session, err := p.open(ctx)
	if err != nil {
		return nil, err
	}
	defer session.close()

	results := make(chan *TranscribeResponse, 32)
	go session.read(ctx, p.config.Language, results)

	chunkSize := p.config.SampleRate * 2 / 10
	if chunkSize <= 0 {
		chunkSize = 3200
	}
	for i := 0; i < len(req.Audio); i += chunkSize {
		end := min(i+chunkSize, len(req.Audio))
		if err := session.send(req.Audio[i:end]); err != nil {
			return nil, fmt.Errorf("send audio: %w", err)
		}
	}
	if err := session.finish(); err != nil {
		return nil, fmt.Errorf("close stream: %w", err)
	}

	timeout := time.NewTimer(p.config.Timeout)
	defer timeout.Stop()

	var finals []*TranscribeResponse
	var lastInterim *TranscribeResponse
	for {
		select {
		case resp, ok := <-results:
			if !ok {
				return joinResponses(finals, lastInterim, time.Since(startTime))
			}
			if resp.Error != "" {
				return nil, fmt.Errorf("deepgram: %s", resp.Error)
			}
			if resp.IsFinal {
				finals = append(finals, resp)
			} else {
				lastInterim = resp
			}

		case <-timeout.C:
			p.logger.Warn().Msg("Timed out waiting for Deepgram final results")
			return joinResponses(finals, lastInterim, time.Since(startTime))

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func joinResponses(finals []*TranscribeResponse, interim *TranscribeResponse, took time.Duration) (*TranscribeResponse, error) {
	if len(finals) == 0 {
		if interim == nil {
			return nil, ErrTimeout
		}
		finals = []*TranscribeResponse{interim}
	}

	out := &TranscribeResponse{IsFinal: true, ProcessingTime: took, Language: finals[0].Language}
	var texts []string
	var conf float64
	for _, r := range finals {
		texts = append(texts, r.Text)
		out.Words = append(out.Words, r.Words...)
		out.Segments = append(out.Segments, r.Segments...)
		conf += r.Confidence
		out.Duration += r.Duration
	}
	out.Text = strings.Join(texts, " ")
	out.Confidence = conf / float64(len(finals))
	return out, nil
}

// TranscribeStream forwards interim and final results while audio flows.
// Word times are relative to the start of the stream.
func (p *DeepgramStreamingProvider) TranscribeStream(ctx context.Context, audioStream <-chan []byte) (<-chan *TranscribeResponse, error) {
	session, err := p.open(ctx)
	if err != nil {
		return nil, err
	}

	resultCh := make(chan *TranscribeResponse, 32)
	go session.read(ctx, p.config.Language, resultCh)

	go func() {
		defer func() {
			// unblock the reader if the server never closes
			time.AfterFunc(p.config.Timeout, func() { session.close() })
		}()

		for {
			select {
			case <-ctx.Done():
				session.close()
				return
			case chunk, ok := <-audioStream:
				if !ok {
					if err := session.finish(); err != nil {
						p.logger.Warn().Err(err).Msg("Failed to send close message")
						session.close()
					}
					return
				}
				if err := session.send(chunk); err != nil {
					p.logger.Error().Err(err).Msg("Failed to send audio")
					session.close()
					return
				}
			}
		}
	}()

	return resultCh, nil
}

func (p *DeepgramStreamingProvider) Health(ctx context.Context) error {
	if p.apiKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

func (p *DeepgramStreamingProvider) Capabilities() ProviderCapabilities {
	return ProviderCapabilities{
		SupportsStreaming:  true,
		SupportsTimestamps: true,
		SupportedLanguages: []string{"en", "es", "fr", "de", "it", "pt", "nl", "ja", "ko", "zh", "ru", "ar", "hi"},
		MaxAudioLengthSec:  0,
		AvgLatencyMs:       150,
		IsLocal:            false,
	}
}
