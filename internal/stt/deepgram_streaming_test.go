package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDeepgram accepts audio until CloseStream, then replays the scripted
// messages and closes.
func fakeDeepgram(t *testing.T, messages ...string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	received := new(atomic.Int64)
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Token dg-test", r.Header.Get("Authorization"))
		assert.Equal(t, "16000", r.URL.Query().Get("sample_rate"))
		assert.Equal(t, "linear16", r.URL.Query().Get("encoding"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				received.Add(int64(len(data)))
				continue
			}
			if strings.Contains(string(data), "CloseStream") {
				break
			}
		}
		for _, m := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	return server, received
}

func newTestDeepgram(server *httptest.Server) *DeepgramStreamingProvider {
	cfg := DefaultDeepgramConfig()
	cfg.APIKey = "dg-test"
	cfg.Endpoint = "ws" + strings.TrimPrefix(server.URL, "http")
	cfg.Timeout = 2 * time.Second
	return NewDeepgramStreamingProvider(zerolog.Nop(), cfg)
}

const (
	dgInterim = `{"type":"Results","start":0.0,"duration":0.5,"is_final":false,"channel":{"alternatives":[{"transcript":"thank","confidence":0.7,"words":[{"word":"thank","start":0.1,"end":0.4,"confidence":0.7}]}]}}`
	dgFinal1  = `{"type":"Results","start":0.0,"duration":1.0,"is_final":true,"channel":{"alternatives":[{"transcript":"thank you","confidence":0.9,"words":[{"word":"thank","start":0.1,"end":0.4,"confidence":0.9},{"word":"you","punctuated_word":"you.","start":0.4,"end":0.7,"confidence":0.9}]}]}}`
	dgFinal2  = `{"type":"Results","start":1.0,"duration":0.5,"is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"bye","confidence":0.7,"words":[{"word":"bye","start":1.1,"end":1.3,"confidence":0.7}]}]}}`
	dgEmpty   = `{"type":"Results","start":1.5,"duration":0.5,"is_final":true,"channel":{"alternatives":[{"transcript":"","confidence":0}]}}`
)

func TestDeepgram_Transcribe(t *testing.T) {
	server, received := fakeDeepgram(t, `{"type":"Metadata","metadata":{"request_id":"abc"}}`, dgInterim, dgFinal1, dgEmpty, dgFinal2)
	defer server.Close()

	provider := newTestDeepgram(server)
	resp, err := provider.Transcribe(context.Background(), &TranscribeRequest{Audio: make([]byte, 16000)})
	require.NoError(t, err)

	assert.Equal(t, int64(16000), received.Load())
	assert.Equal(t, "thank you bye", resp.Text)
	assert.True(t, resp.IsFinal)
	require.Len(t, resp.Words, 3)
	assert.Equal(t, "you.", resp.Words[1].Word)
	assert.Equal(t, 1300*time.Millisecond, resp.Words[2].End)
	assert.InDelta(t, 0.8, resp.Confidence, 1e-9)
}

func TestDeepgram_TranscribeStream(t *testing.T) {
	server, _ := fakeDeepgram(t, dgInterim, dgFinal1)
	defer server.Close()

	provider := newTestDeepgram(server)

	in := make(chan []byte, 4)
	in <- make([]byte, 3200)
	in <- make([]byte, 3200)
	close(in)

	out, err := provider.TranscribeStream(context.Background(), in)
	require.NoError(t, err)

	var results []*TranscribeResponse
	timeout := time.After(3 * time.Second)
	for done := false; !done; {
		select {
		case r, ok := <-out:
			if !ok {
				done = true
				continue
			}
			results = append(results, r)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}

	require.Len(t, results, 2)
	assert.False(t, results[0].IsFinal)
	assert.True(t, results[1].IsFinal)
	require.Len(t, results[1].Segments, 1)
	assert.Equal(t, time.Second, results[1].Segments[0].End)
}

func TestDeepgram_MissingKey(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "")
	provider := NewDeepgramStreamingProvider(zerolog.Nop(), nil)

	assert.ErrorIs(t, provider.Health(context.Background()), ErrMissingAPIKey)
	_, err := provider.TranscribeStream(context.Background(), make(chan []byte))
	assert.ErrorIs(t, err, ErrMissingAPIKey)
	_, err = provider.Transcribe(context.Background(), &TranscribeRequest{Audio: []byte{0, 0}})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestDeepgram_DialFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer server.Close()

	provider := newTestDeepgram(server)
	_, err := provider.Transcribe(context.Background(), &TranscribeRequest{Audio: make([]byte, 320)})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}
