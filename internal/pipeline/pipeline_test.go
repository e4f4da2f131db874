package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/normanking/signify/internal/animation"
	"github.com/normanking/signify/internal/audio"
	"github.com/normanking/signify/internal/bus"
	"github.com/normanking/signify/internal/config"
	"github.com/normanking/signify/internal/lexicon"
	"github.com/normanking/signify/internal/stt"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// longSegment is the byte size above which the fake provider treats a
// segment as the first, longer utterance
const longSegment = 30000

type fakeLexicon struct{}

var fakeWords = map[string]string{
	"hello":     "HELLO",
	"world":     "WORLD",
	"thank you": "THANK-YOU",
}

func (fakeLexicon) Lookup(key string) (string, bool) {
	g, ok := fakeWords[key]
	return g, ok
}

func (fakeLexicon) Letter(rune) (string, bool) { return "", false }

func (fakeLexicon) MaxPhraseWords() int { return 2 }

func (fakeLexicon) Clip(g string) (*lexicon.Clip, error) {
	for _, known := range fakeWords {
		if known == g {
			return &lexicon.Clip{
				Gloss: g,
				FPS:   100,
				Frames: []lexicon.Frame{
					{Pose: []lexicon.Point{{0, 0, 0}}},
					{Pose: []lexicon.Point{{1, 1, 1}}},
				},
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", lexicon.ErrNotFound, g)
}

func (fakeLexicon) Rest() (*lexicon.Clip, error) { return nil, lexicon.ErrNotFound }

// fakeProvider answers by segment size: long segments are "hello world",
// short ones "thank you"
type fakeProvider struct {
	longDelay time.Duration
	longErr   error
	shortText string

	mu    sync.Mutex
	calls int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Transcribe(ctx context.Context, req *stt.TranscribeRequest) (*stt.TranscribeResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if len(req.Audio) > longSegment {
		select {
		case <-time.After(f.longDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if f.longErr != nil {
			return nil, f.longErr
		}
		return &stt.TranscribeResponse{Text: "hello world", Confidence: 0.9}, nil
	}

	text := f.shortText
	if text == "" {
		text = "thank you"
	}
	return &stt.TranscribeResponse{Text: text, Confidence: 0.9}, nil
}

// TranscribeStream sends one interim result after the first chunk and
// one final result once the audio ends
func (f *fakeProvider) TranscribeStream(ctx context.Context, audioStream <-chan []byte) (<-chan *stt.TranscribeResponse, error) {
	results := make(chan *stt.TranscribeResponse, 4)
	go func() {
		defer close(results)
		first := true
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-audioStream:
				if !ok {
					results <- &stt.TranscribeResponse{
						Text:    "hello world",
						IsFinal: true,
						Words: []stt.Word{
							{Word: "hello", Start: 0, End: 300 * time.Millisecond},
							{Word: "world", Start: 300 * time.Millisecond, End: 700 * time.Millisecond},
						},
					}
					return
				}
				if first {
					first = false
					results <- &stt.TranscribeResponse{
						Text:  "hello",
						Words: []stt.Word{{Word: "hello", Start: 0, End: 300 * time.Millisecond}},
					}
				}
			}
		}
	}()
	return results, nil
}

func (f *fakeProvider) Health(context.Context) error { return nil }

func (f *fakeProvider) Capabilities() stt.ProviderCapabilities {
	return stt.ProviderCapabilities{SupportsStreaming: true}
}

type recordingSink struct {
	mu     sync.Mutex
	frames []*animation.OutputFrame
}

func (s *recordingSink) WriteFrame(f *animation.OutputFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

// glosses lists the signs performed, collapsing consecutive frames
func (s *recordingSink) glosses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, f := range s.frames {
		if f.Gloss == "" {
			continue
		}
		if n := len(out); n == 0 || out[n-1] != f.Gloss {
			out = append(out, f.Gloss)
		}
	}
	return out
}

// tone renders ms milliseconds of 16kHz mono 16-bit audio, silent at amp 0
func tone(ms int, amp float64) []byte {
	const rate = 16000
	n := rate * ms / 1000
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amp * math.Sin(2*math.Pi*440*float64(i)/rate)
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v*32767)))
	}
	return buf
}

// twoUtterances is a 1000ms utterance and a 600ms one, each followed by
// 600ms of silence
func twoUtterances() []byte {
	var data []byte
	data = append(data, tone(1000, 0.5)...)
	data = append(data, tone(600, 0)...)
	data = append(data, tone(600, 0.5)...)
	data = append(data, tone(600, 0)...)
	return data
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.VAD.SmoothingFrames = 1
	cfg.VAD.MaxSilenceMs = 200
	cfg.VAD.PaddingMs = 0
	cfg.Animation.FPS = 100
	cfg.Animation.TransitionFrames = 2
	cfg.Gloss.PauseOnPunctuation = false
	return cfg
}

func newTestPipeline(t *testing.T, cfg *config.Config, data []byte, provider stt.Provider, eventBus *bus.EventBus) (*Pipeline, *recordingSink) {
	t.Helper()
	src, err := audio.NewPCMSource(bytes.NewReader(data), audio.DefaultAudioConfig())
	require.NoError(t, err)

	sink := &recordingSink{}
	p, err := New(cfg, Components{
		Source:   src,
		Provider: provider,
		Lexicon:  fakeLexicon{},
		Sink:     sink,
		EventBus: eventBus,
	}, zerolog.Nop())
	require.NoError(t, err)
	return p, sink
}

func collect(eventBus *bus.EventBus, types ...bus.EventType) func() []bus.Event {
	var (
		mu     sync.Mutex
		events []bus.Event
	)
	eventBus.SubscribeMultiple(types, func(e bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})
	return func() []bus.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]bus.Event(nil), events...)
	}
}

func runWithTimeout(t *testing.T, p *Pipeline) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := p.Run(ctx)
	require.NoError(t, ctx.Err(), "pipeline did not drain")
	return err
}

func TestRun_DeliversInSegmentOrder(t *testing.T) {
	eventBus := bus.NewEventBus()
	finals := collect(eventBus, bus.EventTypeSTTFinal)
	sessions := collect(eventBus, bus.EventTypeSessionStarted, bus.EventTypeSessionEnded)
	ended := collect(eventBus, bus.EventTypeSessionEnded)

	// the first segment is answered last
	provider := &fakeProvider{longDelay: 150 * time.Millisecond}
	p, sink := newTestPipeline(t, testConfig(), twoUtterances(), provider, eventBus)

	require.NoError(t, runWithTimeout(t, p))
	require.Len(t, ended(), 1, "session_ended is handled before Run returns")
	assert.Equal(t, int64(3), ended()[0].Data["tokens"])

	assert.Equal(t, []string{"HELLO", "WORLD", "THANK-YOU"}, sink.glosses())

	stats := p.Stats()
	assert.Equal(t, int64(28), stats.Chunks)
	assert.Equal(t, int64(2), stats.Segments)
	assert.Equal(t, int64(2), stats.Transcripts)
	assert.Equal(t, int64(3), stats.Tokens)
	assert.GreaterOrEqual(t, stats.Frames, int64(len(sink.frames)))
	assert.Equal(t, 2, provider.calls)

	require.Eventually(t, func() bool { return len(finals()) == 2 }, time.Second, 10*time.Millisecond)
	texts := map[int]string{}
	for _, e := range finals() {
		assert.Equal(t, p.SessionID(), e.SessionID)
		texts[e.Data["seq"].(int)] = e.Data["text"].(string)
	}
	assert.Equal(t, map[int]string{0: "hello world", 1: "thank you"}, texts)

	require.Eventually(t, func() bool { return len(sessions()) == 2 }, time.Second, 10*time.Millisecond)
}

func TestRun_TranscriptionErrorIsNotFatal(t *testing.T) {
	eventBus := bus.NewEventBus()
	errs := collect(eventBus, bus.EventTypePipelineError)

	provider := &fakeProvider{longErr: errors.New("upstream unavailable")}
	p, sink := newTestPipeline(t, testConfig(), twoUtterances(), provider, eventBus)

	require.NoError(t, runWithTimeout(t, p))
	assert.Equal(t, []string{"THANK-YOU"}, sink.glosses())
	assert.Equal(t, int64(1), p.Stats().Transcripts)

	require.Eventually(t, func() bool { return len(errs()) == 1 }, time.Second, 10*time.Millisecond)
	e := errs()[0]
	assert.Equal(t, "stt", e.Data["stage"])
	assert.Equal(t, "upstream unavailable", e.Data["error"])
	assert.Equal(t, 0, e.Data["segment"])
}

func TestRun_DropsFillerOnlyTranscripts(t *testing.T) {
	provider := &fakeProvider{shortText: "um uh"}
	p, sink := newTestPipeline(t, testConfig(), twoUtterances(), provider, nil)

	require.NoError(t, runWithTimeout(t, p))
	assert.Equal(t, []string{"HELLO", "WORLD"}, sink.glosses())
	assert.Equal(t, int64(1), p.Stats().Transcripts)
}

func TestRun_Streaming(t *testing.T) {
	eventBus := bus.NewEventBus()
	partials := collect(eventBus, bus.EventTypeSTTPartial)
	tokens := collect(eventBus, bus.EventTypeGlossTokens)

	cfg := testConfig()
	cfg.STT.EnableStreaming = true
	p, sink := newTestPipeline(t, cfg, tone(500, 0.5), &fakeProvider{}, eventBus)

	require.NoError(t, runWithTimeout(t, p))
	assert.Equal(t, []string{"HELLO", "WORLD"}, sink.glosses())

	stats := p.Stats()
	assert.Equal(t, int64(5), stats.Chunks)
	assert.Equal(t, int64(0), stats.Segments)
	assert.Equal(t, int64(1), stats.Transcripts)

	require.Eventually(t, func() bool { return len(partials()) == 1 && len(tokens()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "hello", partials()[0].Data["text"])
	assert.Equal(t, []string{"HELLO", "WORLD"}, tokens()[0].Data["glosses"])
}

func TestRun_CancelStopsLiveSource(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	src, err := audio.NewPCMSource(pr, audio.DefaultAudioConfig())
	require.NoError(t, err)
	p, err := New(testConfig(), Components{
		Source:   src,
		Provider: &fakeProvider{},
		Lexicon:  fakeLexicon{},
	}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// speech that never ends
	_, err = pw.Write(tone(300, 0.5))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Stats().Chunks == 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}

func TestRun_RequiresComponents(t *testing.T) {
	_, err := New(testConfig(), Components{}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoLexicon)

	p, err := New(testConfig(), Components{Lexicon: fakeLexicon{}}, zerolog.Nop())
	require.NoError(t, err)
	assert.ErrorIs(t, p.Run(context.Background()), ErrNoSource)

	cfg := testConfig()
	cfg.Animation.Easing = "bouncy"
	_, err = New(cfg, Components{Lexicon: fakeLexicon{}}, zerolog.Nop())
	assert.ErrorIs(t, err, animation.ErrInvalidConfig)
}

func TestRun_OnlyOnce(t *testing.T) {
	p, _ := newTestPipeline(t, testConfig(), tone(100, 0), &fakeProvider{}, nil)
	require.NoError(t, runWithTimeout(t, p))
	assert.ErrorIs(t, p.Run(context.Background()), ErrStarted)
}

func TestRenderSentence(t *testing.T) {
	sink := &recordingSink{}
	p, err := New(testConfig(), Components{Lexicon: fakeLexicon{}, Sink: sink}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, p.RenderSentence(context.Background(), []string{"Thank", "you,", "world"}))
	assert.Equal(t, []string{"THANK-YOU", "WORLD"}, sink.glosses())

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Transcripts)
	assert.Equal(t, int64(2), stats.Tokens)
	// with no rest pose the first sign starts without a transition
	assert.Equal(t, int64(6), stats.Frames)
}

func TestPlaySentence(t *testing.T) {
	sink := &recordingSink{}
	p, err := New(testConfig(), Components{Lexicon: fakeLexicon{}, Sink: sink}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.PlaySentence(ctx, []string{"hello", "xyz"}))
	assert.Equal(t, []string{"HELLO"}, sink.glosses())
	// xyz has no sign and no letters to spell it with
	assert.Equal(t, 1, p.Stats().Unknown)
}

func TestStreamedEnd(t *testing.T) {
	resp := &stt.TranscribeResponse{
		Offset:   3 * time.Second,
		Duration: 500 * time.Millisecond,
		Words:    []stt.Word{{Word: "hi", Start: 0, End: 800 * time.Millisecond}},
	}
	assert.Equal(t, 3800*time.Millisecond, streamedEnd(resp))

	resp.Words = nil
	assert.Equal(t, 3500*time.Millisecond, streamedEnd(resp))
}
