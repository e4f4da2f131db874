package stt

import (
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fillerWords(f *STTFilter) []string {
	words := make([]string, 0, len(f.fillerWords))
	for w := range f.fillerWords {
		words = append(words, w)
	}
	sort.Strings(words)
	return words
}

func TestNewSTTFilter_DefaultFillerWords(t *testing.T) {
	f := NewSTTFilter(nil)

	wordSet := make(map[string]struct{})
	for _, w := range fillerWords(f) {
		wordSet[w] = struct{}{}
	}

	for _, e := range []string{"um", "uh", "hmm", "you know"} {
		if _, ok := wordSet[e]; !ok {
			t.Errorf("expected default filler word %q not found", e)
		}
	}
	// these carry meaning when signed
	for _, kept := range []string{"well", "okay", "like", "right"} {
		if _, ok := wordSet[kept]; ok {
			t.Errorf("%q should not be a default filler", kept)
		}
	}
}

func TestNewSTTFilter_CustomFillerWords(t *testing.T) {
	f := NewSTTFilter([]string{"foo", "bar", " Baz "})

	words := fillerWords(f)
	want := []string{"bar", "baz", "foo"}
	if len(words) != len(want) {
		t.Fatalf("expected %d filler words, got %d", len(want), len(words))
	}
	for i := range want {
		if words[i] != want[i] {
			t.Errorf("word %d = %q, want %q", i, words[i], want[i])
		}
	}
}

func TestSTTFilter_Clean_RemovesFillers(t *testing.T) {
	f := NewSTTFilter(nil)

	tests := []struct {
		name        string
		input       string
		wantCleaned string
		wantHas     bool
	}{
		{"simple filler removal", "um where is the library", "where is the library", true},
		{"multiple fillers", "um where is uh the library you know", "where is the library", true},
		{"comma after filler", "Um, thank you", "thank you", true},
		{"case insensitive", "UH hello", "hello", true},
		{"filler only", "um uh hmm", "", false},
		{"punctuation left over", "um... uh?", "", false},
		{"no fillers", "good morning everyone", "good morning everyone", true},
		{"filler inside a word is kept", "umbrella", "umbrella", true},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleaned, has := f.Clean(tt.input)
			if cleaned != tt.wantCleaned {
				t.Errorf("Clean(%q) = %q, want %q", tt.input, cleaned, tt.wantCleaned)
			}
			if has != tt.wantHas {
				t.Errorf("Clean(%q) meaningful = %v, want %v", tt.input, has, tt.wantHas)
			}
		})
	}
}

func TestSTTFilter_EmptyFillerList(t *testing.T) {
	f := NewSTTFilter([]string{})

	cleaned, has := f.Clean("  um   hello  ")
	if cleaned != "um hello" || !has {
		t.Errorf("expected whitespace-normalized text, got %q", cleaned)
	}
	if got := f.FilterWords([]Word{{Word: "um"}}); len(got) != 1 {
		t.Errorf("expected words untouched, got %v", got)
	}
}

func TestSTTFilter_FilterWords(t *testing.T) {
	f := NewSTTFilter(nil)
	ms := time.Millisecond

	words := []Word{
		{Word: "Um,", Start: 0, End: 100 * ms},
		{Word: "thank", Start: 100 * ms, End: 300 * ms},
		{Word: "you", Start: 300 * ms, End: 400 * ms},
		{Word: "you", Start: 400 * ms, End: 500 * ms},
		{Word: "know.", Start: 500 * ms, End: 600 * ms},
		{Word: "...", Start: 600 * ms, End: 650 * ms},
	}

	got := f.FilterWords(words)
	if len(got) != 2 {
		t.Fatalf("expected 2 words, got %d: %v", len(got), got)
	}
	if got[0].Word != "thank" || got[1].Word != "you" {
		t.Errorf("unexpected words %v", got)
	}
	if got[1].Start != 300*ms {
		t.Errorf("kept the wrong 'you': %v", got[1])
	}
}

func TestSTTFilter_FilterResponse(t *testing.T) {
	f := NewSTTFilter(nil)

	resp := &TranscribeResponse{
		Text:  "uh good morning",
		Words: []Word{{Word: "uh"}, {Word: "good"}, {Word: "morning"}},
	}
	if !f.FilterResponse(resp) {
		t.Fatal("expected response to be kept")
	}
	if resp.Text != "good morning" {
		t.Errorf("text = %q", resp.Text)
	}
	if len(resp.Words) != 2 {
		t.Errorf("words = %v", resp.Words)
	}

	fillerOnly := &TranscribeResponse{Text: "um"}
	if f.FilterResponse(fillerOnly) {
		t.Error("filler-only response should be dropped")
	}
	if f.FilterResponse(nil) {
		t.Error("nil response should be dropped")
	}
}

func TestSTTFilter_ConcurrentAccess(t *testing.T) {
	f := NewSTTFilter(nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if cleaned, _ := f.Clean("um hello uh world"); cleaned != "hello world" {
					t.Errorf("cleaned = %q", cleaned)
					return
				}
				f.FilterWords([]Word{{Word: "um"}, {Word: "hello"}})
			}
		}()
	}
	wg.Wait()
}

func transcript(text string, start, end time.Duration) *Transcript {
	return &Transcript{Text: text, Start: start, End: end, IsFinal: true, Confidence: 0.9}
}

func TestNewFragmentBuffer_Defaults(t *testing.T) {
	fb := NewFragmentBuffer(nil)
	if fb.timeoutNs != 500*1e6 {
		t.Errorf("timeout = %d", fb.timeoutNs)
	}
	if fb.minWordCount != 2 {
		t.Errorf("min words = %d", fb.minWordCount)
	}
	if fb.Flush() != nil {
		t.Error("new buffer should be empty")
	}
}

func TestFragmentBuffer_Add(t *testing.T) {
	fb := NewFragmentBuffer(nil)

	if fb.Add(nil) {
		t.Error("nil transcript should not be added")
	}
	if fb.Add(transcript("   ", 0, 0)) {
		t.Error("blank transcript should not be added")
	}
	if !fb.Add(transcript(" hello ", 0, time.Second)) {
		t.Error("expected transcript to be added")
	}
	if fb.pending.Text != "hello" {
		t.Errorf("pending = %q", fb.pending.Text)
	}
	if fb.currentWords != 1 {
		t.Errorf("word count = %d", fb.currentWords)
	}
}

func TestFragmentBuffer_MergesTranscripts(t *testing.T) {
	fb := NewFragmentBuffer(&FragmentBufferConfig{MinWordCount: 3})

	first := transcript("where", time.Second, 1200*time.Millisecond)
	first.Words = []Word{{Word: "where", Start: time.Second, End: 1200 * time.Millisecond}}
	second := transcript("is it", 1300*time.Millisecond, 1700*time.Millisecond)
	second.Words = []Word{
		{Word: "is", Start: 1300 * time.Millisecond, End: 1500 * time.Millisecond},
		{Word: "it", Start: 1500 * time.Millisecond, End: 1700 * time.Millisecond},
	}

	fb.Add(first)
	if fb.ShouldSend() {
		t.Error("should not send after 1 word")
	}
	fb.Add(second)
	if !fb.ShouldSend() {
		t.Error("should send after 3 words")
	}

	merged := fb.Flush()
	if merged == nil {
		t.Fatal("expected merged transcript")
	}
	if merged.Text != "where is it" {
		t.Errorf("text = %q", merged.Text)
	}
	if merged.Start != time.Second || merged.End != 1700*time.Millisecond {
		t.Errorf("span = %v..%v", merged.Start, merged.End)
	}
	if len(merged.Words) != 3 {
		t.Errorf("words = %v", merged.Words)
	}
	if first.Text != "where" || len(first.Words) != 1 {
		t.Error("Add must not mutate its input")
	}
	if fb.ShouldSend() || fb.Flush() != nil {
		t.Error("buffer should be empty after flush")
	}
}

func TestFragmentBuffer_SendsAfterPause(t *testing.T) {
	var mockTime int64 = 1000000000

	fb := NewFragmentBuffer(&FragmentBufferConfig{
		TimeoutMs:    500,
		MinWordCount: 3,
	})
	fb.timeProvider = func() int64 {
		return atomic.LoadInt64(&mockTime)
	}

	fb.Add(transcript("hi", 0, 200*time.Millisecond))
	if fb.ShouldSend() {
		t.Error("should not send single word immediately")
	}

	atomic.AddInt64(&mockTime, 400000000)
	if fb.ShouldSend() {
		t.Error("should not send before timeout")
	}

	atomic.AddInt64(&mockTime, 100000000)
	if !fb.ShouldSend() {
		t.Error("should send after pause timeout even with 1 word")
	}
}

func TestCountWords(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"", 0},
		{"   ", 0},
		{"hello", 1},
		{"thank you", 2},
		{"  spaced   out  words ", 3},
	}
	for _, tt := range tests {
		if got := countWords(tt.input); got != tt.want {
			t.Errorf("countWords(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}
