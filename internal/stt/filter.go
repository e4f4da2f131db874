package stt

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

// DefaultFillerWords are disfluencies with no sign. Discourse words such as
// "well" or "okay" carry meaning in signed output and are kept.
var DefaultFillerWords = []string{
	"um", "uh", "uhh", "umm",
	"er", "erm", "ah", "hmm", "mm",
	"you know",
}

var (
	spacePattern = regexp.MustCompile(`\s+`)
	punctOnly    = regexp.MustCompile(`^[.,!?;:\s]+$`)
)

// STTFilter filters filler words and noise from STT transcripts. The word
// list is fixed at construction, so a filter is safe for concurrent use.
type STTFilter struct {
	fillerWords map[string]struct{}
	phrases     [][]string // multi-word fillers, split
	pattern     *regexp.Regexp
}

// NewSTTFilter creates a new filter with the given filler words.
// If fillerWords is nil, DefaultFillerWords is used.
func NewSTTFilter(fillerWords []string) *STTFilter {
	if fillerWords == nil {
		fillerWords = DefaultFillerWords
	}

	f := &STTFilter{fillerWords: make(map[string]struct{}, len(fillerWords))}
	for _, word := range fillerWords {
		word = strings.ToLower(strings.TrimSpace(word))
		if word != "" {
			f.fillerWords[word] = struct{}{}
		}
	}
	f.build()
	return f
}

// build compiles the text pattern and the phrase table. Longer fillers
// come first so "you know" wins over a hypothetical "you".
func (f *STTFilter) build() {
	if len(f.fillerWords) == 0 {
		return
	}

	words := make([]string, 0, len(f.fillerWords))
	for word := range f.fillerWords {
		words = append(words, word)
	}
	sort.Slice(words, func(i, j int) bool {
		if len(words[i]) != len(words[j]) {
			return len(words[i]) > len(words[j])
		}
		return words[i] < words[j]
	})

	patterns := make([]string, 0, len(words))
	for _, word := range words {
		patterns = append(patterns, `\b`+regexp.QuoteMeta(word)+`\b`)
		f.phrases = append(f.phrases, strings.Fields(word))
	}
	// trailing punctuation glued to a filler goes with it ("um, hello")
	f.pattern = regexp.MustCompile(`(?i)(` + strings.Join(patterns, `|`) + `)[,]?`)
}

// Clean removes filler words from the transcript and normalizes whitespace.
// Returns the cleaned text and whether anything meaningful is left.
func (f *STTFilter) Clean(text string) (cleaned string, hasMeaningfulContent bool) {
	if text == "" {
		return "", false
	}

	cleaned = text
	if f.pattern != nil {
		cleaned = f.pattern.ReplaceAllString(cleaned, "")
	}

	cleaned = spacePattern.ReplaceAllString(cleaned, " ")
	cleaned = strings.TrimSpace(cleaned)

	if punctOnly.MatchString(cleaned) {
		cleaned = ""
	}

	return cleaned, cleaned != ""
}

// bareWord lowercases w and strips surrounding punctuation
func bareWord(w string) string {
	return strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	}))
}

// FilterWords drops timed words that form filler phrases. Punctuation
// attached to a dropped word is lost with it.
func (f *STTFilter) FilterWords(words []Word) []Word {
	if len(words) == 0 {
		return words
	}

	out := make([]Word, 0, len(words))
	for i := 0; i < len(words); {
		if n := matchPhrase(words[i:], f.phrases); n > 0 {
			i += n
			continue
		}
		if bareWord(words[i].Word) != "" {
			out = append(out, words[i])
		}
		i++
	}
	return out
}

func matchPhrase(words []Word, phrases [][]string) int {
	for _, phrase := range phrases {
		if len(phrase) > len(words) {
			continue
		}
		ok := true
		for j, p := range phrase {
			if bareWord(words[j].Word) != p {
				ok = false
				break
			}
		}
		if ok {
			return len(phrase)
		}
	}
	return 0
}

// FilterResponse cleans a TranscribeResponse's text and words in place.
// Returns false if the response contains only filler words and should be discarded.
func (f *STTFilter) FilterResponse(resp *TranscribeResponse) bool {
	if resp == nil {
		return false
	}

	cleaned, hasMeaningful := f.Clean(resp.Text)
	resp.Text = cleaned
	resp.Words = f.FilterWords(resp.Words)

	return hasMeaningful
}

// FragmentBuffer accumulates short streaming transcripts until there is
// enough to sign, so single-word finals are not rendered in isolation.
type FragmentBuffer struct {
	mu           sync.Mutex
	pending      *Transcript
	lastAddTime  int64 // Unix nanoseconds
	timeoutNs    int64
	minWordCount int
	currentWords int
	timeProvider func() int64 // For testing - returns current time in nanoseconds
}

// FragmentBufferConfig holds configuration for FragmentBuffer.
type FragmentBufferConfig struct {
	TimeoutMs    int64 // Timeout in milliseconds (default 500)
	MinWordCount int   // Minimum word count to send (default 2)
}

// DefaultFragmentConfig returns sensible defaults for fragment accumulation.
func DefaultFragmentConfig() FragmentBufferConfig {
	return FragmentBufferConfig{
		TimeoutMs:    500,
		MinWordCount: 2,
	}
}

// NewFragmentBuffer creates a new FragmentBuffer with the given configuration.
// If config is nil, defaults are used.
func NewFragmentBuffer(config *FragmentBufferConfig) *FragmentBuffer {
	cfg := DefaultFragmentConfig()
	if config != nil {
		if config.TimeoutMs > 0 {
			cfg.TimeoutMs = config.TimeoutMs
		}
		if config.MinWordCount > 0 {
			cfg.MinWordCount = config.MinWordCount
		}
	}

	return &FragmentBuffer{
		timeoutNs:    cfg.TimeoutMs * 1e6,
		minWordCount: cfg.MinWordCount,
		timeProvider: timeNowNano,
	}
}

var timeNowNano = func() int64 {
	return time.Now().UnixNano()
}

// Add merges a transcript into the buffer.
// Returns true if it carried any text.
func (fb *FragmentBuffer) Add(t *Transcript) bool {
	if t == nil || strings.TrimSpace(t.Text) == "" {
		return false
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()

	if fb.pending == nil {
		cp := *t
		cp.Text = strings.TrimSpace(t.Text)
		cp.Words = append([]Word(nil), t.Words...)
		fb.pending = &cp
	} else {
		p := fb.pending
		p.Text += " " + strings.TrimSpace(t.Text)
		p.Words = append(p.Words, t.Words...)
		if t.End > p.End {
			p.End = t.End
		}
		if t.Start < p.Start {
			p.Start = t.Start
		}
		p.Confidence = (p.Confidence + t.Confidence) / 2
		p.IsFinal = p.IsFinal && t.IsFinal
	}

	fb.currentWords += countWords(t.Text)
	fb.lastAddTime = fb.timeProvider()
	return true
}

// countWords counts the number of words in a string.
func countWords(s string) int {
	return len(strings.Fields(s))
}

// ShouldSend returns true once the minimum word count is reached or the
// timeout has elapsed since the last fragment.
func (fb *FragmentBuffer) ShouldSend() bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if fb.pending == nil {
		return false
	}

	if fb.currentWords >= fb.minWordCount {
		return true
	}

	if fb.lastAddTime > 0 {
		if fb.timeProvider()-fb.lastAddTime >= fb.timeoutNs {
			return true
		}
	}

	return false
}

// Flush returns the merged transcript and clears the buffer.
// Returns nil if the buffer is empty.
func (fb *FragmentBuffer) Flush() *Transcript {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	t := fb.pending
	fb.pending = nil
	fb.currentWords = 0
	fb.lastAddTime = 0
	return t
}
