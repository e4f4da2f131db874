package gloss

import (
	"strings"
	"sync"
	"time"

	"github.com/normanking/signify/internal/bus"
	"github.com/normanking/signify/internal/metrics"
	"github.com/normanking/signify/internal/stt"
	"github.com/rs/zerolog"
)

// DefaultStopWords are articles and copulas, which have no sign of their own
var DefaultStopWords = []string{
	"a", "an", "the",
	"am", "is", "are", "was", "were", "be", "been", "being",
}

// Config controls word to sign mapping
type Config struct {
	StopWords          []string
	MaxPhraseWords     int
	Fingerspell        bool
	PauseOnPunctuation bool
	Pause              time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		StopWords:          DefaultStopWords,
		MaxPhraseWords:     4,
		Fingerspell:        true,
		PauseOnPunctuation: true,
		Pause:              300 * time.Millisecond,
	}
}

// Mapper turns transcripts into sign tokens. Token Seq increases across
// every transcript it maps.
type Mapper struct {
	config   Config
	lexicon  Lexicon
	stop     map[string]struct{}
	eventBus *bus.EventBus
	logger   zerolog.Logger

	mu      sync.Mutex
	nextSeq int
	unknown int
}

// NewMapper creates a mapper over lex
func NewMapper(config Config, lex Lexicon, eventBus *bus.EventBus, logger zerolog.Logger) *Mapper {
	if config.StopWords == nil {
		config.StopWords = DefaultStopWords
	}
	if config.MaxPhraseWords <= 0 {
		config.MaxPhraseWords = 1
	}
	stop := make(map[string]struct{}, len(config.StopWords))
	for _, w := range config.StopWords {
		stop[Normalize(w)] = struct{}{}
	}
	return &Mapper{
		config:   config,
		lexicon:  lex,
		stop:     stop,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "gloss").Logger(),
	}
}

// item is one spoken word prepared for matching
type item struct {
	word stt.Word
	key  string
	stop bool
	end  bool // closes a sentence
}

// Map converts a transcript into tokens ordered by start time
func (m *Mapper) Map(t *stt.Transcript) []Token {
	if t == nil || len(t.Words) == 0 {
		return nil
	}

	items := make([]item, 0, len(t.Words))
	for _, w := range t.Words {
		key := Normalize(w.Word)
		if key == "" {
			// bare punctuation still closes a sentence
			if endsSentence(w.Word) && len(items) > 0 {
				items[len(items)-1].end = true
			}
			continue
		}
		_, stop := m.stop[key]
		items = append(items, item{word: w, key: key, stop: stop, end: endsSentence(w.Word)})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var tokens []Token
	emit := func(tok Token) {
		if n := len(tokens); n > 0 && tok.Start < tokens[n-1].Start {
			tok.Start = tokens[n-1].Start
			if tok.End < tok.Start {
				tok.End = tok.Start
			}
		}
		tok.Seq = m.nextSeq
		m.nextSeq++
		tokens = append(tokens, tok)
		metrics.GlossTokens.WithLabelValues(string(tok.Kind)).Inc()
	}

	maxN := m.config.MaxPhraseWords
	if lexMax := m.lexicon.MaxPhraseWords(); lexMax > 0 && lexMax < maxN {
		maxN = lexMax
	}

	for i := 0; i < len(items); {
		n, gloss := m.matchPhrase(items[i:], maxN)
		span := items[i : i+n]
		last := span[n-1]

		switch {
		case gloss != "":
			emit(Token{Gloss: gloss, Kind: KindSign, Source: sourceWords(span), Start: span[0].word.Start, End: last.word.End})
		case items[i].stop:
			// no sign of its own
		default:
			spelled := m.fingerspell(items[i])
			if len(spelled) == 0 {
				m.reportUnknown(items[i])
			}
			for _, tok := range spelled {
				emit(tok)
			}
		}

		if last.end && m.config.PauseOnPunctuation && len(tokens) > 0 && tokens[len(tokens)-1].Kind != KindPause {
			emit(Token{
				Kind:   KindPause,
				Source: []string{last.word.Word},
				Start:  last.word.End,
				End:    last.word.End + m.config.Pause,
			})
		}
		i += n
	}

	return tokens
}

// matchPhrase finds the longest lexicon phrase at the head of items. A
// phrase never runs across a sentence end. Single stop words do not match.
func (m *Mapper) matchPhrase(items []item, maxN int) (int, string) {
	limit := min(maxN, len(items))
	for j := 0; j < limit-1; j++ {
		if items[j].end {
			limit = j + 1
			break
		}
	}

	for n := limit; n >= 2; n-- {
		keys := make([]string, n)
		for j := 0; j < n; j++ {
			keys[j] = items[j].key
		}
		if gloss, ok := m.lexicon.Lookup(strings.Join(keys, " ")); ok {
			return n, gloss
		}
	}
	if items[0].stop {
		return 1, ""
	}
	if gloss, ok := m.lexicon.Lookup(items[0].key); ok {
		return 1, gloss
	}
	return 1, ""
}

// fingerspell spells it letter by letter over the word's span, or returns
// nil when any letter has no clip
func (m *Mapper) fingerspell(it item) []Token {
	if !m.config.Fingerspell {
		return nil
	}
	letters := []rune(it.key)
	glosses := make([]string, 0, len(letters))
	for _, r := range letters {
		if r == '\'' || r == '-' {
			continue
		}
		g, ok := m.lexicon.Letter(r)
		if !ok {
			return nil
		}
		glosses = append(glosses, g)
	}
	if len(glosses) == 0 {
		return nil
	}

	start, span := it.word.Start, it.word.End-it.word.Start
	n := time.Duration(len(glosses))
	tokens := make([]Token, len(glosses))
	for i, g := range glosses {
		tokens[i] = Token{
			Gloss:  g,
			Kind:   KindFingerspell,
			Source: []string{it.word.Word},
			Start:  start + span*time.Duration(i)/n,
			End:    start + span*time.Duration(i+1)/n,
		}
	}
	return tokens
}

func (m *Mapper) reportUnknown(it item) {
	m.unknown++
	metrics.UnknownWords.Inc()
	m.logger.Debug().Str("word", it.word.Word).Msg("No sign for word")
	if m.eventBus != nil {
		m.eventBus.Publish(bus.NewEvent(bus.EventTypeGlossUnknown, map[string]any{
			"word":     it.word.Word,
			"start_ms": it.word.Start.Milliseconds(),
		}))
	}
}

// Unknown returns how many words could not be signed or spelled
func (m *Mapper) Unknown() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unknown
}

func sourceWords(items []item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.word.Word
	}
	return out
}
