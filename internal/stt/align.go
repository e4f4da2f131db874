package stt

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/normanking/signify/internal/audio"
)

// Align places a response for seg on the stream timeline
func Align(resp *TranscribeResponse, seg *audio.SpeechSegment) *Transcript {
	return AlignSpan(resp, seg.Start, seg.End)
}

// AlignSpan places a response on the stream timeline. Provider word times
// are relative to start; when the provider returned none, word times are
// spread over [start, end] in proportion to word length. Resulting words are
// clamped to the span, ordered and non-overlapping.
func AlignSpan(resp *TranscribeResponse, start, end time.Duration) *Transcript {
	t := &Transcript{
		Text:       strings.TrimSpace(resp.Text),
		Start:      start,
		End:        end,
		IsFinal:    resp.IsFinal,
		Confidence: resp.Confidence,
	}
	if end < start {
		t.End = start
	}

	if len(resp.Words) > 0 {
		t.Words = shiftWords(resp.Words, start)
		attachPunctuation(t.Words, t.Text)
	} else {
		t.Words = synthesizeWords(t.Text, start, t.End, resp.Confidence)
	}
	clampWords(t.Words, t.Start, t.End)
	return t
}

func shiftWords(words []Word, by time.Duration) []Word {
	out := make([]Word, 0, len(words))
	for _, w := range words {
		w.Word = strings.TrimSpace(w.Word)
		if w.Word == "" {
			continue
		}
		w.Start += by
		w.End += by
		out = append(out, w)
	}
	return out
}

// synthesizeWords spreads the span over the words of text by rune count
func synthesizeWords(text string, start, end time.Duration, confidence float64) []Word {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}

	weights := make([]int, len(fields))
	total := 0
	for i, f := range fields {
		n := utf8.RuneCountInString(bareWord(f))
		if n == 0 {
			n = 1
		}
		weights[i] = n
		total += n
	}

	span := end - start
	words := make([]Word, len(fields))
	acc := 0
	for i, f := range fields {
		ws := start + time.Duration(int64(span)*int64(acc)/int64(total))
		acc += weights[i]
		we := start + time.Duration(int64(span)*int64(acc)/int64(total))
		words[i] = Word{Word: f, Start: ws, End: we, Confidence: confidence}
	}
	return words
}

// attachPunctuation copies trailing punctuation from the transcript text
// onto provider words, which usually arrive bare.
func attachPunctuation(words []Word, text string) {
	tokens := strings.Fields(text)
	j := 0
	for i := range words {
		bare := bareWord(words[i].Word)
		for k := j; k < len(tokens) && k < j+3; k++ {
			if bareWord(tokens[k]) == bare {
				if len(tokens[k]) > len(words[i].Word) {
					words[i].Word = tokens[k]
				}
				j = k + 1
				break
			}
		}
	}
}

func clampWords(words []Word, start, end time.Duration) {
	prev := start
	for i := range words {
		w := &words[i]
		if w.Start < prev {
			w.Start = prev
		}
		if w.Start > end {
			w.Start = end
		}
		if w.End < w.Start {
			w.End = w.Start
		}
		if w.End > end {
			w.End = end
		}
		prev = w.End
	}
}
