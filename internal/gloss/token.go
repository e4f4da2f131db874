// Package gloss maps timed spoken-language words to a sequence of timed
// sign tokens.
package gloss

import (
	"strings"
	"time"
)

// TokenKind says how a token is rendered
type TokenKind string

const (
	KindSign        TokenKind = "sign"
	KindFingerspell TokenKind = "fingerspell"
	KindPause       TokenKind = "pause"
)

// Token is one unit of signed output placed on the stream timeline
type Token struct {
	Seq    int           `json:"seq"`
	Gloss  string        `json:"gloss,omitempty"` // empty for pauses
	Kind   TokenKind     `json:"kind"`
	Source []string      `json:"source"` // spoken words it came from
	Start  time.Duration `json:"start"`
	End    time.Duration `json:"end"`
}

// Duration is the spoken span of the token
func (t Token) Duration() time.Duration {
	return t.End - t.Start
}

// Label is the caption shown while the token plays
func (t Token) Label() string {
	return strings.Join(t.Source, " ")
}

// Lexicon resolves normalized words to sign glosses
type Lexicon interface {
	// Lookup resolves a normalized word or space-joined phrase
	Lookup(key string) (gloss string, ok bool)
	// Letter resolves a fingerspelling handshape
	Letter(r rune) (gloss string, ok bool)
	// MaxPhraseWords is the longest phrase key in the lexicon
	MaxPhraseWords() int
}
