package lexicon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/normanking/signify/internal/gloss"
	"gopkg.in/yaml.v3"
)

// ManifestFile optionally names glosses and aliases for clip files
const ManifestFile = "manifest.yaml"

// restFile holds the idle pose the avatar returns to
const restFile = "_rest.json"

// RestGloss is the gloss of the idle rest pose
const RestGloss = "_REST"

// Kind separates signs from fingerspelling handshapes and the rest pose
type Kind string

const (
	KindSign   Kind = "sign"
	KindLetter Kind = "letter"
	KindRest   Kind = "rest"
)

type manifestEntry struct {
	Gloss   string   `yaml:"gloss"`
	File    string   `yaml:"file"`
	Aliases []string `yaml:"aliases,omitempty"`
	Kind    Kind     `yaml:"kind,omitempty"`
	FPS     int      `yaml:"fps,omitempty"`
}

type manifest struct {
	Signs []manifestEntry `yaml:"signs"`
}

// readManifest loads dir/manifest.yaml keyed by file name. A missing
// manifest is not an error.
func readManifest(dir string) (map[string]manifestEntry, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ManifestFile, err)
	}

	entries := make(map[string]manifestEntry, len(m.Signs))
	for _, e := range m.Signs {
		if e.File == "" || e.Gloss == "" {
			return nil, fmt.Errorf("%s: entry needs gloss and file", ManifestFile)
		}
		if e.Kind == "" {
			e.Kind = KindSign
		}
		entries[filepath.Base(e.File)] = e
	}
	return entries, nil
}

// describe derives an entry's identity from the manifest or, failing
// that, from the file name: thank_you.json is THANK-YOU said as
// "thank you", a.json is the letter A and _rest.json is the rest pose.
func describe(file string, m map[string]manifestEntry) (manifestEntry, bool) {
	if e, ok := m[file]; ok {
		return e, true
	}

	if file == restFile {
		return manifestEntry{Gloss: RestGloss, File: file, Kind: KindRest}, true
	}

	base := strings.TrimSuffix(file, filepath.Ext(file))
	if strings.HasPrefix(base, "_") {
		return manifestEntry{}, false
	}

	if utf8.RuneCountInString(base) == 1 {
		r, _ := utf8.DecodeRuneInString(base)
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return manifestEntry{Gloss: strings.ToUpper(base), File: file, Kind: KindLetter}, true
		}
	}

	words := strings.FieldsFunc(base, func(r rune) bool {
		return r == '_' || r == ' '
	})
	if len(words) == 0 {
		return manifestEntry{}, false
	}
	return manifestEntry{
		Gloss:   strings.ToUpper(strings.Join(words, "-")),
		File:    file,
		Aliases: []string{gloss.Key(words...)},
		Kind:    KindSign,
	}, true
}

// fileName is the clip file an imported name is stored under
func fileName(name string) string {
	words := strings.Fields(strings.ReplaceAll(gloss.Normalize(name), "-", " "))
	return strings.Join(words, "_") + ".json"
}
