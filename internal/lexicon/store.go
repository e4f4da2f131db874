package lexicon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/normanking/signify/internal/gloss"
	"github.com/normanking/signify/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	gloss       TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	file        TEXT NOT NULL UNIQUE,
	frame_count INTEGER NOT NULL,
	fps         INTEGER NOT NULL,
	checksum    TEXT NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS aliases (
	alias TEXT PRIMARY KEY,
	gloss TEXT NOT NULL REFERENCES entries(gloss) ON DELETE CASCADE,
	words INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_aliases_gloss ON aliases(gloss);
`

// Config configures a Store
type Config struct {
	Dir       string
	DBPath    string // empty keeps the index in memory
	CacheSize int    // decoded clips kept in memory
}

// Entry is the index record of one clip file
type Entry struct {
	Gloss      string    `json:"gloss" yaml:"gloss"`
	Kind       Kind      `json:"kind" yaml:"kind"`
	Aliases    []string  `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	File       string    `json:"file" yaml:"file"`
	FrameCount int       `json:"frame_count" yaml:"frame_count"`
	FPS        int       `json:"fps" yaml:"fps"`
	Checksum   string    `json:"checksum" yaml:"checksum"`
	UpdatedAt  time.Time `json:"updated_at" yaml:"updated_at"`
}

// SyncStats summarizes one directory scan
type SyncStats struct {
	Added     int
	Updated   int
	Removed   int
	Unchanged int
	Errors    []error // files that could not be indexed
}

// Changed reports whether the index differs from before the scan
func (s *SyncStats) Changed() bool {
	return s.Added+s.Updated+s.Removed > 0
}

// Store is the clip dictionary: a SQLite index over a directory of clip
// files plus in-memory lookup tables rebuilt after every Sync.
type Store struct {
	dir    string
	db     *sql.DB
	cache  *lru.Cache[string, *Clip]
	logger zerolog.Logger

	syncMu sync.Mutex

	mu       sync.RWMutex
	keys     map[string]string // alias -> gloss
	letters  map[rune]string
	entries  map[string]Entry
	maxWords int
}

// Open indexes cfg.Dir and returns a ready store. Files that fail to
// index are logged and left out.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("lexicon dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("lexicon dir %s is not a directory", cfg.Dir)
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = ":memory:"
	} else if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	// one connection keeps an in-memory index alive and serializes writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, *Clip](cacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		dir:    cfg.Dir,
		db:     db,
		cache:  cache,
		logger: logger.With().Str("component", "lexicon").Logger(),
	}

	if err := s.initPragmas(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize pragmas: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate index: %w", err)
	}

	if _, err := s.Sync(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// Dir is the clip directory
func (s *Store) Dir() string {
	return s.dir
}

// Close releases the index
func (s *Store) Close() error {
	return s.db.Close()
}

type indexed struct {
	file     string
	checksum string
}

// Sync scans the directory, upserts new and changed clips, deletes
// vanished ones and rebuilds the lookup tables.
func (s *Store) Sync(ctx context.Context) (*SyncStats, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	m, err := readManifest(s.dir)
	if err != nil {
		return nil, err
	}
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("scan lexicon dir: %w", err)
	}
	known, err := s.indexedFiles(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stats := &SyncStats{}
	seen := make(map[string]bool)
	now := time.Now().UnixNano()

	for _, f := range files {
		name := f.Name()
		if f.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		desc, ok := describe(name, m)
		if !ok {
			continue
		}
		if seen[desc.Gloss] {
			stats.Errors = append(stats.Errors, fmt.Errorf("%s: gloss %s already defined", name, desc.Gloss))
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Errorf("%s: %w", name, err))
			continue
		}
		frames, err := countFrames(data)
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Errorf("%s: %w", name, err))
			continue
		}
		seen[desc.Gloss] = true

		sum := strconv.FormatUint(xxhash.Sum64(data), 16)
		prev, exists := known[desc.Gloss]
		switch {
		case !exists:
			stats.Added++
		case prev.checksum != sum || prev.file != name:
			stats.Updated++
		default:
			stats.Unchanged++
		}

		fps := desc.FPS
		if fps <= 0 {
			fps = DefaultFPS
		}
		if err := upsertEntry(ctx, tx, desc, frames, fps, sum, now, exists && prev.checksum == sum); err != nil {
			return nil, err
		}
	}

	for g := range known {
		if seen[g] {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM aliases WHERE gloss = ?`, g); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE gloss = ?`, g); err != nil {
			return nil, err
		}
		stats.Removed++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit index: %w", err)
	}

	if stats.Changed() {
		s.cache.Purge()
	}
	if err := s.reload(ctx); err != nil {
		return nil, err
	}

	for _, e := range stats.Errors {
		s.logger.Warn().Err(e).Msg("Skipping clip")
	}
	s.logger.Info().
		Int("added", stats.Added).
		Int("updated", stats.Updated).
		Int("removed", stats.Removed).
		Int("unchanged", stats.Unchanged).
		Int("failed", len(stats.Errors)).
		Msg("Lexicon synced")

	return stats, nil
}

// countFrames validates a clip file without decoding every landmark
func countFrames(data []byte) (int, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return 0, ErrEmptyClip
	}
	if !gjson.ValidBytes(data) {
		return 0, errors.New("malformed clip JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsArray() {
		return 0, errors.New("clip must be a JSON array of frames")
	}
	n := int(root.Get("#").Int())
	if n == 0 {
		return 0, ErrEmptyClip
	}
	return n, nil
}

func upsertEntry(ctx context.Context, tx *sql.Tx, e manifestEntry, frames, fps int, sum string, now int64, unchanged bool) error {
	// the file may have moved to another gloss
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE file = ? AND gloss <> ?`, e.File, e.Gloss); err != nil {
		return err
	}

	query := `
		INSERT INTO entries (gloss, kind, file, frame_count, fps, checksum, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(gloss) DO UPDATE SET
			kind = excluded.kind,
			file = excluded.file,
			frame_count = excluded.frame_count,
			fps = excluded.fps,
			checksum = excluded.checksum,
			updated_at = CASE WHEN ? THEN entries.updated_at ELSE excluded.updated_at END
	`
	if _, err := tx.ExecContext(ctx, query, e.Gloss, string(e.Kind), e.File, frames, fps, sum, now, unchanged); err != nil {
		return fmt.Errorf("upsert %s: %w", e.Gloss, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM aliases WHERE gloss = ?`, e.Gloss); err != nil {
		return err
	}
	if e.Kind != KindSign {
		return nil
	}
	for _, alias := range aliasKeys(e) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO aliases (alias, gloss, words) VALUES (?, ?, ?)
			ON CONFLICT(alias) DO UPDATE SET gloss = excluded.gloss, words = excluded.words
		`, alias, e.Gloss, len(strings.Fields(alias)))
		if err != nil {
			return fmt.Errorf("alias %q: %w", alias, err)
		}
	}
	return nil
}

// aliasKeys are the normalized keys a sign is found under: its aliases,
// the gloss itself and the gloss read as words.
func aliasKeys(e manifestEntry) []string {
	candidates := append([]string{}, e.Aliases...)
	candidates = append(candidates, e.Gloss, strings.ReplaceAll(e.Gloss, "-", " "))

	seen := make(map[string]bool)
	var keys []string
	for _, c := range candidates {
		k := gloss.Key(strings.Fields(c)...)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	return keys
}

func (s *Store) indexedFiles(ctx context.Context) (map[string]indexed, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT gloss, file, checksum FROM entries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	known := make(map[string]indexed)
	for rows.Next() {
		var g string
		var ix indexed
		if err := rows.Scan(&g, &ix.file, &ix.checksum); err != nil {
			return nil, err
		}
		known[g] = ix
	}
	return known, rows.Err()
}

// reload rebuilds the in-memory lookup tables from the index
func (s *Store) reload(ctx context.Context) error {
	entries, err := s.Entries(ctx)
	if err != nil {
		return err
	}

	keys := make(map[string]string)
	letters := make(map[rune]string)
	byGloss := make(map[string]Entry, len(entries))
	maxWords := 0
	signs := 0

	for _, e := range entries {
		byGloss[e.Gloss] = e
		switch e.Kind {
		case KindLetter:
			r, _ := utf8.DecodeRuneInString(e.Gloss)
			letters[unicode.ToLower(r)] = e.Gloss
			signs++
		case KindSign:
			for _, a := range e.Aliases {
				keys[a] = e.Gloss
				maxWords = max(maxWords, len(strings.Fields(a)))
			}
			signs++
		}
	}

	s.mu.Lock()
	s.keys = keys
	s.letters = letters
	s.entries = byGloss
	s.maxWords = maxWords
	s.mu.Unlock()

	metrics.LexiconEntries.Set(float64(signs))
	return nil
}

// Lookup resolves a normalized word or phrase to a sign gloss
func (s *Store) Lookup(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.keys[key]
	return g, ok
}

// Letter resolves a fingerspelling handshape
func (s *Store) Letter(r rune) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.letters[unicode.ToLower(r)]
	return g, ok
}

// MaxPhraseWords is the longest alias in words
func (s *Store) MaxPhraseWords() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxWords
}

// Has reports whether a clip is indexed for gloss
func (s *Store) Has(g string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[g]
	return ok
}

// Clip loads the frames for gloss, caching decoded clips
func (s *Store) Clip(g string) (*Clip, error) {
	if clip, ok := s.cache.Get(g); ok {
		return clip, nil
	}

	s.mu.RLock()
	e, ok := s.entries[g]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, g)
	}

	f, err := os.Open(filepath.Join(s.dir, e.File))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.File, err)
	}
	defer f.Close()

	clip, err := DecodeClip(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.File, err)
	}
	clip.Gloss = g
	clip.FPS = e.FPS

	s.cache.Add(g, clip)
	return clip, nil
}

// Rest loads the idle rest pose
func (s *Store) Rest() (*Clip, error) {
	return s.Clip(RestGloss)
}

// Entries lists the index ordered by gloss
func (s *Store) Entries(ctx context.Context) ([]Entry, error) {
	return s.queryEntries(ctx, `
		SELECT gloss, kind, file, frame_count, fps, checksum, updated_at
		FROM entries ORDER BY gloss`)
}

// Get returns the index entry for gloss
func (s *Store) Get(ctx context.Context, g string) (*Entry, error) {
	entries, err := s.queryEntries(ctx, `
		SELECT gloss, kind, file, frame_count, fps, checksum, updated_at
		FROM entries WHERE gloss = ?`, g)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, g)
	}
	return &entries[0], nil
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for rows.Next() {
		var e Entry
		var kind string
		var updated int64
		if err := rows.Scan(&e.Gloss, &kind, &e.File, &e.FrameCount, &e.FPS, &e.Checksum, &updated); err != nil {
			rows.Close()
			return nil, err
		}
		e.Kind = Kind(kind)
		e.UpdatedAt = time.Unix(0, updated)
		entries = append(entries, e)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	aliases, err := s.aliases(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Aliases = aliases[entries[i].Gloss]
	}
	return entries, nil
}

func (s *Store) aliases(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT alias, gloss FROM aliases ORDER BY alias`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var alias, g string
		if err := rows.Scan(&alias, &g); err != nil {
			return nil, err
		}
		out[g] = append(out[g], alias)
	}
	return out, rows.Err()
}

// Import writes a clip into the directory under name and indexes it.
// name "_rest" stores the rest pose.
func (s *Store) Import(ctx context.Context, name string, r io.Reader, optimize bool) (*Entry, error) {
	clip, err := DecodeClip(r)
	if err != nil {
		return nil, err
	}
	if optimize {
		clip.Frames = Optimize(clip.Frames, FaceIndices)
	}

	file := fileName(name)
	if name == "_rest" || name == RestGloss {
		file = restFile
	}
	if strings.ContainsAny(name, `/\`) || file == ".json" || filepath.Base(file) != file {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	path := filepath.Join(s.dir, file)

	tmp, err := os.CreateTemp(s.dir, ".import-*.tmp")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())

	if err := EncodeClip(tmp, clip); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, err
	}

	if _, err := s.Sync(ctx); err != nil {
		return nil, err
	}

	var g string
	err = s.db.QueryRowContext(ctx, `SELECT gloss FROM entries WHERE file = ?`, file).Scan(&g)
	if errors.Is(err, sql.ErrNoRows) {
		// the name maps to no gloss; do not leave an unindexed file behind
		if rmErr := os.Remove(path); rmErr != nil {
			s.logger.Warn().Err(rmErr).Str("file", file).Msg("Failed to remove unindexed import")
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, file)
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, g)
}

// Glosses lists indexed sign glosses, letters excluded
func (s *Store) Glosses() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for g, e := range s.entries {
		if e.Kind == KindSign {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}
