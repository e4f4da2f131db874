package lexicon

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/normanking/signify/internal/bus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clipJSON renders n frames whose pose point x is the frame index
func clipJSON(n int) string {
	frames := make([]string, n)
	for i := range frames {
		frames[i] = fmt.Sprintf(`{"f":[],"p":[[%d,0.5,0]],"l":[[0.1,0.2,0.3]],"r":[]}`, i)
	}
	return "[" + strings.Join(frames, ",") + "]"
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func newTestStore(t *testing.T, files map[string]string) *Store {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		writeFile(t, dir, name, content)
	}
	store, err := Open(context.Background(), Config{Dir: dir, CacheSize: 8}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDecodeClip(t *testing.T) {
	clip, err := DecodeClip(strings.NewReader(clipJSON(3)))
	require.NoError(t, err)
	assert.Len(t, clip.Frames, 3)
	assert.Equal(t, DefaultFPS, clip.FPS)
	assert.Equal(t, Point{2, 0.5, 0}, clip.Last().Pose[0])
	assert.Empty(t, clip.First().Right)

	_, err = DecodeClip(strings.NewReader("[]"))
	assert.ErrorIs(t, err, ErrEmptyClip)

	_, err = DecodeClip(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmptyClip)

	_, err = DecodeClip(strings.NewReader(`[{"f":`))
	assert.Error(t, err)
}

func TestEncodeClipCompact(t *testing.T) {
	var buf bytes.Buffer
	err := EncodeClip(&buf, &Clip{Frames: []Frame{{Pose: []Point{{0.5, 0.25, 0}}}}})
	require.NoError(t, err)
	assert.Equal(t, `[{"f":[],"p":[[0.5,0.25,0]],"l":[],"r":[]}]`, buf.String())

	assert.ErrorIs(t, EncodeClip(&buf, &Clip{}), ErrEmptyClip)
}

func TestOptimize(t *testing.T) {
	face := make([]Point, 468)
	for i := range face {
		face[i] = Point{float64(i) / 1000, 0.123456, -0.000049}
	}
	frames := Optimize([]Frame{{Face: face, Left: []Point{{0.987654, 0, 1}}}}, FaceIndices)

	require.Len(t, frames, 1)
	require.Len(t, frames[0].Face, len(FaceIndices))
	assert.Equal(t, Point{0.013, 0.1235, 0}, frames[0].Face[1])
	assert.Equal(t, Point{0.263, 0.1235, 0}, frames[0].Face[41])
	assert.Equal(t, Point{0.9877, 0, 1}, frames[0].Left[0])
	assert.Nil(t, frames[0].Right)

	// an already reduced face is only rounded
	again := Optimize(frames, FaceIndices)
	assert.Equal(t, frames[0].Face, again[0].Face)
}

func TestStoreConventions(t *testing.T) {
	store := newTestStore(t, map[string]string{
		"hello.json":     clipJSON(4),
		"thank_you.json": clipJSON(6),
		"a.json":         clipJSON(2),
		"b.json":         clipJSON(2),
		"_rest.json":     clipJSON(1),
		"bad.json":       `[{"f":`,
		"empty.json":     "",
		"notes.txt":      "not a clip",
	})

	g, ok := store.Lookup("hello")
	assert.True(t, ok)
	assert.Equal(t, "HELLO", g)

	g, ok = store.Lookup("thank you")
	assert.True(t, ok)
	assert.Equal(t, "THANK-YOU", g)

	g, ok = store.Lookup("thank-you")
	assert.True(t, ok)
	assert.Equal(t, "THANK-YOU", g)

	// letters are only reachable through Letter
	_, ok = store.Lookup("a")
	assert.False(t, ok)
	g, ok = store.Letter('A')
	assert.True(t, ok)
	assert.Equal(t, "A", g)
	_, ok = store.Letter('z')
	assert.False(t, ok)

	assert.Equal(t, 2, store.MaxPhraseWords())
	assert.Equal(t, []string{"HELLO", "THANK-YOU"}, store.Glosses())

	entries, err := store.Entries(context.Background())
	require.NoError(t, err)
	var glosses []string
	for _, e := range entries {
		glosses = append(glosses, e.Gloss)
	}
	assert.Equal(t, []string{"A", "B", "HELLO", "THANK-YOU", RestGloss}, glosses)

	entry, err := store.Get(context.Background(), "THANK-YOU")
	require.NoError(t, err)
	assert.Equal(t, KindSign, entry.Kind)
	assert.Equal(t, "thank_you.json", entry.File)
	assert.Equal(t, 6, entry.FrameCount)
	assert.ElementsMatch(t, []string{"thank you", "thank-you"}, entry.Aliases)
	assert.NotEmpty(t, entry.Checksum)
}

func TestStoreClip(t *testing.T) {
	store := newTestStore(t, map[string]string{
		"hello.json": clipJSON(4),
		"_rest.json": clipJSON(1),
	})

	clip, err := store.Clip("HELLO")
	require.NoError(t, err)
	assert.Equal(t, "HELLO", clip.Gloss)
	assert.Len(t, clip.Frames, 4)

	cached, err := store.Clip("HELLO")
	require.NoError(t, err)
	assert.Same(t, clip, cached)

	rest, err := store.Rest()
	require.NoError(t, err)
	assert.Len(t, rest.Frames, 1)

	_, err = store.Clip("NOPE")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Get(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreSyncReportsErrors(t *testing.T) {
	store := newTestStore(t, map[string]string{
		"hello.json": clipJSON(2),
		"bad.json":   `{"not":"frames"}`,
		"empty.json": "[]",
	})

	stats, err := store.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Unchanged)
	require.Len(t, stats.Errors, 2)
	joined := stats.Errors[0].Error() + stats.Errors[1].Error()
	assert.Contains(t, joined, "bad.json")
	assert.Contains(t, joined, "empty.json")
	assert.ErrorIs(t, stats.Errors[1], ErrEmptyClip)
}

func TestStoreSyncChanges(t *testing.T) {
	store := newTestStore(t, map[string]string{
		"hello.json": clipJSON(2),
		"bye.json":   clipJSON(2),
	})
	ctx := context.Background()

	stats, err := store.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, stats.Changed())
	assert.Equal(t, 2, stats.Unchanged)

	before, err := store.Clip("HELLO")
	require.NoError(t, err)

	writeFile(t, store.Dir(), "hello.json", clipJSON(5))
	require.NoError(t, os.Remove(filepath.Join(store.Dir(), "bye.json")))
	writeFile(t, store.Dir(), "good_night.json", clipJSON(3))

	stats, err = store.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Added)
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 1, stats.Removed)

	_, ok := store.Lookup("bye")
	assert.False(t, ok)
	g, ok := store.Lookup("good night")
	assert.True(t, ok)
	assert.Equal(t, "GOOD-NIGHT", g)

	after, err := store.Clip("HELLO")
	require.NoError(t, err)
	assert.NotSame(t, before, after)
	assert.Len(t, after.Frames, 5)
}

func TestStoreManifest(t *testing.T) {
	store := newTestStore(t, map[string]string{
		"hi.json": clipJSON(2),
		"manifest.yaml": `signs:
  - gloss: GREETING
    file: hi.json
    fps: 25
    aliases: ["hi", "hey there", "good to see you"]
`,
	})

	for _, key := range []string{"hi", "hey there", "good to see you", "greeting"} {
		g, ok := store.Lookup(key)
		assert.True(t, ok, key)
		assert.Equal(t, "GREETING", g, key)
	}
	assert.Equal(t, 4, store.MaxPhraseWords())

	clip, err := store.Clip("GREETING")
	require.NoError(t, err)
	assert.Equal(t, 25, clip.FPS)
}

func TestStoreImport(t *testing.T) {
	store := newTestStore(t, nil)

	face := make([]Point, 468)
	var buf bytes.Buffer
	require.NoError(t, EncodeClip(&buf, &Clip{Frames: []Frame{{Face: face}, {Face: face}}}))

	entry, err := store.Import(context.Background(), "Good Morning", &buf, true)
	require.NoError(t, err)
	assert.Equal(t, "GOOD-MORNING", entry.Gloss)
	assert.Equal(t, "good_morning.json", entry.File)
	assert.Equal(t, 2, entry.FrameCount)

	g, ok := store.Lookup("good morning")
	assert.True(t, ok)
	assert.Equal(t, "GOOD-MORNING", g)

	clip, err := store.Clip("GOOD-MORNING")
	require.NoError(t, err)
	assert.Len(t, clip.Frames[0].Face, len(FaceIndices))

	_, err = store.Import(context.Background(), "nothing", strings.NewReader("[]"), false)
	assert.ErrorIs(t, err, ErrEmptyClip)
}

func TestStoreImportRejectsPathNames(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "signs")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	store, err := Open(context.Background(), Config{Dir: dir}, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	for _, name := range []string{"x/../../escaped", "../escaped", "a/b", `a\b`, "..."} {
		_, err := store.Import(context.Background(), name, strings.NewReader(clipJSON(2)), false)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}

	_, err = os.Stat(filepath.Join(parent, "escaped.json"))
	assert.True(t, os.IsNotExist(err))
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestStorePersistentIndex(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "hello.json", clipJSON(2))
	dbPath := filepath.Join(t.TempDir(), "index", "lexicon.db")
	ctx := context.Background()

	store, err := Open(ctx, Config{Dir: dir, DBPath: dbPath}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(ctx, Config{Dir: dir, DBPath: dbPath}, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	stats, err := store.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Unchanged)
	assert.Zero(t, stats.Added)
}

func TestOpenMissingDir(t *testing.T) {
	_, err := Open(context.Background(), Config{Dir: filepath.Join(t.TempDir(), "missing")}, zerolog.Nop())
	assert.Error(t, err)
}

func TestWatcherReloads(t *testing.T) {
	store := newTestStore(t, map[string]string{"hello.json": clipJSON(2)})
	eventBus := bus.NewEventBus()
	reloaded := make(chan bus.Event, 64)
	eventBus.Subscribe(bus.EventTypeLexiconReloaded, func(e bus.Event) {
		reloaded <- e
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewWatcher(store, 20*time.Millisecond, eventBus, zerolog.Nop()).Run(ctx)
	}()

	// the watch is registered asynchronously; keep touching the file
	// until a reload is seen
	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(store.Dir(), "wave.json"), []byte(clipJSON(3)), 0644)
		_, ok := store.Lookup("wave")
		return ok
	}, 5*time.Second, 50*time.Millisecond)

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("no lexicon.reloaded event")
	}

	cancel()
	assert.NoError(t, <-done)
}
