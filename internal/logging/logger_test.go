package logging

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesDailyFile(t *testing.T) {
	dir := t.TempDir()
	l, err := New(&Config{LogDir: dir, Level: LevelDebug, MaxHistory: 10})
	require.NoError(t, err)

	log := l.Component("test")
	log.Info().Int("k", 1).Msg("hello")
	require.NoError(t, l.Close())

	assert.True(t, strings.HasPrefix(l.GetLogPath(), dir))
	data, err := os.ReadFile(l.GetLogPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"test"`)
	assert.Contains(t, string(data), `"app":"signify"`)
}

func TestLogger_HistoryIsBounded(t *testing.T) {
	l, err := New(&Config{Level: LevelDebug, MaxHistory: 3})
	require.NoError(t, err)

	log := l.Component("loop")
	for i := 0; i < 10; i++ {
		log.Debug().Int("i", i).Msg("tick")
	}

	hist := l.GetHistory(0)
	require.Len(t, hist, 3)
	assert.Equal(t, "i=9", hist[2].Data)
	assert.Equal(t, "loop", hist[2].Component)
	assert.Len(t, l.GetHistory(2), 2)
}

func TestLogger_HistoryKeepsFields(t *testing.T) {
	l := NewNop()
	log := l.Component("stt")
	log.Error().Err(errors.New("boom")).Int("b", 2).Int("a", 1).Msg("failed")

	hist := l.GetHistory(1)
	require.Len(t, hist, 1)
	assert.Equal(t, "error", hist[0].Level)
	assert.Equal(t, "stt", hist[0].Component)
	assert.Equal(t, "failed", hist[0].Message)
	assert.Equal(t, "a=1, b=2, error=boom", hist[0].Data)
}

func TestLogger_HistoryFollowsLevel(t *testing.T) {
	l, err := New(&Config{Level: LevelWarn})
	require.NoError(t, err)

	log := l.Zerolog()
	log.Info().Msg("quiet")
	log.Warn().Str("component", "player").Msg("loud")

	hist := l.GetHistory(0)
	require.Len(t, hist, 1)
	assert.Equal(t, "loud", hist[0].Message)
	assert.Equal(t, "player", hist[0].Component)
}

func TestLogger_OnLog(t *testing.T) {
	l := NewNop()
	got := make(chan LogEntry, 1)
	l.SetOnLog(func(e LogEntry) { got <- e })

	log := l.Component("relay")
	log.Warn().Msg("disabled")

	select {
	case e := <-got:
		assert.Equal(t, "warn", e.Level)
		assert.Equal(t, "relay", e.Component)
	case <-time.After(time.Second):
		t.Fatal("no log callback")
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(LevelWarn))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel(LevelError))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}
