package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 16000, cfg.Audio.SampleRate)
	assert.Equal(t, 30, cfg.Animation.FPS)
	assert.Equal(t, 10, cfg.Animation.TransitionFrames)
	assert.False(t, cfg.Relay.Enabled)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Audio.SampleRate = 0
	cfg.Audio.BitDepth = 24
	cfg.Animation.FPS = 0
	cfg.Animation.MaxSpeed = 0.5

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audio.sample_rate")
	assert.Contains(t, err.Error(), "audio.bit_depth")
	assert.Contains(t, err.Error(), "animation.fps")
	assert.Contains(t, err.Error(), "animation.max_speed")
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signify.yaml")
	content := `
stt:
  provider: hf_whisper
  timeout: 5s
animation:
  fps: 25
  catch_up_lag: 2s
  drop_lag: 5s
lexicon:
  dir: /tmp/signs
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "hf_whisper", cfg.STT.Provider)
	assert.Equal(t, 5*time.Second, cfg.STT.Timeout)
	assert.Equal(t, 25, cfg.Animation.FPS)
	assert.Equal(t, 2*time.Second, cfg.Animation.CatchUpLag)
	assert.Equal(t, "/tmp/signs", cfg.Lexicon.Dir)
	// untouched sections keep their defaults
	assert.Equal(t, 10, cfg.Animation.TransitionFrames)
	assert.Equal(t, 16000, cfg.Audio.SampleRate)
}

func TestLoad_EnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signify.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0644))
	t.Setenv("SIGNIFY_STT_API_KEY", "sk-test")
	t.Setenv("SIGNIFY_OVERLAY_ADDR", "0.0.0.0:9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.STT.APIKey)
	assert.Equal(t, "0.0.0.0:9999", cfg.Overlay.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signify.yaml")
	require.NoError(t, os.WriteFile(path, []byte("animation:\n  fps: 0\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "animation.fps")
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Animation.Easing = "ease_in_out"
	cfg.Gloss.StopWords = []string{"the", "a"}

	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ease_in_out", loaded.Animation.Easing)
	assert.Equal(t, []string{"the", "a"}, loaded.Gloss.StopWords)
	assert.Equal(t, cfg.Animation.IdleAfter, loaded.Animation.IdleAfter)
}
