package stt

import (
	"testing"

	"github.com/normanking/signify/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider(t *testing.T) {
	cfg := config.DefaultConfig()

	tests := []struct {
		name     string
		provider string
		want     string
	}{
		{"whisper api", "whisper-api", "whisper-api"},
		{"openai alias", "openai", "whisper-api"},
		{"local whisper", "hf_whisper", "hf_whisper"},
		{"deepgram", "deepgram", "deepgram"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sttCfg := cfg.STT
			sttCfg.Provider = tt.provider
			p, err := NewProvider(sttCfg, cfg.Audio, zerolog.Nop())
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name())
		})
	}

	t.Run("unknown", func(t *testing.T) {
		sttCfg := cfg.STT
		sttCfg.Provider = "carrier-pigeon"
		_, err := NewProvider(sttCfg, cfg.Audio, zerolog.Nop())
		assert.ErrorIs(t, err, ErrProviderUnavailable)
	})
}

func TestNewProvider_DeepgramFollowsAudioFormat(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.STT.Provider = ProviderDeepgram
	cfg.Audio.SampleRate = 48000
	cfg.Audio.Channels = 2

	p, err := NewProvider(cfg.STT, cfg.Audio, zerolog.Nop())
	require.NoError(t, err)
	dg := p.(*DeepgramStreamingProvider)
	assert.Equal(t, 48000, dg.config.SampleRate)
	assert.Equal(t, 2, dg.config.Channels)
	assert.Equal(t, "en", dg.config.Language)
}
