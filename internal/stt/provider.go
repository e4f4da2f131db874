package stt

import (
	"fmt"

	"github.com/normanking/signify/internal/config"
	"github.com/rs/zerolog"
)

// Provider names accepted by NewProvider
const (
	ProviderWhisperAPI = "whisper-api"
	ProviderHFWhisper  = "hf_whisper"
	ProviderDeepgram   = "deepgram"
)

// NewProvider builds the provider named in cfg
func NewProvider(cfg config.STTConfig, audioCfg config.AudioConfig, logger zerolog.Logger) (Provider, error) {
	switch cfg.Provider {
	case ProviderWhisperAPI, "whisper", "openai":
		return NewWhisperAPIProvider(logger, &WhisperAPIConfig{
			APIKey:   cfg.APIKey,
			BaseURL:  cfg.BaseURL,
			Model:    cfg.Model,
			Language: cfg.Language,
			Timeout:  cfg.Timeout,
		}), nil

	case ProviderHFWhisper:
		return NewHFWhisperProvider(&HFWhisperConfig{
			ServiceURL: cfg.ServiceURL,
			Timeout:    cfg.Timeout,
			Language:   cfg.Language,
		}, logger), nil

	case ProviderDeepgram:
		dg := DefaultDeepgramConfig()
		dg.APIKey = cfg.DeepgramAPIKey
		if cfg.Language != "" {
			dg.Language = cfg.Language
		}
		dg.InterimResults = cfg.InterimResults
		if audioCfg.SampleRate > 0 {
			dg.SampleRate = audioCfg.SampleRate
		}
		if audioCfg.Channels > 0 {
			dg.Channels = audioCfg.Channels
		}
		return NewDeepgramStreamingProvider(logger, dg), nil

	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrProviderUnavailable, cfg.Provider)
	}
}
