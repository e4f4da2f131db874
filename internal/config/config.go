// Package config provides configuration management for Signify
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Audio     AudioConfig     `mapstructure:"audio" yaml:"audio"`
	VAD       VADConfig       `mapstructure:"vad" yaml:"vad"`
	STT       STTConfig       `mapstructure:"stt" yaml:"stt"`
	Gloss     GlossConfig     `mapstructure:"gloss" yaml:"gloss"`
	Lexicon   LexiconConfig   `mapstructure:"lexicon" yaml:"lexicon"`
	Animation AnimationConfig `mapstructure:"animation" yaml:"animation"`
	Overlay   OverlayConfig   `mapstructure:"overlay" yaml:"overlay"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Relay     RelayConfig     `mapstructure:"relay" yaml:"relay"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// AudioConfig configures audio ingestion
type AudioConfig struct {
	Input           string `mapstructure:"input" yaml:"input"`   // file path, "-" for stdin
	Format          string `mapstructure:"format" yaml:"format"` // wav or pcm
	SampleRate      int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels        int    `mapstructure:"channels" yaml:"channels"`
	BitDepth        int    `mapstructure:"bit_depth" yaml:"bit_depth"`
	ChunkDurationMs int    `mapstructure:"chunk_duration_ms" yaml:"chunk_duration_ms"`
	Realtime        bool   `mapstructure:"realtime" yaml:"realtime"` // pace file input at real time
}

// VADConfig configures voice activity detection and segmentation
type VADConfig struct {
	Threshold       float64 `mapstructure:"threshold" yaml:"threshold"`
	SmoothingFrames int     `mapstructure:"smoothing_frames" yaml:"smoothing_frames"`
	MinSpeechMs     int     `mapstructure:"min_speech_ms" yaml:"min_speech_ms"`
	MaxSilenceMs    int     `mapstructure:"max_silence_ms" yaml:"max_silence_ms"`
	MaxSegmentMs    int     `mapstructure:"max_segment_ms" yaml:"max_segment_ms"`
	PaddingMs       int     `mapstructure:"padding_ms" yaml:"padding_ms"`
}

// STTConfig configures speech-to-text
type STTConfig struct {
	Provider        string        `mapstructure:"provider" yaml:"provider"` // whisper-api, hf_whisper, deepgram
	Model           string        `mapstructure:"model" yaml:"model"`
	Language        string        `mapstructure:"language" yaml:"language"`
	APIKey          string        `mapstructure:"api_key" yaml:"api_key,omitempty"`
	BaseURL         string        `mapstructure:"base_url" yaml:"base_url"`
	ServiceURL      string        `mapstructure:"service_url" yaml:"service_url"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	DeepgramAPIKey  string        `mapstructure:"deepgram_api_key" yaml:"deepgram_api_key,omitempty"`
	EnableStreaming bool          `mapstructure:"enable_streaming" yaml:"enable_streaming"`
	InterimResults  bool          `mapstructure:"interim_results" yaml:"interim_results"`
	MaxInFlight     int           `mapstructure:"max_in_flight" yaml:"max_in_flight"`
	FillerWords     []string      `mapstructure:"filler_words" yaml:"filler_words,omitempty"`
}

// GlossConfig configures the word to sign mapping
type GlossConfig struct {
	StopWords          []string `mapstructure:"stop_words" yaml:"stop_words,omitempty"`
	MaxPhraseWords     int      `mapstructure:"max_phrase_words" yaml:"max_phrase_words"`
	Fingerspell        bool     `mapstructure:"fingerspell" yaml:"fingerspell"`
	PauseOnPunctuation bool     `mapstructure:"pause_on_punctuation" yaml:"pause_on_punctuation"`
	PauseMs            int      `mapstructure:"pause_ms" yaml:"pause_ms"`
}

// LexiconConfig configures the sign clip dictionary
type LexiconConfig struct {
	Dir            string        `mapstructure:"dir" yaml:"dir"`
	DBPath         string        `mapstructure:"db_path" yaml:"db_path"`
	Watch          bool          `mapstructure:"watch" yaml:"watch"`
	CacheSize      int           `mapstructure:"cache_size" yaml:"cache_size"`
	ReloadDebounce time.Duration `mapstructure:"reload_debounce" yaml:"reload_debounce"`
}

// AnimationConfig configures sign playback
type AnimationConfig struct {
	FPS              int           `mapstructure:"fps" yaml:"fps"`
	TransitionFrames int           `mapstructure:"transition_frames" yaml:"transition_frames"`
	Easing           string        `mapstructure:"easing" yaml:"easing"`
	IdleAfter        time.Duration `mapstructure:"idle_after" yaml:"idle_after"`
	MaxPause         time.Duration `mapstructure:"max_pause" yaml:"max_pause"`
	CatchUpLag       time.Duration `mapstructure:"catch_up_lag" yaml:"catch_up_lag"`
	DropLag          time.Duration `mapstructure:"drop_lag" yaml:"drop_lag"`
	MaxSpeed         float64       `mapstructure:"max_speed" yaml:"max_speed"`
	KeepTail         int           `mapstructure:"keep_tail" yaml:"keep_tail"`
}

// OverlayConfig configures the overlay websocket server
type OverlayConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr           string        `mapstructure:"addr" yaml:"addr"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" yaml:"allowed_origins,omitempty"`
	SendBuffer     int           `mapstructure:"send_buffer" yaml:"send_buffer"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
}

// MetricsConfig configures Prometheus exposition
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// RelayConfig configures the optional Redis Streams relay
type RelayConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Password  string `mapstructure:"password" yaml:"password,omitempty"`
	DB        int    `mapstructure:"db" yaml:"db"`
	Stream    string `mapstructure:"stream" yaml:"stream"`
	MaxLen    int64  `mapstructure:"max_len" yaml:"max_len"`
	AllEvents bool   `mapstructure:"all_events" yaml:"all_events"` // partial captions and speech boundaries too
}

// LogConfig configures logging
type LogConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
	Console bool   `mapstructure:"console" yaml:"console"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Audio: AudioConfig{
			Input:           "-",
			Format:          "wav",
			SampleRate:      16000,
			Channels:        1,
			BitDepth:        16,
			ChunkDurationMs: 100,
			Realtime:        false,
		},
		VAD: VADConfig{
			Threshold:       0.01,
			SmoothingFrames: 5,
			MinSpeechMs:     250,
			MaxSilenceMs:    500,
			MaxSegmentMs:    5000,
			PaddingMs:       300,
		},
		STT: STTConfig{
			Provider:       "whisper-api",
			Model:          "whisper-1",
			Language:       "en",
			BaseURL:        "https://api.openai.com/v1",
			ServiceURL:     "http://localhost:8899",
			Timeout:        30 * time.Second,
			InterimResults: true,
			MaxInFlight:    2,
		},
		Gloss: GlossConfig{
			MaxPhraseWords:     4,
			Fingerspell:        true,
			PauseOnPunctuation: true,
			PauseMs:            300,
		},
		Lexicon: LexiconConfig{
			Dir:            "assets",
			Watch:          true,
			CacheSize:      256,
			ReloadDebounce: 250 * time.Millisecond,
		},
		Animation: AnimationConfig{
			FPS:              30,
			TransitionFrames: 10,
			Easing:           "linear",
			IdleAfter:        1500 * time.Millisecond,
			MaxPause:         600 * time.Millisecond,
			CatchUpLag:       1500 * time.Millisecond,
			DropLag:          4 * time.Second,
			MaxSpeed:         2.0,
			KeepTail:         3,
		},
		Overlay: OverlayConfig{
			Enabled:      true,
			Addr:         "127.0.0.1:8765",
			SendBuffer:   64,
			WriteTimeout: 2 * time.Second,
			PingInterval: 20 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Relay: RelayConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			Stream:  "signify:events",
			MaxLen:  10000,
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Validate rejects configurations the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", c.Audio.SampleRate))
	}
	if c.Audio.Channels <= 0 {
		errs = append(errs, fmt.Errorf("audio.channels must be positive, got %d", c.Audio.Channels))
	}
	switch c.Audio.BitDepth {
	case 8, 16, 32:
	default:
		errs = append(errs, fmt.Errorf("audio.bit_depth must be 8, 16 or 32, got %d", c.Audio.BitDepth))
	}
	if c.Audio.ChunkDurationMs <= 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_duration_ms must be positive, got %d", c.Audio.ChunkDurationMs))
	}
	if c.VAD.SmoothingFrames <= 0 {
		errs = append(errs, fmt.Errorf("vad.smoothing_frames must be positive, got %d", c.VAD.SmoothingFrames))
	}
	if c.VAD.MaxSegmentMs > 0 && c.VAD.MaxSegmentMs < c.Audio.ChunkDurationMs {
		errs = append(errs, fmt.Errorf("vad.max_segment_ms (%d) shorter than one chunk", c.VAD.MaxSegmentMs))
	}
	if c.STT.MaxInFlight <= 0 {
		errs = append(errs, fmt.Errorf("stt.max_in_flight must be positive, got %d", c.STT.MaxInFlight))
	}
	if c.Gloss.MaxPhraseWords <= 0 {
		errs = append(errs, fmt.Errorf("gloss.max_phrase_words must be positive, got %d", c.Gloss.MaxPhraseWords))
	}
	if c.Animation.FPS <= 0 {
		errs = append(errs, fmt.Errorf("animation.fps must be positive, got %d", c.Animation.FPS))
	}
	if c.Animation.TransitionFrames < 0 {
		errs = append(errs, fmt.Errorf("animation.transition_frames must not be negative"))
	}
	if c.Animation.MaxSpeed < 1 {
		errs = append(errs, fmt.Errorf("animation.max_speed must be >= 1, got %v", c.Animation.MaxSpeed))
	}
	if c.Animation.DropLag > 0 && c.Animation.DropLag < c.Animation.CatchUpLag {
		errs = append(errs, fmt.Errorf("animation.drop_lag must not be below catch_up_lag"))
	}
	if c.Overlay.Enabled && c.Overlay.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("overlay.send_buffer must be positive, got %d", c.Overlay.SendBuffer))
	}
	return errors.Join(errs...)
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".signify"), nil
}

// Load reads configuration from path (or the default search paths when
// path is empty) and the SIGNIFY_* environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		if dir, err := GetConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	// Environment variable overrides, e.g. SIGNIFY_STT_API_KEY
	v.SetEnvPrefix("SIGNIFY")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration as YAML to path
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Marshal renders the configuration as YAML
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
