// Package metrics declares the Prometheus collectors exported by Signify.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AudioChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signify_audio_chunks_total",
			Help: "Total number of audio chunks read",
		},
	)

	SpeechSegments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signify_speech_segments_total",
			Help: "Speech segments sent for transcription",
		},
		[]string{"forced"},
	)

	STTLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signify_stt_latency_seconds",
			Help:    "Transcription request latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8},
		},
		[]string{"provider"},
	)

	STTErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signify_stt_errors_total",
			Help: "Failed transcription requests",
		},
		[]string{"provider"},
	)

	Transcripts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signify_transcripts_total",
			Help: "Transcripts produced",
		},
		[]string{"final"},
	)

	GlossTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signify_gloss_tokens_total",
			Help: "Sign tokens produced by kind",
		},
		[]string{"kind"},
	)

	UnknownWords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signify_gloss_unknown_words_total",
			Help: "Words with no sign and no fingerspelling",
		},
	)

	FramesEmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signify_frames_emitted_total",
			Help: "Animation frames written to sinks",
		},
	)

	TokensDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signify_tokens_dropped_total",
			Help: "Queued tokens dropped to bound playback lag",
		},
	)

	ClipsMissing = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signify_clips_missing_total",
			Help: "Tokens skipped because their clip could not be loaded",
		},
	)

	PlaybackLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signify_playback_lag_seconds",
			Help: "Distance between the stream clock and the token being signed",
		},
	)

	PlaybackSpeed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signify_playback_speed",
			Help: "Current playback speed multiplier",
		},
	)

	OverlayClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signify_overlay_clients",
			Help: "Connected overlay websocket clients",
		},
	)

	OverlayDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signify_overlay_slow_clients_total",
			Help: "Overlay clients disconnected for falling behind",
		},
	)

	LexiconEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signify_lexicon_entries",
			Help: "Number of indexed sign clips",
		},
	)

	RelayErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signify_relay_errors_total",
			Help: "Events that failed to reach the Redis stream",
		},
	)
)

// BoolLabel renders a bool as a label value
func BoolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
