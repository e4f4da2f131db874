package audio

import (
	"math"
	"sync"
	"time"
)

// VAD implements Voice Activity Detection using RMS energy analysis.
// Silence hangover is measured in stream time so file input and live input
// segment identically.
type VAD struct {
	config *VADConfig
	mu     sync.RWMutex

	isActive bool
	silence  time.Duration

	energyHistory []float64
	historyIndex  int
}

// VADConfig holds VAD configuration
type VADConfig struct {
	Threshold       float64 `json:"threshold"`        // Energy threshold (0-1), default 0.01
	SmoothingFrames int     `json:"smoothing_frames"` // Number of frames to smooth, default 5
	MaxSilenceMs    int     `json:"max_silence_ms"`   // Max silence before end, default 500
}

// DefaultVADConfig returns sensible defaults
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		Threshold:       0.01,
		SmoothingFrames: 5,
		MaxSilenceMs:    500,
	}
}

// NewVAD creates a new VAD instance
func NewVAD(config *VADConfig) *VAD {
	if config == nil {
		config = DefaultVADConfig()
	}
	if config.SmoothingFrames <= 0 {
		config.SmoothingFrames = 1
	}

	return &VAD{
		config:        config,
		energyHistory: make([]float64, config.SmoothingFrames),
	}
}

// Process analyzes an audio chunk of the given stream duration
func (v *VAD) Process(audioData []byte, bitDepth int, dur time.Duration) *VADResult {
	v.mu.Lock()
	defer v.mu.Unlock()

	rms := RMS(audioData, bitDepth)

	v.energyHistory[v.historyIndex] = rms
	v.historyIndex = (v.historyIndex + 1) % len(v.energyHistory)

	smoothedRMS := v.smoothedRMS()

	isSpeech := smoothedRMS >= v.config.Threshold

	if isSpeech {
		v.isActive = true
		v.silence = 0
	} else if v.isActive {
		v.silence += dur
		if v.silence > time.Duration(v.config.MaxSilenceMs)*time.Millisecond {
			v.isActive = false
		} else {
			// Still in speech segment (within silence tolerance)
			isSpeech = true
		}
	}

	var confidence float64
	if isSpeech {
		confidence = math.Min(1.0, 0.5+(smoothedRMS-v.config.Threshold)*10)
	} else {
		confidence = math.Max(0.0, 0.5-(v.config.Threshold-smoothedRMS)*10)
	}

	return &VADResult{
		IsSpeech:   isSpeech,
		Confidence: confidence,
		RMS:        smoothedRMS,
	}
}

// RMS computes Root Mean Square energy of PCM data normalized to [0,1]
func RMS(audioData []byte, bitDepth int) float64 {
	if len(audioData) == 0 {
		return 0
	}

	var sum float64
	var count int

	switch bitDepth {
	case 16:
		// 16-bit signed PCM
		for i := 0; i+1 < len(audioData); i += 2 {
			sample := int16(uint16(audioData[i]) | uint16(audioData[i+1])<<8)
			normalized := float64(sample) / 32768.0
			sum += normalized * normalized
			count++
		}
	case 32:
		// 32-bit float PCM
		for i := 0; i+3 < len(audioData); i += 4 {
			bits := uint32(audioData[i]) | uint32(audioData[i+1])<<8 | uint32(audioData[i+2])<<16 | uint32(audioData[i+3])<<24
			sample := float64(math.Float32frombits(bits))
			sum += sample * sample
			count++
		}
	default:
		// Assume 8-bit unsigned PCM
		for _, b := range audioData {
			normalized := (float64(b) - 128.0) / 128.0
			sum += normalized * normalized
			count++
		}
	}

	if count == 0 {
		return 0
	}

	return math.Sqrt(sum / float64(count))
}

func (v *VAD) smoothedRMS() float64 {
	var sum float64
	for _, e := range v.energyHistory {
		sum += e
	}
	return sum / float64(len(v.energyHistory))
}
