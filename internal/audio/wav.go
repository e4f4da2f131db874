package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
	wavHeaderSize  = 44
)

// EncodeWAV wraps raw PCM in a canonical 44-byte RIFF header
func EncodeWAV(pcmData []byte, cfg AudioConfig) []byte {
	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	channels := cfg.Channels
	if channels == 0 {
		channels = 1
	}
	bitsPerSample := cfg.BitDepth
	if bitsPerSample == 0 {
		bitsPerSample = 16
	}
	format := uint16(wavFormatPCM)
	if bitsPerSample == 32 {
		format = wavFormatFloat
	}

	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcmData)

	out := make([]byte, wavHeaderSize+dataSize)
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+dataSize))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], format)
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], uint16(bitsPerSample))

	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataSize))
	copy(out[44:], pcmData)

	return out
}

// readWAVHeader consumes RIFF chunks up to the start of the data chunk and
// returns the stream format and the declared data length.
func readWAVHeader(r io.Reader) (AudioConfig, int64, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return AudioConfig{}, 0, fmt.Errorf("%w: short RIFF header", ErrInvalidFormat)
	}
	if !bytes.Equal(riff[0:4], []byte("RIFF")) || !bytes.Equal(riff[8:12], []byte("WAVE")) {
		return AudioConfig{}, 0, fmt.Errorf("%w: not a RIFF/WAVE stream", ErrInvalidFormat)
	}

	var cfg AudioConfig
	var format uint16
	haveFmt := false

	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return AudioConfig{}, 0, fmt.Errorf("%w: missing data chunk", ErrInvalidFormat)
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return AudioConfig{}, 0, fmt.Errorf("%w: fmt chunk too small", ErrInvalidFormat)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return AudioConfig{}, 0, fmt.Errorf("%w: short fmt chunk", ErrInvalidFormat)
			}
			format = binary.LittleEndian.Uint16(body[0:2])
			cfg.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			cfg.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			cfg.BitDepth = int(binary.LittleEndian.Uint16(body[14:16]))
			haveFmt = true
			if size%2 == 1 {
				if _, err := io.CopyN(io.Discard, r, 1); err != nil {
					return AudioConfig{}, 0, fmt.Errorf("%w: short fmt chunk", ErrInvalidFormat)
				}
			}
		case "data":
			if !haveFmt {
				return AudioConfig{}, 0, fmt.Errorf("%w: data before fmt", ErrInvalidFormat)
			}
			switch {
			case format == wavFormatPCM && (cfg.BitDepth == 8 || cfg.BitDepth == 16):
			case format == wavFormatFloat && cfg.BitDepth == 32:
			case format == wavFormatPCM && cfg.BitDepth == 32:
				// BitDepth 32 is float everywhere downstream
				return AudioConfig{}, 0, fmt.Errorf("%w: 32-bit integer PCM, convert to 32-bit float or 16-bit", ErrInvalidFormat)
			default:
				return AudioConfig{}, 0, fmt.Errorf("%w: unsupported encoding %d/%d-bit", ErrInvalidFormat, format, cfg.BitDepth)
			}
			if cfg.Channels <= 0 || cfg.SampleRate <= 0 {
				return AudioConfig{}, 0, fmt.Errorf("%w: bad channel count or sample rate", ErrInvalidFormat)
			}
			return cfg, size, nil
		default:
			// LIST, fact and friends
			skip := size + size%2
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return AudioConfig{}, 0, fmt.Errorf("%w: truncated %q chunk", ErrInvalidFormat, id)
			}
		}
	}
}
