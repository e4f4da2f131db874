// Package lexicon indexes sign clips on disk and serves them to the mapper
// and the animation player.
package lexicon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
)

var (
	// ErrEmptyClip is returned for a clip file without frames
	ErrEmptyClip = errors.New("clip has no frames")

	// ErrNotFound is returned when no entry exists for a gloss
	ErrNotFound = errors.New("gloss not found")

	// ErrInvalidName is returned for a sign name that cannot be a clip file
	// inside the lexicon directory
	ErrInvalidName = errors.New("invalid sign name")
)

// DefaultFPS is the capture rate of clips recorded without an explicit rate
const DefaultFPS = 30

// FaceIndices are the face mesh landmarks kept for the avatar: mouth,
// eyebrows and eyes.
var FaceIndices = []int{
	0, 13, 14, 17, 37, 39, 40, 61, 78, 81, 82, 95, 146, 178, 185, 191, 267, 269, 270, 291,
	308, 311, 312, 324, 375, 402, 409, 415, // mouth
	70, 63, 105, 66, 107, 336, 296, 334, 293, 300, // eyebrows
	33, 133, 362, 263, // eyes
}

// Point is a normalized landmark coordinate
type Point [3]float64

// Frame is one captured pose. A part the tracker did not see is empty.
type Frame struct {
	Face  []Point `json:"f"`
	Pose  []Point `json:"p"`
	Left  []Point `json:"l"`
	Right []Point `json:"r"`
}

// Clip is the frame sequence performing one sign
type Clip struct {
	Gloss  string
	Frames []Frame
	FPS    int
}

// Duration is the clip's natural playing time
func (c *Clip) Duration() float64 {
	if c.FPS <= 0 {
		return float64(len(c.Frames)) / DefaultFPS
	}
	return float64(len(c.Frames)) / float64(c.FPS)
}

// First returns the opening pose
func (c *Clip) First() Frame {
	return c.Frames[0]
}

// Last returns the closing pose
func (c *Clip) Last() Frame {
	return c.Frames[len(c.Frames)-1]
}

// DecodeClip reads a JSON array of frames
func DecodeClip(r io.Reader) (*Clip, error) {
	var frames []Frame
	if err := json.NewDecoder(r).Decode(&frames); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyClip
		}
		return nil, fmt.Errorf("decode clip: %w", err)
	}
	if len(frames) == 0 {
		return nil, ErrEmptyClip
	}
	return &Clip{Frames: frames, FPS: DefaultFPS}, nil
}

// EncodeClip writes the clip frames as compact JSON. Missing parts are
// written as empty arrays.
func EncodeClip(w io.Writer, clip *Clip) error {
	if clip == nil || len(clip.Frames) == 0 {
		return ErrEmptyClip
	}
	frames := make([]Frame, len(clip.Frames))
	for i, f := range clip.Frames {
		frames[i] = Frame{
			Face:  orEmpty(f.Face),
			Pose:  orEmpty(f.Pose),
			Left:  orEmpty(f.Left),
			Right: orEmpty(f.Right),
		}
	}
	data, err := json.Marshal(frames)
	if err != nil {
		return fmt.Errorf("encode clip: %w", err)
	}
	_, err = w.Write(data)
	return err
}

func orEmpty(points []Point) []Point {
	if points == nil {
		return []Point{}
	}
	return points
}

// Optimize shrinks frames for storage: a full face mesh is reduced to the
// keepFace landmarks and every coordinate is rounded to 4 decimals. Faces
// that are already reduced are only rounded.
func Optimize(frames []Frame, keepFace []int) []Frame {
	maxIndex := -1
	for _, idx := range keepFace {
		maxIndex = max(maxIndex, idx)
	}

	out := make([]Frame, len(frames))
	for i, f := range frames {
		face := f.Face
		if len(keepFace) > 0 && len(face) > maxIndex {
			reduced := make([]Point, 0, len(keepFace))
			for _, idx := range keepFace {
				reduced = append(reduced, face[idx])
			}
			face = reduced
		}
		out[i] = Frame{
			Face:  roundPoints(face),
			Pose:  roundPoints(f.Pose),
			Left:  roundPoints(f.Left),
			Right: roundPoints(f.Right),
		}
	}
	return out
}

func roundPoints(points []Point) []Point {
	if points == nil {
		return nil
	}
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = Point{round4(p[0]), round4(p[1]), round4(p[2])}
	}
	return out
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
