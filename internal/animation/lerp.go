package animation

import (
	"fmt"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/normanking/signify/internal/lexicon"
)

// Lerp blends two poses part by part. A part missing on either side snaps
// to whichever side has it, preferring b. Parts with differing point counts
// are blended up to the shorter one.
func Lerp(a, b lexicon.Frame, t float64) lexicon.Frame {
	return lexicon.Frame{
		Face:  lerpPart(a.Face, b.Face, t),
		Pose:  lerpPart(a.Pose, b.Pose, t),
		Left:  lerpPart(a.Left, b.Left, t),
		Right: lerpPart(a.Right, b.Right, t),
	}
}

func lerpPart(a, b []lexicon.Point, t float64) []lexicon.Point {
	if len(a) == 0 || len(b) == 0 {
		if len(b) > 0 {
			return b
		}
		return a
	}
	n := min(len(a), len(b))
	out := make([]lexicon.Point, n)
	for i := 0; i < n; i++ {
		from, to := mgl64.Vec3(a[i]), mgl64.Vec3(b[i])
		out[i] = lexicon.Point(from.Add(to.Sub(from).Mul(t)))
	}
	return out
}

// Easing maps linear progress in [0,1] onto a curve with the same endpoints
type Easing func(t float64) float64

// Linear leaves progress unchanged
func Linear(t float64) float64 { return t }

// EaseIn starts slow
func EaseIn(t float64) float64 { return t * t }

// EaseOut ends slow
func EaseOut(t float64) float64 { return 1 - (1-t)*(1-t) }

// EaseInOut starts and ends slow
func EaseInOut(t float64) float64 {
	if t < 0.5 {
		return 2 * t * t
	}
	u := -2*t + 2
	return 1 - u*u/2
}

// ParseEasing resolves an easing by config name. Empty means linear.
func ParseEasing(name string) (Easing, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "linear":
		return Linear, nil
	case "ease_in":
		return EaseIn, nil
	case "ease_out":
		return EaseOut, nil
	case "ease_in_out":
		return EaseInOut, nil
	default:
		return nil, fmt.Errorf("%w: unknown easing %q", ErrInvalidConfig, name)
	}
}
