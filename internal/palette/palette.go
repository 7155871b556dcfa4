// Package palette maps raw iteration counts to pixel colours.
//
// Pixels are 32-bit ARGB values with alpha in the most significant byte and
// zero chroma: every pixel is translucent black, and the amount of opacity
// encodes how long the point took to escape.
package palette

import "math"

const (
	// InsideColor is used when a whole frame sits inside the set.
	InsideColor uint32 = 0xff000000
	// UniformAlpha is the opacity used when a whole frame escapes after the
	// same number of iterations, short of the cap.
	UniformAlpha uint32 = 0x20
)

// ColorTable maps an iteration count in [0, maxIterations] to a pixel.
// Only entries in [lo, hi] of the frame it was built for are meaningful.
type ColorTable []uint32

// Ensure returns t if it already has room for maxIterations, otherwise a
// newly allocated table. Entries are not cleared.
func (t ColorTable) Ensure(maxIterations int) ColorTable {
	if len(t) == maxIterations+1 {
		return t
	}
	return make(ColorTable, maxIterations+1)
}

// Fill writes the entries for a frame whose counts span [lo, hi].
//
// A frame where every count is equal carries no contrast: it is drawn opaque
// if that count is the cap (the whole view is inside the set) and at
// UniformAlpha otherwise. Any other frame gets a logarithmic ramp from fully
// transparent at min to fully opaque at max.
func (t ColorTable) Fill(lo, hi uint32, maxIterations int) {
	if lo == hi {
		if int(lo) == maxIterations {
			t[lo] = InsideColor
		} else {
			t[lo] = UniformAlpha << 24
		}
		return
	}

	for i := lo; i <= hi; i++ {
		t[i] = Opacity(i, lo, hi) << 24
	}
}

// Opacity is ceil(255 * ln(1+i-lo) / ln(1+hi-lo)) for lo < hi.
// It is non-decreasing in i, 0 at lo and 255 at hi.
func Opacity(i, lo, hi uint32) uint32 {
	maxLog := math.Log(float64(1 + hi - lo))
	return min(uint32(math.Ceil(math.Log(float64(1+i-lo))/maxLog*255)), 255)
}

// Remap replaces every iteration count in buf with its colour, in place.
func (t ColorTable) Remap(buf []uint32) {
	for i, n := range buf {
		buf[i] = t[n]
	}
}

// Build is Ensure followed by Fill.
func Build(t ColorTable, lo, hi uint32, maxIterations int) ColorTable {
	t = t.Ensure(maxIterations)
	t.Fill(lo, hi, maxIterations)
	return t
}
