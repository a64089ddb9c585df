// Package iuwt implements the isotropic undecimated wavelet transform
// (the "à trous" algorithm with a B3-spline scaling function). The
// transform is the analysis backbone of the deconvolution engine:
// detail coefficients separate structure by angular scale without
// decimating the image grid.
package iuwt

import (
	"fmt"

	"github.com/jo-hoe/moresane/internal/grid"
)

// B3-spline filter taps (1/16)[1 4 6 4 1], split into the three
// distinct weights of the symmetric kernel.
const (
	tapOuter  = 1.0 / 16.0
	tapInner  = 4.0 / 16.0
	tapCenter = 6.0 / 16.0
)

// Mode selects between single-goroutine and striped row execution.
type Mode string

const (
	Serial   Mode = "serial"
	Parallel Mode = "parallel"
)

// ParseMode validates a decomposition mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case Serial, Parallel:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown decomposition mode %q", s)
	}
}

func (m Mode) workers(count int) int {
	if m == Serial {
		return 1
	}
	if count > 0 {
		return count
	}
	return 0 // parallelFor falls back to GOMAXPROCS
}

// reflect maps an out-of-range index back into [0, n) by mirroring at
// the boundaries.
func reflect(i, n int) int {
	for i < 0 || i >= n {
		if i < 0 {
			i = -i - 1
		}
		if i >= n {
			i = 2*n - i - 1
		}
	}
	return i
}

// aTrous applies the scaling filter dilated by 2^scale along both
// axes, with mirrored boundaries.
func aTrous(in *grid.Map, scale, workers int) *grid.Map {
	d := 1 << uint(scale)
	w, h := in.Width, in.Height

	// Vertical pass.
	tmp := grid.NewMap(w, h)
	parallelFor(h, workers, func(y int) {
		ym2 := reflect(y-2*d, h) * w
		ym1 := reflect(y-d, h) * w
		yc := y * w
		yp1 := reflect(y+d, h) * w
		yp2 := reflect(y+2*d, h) * w
		out := tmp.Pix[yc : yc+w]
		for x := 0; x < w; x++ {
			out[x] = tapOuter*in.Pix[ym2+x] + tapInner*in.Pix[ym1+x] +
				tapCenter*in.Pix[yc+x] + tapInner*in.Pix[yp1+x] + tapOuter*in.Pix[yp2+x]
		}
	})

	// Horizontal pass.
	out := grid.NewMap(w, h)
	parallelFor(h, workers, func(y int) {
		row := tmp.Pix[y*w : (y+1)*w]
		dst := out.Pix[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			dst[x] = tapOuter*row[reflect(x-2*d, w)] + tapInner*row[reflect(x-d, w)] +
				tapCenter*row[x] + tapInner*row[reflect(x+d, w)] + tapOuter*row[reflect(x+2*d, w)]
		}
	})
	return out
}

// Decompose computes detail coefficients for scales in
// [scaleAdjust, scaleCount). The returned cube holds one plane per
// scale; the second return value is the residual smoothed plane, which
// closes the reconstruction identity with Recompose.
//
// The detail coefficient at scale i is the smoothed plane at that
// scale minus the twice-smoothed plane at scale i+1; the second
// smoothing suppresses the checkerboard artefacts of the plain
// à trous difference.
func Decompose(in *grid.Map, scaleCount, scaleAdjust int, mode Mode, coreCount int) (grid.Cube, *grid.Map) {
	workers := mode.workers(coreCount)
	cube := make(grid.Cube, 0, scaleCount-scaleAdjust)

	c0 := in
	for i := 0; i < scaleAdjust; i++ {
		c0 = aTrous(c0, i, workers)
	}
	for i := scaleAdjust; i < scaleCount; i++ {
		c := aTrous(c0, i, workers)
		c1 := aTrous(c, i, workers)
		detail := c0.Sub(c1)
		cube = append(cube, detail)
		c0 = c
	}
	return cube, c0
}

// Recompose rebuilds a plane from detail coefficients. smoothed may be
// nil when only the detail scales should contribute, which is how the
// engine reassembles extracted sources.
func Recompose(cube grid.Cube, scaleAdjust int, smoothed *grid.Map, mode Mode, coreCount int) *grid.Map {
	workers := mode.workers(coreCount)
	maxScale := len(cube) + scaleAdjust

	var recomposition *grid.Map
	if smoothed != nil {
		recomposition = smoothed.Clone()
	} else {
		recomposition = grid.NewMap(cube[0].Width, cube[0].Height)
	}

	for i := maxScale - 1; i >= 0; i-- {
		recomposition = aTrous(recomposition, i, workers)
		if i >= scaleAdjust {
			recomposition.AddScaled(1, cube[i-scaleAdjust])
		}
	}
	return recomposition
}
