package moresane

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/jo-hoe/moresane/internal/grid"
)

// madToSigma converts a median absolute deviation to a Gaussian sigma.
const madToSigma = 0.6745

// EstimateThreshold returns the per-scale noise estimate of a
// decomposition using the MAD estimator: median(|w|)/0.6745 at each
// scale. edgeExcl pixels at the border, or everything outside an
// intExcl-wide border, can be excluded from the estimate when the map
// edges or the field center are known to be unreliable.
func EstimateThreshold(cube grid.Cube, edgeExcl, intExcl int) []float64 {
	out := make([]float64, len(cube))
	for i, plane := range cube {
		out[i] = madSigma(plane, edgeExcl, intExcl)
	}
	return out
}

func madSigma(plane *grid.Map, edgeExcl, intExcl int) float64 {
	w, h := plane.Width, plane.Height
	midX, midY := w/2, h/2

	samples := make([]float64, 0, len(plane.Pix))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if edgeExcl > 0 && (x < edgeExcl || x >= w-edgeExcl || y < edgeExcl || y >= h-edgeExcl) {
				continue
			}
			if intExcl > 0 &&
				x >= midX-intExcl && x < midX+intExcl &&
				y >= midY-intExcl && y < midY+intExcl {
				continue
			}
			samples = append(samples, math.Abs(plane.Pix[y*w+x]))
		}
	}
	if len(samples) == 0 {
		return 0
	}
	sort.Float64s(samples)
	return stat.Quantile(0.5, stat.Empirical, samples, nil) / madToSigma
}

// ApplyThreshold zeroes coefficients below sigmaLevel times the
// per-scale noise estimate and discards the negative part of what
// remains. With negComp, significant negative coefficients are kept
// too, so absorption structure survives into extraction.
func ApplyThreshold(cube grid.Cube, thresholds []float64, sigmaLevel float64, negComp bool) grid.Cube {
	out := make(grid.Cube, len(cube))
	for i, plane := range cube {
		cutoff := sigmaLevel * thresholds[i]
		thresh := grid.NewMap(plane.Width, plane.Height)
		for j, v := range plane.Pix {
			if math.Abs(v) < cutoff {
				continue
			}
			if v > 0 || negComp {
				thresh.Pix[j] = v
			}
		}
		out[i] = thresh
	}
	return out
}

// SNR returns the signal-to-noise ratio of a model cube against a
// reference cube in dB: 20 log10(|ref| / |ref - model|).
func SNR(ref, model grid.Cube) float64 {
	diff := make(grid.Cube, len(ref))
	for i, plane := range ref {
		diff[i] = plane.Sub(model[i])
	}
	noise := diff.Norm()
	if noise == 0 {
		return math.Inf(1)
	}
	return 20 * math.Log10(ref.Norm()/noise)
}
