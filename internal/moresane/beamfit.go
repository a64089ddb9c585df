package moresane

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"

	"github.com/jo-hoe/moresane/internal/grid"
)

// fwhmFactor converts a Gaussian sigma to its full width at half
// maximum.
var fwhmFactor = 2 * math.Sqrt(2*math.Log(2))

// BeamParams describes the fitted clean beam in the units written to
// the output header: major and minor FWHM in degrees and the position
// angle in degrees.
type BeamParams struct {
	BMaj float64
	BMin float64
	BPA  float64
}

// BeamFit fits an elliptical Gaussian to the main lobe of the PSF and
// returns the unit-amplitude clean beam sampled on a width x height
// grid, plus the beam parameters scaled by the map cell size in
// degrees.
func BeamFit(psf *grid.Map, width, height int, cellsize float64) (*grid.Map, BeamParams, error) {
	peakX, peakY := psf.ArgMax()
	peak := psf.At(peakX, peakY)
	if peak <= 0 {
		return nil, BeamParams{}, fmt.Errorf("PSF peak is not positive")
	}

	// Fit only the main lobe: a window wide enough to cover it with
	// margin, restricted to samples above a tenth of the peak so
	// sidelobes do not drag the fit.
	window := 20
	type sample struct {
		x, y, v float64
	}
	var samples []sample
	for dy := -window; dy <= window; dy++ {
		for dx := -window; dx <= window; dx++ {
			x, y := peakX+dx, peakY+dy
			if x < 0 || x >= psf.Width || y < 0 || y >= psf.Height {
				continue
			}
			v := psf.At(x, y) / peak
			if v >= 0.1 {
				samples = append(samples, sample{float64(dx), float64(dy), v})
			}
		}
	}
	if len(samples) < 6 {
		return nil, BeamParams{}, fmt.Errorf("too few PSF samples above the fit floor (%d)", len(samples))
	}

	// Least squares over an elliptical Gaussian with fixed unit
	// amplitude: parameters are center offset, the two sigmas and the
	// rotation angle.
	problem := optimize.Problem{
		Func: func(p []float64) float64 {
			x0, y0 := p[0], p[1]
			sx, sy := math.Abs(p[2]), math.Abs(p[3])
			if sx < 1e-3 || sy < 1e-3 {
				return math.Inf(1)
			}
			theta := p[4]
			var sse float64
			for _, s := range samples {
				d := gauss2d(s.x, s.y, x0, y0, sx, sy, theta) - s.v
				sse += d * d
			}
			return sse
		},
	}
	initial := []float64{0, 0, 2, 2, 0}
	result, err := optimize.Minimize(problem, initial, nil, &optimize.NelderMead{})
	if err != nil {
		return nil, BeamParams{}, fmt.Errorf("beam fit failed to converge: %w", err)
	}

	x0, y0 := result.X[0], result.X[1]
	sx, sy := math.Abs(result.X[2]), math.Abs(result.X[3])
	theta := result.X[4]

	// Conventionally the major axis carries the position angle.
	if sy > sx {
		sx, sy = sy, sx
		theta += math.Pi / 2
	}

	params := BeamParams{
		BMaj: fwhmFactor * sx * math.Abs(cellsize),
		BMin: fwhmFactor * sy * math.Abs(cellsize),
		BPA:  normalizeAngle(theta * 180 / math.Pi),
	}

	beam := grid.NewMap(width, height)
	cx := float64(width / 2)
	cy := float64(height / 2)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			beam.Pix[y*width+x] = gauss2d(float64(x)-cx, float64(y)-cy, x0, y0, sx, sy, theta)
		}
	}
	return beam, params, nil
}

// gauss2d evaluates a rotated elliptical Gaussian of unit amplitude.
func gauss2d(x, y, x0, y0, sx, sy, theta float64) float64 {
	ct, st := math.Cos(theta), math.Sin(theta)
	a := ct*ct/(2*sx*sx) + st*st/(2*sy*sy)
	b := -st*ct/(2*sx*sx) + st*ct/(2*sy*sy)
	c := st*st/(2*sx*sx) + ct*ct/(2*sy*sy)
	dx, dy := x-x0, y-y0
	return math.Exp(-(a*dx*dx + 2*b*dx*dy + c*dy*dy))
}

// normalizeAngle folds an angle in degrees into [-90, 90).
func normalizeAngle(deg float64) float64 {
	for deg >= 90 {
		deg -= 180
	}
	for deg < -90 {
		deg += 180
	}
	return deg
}
