// Package fftconv convolves image planes with a point spread function
// in the Fourier domain. The PSF transform is computed once and reused
// across the many convolutions of a deconvolution run.
package fftconv

import (
	"fmt"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/jo-hoe/moresane/internal/grid"
)

// Mode selects the convolution boundary treatment.
type Mode string

const (
	// Linear pads the input to twice its size before transforming.
	// Heavier on memory and compute, but free of wraparound artefacts.
	Linear Mode = "linear"
	// Circular transforms in place, assuming periodic repetition of
	// the input. Cheap, but edges can bleed across the map.
	Circular Mode = "circular"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case Linear, Circular:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown convolution mode %q", s)
	}
}

// Plan caches the row and column transforms for one plane size.
type Plan struct {
	width  int
	height int
	row    *fourier.CmplxFFT
	col    *fourier.CmplxFFT
}

// NewPlan builds transforms for width x height planes.
func NewPlan(width, height int) *Plan {
	return &Plan{
		width:  width,
		height: height,
		row:    fourier.NewCmplxFFT(width),
		col:    fourier.NewCmplxFFT(height),
	}
}

// FFT2 returns the two-dimensional DFT of the plane, row-major with
// the plane's dimensions.
func (p *Plan) FFT2(m *grid.Map) []complex128 {
	if m.Width != p.width || m.Height != p.height {
		panic(fmt.Sprintf("fftconv: plan is %dx%d, plane is %dx%d", p.width, p.height, m.Width, m.Height))
	}
	coeff := make([]complex128, p.width*p.height)
	for i, v := range m.Pix {
		coeff[i] = complex(v, 0)
	}
	p.transform(coeff, false)
	return coeff
}

// IFFT2 returns the real part of the inverse DFT, normalised by the
// sample count.
func (p *Plan) IFFT2(coeff []complex128) *grid.Map {
	tmp := make([]complex128, len(coeff))
	copy(tmp, coeff)
	p.transform(tmp, true)

	out := grid.NewMap(p.width, p.height)
	norm := 1 / float64(p.width*p.height)
	for i, v := range tmp {
		out.Pix[i] = real(v) * norm
	}
	return out
}

// transform applies the row transform to every row and the column
// transform to every column, in place.
func (p *Plan) transform(coeff []complex128, inverse bool) {
	for y := 0; y < p.height; y++ {
		row := coeff[y*p.width : (y+1)*p.width]
		if inverse {
			p.row.Sequence(row, row)
		} else {
			p.row.Coefficients(row, row)
		}
	}
	col := make([]complex128, p.height)
	for x := 0; x < p.width; x++ {
		for y := 0; y < p.height; y++ {
			col[y] = coeff[y*p.width+x]
		}
		if inverse {
			p.col.Sequence(col, col)
		} else {
			p.col.Coefficients(col, col)
		}
		for y := 0; y < p.height; y++ {
			coeff[y*p.width+x] = col[y]
		}
	}
}

// Kernel is a frequency-domain PSF prepared for repeated convolution
// with planes of a fixed size.
type Kernel struct {
	mode   Mode
	width  int // image plane width the kernel convolves
	height int
	plan   *Plan // transform plan at kernel resolution
	coeff  []complex128
}

// NewKernel transforms the PSF for convolution with width x height
// planes. The PSF must either match the plane size or be exactly twice
// it; interferometric pipelines commonly produce double-size PSFs so
// that linear convolution needs no extra padding.
func NewKernel(psf *grid.Map, width, height int, mode Mode) (*Kernel, error) {
	doubleSize := psf.Width == 2*width && psf.Height == 2*height
	if !psf.SameSize(&grid.Map{Width: width, Height: height}) && !doubleSize {
		return nil, fmt.Errorf("PSF is %dx%d, want %dx%d or %dx%d",
			psf.Width, psf.Height, width, height, 2*width, 2*height)
	}

	k := &Kernel{mode: mode, width: width, height: height}
	switch mode {
	case Circular:
		// Circular convolution works at image resolution, so a
		// double-size PSF is cropped to its central region.
		target := psf
		if doubleSize {
			var err error
			target, err = psf.CenterCrop(width)
			if err != nil {
				return nil, err
			}
		}
		k.plan = NewPlan(width, height)
		k.coeff = k.plan.FFT2(target)
	case Linear:
		target := psf
		if !doubleSize {
			target = psf.PadDouble()
		}
		k.plan = NewPlan(2*width, 2*height)
		k.coeff = k.plan.FFT2(target)
	default:
		return nil, fmt.Errorf("unknown convolution mode %q", mode)
	}
	return k, nil
}

// Convolve returns the plane convolved with the PSF. The result is
// centered via an FFT shift, matching a PSF whose peak sits at the
// center of its plane.
func (k *Kernel) Convolve(m *grid.Map) *grid.Map {
	switch k.mode {
	case Circular:
		coeff := k.plan.FFT2(m)
		for i := range coeff {
			coeff[i] *= k.coeff[i]
		}
		return k.plan.IFFT2(coeff).FFTShift()
	default: // Linear
		coeff := k.plan.FFT2(m.PadDouble())
		for i := range coeff {
			coeff[i] *= k.coeff[i]
		}
		full := k.plan.IFFT2(coeff).FFTShift()
		out, err := full.CenterCrop(k.width)
		if err != nil {
			// Kernel construction fixes the sizes, so the crop cannot fail.
			panic(err)
		}
		return out
	}
}
