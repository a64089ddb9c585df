package fftconv

import (
	"math"
	"testing"

	"github.com/jo-hoe/moresane/internal/grid"
)

// delta returns a plane with a unit impulse at its center.
func delta(width, height int) *grid.Map {
	m := grid.NewMap(width, height)
	m.Set(width/2, height/2, 1)
	return m
}

func randomish(width, height int) *grid.Map {
	m := grid.NewMap(width, height)
	for i := range m.Pix {
		// Deterministic but structured test input.
		m.Pix[i] = math.Sin(float64(3*i+1)) + 0.1*float64(i%7)
	}
	return m
}

func planesAlmostEqual(t *testing.T, got, want *grid.Map, tol float64) {
	t.Helper()
	if !got.SameSize(want) {
		t.Fatalf("Expected %dx%d plane, got %dx%d", want.Width, want.Height, got.Width, got.Height)
	}
	for i := range want.Pix {
		if math.Abs(got.Pix[i]-want.Pix[i]) > tol {
			t.Fatalf("Pixel %d differs: got %v want %v", i, got.Pix[i], want.Pix[i])
		}
	}
}

func TestParseMode(t *testing.T) {
	if _, err := ParseMode("linear"); err != nil {
		t.Errorf("Expected linear to parse, got %v", err)
	}
	if _, err := ParseMode("circular"); err != nil {
		t.Errorf("Expected circular to parse, got %v", err)
	}
	if _, err := ParseMode("spherical"); err == nil {
		t.Error("Expected error for unknown mode, got nil")
	}
}

func TestPlan_FFTRoundTrip(t *testing.T) {
	m := randomish(8, 8)
	plan := NewPlan(8, 8)

	back := plan.IFFT2(plan.FFT2(m))

	planesAlmostEqual(t, back, m, 1e-10)
}

func TestConvolve_CircularDeltaIsIdentity(t *testing.T) {
	m := randomish(8, 8)

	kernel, err := NewKernel(delta(8, 8), 8, 8, Circular)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}

	planesAlmostEqual(t, kernel.Convolve(m), m, 1e-10)
}

func TestConvolve_LinearDeltaIsIdentity(t *testing.T) {
	m := randomish(8, 8)

	// A same-size PSF is padded internally.
	kernel, err := NewKernel(delta(8, 8), 8, 8, Linear)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}

	planesAlmostEqual(t, kernel.Convolve(m), m, 1e-10)
}

func TestConvolve_DoubleSizePSF(t *testing.T) {
	m := randomish(8, 8)

	// A double-size delta PSF behaves identically to a same-size one.
	kernel, err := NewKernel(delta(16, 16), 8, 8, Linear)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}

	planesAlmostEqual(t, kernel.Convolve(m), m, 1e-10)
}

func TestConvolve_PreservesFlux(t *testing.T) {
	// Sources confined to the interior, so the blur cannot push flux
	// past the cropped border.
	m := grid.NewMap(8, 8)
	for y := 2; y <= 5; y++ {
		for x := 2; x <= 5; x++ {
			m.Set(x, y, float64(x+y))
		}
	}

	// A small normalised blur kernel centered on the plane.
	psf := grid.NewMap(8, 8)
	for _, offset := range []struct{ dx, dy int }{{0, 0}, {1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
		psf.Set(4+offset.dx, 4+offset.dy, 0.2)
	}

	kernel, err := NewKernel(psf, 8, 8, Linear)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	out := kernel.Convolve(m)

	var sumIn, sumOut float64
	for i := range m.Pix {
		sumIn += m.Pix[i]
		sumOut += out.Pix[i]
	}
	// Linear convolution with a unit-sum kernel conserves total flux up
	// to what leaks off the cropped border; the blur is narrow enough
	// that nothing does.
	if math.Abs(sumIn-sumOut) > 1e-8 {
		t.Errorf("Expected flux %v to be conserved, got %v", sumIn, sumOut)
	}
}

func TestNewKernel_RejectsMismatchedPSF(t *testing.T) {
	if _, err := NewKernel(grid.NewMap(12, 12), 8, 8, Linear); err == nil {
		t.Error("Expected error for PSF neither matching nor doubling the plane, got nil")
	}
}
