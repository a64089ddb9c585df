package grid

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Map is a single image plane: Width*Height float64 samples in row-major
// order. All pixel math in the deconvolution engine operates on Maps.
type Map struct {
	Width  int
	Height int
	Pix    []float64
}

// NewMap allocates a zeroed plane of the given dimensions.
func NewMap(width, height int) *Map {
	return &Map{
		Width:  width,
		Height: height,
		Pix:    make([]float64, width*height),
	}
}

// Clone returns a deep copy of the plane.
func (m *Map) Clone() *Map {
	out := NewMap(m.Width, m.Height)
	copy(out.Pix, m.Pix)
	return out
}

// At returns the pixel value at column x, row y.
func (m *Map) At(x, y int) float64 {
	return m.Pix[y*m.Width+x]
}

// Set assigns the pixel value at column x, row y.
func (m *Map) Set(x, y int, v float64) {
	m.Pix[y*m.Width+x] = v
}

// SameSize reports whether both planes share dimensions.
func (m *Map) SameSize(other *Map) bool {
	return m.Width == other.Width && m.Height == other.Height
}

// Max returns the largest pixel value.
func (m *Map) Max() float64 {
	return floats.Max(m.Pix)
}

// Min returns the smallest pixel value.
func (m *Map) Min() float64 {
	return floats.Min(m.Pix)
}

// ArgMax returns the column and row of the largest pixel value.
func (m *Map) ArgMax() (x, y int) {
	idx := floats.MaxIdx(m.Pix)
	return idx % m.Width, idx / m.Width
}

// Norm returns the L2 norm of the plane.
func (m *Map) Norm() float64 {
	return floats.Norm(m.Pix, 2)
}

// Dot returns the inner product of two planes viewed as flat vectors.
func (m *Map) Dot(other *Map) float64 {
	return floats.Dot(m.Pix, other.Pix)
}

// Std returns the population standard deviation of the pixel values.
func (m *Map) Std() float64 {
	if len(m.Pix) == 0 {
		return 0
	}
	mean := floats.Sum(m.Pix) / float64(len(m.Pix))
	var acc float64
	for _, v := range m.Pix {
		d := v - mean
		acc += d * d
	}
	return math.Sqrt(acc / float64(len(m.Pix)))
}

// Scale multiplies every pixel by s in place.
func (m *Map) Scale(s float64) {
	floats.Scale(s, m.Pix)
}

// AddScaled adds s*other to the plane in place.
func (m *Map) AddScaled(s float64, other *Map) {
	floats.AddScaled(m.Pix, s, other.Pix)
}

// Sub returns m - other as a new plane.
func (m *Map) Sub(other *Map) *Map {
	out := m.Clone()
	floats.Sub(out.Pix, other.Pix)
	return out
}

// Mul multiplies the plane elementwise by other in place.
func (m *Map) Mul(other *Map) {
	floats.Mul(m.Pix, other.Pix)
}

// ClampNegative zeroes all negative pixels in place.
func (m *Map) ClampNegative() {
	for i, v := range m.Pix {
		if v < 0 {
			m.Pix[i] = 0
		}
	}
}

// CenterCrop extracts the central size x size region. The plane
// dimensions and the requested size must all be even so the crop
// aligns with the pixel grid.
func (m *Map) CenterCrop(size int) (*Map, error) {
	if size > m.Width || size > m.Height {
		return nil, fmt.Errorf("crop size %d exceeds plane dimensions %dx%d", size, m.Width, m.Height)
	}
	if size%2 != 0 {
		return nil, fmt.Errorf("crop size %d is uneven", size)
	}
	out := NewMap(size, size)
	x0 := m.Width/2 - size/2
	y0 := m.Height/2 - size/2
	for y := 0; y < size; y++ {
		src := (y0+y)*m.Width + x0
		copy(out.Pix[y*size:(y+1)*size], m.Pix[src:src+size])
	}
	return out, nil
}

// AddCenter adds s*sub onto the central region of the plane in place.
// The inverse of CenterCrop for model accumulation.
func (m *Map) AddCenter(s float64, sub *Map) {
	x0 := m.Width/2 - sub.Width/2
	y0 := m.Height/2 - sub.Height/2
	for y := 0; y < sub.Height; y++ {
		dst := (y0+y)*m.Width + x0
		for x := 0; x < sub.Width; x++ {
			m.Pix[dst+x] += s * sub.Pix[y*sub.Width+x]
		}
	}
}

// PadDouble embeds the plane at the center of a zeroed plane of twice
// the dimensions. Linear convolution pads like this to avoid the edge
// effects of the periodic FFT.
func (m *Map) PadDouble() *Map {
	out := NewMap(2*m.Width, 2*m.Height)
	x0 := m.Width / 2
	y0 := m.Height / 2
	for y := 0; y < m.Height; y++ {
		dst := (y0+y)*out.Width + x0
		copy(out.Pix[dst:dst+m.Width], m.Pix[y*m.Width:(y+1)*m.Width])
	}
	return out
}

// FFTShift swaps the quadrants of the plane, moving the zero-frequency
// sample to the center. Dimensions must be even.
func (m *Map) FFTShift() *Map {
	out := NewMap(m.Width, m.Height)
	hw := m.Width / 2
	hh := m.Height / 2
	for y := 0; y < m.Height; y++ {
		sy := (y + hh) % m.Height
		for x := 0; x < m.Width; x++ {
			sx := (x + hw) % m.Width
			out.Pix[y*m.Width+x] = m.Pix[sy*m.Width+sx]
		}
	}
	return out
}

// Cube is a stack of planes, one per wavelet scale. All planes share
// dimensions.
type Cube []*Map

// NewCube allocates a cube of zeroed planes.
func NewCube(scales, width, height int) Cube {
	cube := make(Cube, scales)
	for i := range cube {
		cube[i] = NewMap(width, height)
	}
	return cube
}

// Clone returns a deep copy of the cube.
func (c Cube) Clone() Cube {
	out := make(Cube, len(c))
	for i, plane := range c {
		out[i] = plane.Clone()
	}
	return out
}

// Slice returns the subcube c[from:to] without copying plane data.
func (c Cube) Slice(from, to int) Cube {
	return c[from:to]
}

// Mul multiplies the cube elementwise by other in place.
func (c Cube) Mul(other Cube) {
	for i, plane := range c {
		plane.Mul(other[i])
	}
}

// Norm returns the L2 norm of the cube viewed as a flat vector.
func (c Cube) Norm() float64 {
	var acc float64
	for _, plane := range c {
		n := plane.Norm()
		acc += n * n
	}
	return math.Sqrt(acc)
}
