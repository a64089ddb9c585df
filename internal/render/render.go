// Package render produces quicklook rasters from image planes, for
// the preview endpoint of the batch service and the CLI quicklook
// flag. FITS stays the data product; these exports are for eyes only.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sort"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/tiff"

	"github.com/jo-hoe/moresane/internal/grid"
)

// stretch bounds for the display transfer function, as fractions of
// the sorted pixel distribution. Clipping the extremes keeps a few hot
// pixels from flattening the whole map.
const (
	stretchLow  = 0.01
	stretchHigh = 0.99
)

// Grayscale maps the plane onto a 16-bit grayscale image with a
// percentile stretch.
func Grayscale(plane *grid.Map) *image.Gray16 {
	low, high := percentiles(plane.Pix, stretchLow, stretchHigh)
	span := high - low
	if span == 0 {
		span = 1
	}

	img := image.NewGray16(image.Rect(0, 0, plane.Width, plane.Height))
	for y := 0; y < plane.Height; y++ {
		for x := 0; x < plane.Width; x++ {
			v := (plane.Pix[y*plane.Width+x] - low) / span
			if v < 0 {
				v = 0
			}
			if v > 1 {
				v = 1
			}
			// FITS rows run bottom-up; rasters top-down.
			row := plane.Height - 1 - y
			img.SetGray16(x, row, color.Gray16{Y: uint16(v * 0xffff)})
		}
	}
	return img
}

// PNG encodes a percentile-stretched grayscale PNG of the plane.
func PNG(plane *grid.Map) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, Grayscale(plane)); err != nil {
		return nil, fmt.Errorf("failed to encode quicklook PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// TIFF encodes the plane as a 16-bit grayscale TIFF with deflate
// compression.
func TIFF(plane *grid.Map) ([]byte, error) {
	var buf bytes.Buffer
	err := tiff.Encode(&buf, Grayscale(plane), &tiff.Options{Compression: tiff.Deflate})
	if err != nil {
		return nil, fmt.Errorf("failed to encode quicklook TIFF: %w", err)
	}
	return buf.Bytes(), nil
}

// Thumbnail encodes a PNG scaled to fit within size pixels on the
// longer side, preserving aspect ratio.
func Thumbnail(plane *grid.Map, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("thumbnail size must be positive, got %d", size)
	}
	src := Grayscale(plane)

	w, h := plane.Width, plane.Height
	if w >= h {
		h = h * size / w
		w = size
	} else {
		w = w * size / h
		h = size
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	dst := image.NewGray16(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func percentiles(pix []float64, low, high float64) (float64, float64) {
	sorted := make([]float64, len(pix))
	copy(sorted, pix)
	sort.Float64s(sorted)
	li := int(low * float64(len(sorted)-1))
	hi := int(high * float64(len(sorted)-1))
	return sorted[li], sorted[hi]
}
