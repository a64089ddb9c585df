package render

import (
	"bytes"
	"image/png"
	"testing"

	"golang.org/x/image/tiff"

	"github.com/jo-hoe/moresane/internal/grid"
)

func rampPlane(width, height int) *grid.Map {
	m := grid.NewMap(width, height)
	for i := range m.Pix {
		m.Pix[i] = float64(i)
	}
	return m
}

func TestGrayscale_Orientation(t *testing.T) {
	// Brightest pixel in the top FITS row must land in the bottom
	// raster row.
	m := grid.NewMap(4, 4)
	m.Set(0, 3, 100)

	img := Grayscale(m)

	if got := img.Gray16At(0, 0).Y; got == 0 {
		t.Error("Expected the top FITS row to map to the top of the flipped raster")
	}
	if got := img.Gray16At(0, 3).Y; got != 0 {
		t.Errorf("Expected the bottom raster row to be dark, got %d", got)
	}
}

func TestGrayscale_FlatPlane(t *testing.T) {
	m := grid.NewMap(4, 4)
	for i := range m.Pix {
		m.Pix[i] = 7
	}

	// A constant plane has zero dynamic range; the stretch must not
	// divide by zero.
	img := Grayscale(m)
	if img.Bounds().Dx() != 4 || img.Bounds().Dy() != 4 {
		t.Fatalf("Expected 4x4 image, got %v", img.Bounds())
	}
}

func TestPNG_Decodes(t *testing.T) {
	data, err := PNG(rampPlane(16, 8))
	if err != nil {
		t.Fatalf("PNG failed: %v", err)
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Expected valid PNG output: %v", err)
	}
	if img.Bounds().Dx() != 16 || img.Bounds().Dy() != 8 {
		t.Errorf("Expected 16x8 image, got %v", img.Bounds())
	}
}

func TestTIFF_Decodes(t *testing.T) {
	data, err := TIFF(rampPlane(8, 8))
	if err != nil {
		t.Fatalf("TIFF failed: %v", err)
	}

	img, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Expected valid TIFF output: %v", err)
	}
	if img.Bounds().Dx() != 8 || img.Bounds().Dy() != 8 {
		t.Errorf("Expected 8x8 image, got %v", img.Bounds())
	}
}

func TestThumbnail_PreservesAspect(t *testing.T) {
	data, err := Thumbnail(rampPlane(32, 16), 8)
	if err != nil {
		t.Fatalf("Thumbnail failed: %v", err)
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Expected valid PNG output: %v", err)
	}
	if img.Bounds().Dx() != 8 || img.Bounds().Dy() != 4 {
		t.Errorf("Expected 8x4 thumbnail, got %v", img.Bounds())
	}
}

func TestThumbnail_RejectsNonPositiveSize(t *testing.T) {
	if _, err := Thumbnail(rampPlane(8, 8), 0); err == nil {
		t.Error("Expected error for zero thumbnail size, got nil")
	}
}
