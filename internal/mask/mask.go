// Package mask loads deconvolution masks. A mask confines source
// detection to regions the observer trusts; it can arrive either as a
// FITS image on the map grid or as an SVG region file, which is
// rasterised onto the grid.
package mask

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"

	"github.com/jo-hoe/moresane/internal/fits"
	"github.com/jo-hoe/moresane/internal/grid"
)

// Load reads a mask file of either supported format and prepares it
// for the engine: normalised to a unit peak, smoothed with a 5x5
// boxcar so hard region edges do not imprint on the wavelet
// decomposition, and normalised again.
func Load(path string, width, height int) (*grid.Map, error) {
	var plane *grid.Map
	var err error
	if strings.EqualFold(filepath.Ext(path), ".svg") {
		plane, err = loadSVG(path, width, height)
	} else {
		plane, err = loadFITS(path)
	}
	if err != nil {
		return nil, err
	}
	if plane.Width != width || plane.Height != height {
		return nil, fmt.Errorf("mask is %dx%d, want %dx%d", plane.Width, plane.Height, width, height)
	}
	return Prepare(plane), nil
}

// Prepare normalises and feathers a raw mask plane in place.
func Prepare(plane *grid.Map) *grid.Map {
	normalize(plane)
	smoothed := boxcar5(plane)
	normalize(smoothed)
	return smoothed
}

func loadFITS(path string) (*grid.Map, error) {
	img, err := fits.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return img.Data, nil
}

// loadSVG rasterises the SVG onto the map grid: any painted coverage
// becomes mask weight.
func loadSVG(path string, width, height int) (*grid.Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mask file %s: %w", path, err)
	}
	icon, err := oksvg.ReadIconStream(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse SVG mask %s: %w", path, err)
	}

	icon.SetTarget(0, 0, float64(width), float64(height))

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color.RGBA{0, 0, 0, 255}}, image.Point{}, draw.Src)

	scanner := rasterx.NewScannerGV(width, height, dst, dst.Bounds())
	dasher := rasterx.NewDasher(width, height, scanner)
	icon.Draw(dasher, 1.0)

	slog.Debug("rasterised SVG mask", "path", path, "width", width, "height", height)

	plane := grid.NewMap(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := dst.At(x, y).RGBA()
			// Luminance of the painted region; the black background
			// contributes zero.
			plane.Pix[y*width+x] = float64(r+g+b) / (3 * 0xffff)
		}
	}
	return plane, nil
}

func normalize(plane *grid.Map) {
	max := plane.Max()
	if max > 0 {
		plane.Scale(1 / max)
	}
}

// boxcar5 convolves the plane with a 5x5 boxcar, clamping at the
// borders.
func boxcar5(plane *grid.Map) *grid.Map {
	w, h := plane.Width, plane.Height
	out := grid.NewMap(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for dy := -2; dy <= 2; dy++ {
				for dx := -2; dx <= 2; dx++ {
					sx, sy := x+dx, y+dy
					if sx < 0 || sx >= w || sy < 0 || sy >= h {
						continue
					}
					acc += plane.Pix[sy*w+sx]
				}
			}
			out.Pix[y*w+x] = acc
		}
	}
	return out
}
