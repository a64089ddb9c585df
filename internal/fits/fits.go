// Package fits reads and writes FITS image HDUs.
//
// Radio maps commonly arrive as four-dimensional images with
// degenerate frequency and Stokes axes; the reader locates the RA and
// DEC axes via the CTYPEn keywords and squeezes the rest, returning a
// plain two-dimensional plane. Only image HDUs are handled, not
// tables.
package fits

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/jo-hoe/moresane/internal/grid"
)

// Image is a single image HDU: the parsed header and the squeezed
// two-dimensional data plane.
type Image struct {
	Header *Header
	Data   *grid.Map
}

// ReadFile opens and parses a FITS file, returning its primary image HDU.
func ReadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open FITS file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	img, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read FITS file %s: %w", path, err)
	}
	return img, nil
}

// Read parses the primary image HDU from r.
func Read(r io.Reader) (*Image, error) {
	hdr, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	bitpix, err := hdr.Int("BITPIX")
	if err != nil {
		return nil, err
	}
	naxis, err := hdr.Int("NAXIS")
	if err != nil {
		return nil, err
	}
	if naxis < 2 {
		return nil, fmt.Errorf("expected an image HDU, got NAXIS=%d", naxis)
	}

	axes := make([]int, naxis)
	for i := range axes {
		axes[i], err = hdr.Int(fmt.Sprintf("NAXIS%d", i+1))
		if err != nil {
			return nil, err
		}
	}

	width, height, err := imageAxes(hdr, axes)
	if err != nil {
		return nil, err
	}

	// The sky plane is the fastest-varying pair of axes, so the first
	// width*height samples of the data area are the plane at index zero
	// of every degenerate axis.
	plane, err := readPlane(r, bitpix, width, height)
	if err != nil {
		return nil, err
	}

	// BSCALE/BZERO rescaling of integer data.
	scale := hdr.FloatOr("BSCALE", 1)
	zero := hdr.FloatOr("BZERO", 0)
	if scale != 1 || zero != 0 {
		for i, v := range plane.Pix {
			plane.Pix[i] = scale*v + zero
		}
	}

	return &Image{Header: hdr, Data: plane}, nil
}

// imageAxes determines the width (RA axis) and height (DEC axis) of
// the sky plane. Without CTYPE keywords the first two axes are used.
func imageAxes(hdr *Header, axes []int) (width, height int, err error) {
	width, height = axes[0], axes[1]
	for i := range axes {
		ctype, cerr := hdr.Str(fmt.Sprintf("CTYPE%d", i+1))
		if cerr != nil {
			continue
		}
		if strings.HasPrefix(ctype, "RA") {
			width = axes[i]
		}
		if strings.HasPrefix(ctype, "DEC") {
			height = axes[i]
		}
	}
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("invalid image dimensions %dx%d", width, height)
	}
	return width, height, nil
}

func readHeader(r io.Reader) (*Header, error) {
	hdr := NewHeader()
	block := make([]byte, blockLength)
	for {
		if _, err := io.ReadFull(r, block); err != nil {
			return nil, fmt.Errorf("failed to read header block: %w", err)
		}
		for i := 0; i < cardsPerBlk; i++ {
			record := block[i*cardLength : (i+1)*cardLength]
			keyword := strings.TrimRight(string(record[:8]), " ")
			if keyword == "END" {
				return hdr, nil
			}
			card := parseCard(record)
			if card.Keyword == "" && card.Comment == "" {
				continue
			}
			hdr.cards = append(hdr.cards, card)
		}
	}
}

func readPlane(r io.Reader, bitpix, width, height int) (*grid.Map, error) {
	count := width * height
	size := bitpix
	if size < 0 {
		size = -size
	}
	raw := make([]byte, count*size/8)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}

	plane := grid.NewMap(width, height)
	switch bitpix {
	case 8:
		for i := 0; i < count; i++ {
			plane.Pix[i] = float64(raw[i])
		}
	case 16:
		for i := 0; i < count; i++ {
			plane.Pix[i] = float64(int16(binary.BigEndian.Uint16(raw[2*i:])))
		}
	case 32:
		for i := 0; i < count; i++ {
			plane.Pix[i] = float64(int32(binary.BigEndian.Uint32(raw[4*i:])))
		}
	case 64:
		for i := 0; i < count; i++ {
			plane.Pix[i] = float64(int64(binary.BigEndian.Uint64(raw[8*i:])))
		}
	case -32:
		for i := 0; i < count; i++ {
			plane.Pix[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(raw[4*i:])))
		}
	case -64:
		for i := 0; i < count; i++ {
			plane.Pix[i] = math.Float64frombits(binary.BigEndian.Uint64(raw[8*i:]))
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
	return plane, nil
}

// WriteFile writes the plane as a float32 FITS image, carrying over
// the cards of the template header. Any existing file is overwritten.
func WriteFile(path string, template *Header, data *grid.Map) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create FITS file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	if err := Write(f, template, data); err != nil {
		return fmt.Errorf("failed to write FITS file %s: %w", path, err)
	}
	return nil
}

// Write serialises the plane as a BITPIX=-32 image HDU. The axis count
// of the template header is preserved, with degenerate trailing axes of
// length one, matching the layout common to interferometric maps.
func Write(w io.Writer, template *Header, data *grid.Map) error {
	naxis := 2
	if template != nil {
		if n, err := template.Int("NAXIS"); err == nil && n > 2 {
			naxis = n
		}
	}

	hdr := NewHeader()
	hdr.SetLogical("SIMPLE", true, "conforms to FITS standard")
	hdr.SetInt("BITPIX", -32, "array data type")
	hdr.SetInt("NAXIS", naxis, "number of array dimensions")
	hdr.SetInt("NAXIS1", data.Width, "")
	hdr.SetInt("NAXIS2", data.Height, "")
	for i := 3; i <= naxis; i++ {
		hdr.SetInt(fmt.Sprintf("NAXIS%d", i), 1, "")
	}
	if template != nil {
		for _, card := range template.Cards() {
			switch {
			case card.Keyword == "SIMPLE", card.Keyword == "BITPIX", card.Keyword == "END",
				card.Keyword == "BSCALE", card.Keyword == "BZERO",
				strings.HasPrefix(card.Keyword, "NAXIS"):
				continue
			}
			hdr.cards = append(hdr.cards, card)
		}
	}
	hdr.cards = append(hdr.cards, Card{Keyword: "END"})

	if err := writeBlocks(w, hdr); err != nil {
		return err
	}
	return writeData(w, data)
}

func writeBlocks(w io.Writer, hdr *Header) error {
	var buf []byte
	for _, card := range hdr.cards {
		buf = append(buf, formatCard(card)...)
	}
	for len(buf)%blockLength != 0 {
		buf = append(buf, ' ')
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

func writeData(w io.Writer, data *grid.Map) error {
	raw := make([]byte, len(data.Pix)*4)
	for i, v := range data.Pix {
		binary.BigEndian.PutUint32(raw[4*i:], math.Float32bits(float32(v)))
	}
	// Data areas are padded with zero bytes to a block boundary.
	if pad := len(raw) % blockLength; pad != 0 {
		raw = append(raw, make([]byte, blockLength-pad)...)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("failed to write image data: %w", err)
	}
	return nil
}
