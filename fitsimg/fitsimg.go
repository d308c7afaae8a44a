// Package fitsimg holds the in-memory raw frame used by the calibration
// pipeline and reads/writes it as FITS.
package fitsimg

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/astrogo/fitsio"
	"gonum.org/v1/gonum/stat"
)

// structural keywords are owned by fitsio and never copied between files
var structural = map[string]bool{
	"SIMPLE": true, "BITPIX": true, "NAXIS": true, "NAXIS1": true, "NAXIS2": true,
	"NAXIS3": true, "EXTEND": true, "BZERO": true, "BSCALE": true, "END": true,
	"PCOUNT": true, "GCOUNT": true, "XTENSION": true,
}

// Image is a single 2-D plane of unsigned pixels.  Pix is row-major and
// holds 8 or 16 bit samples regardless of storage width.
type Image struct {
	Width    int
	Height   int
	BitDepth int
	Pix      []uint16
	Header   []fitsio.Card
}

// New allocates a zeroed image
func New(width, height, bitDepth int) *Image {
	return &Image{
		Width:    width,
		Height:   height,
		BitDepth: bitDepth,
		Pix:      make([]uint16, width*height),
	}
}

// Card returns the header card with the given name
func (im *Image) Card(name string) (fitsio.Card, bool) {
	name = strings.ToUpper(name)
	for _, c := range im.Header {
		if c.Name == name {
			return c, true
		}
	}
	return fitsio.Card{}, false
}

// SetCard replaces the card of the same name or appends it
func (im *Image) SetCard(c fitsio.Card) {
	c.Name = strings.ToUpper(c.Name)
	for i := range im.Header {
		if im.Header[i].Name == c.Name {
			im.Header[i] = c
			return
		}
	}
	im.Header = append(im.Header, c)
}

// CopyHeader copies the non-structural cards of src into im
func (im *Image) CopyHeader(src *Image) {
	for _, c := range src.Header {
		im.SetCard(c)
	}
}

// SameShape returns nil if o can be combined with im
func (im *Image) SameShape(o *Image) error {
	if im.Width != o.Width || im.Height != o.Height {
		return fmt.Errorf("dimension mismatch %dx%d vs %dx%d", im.Width, im.Height, o.Width, o.Height)
	}
	if im.BitDepth != o.BitDepth {
		return fmt.Errorf("bit depth mismatch %d vs %d", im.BitDepth, o.BitDepth)
	}
	return nil
}

// Max is the largest pixel value in the image
func (im *Image) Max() uint16 {
	var m uint16
	for _, v := range im.Pix {
		if v > m {
			m = v
		}
	}
	return m
}

// MeanADU is the mean pixel value of the image
func MeanADU(im *Image) float64 {
	if im.Width == 0 || im.Height == 0 {
		return 0
	}
	row := make([]float64, im.Width)
	means := make([]float64, im.Height)
	for y := 0; y < im.Height; y++ {
		for x, v := range im.Pix[y*im.Width : (y+1)*im.Width] {
			row[x] = float64(v)
		}
		means[y] = stat.Mean(row, nil)
	}
	return stat.Mean(means, nil)
}

// CardFloat converts a card value to a float64
func CardFloat(c fitsio.Card) (float64, bool) {
	switch v := c.Value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// ReadFITS decodes the primary HDU of a FITS stream
func ReadFITS(r io.Reader) (*Image, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hdu, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		return nil, fmt.Errorf("primary HDU is not an image")
	}
	hdr := hdu.Header()
	axes := hdr.Axes()
	if len(axes) < 2 {
		return nil, fmt.Errorf("expected a 2-D image, got %d axes", len(axes))
	}
	n := 1
	for i, a := range axes {
		if i >= 2 && a != 1 {
			return nil, fmt.Errorf("expected a single plane, got %d", a)
		}
		n *= a
	}
	width, height := axes[0], axes[1]

	var bzero float64
	if c := hdr.Get("BZERO"); c != nil {
		bzero, _ = CardFloat(*c)
	}

	var im *Image
	switch hdr.Bitpix() {
	case 8:
		im = New(width, height, 8)
		buf := make([]byte, n)
		if err := hdu.Read(&buf); err != nil {
			return nil, err
		}
		for i, v := range buf {
			im.Pix[i] = uint16(v)
		}
	case 16:
		im = New(width, height, 16)
		buf := make([]int16, n)
		if err := hdu.Read(&buf); err != nil {
			return nil, err
		}
		off := int32(bzero)
		for i, v := range buf {
			im.Pix[i] = uint16(int32(v) + off)
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", hdr.Bitpix())
	}

	for _, k := range hdr.Keys() {
		if structural[k] {
			continue
		}
		if c := hdr.Get(k); c != nil {
			im.Header = append(im.Header, *c)
		}
	}
	return im, nil
}

// WriteFITS streams im to w as a single HDU file.  16 bit images are stored
// as signed data with BZERO 32768.
func WriteFITS(w io.Writer, im *Image) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()

	var cards []fitsio.Card
	for _, c := range im.Header {
		if !structural[c.Name] {
			cards = append(cards, c)
		}
	}

	dims := []int{im.Width, im.Height}
	switch im.BitDepth {
	case 8:
		hdu := fitsio.NewImage(8, dims)
		defer hdu.Close()
		if err := hdu.Header().Append(cards...); err != nil {
			return err
		}
		buf := make([]byte, len(im.Pix))
		for i, v := range im.Pix {
			buf[i] = byte(v)
		}
		if err := hdu.Write(buf); err != nil {
			return err
		}
		return fits.Write(hdu)
	case 16:
		cards = append(cards, fitsio.Card{Name: "BZERO", Value: 32768}, fitsio.Card{Name: "BSCALE", Value: 1.0})
		hdu := fitsio.NewImage(16, dims)
		defer hdu.Close()
		if err := hdu.Header().Append(cards...); err != nil {
			return err
		}
		buf := make([]int16, len(im.Pix))
		for i, v := range im.Pix {
			buf[i] = int16(v - 32768)
		}
		if err := hdu.Write(buf); err != nil {
			return err
		}
		return fits.Write(hdu)
	default:
		return fmt.Errorf("unsupported bit depth %d", im.BitDepth)
	}
}

// ReadFile reads a FITS file from disk
func ReadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadFITS(f)
}

// WriteFile writes im to path as FITS
func WriteFile(path string, im *Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteFITS(f, im); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
