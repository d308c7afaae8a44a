package fitsimg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/rwcarlsen/goexif/tiff"
)

// TIFF/DNG tag ids used to locate the raw CFA plane
const (
	tagNewSubfileType   = 254
	tagImageWidth       = 256
	tagImageLength      = 257
	tagBitsPerSample    = 258
	tagCompression      = 259
	tagPhotometric      = 262
	tagStripOffsets     = 273
	tagSamplesPerPixel  = 277
	tagStripByteCounts  = 279
	tagTileOffsets      = 324
	tagSubIFDs          = 330
	tagCFARepeatPattern = 33421
	tagCFAPattern       = 33422

	photometricCFA = 32803
)

var errNoRawPlane = errors.New("no full resolution raw plane found")

// RawPlane is the sensor data found in a DNG container
type RawPlane struct {
	Image *Image

	// CFA is the mosaic pattern recorded in the file, empty if absent
	CFA string
}

// ReadDNG finds the full resolution, uncompressed CFA plane in a DNG file.
// The pixels are returned as a 16 bit image with no header cards.
func ReadDNG(r io.Reader) (*RawPlane, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	t, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	dirs := append([]*tiff.Dir{}, t.Dirs...)
	for _, d := range t.Dirs {
		sub := findTag(d, tagSubIFDs)
		if sub == nil {
			continue
		}
		for i := 0; i < int(sub.Count); i++ {
			off, err := sub.Int64(i)
			if err != nil {
				return nil, err
			}
			br := bytes.NewReader(data)
			if _, err := br.Seek(off, io.SeekStart); err != nil {
				return nil, err
			}
			sd, _, err := tiff.DecodeDir(br, t.Order)
			if err != nil {
				return nil, err
			}
			dirs = append(dirs, sd)
		}
	}

	raw := pickRawDir(dirs)
	if raw == nil {
		return nil, errNoRawPlane
	}
	return decodePlane(data, t.Order, raw)
}

func findTag(d *tiff.Dir, id uint16) *tiff.Tag {
	for _, t := range d.Tags {
		if t.Id == id {
			return t
		}
	}
	return nil
}

func tagInt(d *tiff.Dir, id uint16, def int) int {
	t := findTag(d, id)
	if t == nil || t.Count == 0 {
		return def
	}
	v, err := t.Int(0)
	if err != nil {
		return def
	}
	return v
}

// pickRawDir prefers the primary CFA IFD, then the largest primary image
func pickRawDir(dirs []*tiff.Dir) *tiff.Dir {
	var best *tiff.Dir
	bestArea := 0
	for _, d := range dirs {
		if tagInt(d, tagNewSubfileType, 0) != 0 {
			continue
		}
		if tagInt(d, tagPhotometric, 0) == photometricCFA {
			return d
		}
		area := tagInt(d, tagImageWidth, 0) * tagInt(d, tagImageLength, 0)
		if area > bestArea {
			best, bestArea = d, area
		}
	}
	return best
}

func decodePlane(data []byte, order binary.ByteOrder, d *tiff.Dir) (*RawPlane, error) {
	width := tagInt(d, tagImageWidth, 0)
	height := tagInt(d, tagImageLength, 0)
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid raw dimensions %dx%d", width, height)
	}
	if c := tagInt(d, tagCompression, 1); c != 1 {
		return nil, fmt.Errorf("unsupported DNG compression %d", c)
	}
	if spp := tagInt(d, tagSamplesPerPixel, 1); spp != 1 {
		return nil, fmt.Errorf("expected 1 sample per pixel, got %d", spp)
	}
	if findTag(d, tagTileOffsets) != nil {
		return nil, errors.New("tiled DNG is not supported")
	}
	bps := tagInt(d, tagBitsPerSample, 16)
	if bps != 8 && bps != 16 {
		return nil, fmt.Errorf("unsupported bits per sample %d", bps)
	}

	offsets := findTag(d, tagStripOffsets)
	counts := findTag(d, tagStripByteCounts)
	if offsets == nil || counts == nil || offsets.Count != counts.Count {
		return nil, errors.New("missing strip layout")
	}
	var buf bytes.Buffer
	for i := 0; i < int(offsets.Count); i++ {
		off, err := offsets.Int64(i)
		if err != nil {
			return nil, err
		}
		n, err := counts.Int64(i)
		if err != nil {
			return nil, err
		}
		if off < 0 || n < 0 || off+n > int64(len(data)) {
			return nil, fmt.Errorf("strip %d out of range", i)
		}
		buf.Write(data[off : off+n])
	}

	npix := width * height
	raw := buf.Bytes()
	if len(raw) < npix*bps/8 {
		return nil, fmt.Errorf("short raw data: %d bytes for %dx%d@%d", len(raw), width, height, bps)
	}

	im := New(width, height, 16)
	if bps == 8 {
		for i := 0; i < npix; i++ {
			im.Pix[i] = uint16(raw[i])
		}
	} else {
		for i := 0; i < npix; i++ {
			im.Pix[i] = order.Uint16(raw[2*i:])
		}
	}
	return &RawPlane{Image: im, CFA: cfaString(d)}, nil
}

func cfaString(d *tiff.Dir) string {
	p := findTag(d, tagCFAPattern)
	if p == nil || len(p.Val) != 4 {
		return ""
	}
	if dim := findTag(d, tagCFARepeatPattern); dim != nil && dim.Count == 2 {
		r, _ := dim.Int(0)
		c, _ := dim.Int(1)
		if r != 2 || c != 2 {
			return ""
		}
	}
	colors := [...]byte{'R', 'G', 'B'}
	out := make([]byte, 4)
	for i, v := range p.Val {
		if int(v) >= len(colors) {
			return ""
		}
		out[i] = colors[v]
	}
	return string(out)
}
