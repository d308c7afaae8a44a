package fitsimg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/astrogo/fitsio"
)

// ErrBadImage is matched by every error that means the delivered frame is
// unusable and the exposure should be taken again
var ErrBadImage = errors.New("bad image")

// BadImageError wraps the reason a delivered frame was rejected
type BadImageError struct {
	Path string
	Err  error
}

func (e *BadImageError) Error() string {
	return fmt.Sprintf("bad image %s: %v", e.Path, e.Err)
}

// Unwrap exposes the underlying cause
func (e *BadImageError) Unwrap() error { return e.Err }

// Is makes every BadImageError match ErrBadImage
func (e *BadImageError) Is(target error) bool { return target == ErrBadImage }

// Provenance is what the camera was doing when a frame was captured.  It is
// used to synthesize headers for containers that do not carry them.
type Provenance struct {
	Exposure    float64
	Gain        int
	Temperature float64
}

// Loader turns a device delivered file into an Image
type Loader struct {
	// CFA is the configured mosaic pattern; it takes precedence over
	// DeviceCFA when synthesizing headers
	CFA string

	// DeviceCFA is the mosaic pattern reported by the camera driver
	DeviceCFA string
}

// Load reads the frame at path.  The file is removed once it has been
// opened, whether or not it could be decoded.
func (l *Loader) Load(path string, p Provenance) (*Image, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, &BadImageError{Path: path, Err: fmt.Errorf("frame not found: %w", err)}
	}
	if fi.Size() == 0 {
		os.Remove(path)
		return nil, &BadImageError{Path: path, Err: errors.New("frame is empty")}
	}

	var im *Image
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fit", ".fits":
		im, err = ReadFile(path)
		os.Remove(path)
		if err != nil {
			return nil, &BadImageError{Path: path, Err: err}
		}
	case ".dng":
		im, err = l.loadDNG(path, p)
		os.Remove(path)
		if err != nil {
			return nil, &BadImageError{Path: path, Err: err}
		}
	default:
		os.Remove(path)
		return nil, fmt.Errorf("dark frames are only supported with raw formats (fits, dng): %s", path)
	}

	im.SetCard(fitsio.Card{Name: "BUNIT", Value: "ADU"})
	return im, nil
}

func (l *Loader) loadDNG(path string, p Provenance) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	plane, err := ReadDNG(f)
	if err != nil {
		return nil, err
	}

	im := plane.Image
	im.SetCard(fitsio.Card{Name: "IMAGETYP", Value: "Dark Frame"})
	im.SetCard(fitsio.Card{Name: "INSTRUME", Value: "libcamera"})
	im.SetCard(fitsio.Card{Name: "EXPTIME", Value: p.Exposure})
	im.SetCard(fitsio.Card{Name: "XBINNING", Value: 1})
	im.SetCard(fitsio.Card{Name: "YBINNING", Value: 1})
	im.SetCard(fitsio.Card{Name: "GAIN", Value: float64(p.Gain)})
	im.SetCard(fitsio.Card{Name: "CCD-TEMP", Value: p.Temperature})

	cfa := l.CFA
	if cfa == "" {
		cfa = l.DeviceCFA
	}
	if cfa == "" {
		cfa = plane.CFA
	}
	if cfa != "" {
		im.SetCard(fitsio.Card{Name: "BAYERPAT", Value: cfa})
		im.SetCard(fitsio.Card{Name: "XBAYROFF", Value: 0})
		im.SetCard(fitsio.Card{Name: "YBAYROFF", Value: 0})
	}
	return im, nil
}
