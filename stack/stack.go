// Package stack combines a batch of same-condition raw frames into a master
// dark frame or a bad pixel map.
//
// All combinations stream frames from a Source one at a time, so a batch
// never has to be resident in memory as a whole.  Output is deterministic:
// frames are visited in index order and no reduction is parallelized.
package stack

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/speetb/indi-allsky/fitsimg"
)

// Source is an ordered, re-readable set of frames
type Source interface {
	// Len is the number of frames
	Len() int

	// Frame loads frame i; it may be called more than once per index
	Frame(i int) (*fitsimg.Image, error)
}

// Slice is a Source backed by frames already in memory
type Slice []*fitsimg.Image

// Len implements Source
func (s Slice) Len() int { return len(s) }

// Frame implements Source
func (s Slice) Frame(i int) (*fitsimg.Image, error) { return s[i], nil }

// Method selects the combination used for the master dark frame
type Method int

const (
	// Average is the floored per-pixel arithmetic mean
	Average Method = iota

	// SigmaClip is the floored per-pixel mean after rejecting outliers
	// around the median, scaled by the median absolute deviation
	SigmaClip
)

func (m Method) String() string {
	switch m {
	case Average:
		return "average"
	case SigmaClip:
		return "sigmaclip"
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// ParseMethod converts a configuration string to a Method
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "average", "mean", "":
		return Average, nil
	case "sigmaclip", "sigma-clip", "sigma_clip":
		return SigmaClip, nil
	}
	return Average, fmt.Errorf("unknown stacking method %q", s)
}

// Options tune the combination
type Options struct {
	// SigmaLow and SigmaHigh are the rejection bounds in units of the robust
	// standard deviation.  Zero means DefaultSigma.
	SigmaLow, SigmaHigh float64

	// MaxIters caps the clipping iterations per pixel.  Zero means
	// DefaultMaxIters.
	MaxIters int

	// MemLimit bounds the bytes of sample data held at once by SigmaClip.
	// Zero means DefaultMemLimit.
	MemLimit int64

	Logger *log.Logger
}

const (
	// DefaultSigma is the clip bound on both sides
	DefaultSigma = 5.0

	// DefaultMaxIters is the clipping iteration cap
	DefaultMaxIters = 5

	// DefaultMemLimit is the sigma-clip working set ceiling in bytes
	DefaultMemLimit = 350000000
)

func (o Options) withDefaults() Options {
	if o.SigmaLow == 0 {
		o.SigmaLow = DefaultSigma
	}
	if o.SigmaHigh == 0 {
		o.SigmaHigh = DefaultSigma
	}
	if o.MaxIters == 0 {
		o.MaxIters = DefaultMaxIters
	}
	if o.MemLimit == 0 {
		o.MemLimit = DefaultMemLimit
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}

// Combine stacks src with method m
func (m Method) Combine(src Source, opts Options) (*fitsimg.Image, error) {
	switch m {
	case Average:
		return Mean(src, opts)
	case SigmaClip:
		return SigmaClipped(src, opts)
	}
	return nil, fmt.Errorf("unknown stacking method %d", int(m))
}

// first loads frame 0 and verifies the batch is usable
func first(src Source) (*fitsimg.Image, error) {
	if src.Len() == 0 {
		return nil, fmt.Errorf("no frames to combine")
	}
	im, err := src.Frame(0)
	if err != nil {
		return nil, fmt.Errorf("frame 0: %w", err)
	}
	if im.BitDepth != 8 && im.BitDepth != 16 {
		return nil, fmt.Errorf("unknown bits per pixel %d", im.BitDepth)
	}
	return im, nil
}

// frame loads frame i and checks it against the reference
func frame(src Source, i int, ref *fitsimg.Image) (*fitsimg.Image, error) {
	im, err := src.Frame(i)
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", i, err)
	}
	if err := ref.SameShape(im); err != nil {
		return nil, fmt.Errorf("frame %d: %w", i, err)
	}
	return im, nil
}

// Mean is the Average strategy: floor of the per-pixel mean, accumulated in
// 64 bits so no intermediate value can overflow or drift
func Mean(src Source, opts Options) (*fitsimg.Image, error) {
	opts = opts.withDefaults()
	start := time.Now()

	ref, err := first(src)
	if err != nil {
		return nil, err
	}
	sum := make([]uint64, len(ref.Pix))
	last := ref
	for i := 0; i < src.Len(); i++ {
		im := ref
		if i > 0 {
			if im, err = frame(src, i, ref); err != nil {
				return nil, err
			}
		}
		for j, v := range im.Pix {
			sum[j] += uint64(v)
		}
		last = im
	}

	n := uint64(src.Len())
	out := fitsimg.New(ref.Width, ref.Height, ref.BitDepth)
	out.CopyHeader(last)
	for j, s := range sum {
		out.Pix[j] = uint16(s / n)
	}
	opts.Logger.Printf("Exposure average stacked in %0.4f s", time.Since(start).Seconds())
	return out, nil
}
