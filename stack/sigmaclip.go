package stack

import (
	"math"
	"sort"
	"time"

	"github.com/astrogo/fitsio"
	"gonum.org/v1/gonum/stat"

	"github.com/speetb/indi-allsky/fitsimg"
)

// madScale converts a median absolute deviation to a normal standard deviation
const madScale = 1.4826

// bandRows is how many image rows of n frames fit in limit bytes of uint16
// samples; never less than one
func bandRows(limit int64, n, width int) int {
	per := int64(n) * int64(width) * 2
	if per <= 0 {
		return 1
	}
	rows := limit / per
	if rows < 1 {
		return 1
	}
	if rows > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(rows)
}

// median sorts x in place and returns its median
func median(x []float64) float64 {
	sort.Float64s(x)
	n := len(x)
	if n%2 == 1 {
		return x[n/2]
	}
	return (x[n/2-1] + x[n/2]) / 2
}

// clipper holds per-pixel scratch space reused across a band
type clipper struct {
	low, high float64
	iters     int
	keep      []float64
	next      []float64
	scratch   []float64
}

func newClipper(n int, opts Options) *clipper {
	return &clipper{
		low:     opts.SigmaLow,
		high:    opts.SigmaHigh,
		iters:   opts.MaxIters,
		keep:    make([]float64, 0, n),
		next:    make([]float64, 0, n),
		scratch: make([]float64, n),
	}
}

// center returns the median and MAD-derived scale of c.keep
func (c *clipper) center() (float64, float64) {
	s := c.scratch[:len(c.keep)]
	copy(s, c.keep)
	med := median(s)
	for i, v := range c.keep {
		s[i] = math.Abs(v - med)
	}
	return med, madScale * median(s)
}

// clip returns the mean of the samples that survive iterative rejection
func (c *clipper) clip(samples []float64) float64 {
	c.keep = append(c.keep[:0], samples...)
	for it := 0; it < c.iters; it++ {
		med, scale := c.center()
		c.next = c.next[:0]
		for _, v := range c.keep {
			if scale == 0 {
				if v == med {
					c.next = append(c.next, v)
				}
				continue
			}
			if v >= med-c.low*scale && v <= med+c.high*scale {
				c.next = append(c.next, v)
			}
		}
		if len(c.next) == 0 || len(c.next) == len(c.keep) {
			break
		}
		c.keep, c.next = c.next, c.keep
	}
	return stat.Mean(c.keep, nil)
}

// SigmaClipped is the SigmaClip strategy.  Each pixel's samples are
// iteratively clipped around their median by SigmaLow/SigmaHigh robust
// standard deviations and the survivors are averaged and floored.
//
// The image is processed in bands of rows sized so the band's samples from
// every frame fit in MemLimit; frames are re-read from src for each band.
func SigmaClipped(src Source, opts Options) (*fitsimg.Image, error) {
	opts = opts.withDefaults()
	start := time.Now()

	ref, err := first(src)
	if err != nil {
		return nil, err
	}
	n := src.Len()
	w, h := ref.Width, ref.Height
	rows := bandRows(opts.MemLimit, n, w)
	if rows > h {
		rows = h
	}

	out := fitsimg.New(w, h, ref.BitDepth)
	band := make([][]uint16, n)
	for i := range band {
		band[i] = make([]uint16, rows*w)
	}
	samples := make([]float64, n)
	c := newClipper(n, opts)
	maxVal := float64(uint64(1)<<uint(ref.BitDepth) - 1)
	last := ref

	for y0 := 0; y0 < h; y0 += rows {
		y1 := y0 + rows
		if y1 > h {
			y1 = h
		}
		lo, hi := y0*w, y1*w
		for i := 0; i < n; i++ {
			im := ref
			if i > 0 {
				if im, err = frame(src, i, ref); err != nil {
					return nil, err
				}
			}
			copy(band[i], im.Pix[lo:hi])
			last = im
		}
		for p := 0; p < hi-lo; p++ {
			for i := 0; i < n; i++ {
				samples[i] = float64(band[i][p])
			}
			v := math.Floor(c.clip(samples))
			if v > maxVal {
				v = maxVal
			}
			out.Pix[lo+p] = uint16(v)
		}
	}

	out.CopyHeader(last)
	out.SetCard(fitsio.Card{Name: "COMBINED", Value: true})
	opts.Logger.Printf("Exposure sigma clip stacked in %0.4f s (%d row bands)", time.Since(start).Seconds(), (h+rows-1)/rows)
	return out, nil
}
