package stack

import (
	"fmt"
	"math"

	"github.com/speetb/indi-allsky/fitsimg"
)

// DefaultHotPixelPercent is the share of full scale above which a pixel is
// marked defective
const DefaultHotPixelPercent = 90

// ValidBitMax reports whether b is an accepted effective bit depth; zero
// means "use the image bit depth"
func ValidBitMax(b int) bool {
	switch b {
	case 0, 8, 10, 12, 14, 16:
		return true
	}
	return false
}

// HotPixelThreshold is 2^bits * percent/100
func HotPixelThreshold(bits int, percent float64) float64 {
	return math.Pow(2, float64(bits)) * (percent / 100.0)
}

// BadPixelMap takes the per-pixel maximum over src and zeroes every pixel
// below the hot pixel threshold.  bitmax, if non-zero, replaces the image
// bit depth when computing the threshold.
func BadPixelMap(src Source, percent float64, bitmax int, opts Options) (*fitsimg.Image, error) {
	opts = opts.withDefaults()
	if !ValidBitMax(bitmax) {
		return nil, fmt.Errorf("invalid bitmax %d", bitmax)
	}

	ref, err := first(src)
	if err != nil {
		return nil, err
	}
	bpm := fitsimg.New(ref.Width, ref.Height, ref.BitDepth)
	copy(bpm.Pix, ref.Pix)
	last := ref
	for i := 1; i < src.Len(); i++ {
		im, err := frame(src, i, ref)
		if err != nil {
			return nil, err
		}
		for j, v := range im.Pix {
			if v > bpm.Pix[j] {
				bpm.Pix[j] = v
			}
		}
		last = im
	}
	opts.Logger.Printf("Image max value: %d", bpm.Max())

	bits := ref.BitDepth
	if bitmax != 0 {
		bits = bitmax
	}
	thold := HotPixelThreshold(bits, percent)
	for j, v := range bpm.Pix {
		if float64(v) < thold {
			bpm.Pix[j] = 0
		}
	}
	bpm.CopyHeader(last)
	return bpm, nil
}
