package stack

import (
	"errors"
	"io"
	"log"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/speetb/indi-allsky/fitsimg"
)

var quiet = Options{Logger: log.New(io.Discard, "", 0)}

func constant(w, h, bits int, v uint16) *fitsimg.Image {
	im := fitsimg.New(w, h, bits)
	for i := range im.Pix {
		im.Pix[i] = v
	}
	return im
}

func TestParseMethod(t *testing.T) {
	tests := []struct {
		in   string
		want Method
		err  bool
	}{
		{"average", Average, false},
		{"Average", Average, false},
		{"sigmaclip", SigmaClip, false},
		{"sigma_clip", SigmaClip, false},
		{"median", Average, true},
	}
	for _, tt := range tests {
		got, err := ParseMethod(tt.in)
		if (err != nil) != tt.err {
			t.Errorf("ParseMethod(%q) error = %v", tt.in, err)
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseMethod(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMeanOfIdenticalFramesIsUnchanged(t *testing.T) {
	for _, bits := range []int{8, 16} {
		v := uint16(200)
		if bits == 16 {
			v = 54321
		}
		src := Slice{constant(3, 2, bits, v), constant(3, 2, bits, v), constant(3, 2, bits, v)}
		out, err := Mean(src, quiet)
		if err != nil {
			t.Fatal(err)
		}
		for i, p := range out.Pix {
			if p != v {
				t.Fatalf("%d bit: pixel %d = %d, want %d", bits, i, p, v)
			}
		}
		if out.BitDepth != bits {
			t.Errorf("bit depth %d, want %d", out.BitDepth, bits)
		}
	}
}

func TestMeanFloors(t *testing.T) {
	src := Slice{constant(2, 2, 16, 10), constant(2, 2, 16, 20), constant(2, 2, 16, 30)}
	out, err := Mean(src, quiet)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint16{20, 20, 20, 20}, out.Pix); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	src = Slice{constant(1, 1, 16, 1), constant(1, 1, 16, 2)}
	out, err = Mean(src, quiet)
	if err != nil {
		t.Fatal(err)
	}
	if out.Pix[0] != 1 {
		t.Errorf("floor(1.5) = %d, want 1", out.Pix[0])
	}
}

func TestMeanNoOverflow(t *testing.T) {
	var src Slice
	for i := 0; i < 100; i++ {
		src = append(src, constant(1, 1, 16, 65535))
	}
	out, err := Mean(src, quiet)
	if err != nil {
		t.Fatal(err)
	}
	if out.Pix[0] != 65535 {
		t.Errorf("got %d", out.Pix[0])
	}
}

func TestMismatchedFramesRejected(t *testing.T) {
	for _, m := range []Method{Average, SigmaClip} {
		_, err := m.Combine(Slice{constant(2, 2, 16, 1), constant(2, 3, 16, 1)}, quiet)
		if err == nil {
			t.Errorf("%v: expected dimension error", m)
		}
		_, err = m.Combine(Slice{constant(2, 2, 16, 1), constant(2, 2, 8, 1)}, quiet)
		if err == nil {
			t.Errorf("%v: expected bit depth error", m)
		}
		if _, err = m.Combine(Slice{}, quiet); err == nil {
			t.Errorf("%v: expected error for empty batch", m)
		}
	}
}

func outlierBatch() Slice {
	vals := []uint16{10, 11, 10, 12, 65535}
	var src Slice
	for _, v := range vals {
		src = append(src, constant(2, 2, 16, v))
	}
	return src
}

func TestSigmaClipBeatsAverageWithOutlier(t *testing.T) {
	src := outlierBatch()
	avg, err := Mean(src, quiet)
	if err != nil {
		t.Fatal(err)
	}
	clipped, err := SigmaClipped(src, quiet)
	if err != nil {
		t.Fatal(err)
	}
	population := 10.75
	dAvg := math.Abs(float64(avg.Pix[0]) - population)
	dClip := math.Abs(float64(clipped.Pix[0]) - population)
	if dClip >= dAvg {
		t.Errorf("sigma clip %d not closer to %v than average %d", clipped.Pix[0], population, avg.Pix[0])
	}
	if clipped.Pix[0] != 10 {
		t.Errorf("expected floor(10.75) = 10, got %d", clipped.Pix[0])
	}
}

func TestSigmaClipZeroScaleKeepsCenter(t *testing.T) {
	src := Slice{constant(1, 1, 16, 7), constant(1, 1, 16, 7), constant(1, 1, 16, 7), constant(1, 1, 16, 9)}
	out, err := SigmaClipped(src, quiet)
	if err != nil {
		t.Fatal(err)
	}
	if out.Pix[0] != 7 {
		t.Errorf("got %d, want 7", out.Pix[0])
	}
}

// countingSource records how often frames are read
type countingSource struct {
	Slice
	reads int
}

func (c *countingSource) Frame(i int) (*fitsimg.Image, error) {
	c.reads++
	return c.Slice.Frame(i)
}

func TestSigmaClipBandsMatchSinglePass(t *testing.T) {
	var frames Slice
	for f := 0; f < 6; f++ {
		im := fitsimg.New(5, 7, 16)
		for i := range im.Pix {
			im.Pix[i] = uint16((i*31 + f*17) % 97)
		}
		frames = append(frames, im)
	}
	frames[3].Pix[12] = 60000

	whole, err := SigmaClipped(frames, quiet)
	if err != nil {
		t.Fatal(err)
	}

	opts := quiet
	opts.MemLimit = int64(6 * 5 * 2 * 2) // two rows per band
	src := &countingSource{Slice: frames}
	banded, err := SigmaClipped(src, opts)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(whole.Pix, banded.Pix); diff != "" {
		t.Errorf("banded result differs (-whole +banded):\n%s", diff)
	}
	// frame 0 is read once, the other five once per band (4 bands)
	if src.reads != 1+5*4 {
		t.Errorf("expected 21 frame reads, got %d", src.reads)
	}
}

func TestDeterministic(t *testing.T) {
	src := outlierBatch()
	for _, m := range []Method{Average, SigmaClip} {
		a, err := m.Combine(src, quiet)
		if err != nil {
			t.Fatal(err)
		}
		b, err := m.Combine(src, quiet)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(a.Pix, b.Pix); diff != "" {
			t.Errorf("%v not reproducible:\n%s", m, diff)
		}
	}
}

func TestBandRows(t *testing.T) {
	if got := bandRows(350000000, 10, 4056); got != 4314 {
		t.Errorf("bandRows = %d", got)
	}
	if got := bandRows(1, 10, 4056); got != 1 {
		t.Errorf("bandRows floor = %d", got)
	}
}

type failingSource struct{ Slice }

func (f failingSource) Frame(i int) (*fitsimg.Image, error) {
	if i == 1 {
		return nil, errors.New("disk gone")
	}
	return f.Slice.Frame(i)
}

func TestSourceErrorsPropagate(t *testing.T) {
	src := failingSource{Slice{constant(1, 1, 16, 1), constant(1, 1, 16, 1)}}
	if _, err := Mean(src, quiet); err == nil {
		t.Error("expected error from Mean")
	}
	if _, err := SigmaClipped(src, quiet); err == nil {
		t.Error("expected error from SigmaClipped")
	}
	if _, err := BadPixelMap(src, 90, 0, quiet); err == nil {
		t.Error("expected error from BadPixelMap")
	}
}
