package darks

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/speetb/indi-allsky/camera"
)

// ExposureSchedule lists the exposures sampled for each condition, longest
// first: 1s, every step seconds below the maximum, and the maximum rounded up
func ExposureSchedule(max float64, step int) []float64 {
	if step < 1 {
		step = 1
	}
	top := int(math.Ceil(max))
	stop := int(math.Ceil(max/float64(step))) * step

	exps := []int{1}
	for e := step; e < stop; e += step {
		exps = append(exps, e)
	}
	exps = append(exps, top)
	sort.Sort(sort.Reverse(sort.IntSlice(exps)))

	out := make([]float64, 0, len(exps))
	for i, e := range exps {
		if i > 0 && e == exps[i-1] {
			continue
		}
		out = append(out, float64(e))
	}
	return out
}

// ConditionSet is an insertion ordered set of capture conditions
type ConditionSet struct {
	list []camera.Condition
}

// NewConditionSet adds every condition in order
func NewConditionSet(cs ...camera.Condition) *ConditionSet {
	s := &ConditionSet{}
	for _, c := range cs {
		s.Add(c)
	}
	return s
}

// Add inserts c if it is not present and reports whether it was added
func (s *ConditionSet) Add(c camera.Condition) bool {
	if s.Contains(c) {
		return false
	}
	s.list = append(s.list, c)
	return true
}

// Contains reports whether c is in the set
func (s *ConditionSet) Contains(c camera.Condition) bool {
	for _, x := range s.list {
		if x == c {
			return true
		}
	}
	return false
}

// List returns the conditions in insertion order
func (s *ConditionSet) List() []camera.Condition {
	return append([]camera.Condition(nil), s.list...)
}

// Kind is the artifact type encoded in a file name
type Kind string

const (
	// KindDark is a master dark frame
	KindDark Kind = "dark"

	// KindBPM is a bad pixel map
	KindBPM Kind = "bpm"
)

// TimestampLayout is the date stamp used in artifact file names
const TimestampLayout = "20060102_150405"

// Filename is the library file name of an artifact.  Exposure and
// temperature are truncated toward zero.
func Filename(kind Kind, cameraID int64, bits int, exposure float64, c camera.Condition, temp float64, t time.Time) string {
	return fmt.Sprintf("%s_ccd%d_%dbit_%ds_gain%d_bin%d_%dc_%s.fit",
		kind, cameraID, bits, int(exposure), c.Gain, c.Binning, int(temp), t.Format(TimestampLayout))
}
