package darks

import (
	"sync"
	"time"

	"github.com/speetb/indi-allsky/camera"
)

// State is the orchestrator phase
type State string

const (
	StateIdle     State = "idle"
	StateInit     State = "init"
	StateDay      State = "day_capture"
	StateCooldown State = "cooldown_wait"
	StateNight    State = "night_capture"
	StateWaiting  State = "waiting_for_temperature"
	StateShutdown State = "shutdown"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

// Snapshot is a point in time copy of the run progress
type Snapshot struct {
	State        State            `json:"state"`
	Condition    camera.Condition `json:"condition"`
	Exposure     float64          `json:"exposure"`
	Frame        int              `json:"frame"`
	Frames       int              `json:"frames"`
	Temperature  float64          `json:"temperature"`
	Measured     bool             `json:"measured"`
	Threshold    float64          `json:"threshold,omitempty"`
	LastArtifact string           `json:"lastArtifact,omitempty"`
	Passes       int              `json:"passes"`
	Err          string           `json:"error,omitempty"`
	Updated      time.Time        `json:"updated"`
}

// Status is the shared progress of a run.  A nil *Status is valid and
// records nothing.
type Status struct {
	mu sync.RWMutex
	s  Snapshot
}

// NewStatus returns an idle status
func NewStatus() *Status {
	return &Status{s: Snapshot{State: StateIdle, Updated: time.Now()}}
}

// Snapshot returns a copy of the current progress
func (s *Status) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.s
}

func (s *Status) update(f func(*Snapshot)) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f(&s.s)
	s.s.Updated = time.Now()
}

func (s *Status) setState(st State) {
	s.update(func(sn *Snapshot) { sn.State = st })
}

func (s *Status) setCycle(c camera.Condition, exposure float64, frames int) {
	s.update(func(sn *Snapshot) {
		sn.Condition = c
		sn.Exposure = exposure
		sn.Frame = 0
		sn.Frames = frames
	})
}

func (s *Status) setFrame(i int) {
	s.update(func(sn *Snapshot) { sn.Frame = i })
}

func (s *Status) setTemperature(c float64) {
	s.update(func(sn *Snapshot) {
		sn.Temperature = c
		sn.Measured = true
	})
}

func (s *Status) setThreshold(c float64) {
	s.update(func(sn *Snapshot) { sn.Threshold = c })
}

func (s *Status) setArtifact(path string) {
	s.update(func(sn *Snapshot) { sn.LastArtifact = path })
}

func (s *Status) addPass() {
	s.update(func(sn *Snapshot) { sn.Passes++ })
}

func (s *Status) fail(err error) {
	s.update(func(sn *Snapshot) {
		sn.State = StateFailed
		sn.Err = err.Error()
	})
}
