package camera

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/speetb/indi-allsky/fitsimg"
)

// Fault is a misbehavior the Mock injects into one exposure
type Fault int

const (
	// FaultNone delivers a good frame
	FaultNone Fault = iota

	// FaultEmpty delivers a zero byte file
	FaultEmpty

	// FaultCorrupt delivers a file that is not a readable image
	FaultCorrupt

	// FaultMissing announces a path that does not exist
	FaultMissing

	// FaultStall never delivers anything
	FaultStall
)

// Mock is a simulated cooled sensor.  Frames are synthesized from a bias
// level, a dark current proportional to exposure, uniform read noise and a
// fixed set of hot pixels, written as FITS into Dir and announced on Frames.
type Mock struct {
	Info Info

	// Dir receives the frame files; empty means os.TempDir()
	Dir string

	Bias      uint16
	DarkRate  float64 // ADU per second
	Noise     int     // peak read noise in ADU
	HotPixels []int   // pixel indices
	HotValue  uint16

	// Faults are consumed one per exposure, in order
	Faults []Fault

	// TempFunc, if set, overrides the simulated temperature
	TempFunc func() float64

	Logger *log.Logger

	mu        sync.Mutex
	connected bool
	cond      Condition
	cooler    bool
	setpoint  float64
	temp      float64
	frames    chan Delivery
	seq       int
	calls     []string
	wg        sync.WaitGroup
}

// NewMock returns a 16 bit mock sensor of the given size at 20C
func NewMock(width, height int) *Mock {
	return &Mock{
		Info: Info{
			Name:        "Mock CCD",
			Driver:      "indi_simulator_ccd",
			Bits:        16,
			MinGain:     0,
			MaxGain:     300,
			MinExposure: 0.000032,
			MaxExposure: 3600,
			Width:       width,
			Height:      height,
			PixelSize:   3.75,
		},
		Bias:     100,
		DarkRate: 2,
		Noise:    8,
		HotValue: 60000,
		temp:     20,
		frames:   make(chan Delivery, 1),
	}
}

func (m *Mock) record(format string, args ...interface{}) {
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

// Calls is the ordered log of control operations
func (m *Mock) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Connect implements Device
func (m *Mock) Connect(ctx context.Context) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	m.record("connect")
	return m.Info, nil
}

// ApplyDefaults implements Device
func (m *Mock) ApplyDefaults(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("defaults")
	return nil
}

// Configure implements Device
func (m *Mock) Configure(ctx context.Context, c Condition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	m.cond = c
	m.record("configure %d %d", c.Gain, c.Binning)
	return nil
}

// SetCooler implements Device
func (m *Mock) SetCooler(ctx context.Context, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooler = on
	m.record("cooler %t", on)
	return nil
}

// SetTemperature implements Device.  The mock reaches any target instantly
// while its cooler is on.
func (m *Mock) SetTemperature(ctx context.Context, celsius float64, sync bool, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setpoint = celsius
	if m.cooler {
		m.temp = celsius
	}
	m.record("temperature %.1f", celsius)
	return nil
}

// Temperature implements Device
func (m *Mock) Temperature(ctx context.Context) (float64, error) {
	if m.TempFunc != nil {
		return m.TempFunc(), nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.temp, nil
}

// Frames implements Device
func (m *Mock) Frames() <-chan Delivery {
	return m.frames
}

// Expose implements Device
func (m *Mock) Expose(ctx context.Context, seconds float64, sync bool, timeout time.Duration) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.seq++
	seq := m.seq
	fault := FaultNone
	if len(m.Faults) > 0 {
		fault = m.Faults[0]
		m.Faults = m.Faults[1:]
	}
	cond := m.cond
	m.record("expose %g", seconds)
	m.mu.Unlock()

	temp, _ := m.Temperature(ctx)
	done := make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		m.readout(seq, seconds, cond, temp, fault)
	}()
	if !sync {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return ErrTimeout
	}
}

func (m *Mock) readout(seq int, seconds float64, cond Condition, temp float64, fault Fault) {
	dir := m.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, fmt.Sprintf("mock_%06d.fit", seq))

	var err error
	switch fault {
	case FaultStall:
		return
	case FaultMissing:
	case FaultEmpty:
		err = os.WriteFile(path, nil, 0o644)
	case FaultCorrupt:
		err = os.WriteFile(path, []byte("SIMPLE  = garbage"), 0o644)
	default:
		err = fitsimg.WriteFile(path, m.synthesize(seq, seconds, cond, temp))
	}
	if err != nil {
		m.logf("mock readout failed: %v", err)
		return
	}

	select {
	case m.frames <- Delivery{Path: path}:
	default:
		m.logf("frame queue full, dropping %s", path)
		os.Remove(path)
	}
}

func (m *Mock) synthesize(seq int, seconds float64, cond Condition, temp float64) *fitsimg.Image {
	bits := 16
	if m.Info.Bits <= 8 {
		bits = 8
	}
	full := float64(uint32(1)<<uint(bits) - 1)
	im := fitsimg.New(m.Info.Width, m.Info.Height, bits)
	rng := rand.New(rand.NewSource(int64(seq)))
	level := float64(m.Bias) + m.DarkRate*seconds
	for i := range im.Pix {
		v := level
		if m.Noise > 0 {
			v += float64(rng.Intn(m.Noise + 1))
		}
		if v > full {
			v = full
		}
		im.Pix[i] = uint16(v)
	}
	for _, i := range m.HotPixels {
		if i >= 0 && i < len(im.Pix) {
			im.Pix[i] = m.HotValue
		}
	}
	im.Header = []fitsio.Card{
		{Name: "IMAGETYP", Value: "Dark Frame"},
		{Name: "INSTRUME", Value: m.Info.Name},
		{Name: "EXPTIME", Value: seconds},
		{Name: "GAIN", Value: float64(cond.Gain)},
		{Name: "XBINNING", Value: cond.Binning},
		{Name: "YBINNING", Value: cond.Binning},
		{Name: "CCD-TEMP", Value: temp},
	}
	return im
}

func (m *Mock) logf(format string, args ...interface{}) {
	if m.Logger != nil {
		m.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Close implements Device.  Pending readouts are allowed to finish.
func (m *Mock) Close() error {
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.record("close")
	return nil
}
