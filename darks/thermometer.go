package darks

import (
	"context"
	"log"
	"sync"

	"github.com/speetb/indi-allsky/camera"
	"github.com/speetb/indi-allsky/temperature"
)

// Thermometer reads the sensor temperature from the device, falling back to
// an external probe when the device reading is implausible.  Failures are
// logged and the last known value is returned.
type Thermometer struct {
	Device camera.Device

	// Probe, if not nil, is used when the device has no usable sensor
	Probe *temperature.Probe

	Logger  *log.Logger
	Metrics *Metrics
	Status  *Status

	mu   sync.Mutex
	last float64
}

func (t *Thermometer) logf(format string, args ...interface{}) {
	if t.Logger != nil {
		t.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Last is the most recent successful reading
func (t *Thermometer) Last() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Read returns the current sensor temperature in Celsius
func (t *Thermometer) Read(ctx context.Context) float64 {
	c, err := t.Device.Temperature(ctx)
	if err != nil {
		t.logf("Unable to read sensor temperature: %v", err)
		return t.Last()
	}
	if !temperature.Celsius(c).Plausible() && t.Probe != nil {
		p, err := t.Probe.Read(ctx)
		if err != nil {
			t.logf("External temperature unavailable, using %0.1f: %v", t.Last(), err)
			return t.Last()
		}
		c = float64(p)
	}

	t.mu.Lock()
	t.last = c
	t.mu.Unlock()
	t.Metrics.sensorTemperature(c)
	t.Status.setTemperature(c)
	return c
}
