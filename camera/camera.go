/*Package camera describes the capabilities the calibration pipeline needs from
a sensor driver.

A Device is connected once, configured for a capture condition, and asked to
expose.  Exposures complete asynchronously: the driver writes the frame to
disk from its own goroutine and announces the path on the channel returned
by Frames.  Consumers apply their own receive timeout.
*/
package camera

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoCamera is returned by Connect when no sensor is found
	ErrNoCamera = errors.New("no camera detected")

	// ErrTimeout is returned when the device did not respond in time
	ErrTimeout = errors.New("timed out waiting for device")

	// ErrNotConnected is returned when a method is called before Connect
	ErrNotConnected = errors.New("camera not connected")
)

// ErrPropertyNotFound is returned when the driver does not expose a property
// required for the operation
type ErrPropertyNotFound struct {
	Device   string
	Property string
}

func (e ErrPropertyNotFound) Error() string {
	return fmt.Sprintf("property %s not found on device %s", e.Property, e.Device)
}

// Info is what a driver reports about its sensor at connect time
type Info struct {
	Name        string
	Driver      string
	Bits        int
	CFA         string
	MinGain     int
	MaxGain     int
	MinExposure float64
	MaxExposure float64
	Width       int
	Height      int
	PixelSize   float64
}

// ClampGain limits g to the sensor's gain range.  A range of 0..0 means the
// driver did not report one and g is returned as is.
func (i Info) ClampGain(g int) int {
	if i.MinGain == 0 && i.MaxGain == 0 {
		return g
	}
	if g < i.MinGain {
		return i.MinGain
	}
	if g > i.MaxGain {
		return i.MaxGain
	}
	return g
}

// Condition is a distinct sensor operating mode
type Condition struct {
	Gain    int `koanf:"gain" yaml:"gain"`
	Binning int `koanf:"binning" yaml:"binning"`
}

func (c Condition) String() string {
	return fmt.Sprintf("gain %d, bin %d", c.Gain, c.Binning)
}

// Delivery announces one completed exposure
type Delivery struct {
	Path string
}

// Device is the capability interface of a cooled imaging sensor
type Device interface {
	// Connect attaches to the sensor and reports what it is
	Connect(ctx context.Context) (Info, error)

	// ApplyDefaults writes the configured driver defaults to the device
	ApplyDefaults(ctx context.Context) error

	// Configure sets gain and binning
	Configure(ctx context.Context, c Condition) error

	// SetCooler enables or disables the sensor cooler
	SetCooler(ctx context.Context, on bool) error

	// SetTemperature sets the cooler target in Celsius.  With sync it
	// blocks until the target is reached or timeout passes.
	SetTemperature(ctx context.Context, celsius float64, sync bool, timeout time.Duration) error

	// Expose starts an exposure.  With sync it blocks until the driver
	// reports the exposure complete or timeout passes.  The frame itself
	// arrives on Frames.
	Expose(ctx context.Context, seconds float64, sync bool, timeout time.Duration) error

	// Temperature is the current sensor temperature in Celsius
	Temperature(ctx context.Context) (float64, error)

	// Frames delivers the file of every completed exposure
	Frames() <-chan Delivery

	// Close disables the connection
	Close() error
}
