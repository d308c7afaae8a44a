package darks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/speetb/indi-allsky/camera"
	"github.com/speetb/indi-allsky/fitsimg"
)

const (
	// DefaultExposeTimeout bounds a blocking exposure of any length
	DefaultExposeTimeout = 180 * time.Second

	// DefaultDeliveryTimeout bounds the wait for a frame after an exposure
	// completed
	DefaultDeliveryTimeout = 10 * time.Second

	// DefaultMaxBadFrames is the consecutive bad frames tolerated per frame
	DefaultMaxBadFrames = 25
)

// ErrRetriesExhausted is returned when the device kept delivering unusable
// frames.  The cycle is abandoned and nothing is persisted for it.
var ErrRetriesExhausted = errors.New("too many consecutive bad frames")

// Acquirer collects a batch of valid frames for one condition and exposure
type Acquirer struct {
	Device      camera.Device
	Loader      *fitsimg.Loader
	Quirks      camera.Quirks
	Thermometer *Thermometer

	// ExposeTimeout and DeliveryTimeout default to DefaultExposeTimeout and
	// DefaultDeliveryTimeout when zero
	ExposeTimeout   time.Duration
	DeliveryTimeout time.Duration

	// MaxBadFrames caps the retries of one frame; zero retries forever
	MaxBadFrames int

	Logger  *log.Logger
	Metrics *Metrics
	Status  *Status
}

func (a *Acquirer) logf(format string, args ...interface{}) {
	if a.Logger != nil {
		a.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Acquire adds count valid frames to batch.  A bad frame is discarded and
// retaken.  A delivery timeout or any device error stops the acquisition.
func (a *Acquirer) Acquire(ctx context.Context, batch *Batch, exposure float64, c camera.Condition, count int) error {
	for i := 0; i < count; i++ {
		a.Status.setFrame(i + 1)
		if err := a.one(ctx, batch, exposure, c); err != nil {
			return err
		}
	}
	return nil
}

func (a *Acquirer) one(ctx context.Context, batch *Batch, exposure float64, c camera.Condition) error {
	bad := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := a.capture(ctx, batch, exposure, c)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, fitsimg.ErrBadImage):
			bad++
			a.Metrics.badFrame()
			a.logf("Bad Image: %v", err)
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(a.MaxBadFrames)), ctx)
	err := backoff.Retry(op, b)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && errors.Is(err, fitsimg.ErrBadImage) {
		return fmt.Errorf("%w: %d at %0.1fs, %s: %v", ErrRetriesExhausted, bad, exposure, c, err)
	}
	return err
}

func (a *Acquirer) capture(ctx context.Context, batch *Batch, exposure float64, c camera.Condition) error {
	if a.Quirks.ReapplyDefaults {
		if err := a.Device.ApplyDefaults(ctx); err != nil {
			return err
		}
		if err := a.Device.Configure(ctx, c); err != nil {
			return err
		}
	}

	expTimeout := a.ExposeTimeout
	if expTimeout == 0 {
		expTimeout = DefaultExposeTimeout
	}
	a.drain()
	a.logf("Taking %0.8f s exposure (gain %d)", exposure, c.Gain)
	start := time.Now()
	if err := a.Device.Expose(ctx, exposure, true, expTimeout); err != nil {
		return fmt.Errorf("exposure failed: %w", err)
	}

	path, err := a.await(ctx)
	if err != nil {
		return err
	}
	a.logf("Exposure received in %0.4f s", time.Since(start).Seconds())

	temp := a.Thermometer.Read(ctx)
	im, err := a.Loader.Load(path, fitsimg.Provenance{Exposure: exposure, Gain: c.Gain, Temperature: temp})
	if err != nil {
		return err
	}
	a.logf("Image average adu: %0.2f", fitsimg.MeanADU(im))
	a.logf("Sensor temperature: %0.2f", temp)

	if err := batch.Add(im); err != nil {
		return err
	}
	a.Metrics.frame()
	return nil
}

// drain discards frames delivered outside of an exposure, such as a late
// frame from an exposure that timed out
func (a *Acquirer) drain() {
	for {
		select {
		case d, ok := <-a.Device.Frames():
			if !ok {
				return
			}
			a.logf("Discarding stale frame %s", d.Path)
			os.Remove(d.Path)
		default:
			return
		}
	}
}

func (a *Acquirer) await(ctx context.Context) (string, error) {
	timeout := a.DeliveryTimeout
	if timeout == 0 {
		timeout = DefaultDeliveryTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case d, ok := <-a.Device.Frames():
		if !ok {
			return "", camera.ErrNotConnected
		}
		return d.Path, nil
	case <-timer.C:
		return "", fmt.Errorf("%w: no frame delivered within %s", camera.ErrTimeout, timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
