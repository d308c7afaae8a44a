/*Package darks builds the dark frame and bad pixel map library of a camera.

An Orchestrator connects to a camera.Device, walks the capture conditions
(day, night and moon mode gain and binning) and the exposure schedule, and
for each pair collects a batch of dark exposures, combines them into a master
dark and a bad pixel map, and registers both.

Two run modes are offered.  Run does a single pass.  RunTemperatureCalibrated
does a pass, then waits for the sensor to cool by a further TempDelta and
repeats, until its context is cancelled.
*/
package darks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/speetb/indi-allsky/camera"
	"github.com/speetb/indi-allsky/fitsimg"
	"github.com/speetb/indi-allsky/registry"
	"github.com/speetb/indi-allsky/stack"
	"github.com/speetb/indi-allsky/temperature"
)

// Registry is where finished artifacts are recorded
type Registry interface {
	AddCamera(ctx context.Context, info camera.Info) (int64, error)
	AddDarkFrame(ctx context.Context, filename string, cameraID int64, md registry.Metadata) error
	AddBadPixelMap(ctx context.Context, filename string, cameraID int64, md registry.Metadata) error
}

// Config holds the parameters of a calibration run
type Config struct {
	// Count is the number of valid frames per master
	Count int

	// TimeDelta is the exposure schedule step in seconds
	TimeDelta int

	// TempDelta is the cooling in Celsius between temperature calibrated
	// passes
	TempDelta float64

	// BitMax, if not zero, is the effective bit depth of the hot pixel
	// threshold
	BitMax int

	HotPixelPercent float64

	// Daytime enables the uncooled day condition pass
	Daytime bool

	Method stack.Method
	Stack  stack.Options

	ExposureMax float64

	Day, Night, MoonMode camera.Condition

	// Cooling enables the cooler and waits for CoolingTarget before the
	// night pass
	Cooling        bool
	CoolingTarget  float64
	CoolingTimeout time.Duration

	ExposeTimeout   time.Duration
	DeliveryTimeout time.Duration
	MaxBadFrames    int

	// PollInterval is the temperature poll period of the calibrated mode
	PollInterval time.Duration

	// SettleDelay is waited after disabling the cooler for the day pass or
	// skipping it
	SettleDelay time.Duration

	// DarksDir receives the finished artifacts
	DarksDir string

	// TempDir is the parent of the per cycle batch directories
	TempDir string

	// CFA overrides the mosaic pattern written to raw frame headers
	CFA string
}

// DefaultConfig is the configuration of a stock run
func DefaultConfig() Config {
	return Config{
		Count:           10,
		TimeDelta:       5,
		TempDelta:       5,
		HotPixelPercent: stack.DefaultHotPixelPercent,
		Daytime:         true,
		Method:          stack.Average,
		ExposureMax:     15,
		Day:             camera.Condition{Gain: 0, Binning: 1},
		Night:           camera.Condition{Gain: 100, Binning: 1},
		MoonMode:        camera.Condition{Gain: 50, Binning: 1},
		CoolingTarget:   15,
		CoolingTimeout:  20 * time.Minute,
		ExposeTimeout:   DefaultExposeTimeout,
		DeliveryTimeout: DefaultDeliveryTimeout,
		MaxBadFrames:    DefaultMaxBadFrames,
		PollInterval:    20 * time.Second,
		SettleDelay:     8 * time.Second,
		DarksDir:        "darks",
	}
}

// Validate checks the parameters that would otherwise fail deep in a run
func (c Config) Validate() error {
	if c.Count < 1 {
		return fmt.Errorf("count must be positive, got %d", c.Count)
	}
	if c.TimeDelta < 1 {
		return fmt.Errorf("time delta must be positive, got %d", c.TimeDelta)
	}
	if c.ExposureMax <= 0 {
		return fmt.Errorf("maximum exposure must be positive, got %g", c.ExposureMax)
	}
	if !stack.ValidBitMax(c.BitMax) {
		return fmt.Errorf("bitmax must be one of 0, 8, 10, 12, 14, 16, got %d", c.BitMax)
	}
	if c.HotPixelPercent <= 0 || c.HotPixelPercent > 100 {
		return fmt.Errorf("hot pixel percent must be in (0,100], got %g", c.HotPixelPercent)
	}
	if c.TempDelta <= 0 {
		return fmt.Errorf("temperature delta must be positive, got %g", c.TempDelta)
	}
	expTimeout := c.ExposeTimeout
	if expTimeout == 0 {
		expTimeout = DefaultExposeTimeout
	}
	if expTimeout.Seconds() <= c.ExposureMax {
		return fmt.Errorf("expose timeout %s must exceed the maximum exposure of %gs", expTimeout, c.ExposureMax)
	}
	return nil
}

// Orchestrator owns the device for the length of a run
type Orchestrator struct {
	Config   Config
	Device   camera.Device
	Registry Registry

	// Probe, if not nil, reads the temperature when the sensor cannot
	Probe *temperature.Probe

	Logger  *log.Logger
	Metrics *Metrics
	Status  *Status

	// Now is the clock used for artifact names; nil is time.Now
	Now func() time.Time

	info     camera.Info
	cameraID int64
	thermo   *Thermometer
	acq      *Acquirer
	quirks   camera.Quirks
	day      camera.Condition
	night    *ConditionSet
}

func (o *Orchestrator) logf(format string, args ...interface{}) {
	if o.Logger != nil {
		o.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (o *Orchestrator) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

// CameraID is the registry ID of the connected camera
func (o *Orchestrator) CameraID() int64 { return o.cameraID }

// Run connects, does a single pass over every condition and shuts down
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	if err := o.initialize(ctx); err != nil {
		o.Status.fail(err)
		return err
	}
	defer o.shutdown(&err)

	if err := o.preRun(ctx); err != nil {
		return err
	}
	return o.pass(ctx, o.Config.Daytime)
}

// RunTemperatureCalibrated connects and does a night pass every time the
// sensor cooled by TempDelta since the last one.  It only returns on error
// or when ctx is cancelled, in which case ctx.Err() is returned.
func (o *Orchestrator) RunTemperatureCalibrated(ctx context.Context) (err error) {
	if err := o.initialize(ctx); err != nil {
		o.Status.fail(err)
		return err
	}
	defer o.shutdown(&err)

	if err := o.preRun(ctx); err != nil {
		return err
	}

	threshold := o.thermo.Read(ctx) - o.Config.TempDelta
	if err := o.pass(ctx, false); err != nil {
		return err
	}

	poll := o.Config.PollInterval
	if poll <= 0 {
		poll = 20 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		o.Status.setState(StateWaiting)
		o.Status.setThreshold(threshold)
		o.logf("Next temperature threshold: %0.1f", threshold)

		for o.thermo.Read(ctx) > threshold {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		o.logf("Achieved next temperature threshold")
		threshold -= o.Config.TempDelta
		if err := o.pass(ctx, false); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) initialize(ctx context.Context) (err error) {
	o.Status.setState(StateInit)
	if err := o.Config.Validate(); err != nil {
		return err
	}
	if o.Device == nil {
		return camera.ErrNoCamera
	}

	info, err := o.Device.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connecting to camera: %w", err)
	}
	defer func() {
		if err != nil {
			o.Device.Close()
		}
	}()
	o.info = info
	o.logf("Connected to %s (%s), %d bit, %dx%d", info.Name, info.Driver, info.Bits, info.Width, info.Height)

	o.quirks = camera.LookupQuirks(info)

	if o.Registry != nil {
		if o.cameraID, err = o.Registry.AddCamera(ctx, info); err != nil {
			return fmt.Errorf("registering camera: %w", err)
		}
	}

	if err := o.Device.ApplyDefaults(ctx); err != nil {
		return err
	}

	o.day = o.clamp("day", o.Config.Day)
	o.night = NewConditionSet(o.clamp("night", o.Config.Night), o.clamp("moon mode", o.Config.MoonMode))

	o.thermo = &Thermometer{
		Device:  o.Device,
		Probe:   o.Probe,
		Logger:  o.Logger,
		Metrics: o.Metrics,
		Status:  o.Status,
	}
	o.acq = &Acquirer{
		Device:          o.Device,
		Loader:          &fitsimg.Loader{CFA: o.Config.CFA, DeviceCFA: info.CFA},
		Quirks:          o.quirks,
		Thermometer:     o.thermo,
		ExposeTimeout:   o.Config.ExposeTimeout,
		DeliveryTimeout: o.Config.DeliveryTimeout,
		MaxBadFrames:    o.Config.MaxBadFrames,
		Logger:          o.Logger,
		Metrics:         o.Metrics,
		Status:          o.Status,
	}

	return os.MkdirAll(o.Config.DarksDir, 0o755)
}

func (o *Orchestrator) clamp(name string, c camera.Condition) camera.Condition {
	g := o.info.ClampGain(c.Gain)
	if g != c.Gain {
		if g > c.Gain {
			o.logf("CCD %s gain below minimum, changing to %d", name, g)
		} else {
			o.logf("CCD %s gain above maximum, changing to %d", name, g)
		}
		c.Gain = g
	}
	if c.Binning < 1 {
		c.Binning = 1
	}
	return c
}

// preRun takes the throw away exposure some drivers need before their
// frames are usable.  A warm up frame that never arrives fails the run.
func (o *Orchestrator) preRun(ctx context.Context) error {
	w := o.quirks.WarmUp
	if w == nil {
		return nil
	}
	o.logf("Taking throw away exposure for %s", o.info.Driver)
	if err := o.Device.Expose(ctx, w.Seconds, true, w.Timeout); err != nil {
		return fmt.Errorf("warm up exposure: %w", err)
	}
	path, err := o.acq.await(ctx)
	switch {
	case errors.Is(err, camera.ErrTimeout):
		return fmt.Errorf("%w: throw away exposure", camera.ErrTimeout)
	case err != nil:
		return err
	}
	os.Remove(path)
	return nil
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// pass is one walk over the day condition, when enabled, and the night
// conditions
func (o *Orchestrator) pass(ctx context.Context, daytime bool) error {
	exposures := ExposureSchedule(o.Config.ExposureMax, o.Config.TimeDelta)

	if daytime {
		o.Status.setState(StateDay)
		if err := o.Device.SetCooler(ctx, false); err != nil {
			return err
		}
		o.logf("****** IF THE CCD COOLER WAS ENABLED, YOU MAY CONSIDER STOPPING THIS UNTIL THE SENSOR HAS WARMED ******")
		if err := o.sleep(ctx, o.Config.SettleDelay); err != nil {
			return err
		}
		if o.night.Contains(o.day) {
			o.logf("Day condition (%s) matches a night condition, skipping", o.day)
		} else if err := o.captureCondition(ctx, o.day, exposures); err != nil {
			return err
		}
	} else {
		o.logf("Daytime dark processing is disabled")
		if err := o.sleep(ctx, o.Config.SettleDelay); err != nil {
			return err
		}
	}

	if o.Config.Cooling {
		o.Status.setState(StateCooldown)
		if err := o.Device.SetCooler(ctx, true); err != nil {
			return err
		}
		o.logf("****** WAITING UP TO %s FOR TARGET TEMPERATURE ******", o.Config.CoolingTimeout)
		err := o.Device.SetTemperature(ctx, o.Config.CoolingTarget, true, o.Config.CoolingTimeout)
		switch {
		case errors.Is(err, camera.ErrTimeout):
			o.logf("Target temperature %0.1f not reached, continuing at %0.1f", o.Config.CoolingTarget, o.thermo.Read(ctx))
		case err != nil:
			return err
		}
	}

	o.Status.setState(StateNight)
	for _, c := range o.night.List() {
		if err := o.captureCondition(ctx, c, exposures); err != nil {
			return err
		}
	}
	o.Status.addPass()
	return nil
}

func (o *Orchestrator) captureCondition(ctx context.Context, c camera.Condition, exposures []float64) error {
	if err := o.Device.Configure(ctx, c); err != nil {
		return err
	}
	for _, exp := range exposures {
		err := o.cycle(ctx, c, exp)
		switch {
		case errors.Is(err, ErrRetriesExhausted):
			o.logf("Skipping %0.1fs exposure at %s: %v", exp, c, err)
		case err != nil:
			return err
		}
	}
	return nil
}

// cycle produces and registers the master dark and bad pixel map of one
// condition and exposure.  The batch directory is removed on every path.
func (o *Orchestrator) cycle(ctx context.Context, c camera.Condition, exposure float64) error {
	start := time.Now()
	o.Status.setCycle(c, exposure, o.Config.Count)

	batch, err := NewBatch(o.Config.TempDir)
	if err != nil {
		return err
	}
	defer batch.Close()
	o.logf("Temp folder: %s", batch.Dir())

	if err := o.acq.Acquire(ctx, batch, exposure, c, o.Config.Count); err != nil {
		return err
	}

	opts := o.Config.Stack
	opts.Logger = o.Logger

	o.logf("Building bad pixel map for exposure %0.1fs, gain %d, bin %d", exposure, c.Gain, c.Binning)
	bpm, err := stack.BadPixelMap(batch, o.Config.HotPixelPercent, o.Config.BitMax, opts)
	if err != nil {
		return fmt.Errorf("building bad pixel map: %w", err)
	}

	o.logf("Stacking dark frames for exposure %0.1fs, gain %d, bin %d", exposure, c.Gain, c.Binning)
	dark, err := o.Config.Method.Combine(batch, opts)
	if err != nil {
		return fmt.Errorf("stacking dark frames: %w", err)
	}

	temp := o.thermo.Last()
	bits := o.info.Bits
	if bits == 0 {
		bits = dark.BitDepth
	}
	created := o.now()
	bpmPath := filepath.Join(o.Config.DarksDir, Filename(KindBPM, o.cameraID, bits, exposure, c, temp, created))
	darkPath := filepath.Join(o.Config.DarksDir, Filename(KindDark, o.cameraID, bits, exposure, c, temp, created))

	if err := fitsimg.WriteFile(bpmPath, bpm); err != nil {
		return err
	}
	if err := fitsimg.WriteFile(darkPath, dark); err != nil {
		os.Remove(bpmPath)
		return err
	}

	if err := o.register(ctx, bpmPath, darkPath, exposure, c, temp, dark.BitDepth, created); err != nil {
		os.Remove(bpmPath)
		os.Remove(darkPath)
		return err
	}

	o.Metrics.master(KindBPM)
	o.Metrics.master(KindDark)
	o.Metrics.cycle(time.Since(start))
	o.Status.setArtifact(darkPath)
	o.logf("Wrote %s", bpmPath)
	o.logf("Wrote %s", darkPath)
	return nil
}

func (o *Orchestrator) register(ctx context.Context, bpmPath, darkPath string, exposure float64, c camera.Condition, temp float64, bitpix int, created time.Time) error {
	if o.Registry == nil {
		return nil
	}
	md := registry.Metadata{
		CreateDate: created,
		BitDepth:   bitpix,
		Exposure:   exposure,
		Gain:       c.Gain,
		Binning:    c.Binning,
		Temp:       temp,
	}
	md.Type = registry.BadPixelMapFrame
	if err := o.Registry.AddBadPixelMap(ctx, bpmPath, o.cameraID, md); err != nil {
		return err
	}
	md.Type = registry.DarkFrame
	return o.Registry.AddDarkFrame(ctx, darkPath, o.cameraID, md)
}

// shutdown disables the cooler and closes the device.  A run that ended
// without error is marked done.
func (o *Orchestrator) shutdown(runErr *error) {
	o.Status.setState(StateShutdown)
	// ctx may be cancelled already, the cooler must still be turned off
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.Device.SetCooler(sctx, false); err != nil {
		o.logf("Unable to disable cooler: %v", err)
	}
	if err := o.Device.Close(); err != nil {
		o.logf("Error closing camera: %v", err)
	}
	if *runErr != nil && !errors.Is(*runErr, context.Canceled) {
		o.Status.fail(*runErr)
		return
	}
	o.Status.setState(StateDone)
}
