package darks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speetb/indi-allsky/camera"
	"github.com/speetb/indi-allsky/fitsimg"
	"github.com/speetb/indi-allsky/registry"
)

type registered struct {
	path     string
	cameraID int64
	md       registry.Metadata
}

type fakeRegistry struct {
	mu      sync.Mutex
	cameras []camera.Info
	darks   []registered
	bpms    []registered
}

func (r *fakeRegistry) AddCamera(ctx context.Context, info camera.Info) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cameras = append(r.cameras, info)
	return 7, nil
}

func (r *fakeRegistry) AddDarkFrame(ctx context.Context, filename string, cameraID int64, md registry.Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.darks = append(r.darks, registered{filename, cameraID, md})
	return nil
}

func (r *fakeRegistry) AddBadPixelMap(ctx context.Context, filename string, cameraID int64, md registry.Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bpms = append(r.bpms, registered{filename, cameraID, md})
	return nil
}

func (r *fakeRegistry) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.darks), len(r.bpms)
}

func writeProbe(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o755))
	return p
}

var fixedTime = time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)

type harness struct {
	o       *Orchestrator
	mock    *camera.Mock
	reg     *fakeRegistry
	tempDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	m := camera.NewMock(8, 4)
	m.Dir = t.TempDir()
	m.Logger = quietLog
	m.HotPixels = []int{3}

	cfg := DefaultConfig()
	cfg.Count = 3
	cfg.ExposureMax = 6
	cfg.Day = camera.Condition{Gain: 0, Binning: 1}
	cfg.Night = camera.Condition{Gain: 100, Binning: 1}
	cfg.MoonMode = camera.Condition{Gain: 100, Binning: 1}
	cfg.SettleDelay = 0
	cfg.DeliveryTimeout = 200 * time.Millisecond
	cfg.ExposeTimeout = 10 * time.Second
	cfg.PollInterval = 5 * time.Millisecond
	cfg.DarksDir = t.TempDir()
	cfg.TempDir = t.TempDir()

	reg := &fakeRegistry{}
	return &harness{
		o: &Orchestrator{
			Config:   cfg,
			Device:   m,
			Registry: reg,
			Logger:   quietLog,
			Status:   NewStatus(),
			Now:      func() time.Time { return fixedTime },
		},
		mock:    m,
		reg:     reg,
		tempDir: cfg.TempDir,
	}
}

func (h *harness) assertNoLeftovers(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "batch directories must be removed")
}

func TestRunOneShot(t *testing.T) {
	h := newHarness(t)
	h.o.Config.Cooling = true
	h.o.Config.CoolingTarget = -10

	require.NoError(t, h.o.Run(context.Background()))

	// day plus one night condition, exposures 6, 5, 1
	darks, bpms := h.reg.counts()
	assert.Equal(t, 6, darks)
	assert.Equal(t, 6, bpms)
	assert.Equal(t, 18, countCalls(h.mock, "expose"))
	h.assertNoLeftovers(t)

	for _, d := range h.reg.darks {
		assert.Equal(t, registry.DarkFrame, d.md.Type)
		assert.Equal(t, int64(7), d.cameraID)
		assert.True(t, strings.HasPrefix(filepath.Base(d.path), "dark_ccd7_16bit_"), d.path)
	}
	for _, b := range h.reg.bpms {
		assert.Equal(t, registry.BadPixelMapFrame, b.md.Type)
		assert.True(t, strings.HasPrefix(filepath.Base(b.path), "bpm_ccd7_16bit_"), b.path)
	}

	first := h.reg.darks[0]
	assert.Equal(t, "dark_ccd7_16bit_6s_gain0_bin1_20c_20230102_030405.fit", filepath.Base(first.path))
	last := h.reg.darks[len(h.reg.darks)-1]
	assert.Equal(t, "dark_ccd7_16bit_1s_gain100_bin1_-10c_20230102_030405.fit", filepath.Base(last.path))
	assert.Equal(t, -10.0, last.md.Temp)
	assert.Equal(t, 16, last.md.BitDepth)

	dark, err := fitsimg.ReadFile(first.path)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, int(dark.Pix[0]), 112)
	assert.LessOrEqual(t, int(dark.Pix[0]), 120)

	bpm, err := fitsimg.ReadFile(h.reg.bpms[0].path)
	require.NoError(t, err)
	assert.EqualValues(t, 60000, bpm.Pix[3])
	assert.EqualValues(t, 0, bpm.Pix[0])

	calls := h.mock.Calls()
	assert.Contains(t, calls, "cooler false")
	assert.Contains(t, calls, "cooler true")
	assert.Contains(t, calls, "temperature -10.0")
	assert.Equal(t, "close", calls[len(calls)-1])
	assert.Equal(t, StateDone, h.o.Status.Snapshot().State)
	assert.Equal(t, 1, h.o.Status.Snapshot().Passes)
}

func TestRunSkipsDayMatchingNight(t *testing.T) {
	h := newHarness(t)
	h.o.Config.Day = camera.Condition{Gain: 100, Binning: 1}

	require.NoError(t, h.o.Run(context.Background()))
	darks, _ := h.reg.counts()
	assert.Equal(t, 3, darks, "a shared condition is captured once")
}

func TestRunNightOnly(t *testing.T) {
	h := newHarness(t)
	h.o.Config.Daytime = false
	h.o.Config.MoonMode = camera.Condition{Gain: 50, Binning: 2}

	require.NoError(t, h.o.Run(context.Background()))
	darks, _ := h.reg.counts()
	assert.Equal(t, 6, darks)
	assert.Contains(t, h.mock.Calls(), "configure 50 2")
	assert.NotContains(t, h.mock.Calls(), "configure 0 1")
}

func TestRunClampsGain(t *testing.T) {
	h := newHarness(t)
	h.o.Config.Daytime = false
	h.o.Config.Night = camera.Condition{Gain: 500, Binning: 1}
	h.o.Config.MoonMode = camera.Condition{Gain: 500, Binning: 1}
	h.o.Config.ExposureMax = 1

	require.NoError(t, h.o.Run(context.Background()))
	assert.Contains(t, h.mock.Calls(), "configure 300 1")
	require.Len(t, h.reg.darks, 1)
	assert.Equal(t, 300, h.reg.darks[0].md.Gain)
}

func TestRunSkipsExhaustedCycle(t *testing.T) {
	h := newHarness(t)
	h.o.Config.Daytime = false
	h.o.Config.Count = 1
	h.o.Config.MaxBadFrames = 1
	h.mock.Faults = []camera.Fault{camera.FaultEmpty, camera.FaultEmpty}

	require.NoError(t, h.o.Run(context.Background()))

	darks, bpms := h.reg.counts()
	assert.Equal(t, 2, darks, "the 6s cycle is skipped")
	assert.Equal(t, 2, bpms)
	for _, d := range h.reg.darks {
		assert.NotContains(t, d.path, "_6s_")
	}
	h.assertNoLeftovers(t)
}

func TestRunDeliveryTimeoutAborts(t *testing.T) {
	h := newHarness(t)
	h.mock.Faults = []camera.Fault{camera.FaultNone, camera.FaultStall}

	err := h.o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, camera.ErrTimeout), "got %v", err)

	darks, bpms := h.reg.counts()
	assert.Zero(t, darks, "no partial stack is persisted")
	assert.Zero(t, bpms)
	entries, err := os.ReadDir(h.o.Config.DarksDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	h.assertNoLeftovers(t)

	calls := h.mock.Calls()
	assert.Equal(t, "close", calls[len(calls)-1])
	assert.Equal(t, "cooler false", calls[len(calls)-2])
	snap := h.o.Status.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.NotEmpty(t, snap.Err)
}

func TestRunWarmsUpBeforeConfigure(t *testing.T) {
	h := newHarness(t)
	h.mock.Info.Driver = "indi_rpicam"
	h.o.Config.Daytime = false
	h.o.Config.ExposureMax = 1

	require.NoError(t, h.o.Run(context.Background()))

	calls := h.mock.Calls()
	warm, configure := -1, -1
	for i, c := range calls {
		if c == "expose 7" && warm < 0 {
			warm = i
		}
		if strings.HasPrefix(c, "configure") && configure < 0 {
			configure = i
		}
	}
	require.NotEqual(t, -1, warm, "no throw away exposure in %v", calls)
	require.NotEqual(t, -1, configure)
	assert.Less(t, warm, configure)
	assert.Equal(t, 1, countCalls(h.mock, "expose 7"))

	_, err := os.Stat(filepath.Join(h.mock.Dir, "mock_000001.fit"))
	assert.True(t, os.IsNotExist(err), "the throw away frame is removed")
	darks, _ := h.reg.counts()
	assert.Equal(t, 1, darks)
}

func TestRunWarmUpNotDelivered(t *testing.T) {
	h := newHarness(t)
	h.mock.Info.Driver = "indi_rpicam"
	h.mock.Faults = []camera.Fault{camera.FaultStall}

	err := h.o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, camera.ErrTimeout), "got %v", err)
	assert.Contains(t, err.Error(), "throw away exposure")

	darks, bpms := h.reg.counts()
	assert.Zero(t, darks)
	assert.Zero(t, bpms)
	assert.Equal(t, 1, countCalls(h.mock, "expose"))
	assert.Zero(t, countCalls(h.mock, "configure"))
	h.assertNoLeftovers(t)

	calls := h.mock.Calls()
	assert.Equal(t, "close", calls[len(calls)-1])
	assert.Equal(t, "cooler false", calls[len(calls)-2])
	assert.Equal(t, StateFailed, h.o.Status.Snapshot().State)
}

type refusingRegistry struct {
	fakeRegistry
}

func (r *refusingRegistry) AddCamera(ctx context.Context, info camera.Info) (int64, error) {
	return 0, errors.New("database is locked")
}

func TestRunClosesDeviceWhenInitFails(t *testing.T) {
	h := newHarness(t)
	h.o.Registry = &refusingRegistry{}

	err := h.o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registering camera")

	calls := h.mock.Calls()
	assert.Equal(t, []string{"connect", "close"}, calls)
	assert.Zero(t, countCalls(h.mock, "expose"))
	assert.Equal(t, StateFailed, h.o.Status.Snapshot().State)
}

func TestValidateExposeTimeout(t *testing.T) {
	c := DefaultConfig()
	c.ExposureMax = 30
	c.ExposeTimeout = 30 * time.Second
	assert.Error(t, c.Validate(), "the timeout must exceed the longest exposure")

	c.ExposeTimeout = 31 * time.Second
	assert.NoError(t, c.Validate())

	c.ExposeTimeout = 0
	c.ExposureMax = DefaultExposeTimeout.Seconds()
	assert.Error(t, c.Validate(), "the default timeout is checked too")
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	h := newHarness(t)
	h.o.Config.BitMax = 9
	err := h.o.Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, h.mock.Calls(), "the device is not touched")
}

func TestRunNamesAreRepeatable(t *testing.T) {
	names := func(now time.Time) []string {
		h := newHarness(t)
		h.o.Config.Daytime = false
		h.o.Now = func() time.Time { return now }
		require.NoError(t, h.o.Run(context.Background()))
		var out []string
		for _, d := range h.reg.darks {
			out = append(out, filepath.Base(d.path))
		}
		return out
	}
	a := names(fixedTime)
	b := names(fixedTime.Add(26 * time.Hour))
	require.Equal(t, len(a), len(b))
	stamp := len("20230102_030405.fit")
	for i := range a {
		assert.NotEqual(t, a[i], b[i])
		assert.Equal(t, a[i][:len(a[i])-stamp], b[i][:len(b[i])-stamp])
	}
}

func TestRunTemperatureCalibrated(t *testing.T) {
	h := newHarness(t)
	h.o.Config.ExposureMax = 1
	h.o.Config.Daytime = true

	var temp atomic.Value
	temp.Store(20.0)
	h.mock.TempFunc = func() float64 { return temp.Load().(float64) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		wait := func(passes int) bool {
			for ctx.Err() == nil {
				if h.o.Status.Snapshot().Passes >= passes {
					return true
				}
				time.Sleep(2 * time.Millisecond)
			}
			return false
		}
		if !wait(1) {
			return
		}
		temp.Store(14.0)
		if !wait(2) {
			return
		}
		cancel()
	}()

	err := h.o.RunTemperatureCalibrated(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	require.Len(t, h.reg.darks, 2)
	assert.Contains(t, filepath.Base(h.reg.darks[0].path), "_gain100_bin1_20c_")
	assert.Contains(t, filepath.Base(h.reg.darks[1].path), "_gain100_bin1_14c_")
	assert.NotContains(t, h.mock.Calls(), "configure 0 1", "day captures are disabled")
	assert.Equal(t, 10.0, h.o.Status.Snapshot().Threshold)
	assert.Equal(t, "close", h.mock.Calls()[len(h.mock.Calls())-1])
	h.assertNoLeftovers(t)
}
