package temperature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultEnvVar is the environment variable that carries the output file
// path to the probe program
const DefaultEnvVar = "TEMP_JSON"

// DefaultProbeTimeout bounds the wall-clock time of one probe execution
const DefaultProbeTimeout = 3 * time.Second

// ErrUnavailable is matched by every probe failure.  Callers keep using the
// last known temperature when they see it.
var ErrUnavailable = errors.New("temperature unavailable")

// ProbeError describes why an external probe run failed
type ProbeError struct {
	Path string
	Msg  string
	Err  error
}

func (e *ProbeError) Error() string {
	s := fmt.Sprintf("temperature probe %s: %s", e.Path, e.Msg)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes the underlying cause
func (e *ProbeError) Unwrap() error { return e.Err }

// Is makes every ProbeError match ErrUnavailable
func (e *ProbeError) Is(target error) bool { return target == ErrUnavailable }

// Probe runs an external program to read a temperature.  The program is
// given the path of a JSON file in an environment variable and must write
// {"temp": <number>} to it before exiting zero.
type Probe struct {
	// Path is the program to run
	Path string

	// Timeout is the hard wall-clock limit; the process is killed after it.
	// Zero means DefaultProbeTimeout.
	Timeout time.Duration

	// EnvVar names the variable carrying the JSON path.  Empty means
	// DefaultEnvVar.
	EnvVar string

	// Limiter, if not nil, caps how often the program is spawned.  When a
	// run is denied the previous reading is returned.
	Limiter *rate.Limiter

	Logger *log.Logger

	mu    sync.Mutex
	last  Celsius
	valid bool
}

// NewProbe returns a probe for path that spawns the program at most once per
// minInterval.  A zero minInterval disables the limit.
func NewProbe(path string, timeout, minInterval time.Duration) *Probe {
	p := &Probe{Path: path, Timeout: timeout}
	if minInterval > 0 {
		p.Limiter = rate.NewLimiter(rate.Every(minInterval), 1)
	}
	return p
}

func (p *Probe) logf(format string, args ...interface{}) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (p *Probe) fail(msg string, err error) error {
	return &ProbeError{Path: p.Path, Msg: msg, Err: err}
}

// Read runs the probe and returns the temperature it reported
func (p *Probe) Read(ctx context.Context) (Celsius, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.valid && p.Limiter != nil && !p.Limiter.Allow() {
		return p.last, nil
	}

	p.logf("Running external script for temperature: %s", p.Path)
	if err := p.checkProgram(); err != nil {
		return 0, err
	}

	f, err := os.CreateTemp("", "indi-allsky-temp-*.json")
	if err != nil {
		return 0, p.fail("unable to create output file", err)
	}
	out := f.Name()
	f.Close()
	// the program creates the file; a stale empty file must not count as output
	os.Remove(out)
	defer os.Remove(out)

	timeout := p.Timeout
	if timeout == 0 {
		timeout = DefaultProbeTimeout
	}
	env := p.EnvVar
	if env == "" {
		env = DefaultEnvVar
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, p.Path)
	cmd.Env = []string{env + "=" + out}
	cmd.WaitDelay = time.Second
	err = cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return 0, p.fail("timed out", runCtx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return 0, p.fail("exited abnormally", err)
		}
		return 0, p.fail("failed to execute", err)
	}

	t, err := p.parse(out)
	if err != nil {
		return 0, err
	}
	p.last, p.valid = t, true
	return t, nil
}

func (p *Probe) checkProgram() error {
	fi, err := os.Stat(p.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return p.fail("does not exist", nil)
		}
		return p.fail("unable to stat", err)
	}
	if !fi.Mode().IsRegular() {
		return p.fail("is not a file", nil)
	}
	if fi.Size() == 0 {
		return p.fail("is empty", nil)
	}
	if fi.Mode().Perm()&0o111 == 0 {
		return p.fail("is not executable", nil)
	}
	return nil
}

func (p *Probe) parse(path string) (Celsius, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, p.fail("no output written", err)
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(b, &payload); err != nil {
		return 0, p.fail("error decoding json", err)
	}
	raw, ok := payload["temp"]
	if !ok {
		return 0, p.fail("returned incorrect data", nil)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return Celsius(f), nil
	}
	// a quoted number is accepted as well
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return Celsius(f), nil
		}
	}
	return 0, p.fail("returned a non-numerical value", nil)
}
