package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/mattn/go-isatty"
	"github.com/theckman/yacspin"
	yml "gopkg.in/yaml.v2"

	"github.com/speetb/indi-allsky/camera"
	"github.com/speetb/indi-allsky/darks"
	"github.com/speetb/indi-allsky/indi"
	"github.com/speetb/indi-allsky/registry"
	"github.com/speetb/indi-allsky/server"
	"github.com/speetb/indi-allsky/stack"
	"github.com/speetb/indi-allsky/temperature"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "indi-allsky-darks.yml"
	k              *koanf.Koanf
)

func root() {
	str := `indi-allsky-darks builds the dark frame and bad pixel map library
of an all sky camera.  For every gain and binning the camera is used at
and every exposure of the schedule it takes a batch of dark exposures,
stacks them into a master dark and derives a bad pixel map.

Usage:
	indi-allsky-darks <command> [flags]

Commands:
	average        one pass, master darks are the average of the batch
	sigmaclip      one pass, master darks are sigma clipped means
	tempaverage    temperature calibrated passes with average
	tempsigmaclip  temperature calibrated passes with sigma clipping
	run            one pass with the configured method
	flush          delete every dark frame and bad pixel map
	help
	mkconf
	conf
	version

Flags:
	-config path               configuration file
	-count n                   frames per master
	-temp-delta c              temperature step of the calibrated passes
	-time-delta s              exposure schedule step
	-bitmax n                  effective bit depth of the hot pixel threshold
	-hotpixel-adu-percent p    hot pixel threshold in percent of full scale
	-no-daytime                skip the uncooled day pass`
	fmt.Println(str)
}

func help() {
	str := `indi-allsky-darks is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used.
The command mkconf generates the configuration file with the default values.
Command line flags override the file for the keys they name.

The camera is reached through indiserver at indi_server:indi_port.  If
indi_camera_name is empty the first CCD announced by the server is used.
indi_config_defaults holds property values written to the camera at connect,
for example

indi_config_defaults:
  CCD_CONTROLS:
    Offset: 10

With simulate: true no server is needed and a simulated sensor is used.

The day pass runs with the cooler off at the day gain.  The night pass runs at
the night and moon mode gains, after waiting up to cooling_timeout for ccd_temp
when ccd_cooling is set.  Cameras without a thermometer may report the sensor
temperature through ccd_temp_script, a program that writes {"temp": <celsius>}
to the file named by the TEMP_JSON environment variable.

The temperature calibrated commands run until interrupted.  After each pass
they wait for the sensor to cool by temp_delta and start another pass.

When status_addr is set, /status, /temperature and /metrics are served on it
while the run is in progress.`
	fmt.Println(str)
}

func mkconf() {
	c, err := unmarshal(k)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c, err := unmarshal(k)
	if err != nil {
		log.Fatal(err)
	}
	err = yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("indi-allsky-darks version %v\n", Version)
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || strings.Contains(err.Error(), "no such")
}

// parseFlags reads the flags following the command and returns the config
// keys of the flags that were given
func parseFlags(args []string) (map[string]interface{}, error) {
	set := flag.NewFlagSet("indi-allsky-darks", flag.ContinueOnError)
	cfgPath := set.String("config", ConfigFileName, "configuration file")
	count := set.Int("count", 0, "frames per master")
	tempDelta := set.Float64("temp-delta", 0, "temperature step of the calibrated passes")
	timeDelta := set.Int("time-delta", 0, "exposure schedule step")
	bitmax := set.Int("bitmax", 0, "effective bit depth of the hot pixel threshold")
	percent := set.Float64("hotpixel-adu-percent", 0, "hot pixel threshold in percent of full scale")
	noDaytime := set.Bool("no-daytime", false, "skip the uncooled day pass")
	if err := set.Parse(args); err != nil {
		return nil, err
	}

	overrides := map[string]interface{}{}
	set.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config":
			ConfigFileName = *cfgPath
		case "count":
			overrides["darks.count"] = *count
		case "temp-delta":
			overrides["darks.temp_delta"] = *tempDelta
		case "time-delta":
			overrides["darks.time_delta"] = *timeDelta
		case "bitmax":
			overrides["darks.bitmax"] = *bitmax
		case "hotpixel-adu-percent":
			overrides["darks.hotpixel_adu_percent"] = *percent
		case "no-daytime":
			overrides["darks.daytime"] = !*noDaytime
		}
	})
	if set.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments %v", set.Args())
	}
	return overrides, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openDevice(cfg config) camera.Device {
	if cfg.Simulate {
		log.Println("Using the simulated camera")
		m := camera.NewMock(640, 480)
		m.HotPixels = []int{1000, 64000, 200000}
		return m
	}
	c := indi.NewClient(cfg.indiAddr(), cfg.IndiCameraName)
	c.Defaults = cfg.IndiConfigDefaults
	return c
}

// spin mirrors the orchestrator state on a console spinner until ctx is done
func spin(ctx context.Context, status *darks.Status) (stop func(failed bool)) {
	noop := func(bool) {}
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return noop
	}
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " ",
		SuffixAutoColon:   true,
		Message:           string(darks.StateIdle),
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Printf("spinner unavailable: %v", err)
		return noop
	}
	if err := spinner.Start(); err != nil {
		log.Printf("spinner unavailable: %v", err)
		return noop
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				spinner.Message(describe(status.Snapshot()))
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func(failed bool) {
		close(done)
		snap := status.Snapshot()
		if failed {
			spinner.StopFailMessage(snap.Err)
			spinner.StopFail()
			return
		}
		spinner.StopMessage(fmt.Sprintf("%d passes", snap.Passes))
		spinner.Stop()
	}
}

func describe(s darks.Snapshot) string {
	switch s.State {
	case darks.StateDay, darks.StateNight:
		return fmt.Sprintf("%s %s, %gs, frame %d/%d, %0.1fC", s.State, s.Condition, s.Exposure, s.Frame, s.Frames, s.Temperature)
	case darks.StateWaiting:
		return fmt.Sprintf("%s %0.1fC, next at %0.1fC", s.State, s.Temperature, s.Threshold)
	}
	return string(s.State)
}

func run(method string, calibrated bool) {
	cfg, err := unmarshal(k)
	if err != nil {
		log.Fatal(err)
	}
	if method != "" {
		cfg.Darks.Method = method
	}
	dcfg, err := cfg.runConfig()
	if err != nil {
		log.Fatal(err)
	}
	probeTimeout, err := cfg.probeTimeout()
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		log.Fatal(err)
	}
	db, err := registry.Open(cfg.DBPath)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	status := darks.NewStatus()
	o := &darks.Orchestrator{
		Config:   dcfg,
		Device:   openDevice(cfg),
		Registry: db,
		Metrics:  darks.NewMetrics(nil),
		Status:   status,
	}
	if cfg.CCDTempScript != "" {
		o.Probe = temperature.NewProbe(cfg.CCDTempScript, probeTimeout, dcfg.PollInterval/2)
	}

	if cfg.StatusAddr != "" {
		go func() {
			log.Println("now listening for requests at ", cfg.StatusAddr)
			if err := server.ListenAndServe(ctx, cfg.StatusAddr, server.NewRouter(status, nil)); err != nil {
				log.Println("status server stopped:", err)
			}
		}()
	}

	stop := spin(ctx, status)
	if calibrated {
		err = o.RunTemperatureCalibrated(ctx)
	} else {
		err = o.Run(ctx)
	}
	failed := err != nil && !errors.Is(err, context.Canceled)
	stop(failed)
	if failed {
		db.Close()
		log.Fatal(err)
	}
}

func flush() {
	cfg, err := unmarshal(k)
	if err != nil {
		log.Fatal(err)
	}
	delay, err := cfg.flushDelay()
	if err != nil {
		log.Fatal(err)
	}
	ctx, cancel := signalContext()
	defer cancel()

	db, err := registry.Open(cfg.DBPath)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()
	if err := db.Flush(ctx, delay); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Println("flush cancelled")
			return
		}
		db.Close()
		log.Fatal(err)
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd = strings.ToLower(args[1])
	switch cmd {
	case "help":
		help()
		return
	case "version":
		pversion()
		return
	}

	overrides, err := parseFlags(args[2:])
	if err != nil {
		log.Fatal(err)
	}
	k, err = loadConfig(ConfigFileName, overrides)
	if err != nil {
		log.Fatal(err)
	}

	switch cmd {
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run("", false)
	case "average":
		run(stack.Average.String(), false)
	case "sigmaclip":
		run(stack.SigmaClip.String(), false)
	case "tempaverage":
		run(stack.Average.String(), true)
	case "tempsigmaclip":
		run(stack.SigmaClip.String(), true)
	case "flush":
		flush()
	default:
		log.Fatal("unknown command")
	}
}
