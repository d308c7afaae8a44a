package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	"github.com/speetb/indi-allsky/camera"
	"github.com/speetb/indi-allsky/darks"
	"github.com/speetb/indi-allsky/stack"
)

type ccdConfig struct {
	Day      camera.Condition `koanf:"day" yaml:"day"`
	Night    camera.Condition `koanf:"night" yaml:"night"`
	MoonMode camera.Condition `koanf:"moonmode" yaml:"moonmode"`
}

type darksConfig struct {
	Count           int     `koanf:"count" yaml:"count"`
	TempDelta       float64 `koanf:"temp_delta" yaml:"temp_delta"`
	TimeDelta       int     `koanf:"time_delta" yaml:"time_delta"`
	BitMax          int     `koanf:"bitmax" yaml:"bitmax"`
	HotPixelPercent float64 `koanf:"hotpixel_adu_percent" yaml:"hotpixel_adu_percent"`
	Daytime         bool    `koanf:"daytime" yaml:"daytime"`
	Method          string  `koanf:"method" yaml:"method"`
	MaxBadFrames    int     `koanf:"max_bad_frames" yaml:"max_bad_frames"`
	SigmaLow        float64 `koanf:"sigma_low" yaml:"sigma_low"`
	SigmaHigh       float64 `koanf:"sigma_high" yaml:"sigma_high"`
	SigmaIters      int     `koanf:"sigma_iters" yaml:"sigma_iters"`
	MemLimit        int64   `koanf:"mem_limit" yaml:"mem_limit"`
	TempDir         string  `koanf:"temp_dir" yaml:"temp_dir"`

	// durations are written the way time.ParseDuration reads them
	PollInterval    string `koanf:"poll_interval" yaml:"poll_interval"`
	CoolingTimeout  string `koanf:"cooling_timeout" yaml:"cooling_timeout"`
	ExposeTimeout   string `koanf:"expose_timeout" yaml:"expose_timeout"`
	DeliveryTimeout string `koanf:"delivery_timeout" yaml:"delivery_timeout"`
	ProbeTimeout    string `koanf:"probe_timeout" yaml:"probe_timeout"`
	FlushDelay      string `koanf:"flush_delay" yaml:"flush_delay"`
}

type config struct {
	IndiServer         string                            `koanf:"indi_server" yaml:"indi_server"`
	IndiPort           int                               `koanf:"indi_port" yaml:"indi_port"`
	IndiCameraName     string                            `koanf:"indi_camera_name" yaml:"indi_camera_name"`
	IndiConfigDefaults map[string]map[string]interface{} `koanf:"indi_config_defaults" yaml:"indi_config_defaults"`

	CCDExposureMax float64   `koanf:"ccd_exposure_max" yaml:"ccd_exposure_max"`
	CCDConfig      ccdConfig `koanf:"ccd_config" yaml:"ccd_config"`
	CCDCooling     bool      `koanf:"ccd_cooling" yaml:"ccd_cooling"`
	CCDTemp        float64   `koanf:"ccd_temp" yaml:"ccd_temp"`
	CCDTempScript  string    `koanf:"ccd_temp_script" yaml:"ccd_temp_script"`
	CFAPattern     string    `koanf:"cfa_pattern" yaml:"cfa_pattern"`

	ImageFolder string `koanf:"image_folder" yaml:"image_folder"`
	DBPath      string `koanf:"db_path" yaml:"db_path"`
	StatusAddr  string `koanf:"status_addr" yaml:"status_addr"`
	Simulate    bool   `koanf:"simulate" yaml:"simulate"`

	Darks darksConfig `koanf:"darks" yaml:"darks"`
}

func defaultConfig() config {
	d := darks.DefaultConfig()
	return config{
		IndiServer:         "localhost",
		IndiPort:           7624,
		IndiConfigDefaults: map[string]map[string]interface{}{},
		CCDExposureMax:     d.ExposureMax,
		CCDConfig: ccdConfig{
			Day:      d.Day,
			Night:    d.Night,
			MoonMode: d.MoonMode,
		},
		CCDTemp:     d.CoolingTarget,
		ImageFolder: "/var/www/html/allsky/images",
		DBPath:      "/var/lib/indi-allsky/indi-allsky.sqlite",
		StatusAddr:  "",
		Darks: darksConfig{
			Count:           d.Count,
			TempDelta:       d.TempDelta,
			TimeDelta:       d.TimeDelta,
			BitMax:          0,
			HotPixelPercent: d.HotPixelPercent,
			Daytime:         d.Daytime,
			Method:          d.Method.String(),
			MaxBadFrames:    d.MaxBadFrames,
			SigmaLow:        stack.DefaultSigma,
			SigmaHigh:       stack.DefaultSigma,
			SigmaIters:      stack.DefaultMaxIters,
			MemLimit:        stack.DefaultMemLimit,
			PollInterval:    d.PollInterval.String(),
			CoolingTimeout:  d.CoolingTimeout.String(),
			ExposeTimeout:   d.ExposeTimeout.String(),
			DeliveryTimeout: d.DeliveryTimeout.String(),
			ProbeTimeout:    "3s",
			FlushDelay:      "10s",
		},
	}
}

// loadConfig layers the defaults, the file at path (optional) and the
// overrides, in that order
func loadConfig(path string, overrides map[string]interface{}) (*koanf.Koanf, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, err
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !isNotExist(err) {
				return nil, fmt.Errorf("error loading config: %w", err)
			}
		}
	}
	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, err
		}
	}
	return k, nil
}

func unmarshal(k *koanf.Koanf) (config, error) {
	c := config{}
	err := k.Unmarshal("", &c)
	return c, err
}

func parseDurations(dst []*time.Duration, src []string, names []string) error {
	for i := range dst {
		d, err := time.ParseDuration(src[i])
		if err != nil {
			return fmt.Errorf("darks.%s: %w", names[i], err)
		}
		*dst[i] = d
	}
	return nil
}

// runConfig converts the file configuration to the orchestrator's
func (c config) runConfig() (darks.Config, error) {
	d := darks.DefaultConfig()
	d.Count = c.Darks.Count
	d.TimeDelta = c.Darks.TimeDelta
	d.TempDelta = c.Darks.TempDelta
	d.BitMax = c.Darks.BitMax
	d.HotPixelPercent = c.Darks.HotPixelPercent
	d.Daytime = c.Darks.Daytime
	d.MaxBadFrames = c.Darks.MaxBadFrames
	d.ExposureMax = c.CCDExposureMax
	d.Day = c.CCDConfig.Day
	d.Night = c.CCDConfig.Night
	d.MoonMode = c.CCDConfig.MoonMode
	d.Cooling = c.CCDCooling
	d.CoolingTarget = c.CCDTemp
	d.CFA = c.CFAPattern
	d.DarksDir = filepath.Join(c.ImageFolder, "darks")
	d.TempDir = c.Darks.TempDir
	d.Stack = stack.Options{
		SigmaLow:  c.Darks.SigmaLow,
		SigmaHigh: c.Darks.SigmaHigh,
		MaxIters:  c.Darks.SigmaIters,
		MemLimit:  c.Darks.MemLimit,
	}

	m, err := stack.ParseMethod(c.Darks.Method)
	if err != nil {
		return d, err
	}
	d.Method = m

	err = parseDurations(
		[]*time.Duration{&d.PollInterval, &d.CoolingTimeout, &d.ExposeTimeout, &d.DeliveryTimeout},
		[]string{c.Darks.PollInterval, c.Darks.CoolingTimeout, c.Darks.ExposeTimeout, c.Darks.DeliveryTimeout},
		[]string{"poll_interval", "cooling_timeout", "expose_timeout", "delivery_timeout"})
	if err != nil {
		return d, err
	}
	return d, d.Validate()
}

func (c config) probeTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Darks.ProbeTimeout)
}

func (c config) flushDelay() (time.Duration, error) {
	return time.ParseDuration(c.Darks.FlushDelay)
}

func (c config) indiAddr() string {
	return fmt.Sprintf("%s:%d", c.IndiServer, c.IndiPort)
}
