package darks

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus instruments of a calibration run.  A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	frames        prometheus.Counter
	badFrames     prometheus.Counter
	masters       *prometheus.CounterVec
	temperature   prometheus.Gauge
	cycleDuration prometheus.Histogram
}

// NewMetrics creates the instruments and registers them with reg.  A nil
// reg registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "darks_frames_total",
			Help: "Total count of valid dark exposures added to a batch.",
		}),
		badFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "darks_bad_frames_total",
			Help: "Total count of delivered frames rejected as unreadable.",
		}),
		masters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "darks_masters_total",
			Help: "Total count of master frames written by kind.",
		}, []string{"kind"}),
		temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "darks_sensor_temperature_celsius",
			Help: "Last sensor temperature read.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "darks_cycle_duration_seconds",
			Help:    "Histogram of the duration of one condition and exposure cycle.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
	}
	reg.MustRegister(m.frames, m.badFrames, m.masters, m.temperature, m.cycleDuration)
	return m
}

func (m *Metrics) frame() {
	if m == nil {
		return
	}
	m.frames.Inc()
}

func (m *Metrics) badFrame() {
	if m == nil {
		return
	}
	m.badFrames.Inc()
}

func (m *Metrics) master(k Kind) {
	if m == nil {
		return
	}
	m.masters.WithLabelValues(string(k)).Inc()
}

func (m *Metrics) sensorTemperature(c float64) {
	if m == nil {
		return
	}
	m.temperature.Set(c)
}

func (m *Metrics) cycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
}
