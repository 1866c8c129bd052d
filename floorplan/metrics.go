package floorplan

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the solver and tracking Prometheus collectors. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	Solves     *prometheus.CounterVec
	Iterations prometheus.Histogram
	RMS        prometheus.Histogram
	Rejected   *prometheus.CounterVec
	Devices    prometheus.Gauge
}

// NewMetrics registers the collectors against reg, defaulting to the global
// Prometheus registry when nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	solves := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "floortrack_solves_total",
		Help: "Position solves, labeled by device and outcome (ok or the failure reason).",
	}, []string{"device", "outcome"})
	if err := register(reg, solves, "floortrack_solves_total"); err != nil {
		return nil, err
	}

	iterations := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "floortrack_solve_iterations",
		Help:    "Iterations used by successful solves.",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 55, 100},
	})
	if err := register(reg, iterations, "floortrack_solve_iterations"); err != nil {
		return nil, err
	}

	rms := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "floortrack_solve_rms_meters",
		Help:    "Residual RMS of successful solves in meters.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})
	if err := register(reg, rms, "floortrack_solve_rms_meters"); err != nil {
		return nil, err
	}

	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "floortrack_rejected_measurements_total",
		Help: "Measurements dropped before solving, labeled by reason.",
	}, []string{"reason"})
	if err := register(reg, rejected, "floortrack_rejected_measurements_total"); err != nil {
		return nil, err
	}

	devices := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "floortrack_tracked_devices",
		Help: "Devices with a current fix.",
	})
	if err := register(reg, devices, "floortrack_tracked_devices"); err != nil {
		return nil, err
	}

	return &Metrics{
		gatherer:   gatherer,
		Solves:     solves,
		Iterations: iterations,
		RMS:        rms,
		Rejected:   rejected,
		Devices:    devices,
	}, nil
}

// Handler exposes the metrics for scraping.
func (m *Metrics) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if m != nil && m.gatherer != nil {
		gatherer = m.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveFix records a successful solve
func (m *Metrics) ObserveFix(fix *Fix) {
	if m == nil || fix == nil {
		return
	}
	m.Solves.WithLabelValues(fix.DeviceID, "ok").Inc()
	m.Iterations.Observe(float64(fix.Iterations))
	m.RMS.Observe(fix.RMSError)
	for _, r := range fix.Rejected {
		m.Rejected.WithLabelValues(string(r.Reason)).Inc()
	}
}

// ObserveFailure records a failed solve with its reason
func (m *Metrics) ObserveFailure(deviceID, reason string) {
	if m == nil {
		return
	}
	m.Solves.WithLabelValues(deviceID, reason).Inc()
}

// ObserveRejected counts measurements dropped from a failed solve
func (m *Metrics) ObserveRejected(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Rejected.WithLabelValues(reason).Add(float64(n))
}

// SetTrackedDevices updates the tracked device gauge
func (m *Metrics) SetTrackedDevices(n int) {
	if m == nil {
		return
	}
	m.Devices.Set(float64(n))
}

func register(reg prometheus.Registerer, c prometheus.Collector, name string) error {
	if err := reg.Register(c); err != nil {
		return fmt.Errorf("registering %s: %w", name, err)
	}
	return nil
}
