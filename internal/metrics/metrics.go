// Package metrics exposes Prometheus instrumentation for forward passes and
// experiment phases.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Experiment phases.
const (
	PhaseBaseline = "baseline"
	PhaseCapture  = "capture"
	PhasePatch    = "patch"
	PhaseAblation = "ablation"
)

var (
	PhaseRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lens_phase_runs_total",
		Help: "Experiment phases executed, by phase",
	}, []string{"phase"})

	PhaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lens_phase_errors_total",
		Help: "Experiment phases that returned an error, by phase",
	}, []string{"phase"})

	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lens_phase_duration_seconds",
		Help:    "Wall time of experiment phases",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	CapturedActivations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lens_captured_activations_total",
		Help: "Activations recorded into caches",
	})

	GridPointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lens_grid_points_total",
		Help: "Patch sweep grid points evaluated",
	})

	InstalledHooks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lens_installed_hooks",
		Help: "Hooks installed on a model after the last phase, by model label",
	}, []string{"model"})
)

// RecordPhase counts one run of phase and observes its duration.
func RecordPhase(phase string, d time.Duration, err error) {
	PhaseRunsTotal.WithLabelValues(phase).Inc()
	PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
	if err != nil {
		PhaseErrorsTotal.WithLabelValues(phase).Inc()
	}
}

// RecordCapture counts captured activations.
func RecordCapture(n int) {
	CapturedActivations.Add(float64(n))
}

// RecordGridPoint counts one evaluated sweep grid point.
func RecordGridPoint() {
	GridPointsTotal.Inc()
}

// RecordInstalledHooks publishes the number of hooks left installed on a
// model; anything other than zero between experiments is a leak.
func RecordInstalledHooks(model string, n int) {
	InstalledHooks.WithLabelValues(model).Set(float64(n))
}
