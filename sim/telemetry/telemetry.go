// Package telemetry records per-run pipeline metrics in a private
// prometheus registry. A nil *Recorder is valid and records nothing, so
// library code can call it unconditionally.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder owns one run's metrics.
type Recorder struct {
	registry        *prometheus.Registry
	photonsSampled  prometheus.Counter
	elements        *prometheus.CounterVec
	projected       *prometheus.CounterVec
	detectorEvents  *prometheus.CounterVec
	backgroundCount *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
}

// NewRecorder creates a recorder with a fresh registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		photonsSampled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xraysim_photons_sampled_total",
			Help: "Photons drawn by the photon sampler",
		}),
		elements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xraysim_source_elements_flagged_total",
			Help: "Source elements skipped or clamped during sampling",
		}, []string{"reason"}),
		projected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xraysim_projected_photons_total",
			Help: "Photons entering sky projection, by outcome",
		}, []string{"outcome"}),
		detectorEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xraysim_detector_events_total",
			Help: "Events in the final event list, by origin",
		}, []string{"origin"}),
		backgroundCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xraysim_background_events_total",
			Help: "Synthesized background events, by component",
		}, []string{"component"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xraysim_stage_duration_seconds",
			Help:    "Wall time per pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"stage"}),
	}
	r.registry.MustRegister(r.photonsSampled, r.elements, r.projected, r.detectorEvents, r.backgroundCount, r.stageDuration)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// StageTimer starts timing a stage; call the returned func when it ends.
func (r *Recorder) StageTimer(stage string) func() {
	if r == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		r.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

// ObservePhotons records one sampling run.
func (r *Recorder) ObservePhotons(sampled, skipped, clamped int) {
	if r == nil {
		return
	}
	r.photonsSampled.Add(float64(sampled))
	r.elements.WithLabelValues("skipped").Add(float64(skipped))
	r.elements.WithLabelValues("clamped").Add(float64(clamped))
}

// ObserveProjection records how many photons survived absorption.
func (r *Recorder) ObserveProjection(in, kept int) {
	if r == nil {
		return
	}
	r.projected.WithLabelValues("kept").Add(float64(kept))
	r.projected.WithLabelValues("absorbed").Add(float64(in - kept))
}

// ObserveBackground records a synthesized component.
func (r *Recorder) ObserveBackground(component string, n int) {
	if r == nil {
		return
	}
	r.backgroundCount.WithLabelValues(component).Add(float64(n))
}

// ObserveDetector records the final event list composition.
func (r *Recorder) ObserveDetector(source, background int) {
	if r == nil {
		return
	}
	r.detectorEvents.WithLabelValues("source").Add(float64(source))
	r.detectorEvents.WithLabelValues("background").Add(float64(background))
}

// WriteTextfile writes the metrics in the text exposition format for a
// node-exporter textfile collector. The file is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}
