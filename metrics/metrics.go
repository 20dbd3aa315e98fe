package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Failure stages.
const (
	StageDecode  = "decode"
	StageSegment = "segment"
	StageSave    = "save"
	StageStore   = "store"
)

// Recorder holds the service's prometheus collectors.
type Recorder struct {
	registry  *prometheus.Registry
	processed *prometheus.CounterVec
	failures  *prometheus.CounterVec
	inference prometheus.Histogram
}

// NewRecorder registers the collectors on a fresh registry, together with the
// Go and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waste_images_processed_total",
			Help: "Images processed, by severity level.",
		}, []string{"severity"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waste_processing_failures_total",
			Help: "Processing failures, by pipeline stage.",
		}, []string{"stage"}),
		inference: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "waste_inference_duration_seconds",
			Help:    "Time spent in the segmentation model.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
	r.registry.MustRegister(
		r.processed,
		r.failures,
		r.inference,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry is what the /metrics handler gathers from.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) Processed(severity string) {
	r.processed.WithLabelValues(severity).Inc()
}

func (r *Recorder) Failed(stage string) {
	r.failures.WithLabelValues(stage).Inc()
}

func (r *Recorder) ObserveInference(d time.Duration) {
	r.inference.Observe(d.Seconds())
}
