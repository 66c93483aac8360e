package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for the validations counter.
const (
	OutcomeValid   = "valid"
	OutcomeInvalid = "invalid"
	OutcomeError   = "error"
)

// Collector groups the service's Prometheus instruments. A nil Collector is
// a no-op, so call sites instrument unconditionally.
type Collector struct {
	validations       *prometheus.CounterVec
	failures          *prometheus.CounterVec
	inferenceDuration prometheus.Histogram
	modelsLoaded      prometheus.Gauge
}

// NewCollector registers the instruments with the given registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		validations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "image_validations_total",
			Help: "Validation results by outcome.",
		}, []string{"outcome"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "validation_failures_total",
			Help: "Validation failures by the operation that raised them.",
		}, []string{"operation"}),
		inferenceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "inference_duration_seconds",
			Help:    "Latency of the two-stage model inference.",
			Buckets: prometheus.DefBuckets,
		}),
		modelsLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "models_loaded",
			Help: "Whether the model artifacts are loaded (1) or not (0).",
		}),
	}
}

// ObserveValidation counts one finished validation.
func (c *Collector) ObserveValidation(outcome string) {
	if c == nil {
		return
	}
	c.validations.WithLabelValues(outcome).Inc()
}

// ObserveFailure counts one failure under the operation that raised it.
func (c *Collector) ObserveFailure(operation string) {
	if c == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	c.failures.WithLabelValues(operation).Inc()
}

// ObserveInference records one inference round trip.
func (c *Collector) ObserveInference(elapsed time.Duration) {
	if c == nil {
		return
	}
	c.inferenceDuration.Observe(elapsed.Seconds())
}

// SetModelsLoaded mirrors the health endpoint's models_loaded flag.
func (c *Collector) SetModelsLoaded(loaded bool) {
	if c == nil {
		return
	}
	if loaded {
		c.modelsLoaded.Set(1)
	} else {
		c.modelsLoaded.Set(0)
	}
}

// Handler exposes the registry in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
