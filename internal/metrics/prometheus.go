package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Alias1177/leadscore/internal/events"
	"github.com/Alias1177/leadscore/models"
)

// Collector exports prediction counters to Prometheus. It is also an event
// sink so every emitted event is counted by name.
type Collector struct {
	predictions   *prometheus.CounterVec
	errors        prometheus.Counter
	latency       prometheus.Histogram
	activeStreams prometheus.Gauge
	events        *prometheus.CounterVec
}

// NewCollector creates and registers the collectors with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadscore",
			Subsystem: "predictor",
			Name:      "predictions_total",
			Help:      "Total number of resolved predictions by source",
		}, []string{"source"}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "leadscore",
			Subsystem: "predictor",
			Name:      "prediction_errors_total",
			Help:      "Total number of failed predictions",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "leadscore",
			Subsystem: "predictor",
			Name:      "prediction_latency_seconds",
			Help:      "Prediction latency from request entry to result",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "leadscore",
			Subsystem: "stream",
			Name:      "active_streams",
			Help:      "Current number of active prediction streams",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadscore",
			Name:      "events_total",
			Help:      "Total number of emitted service events by name",
		}, []string{"event"}),
	}

	for _, col := range []prometheus.Collector{c.predictions, c.errors, c.latency, c.activeStreams, c.events} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) ObservePrediction(r models.PredictionResult) {
	c.predictions.WithLabelValues(string(r.Source)).Inc()
	c.latency.Observe(r.LatencyMs / 1000)
}

func (c *Collector) ObserveError(string) {
	c.errors.Inc()
}

// SetActiveStreams updates the active stream gauge.
func (c *Collector) SetActiveStreams(n int) {
	c.activeStreams.Set(float64(n))
}

// Handle counts events; it makes Collector usable as an events.Sink.
func (c *Collector) Handle(_ context.Context, ev events.Event) error {
	c.events.WithLabelValues(string(ev.Name)).Inc()
	return nil
}
