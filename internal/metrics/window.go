// Package metrics derives service metrics from a bounded window of recent
// predictions and exports counters to Prometheus.
package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/Alias1177/leadscore/models"
)

// Observer is notified of every resolved or failed prediction.
type Observer interface {
	ObservePrediction(r models.PredictionResult)
	ObserveError(subjectID string)
}

// Observers fans out to several observers.
type Observers []Observer

func (o Observers) ObservePrediction(r models.PredictionResult) {
	for _, x := range o {
		x.ObservePrediction(r)
	}
}

func (o Observers) ObserveError(subjectID string) {
	for _, x := range o {
		x.ObserveError(subjectID)
	}
}

type sample struct {
	at         time.Time
	latencyMs  float64
	cached     bool
	confidence float64
}

type accuracySample struct {
	at       time.Time
	accuracy float64
}

// ring is a fixed-capacity buffer that overwrites its oldest element.
type ring[T any] struct {
	buf  []T
	next int
	full bool
}

func newRing[T any](size int) *ring[T] {
	return &ring[T]{buf: make([]T, size)}
}

func (r *ring[T]) add(v T) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring[T]) each(fn func(T)) {
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	for i := 0; i < n; i++ {
		fn(r.buf[i])
	}
}

// Window keeps at most size samples and ignores those older than span, so
// memory stays bounded regardless of traffic.
type Window struct {
	mu       sync.Mutex
	span     time.Duration
	samples  *ring[sample]
	accuracy *ring[accuracySample]
	errors   *ring[time.Time]
	now      func() time.Time
}

func NewWindow(size int, span time.Duration) *Window {
	if size <= 0 {
		size = 1000
	}
	if span <= 0 {
		span = 5 * time.Minute
	}
	return &Window{
		span:     span,
		samples:  newRing[sample](size),
		accuracy: newRing[accuracySample](size),
		errors:   newRing[time.Time](size),
		now:      time.Now,
	}
}

func (w *Window) ObservePrediction(r models.PredictionResult) {
	w.mu.Lock()
	w.samples.add(sample{
		at:         w.now(),
		latencyMs:  r.LatencyMs,
		cached:     r.Source == models.SourceCache,
		confidence: r.Confidence,
	})
	w.mu.Unlock()
}

func (w *Window) ObserveError(string) {
	w.mu.Lock()
	w.errors.add(w.now())
	w.mu.Unlock()
}

// ObserveFeedback records how close accepted feedback predictions were to
// the real outcome.
func (w *Window) ObserveFeedback(feedback []models.FeedbackRecord) {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, fb := range feedback {
		target := math.Max(0, math.Min(1, fb.ActualOutcome))
		if fb.FeedbackType == models.FeedbackRejection {
			target = 0
		}
		predicted := math.Max(0, math.Min(1, fb.PredictedScore/100))
		w.accuracy.add(accuracySample{at: now, accuracy: 1 - math.Abs(predicted-target)})
	}
}

// Snapshot computes the metrics over the current window.
func (w *Window) Snapshot(activeConnections int) models.Metrics {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.span)
	var n, hits, fresh int
	var latency, confidence float64
	w.samples.each(func(s sample) {
		if s.at.Before(cutoff) {
			return
		}
		n++
		latency += s.latencyMs
		if s.cached {
			hits++
		} else {
			fresh++
			confidence += s.confidence
		}
	})

	var accN int
	var acc float64
	w.accuracy.each(func(s accuracySample) {
		if s.at.Before(cutoff) {
			return
		}
		accN++
		acc += s.accuracy
	})

	m := models.Metrics{
		ActiveConnections: activeConnections,
		WindowSamples:     n,
		Window:            w.span,
		WindowMs:          w.span.Milliseconds(),
	}
	if n > 0 {
		m.PredictionsPerMinute = float64(n) / w.span.Minutes()
		m.AverageLatencyMs = latency / float64(n)
		m.CacheHitRate = float64(hits) / float64(n)
	}
	// Outcome feedback is the better accuracy signal; without it fall back
	// to the engine's own confidence.
	switch {
	case accN > 0:
		m.ModelAccuracy = acc / float64(accN)
	case fresh > 0:
		m.ModelAccuracy = confidence / float64(fresh)
	}
	return m
}

// Errors returns how many prediction errors fall inside the window.
func (w *Window) Errors() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := w.now().Add(-w.span)
	n := 0
	w.errors.each(func(t time.Time) {
		if !t.Before(cutoff) {
			n++
		}
	})
	return n
}
