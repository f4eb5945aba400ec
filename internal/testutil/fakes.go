// Package testutil provides in-memory fakes of the service's collaborators.
package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Alias1177/leadscore/models"
)

// ErrScorerDown is the default failure returned by FakeScorer.
var ErrScorerDown = errors.New("scoring engine unavailable")

// FakeScorer returns a fixed score after an optional delay and records
// call and concurrency counts. Failures can be toggled at runtime.
type FakeScorer struct {
	Delay      time.Duration
	Value      float64
	Confidence float64

	mu          sync.Mutex
	err         error
	pingErr     error
	trainErr    error
	improvement float64
	trained     [][]models.FeedbackRecord
	bySubject   map[string]int
	delays      map[string]time.Duration

	calls       atomic.Int64
	inflight    atomic.Int64
	maxInflight atomic.Int64
}

// NewFakeScorer creates a scorer returning value and confidence after delay.
func NewFakeScorer(delay time.Duration, value, confidence float64) *FakeScorer {
	return &FakeScorer{
		Delay:      delay,
		Value:      value,
		Confidence: confidence,
		bySubject:  make(map[string]int),
		delays:     make(map[string]time.Duration),
	}
}

func (f *FakeScorer) Score(ctx context.Context, subjectID string, _ models.FeatureRecord) (models.Score, error) {
	f.calls.Add(1)
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		cur := f.maxInflight.Load()
		if n <= cur || f.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	f.bySubject[subjectID]++
	delay, ok := f.delays[subjectID]
	f.mu.Unlock()
	if !ok {
		delay = f.Delay
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return models.Score{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.Score{}, f.err
	}
	return models.Score{Value: f.Value, Confidence: f.Confidence}, nil
}

// Train records the feedback and returns the configured improvement.
func (f *FakeScorer) Train(_ context.Context, feedback []models.FeedbackRecord) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trainErr != nil {
		return 0, f.trainErr
	}
	cp := make([]models.FeedbackRecord, len(feedback))
	copy(cp, feedback)
	f.trained = append(f.trained, cp)
	return f.improvement, nil
}

func (f *FakeScorer) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *FakeScorer) SetErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *FakeScorer) SetPingErr(err error) {
	f.mu.Lock()
	f.pingErr = err
	f.mu.Unlock()
}

func (f *FakeScorer) SetTrainResult(improvement float64, err error) {
	f.mu.Lock()
	f.improvement = improvement
	f.trainErr = err
	f.mu.Unlock()
}

// SetDelayFor overrides Delay for one subject.
func (f *FakeScorer) SetDelayFor(subjectID string, d time.Duration) {
	f.mu.Lock()
	f.delays[subjectID] = d
	f.mu.Unlock()
}

func (f *FakeScorer) SetValue(v float64) {
	f.mu.Lock()
	f.Value = v
	f.mu.Unlock()
}

// Trained returns every feedback batch received.
func (f *FakeScorer) Trained() [][]models.FeedbackRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]models.FeedbackRecord(nil), f.trained...)
}

func (f *FakeScorer) Calls() int64       { return f.calls.Load() }
func (f *FakeScorer) MaxInflight() int64 { return f.maxInflight.Load() }

func (f *FakeScorer) CallsFor(subjectID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bySubject[subjectID]
}

// FlakyCache wraps a cache and fails operations on demand.
type FlakyCache struct {
	models.ResultCache

	mu     sync.Mutex
	getErr error
	setErr error
}

func NewFlakyCache(inner models.ResultCache) *FlakyCache {
	return &FlakyCache{ResultCache: inner}
}

func (c *FlakyCache) FailGets(err error) {
	c.mu.Lock()
	c.getErr = err
	c.mu.Unlock()
}

func (c *FlakyCache) FailSets(err error) {
	c.mu.Lock()
	c.setErr = err
	c.mu.Unlock()
}

func (c *FlakyCache) Get(ctx context.Context, subjectID string) (*models.CacheEntry, error) {
	c.mu.Lock()
	err := c.getErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.ResultCache.Get(ctx, subjectID)
}

func (c *FlakyCache) Set(ctx context.Context, result models.PredictionResult, ttl time.Duration) error {
	c.mu.Lock()
	err := c.setErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.ResultCache.Set(ctx, result, ttl)
}

// Delivery is one notification seen by RecordingNotifier.
type Delivery struct {
	ClientID string
	Result   models.PredictionResult
}

// RecordingNotifier stores every publish and can be made to fail.
type RecordingNotifier struct {
	mu         sync.Mutex
	deliveries []Delivery
	err        error
}

func (n *RecordingNotifier) Publish(_ context.Context, clientID string, result models.PredictionResult) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.deliveries = append(n.deliveries, Delivery{ClientID: clientID, Result: result})
	return nil
}

func (n *RecordingNotifier) SetErr(err error) {
	n.mu.Lock()
	n.err = err
	n.mu.Unlock()
}

func (n *RecordingNotifier) Deliveries() []Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Delivery(nil), n.deliveries...)
}

// LeadRecord returns a fully populated feature record.
func LeadRecord() *models.FeatureRecord {
	return &models.FeatureRecord{
		Firmographic: models.Attributes{"employees": 250, "annual_revenue": 12_000_000, "industry": "saas"},
		Behavioral:   models.Attributes{"page_views": 42, "email_opens": 7, "demo_requests": 1},
		Intent:       models.Attributes{"pricing_visits": 3, "signals": 5},
		Timing:       models.Attributes{"days_since_contact": 2, "budget_cycle_match": true},
	}
}
