// Package predictor answers single and batch prediction requests, serving
// from the result cache while it is fresh and calling the scoring engine
// otherwise.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Alias1177/leadscore/internal/events"
	"github.com/Alias1177/leadscore/internal/metrics"
	"github.com/Alias1177/leadscore/models"
)

// StreamStarter registers a stream as a side effect of a prediction.
type StreamStarter interface {
	Start(subjectID, clientID string, opts models.StreamOptions) (*models.StreamSubscription, error)
}

// Options configure the Core.
type Options struct {
	TTL            time.Duration
	MaxBatchSize   int
	MaxConcurrency int
	SingleFlight   bool
	RecordMemory   int
}

func (o *Options) setDefaults() {
	if o.TTL <= 0 {
		o.TTL = 5 * time.Minute
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 1000
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 10
	}
	if o.RecordMemory <= 0 {
		o.RecordMemory = 10000
	}
}

// Core owns the result cache. All cache writes go through it.
type Core struct {
	scorer   models.Scorer
	cache    models.ResultCache
	events   events.Emitter
	observer metrics.Observer
	opts     Options

	flights singleflight.Group
	// generation advances after every model update; in-flight computations
	// are shared only within one generation.
	generation atomic.Uint64
	// updateMu orders cache writes against ModelUpdated so a result scored
	// under an older generation never lands after its invalidation.
	updateMu sync.RWMutex

	streamsMu sync.RWMutex
	streams   StreamStarter

	recMu    sync.Mutex
	records  map[string]models.FeatureRecord
	recOrder []string

	logger zerolog.Logger
}

// New creates a Core. emitter and observer may be nil.
func New(scorer models.Scorer, cache models.ResultCache, emitter events.Emitter, observer metrics.Observer, opts Options) *Core {
	opts.setDefaults()
	if emitter == nil {
		emitter = events.Discard
	}
	if observer == nil {
		observer = metrics.Observers(nil)
	}
	return &Core{
		scorer:   scorer,
		cache:    cache,
		events:   emitter,
		observer: observer,
		opts:     opts,
		records:  make(map[string]models.FeatureRecord),
		logger:   log.With().Str("component", "prediction_core").Logger(),
	}
}

// AttachStreams enables the enableStreaming option of Predict.
func (c *Core) AttachStreams(s StreamStarter) {
	c.streamsMu.Lock()
	c.streams = s
	c.streamsMu.Unlock()
}

// Predict resolves a prediction for one subject.
func (c *Core) Predict(ctx context.Context, subjectID string, record *models.FeatureRecord, opts models.PredictOptions) (*models.PredictionResult, error) {
	start := time.Now()

	if subjectID == "" {
		return nil, &models.ValidationError{Field: "subjectId", Reason: "must not be empty"}
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	rec := record.Clone()
	c.remember(subjectID, rec)

	var result models.PredictionResult
	cached := false
	if !opts.ForceRefresh {
		entry, err := c.cache.Get(ctx, subjectID)
		switch {
		case err != nil:
			c.cacheError(subjectID, "get", err)
		case entry != nil && !entry.Expired(time.Now()):
			result = entry.Result
			result.Source = models.SourceCache
			cached = true
		}
	}

	if !cached {
		fresh, err := c.compute(ctx, subjectID, rec)
		if err != nil {
			c.events.Emit(events.PredictionError, events.Fields{"subjectId": subjectID, "error": err.Error()})
			c.observer.ObserveError(subjectID)
			return nil, err
		}
		result = fresh
	}

	result.StreamingEnabled = false
	if opts.EnableStreaming && opts.ClientID != "" {
		result.StreamingEnabled = c.startStream(subjectID, opts.ClientID, rec)
	}
	result.LatencyMs = float64(time.Since(start).Nanoseconds()) / 1e6

	c.observer.ObservePrediction(result)
	return &result, nil
}

// compute runs the scoring engine and writes the result back to the cache.
// With single-flight enabled, concurrent callers for the same subject and
// model generation share one computation.
func (c *Core) compute(ctx context.Context, subjectID string, rec models.FeatureRecord) (models.PredictionResult, error) {
	gen := c.generation.Load()
	if !c.opts.SingleFlight {
		return c.score(ctx, subjectID, rec, gen)
	}

	key := subjectID + "@" + strconv.FormatUint(gen, 10)
	// The shared computation must outlive any single caller's cancellation.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(key, func() (any, error) {
		return c.score(flightCtx, subjectID, rec, gen)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return models.PredictionResult{}, res.Err
		}
		return res.Val.(models.PredictionResult), nil
	case <-ctx.Done():
		return models.PredictionResult{}, &models.ScoringError{SubjectID: subjectID, Err: ctx.Err()}
	}
}

// score calls the scoring engine. The result is cached only while the model
// generation it was started under is still current.
func (c *Core) score(ctx context.Context, subjectID string, rec models.FeatureRecord, gen uint64) (models.PredictionResult, error) {
	s, err := c.scorer.Score(ctx, subjectID, rec)
	if err != nil {
		c.logger.Warn().Err(err).Str("subject_id", subjectID).Msg("Scoring failed")
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			return models.PredictionResult{}, err
		}
		return models.PredictionResult{}, &models.ScoringError{SubjectID: subjectID, Err: err}
	}

	result := models.PredictionResult{
		SubjectID:  subjectID,
		Score:      s.Value,
		Confidence: s.Confidence,
		Source:     models.SourceFresh,
		ComputedAt: time.Now(),
	}
	c.updateMu.RLock()
	defer c.updateMu.RUnlock()
	if c.generation.Load() != gen {
		c.logger.Debug().Str("subject_id", subjectID).Uint64("generation", gen).Msg("Model updated during scoring, result not cached")
		return result, nil
	}
	if err := c.cache.Set(ctx, result, c.opts.TTL); err != nil {
		c.cacheError(subjectID, "set", err)
	}
	return result, nil
}

func (c *Core) startStream(subjectID, clientID string, rec models.FeatureRecord) bool {
	c.streamsMu.RLock()
	s := c.streams
	c.streamsMu.RUnlock()
	if s == nil {
		return false
	}
	if _, err := s.Start(subjectID, clientID, models.StreamOptions{Record: &rec}); err != nil {
		c.logger.Warn().Err(err).Str("subject_id", subjectID).Str("client_id", clientID).Msg("Could not start stream")
		return false
	}
	return true
}

func (c *Core) cacheError(subjectID, op string, err error) {
	c.logger.Warn().Err(err).Str("subject_id", subjectID).Str("op", op).Msg("Result cache error")
	c.events.Emit(events.CacheError, events.Fields{"subjectId": subjectID, "operation": op, "error": err.Error()})
}

// BatchPredict resolves independent requests with bounded concurrency.
// Results[i] always corresponds to requests[i].
func (c *Core) BatchPredict(ctx context.Context, requests []models.BatchRequest, opts models.BatchOptions) (*models.BatchResult, error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("%w: no requests", models.ErrInvalidBatch)
	}
	if len(requests) > c.opts.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d requests exceeds limit of %d", models.ErrInvalidBatch, len(requests), c.opts.MaxBatchSize)
	}

	limit := opts.MaxConcurrency
	if limit <= 0 {
		limit = c.opts.MaxConcurrency
	}
	limit = min(limit, len(requests))

	start := time.Now()
	results := make([]*models.PredictionResult, len(requests))
	failures := make([]error, len(requests))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, req := range requests {
		g.Go(func() error {
			results[i], failures[i] = c.Predict(ctx, req.SubjectID, req.Record, models.PredictOptions{ForceRefresh: opts.ForceRefresh})
			return nil
		})
	}
	_ = g.Wait()

	out := &models.BatchResult{
		BatchID:        uuid.NewString(),
		TotalProcessed: len(requests),
		Results:        results,
		Errors:         []models.BatchError{},
	}
	for i, err := range failures {
		if err != nil {
			out.ErrorCount++
			out.Errors = append(out.Errors, models.BatchError{Index: i, SubjectID: requests[i].SubjectID, Error: err.Error()})
			continue
		}
		out.SuccessCount++
	}
	out.ProcessingTime = time.Since(start)
	out.ProcessingTimeMs = float64(out.ProcessingTime.Nanoseconds()) / 1e6

	c.logger.Info().
		Str("batch_id", out.BatchID).
		Int("total", out.TotalProcessed).
		Int("errors", out.ErrorCount).
		Int("concurrency", limit).
		Dur("processing_time", out.ProcessingTime).
		Msg("Batch processed")
	return out, nil
}

// ModelUpdated is called after a successful incremental update. It starts a
// new computation generation and drops cached results of the affected subjects.
func (c *Core) ModelUpdated(ctx context.Context, subjectIDs []string) {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()
	c.generation.Add(1)
	for _, id := range subjectIDs {
		if err := c.cache.Delete(ctx, id); err != nil {
			c.cacheError(id, "delete", err)
		}
	}
}

// Invalidate drops a subject's cached prediction.
func (c *Core) Invalidate(ctx context.Context, subjectID string) error {
	return c.cache.Delete(ctx, subjectID)
}

// CacheSize reports the number of live cache entries; cache failures count as zero.
func (c *Core) CacheSize(ctx context.Context) int {
	n, err := c.cache.Len(ctx)
	if err != nil {
		c.cacheError("", "len", err)
		return 0
	}
	return n
}

// LatestRecord returns the last feature record seen for a subject.
func (c *Core) LatestRecord(subjectID string) (models.FeatureRecord, bool) {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	r, ok := c.records[subjectID]
	if !ok {
		return models.FeatureRecord{}, false
	}
	return r.Clone(), true
}

func (c *Core) remember(subjectID string, rec models.FeatureRecord) {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	if _, ok := c.records[subjectID]; !ok {
		c.recOrder = append(c.recOrder, subjectID)
	}
	c.records[subjectID] = rec
	for len(c.recOrder) > c.opts.RecordMemory {
		delete(c.records, c.recOrder[0])
		c.recOrder = c.recOrder[1:]
	}
}
