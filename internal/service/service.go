// Package service is the single entry point of the prediction orchestrator.
// Every transport drives the same six operations through a Service.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/leadscore/internal/config"
	"github.com/Alias1177/leadscore/internal/events"
	"github.com/Alias1177/leadscore/internal/learning"
	"github.com/Alias1177/leadscore/internal/metrics"
	"github.com/Alias1177/leadscore/internal/predictor"
	"github.com/Alias1177/leadscore/internal/stream"
	"github.com/Alias1177/leadscore/models"
)

// State is the lifecycle state of a Service.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateReady         State = "ready"
	StateFailedInit    State = "failed_init"
	StateShutdown      State = "shutdown"
)

// Dependencies are the collaborators wired in by Initialize.
type Dependencies struct {
	Scorer models.Scorer
	// Trainer defaults to Scorer when it also implements models.Trainer.
	Trainer  models.Trainer
	Cache    models.ResultCache
	Notifier models.Notifier
	Events   events.Emitter
	// Observers receive every resolved prediction and scoring failure in
	// addition to the built-in metrics window.
	Observers []metrics.Observer
	Gauge     stream.Gauge
}

// Options tune the components built by Initialize.
type Options struct {
	CacheTTL          time.Duration
	MaxBatchSize      int
	MaxConcurrency    int
	SingleFlight      bool
	StreamInterval    time.Duration
	StreamMinInterval time.Duration
	MaxFeedback       int
	MetricsWindow     time.Duration
	MetricsWindowSize int
}

// OptionsFromConfig maps the loaded configuration onto service options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		CacheTTL:          cfg.Cache.TTL,
		MaxBatchSize:      cfg.Batch.MaxSize,
		MaxConcurrency:    cfg.Batch.MaxConcurrency,
		SingleFlight:      cfg.SingleFlight,
		StreamInterval:    cfg.Stream.Interval,
		StreamMinInterval: cfg.Stream.MinInterval,
		MaxFeedback:       cfg.Learning.MaxFeedback,
		MetricsWindow:     cfg.Metrics.Window,
		MetricsWindowSize: cfg.Metrics.WindowSize,
	}
}

// Service composes the Prediction Core, Stream Manager and Incremental
// Learning Coordinator.
type Service struct {
	deps   Dependencies
	opts   Options
	events events.Emitter
	window *metrics.Window

	mu          sync.RWMutex
	state       State
	initErr     error
	initialized time.Time
	core        *predictor.Core
	streams     *stream.Manager
	learner     *learning.Coordinator

	logger zerolog.Logger
}

// New creates an uninitialized Service.
func New(deps Dependencies, opts Options) *Service {
	emitter := deps.Events
	if emitter == nil {
		emitter = events.Discard
	}
	if opts.MetricsWindow <= 0 {
		opts.MetricsWindow = 5 * time.Minute
	}
	if opts.MetricsWindowSize <= 0 {
		opts.MetricsWindowSize = 1000
	}
	return &Service{
		deps:   deps,
		opts:   opts,
		events: emitter,
		window: metrics.NewWindow(opts.MetricsWindowSize, opts.MetricsWindow),
		state:  StateUninitialized,
		logger: log.With().Str("component", "service").Logger(),
	}
}

// Initialize checks the dependencies and builds the components. A failure is
// terminal for this instance. Calling Initialize on a ready service is a no-op.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateReady:
		return nil
	case StateFailedInit:
		return fmt.Errorf("%w: %v", models.ErrInitFailed, s.initErr)
	case StateShutdown:
		return models.ErrShutdown
	}

	s.events.Emit(events.ServiceInitializing, nil)
	s.logger.Info().Msg("Initializing prediction service")

	trainer, err := s.checkDependencies(ctx)
	if err != nil {
		s.state = StateFailedInit
		s.initErr = err
		s.events.Emit(events.ServiceInitializationFailed, events.Fields{"error": err.Error()})
		s.logger.Error().Err(err).Msg("Service initialization failed")
		return fmt.Errorf("%w: %v", models.ErrInitFailed, err)
	}

	observers := append(metrics.Observers{s.window}, s.deps.Observers...)
	s.core = predictor.New(s.deps.Scorer, s.deps.Cache, s.events, observers, predictor.Options{
		TTL:            s.opts.CacheTTL,
		MaxBatchSize:   s.opts.MaxBatchSize,
		MaxConcurrency: s.opts.MaxConcurrency,
		SingleFlight:   s.opts.SingleFlight,
	})
	s.streams = stream.NewManager(s.core, s.core, s.deps.Notifier, s.events, s.deps.Gauge, stream.Options{
		DefaultInterval: s.opts.StreamInterval,
		MinInterval:     s.opts.StreamMinInterval,
	})
	s.core.AttachStreams(s.streams)
	s.learner = learning.NewCoordinator(trainer, s.events, s.core, s.window, s.opts.MaxFeedback)

	s.state = StateReady
	s.initialized = time.Now()
	s.events.Emit(events.ServiceInitialized, nil)
	s.logger.Info().Msg("Prediction service ready")
	return nil
}

func (s *Service) checkDependencies(ctx context.Context) (models.Trainer, error) {
	var errs []error
	if s.deps.Scorer == nil {
		errs = append(errs, errors.New("scoring client is required"))
	}
	if s.deps.Cache == nil {
		errs = append(errs, errors.New("result cache is required"))
	}
	if s.deps.Notifier == nil {
		errs = append(errs, errors.New("notification channel is required"))
	}
	trainer := s.deps.Trainer
	if trainer == nil {
		if t, ok := s.deps.Scorer.(models.Trainer); ok {
			trainer = t
		} else if s.deps.Scorer != nil {
			errs = append(errs, errors.New("scoring client does not accept feedback and no trainer is set"))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if p, ok := s.deps.Scorer.(models.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("scoring client: %w", err))
		}
	}
	if p, ok := s.deps.Cache.(models.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("result cache: %w", err))
		}
	}
	return trainer, errors.Join(errs...)
}

type components struct {
	core    *predictor.Core
	streams *stream.Manager
	learner *learning.Coordinator
}

func (s *Service) ready() (components, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.state {
	case StateReady:
		return components{s.core, s.streams, s.learner}, nil
	case StateShutdown:
		return components{}, models.ErrShutdown
	default:
		return components{}, models.ErrNotInitialized
	}
}

// Predict resolves one subject's prediction.
func (s *Service) Predict(ctx context.Context, subjectID string, record *models.FeatureRecord, opts models.PredictOptions) (*models.PredictionResult, error) {
	c, err := s.ready()
	if err != nil {
		return nil, err
	}
	return c.core.Predict(ctx, subjectID, record, opts)
}

// StartStream creates or replaces a client's stream for a subject.
func (s *Service) StartStream(subjectID, clientID string, opts models.StreamOptions) (*models.StreamSubscription, error) {
	c, err := s.ready()
	if err != nil {
		return nil, err
	}
	return c.streams.Start(subjectID, clientID, opts)
}

// StopStream stops a client's stream. Stopping an unknown or stopped
// stream, or stopping on a service that is not running, is a no-op.
func (s *Service) StopStream(subjectID, clientID string) bool {
	c, err := s.ready()
	if err != nil {
		return false
	}
	return c.streams.Stop(subjectID, clientID)
}

// StopClient stops every stream of a client.
func (s *Service) StopClient(clientID string) int {
	c, err := s.ready()
	if err != nil {
		return 0
	}
	return c.streams.StopClient(clientID)
}

// BatchPredict resolves independent predictions with bounded concurrency.
func (s *Service) BatchPredict(ctx context.Context, requests []models.BatchRequest, opts models.BatchOptions) (*models.BatchResult, error) {
	c, err := s.ready()
	if err != nil {
		return nil, err
	}
	return c.core.BatchPredict(ctx, requests, opts)
}

// UpdateModel applies outcome feedback to the scoring engine.
func (s *Service) UpdateModel(ctx context.Context, feedback []models.FeedbackRecord) (*models.LearningResult, error) {
	c, err := s.ready()
	if err != nil {
		return nil, err
	}
	return c.learner.Update(ctx, feedback)
}

// GetStatus is available in every state.
func (s *Service) GetStatus(ctx context.Context) models.ServiceStatus {
	s.mu.RLock()
	state, core, streams, since := s.state, s.core, s.streams, s.initialized
	s.mu.RUnlock()

	status := models.ServiceStatus{
		IsInitialized: state == StateReady,
		State:         string(state),
	}
	if state != StateReady {
		return status
	}
	status.ActiveStreams = streams.Active()
	status.CacheSize = core.CacheSize(ctx)
	status.Uptime = time.Since(since)
	status.UptimeMs = status.Uptime.Milliseconds()
	return status
}

// GetMetrics derives counters from the recent window. Like GetStatus it
// is available in every state.
func (s *Service) GetMetrics() models.Metrics {
	s.mu.RLock()
	streams := s.streams
	s.mu.RUnlock()

	connections := 0
	if streams != nil {
		connections = streams.ActiveClients()
	}
	return s.window.Snapshot(connections)
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Shutdown stops every stream and refuses further operations. It returns
// ctx.Err() if the streams do not stop before ctx is done.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateShutdown {
		s.mu.Unlock()
		return nil
	}
	streams := s.streams
	s.state = StateShutdown
	s.mu.Unlock()

	if streams == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		streams.StopAll()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("Prediction service stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop streams: %w", ctx.Err())
	}
}
