// Package stream runs periodic re-evaluation of subjects for subscribed
// clients and pushes the results through a notification channel.
package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/leadscore/internal/events"
	"github.com/Alias1177/leadscore/models"
)

// Predictor resolves a prediction; the Prediction Core implements it.
type Predictor interface {
	Predict(ctx context.Context, subjectID string, record *models.FeatureRecord, opts models.PredictOptions) (*models.PredictionResult, error)
}

// RecordSource returns the latest known feature record of a subject.
type RecordSource interface {
	LatestRecord(subjectID string) (models.FeatureRecord, bool)
}

// Gauge tracks the number of active streams. It is called with the
// manager's lock held and must not block.
type Gauge interface {
	SetActiveStreams(n int)
}

// Options configure the Manager.
type Options struct {
	DefaultInterval time.Duration
	MinInterval     time.Duration
	// TickTimeout bounds one tick's prediction and delivery. Zero means the
	// stream interval.
	TickTimeout time.Duration
}

type key struct {
	subjectID string
	clientID  string
}

type subscription struct {
	info   models.StreamSubscription
	record *models.FeatureRecord
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	last *models.PredictionResult
}

// Manager owns the subscription registry. There is at most one active
// subscription per (subject, client) pair.
type Manager struct {
	predictor Predictor
	records   RecordSource
	notifier  models.Notifier
	events    events.Emitter
	gauge     Gauge
	opts      Options

	mu     sync.Mutex
	subs   map[key]*subscription
	closed bool
	wg     sync.WaitGroup

	logger zerolog.Logger
}

// NewManager creates a Manager. records, emitter and gauge may be nil.
func NewManager(p Predictor, records RecordSource, notifier models.Notifier, emitter events.Emitter, gauge Gauge, opts Options) *Manager {
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = 30 * time.Second
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = time.Second
	}
	if emitter == nil {
		emitter = events.Discard
	}
	return &Manager{
		predictor: p,
		records:   records,
		notifier:  notifier,
		events:    emitter,
		gauge:     gauge,
		opts:      opts,
		subs:      make(map[key]*subscription),
		logger:    log.With().Str("component", "stream_manager").Logger(),
	}
}

// Start creates or replaces the subscription for the pair and schedules its
// ticks. Without opts.Record, each tick uses the latest record seen for the
// subject.
func (m *Manager) Start(subjectID, clientID string, opts models.StreamOptions) (*models.StreamSubscription, error) {
	if subjectID == "" {
		return nil, &models.ValidationError{Field: "subjectId", Reason: "must not be empty"}
	}
	if clientID == "" {
		return nil, &models.ValidationError{Field: "clientId", Reason: "must not be empty"}
	}
	if opts.Record != nil {
		if err := opts.Record.Validate(); err != nil {
			return nil, err
		}
		rec := opts.Record.Clone()
		opts.Record = &rec
	}

	interval := opts.UpdateInterval
	if interval <= 0 {
		interval = m.opts.DefaultInterval
	}
	if interval < m.opts.MinInterval {
		interval = m.opts.MinInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		info: models.StreamSubscription{
			ID:         uuid.NewString(),
			SubjectID:  subjectID,
			ClientID:   clientID,
			Interval:   interval,
			IntervalMs: interval.Milliseconds(),
			Filters:    opts.Filters,
			Active:     true,
			StartedAt:  time.Now(),
		},
		record: opts.Record,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	k := key{subjectID, clientID}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("start stream: %w", models.ErrShutdown)
	}
	old := m.subs[k]
	m.subs[k] = sub
	m.wg.Add(1)
	m.setGauge(len(m.subs))
	m.mu.Unlock()

	if old != nil {
		m.finish(old, "replaced")
	}

	go m.run(ctx, sub)

	m.events.Emit(events.StreamingStarted, events.Fields{"subjectId": subjectID, "clientId": clientID, "intervalMs": interval.Milliseconds()})
	m.logger.Info().
		Str("subject_id", subjectID).
		Str("client_id", clientID).
		Dur("interval", interval).
		Msg("Stream started")

	info := sub.info
	return &info, nil
}

// Stop ends the subscription for the pair. Unknown or already stopped pairs
// are a no-op; the return value reports whether a stream was stopped.
func (m *Manager) Stop(subjectID, clientID string) bool {
	k := key{subjectID, clientID}
	m.mu.Lock()
	sub, ok := m.subs[k]
	if ok {
		delete(m.subs, k)
		m.setGauge(len(m.subs))
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	m.finish(sub, "stopped")
	return true
}

// StopClient stops every stream of a client, e.g. when it disconnects.
func (m *Manager) StopClient(clientID string) int {
	m.mu.Lock()
	var victims []*subscription
	for k, sub := range m.subs {
		if k.clientID == clientID {
			victims = append(victims, sub)
			delete(m.subs, k)
		}
	}
	if len(victims) > 0 {
		m.setGauge(len(m.subs))
	}
	m.mu.Unlock()

	for _, sub := range victims {
		m.finish(sub, "client_disconnected")
	}
	return len(victims)
}

// StopAll stops every stream, refuses new ones, and waits for all tick
// goroutines to exit.
func (m *Manager) StopAll() {
	m.mu.Lock()
	m.closed = true
	victims := make([]*subscription, 0, len(m.subs))
	for k, sub := range m.subs {
		victims = append(victims, sub)
		delete(m.subs, k)
	}
	m.setGauge(0)
	m.mu.Unlock()

	for _, sub := range victims {
		m.finish(sub, "shutdown")
	}
	m.wg.Wait()
}

// finish cancels the subscription's timer, waits for its goroutine and
// reports the stop. Callers must have removed sub from the registry, which
// makes this run once per subscription.
func (m *Manager) finish(sub *subscription, reason string) {
	sub.cancel()
	<-sub.done

	m.events.Emit(events.StreamingStopped, events.Fields{
		"subjectId": sub.info.SubjectID,
		"clientId":  sub.info.ClientID,
		"reason":    reason,
	})
	m.logger.Info().
		Str("subject_id", sub.info.SubjectID).
		Str("client_id", sub.info.ClientID).
		Str("reason", reason).
		Msg("Stream stopped")
}

func (m *Manager) run(ctx context.Context, sub *subscription) {
	defer m.wg.Done()
	defer close(sub.done)

	ticker := time.NewTicker(sub.info.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx, sub)
		}
	}
}

func (m *Manager) tick(ctx context.Context, sub *subscription) {
	timeout := m.opts.TickTimeout
	if timeout <= 0 {
		timeout = sub.info.Interval
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	subjectID, clientID := sub.info.SubjectID, sub.info.ClientID

	record := sub.record
	if record == nil && m.records != nil {
		if latest, ok := m.records.LatestRecord(subjectID); ok {
			record = &latest
		}
	}

	result, err := m.predictor.Predict(tctx, subjectID, record, models.PredictOptions{ForceRefresh: true})
	if err != nil {
		if ctx.Err() != nil {
			// stopped mid-tick
			return
		}
		m.tickFailed(sub, "predict", err)
		return
	}

	sub.mu.Lock()
	last := sub.last
	allowed := sub.info.Filters.Allows(result, last)
	if allowed {
		sub.last = result
	}
	sub.mu.Unlock()
	if !allowed {
		m.logger.Debug().Str("subject_id", subjectID).Str("client_id", clientID).Msg("Stream update filtered")
		return
	}

	if err := m.notifier.Publish(tctx, clientID, *result); err != nil {
		m.tickFailed(sub, "deliver", err)
	}
}

func (m *Manager) tickFailed(sub *subscription, stage string, err error) {
	m.logger.Warn().
		Err(err).
		Str("subject_id", sub.info.SubjectID).
		Str("client_id", sub.info.ClientID).
		Str("stage", stage).
		Msg("Stream update failed")
	m.events.Emit(events.StreamingUpdateFailed, events.Fields{
		"subjectId": sub.info.SubjectID,
		"clientId":  sub.info.ClientID,
		"stage":     stage,
		"error":     err.Error(),
	})
}

func (m *Manager) setGauge(n int) {
	if m.gauge != nil {
		m.gauge.SetActiveStreams(n)
	}
}

// Active returns the number of active subscriptions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// ActiveClients returns the number of distinct clients with an active subscription.
func (m *Manager) ActiveClients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	clients := make(map[string]struct{}, len(m.subs))
	for k := range m.subs {
		clients[k.clientID] = struct{}{}
	}
	return len(clients)
}

// Get returns the active subscription for the pair.
func (m *Manager) Get(subjectID, clientID string) (models.StreamSubscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[key{subjectID, clientID}]
	if !ok {
		return models.StreamSubscription{}, false
	}
	return sub.info, true
}

// List returns the active subscriptions ordered by subject and client.
func (m *Manager) List() []models.StreamSubscription {
	m.mu.Lock()
	out := make([]models.StreamSubscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub.info)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SubjectID != out[j].SubjectID {
			return out[i].SubjectID < out[j].SubjectID
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out
}
