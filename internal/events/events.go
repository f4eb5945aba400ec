// Package events carries named observability events from the prediction
// components to external sinks without blocking the emitting goroutine.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Name identifies an event category.
type Name string

const (
	ServiceInitializing          Name = "service_initializing"
	ServiceInitialized           Name = "service_initialized"
	ServiceInitializationFailed  Name = "service_initialization_failed"
	PredictionError              Name = "prediction_error"
	CacheError                   Name = "cache_error"
	StreamingStarted             Name = "streaming_started"
	StreamingStopped             Name = "streaming_stopped"
	StreamingUpdateFailed        Name = "streaming_update_failed"
	IncrementalLearningStarted   Name = "incremental_learning_started"
	IncrementalLearningCompleted Name = "incremental_learning_completed"
)

// Fields is the event payload.
type Fields map[string]any

// Event is one emitted notification.
type Event struct {
	Name   Name      `json:"event"`
	Time   time.Time `json:"time"`
	Fields Fields    `json:"fields,omitempty"`
}

// Emitter is what components depend on to report events.
type Emitter interface {
	Emit(name Name, fields Fields)
}

// Sink receives events delivered by a Bus.
type Sink interface {
	Handle(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Handle(ctx context.Context, ev Event) error { return f(ctx, ev) }

type discard struct{}

func (discard) Emit(Name, Fields) {}

// Discard drops every event.
var Discard Emitter = discard{}

// Bus fans events out to sinks from a single delivery goroutine. Emit never
// blocks; when the buffer is full the event is dropped and counted.
type Bus struct {
	mu      sync.RWMutex
	ch      chan Event
	sinks   []Sink
	closed  bool
	dropped atomic.Int64
	done    chan struct{}
	logger  zerolog.Logger
}

// NewBus starts a bus with the given buffer size.
func NewBus(buffer int, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	b := &Bus{
		ch:     make(chan Event, buffer),
		sinks:  sinks,
		done:   make(chan struct{}),
		logger: log.With().Str("component", "event_bus").Logger(),
	}
	go b.run()
	return b
}

// Emit queues an event for delivery.
func (b *Bus) Emit(name Name, fields Fields) {
	ev := Event{Name: name, Time: time.Now(), Fields: fields}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- ev:
	default:
		b.dropped.Add(1)
		b.logger.Warn().Str("event", string(name)).Msg("Event buffer full, dropping event")
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops accepting events and waits until queued ones are delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	close(b.ch)
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) run() {
	defer close(b.done)
	for ev := range b.ch {
		for _, s := range b.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Handle(ctx, ev); err != nil {
				b.logger.Error().Err(err).Str("event", string(ev.Name)).Msg("Event sink failed")
			}
			cancel()
		}
	}
}
