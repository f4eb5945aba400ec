package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "events").Logger()}
}

func (s *LogSink) Handle(_ context.Context, ev Event) error {
	lvl := zerolog.InfoLevel
	switch ev.Name {
	case PredictionError, CacheError, StreamingUpdateFailed, ServiceInitializationFailed:
		lvl = zerolog.WarnLevel
	}
	s.logger.WithLevel(lvl).Str("event", string(ev.Name)).Fields(map[string]any(ev.Fields)).Msg("event")
	return nil
}

// MessageWriter is the subset of *kafka.Writer used by the Kafka sink and notifier.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON to a Kafka topic, keyed by event name.
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return NewKafkaSinkWithWriter(&kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	})
}

func NewKafkaSinkWithWriter(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (s *KafkaSink) Handle(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.Name), Value: data})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// Recorder keeps every event in memory. It is both a Sink and an Emitter so
// tests can observe components synchronously or through a Bus.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Handle(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Emit(name Name, fields Fields) {
	_ = r.Handle(context.Background(), Event{Name: name, Fields: fields})
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events with the given name were recorded.
func (r *Recorder) Count(name Name) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

// Last returns the most recent event with the given name.
func (r *Recorder) Last(name Name) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Name == name {
			return r.events[i], true
		}
	}
	return Event{}, false
}
