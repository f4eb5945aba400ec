package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error { return nil }

func TestBusDeliversToAllSinks(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	bus := NewBus(16, a, b)

	bus.Emit(StreamingStarted, Fields{"subjectId": "lead_1"})
	bus.Emit(StreamingStopped, nil)
	bus.Close()

	for _, r := range []*Recorder{a, b} {
		evs := r.Events()
		require.Len(t, evs, 2)
		assert.Equal(t, StreamingStarted, evs[0].Name)
		assert.Equal(t, "lead_1", evs[0].Fields["subjectId"])
		assert.False(t, evs[0].Time.IsZero())
	}
}

func TestBusEmitNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	slow := SinkFunc(func(context.Context, Event) error {
		<-release
		return nil
	})
	bus := NewBus(1, slow)

	done := make(chan struct{})
	go func() {
		for range 10 {
			bus.Emit(CacheError, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a slow sink")
	}
	assert.Positive(t, bus.Dropped())

	close(release)
	bus.Close()
}

func TestBusSinkErrorDoesNotStopDelivery(t *testing.T) {
	rec := &Recorder{}
	failing := SinkFunc(func(context.Context, Event) error { return errors.New("boom") })
	bus := NewBus(4, failing, rec)

	bus.Emit(PredictionError, nil)
	bus.Emit(PredictionError, nil)
	bus.Close()
	assert.Equal(t, 2, rec.Count(PredictionError))
}

func TestBusCloseIsIdempotent(t *testing.T) {
	rec := &Recorder{}
	bus := NewBus(4, rec)
	bus.Close()
	bus.Close()

	bus.Emit(ServiceInitialized, nil)
	assert.Empty(t, rec.Events(), "events after close are ignored")
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	require.NoError(t, sink.Handle(context.Background(), Event{Name: CacheError, Fields: Fields{"operation": "get"}}))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "cache_error", line["event"])
	assert.Equal(t, "get", line["operation"])
	assert.Equal(t, "events", line["component"])
}

func TestKafkaSink(t *testing.T) {
	w := &memWriter{}
	sink := NewKafkaSinkWithWriter(w)

	require.NoError(t, sink.Handle(context.Background(), Event{Name: IncrementalLearningCompleted, Fields: Fields{"modelUpdated": true}}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "incremental_learning_completed", string(w.msgs[0].Key))

	var ev Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, IncrementalLearningCompleted, ev.Name)
	assert.Equal(t, true, ev.Fields["modelUpdated"])
}

func TestRecorderLast(t *testing.T) {
	rec := &Recorder{}
	rec.Emit(StreamingStopped, Fields{"reason": "a"})
	rec.Emit(StreamingStopped, Fields{"reason": "b"})

	ev, ok := rec.Last(StreamingStopped)
	require.True(t, ok)
	assert.Equal(t, "b", ev.Fields["reason"])

	_, ok = rec.Last(ServiceInitialized)
	assert.False(t, ok)
}
