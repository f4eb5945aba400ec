package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alias1177/leadscore/internal/events"
	"github.com/Alias1177/leadscore/internal/testutil"
	"github.com/Alias1177/leadscore/models"
)

type fakePredictor struct {
	mu    sync.Mutex
	err   error
	score float64
	calls atomic.Int64
	opts  []models.PredictOptions
}

func (p *fakePredictor) Predict(ctx context.Context, subjectID string, record *models.FeatureRecord, opts models.PredictOptions) (*models.PredictionResult, error) {
	p.calls.Add(1)
	if err := record.Validate(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opts = append(p.opts, opts)
	if p.err != nil {
		return nil, p.err
	}
	return &models.PredictionResult{SubjectID: subjectID, Score: p.score, Confidence: 0.9, Source: models.SourceFresh}, nil
}

func (p *fakePredictor) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

type recordMap map[string]models.FeatureRecord

func (r recordMap) LatestRecord(id string) (models.FeatureRecord, bool) {
	rec, ok := r[id]
	return rec, ok
}

type gauge struct{ n atomic.Int64 }

func (g *gauge) SetActiveStreams(n int) { g.n.Store(int64(n)) }

type fixture struct {
	mgr      *Manager
	pred     *fakePredictor
	notifier *testutil.RecordingNotifier
	rec      *events.Recorder
	gauge    *gauge
}

func newFixture(t *testing.T, records RecordSource) *fixture {
	t.Helper()
	f := &fixture{
		pred:     &fakePredictor{score: 64},
		notifier: &testutil.RecordingNotifier{},
		rec:      &events.Recorder{},
		gauge:    &gauge{},
	}
	f.mgr = NewManager(f.pred, records, f.notifier, f.rec, f.gauge, Options{
		DefaultInterval: 10 * time.Millisecond,
		MinInterval:     time.Millisecond,
	})
	t.Cleanup(f.mgr.StopAll)
	return f
}

func withRecord(interval time.Duration) models.StreamOptions {
	return models.StreamOptions{UpdateInterval: interval, Record: testutil.LeadRecord()}
}

func TestStartDeliversForcedRefreshes(t *testing.T) {
	f := newFixture(t, nil)

	sub, err := f.mgr.Start("lead_1", "client_1", withRecord(5*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, sub.Active)
	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, 5*time.Millisecond, sub.Interval)

	require.Eventually(t, func() bool { return len(f.notifier.Deliveries()) >= 2 }, time.Second, 5*time.Millisecond)
	d := f.notifier.Deliveries()[0]
	assert.Equal(t, "client_1", d.ClientID)
	assert.Equal(t, "lead_1", d.Result.SubjectID)

	f.pred.mu.Lock()
	for _, o := range f.pred.opts {
		assert.True(t, o.ForceRefresh)
	}
	f.pred.mu.Unlock()

	ev, ok := f.rec.Last(events.StreamingStarted)
	require.True(t, ok)
	assert.Equal(t, "lead_1", ev.Fields["subjectId"])
	assert.Equal(t, "client_1", ev.Fields["clientId"])
	assert.EqualValues(t, 1, f.gauge.n.Load())
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.mgr.Start("", "c", models.StreamOptions{})
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = f.mgr.Start("s", "", models.StreamOptions{})
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = f.mgr.Start("s", "c", models.StreamOptions{Record: &models.FeatureRecord{}})
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Zero(t, f.mgr.Active())
}

func TestIntervalDefaultsAndFloor(t *testing.T) {
	f := newFixture(t, nil)
	f.mgr.opts.MinInterval = 20 * time.Millisecond

	sub, err := f.mgr.Start("a", "c", withRecord(0))
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, sub.Interval, "default below the floor is raised")

	sub, err = f.mgr.Start("b", "c", withRecord(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, sub.Interval)

	sub, err = f.mgr.Start("c", "c", withRecord(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, sub.Interval)
	assert.EqualValues(t, 3600000, sub.IntervalMs)
}

func TestStartReplacesExistingSubscription(t *testing.T) {
	f := newFixture(t, nil)

	first, err := f.mgr.Start("lead_1", "client_1", withRecord(time.Hour))
	require.NoError(t, err)
	second, err := f.mgr.Start("lead_1", "client_1", withRecord(2*time.Hour))
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, f.mgr.Active())
	got, ok := f.mgr.Get("lead_1", "client_1")
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)

	ev, ok := f.rec.Last(events.StreamingStopped)
	require.True(t, ok)
	assert.Equal(t, "replaced", ev.Fields["reason"])
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.mgr.Start("lead_1", "client_1", withRecord(time.Hour))
	require.NoError(t, err)

	assert.True(t, f.mgr.Stop("lead_1", "client_1"))
	assert.False(t, f.mgr.Stop("lead_1", "client_1"))
	assert.False(t, f.mgr.Stop("unknown", "client_1"))

	assert.Equal(t, 1, f.rec.Count(events.StreamingStopped))
	assert.Zero(t, f.mgr.Active())
	assert.Zero(t, f.gauge.n.Load())
}

func TestStopCancelsTimer(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.mgr.Start("lead_1", "client_1", withRecord(2*time.Millisecond))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.pred.calls.Load() > 0 }, time.Second, time.Millisecond)

	f.mgr.Stop("lead_1", "client_1")
	calls := f.pred.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, f.pred.calls.Load(), "no ticks after stop")
}

func TestTickFailureKeepsSubscriptionActive(t *testing.T) {
	f := newFixture(t, nil)
	f.pred.setErr(errors.New("engine down"))

	_, err := f.mgr.Start("lead_1", "client_1", withRecord(2*time.Millisecond))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.rec.Count(events.StreamingUpdateFailed) >= 2 }, time.Second, time.Millisecond)
	ev, _ := f.rec.Last(events.StreamingUpdateFailed)
	assert.Equal(t, "client_1", ev.Fields["clientId"])
	assert.Equal(t, "predict", ev.Fields["stage"])
	assert.Contains(t, ev.Fields["error"], "engine down")

	sub, ok := f.mgr.Get("lead_1", "client_1")
	require.True(t, ok)
	assert.True(t, sub.Active)

	f.pred.setErr(nil)
	require.Eventually(t, func() bool { return len(f.notifier.Deliveries()) > 0 }, time.Second, time.Millisecond)
}

func TestDeliveryFailureIsReported(t *testing.T) {
	f := newFixture(t, nil)
	f.notifier.SetErr(errors.New("socket closed"))

	_, err := f.mgr.Start("lead_1", "client_1", withRecord(2*time.Millisecond))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.rec.Count(events.StreamingUpdateFailed) > 0 }, time.Second, time.Millisecond)
	ev, _ := f.rec.Last(events.StreamingUpdateFailed)
	assert.Equal(t, "deliver", ev.Fields["stage"])
	assert.Equal(t, 1, f.mgr.Active())
}

func TestFiltersSuppressUpdates(t *testing.T) {
	f := newFixture(t, nil)

	opts := withRecord(2 * time.Millisecond)
	opts.Filters = models.StreamFilters{MinScore: 80}
	_, err := f.mgr.Start("lead_1", "client_1", opts)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.pred.calls.Load() >= 3 }, time.Second, time.Millisecond)
	assert.Empty(t, f.notifier.Deliveries(), "score 64 is below the filter")
}

func TestOnlyOnChangeFilter(t *testing.T) {
	f := newFixture(t, nil)

	opts := withRecord(2 * time.Millisecond)
	opts.Filters = models.StreamFilters{OnlyOnChange: true}
	_, err := f.mgr.Start("lead_1", "client_1", opts)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.pred.calls.Load() >= 5 }, time.Second, time.Millisecond)
	assert.Len(t, f.notifier.Deliveries(), 1)
}

func TestTicksUseLatestRecord(t *testing.T) {
	f := newFixture(t, recordMap{"lead_1": *testutil.LeadRecord()})

	_, err := f.mgr.Start("lead_1", "client_1", models.StreamOptions{UpdateInterval: 2 * time.Millisecond})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.notifier.Deliveries()) > 0 }, time.Second, time.Millisecond)

	_, err = f.mgr.Start("unknown", "client_1", models.StreamOptions{UpdateInterval: 2 * time.Millisecond})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ev, ok := f.rec.Last(events.StreamingUpdateFailed)
		return ok && ev.Fields["stage"] == "predict"
	}, time.Second, time.Millisecond)
}

func TestGaugeMatchesActiveUnderChurn(t *testing.T) {
	f := newFixture(t, nil)
	subjects := []string{"a", "b", "c", "d", "e"}

	for round := range 20 {
		var wg sync.WaitGroup
		for i := range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				subject := subjects[i%len(subjects)]
				client := subjects[(i+round)%len(subjects)]
				switch i % 5 {
				case 0, 1, 2:
					_, _ = f.mgr.Start(subject, client, withRecord(time.Hour))
				case 3:
					f.mgr.Stop(subject, client)
				default:
					f.mgr.StopClient(client)
				}
			}()
		}
		wg.Wait()
		require.EqualValues(t, f.mgr.Active(), f.gauge.n.Load(), "round %d", round)
	}

	f.mgr.StopAll()
	assert.Zero(t, f.gauge.n.Load())
}

func TestStopClient(t *testing.T) {
	f := newFixture(t, nil)

	for _, id := range []string{"a", "b"} {
		_, err := f.mgr.Start(id, "client_1", withRecord(time.Hour))
		require.NoError(t, err)
	}
	_, err := f.mgr.Start("a", "client_2", withRecord(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, f.mgr.ActiveClients())

	assert.Equal(t, 2, f.mgr.StopClient("client_1"))
	assert.Equal(t, 0, f.mgr.StopClient("client_1"))

	list := f.mgr.List()
	require.Len(t, list, 1)
	assert.Equal(t, "client_2", list[0].ClientID)
	assert.Equal(t, 1, f.mgr.ActiveClients())
}

func TestStopAll(t *testing.T) {
	f := newFixture(t, nil)

	for _, id := range []string{"a", "b", "c"} {
		_, err := f.mgr.Start(id, "client_1", withRecord(time.Millisecond))
		require.NoError(t, err)
	}
	f.mgr.StopAll()

	assert.Zero(t, f.mgr.Active())
	assert.Equal(t, 3, f.rec.Count(events.StreamingStopped))

	calls := f.pred.calls.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, calls, f.pred.calls.Load())

	_, err := f.mgr.Start("a", "client_1", withRecord(time.Hour))
	assert.ErrorIs(t, err, models.ErrShutdown)
}
