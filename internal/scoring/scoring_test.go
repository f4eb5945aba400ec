package scoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alias1177/leadscore/models"
)

func leadRecord() models.FeatureRecord {
	return models.FeatureRecord{
		Firmographic: models.Attributes{"employees": 250, "industry": "saas"},
		Behavioral:   models.Attributes{"page_views": 42, "demo_requests": 1},
		Intent:       models.Attributes{"pricing_visits": 3},
		Timing:       models.Attributes{"days_since_contact": 2},
	}
}

func TestLocalScorerBounds(t *testing.T) {
	s := NewLocalScorer(LocalOptions{})

	tests := []struct {
		name   string
		record models.FeatureRecord
	}{
		{name: "full lead", record: leadRecord()},
		{name: "negative signal only", record: models.FeatureRecord{Timing: models.Attributes{"days_since_contact": 400}}},
		{name: "string numbers", record: models.FeatureRecord{Intent: models.Attributes{"signals": "7"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Score(context.Background(), "lead_1", tt.record)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, got.Value, 0.0)
			assert.LessOrEqual(t, got.Value, 100.0)
			assert.GreaterOrEqual(t, got.Confidence, 0.0)
			assert.LessOrEqual(t, got.Confidence, 1.0)
		})
	}
}

func TestLocalScorerIsDeterministic(t *testing.T) {
	s := NewLocalScorer(LocalOptions{})
	a, err := s.Score(context.Background(), "lead_1", leadRecord())
	require.NoError(t, err)
	b, err := s.Score(context.Background(), "lead_1", leadRecord())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestLocalScorerMoreGroupsMoreConfidence(t *testing.T) {
	s := NewLocalScorer(LocalOptions{})
	full, err := s.Score(context.Background(), "a", leadRecord())
	require.NoError(t, err)
	partial, err := s.Score(context.Background(), "b", models.FeatureRecord{Behavioral: models.Attributes{"page_views": 42}})
	require.NoError(t, err)
	assert.Greater(t, full.Confidence, partial.Confidence)
}

func TestLocalScorerRejectsNonNumericRecord(t *testing.T) {
	s := NewLocalScorer(LocalOptions{})
	_, err := s.Score(context.Background(), "a", models.FeatureRecord{Firmographic: models.Attributes{"industry": "saas"}})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestLocalScorerTrainMovesTowardOutcome(t *testing.T) {
	s := NewLocalScorer(LocalOptions{LearningRate: 0.5})
	ctx := context.Background()

	before, err := s.Score(ctx, "lead_1", leadRecord())
	require.NoError(t, err)

	fb := []models.FeedbackRecord{{
		SubjectID:      "lead_1",
		PredictedScore: before.Value,
		ActualOutcome:  0,
		FeedbackType:   models.FeedbackRejection,
	}}
	var improvement float64
	for i := 0; i < 5; i++ {
		improvement, err = s.Train(ctx, fb)
		require.NoError(t, err)
	}

	after, err := s.Score(ctx, "lead_1", leadRecord())
	require.NoError(t, err)
	assert.Less(t, after.Value, before.Value, "rejections pull the score down")
	assert.NotZero(t, improvement)
}

func TestLocalScorerTrainUnknownSubject(t *testing.T) {
	s := NewLocalScorer(LocalOptions{})
	improvement, err := s.Train(context.Background(), []models.FeedbackRecord{{SubjectID: "never_scored", PredictedScore: 50, ActualOutcome: 1}})
	require.NoError(t, err)
	assert.Zero(t, improvement)
}

func TestLocalScorerMemoryIsBounded(t *testing.T) {
	s := NewLocalScorer(LocalOptions{MemorySize: 2})
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Score(context.Background(), id, leadRecord())
		require.NoError(t, err)
	}
	s.memMu.Lock()
	defer s.memMu.Unlock()
	assert.Len(t, s.memory, 2)
	assert.NotContains(t, s.memory, "a")
}

func TestRemoteClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v1/score":
			var req scoreRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "lead_123", req.SubjectID)
			_ = json.NewEncoder(w).Encode(models.Score{Value: 81.5, Confidence: 0.9})
		case "/v1/train":
			_ = json.NewEncoder(w).Encode(trainResponse{Improvement: 0.02})
		case "/healthz":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewRemoteClient(RemoteOptions{BaseURL: srv.URL + "/", APIKey: "secret", RequestTimeout: time.Second, RequestsPerSec: 100})
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	got, err := c.Score(ctx, "lead_123", leadRecord())
	require.NoError(t, err)
	assert.Equal(t, 81.5, got.Value)
	assert.Equal(t, 0.9, got.Confidence)

	imp, err := c.Train(ctx, []models.FeedbackRecord{{SubjectID: "lead_123", PredictedScore: 81.5, ActualOutcome: 1}})
	require.NoError(t, err)
	assert.Equal(t, 0.02, imp)
}

func TestRemoteClientRejectsBadConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(models.Score{Value: 10, Confidence: 3})
	}))
	defer srv.Close()

	c := NewRemoteClient(RemoteOptions{BaseURL: srv.URL, RequestsPerSec: 100})
	_, err := c.Score(context.Background(), "lead_1", leadRecord())
	assert.Error(t, err)
}
