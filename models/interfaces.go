package models

import (
	"context"
	"time"
)

// Score is the raw output of the scoring engine.
type Score struct {
	Value      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// Scorer wraps the external scoring engine. Implementations have no cache of their own.
type Scorer interface {
	Score(ctx context.Context, subjectID string, record FeatureRecord) (Score, error)
}

// Trainer is the scoring engine's online adjustment hook. The returned
// improvement may be negative; callers decide how to report it.
type Trainer interface {
	Train(ctx context.Context, feedback []FeedbackRecord) (improvement float64, err error)
}

// ResultCache stores predictions per subject with a time-to-live.
// Get returns (nil, nil) on a miss.
type ResultCache interface {
	Get(ctx context.Context, subjectID string) (*CacheEntry, error)
	Set(ctx context.Context, result PredictionResult, ttl time.Duration) error
	Delete(ctx context.Context, subjectID string) error
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
}

// Notifier pushes stream updates to a client.
type Notifier interface {
	Publish(ctx context.Context, clientID string, result PredictionResult) error
}

// Pinger is implemented by dependencies that can verify their connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}
