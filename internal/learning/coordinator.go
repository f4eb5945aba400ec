// Package learning forwards outcome feedback to the scoring engine for online
// adjustment.
package learning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/leadscore/internal/events"
	"github.com/Alias1177/leadscore/models"
)

// UpdateListener is told which subjects were affected by a model update.
type UpdateListener interface {
	ModelUpdated(ctx context.Context, subjectIDs []string)
}

// FeedbackObserver receives accepted feedback for accuracy tracking.
type FeedbackObserver interface {
	ObserveFeedback(feedback []models.FeedbackRecord)
}

// Coordinator validates feedback batches and applies them one at a time.
type Coordinator struct {
	trainer     models.Trainer
	events      events.Emitter
	listener    UpdateListener
	observer    FeedbackObserver
	maxFeedback int

	// updates are applied in order, never concurrently
	mu  sync.Mutex
	now func() time.Time

	logger zerolog.Logger
}

// NewCoordinator creates a Coordinator. emitter, listener and observer may be nil.
func NewCoordinator(trainer models.Trainer, emitter events.Emitter, listener UpdateListener, observer FeedbackObserver, maxFeedback int) *Coordinator {
	if emitter == nil {
		emitter = events.Discard
	}
	if maxFeedback <= 0 {
		maxFeedback = 10000
	}
	return &Coordinator{
		trainer:     trainer,
		events:      emitter,
		listener:    listener,
		observer:    observer,
		maxFeedback: maxFeedback,
		now:         time.Now,
		logger:      log.With().Str("component", "learning").Logger(),
	}
}

// Update applies a feedback batch. Invalid records are dropped. A trainer
// failure is reported through ModelUpdated=false, not as an error; only an
// oversized batch is rejected.
func (c *Coordinator) Update(ctx context.Context, feedback []models.FeedbackRecord) (*models.LearningResult, error) {
	if len(feedback) > c.maxFeedback {
		return nil, fmt.Errorf("%w: %d records exceeds limit of %d", models.ErrInvalidFeedback, len(feedback), c.maxFeedback)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.events.Emit(events.IncrementalLearningStarted, events.Fields{"feedbackCount": len(feedback)})

	accepted := make([]models.FeedbackRecord, 0, len(feedback))
	for _, f := range feedback {
		if f.Valid() {
			accepted = append(accepted, f)
		}
	}
	if dropped := len(feedback) - len(accepted); dropped > 0 {
		c.logger.Warn().Int("dropped", dropped).Msg("Dropped invalid feedback records")
	}

	result := &models.LearningResult{FeedbackProcessed: len(accepted)}
	if len(accepted) > 0 {
		improvement, err := c.trainer.Train(ctx, accepted)
		if err != nil {
			c.logger.Error().Err(err).Int("feedback", len(accepted)).Msg("Model update failed")
			result.Error = err.Error()
		} else {
			result.ModelUpdated = true
			// a regression is reported as no improvement
			result.PerformanceImprovement = max(improvement, 0)
			c.applied(ctx, accepted)
		}
	}
	result.UpdatedAt = c.now()

	fields := events.Fields{
		"feedbackProcessed":      result.FeedbackProcessed,
		"modelUpdated":           result.ModelUpdated,
		"performanceImprovement": result.PerformanceImprovement,
	}
	if result.Error != "" {
		fields["error"] = result.Error
	}
	c.events.Emit(events.IncrementalLearningCompleted, fields)

	c.logger.Info().
		Int("received", len(feedback)).
		Int("processed", result.FeedbackProcessed).
		Bool("model_updated", result.ModelUpdated).
		Float64("improvement", result.PerformanceImprovement).
		Msg("Incremental learning finished")
	return result, nil
}

func (c *Coordinator) applied(ctx context.Context, accepted []models.FeedbackRecord) {
	if c.observer != nil {
		c.observer.ObserveFeedback(accepted)
	}
	if c.listener == nil {
		return
	}
	seen := make(map[string]struct{}, len(accepted))
	subjects := make([]string, 0, len(accepted))
	for _, f := range accepted {
		if _, ok := seen[f.SubjectID]; ok {
			continue
		}
		seen[f.SubjectID] = struct{}{}
		subjects = append(subjects, f.SubjectID)
	}
	c.listener.ModelUpdated(ctx, subjects)
}
