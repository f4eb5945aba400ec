// Package notify delivers stream updates to clients over the configured
// channels: structured log, Kafka, Telegram and WebSocket.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/Alias1177/leadscore/models"
)

// ErrNoConnection is returned when a client has no open channel.
var ErrNoConnection = errors.New("client has no open connection")

// Update is the envelope pushed to clients.
type Update struct {
	Type     string                  `json:"type"`
	ClientID string                  `json:"clientId"`
	Data     models.PredictionResult `json:"data"`
	SentAt   time.Time               `json:"sentAt"`
}

func newUpdate(clientID string, result models.PredictionResult) Update {
	return Update{Type: "prediction_update", ClientID: clientID, Data: result, SentAt: time.Now()}
}

// LogNotifier only logs updates. It is the default channel in development.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "log_notifier").Logger()}
}

func (n *LogNotifier) Publish(_ context.Context, clientID string, result models.PredictionResult) error {
	n.logger.Info().
		Str("client_id", clientID).
		Str("subject_id", result.SubjectID).
		Float64("score", result.Score).
		Float64("confidence", result.Confidence).
		Msg("Prediction update")
	return nil
}

// Multi publishes to every notifier and joins their errors. A channel the
// client is not connected to is not a failure as long as some other channel
// delivered; if none did, Multi returns ErrNoConnection.
type Multi []models.Notifier

func (m Multi) Publish(ctx context.Context, clientID string, result models.PredictionResult) error {
	var errs []error
	delivered, unreachable := 0, 0
	for _, n := range m {
		err := n.Publish(ctx, clientID, result)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrNoConnection):
			unreachable++
		default:
			errs = append(errs, err)
		}
	}
	if delivered == 0 && unreachable > 0 && len(errs) == 0 {
		return ErrNoConnection
	}
	return errors.Join(errs...)
}
