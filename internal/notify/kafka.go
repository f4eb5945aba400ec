package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/Alias1177/leadscore/internal/events"
	"github.com/Alias1177/leadscore/models"
)

// KafkaNotifier publishes updates to a topic keyed by client ID, so that one
// client's updates stay ordered within a partition.
type KafkaNotifier struct {
	writer events.MessageWriter
}

// NewKafkaNotifier creates a notifier writing to topic on brokers.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return NewKafkaNotifierWithWriter(&kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	})
}

func NewKafkaNotifierWithWriter(w events.MessageWriter) *KafkaNotifier {
	return &KafkaNotifier{writer: w}
}

func (n *KafkaNotifier) Publish(ctx context.Context, clientID string, result models.PredictionResult) error {
	data, err := json.Marshal(newUpdate(clientID, result))
	if err != nil {
		return err
	}
	if err := n.writer.WriteMessages(ctx, kafka.Message{Key: []byte(clientID), Value: data}); err != nil {
		return fmt.Errorf("writing update for %s: %w", clientID, err)
	}
	return nil
}

// Close closes the Kafka writer
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
