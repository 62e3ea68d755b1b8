package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// WakePublisher nudges the dispatcher after changes made by other processes,
// such as a campaign start or a new direct call.
type WakePublisher struct {
	writer *kafka.Writer
}

// NewWakePublisher constructs a publisher for the wake topic.
func NewWakePublisher(k *Kafka, topic string) *WakePublisher {
	return &WakePublisher{writer: k.NewWriter(topic)}
}

// Wake publishes a wake message.
func (p *WakePublisher) Wake(ctx context.Context, msg WakeMessage) error {
	if msg.RequestedAt.IsZero() {
		msg.RequestedAt = time.Now().UTC()
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wake publisher: marshal message: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Value: value, Time: msg.RequestedAt}); err != nil {
		return fmt.Errorf("wake publisher: write: %w", err)
	}
	return nil
}

// Close closes the writer.
func (p *WakePublisher) Close() error {
	return p.writer.Close()
}
