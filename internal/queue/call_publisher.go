package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// CallPublisher hands claimed queue items to the call workers through Kafka.
type CallPublisher struct {
	writer *kafka.Writer
}

// NewCallPublisher constructs a publisher for the given topic.
func NewCallPublisher(k *Kafka, topic string) *CallPublisher {
	return &CallPublisher{
		writer: k.NewWriter(topic),
	}
}

// Initiate writes the call request. A write failure is an initiation failure.
func (p *CallPublisher) Initiate(ctx context.Context, req CallRequest) error {
	value, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("call publisher: marshal message: %w", err)
	}

	record := kafka.Message{
		Key:   req.QueueItemID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}

	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("call publisher: write message: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *CallPublisher) Close() error {
	return p.writer.Close()
}
