// Package executor provides implementations of the engine's execution
// boundary: a Kafka handoff for distributed workers, a consumer loop that
// drives the sender side, and a local in-process executor.
package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"enrichflow/backend/internal/engine"
)

// KafkaHandoff publishes claimed tasks to the dispatch topic. Publishing is
// the whole job: a successful write means a worker will pick the task up,
// nothing more. This keeps dispatcher throughput independent of executor
// latency.
type KafkaHandoff struct {
	writer *kafka.Writer
}

// NewKafkaHandoff creates a handoff publishing to the given broker and topic.
func NewKafkaHandoff(broker, topic string) *KafkaHandoff {
	return &KafkaHandoff{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(broker),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// Execute publishes the task. Keyed by item id so all steps of one item land
// on the same partition in order.
func (h *KafkaHandoff) Execute(ctx context.Context, task engine.Task) error {
	value, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := h.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.ItemID),
		Value: value,
	}); err != nil {
		return fmt.Errorf("publish task for item %s: %w", task.ItemID, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (h *KafkaHandoff) Close() error {
	return h.writer.Close()
}
