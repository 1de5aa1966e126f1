package executor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"enrichflow/backend/internal/engine"
)

// Sender runs the sending half of a dispatched task.
type Sender interface {
	Send(ctx context.Context, task engine.Task) error
}

// KafkaReader defines the interface for a Kafka message reader. It allows
// for easy mocking in unit tests.
type KafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DispatchConsumer consumes dispatch messages and runs the Sender for each.
// Offsets are committed manually after the sender returns, so a crashed
// worker replays the task; the sender's state writes are idempotent upserts,
// which makes replay safe.
type DispatchConsumer struct {
	reader   KafkaReader
	sender   Sender
	logger   engine.Logger
	doneChan chan struct{}
	wg       sync.WaitGroup
}

// NewDispatchConsumer creates a consumer for the dispatch topic.
func NewDispatchConsumer(broker, topic, groupID string, sender Sender, logger engine.Logger) *DispatchConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        []string{broker},
		Topic:          topic,
		GroupID:        groupID,
		CommitInterval: 0, // manual commits
		MinBytes:       1,
		MaxBytes:       10e6,
	})
	return &DispatchConsumer{
		reader:   reader,
		sender:   sender,
		logger:   logger,
		doneChan: make(chan struct{}),
	}
}

// Start begins the consume loop in a separate goroutine.
func (c *DispatchConsumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.logger.Info("worker: consumer loop started")

		for {
			select {
			case <-ctx.Done():
				c.logger.Info("worker: context canceled, stopping")
				return
			case <-c.doneChan:
				c.logger.Info("worker: shutdown signal received, stopping")
				return
			default:
				msg, err := c.reader.FetchMessage(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					c.logger.Error("worker: fetch failed", "error", err)
					// backoff to avoid a tight error loop
					time.Sleep(time.Second)
					continue
				}

				c.handle(ctx, msg)
			}
		}
	}()
}

func (c *DispatchConsumer) handle(ctx context.Context, msg kafka.Message) {
	var task engine.Task
	if err := json.Unmarshal(msg.Value, &task); err != nil {
		// a bad message can never succeed; commit past it
		c.logger.Error("worker: undecodable dispatch message", "offset", msg.Offset, "error", err)
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("worker: commit failed", "offset", msg.Offset, "error", err)
		}
		return
	}

	if err := c.sender.Send(ctx, task); err != nil {
		// the sender records the failure on the item itself; the message is
		// still consumed
		c.logger.Error("worker: send failed", "item", task.ItemID, "step", task.StepName, "error", err)
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.logger.Error("worker: commit failed", "offset", msg.Offset, "error", err)
	}
}

// Stop gracefully shuts down the consumer.
func (c *DispatchConsumer) Stop() {
	close(c.doneChan)
	c.wg.Wait()
	if err := c.reader.Close(); err != nil {
		c.logger.Error("worker: failed to close reader", "error", err)
	}
	c.logger.Info("worker: consumer stopped")
}
