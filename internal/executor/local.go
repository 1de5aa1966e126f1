package executor

import (
	"context"
	"time"

	"enrichflow/backend/internal/engine"
)

// LocalExecutor runs the sender in-process in its own goroutine, for
// single-process deployments and tests where no broker is configured.
// Execute returns as soon as the goroutine is started; the handoff contract
// is the same as the Kafka path.
type LocalExecutor struct {
	sender  Sender
	logger  engine.Logger
	timeout time.Duration
}

// NewLocalExecutor creates a local executor. Each send gets its own bounded
// context detached from the dispatch tick.
func NewLocalExecutor(sender Sender, logger engine.Logger, timeout time.Duration) *LocalExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LocalExecutor{sender: sender, logger: logger, timeout: timeout}
}

// Execute hands the task to the sender asynchronously.
func (e *LocalExecutor) Execute(_ context.Context, task engine.Task) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		if err := e.sender.Send(ctx, task); err != nil {
			e.logger.Error("local executor: send failed", "item", task.ItemID, "step", task.StepName, "error", err)
		}
	}()
	return nil
}
