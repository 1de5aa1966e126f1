package engine

import (
	"context"

	"enrichflow/backend/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// DispatchStore is the slice of the store the dispatcher needs.
type DispatchStore interface {
	PendingStates(ctx context.Context, limit int) ([]*models.WorkflowState, error)
	ClaimForDispatch(ctx context.Context, stateID string) (bool, error)
	SetItemStatus(ctx context.Context, itemID, stepName string, status models.WorkflowStatus, meta *models.Meta) error
}

// Dispatcher finds eligible PENDING steps, atomically claims them, and hands
// them to the external execution boundary.
type Dispatcher struct {
	store    DispatchStore
	registry *Registry
	logger   Logger
	metrics  *metrics
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(store DispatchStore, registry *Registry, logger Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		registry: registry,
		logger:   logger,
		metrics:  newMetrics(),
	}
}

// Dispatch runs one dispatcher tick over at most limit items.
//
// Claims are per-row compare-and-swaps, so overlapping ticks cannot both
// dispatch the same row; a lost claim is skipped silently. A claimed row
// whose step has no registered executor stays QUEUED and is reported
// unroutable. Executor errors after a successful claim also leave the row
// QUEUED; there is no automatic unclaim, the stuck report covers those.
func (d *Dispatcher) Dispatch(ctx context.Context, limit int) (DispatchSummary, error) {
	var summary DispatchSummary

	pending, err := d.store.PendingStates(ctx, limit)
	if err != nil {
		return summary, err
	}
	if len(pending) == 0 {
		d.logger.Debug("dispatcher: no pending items")
		return summary, nil
	}

	for _, st := range pending {
		summary.Processed++

		claimed, err := d.store.ClaimForDispatch(ctx, st.ID)
		if err != nil {
			d.logger.Error("dispatcher: claim failed", "state", st.ID, "error", err)
			summary.Errors++
			continue
		}
		if !claimed {
			// another tick already took it
			summary.ClaimLost++
			continue
		}

		ex, ok := d.registry.Resolve(st.StepName)
		if !ok {
			d.logger.Warn("dispatcher: no executor for step", "step", st.StepName, "item", st.ItemID)
			summary.Unroutable++
			if err := d.store.SetItemStatus(ctx, st.ItemID, st.StepName, models.StatusQueued,
				&models.Meta{Kind: models.MetaUnroutable}); err != nil {
				d.logger.Error("dispatcher: record unroutable failed", "item", st.ItemID, "error", err)
			}
			continue
		}

		task := Task{StateID: st.ID, BatchID: st.BatchID, ItemID: st.ItemID, StepName: st.StepName}
		if err := ex.Execute(ctx, task); err != nil {
			d.logger.Error("dispatcher: executor handoff failed", "step", st.StepName, "item", st.ItemID, "error", err)
			summary.Errors++
			continue
		}

		d.logger.Info("dispatcher: dispatched", "step", st.StepName, "item", st.ItemID)
		summary.Dispatched++
	}

	d.metrics.add(ctx, d.metrics.dispatched, summary.Dispatched)
	d.metrics.add(ctx, d.metrics.claimLost, summary.ClaimLost)
	d.metrics.add(ctx, d.metrics.unroutable, summary.Unroutable)
	d.metrics.add(ctx, d.metrics.errors, summary.Errors)

	d.logger.Info("dispatcher: tick complete",
		"processed", summary.Processed, "dispatched", summary.Dispatched,
		"claim_lost", summary.ClaimLost, "unroutable", summary.Unroutable, "errors", summary.Errors)
	return summary, nil
}
