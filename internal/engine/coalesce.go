package engine

import (
	"context"

	"enrichflow/backend/pkg/models"
)

// EntityStore is the slice of the store the coalescer needs.
type EntityStore interface {
	TryStartEntityStep(ctx context.Context, entityID, stepName, triggeredBy string) (started bool, current models.WorkflowStatus, err error)
	SetItemStatus(ctx context.Context, itemID, stepName string, status models.WorkflowStatus, meta *models.Meta) error
}

// Decision is the outcome of an acquire attempt.
type Decision struct {
	Proceed    bool
	SkipReason string
}

// Coalescer short-circuits redundant work when multiple items resolve to the
// same underlying company or person.
type Coalescer struct {
	store  EntityStore
	logger Logger
}

// NewCoalescer creates a Coalescer.
func NewCoalescer(store EntityStore, logger Logger) *Coalescer {
	return &Coalescer{store: store, logger: logger}
}

// AcquireOrSkip decides whether the requesting item should run the step for
// its entity. The decision is a single store round trip with CAS semantics
// (insert-if-absent, then conditional flip of abandoned rows), so two items
// cannot both win ownership.
//
// When another item already owns or finished the step, the requesting item
// is completed immediately with a skip annotation so the sequencer advances
// it without any external call.
func (c *Coalescer) AcquireOrSkip(ctx context.Context, entityID, stepName, itemID string) (Decision, error) {
	started, current, err := c.store.TryStartEntityStep(ctx, entityID, stepName, itemID)
	if err != nil {
		return Decision{}, err
	}
	if started {
		c.logger.Debug("coalescer: acquired", "entity", entityID, "step", stepName, "item", itemID)
		return Decision{Proceed: true}, nil
	}

	reason := models.SkipEntityInProgress
	if current == models.StatusCompleted {
		reason = models.SkipEntityAlreadyDone
	}

	c.logger.Info("coalescer: skipping duplicate entity work",
		"entity", entityID, "step", stepName, "item", itemID, "reason", reason)

	if err := c.store.SetItemStatus(ctx, itemID, stepName, models.StatusCompleted,
		models.NewSkipMeta(reason, entityID)); err != nil {
		return Decision{}, err
	}
	return Decision{Proceed: false, SkipReason: reason}, nil
}
