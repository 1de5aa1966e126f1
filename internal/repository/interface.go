package repository

import (
	"context"
	"time"

	"enrichflow/backend/pkg/models"
)

// Store is the persistence boundary for the scheduling engine. All status
// transitions go through the conditional primitives below; callers never
// mutate workflow state any other way.
//
// Racing writers are resolved by predicate, not by error: a conditional
// update that matched no row reports false, which is a benign outcome.
type Store interface {
	// ClaimForDispatch flips a workflow state from PENDING to QUEUED.
	// It returns false if another caller claimed the row first.
	ClaimForDispatch(ctx context.Context, stateID string) (bool, error)

	// SetItemStatus upserts the (item,step) state row to the given status.
	// Rows that were never explicitly queued (synchronous steps, coalesced
	// skips) are created on the fly.
	SetItemStatus(ctx context.Context, itemID, stepName string, status models.WorkflowStatus, meta *models.Meta) error

	// MarkAdvanced sets advanced_at if it is still null. Exactly one of any
	// number of concurrent calls returns true.
	MarkAdvanced(ctx context.Context, stateID string) (bool, error)

	// SpawnStep creates a PENDING state row for the given triple. Returns
	// false if the row already existed.
	SpawnStep(ctx context.Context, batchID, itemID, stepName string) (bool, error)

	// PendingStates returns up to limit PENDING rows, oldest updated_at first.
	PendingStates(ctx context.Context, limit int) ([]*models.WorkflowState, error)

	// CompletedUnadvanced returns up to limit COMPLETED rows whose successor
	// has not been spawned yet, oldest updated_at first.
	CompletedUnadvanced(ctx context.Context, limit int) ([]*models.WorkflowState, error)

	// StuckStates reports QUEUED rows not touched since the cutoff. These are
	// claims whose executor handoff never happened; they need an operator.
	StuckStates(ctx context.Context, cutoff time.Time) ([]*models.WorkflowState, error)

	// ResetFailed flips a FAILED (item,step) row back to PENDING so the
	// dispatcher picks it up again. Returns false if the row was not FAILED.
	ResetFailed(ctx context.Context, itemID, stepName string) (bool, error)

	// BatchBlueprint returns the ordered step slugs for a batch.
	BatchBlueprint(ctx context.Context, batchID string) ([]string, error)

	// CreateBatch stores a batch with its items and creates the first-step
	// PENDING state row for every item, all in one transaction.
	CreateBatch(ctx context.Context, batch *models.Batch, items []*models.WorkItem) error

	// WorkItem fetches one item by id.
	WorkItem(ctx context.Context, itemID string) (*models.WorkItem, error)

	// BatchStateSummary returns per-(step,status) row counts for a batch.
	BatchStateSummary(ctx context.Context, batchID string) ([]*models.BatchStateCount, error)

	// ResolveEntity upserts a deduplicated entity and returns its id.
	ResolveEntity(ctx context.Context, kind models.EntityKind, dedupKey string, name *string) (string, error)

	// TryStartEntityStep attempts to take ownership of (entity,step) by
	// setting it IN_PROGRESS. If another item already owns or finished the
	// step, started is false and current reports its status.
	TryStartEntityStep(ctx context.Context, entityID, stepName, triggeredBy string) (started bool, current models.WorkflowStatus, err error)

	// SetEntityStepStatus upserts the (entity,step) row to the given status.
	SetEntityStepStatus(ctx context.Context, entityID, stepName string, status models.WorkflowStatus, meta *models.Meta) error

	// AppendResult appends one result record. Records are never updated.
	AppendResult(ctx context.Context, rec *models.ResultRecord) error

	// StepDefinition fetches a step registry entry by slug.
	StepDefinition(ctx context.Context, slug string) (*models.StepDefinition, error)

	// UpsertStepDefinition registers or updates a step registry entry.
	UpsertStepDefinition(ctx context.Context, def *models.StepDefinition) error

	// StepConfig resolves the owning client's configuration for a step,
	// traversing item -> batch -> client. Returns nil when unconfigured.
	StepConfig(ctx context.Context, itemID, stepSlug string) (*models.StepConfig, error)

	// CreateClient stores a client.
	CreateClient(ctx context.Context, client *models.Client) error

	// GetClientByDomain fetches a client by its domain.
	GetClientByDomain(ctx context.Context, domain string) (*models.Client, error)

	// UpsertClientStepConfig stores a client's configuration for a step.
	UpsertClientStepConfig(ctx context.Context, clientID, stepSlug string, cfg *models.StepConfig) error
}
