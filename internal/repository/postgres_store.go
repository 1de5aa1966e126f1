package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"enrichflow/backend/pkg/models"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("repository: not found")

// PostgresStore is a PostgreSQL implementation of the Store interface.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// ClaimForDispatch flips a workflow state from PENDING to QUEUED. The single
// conditional update is the only concurrency-safety primitive in the system:
// of any number of concurrent claims on the same row, exactly one matches
// the status predicate.
func (s *PostgresStore) ClaimForDispatch(ctx context.Context, stateID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE workflow_states
		SET status = 'QUEUED', updated_at = now()
		WHERE id = $1 AND status = 'PENDING'`, stateID)
	if err != nil {
		return false, fmt.Errorf("claim state %s: %w", stateID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetItemStatus upserts the (item,step) state row to the given status. The
// batch id is resolved from the item so callers that only know the item
// (senders, receivers, the coalescer) can record outcomes directly.
func (s *PostgresStore) SetItemStatus(ctx context.Context, itemID, stepName string, status models.WorkflowStatus, meta *models.Meta) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO workflow_states (id, batch_id, item_id, step_name, status, meta, updated_at)
		SELECT $1, bi.batch_id, bi.id, $3, $4, $5, now()
		FROM batch_items bi WHERE bi.id = $2
		ON CONFLICT (batch_id, item_id, step_name)
		DO UPDATE SET status = EXCLUDED.status, meta = EXCLUDED.meta, updated_at = now()`,
		uuid.New().String(), itemID, stepName, status, meta)
	if err != nil {
		return fmt.Errorf("set status for item %s step %s: %w", itemID, stepName, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set status for item %s: %w", itemID, ErrNotFound)
	}
	return nil
}

// MarkAdvanced sets advanced_at only if it is still null, so the at-most-once
// advancement signal survives concurrent sequencer ticks.
func (s *PostgresStore) MarkAdvanced(ctx context.Context, stateID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE workflow_states
		SET advanced_at = now()
		WHERE id = $1 AND advanced_at IS NULL`, stateID)
	if err != nil {
		return false, fmt.Errorf("mark advanced %s: %w", stateID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SpawnStep creates a PENDING row for the triple, relying on the uniqueness
// constraint to keep successor spawning idempotent under concurrent
// sequencer runs.
func (s *PostgresStore) SpawnStep(ctx context.Context, batchID, itemID, stepName string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO workflow_states (id, batch_id, item_id, step_name, status, updated_at)
		VALUES ($1, $2, $3, $4, 'PENDING', now())
		ON CONFLICT (batch_id, item_id, step_name) DO NOTHING`,
		uuid.New().String(), batchID, itemID, stepName)
	if err != nil {
		return false, fmt.Errorf("spawn step %s for item %s: %w", stepName, itemID, err)
	}
	return tag.RowsAffected() > 0, nil
}

const stateColumns = `id, batch_id, item_id, step_name, status, updated_at, advanced_at, meta`

func scanStates(rows pgx.Rows) ([]*models.WorkflowState, error) {
	defer rows.Close()
	var states []*models.WorkflowState
	for rows.Next() {
		var st models.WorkflowState
		if err := rows.Scan(&st.ID, &st.BatchID, &st.ItemID, &st.StepName, &st.Status,
			&st.UpdatedAt, &st.AdvancedAt, &st.Meta); err != nil {
			return nil, err
		}
		states = append(states, &st)
	}
	return states, rows.Err()
}

// PendingStates returns up to limit PENDING rows, oldest first for FIFO
// fairness across the backlog.
func (s *PostgresStore) PendingStates(ctx context.Context, limit int) ([]*models.WorkflowState, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+stateColumns+` FROM workflow_states
		WHERE status = 'PENDING'
		ORDER BY updated_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending states: %w", err)
	}
	return scanStates(rows)
}

// CompletedUnadvanced returns COMPLETED rows whose successor has not been
// spawned yet.
func (s *PostgresStore) CompletedUnadvanced(ctx context.Context, limit int) ([]*models.WorkflowState, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+stateColumns+` FROM workflow_states
		WHERE status = 'COMPLETED' AND advanced_at IS NULL
		ORDER BY updated_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch completed states: %w", err)
	}
	return scanStates(rows)
}

// StuckStates reports QUEUED rows whose executor handoff apparently never
// happened. There is no automatic unclaim; these need an operator.
func (s *PostgresStore) StuckStates(ctx context.Context, cutoff time.Time) ([]*models.WorkflowState, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+stateColumns+` FROM workflow_states
		WHERE status = 'QUEUED' AND updated_at < $1
		ORDER BY updated_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("fetch stuck states: %w", err)
	}
	return scanStates(rows)
}

// ResetFailed flips a FAILED row back to PENDING. Manual retry path only.
func (s *PostgresStore) ResetFailed(ctx context.Context, itemID, stepName string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE workflow_states
		SET status = 'PENDING', meta = NULL, updated_at = now()
		WHERE item_id = $1 AND step_name = $2 AND status = 'FAILED'`, itemID, stepName)
	if err != nil {
		return false, fmt.Errorf("reset failed state for item %s step %s: %w", itemID, stepName, err)
	}
	return tag.RowsAffected() > 0, nil
}

// BatchBlueprint returns the ordered step slugs for a batch.
func (s *PostgresStore) BatchBlueprint(ctx context.Context, batchID string) ([]string, error) {
	var blueprint []string
	err := s.db.QueryRow(ctx, `SELECT blueprint FROM batches WHERE id = $1`, batchID).Scan(&blueprint)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch blueprint for batch %s: %w", batchID, err)
	}
	return blueprint, nil
}

// CreateBatch stores the batch, its items, and the first-step PENDING state
// row per item in one transaction.
func (s *PostgresStore) CreateBatch(ctx context.Context, batch *models.Batch, items []*models.WorkItem) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create batch: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO batches (id, client_id, status, blueprint, created_at)
		VALUES ($1, $2, $3, $4, now())`,
		batch.ID, batch.ClientID, batch.Status, batch.Blueprint)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	firstStep := ""
	if len(batch.Blueprint) > 0 {
		firstStep = batch.Blueprint[0]
	}

	for _, item := range items {
		_, err = tx.Exec(ctx, `
			INSERT INTO batch_items (id, batch_id, company_name, company_domain, company_linkedin_url,
				person_first_name, person_last_name, person_linkedin_url, person_title, original_data)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			item.ID, batch.ID, item.CompanyName, item.CompanyDomain, item.CompanyLinkedInURL,
			item.PersonFirstName, item.PersonLastName, item.PersonLinkedInURL, item.PersonTitle, item.OriginalData)
		if err != nil {
			return fmt.Errorf("insert batch item: %w", err)
		}

		if firstStep != "" {
			_, err = tx.Exec(ctx, `
				INSERT INTO workflow_states (id, batch_id, item_id, step_name, status, updated_at)
				VALUES ($1, $2, $3, $4, 'PENDING', now())`,
				uuid.New().String(), batch.ID, item.ID, firstStep)
			if err != nil {
				return fmt.Errorf("insert first step state: %w", err)
			}
		}
	}

	return tx.Commit(ctx)
}

// WorkItem fetches one item by id.
func (s *PostgresStore) WorkItem(ctx context.Context, itemID string) (*models.WorkItem, error) {
	var item models.WorkItem
	err := s.db.QueryRow(ctx, `
		SELECT id, batch_id, company_name, company_domain, company_linkedin_url,
			person_first_name, person_last_name, person_linkedin_url, person_title, original_data
		FROM batch_items WHERE id = $1`, itemID).
		Scan(&item.ID, &item.BatchID, &item.CompanyName, &item.CompanyDomain, &item.CompanyLinkedInURL,
			&item.PersonFirstName, &item.PersonLastName, &item.PersonLinkedInURL, &item.PersonTitle, &item.OriginalData)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch item %s: %w", itemID, err)
	}
	return &item, nil
}

// BatchStateSummary returns per-(step,status) row counts for a batch.
func (s *PostgresStore) BatchStateSummary(ctx context.Context, batchID string) ([]*models.BatchStateCount, error) {
	rows, err := s.db.Query(ctx, `
		SELECT step_name, status, count(*)
		FROM workflow_states
		WHERE batch_id = $1
		GROUP BY step_name, status
		ORDER BY step_name, status`, batchID)
	if err != nil {
		return nil, fmt.Errorf("fetch batch summary %s: %w", batchID, err)
	}
	defer rows.Close()

	var counts []*models.BatchStateCount
	for rows.Next() {
		var c models.BatchStateCount
		if err := rows.Scan(&c.StepName, &c.Status, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, &c)
	}
	return counts, rows.Err()
}

// ResolveEntity upserts a deduplicated entity by (kind, dedup_key) and
// returns its id. The no-op DO UPDATE makes RETURNING work on conflict.
func (s *PostgresStore) ResolveEntity(ctx context.Context, kind models.EntityKind, dedupKey string, name *string) (string, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		INSERT INTO entities (id, kind, dedup_key, name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, dedup_key)
		DO UPDATE SET name = COALESCE(entities.name, EXCLUDED.name)
		RETURNING id`,
		uuid.New().String(), kind, dedupKey, name).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("resolve entity %s/%s: %w", kind, dedupKey, err)
	}
	return id, nil
}

// TryStartEntityStep takes ownership of (entity,step) with CAS semantics and
// no read-then-write window:
//
//  1. insert the row IN_PROGRESS if absent (uniqueness constraint decides
//     the winner),
//  2. otherwise flip an abandoned PENDING/FAILED row to IN_PROGRESS,
//  3. otherwise read back who owns it.
func (s *PostgresStore) TryStartEntityStep(ctx context.Context, entityID, stepName, triggeredBy string) (bool, models.WorkflowStatus, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO entity_workflow_states (id, entity_id, step_name, status, triggered_by, created_at, updated_at)
		VALUES ($1, $2, $3, 'IN_PROGRESS', $4, now(), now())
		ON CONFLICT (entity_id, step_name) DO NOTHING`,
		uuid.New().String(), entityID, stepName, triggeredBy)
	if err != nil {
		return false, "", fmt.Errorf("start entity step %s/%s: %w", entityID, stepName, err)
	}
	if tag.RowsAffected() > 0 {
		return true, models.StatusInProgress, nil
	}

	tag, err = s.db.Exec(ctx, `
		UPDATE entity_workflow_states
		SET status = 'IN_PROGRESS', triggered_by = $3, updated_at = now()
		WHERE entity_id = $1 AND step_name = $2 AND status IN ('PENDING', 'FAILED')`,
		entityID, stepName, triggeredBy)
	if err != nil {
		return false, "", fmt.Errorf("restart entity step %s/%s: %w", entityID, stepName, err)
	}
	if tag.RowsAffected() > 0 {
		return true, models.StatusInProgress, nil
	}

	var status models.WorkflowStatus
	err = s.db.QueryRow(ctx, `
		SELECT status FROM entity_workflow_states
		WHERE entity_id = $1 AND step_name = $2`, entityID, stepName).Scan(&status)
	if err != nil {
		return false, "", fmt.Errorf("read entity step %s/%s: %w", entityID, stepName, err)
	}
	return false, status, nil
}

// SetEntityStepStatus upserts the (entity,step) row to the given status.
func (s *PostgresStore) SetEntityStepStatus(ctx context.Context, entityID, stepName string, status models.WorkflowStatus, meta *models.Meta) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO entity_workflow_states (id, entity_id, step_name, status, meta, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (entity_id, step_name)
		DO UPDATE SET status = EXCLUDED.status, meta = EXCLUDED.meta, updated_at = now()`,
		uuid.New().String(), entityID, stepName, status, meta)
	if err != nil {
		return fmt.Errorf("set entity step %s/%s: %w", entityID, stepName, err)
	}
	return nil
}

// AppendResult appends one result record.
func (s *PostgresStore) AppendResult(ctx context.Context, rec *models.ResultRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO result_records (id, subject_kind, subject_id, step_name, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`,
		rec.ID, rec.SubjectKind, rec.SubjectID, rec.StepName, rec.Payload)
	if err != nil {
		return fmt.Errorf("append result for %s/%s: %w", rec.SubjectID, rec.StepName, err)
	}
	return nil
}

// StepDefinition fetches a step registry entry by slug.
func (s *PostgresStore) StepDefinition(ctx context.Context, slug string) (*models.StepDefinition, error) {
	var def models.StepDefinition
	err := s.db.QueryRow(ctx, `
		SELECT slug, name, kind, entity_scope, description, created_at
		FROM step_registry WHERE slug = $1`, slug).
		Scan(&def.Slug, &def.Name, &def.Kind, &def.EntityScope, &def.Description, &def.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("step %s: %w", slug, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch step %s: %w", slug, err)
	}
	return &def, nil
}

// UpsertStepDefinition registers or updates a step registry entry.
func (s *PostgresStore) UpsertStepDefinition(ctx context.Context, def *models.StepDefinition) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO step_registry (slug, name, kind, entity_scope, description, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (slug)
		DO UPDATE SET name = EXCLUDED.name, kind = EXCLUDED.kind,
			entity_scope = EXCLUDED.entity_scope, description = EXCLUDED.description`,
		def.Slug, def.Name, def.Kind, def.EntityScope, def.Description)
	if err != nil {
		return fmt.Errorf("upsert step %s: %w", def.Slug, err)
	}
	return nil
}

// StepConfig resolves the owning client's configuration for a step.
func (s *PostgresStore) StepConfig(ctx context.Context, itemID, stepSlug string) (*models.StepConfig, error) {
	var cfg models.StepConfig
	err := s.db.QueryRow(ctx, `
		SELECT csc.config
		FROM batch_items bi
		JOIN batches b ON bi.batch_id = b.id
		JOIN client_step_configs csc ON b.client_id = csc.client_id
		WHERE bi.id = $1 AND csc.step_slug = $2`, itemID, stepSlug).Scan(&cfg)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch config for item %s step %s: %w", itemID, stepSlug, err)
	}
	return &cfg, nil
}

// CreateClient stores a client.
func (s *PostgresStore) CreateClient(ctx context.Context, client *models.Client) error {
	if client.ID == "" {
		client.ID = uuid.New().String()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO clients (id, name, domain, created_at)
		VALUES ($1, $2, $3, now())`,
		client.ID, client.Name, client.Domain)
	if err != nil {
		return fmt.Errorf("create client %s: %w", client.Domain, err)
	}
	return nil
}

// GetClientByDomain fetches a client by its domain.
func (s *PostgresStore) GetClientByDomain(ctx context.Context, domain string) (*models.Client, error) {
	var client models.Client
	err := s.db.QueryRow(ctx, `
		SELECT id, name, domain, created_at FROM clients WHERE domain = $1`, domain).
		Scan(&client.ID, &client.Name, &client.Domain, &client.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("client %s: %w", domain, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch client %s: %w", domain, err)
	}
	return &client, nil
}

// UpsertClientStepConfig stores a client's configuration for a step.
func (s *PostgresStore) UpsertClientStepConfig(ctx context.Context, clientID, stepSlug string, cfg *models.StepConfig) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO client_step_configs (client_id, step_slug, config, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (client_id, step_slug)
		DO UPDATE SET config = EXCLUDED.config, updated_at = now()`,
		clientID, stepSlug, cfg)
	if err != nil {
		return fmt.Errorf("upsert config for client %s step %s: %w", clientID, stepSlug, err)
	}
	return nil
}
