// Package services implements the two halves of the asynchronous enrichment
// contract. The Sender initiates external work and records IN_PROGRESS; the
// Receiver accepts results whenever the provider calls back and records the
// terminal status. The two never invoke each other.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"enrichflow/backend/internal/engine"
	"enrichflow/backend/internal/repository"
	"enrichflow/backend/pkg/models"
)

// ErrInvalidPayload is returned by Receive when the callback is rejected
// before any state write. The item stays IN_PROGRESS and the callback can
// be retried once the payload is fixed.
var ErrInvalidPayload = errors.New("invalid receiver payload")

// Store is the slice of the repository the enrichment service needs.
type Store interface {
	StepDefinition(ctx context.Context, slug string) (*models.StepDefinition, error)
	StepConfig(ctx context.Context, itemID, stepSlug string) (*models.StepConfig, error)
	WorkItem(ctx context.Context, itemID string) (*models.WorkItem, error)
	SetItemStatus(ctx context.Context, itemID, stepName string, status models.WorkflowStatus, meta *models.Meta) error
	SetEntityStepStatus(ctx context.Context, entityID, stepName string, status models.WorkflowStatus, meta *models.Meta) error
	ResolveEntity(ctx context.Context, kind models.EntityKind, dedupKey string, name *string) (string, error)
	AppendResult(ctx context.Context, rec *models.ResultRecord) error
}

// Archiver stores raw callback payloads in object storage before the result
// record is written.
type Archiver interface {
	StorePayload(ctx context.Context, subjectID, stepName string, payload []byte) (string, error)
}

// SyncHandler performs a synchronous step inline and returns its result
// payload.
type SyncHandler func(ctx context.Context, item *models.WorkItem) (any, error)

// EnrichmentService drives senders and receivers over the state store.
type EnrichmentService struct {
	store     Store
	coalescer *engine.Coalescer
	webhook   WebhookClient
	archive   Archiver // nil when archiving is disabled
	trigger   *engine.Trigger
	logger    engine.Logger

	syncHandlers map[string]SyncHandler
}

// NewEnrichmentService creates the service.
func NewEnrichmentService(store Store, coalescer *engine.Coalescer, webhook WebhookClient,
	archive Archiver, trigger *engine.Trigger, logger engine.Logger) *EnrichmentService {
	return &EnrichmentService{
		store:        store,
		coalescer:    coalescer,
		webhook:      webhook,
		archive:      archive,
		trigger:      trigger,
		logger:       logger,
		syncHandlers: make(map[string]SyncHandler),
	}
}

// RegisterSyncHandler binds an inline handler for a SYNC step.
func (s *EnrichmentService) RegisterSyncHandler(slug string, h SyncHandler) {
	s.syncHandlers[slug] = h
}

// Send is the sender half of a dispatched task. It must not block waiting
// for the external result and must not invoke the receiver, even in-process.
//
// Business failures (missing config, provider rejection) are recorded as
// FAILED on the item and are terminal; only store errors propagate to the
// caller.
func (s *EnrichmentService) Send(ctx context.Context, task engine.Task) error {
	def, err := s.store.StepDefinition(ctx, task.StepName)
	if errors.Is(err, repository.ErrNotFound) {
		return s.failItem(ctx, task.ItemID, task.StepName, "step not registered")
	}
	if err != nil {
		return err
	}

	if def.Kind == models.StepKindSync {
		return s.runSync(ctx, task)
	}

	item, err := s.store.WorkItem(ctx, task.ItemID)
	if err != nil {
		return err
	}

	// entity coalescing for shared company/person steps
	entityID := ""
	if def.EntityScope != models.ScopeItem {
		kind, key, name, ok := entityRef(item, def.EntityScope)
		if !ok {
			s.logger.Debug("sender: no dedup key, running un-coalesced", "item", item.ID, "step", task.StepName)
		} else {
			entityID, err = s.store.ResolveEntity(ctx, kind, key, name)
			if err != nil {
				return err
			}
			decision, err := s.coalescer.AcquireOrSkip(ctx, entityID, task.StepName, item.ID)
			if err != nil {
				return err
			}
			if !decision.Proceed {
				return nil
			}
		}
	}

	cfg, err := s.store.StepConfig(ctx, task.ItemID, task.StepName)
	if err != nil {
		return err
	}
	if cfg == nil || cfg.WebhookURL == "" {
		s.logger.Warn("sender: no webhook_url configured", "item", task.ItemID, "step", task.StepName)
		if entityID != "" {
			if err := s.store.SetEntityStepStatus(ctx, entityID, task.StepName, models.StatusFailed,
				models.NewErrorMeta("no webhook_url configured")); err != nil {
				return err
			}
		}
		return s.failItem(ctx, task.ItemID, task.StepName, "no webhook_url configured")
	}

	payload := senderPayload(item, entityID)
	if err := s.webhook.Post(ctx, cfg.WebhookURL, payload); err != nil {
		s.logger.Error("sender: webhook call failed", "item", task.ItemID, "step", task.StepName, "error", err)
		if entityID != "" {
			if err := s.store.SetEntityStepStatus(ctx, entityID, task.StepName, models.StatusFailed,
				models.NewErrorMeta(err.Error())); err != nil {
				return err
			}
		}
		return s.failItem(ctx, task.ItemID, task.StepName, err.Error())
	}

	s.logger.Info("sender: dispatched to provider", "item", task.ItemID, "step", task.StepName)
	return s.store.SetItemStatus(ctx, task.ItemID, task.StepName, models.StatusInProgress,
		models.NewDispatchMeta("webhook", cfg.WebhookURL))
}

// runSync executes a SYNC step inline and records the terminal outcome
// directly; such steps never pass through QUEUED callbacks.
func (s *EnrichmentService) runSync(ctx context.Context, task engine.Task) error {
	handler, ok := s.syncHandlers[task.StepName]
	if !ok {
		return s.failItem(ctx, task.ItemID, task.StepName, "no sync handler registered")
	}

	item, err := s.store.WorkItem(ctx, task.ItemID)
	if err != nil {
		return err
	}

	result, err := handler(ctx, item)
	if err != nil {
		s.logger.Error("sender: sync step failed", "item", task.ItemID, "step", task.StepName, "error", err)
		return s.failItem(ctx, task.ItemID, task.StepName, err.Error())
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return s.failItem(ctx, task.ItemID, task.StepName, fmt.Sprintf("unencodable result: %v", err))
	}

	if err := s.store.AppendResult(ctx, &models.ResultRecord{
		ID:          uuid.New().String(),
		SubjectKind: models.SubjectItem,
		SubjectID:   task.ItemID,
		StepName:    task.StepName,
		Payload:     payload,
	}); err != nil {
		return err
	}

	if err := s.store.SetItemStatus(ctx, task.ItemID, task.StepName, models.StatusCompleted,
		&models.Meta{Kind: models.MetaCompleted}); err != nil {
		return err
	}

	s.trigger.Notify()
	return nil
}

// CallbackResult is what the receiver boundary accepts from outside.
type CallbackResult struct {
	ItemID   string          `json:"item_id"`
	StepName string          `json:"step_name"`
	Payload  json.RawMessage `json:"payload"`
}

// Receive is the receiver half: invoked by the provider's callback
// mechanism (or test tooling), it appends the result record, records the
// terminal status, and pokes the advancement trigger.
//
// Malformed callbacks are rejected with ErrInvalidPayload before any state
// write, leaving the item IN_PROGRESS for a retried callback.
func (s *EnrichmentService) Receive(ctx context.Context, res CallbackResult) error {
	if _, err := uuid.Parse(res.ItemID); err != nil {
		return fmt.Errorf("%w: bad item id %q", ErrInvalidPayload, res.ItemID)
	}
	if res.StepName == "" {
		return fmt.Errorf("%w: missing step name", ErrInvalidPayload)
	}
	if len(res.Payload) == 0 || !json.Valid(res.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidPayload)
	}

	def, err := s.store.StepDefinition(ctx, res.StepName)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: unknown step %q", ErrInvalidPayload, res.StepName)
	}
	if err != nil {
		return err
	}

	if s.archive != nil {
		if key, err := s.archive.StorePayload(ctx, res.ItemID, res.StepName, res.Payload); err != nil {
			// archiving is best effort; the result record is authoritative
			s.logger.Warn("receiver: payload archive failed", "item", res.ItemID, "error", err)
		} else {
			s.logger.Debug("receiver: payload archived", "key", key)
		}
	}

	status := models.StatusCompleted
	meta := &models.Meta{Kind: models.MetaCompleted, Extra: res.Payload}
	if errMsg := payloadError(res.Payload); errMsg != "" {
		status = models.StatusFailed
		meta = models.NewErrorMeta(errMsg)
	}

	if err := s.store.AppendResult(ctx, &models.ResultRecord{
		ID:          uuid.New().String(),
		SubjectKind: models.SubjectItem,
		SubjectID:   res.ItemID,
		StepName:    res.StepName,
		Payload:     res.Payload,
	}); err != nil {
		return err
	}

	// mirror the outcome on the shared entity so waiting items coalesce
	if def.EntityScope != models.ScopeItem {
		if err := s.recordEntityOutcome(ctx, res, def.EntityScope, status, meta); err != nil {
			return err
		}
	}

	if err := s.store.SetItemStatus(ctx, res.ItemID, res.StepName, status, meta); err != nil {
		return err
	}

	s.logger.Info("receiver: result recorded", "item", res.ItemID, "step", res.StepName, "status", status)
	s.trigger.Notify()
	return nil
}

func (s *EnrichmentService) recordEntityOutcome(ctx context.Context, res CallbackResult,
	scope models.EntityScope, status models.WorkflowStatus, meta *models.Meta) error {
	item, err := s.store.WorkItem(ctx, res.ItemID)
	if err != nil {
		return err
	}
	kind, key, name, ok := entityRef(item, scope)
	if !ok {
		return nil
	}
	entityID, err := s.store.ResolveEntity(ctx, kind, key, name)
	if err != nil {
		return err
	}
	if err := s.store.AppendResult(ctx, &models.ResultRecord{
		ID:          uuid.New().String(),
		SubjectKind: models.SubjectEntity,
		SubjectID:   entityID,
		StepName:    res.StepName,
		Payload:     res.Payload,
	}); err != nil {
		return err
	}
	return s.store.SetEntityStepStatus(ctx, entityID, res.StepName, status, meta)
}

func (s *EnrichmentService) failItem(ctx context.Context, itemID, stepName, msg string) error {
	return s.store.SetItemStatus(ctx, itemID, stepName, models.StatusFailed, models.NewErrorMeta(msg))
}

// senderPayload builds the provider payload from the item's input fields.
func senderPayload(item *models.WorkItem, entityID string) map[string]any {
	p := map[string]any{
		"item_id":              item.ID,
		"company_name":         deref(item.CompanyName),
		"company_domain":       deref(item.CompanyDomain),
		"company_linkedin_url": deref(item.CompanyLinkedInURL),
		"person_first_name":    deref(item.PersonFirstName),
		"person_last_name":     deref(item.PersonLastName),
		"person_linkedin_url":  deref(item.PersonLinkedInURL),
		"person_title":         deref(item.PersonTitle),
		"sent_at":              time.Now().UTC().Format(time.RFC3339),
	}
	if entityID != "" {
		p["entity_id"] = entityID
	}
	return p
}

// payloadError extracts an error signal from a callback payload, if any.
func payloadError(payload json.RawMessage) string {
	var probe struct {
		Error  string `json:"error"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	if probe.Error != "" {
		return probe.Error
	}
	if probe.Status == "error" || probe.Status == "failed" {
		return "provider reported failure"
	}
	return ""
}
