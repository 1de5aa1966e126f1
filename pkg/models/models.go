// Package models defines the domain models for the enrichment orchestrator
package models

import (
	"time"
)

// WorkflowStatus represents the lifecycle state of a single workflow step
type WorkflowStatus string

const (
	StatusPending    WorkflowStatus = "PENDING"
	StatusQueued     WorkflowStatus = "QUEUED"
	StatusInProgress WorkflowStatus = "IN_PROGRESS"
	StatusCompleted  WorkflowStatus = "COMPLETED"
	StatusFailed     WorkflowStatus = "FAILED"
)

// BatchStatus represents the overall state of a batch
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "PENDING"
	BatchStatusInProgress BatchStatus = "IN_PROGRESS"
	BatchStatusCompleted  BatchStatus = "COMPLETED"
	BatchStatusFailed     BatchStatus = "FAILED"
)

// StepKind distinguishes steps that complete inline from steps completed
// later by an external callback
type StepKind string

const (
	StepKindSync  StepKind = "SYNC"
	StepKindAsync StepKind = "ASYNC"
)

// EntityScope declares which deduplicated entity a step operates on.
// ScopeItem steps run once per work item; company/person scoped steps are
// coalesced across items resolving to the same entity.
type EntityScope string

const (
	ScopeItem    EntityScope = "ITEM"
	ScopeCompany EntityScope = "COMPANY"
	ScopePerson  EntityScope = "PERSON"
)

// EntityKind identifies the kind of a deduplicated entity
type EntityKind string

const (
	EntityCompany EntityKind = "COMPANY"
	EntityPerson  EntityKind = "PERSON"
)

// SubjectKind identifies what a result record is attached to
type SubjectKind string

const (
	SubjectItem   SubjectKind = "ITEM"
	SubjectEntity SubjectKind = "ENTITY"
)

// Batch is one pipeline instance. The blueprint is the ordered list of step
// slugs every item in the batch executes; it is fixed at creation time.
type Batch struct {
	ID        string      `json:"id" db:"id"`
	ClientID  string      `json:"client_id" db:"client_id"`
	Status    BatchStatus `json:"status" db:"status"`
	Blueprint []string    `json:"blueprint" db:"blueprint"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// WorkItem is one company+person record to be enriched. Input fields are
// immutable after batch creation.
type WorkItem struct {
	ID      string `json:"id" db:"id"`
	BatchID string `json:"batch_id" db:"batch_id"`

	CompanyName        *string `json:"company_name,omitempty" db:"company_name"`
	CompanyDomain      *string `json:"company_domain,omitempty" db:"company_domain"`
	CompanyLinkedInURL *string `json:"company_linkedin_url,omitempty" db:"company_linkedin_url"`

	PersonFirstName   *string `json:"person_first_name,omitempty" db:"person_first_name"`
	PersonLastName    *string `json:"person_last_name,omitempty" db:"person_last_name"`
	PersonLinkedInURL *string `json:"person_linkedin_url,omitempty" db:"person_linkedin_url"`
	PersonTitle       *string `json:"person_title,omitempty" db:"person_title"`

	// OriginalData preserves the raw ingested record (JSONB)
	OriginalData []byte `json:"original_data,omitempty" db:"original_data"`
}

// WorkflowState is the per-(batch,item,step) status row driving the
// scheduler. Exactly one row exists per triple; rows are created PENDING and
// only mutated through the store's transition primitives.
type WorkflowState struct {
	ID       string         `json:"id" db:"id"`
	BatchID  string         `json:"batch_id" db:"batch_id"`
	ItemID   string         `json:"item_id" db:"item_id"`
	StepName string         `json:"step_name" db:"step_name"`
	Status   WorkflowStatus `json:"status" db:"status"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	// AdvancedAt is set exactly once, when the sequencer has spawned the
	// successor step (or determined the pipeline is finished)
	AdvancedAt *time.Time `json:"advanced_at,omitempty" db:"advanced_at"`

	Meta *Meta `json:"meta,omitempty" db:"meta"`
}

// Entity is a deduplicated company or person shared by potentially many
// work items. DedupKey is the normalized identity: the domain for companies,
// the linkedin url (or name plus domain) for people.
type Entity struct {
	ID        string     `json:"id" db:"id"`
	Kind      EntityKind `json:"kind" db:"kind"`
	DedupKey  string     `json:"dedup_key" db:"dedup_key"`
	Name      *string    `json:"name,omitempty" db:"name"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// EntityWorkflowState tracks per-(entity,step) progress so that N items
// resolving to the same entity trigger at most one external call.
type EntityWorkflowState struct {
	ID       string         `json:"id" db:"id"`
	EntityID string         `json:"entity_id" db:"entity_id"`
	StepName string         `json:"step_name" db:"step_name"`
	Status   WorkflowStatus `json:"status" db:"status"`

	// TriggeredBy records which item won the right to run the step
	TriggeredBy *string `json:"triggered_by,omitempty" db:"triggered_by"`

	Meta      *Meta     `json:"meta,omitempty" db:"meta"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ResultRecord is an append-only log entry for an enrichment outcome.
// Multiple records per subject+step are allowed; this is history, not
// current state.
type ResultRecord struct {
	ID          string      `json:"id" db:"id"`
	SubjectKind SubjectKind `json:"subject_kind" db:"subject_kind"`
	SubjectID   string      `json:"subject_id" db:"subject_id"`
	StepName    string      `json:"step_name" db:"step_name"`
	Payload     []byte      `json:"payload" db:"payload"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
}

// StepDefinition is a registry entry describing an enrichment step
type StepDefinition struct {
	Slug        string      `json:"slug" db:"slug"`
	Name        string      `json:"name" db:"name"`
	Kind        StepKind    `json:"kind" db:"kind"`
	EntityScope EntityScope `json:"entity_scope" db:"entity_scope"`
	Description *string     `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
}

// StepConfig is the client-specific configuration for one step, typically
// carrying the provider webhook URL
type StepConfig struct {
	WebhookURL string         `json:"webhook_url"`
	Options    map[string]any `json:"options,omitempty"`
}

// BatchStateCount is one row of a batch state summary
type BatchStateCount struct {
	StepName string         `json:"step_name"`
	Status   WorkflowStatus `json:"status"`
	Count    int            `json:"count"`
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
