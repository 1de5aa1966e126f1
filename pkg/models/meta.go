package models

import (
	"encoding/json"
	"time"
)

// MetaKind tags the shape carried by a Meta annotation
type MetaKind string

const (
	// MetaError carries terminal failure detail
	MetaError MetaKind = "error"
	// MetaSkip records why an item was short-circuited by entity coalescing
	MetaSkip MetaKind = "skip"
	// MetaDispatch captures what was sent to the external provider and when
	MetaDispatch MetaKind = "dispatch"
	// MetaUnroutable marks a claimed item with no registered executor
	MetaUnroutable MetaKind = "unroutable"
	// MetaCompleted records when a result was received
	MetaCompleted MetaKind = "completed"
)

// Skip reasons written by the entity coalescer.
const (
	SkipEntityAlreadyDone = "entity_already_done"
	SkipEntityInProgress  = "entity_in_progress"
)

// Meta is the structured annotation attached to a workflow state. It is a
// tagged union over the known annotation shapes, with an opaque passthrough
// field for provider-specific data. Stored as JSONB.
type Meta struct {
	Kind MetaKind `json:"kind"`

	Error    *ErrorMeta    `json:"error,omitempty"`
	Skip     *SkipMeta     `json:"skip,omitempty"`
	Dispatch *DispatchMeta `json:"dispatch,omitempty"`

	// Extra carries provider-specific data the core does not interpret
	Extra json.RawMessage `json:"extra,omitempty"`
}

// ErrorMeta holds terminal failure detail for operator inspection
type ErrorMeta struct {
	Message  string    `json:"message"`
	FailedAt time.Time `json:"failed_at"`
}

// SkipMeta records why the coalescer completed an item without sending
type SkipMeta struct {
	Reason   string    `json:"reason"`
	EntityID string    `json:"entity_id"`
	Skipped  time.Time `json:"skipped_at"`
}

// DispatchMeta captures the external call context written by a sender
type DispatchMeta struct {
	Service    string    `json:"service"`
	WebhookURL string    `json:"webhook_url,omitempty"`
	SentAt     time.Time `json:"sent_at"`
}

// NewErrorMeta builds an error annotation stamped now
func NewErrorMeta(msg string) *Meta {
	return &Meta{
		Kind:  MetaError,
		Error: &ErrorMeta{Message: msg, FailedAt: time.Now().UTC()},
	}
}

// NewSkipMeta builds a skip annotation stamped now
func NewSkipMeta(reason, entityID string) *Meta {
	return &Meta{
		Kind: MetaSkip,
		Skip: &SkipMeta{Reason: reason, EntityID: entityID, Skipped: time.Now().UTC()},
	}
}

// NewDispatchMeta builds a dispatch annotation stamped now
func NewDispatchMeta(service, webhookURL string) *Meta {
	return &Meta{
		Kind:     MetaDispatch,
		Dispatch: &DispatchMeta{Service: service, WebhookURL: webhookURL, SentAt: time.Now().UTC()},
	}
}
