// Package models defines the core data models for the Cradle Container
// Platform.
//
// The models in this package represent the central data structures shared
// across the lifecycle engine, the container registry, and the dispatcher.
// They are designed for serialization (JSON), database persistence (the
// audit log), and cross-service transport.
//
// # Container Model
//
// The [ContainerRecord] type is the registry's durable record of a single
// container: its id, the interior kind and configuration used to build it,
// and timestamps. It is distinct from the in-memory [transition.State] an
// [lifecycle.Engine] tracks moment to moment — ContainerRecord is what
// survives a registry restart; state is rebuilt by re-probing the interior.
//
// # Audit Model
//
// The [AuditRecord] type is a single durable entry in the audit log: one
// state transition, actor, and outcome. Every state change and error a
// lifecycle engine emits is persisted as one AuditRecord.
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ContainerSchemaVersion identifies the current schema version of the
// ContainerRecord model. Increment this when making breaking changes to
// the struct fields or serialization format to support schema migration.
const ContainerSchemaVersion = 1

// ContainerRecord is the registry's durable record of a single container.
// It names the interior kind and configuration that built the container's
// engine and interior; it is not a snapshot of lifecycle state, which is
// owned by the running [lifecycle.Engine] and re-established by the
// interior at process restart.
type ContainerRecord struct {
	// ID is the unique identifier for this container.
	ID string `json:"id" db:"id"`

	// Kind names the interior backend this container was built with (e.g.
	// "process"). Resolved against an [interior.Registry] at create time.
	Kind string `json:"kind" db:"kind"`

	// Config is the backend-specific configuration blob passed to the
	// interior's factory at create time.
	Config map[string]any `json:"config" db:"config"`

	// OwnerID is the identity that created this container. Links to the
	// auth.Identity system.
	OwnerID string `json:"owner_id" db:"owner_id"`

	// CreatedAt is the UTC timestamp when the container was registered.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the UTC timestamp when the container record was last
	// modified (e.g. by a force-stop or configuration change).
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// NewContainerRecord creates a new ContainerRecord with the given id and
// CreatedAt/UpdatedAt set to the current UTC time.
//
// Returns an error if id, kind, or ownerID is empty.
func NewContainerRecord(id, kind, ownerID string, config map[string]any) (*ContainerRecord, error) {
	if id == "" {
		return nil, errors.New("models: container record id must not be empty")
	}
	if kind == "" {
		return nil, errors.New("models: container record kind must not be empty")
	}
	if ownerID == "" {
		return nil, errors.New("models: container record owner id must not be empty")
	}
	if config == nil {
		config = make(map[string]any)
	}

	now := time.Now().UTC()
	return &ContainerRecord{
		ID:        id,
		Kind:      kind,
		Config:    config,
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Validate checks that all required fields are present. Returns the first
// validation error encountered, or nil if the record is valid.
func (c *ContainerRecord) Validate() error {
	if c.ID == "" {
		return errors.New("models: container record id is required")
	}
	if c.Kind == "" {
		return errors.New("models: container record kind is required")
	}
	if c.OwnerID == "" {
		return errors.New("models: container record owner id is required")
	}
	if c.CreatedAt.IsZero() {
		return errors.New("models: container record created_at is required")
	}
	if c.UpdatedAt.IsZero() {
		return errors.New("models: container record updated_at is required")
	}
	return nil
}

// AuditSchemaVersion identifies the current schema version of the
// AuditRecord model.
const AuditSchemaVersion = 1

// AuditEventType names the kind of event an [AuditRecord] captures.
type AuditEventType string

const (
	// AuditEventStateChange records a state transition, stable or
	// transient, emitted by a lifecycle engine's state handler.
	AuditEventStateChange AuditEventType = "state_change"

	// AuditEventTransitionFailed records a transition failure — the
	// interior diverged from the active plan's accepted states.
	AuditEventTransitionFailed AuditEventType = "transition_failed"

	// AuditEventInteriorError records a backend-originated failure.
	AuditEventInteriorError AuditEventType = "interior_error"

	// AuditEventCreated records container creation.
	AuditEventCreated AuditEventType = "created"

	// AuditEventDestroyed records container destruction (self-eviction
	// on terminal offline, or an explicit destroy call).
	AuditEventDestroyed AuditEventType = "destroyed"
)

// Valid reports whether the event type is one of the recognized values.
func (e AuditEventType) Valid() bool {
	switch e {
	case AuditEventStateChange, AuditEventTransitionFailed,
		AuditEventInteriorError, AuditEventCreated, AuditEventDestroyed:
		return true
	default:
		return false
	}
}

// AuditRecord is a single durable entry in the audit log: one container
// event, who or what caused it, and the outcome. Every state change and
// error a lifecycle engine emits, and every create and destroy call the
// registry handles, is persisted as one AuditRecord; status reports are not.
type AuditRecord struct {
	// ID is the unique identifier for this audit entry.
	ID string `json:"id" db:"id"`

	// ContainerID is the container this record concerns.
	ContainerID string `json:"container_id" db:"container_id"`

	// EventType is the kind of event recorded. See [AuditEventType].
	EventType AuditEventType `json:"event_type" db:"event_type"`

	// FromState is the state observed before this event, if applicable.
	// Empty for events with no prior state (e.g. created).
	FromState string `json:"from_state,omitempty" db:"from_state"`

	// ToState is the state observed after this event, if applicable.
	ToState string `json:"to_state,omitempty" db:"to_state"`

	// ActorID is the identity responsible for triggering this event: a
	// user identity for dispatcher-driven calls, or "system:interior"
	// for a transition driven by the interior's own monitor report.
	ActorID string `json:"actor_id,omitempty" db:"actor_id"`

	// Detail holds event-specific data: an error message for
	// transition_failed and interior_error events, or nil otherwise.
	Detail map[string]any `json:"detail,omitempty" db:"detail"`

	// RecordedAt is the UTC timestamp when this event occurred.
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
}

// NewAuditRecord creates a new AuditRecord with a generated UUID and a UTC
// timestamp set to now.
//
// Returns an error if containerID is empty or eventType is not recognized.
func NewAuditRecord(containerID string, eventType AuditEventType, fromState, toState string) (*AuditRecord, error) {
	if containerID == "" {
		return nil, errors.New("models: audit record container id must not be empty")
	}
	if !eventType.Valid() {
		return nil, fmt.Errorf("models: invalid audit event type %q", eventType)
	}

	return &AuditRecord{
		ID:          uuid.New().String(),
		ContainerID: containerID,
		EventType:   eventType,
		FromState:   fromState,
		ToState:     toState,
		RecordedAt:  time.Now().UTC(),
	}, nil
}

// Validate checks that all required fields are present and that the event
// type is recognized.
func (a *AuditRecord) Validate() error {
	if a.ID == "" {
		return errors.New("models: audit record id is required")
	}
	if a.ContainerID == "" {
		return errors.New("models: audit record container id is required")
	}
	if !a.EventType.Valid() {
		return fmt.Errorf("models: invalid audit record event type %q", a.EventType)
	}
	if a.RecordedAt.IsZero() {
		return errors.New("models: audit record recorded_at is required")
	}
	return nil
}
