// Package registry implements the Container Registry: the id → engine
// map that owns every running [lifecycle.Engine], resolves an interior
// [interior.Factory] for new containers, and forwards each engine's
// lifecycle events onto a [pubsub.Bus] and an [audit.Recorder].
//
// The registry is the only place cross-container shared state lives —
// individual engines know nothing about each other or about the
// registry that owns them. An engine's self-eviction (removing itself
// from the map once it settles at offline) is driven entirely from the
// registry's own state handler, never from inside the engine.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cradlesystems/cradle-core/pkg/audit"
	"github.com/cradlesystems/cradle-core/pkg/auth"
	sserr "github.com/cradlesystems/cradle-core/pkg/errors"
	"github.com/cradlesystems/cradle-core/pkg/interior"
	"github.com/cradlesystems/cradle-core/pkg/lifecycle"
	"github.com/cradlesystems/cradle-core/pkg/models"
	"github.com/cradlesystems/cradle-core/pkg/pubsub"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/cradlesystems/cradle-core/pkg/registry"

// entry is one registered container: its engine and the durable-shaped
// record describing it (kind, owner, opaque config). The record is
// never itself persisted across restarts — persistence of container
// state is explicitly out of scope — but it's what Query/List report
// back to callers, and what a Recorder's audit rows reference by id.
type entry struct {
	engine *lifecycle.Engine
	record *models.ContainerRecord
}

// Registry holds every live container's engine, keyed by id.
type Registry struct {
	interiors interior.Registry
	bus       pubsub.Bus
	recorder  audit.Recorder
	logger    *slog.Logger
	tracer    trace.Tracer

	mu      sync.RWMutex
	entries map[string]*entry
}

// New constructs an empty Registry. factories resolves a container's
// configured kind to an [interior.Factory] at create time. bus and
// recorder may be nil — a nil bus skips pub/sub forwarding, a nil
// recorder skips audit logging; both are optional per the teacher's
// "every platform dependency is injectable, none is mandatory"
// convention.
func New(factories interior.Registry, bus pubsub.Bus, recorder audit.Recorder, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		interiors: factories,
		bus:       bus,
		recorder:  recorder,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		entries:   make(map[string]*entry),
	}
}

// Create constructs a new container's engine from config, registers it
// under id, and begins loading it by issuing SetState(Stopped).
//
// Fails with a Conflict error if id is already registered, or with the
// interior registry's own validation error (CodeValidation) if config
// cannot resolve an interior factory.
func (r *Registry) Create(ctx context.Context, id string, ownerID string, config interior.Config) error {
	ctx, span := r.tracer.Start(ctx, "registry.Create", trace.WithAttributes(attribute.String("container.id", id)))
	defer span.End()

	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		err := sserr.Conflict(fmt.Sprintf("registry: container %q already exists", id))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	// Reserve the slot before the rest of construction so a concurrent
	// Create for the same id fails fast instead of racing the factory
	// call and engine build below.
	r.entries[id] = nil
	r.mu.Unlock()

	engine, record, err := r.build(ctx, id, ownerID, config)
	if err != nil {
		r.mu.Lock()
		delete(r.entries, id)
		r.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	r.mu.Lock()
	r.entries[id] = &entry{engine: engine, record: record}
	r.mu.Unlock()

	r.recordAudit(ctx, id, models.AuditEventCreated, "", "", actorFromContext(ctx))

	span.SetStatus(codes.Ok, "")
	return engine.SetState(lifecycle.Stopped)
}

// build resolves config's interior factory, constructs the interior and
// its owning engine, and wires the engine's events to the registry's
// forwarders. It does not touch r.entries.
func (r *Registry) build(ctx context.Context, id, ownerID string, config interior.Config) (*lifecycle.Engine, *models.ContainerRecord, error) {
	factory, kind, err := r.interiors.Resolve(config)
	if err != nil {
		return nil, nil, err
	}

	record, err := models.NewContainerRecord(id, kind, ownerID, config)
	if err != nil {
		return nil, nil, err
	}

	// The interior's Factory needs a Monitor before the Engine it will
	// report to exists. engine is assigned once Build returns, below;
	// the closure only ever runs later, in response to an action the
	// engine itself dispatches after construction, so by the time it's
	// invoked engine is always non-nil.
	var engine *lifecycle.Engine
	deps := interior.Dependencies{
		Monitor: func(event interior.Event, data any) { engine.Monitor()(event, data) },
		Logger:  r.logger,
	}

	backend, err := factory(ctx, id, config, deps)
	if err != nil {
		return nil, nil, err
	}

	engine, err = lifecycle.NewEngineBuilder(id, backend).
		WithLogger(r.logger).
		OnState(func(curr, prev lifecycle.State) { r.handleState(id, curr, prev) }).
		OnStatus(func(payload any) { r.handleStatus(id, payload) }).
		OnError(func(err error) { r.handleError(id, err) }).
		Build()
	if err != nil {
		return nil, nil, err
	}

	return engine, record, nil
}

// Destroy issues SetState(Offline) on id's engine. The registry does not
// remove id from the map here; the state handler it registered on the
// engine does that once it observes a genuine offline settle
// (prev != offline).
func (r *Registry) Destroy(ctx context.Context, id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	r.recordAudit(ctx, id, models.AuditEventDestroyed, "", "", actorFromContext(ctx))
	return e.SetState(lifecycle.Offline)
}

// Start issues SetState(Running) on id's engine.
func (r *Registry) Start(ctx context.Context, id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	return e.SetState(lifecycle.Running)
}

// Stop issues SetState(Stopped) on id's engine. force has no effect on
// the engine's own state machine — the transient path to stopped is
// identical either way — but is forwarded as interior.Options{"force":
// true} to whichever Stop call the resulting plan dispatches, so an
// interior that honors it (e.g. process.Interior's SIGKILL escalation)
// sees the caller's intent. The registry does not itself kill anything.
func (r *Registry) Stop(ctx context.Context, id string, force bool) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	var opts interior.Options
	if force {
		opts = interior.Options{"force": true}
	}
	return e.SetState(lifecycle.Stopped, opts)
}

// Query returns a snapshot of id's engine.
func (r *Registry) Query(id string) (lifecycle.Snapshot, error) {
	e, err := r.lookup(id)
	if err != nil {
		return lifecycle.Snapshot{}, err
	}
	return e.Snapshot(), nil
}

// List returns the ids currently registered. Not a consistent snapshot
// across entries: an id may be added or self-evicted concurrently with
// this call returning.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		if e != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Registry) lookup(id string) (*lifecycle.Engine, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok || e == nil {
		return nil, sserr.NotFoundf("registry: container %q not found", id)
	}
	return e.engine, nil
}

// handleState forwards a state event to pub/sub and the audit log, and
// evicts the container once it settles at offline having previously
// been anything else — the only place the registry's map shrinks other
// than a failed Create.
func (r *Registry) handleState(id string, curr, prev lifecycle.State) {
	r.publish(id, "state", map[string]any{"id": id, "state": string(curr), "lastState": string(prev)})
	r.recordAudit(context.Background(), id, models.AuditEventStateChange, string(prev), string(curr), "system:interior")

	if curr == lifecycle.Offline && prev != lifecycle.Offline {
		r.mu.Lock()
		delete(r.entries, id)
		r.mu.Unlock()
	}
}

func (r *Registry) handleStatus(id string, payload any) {
	r.publish(id, "status", map[string]any{"id": id, "status": payload})
}

func (r *Registry) handleError(id string, err error) {
	r.publish(id, "error", map[string]any{"id": id, "message": err.Error()})
	eventType := models.AuditEventInteriorError
	if _, ok := err.(*sserr.TransitionFailedError); ok {
		eventType = models.AuditEventTransitionFailed
	}
	r.recordAudit(context.Background(), id, eventType, "", "", "system:interior")
}

func (r *Registry) publish(id, eventType string, payload map[string]any) {
	if r.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("registry: failed to marshal event payload", "container_id", id, "error", err)
		return
	}
	event := pubsub.Event{ContainerID: id, Type: eventType, Data: data, Timestamp: time.Now()}
	if err := r.bus.Publish(context.Background(), pubsub.ContainerTopic(id), event); err != nil {
		r.logger.Warn("registry: failed to publish event", "container_id", id, "type", eventType, "error", err)
	}
}

// actorFromContext reports the caller identity attached to ctx, falling
// back to "user" when none was propagated (e.g. calls made directly
// against the registry rather than through [dispatch.Dispatcher]).
func actorFromContext(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		return identity.ID()
	}
	return "user"
}

func (r *Registry) recordAudit(ctx context.Context, id string, eventType models.AuditEventType, from, to, actor string) {
	if r.recorder == nil {
		return
	}
	rec, err := models.NewAuditRecord(id, eventType, from, to)
	if err != nil {
		r.logger.Error("registry: failed to build audit record", "container_id", id, "error", err)
		return
	}
	rec.ActorID = actor
	if err := r.recorder.Record(ctx, rec); err != nil {
		r.logger.Warn("registry: failed to record audit event", "container_id", id, "error", err)
	}
}
