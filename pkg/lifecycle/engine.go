package lifecycle

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/cradlesystems/cradle-core/pkg/errors"
	"github.com/cradlesystems/cradle-core/pkg/interior"
	"github.com/cradlesystems/cradle-core/pkg/transition"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/cradlesystems/cradle-core/pkg/lifecycle"

// StateHandler observes every state change, stable or transient. It
// receives the new state and the one it replaced.
type StateHandler func(curr, prev State)

// StatusHandler observes every status payload the interior reports,
// re-emitted by the engine unchanged.
type StatusHandler func(payload any)

// ErrorHandler observes transition failures and interior-originated
// errors.
type ErrorHandler func(err error)

// ReadyHandler fires exactly when the engine settles at its current
// expectation.
type ReadyHandler func(state State)

// Snapshot is an atomic, point-in-time read of an engine's externally
// visible fields.
type Snapshot struct {
	ID            string
	State         State
	InteriorState State
	Status        any
}

// Engine is the stateful object that drives one container through its
// lifecycle. Construct one with [NewEngineBuilder]; the engine begins
// running its internal task loop as soon as Build returns.
type Engine struct {
	// Immutable — set at construction.
	id       string
	backend  interior.Interior
	tracer   trace.Tracer
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	onState  []StateHandler
	onStatus []StatusHandler
	onError  []ErrorHandler
	onReady  []ReadyHandler

	// Mutable — read under mu by Snapshot; written only from the task
	// loop goroutine, which also holds mu while writing so concurrent
	// Snapshot calls never observe a torn update.
	mu            sync.RWMutex
	state         State
	expectation   State // "" when unset
	interiorState State
	status        any

	// hasPlan and activePlan track the transition currently in flight.
	// stopOpts carries the Options for the next ActionStop invocation the
	// active or about-to-begin plan will make, consumed and cleared by
	// callAction once it calls Stop. All three are owned exclusively by
	// the task loop goroutine.
	hasPlan    bool
	activePlan transition.Plan
	stopOpts   interior.Options

	// tasks serializes every mutation: SetState, Status, and the
	// interior's monitor callback all enqueue here instead of mutating
	// state directly, so interior action invocations and interior event
	// callbacks are never interleaved or re-entrant.
	tasks chan func()
	done  chan struct{}
	once  sync.Once
}

// NewEngineBuilder creates a builder for the engine of the container
// identified by id, driving the given interior.
func NewEngineBuilder(id string, backend interior.Interior) *EngineBuilder {
	return &EngineBuilder{id: id, backend: backend}
}

// EngineBuilder constructs an [Engine] with optional observers. Follows
// the platform's fluent builder convention: configuration methods return
// the builder, and [EngineBuilder.Build] validates and constructs.
type EngineBuilder struct {
	id      string
	backend interior.Interior
	logger  *slog.Logger

	onState  []StateHandler
	onStatus []StatusHandler
	onError  []ErrorHandler
	onReady  []ReadyHandler
}

// WithLogger sets a custom *slog.Logger. Defaults to slog.Default().
func (b *EngineBuilder) WithLogger(logger *slog.Logger) *EngineBuilder {
	b.logger = logger
	return b
}

// OnState registers a handler called on every state change, stable or
// transient. Handlers are called in registration order.
func (b *EngineBuilder) OnState(h StateHandler) *EngineBuilder {
	b.onState = append(b.onState, h)
	return b
}

// OnStatus registers a handler called on every interior status report.
func (b *EngineBuilder) OnStatus(h StatusHandler) *EngineBuilder {
	b.onStatus = append(b.onStatus, h)
	return b
}

// OnError registers a handler called on transition failures and
// interior-originated errors.
func (b *EngineBuilder) OnError(h ErrorHandler) *EngineBuilder {
	b.onError = append(b.onError, h)
	return b
}

// OnReady registers a handler called when the engine settles at its
// current expectation.
func (b *EngineBuilder) OnReady(h ReadyHandler) *EngineBuilder {
	b.onReady = append(b.onReady, h)
	return b
}

// Build validates the configuration, constructs the Engine at
// [transition.Offline] with no expectation, and starts its task loop.
func (b *EngineBuilder) Build() (*Engine, error) {
	if b.id == "" {
		return nil, sserr.New(sserr.CodeValidation, "lifecycle: engine id must not be empty")
	}
	if b.backend == nil {
		return nil, sserr.New(sserr.CodeValidation, "lifecycle: engine interior must not be nil")
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		id:            b.id,
		backend:       b.backend,
		tracer:        otel.Tracer(tracerName),
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
		state:         Offline,
		interiorState: Offline,
		onState:       append([]StateHandler(nil), b.onState...),
		onStatus:      append([]StatusHandler(nil), b.onStatus...),
		onError:       append([]ErrorHandler(nil), b.onError...),
		onReady:       append([]ReadyHandler(nil), b.onReady...),
		tasks:         make(chan func(), 64),
		done:          make(chan struct{}),
	}

	go e.loop()

	return e, nil
}

// ID returns the container id this engine drives. Immutable.
func (e *Engine) ID() string {
	return e.id
}

// Monitor returns the callback to hand to the interior's Factory as
// Dependencies.Monitor. Every call enqueues work onto the engine's task
// loop; it never blocks on engine-internal state.
func (e *Engine) Monitor() interior.Monitor {
	return func(event interior.Event, data any) {
		e.enqueue(func() { e.handleMonitorEvent(event, data) })
	}
}

// SetState records target as the engine's new expectation and, if the
// engine is currently settled, begins executing the plan toward it.
// Returns immediately; the transition plays out asynchronously through
// the event handlers registered on the builder.
//
// opts, if given, is forwarded verbatim to the interior action the
// resulting plan invokes (e.g. interior.Options{"force": true} on a
// path that calls Stop). At most one opts value is accepted; passing
// more than one is a programmer error and only the first is used.
//
// Fails synchronously with sserr.CodeValidation if target is not a
// stable state — the one check the spec requires before intent is even
// recorded.
func (e *Engine) SetState(target State, opts ...interior.Options) error {
	if !target.IsStable() {
		return sserr.Newf(sserr.CodeValidation, "lifecycle: setState target %q is not a stable state", target)
	}
	var o interior.Options
	if len(opts) > 0 {
		o = opts[0]
	}
	e.enqueue(func() { e.handleSetState(target, o) })
	return nil
}

// Status invokes the interior's Status method if implemented. Results
// arrive asynchronously through the registered StatusHandlers. A no-op
// if the interior does not implement [interior.Statuser].
func (e *Engine) Status() {
	e.enqueue(func() { e.invokeStatus() })
}

// Snapshot returns an atomic, point-in-time read of the engine's state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Snapshot{
		ID:            e.id,
		State:         e.state,
		InteriorState: e.interiorState,
		Status:        e.status,
	}
}

// Close stops the engine's task loop. Pending tasks are discarded;
// in-flight interior actions are not canceled (the interior contract has
// no cancellation). Safe to call more than once.
func (e *Engine) Close() {
	e.once.Do(func() {
		e.cancel()
		close(e.done)
	})
}

// enqueue posts fn onto the task loop. Called from any goroutine; never
// called from inside a task running on the loop itself for the same
// piece of work twice in the same tick (that would be a direct call, not
// a deferral) — callers that need to schedule follow-on work from within
// a task post a fresh closure, same as any other caller.
func (e *Engine) enqueue(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.done:
	}
}

// loop is the engine's single logical execution context. Every mutation
// of state, expectation, and interiorState happens here, so interior
// action invocations and interior event callbacks are always serialized.
func (e *Engine) loop() {
	for {
		select {
		case fn := <-e.tasks:
			fn()
		case <-e.done:
			return
		}
	}
}

// handleSetState implements the engine-internal half of SetState,
// running on the task loop.
func (e *Engine) handleSetState(target State, opts interior.Options) {
	e.mu.Lock()
	current := e.state
	e.mu.Unlock()

	if current == target {
		// Idempotent: setState(T); setState(T) produces the same trace
		// as one call. If we're already settled at T there is nothing
		// further to do.
		return
	}

	if !current.IsStable() {
		// Mid-flight retarget: store the new expectation and, where the
		// table defines a re-plan for the current transient state,
		// widen the active plan's accepted reports immediately so the
		// in-flight action's eventual report isn't mistaken for a
		// failure. The actual next leg is chosen once the in-flight
		// action settles into a stable state (see handleMonitorEvent).
		// opts is recorded too, so a retarget that turns into a fresh
		// Stop call (e.g. running retargeted toward offline) still
		// carries the caller's flags even though the in-flight action
		// was scheduled before this call arrived.
		e.mu.Lock()
		e.expectation = target
		e.mu.Unlock()
		e.stopOpts = opts
		if plan, err := transition.Path(current, target); err == nil {
			e.hasPlan = true
			e.activePlan = plan
		}
		return
	}

	e.stopOpts = opts
	e.beginPlan(current, target)
}

// beginPlan computes and starts executing the plan from current to
// target. current must be a stable state different from target.
func (e *Engine) beginPlan(current, target State) {
	plan, err := transition.Path(current, target)
	if err != nil {
		e.emitError(sserr.Wrapf(err, sserr.CodeInternal, "lifecycle: container %q: no plan from %q to %q", e.id, current, target))
		return
	}

	e.mu.Lock()
	e.expectation = target
	e.state = plan.Intermediate
	e.mu.Unlock()
	e.hasPlan = true
	e.activePlan = plan

	e.emitState(plan.Intermediate, current)
	e.enqueue(func() { e.invokeAction(plan) })
}

// invokeAction calls the interior method named by plan.Action, or, if
// the interior doesn't implement it, applies plan.AutoAdvance. Runs on
// the task loop, one tick after it was scheduled by beginPlan — this is
// the deferred-dispatch step the concurrency model requires.
func (e *Engine) invokeAction(plan transition.Plan) {
	ctx, span := e.tracer.Start(e.ctx, "lifecycle.invokeAction",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("container.id", e.id),
			attribute.String("container.action", string(plan.Action)),
		),
	)
	defer span.End()

	invoked, err := e.callAction(ctx, plan.Action)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.emitError(sserr.NewInteriorError(e.id, err))
		return
	}

	if invoked {
		span.SetStatus(codes.Ok, "")
		return
	}

	// Action not implemented by the interior.
	if plan.AutoAdvance == "" {
		// No fallback: wait indefinitely for an external event, exactly
		// as the core prescribes.
		span.SetStatus(codes.Ok, "action not implemented, no auto-advance")
		return
	}
	span.SetStatus(codes.Ok, "auto-advancing")
	e.enqueue(func() { e.handleInteriorReport(plan.AutoAdvance) })
}

// callAction invokes the named action against the interior if it
// implements the corresponding optional interface. invoked reports
// whether the call was made at all.
func (e *Engine) callAction(ctx context.Context, action transition.Action) (invoked bool, err error) {
	switch action {
	case transition.ActionLoad:
		if loader, ok := e.backend.(interior.Loader); ok {
			return true, loader.Load(ctx, nil)
		}
	case transition.ActionUnload:
		if unloader, ok := e.backend.(interior.Unloader); ok {
			return true, unloader.Unload(ctx, nil)
		}
	case transition.ActionStart:
		if starter, ok := e.backend.(interior.Starter); ok {
			return true, starter.Start(ctx, nil)
		}
	case transition.ActionStop:
		opts := e.stopOpts
		e.stopOpts = nil
		return true, e.backend.Stop(ctx, opts)
	}
	return false, nil
}

// invokeStatus calls the interior's Status method if implemented.
func (e *Engine) invokeStatus() {
	statuser, ok := e.backend.(interior.Statuser)
	if !ok {
		return
	}
	ctx, span := e.tracer.Start(e.ctx, "lifecycle.invokeStatus",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("container.id", e.id)),
	)
	defer span.End()

	if err := statuser.Status(ctx, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.emitError(sserr.NewInteriorError(e.id, err))
		return
	}
	span.SetStatus(codes.Ok, "")
}

// handleMonitorEvent dispatches a notification from the interior's
// monitor callback, running on the task loop.
func (e *Engine) handleMonitorEvent(event interior.Event, data any) {
	switch event {
	case interior.EventState:
		s, _ := data.(string)
		e.handleInteriorReport(State(s))
	case interior.EventStatus:
		e.mu.Lock()
		e.status = data
		e.mu.Unlock()
		e.emitStatus(data)
	case interior.EventError:
		err, ok := data.(error)
		if !ok {
			err = sserr.Newf(sserr.CodeInternal, "lifecycle: container %q: interior reported non-error value %v", e.id, data)
		}
		e.emitError(sserr.NewInteriorError(e.id, err))
	}
}

// handleInteriorReport implements transition execution step 4: validate
// an authoritative stable-state report against the active plan, settle
// or fail, and recurse toward the expectation if more work remains.
func (e *Engine) handleInteriorReport(s State) {
	e.mu.RLock()
	current := e.state
	target := e.expectation
	e.mu.RUnlock()

	if !e.hasPlan {
		if s == current {
			return // spurious: no active plan, interior reiterating the settled state.
		}
		e.reconcile(s, target)
		return
	}

	plan := e.activePlan

	if !plan.Accepts(s) {
		e.failTransition(plan, target, s)
		return
	}

	prev := current
	e.mu.Lock()
	e.interiorState = s
	e.state = s
	e.mu.Unlock()
	e.emitState(s, prev)

	if s == target {
		e.hasPlan = false
		e.mu.Lock()
		e.expectation = ""
		e.mu.Unlock()
		e.emitReady(s)
		return
	}

	// Recurse to the next leg toward the same, unchanged target.
	e.beginPlan(s, target)
}

// reconcile handles an interior state report arriving with no plan in
// flight — e.g. the interior diverged on its own. The engine adopts the
// report as ground truth and, if it no longer matches the outstanding
// expectation, starts a fresh plan to correct course.
func (e *Engine) reconcile(s State, target State) {
	prev := e.Snapshot().State
	e.mu.Lock()
	e.interiorState = s
	e.state = s
	e.mu.Unlock()
	e.emitState(s, prev)

	if target == "" {
		return
	}
	if s == target {
		e.emitReady(s)
		return
	}
	e.beginPlan(s, target)
}

// failTransition implements the transition-failure branch of the
// failure model: latch state at the actually-reported value, clear the
// expectation, and surface a TransitionFailedError.
func (e *Engine) failTransition(plan transition.Plan, expectation, actual State) {
	prev := e.Snapshot().State
	e.mu.Lock()
	e.interiorState = actual
	e.state = actual
	e.expectation = ""
	e.mu.Unlock()
	e.hasPlan = false

	e.emitState(actual, prev)
	e.emitError(sserr.NewTransitionFailedError(e.id, string(expectation), string(actual), statesToStrings(plan.Traversal)))
}

func (e *Engine) emitState(curr, prev State) {
	for _, h := range e.onState {
		e.safeCall(func() { h(curr, prev) })
	}
}

func (e *Engine) emitStatus(payload any) {
	for _, h := range e.onStatus {
		e.safeCall(func() { h(payload) })
	}
}

func (e *Engine) emitError(err error) {
	for _, h := range e.onError {
		e.safeCall(func() { h(err) })
	}
}

func (e *Engine) emitReady(s State) {
	for _, h := range e.onReady {
		e.safeCall(func() { h(s) })
	}
}

// safeCall runs fn with panic recovery so a misbehaving handler cannot
// crash the engine's task loop.
func (e *Engine) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lifecycle: event handler panicked",
				"panic", r,
				"container_id", e.id,
			)
		}
	}()
	fn()
}
