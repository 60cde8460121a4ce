// Package dispatch implements the HTTP+JSON reference transport for the
// container lifecycle service dispatcher. spec.md specifies the
// dispatcher only by the contract it exposes — named events, JSON-shaped
// request/OK/error payloads; this package ships one concrete binding of
// that contract, exposing exactly the six named events
// (container.create, .start, .stop, .destroy, .query, .list) as POST
// endpoints under /v1/container.*, plus a long-poll/SSE monitor endpoint
// fed by the registry's event bus.
//
// Every request is authenticated via the configured [auth.TokenValidator]
// (JWT or Kubernetes ServiceAccount token) and authorized against a
// [auth.RolePermissionMap] before it reaches the registry. Read
// operations (query, list, monitor) require "read" on "containers";
// mutating operations require "*" (full access).
package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cradlesystems/cradle-core/pkg/auth"
	sserr "github.com/cradlesystems/cradle-core/pkg/errors"
	"github.com/cradlesystems/cradle-core/pkg/interior"
	"github.com/cradlesystems/cradle-core/pkg/lifecycle"
	"github.com/cradlesystems/cradle-core/pkg/pubsub"
	"github.com/cradlesystems/cradle-core/pkg/registry"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/cradlesystems/cradle-core/pkg/dispatch"

// resourceContainers names the RBAC resource this package's operations are
// authorized against, and actionRead/actionFull the actions they require;
// see [auth.DefaultRolePermissions].
const (
	resourceContainers = "containers"
	actionRead         = "read"
	actionFull         = "*"
)

// Registry is the subset of [*registry.Registry] the dispatcher depends
// on, narrowed to keep this package testable against a fake.
type Registry interface {
	Create(ctx context.Context, id, ownerID string, config interior.Config) error
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, force bool) error
	Destroy(ctx context.Context, id string) error
	Query(id string) (lifecycle.Snapshot, error)
	List() []string
}

var _ Registry = (*registry.Registry)(nil)

// Dispatcher exposes the Container Registry's six operations over HTTP,
// authenticating and authorizing every request before calling into the
// registry.
type Dispatcher struct {
	registry  Registry
	validator auth.TokenValidator
	roles     auth.RolePermissionMap
	bus       pubsub.Bus
	logger    *slog.Logger
	tracer    trace.Tracer
	service   string
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithRoles overrides the default role-to-permission mapping used to
// authorize requests. Callers who need tenant-specific roles pass their
// own [auth.RolePermissionMap]; the default is [auth.DefaultRolePermissions].
func WithRoles(roles auth.RolePermissionMap) Option {
	return func(d *Dispatcher) { d.roles = roles }
}

// WithLogger overrides the dispatcher's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithBus supplies the event bus the container.monitor endpoint
// subscribes to. Without one, container.monitor responds 503.
func WithBus(bus pubsub.Bus) Option {
	return func(d *Dispatcher) { d.bus = bus }
}

// WithServiceName overrides the service name recorded in propagated
// call-chain headers. Defaults to "cradled".
func WithServiceName(name string) Option {
	return func(d *Dispatcher) { d.service = name }
}

// New constructs a Dispatcher. validator authenticates every request's
// bearer token; reg is the Container Registry the six operations are
// forwarded to.
func New(reg Registry, validator auth.TokenValidator, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:  reg,
		validator: validator,
		roles:     auth.DefaultRolePermissions(),
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		service:   "cradled",
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handler returns the dispatcher's http.Handler: the six named
// container.* POST endpoints plus container.monitor, wrapped in the
// platform's JWT/ServiceAccount authentication middleware.
func (d *Dispatcher) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/container.create", d.handleCreate)
	mux.HandleFunc("POST /v1/container.start", d.handleStart)
	mux.HandleFunc("POST /v1/container.stop", d.handleStop)
	mux.HandleFunc("POST /v1/container.destroy", d.handleDestroy)
	mux.HandleFunc("POST /v1/container.query", d.handleQuery)
	mux.HandleFunc("POST /v1/container.list", d.handleList)
	mux.HandleFunc("GET /v1/container.monitor", d.handleMonitor)
	return auth.HTTPMiddleware(d.validator, d.service)(mux)
}

// ---------------------------------------------------------------------------
// Request/response schemas — one typed struct per event, per spec.md §6's table.
// ---------------------------------------------------------------------------

type createRequest struct {
	ID   string          `json:"id"`
	Conf json.RawMessage `json:"conf"`
}

type idRequest struct {
	ID string `json:"id"`
}

type stopRequest struct {
	ID    string `json:"id"`
	Force bool   `json:"force"`
}

type listResponse struct {
	IDs []string `json:"ids"`
}

type snapshotResponse struct {
	ID            string `json:"id"`
	State         string `json:"state"`
	InteriorState string `json:"interiorState"`
	Status        any    `json:"status,omitempty"`
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (d *Dispatcher) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx, span := d.tracer.Start(r.Context(), "dispatch.container.create")
	defer span.End()

	identity, ok := d.authorize(w, r, span, resourceContainers, actionFull)
	if !ok {
		return
	}

	var req createRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeError(w, sserr.Validation("dispatch: container.create requires a non-empty id"))
		return
	}

	var conf interior.Config
	if len(req.Conf) > 0 {
		if err := json.Unmarshal(req.Conf, &conf); err != nil {
			writeError(w, sserr.Newf(sserr.CodeValidationFormat, "dispatch: container.create conf must be a JSON object: %v", err))
			return
		}
	}

	if err := d.registry.Create(ctx, req.ID, identity.ID(), conf); err != nil {
		d.fail(span, w, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	writeEmptyOK(w)
}

func (d *Dispatcher) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx, span := d.tracer.Start(r.Context(), "dispatch.container.start")
	defer span.End()

	if _, ok := d.authorize(w, r, span, resourceContainers, actionFull); !ok {
		return
	}

	var req idRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeError(w, sserr.Validation("dispatch: container.start requires a non-empty id"))
		return
	}

	if err := d.registry.Start(ctx, req.ID); err != nil {
		d.fail(span, w, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	writeEmptyOK(w)
}

func (d *Dispatcher) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, span := d.tracer.Start(r.Context(), "dispatch.container.stop")
	defer span.End()

	if _, ok := d.authorize(w, r, span, resourceContainers, actionFull); !ok {
		return
	}

	var req stopRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeError(w, sserr.Validation("dispatch: container.stop requires a non-empty id"))
		return
	}

	if err := d.registry.Stop(ctx, req.ID, req.Force); err != nil {
		d.fail(span, w, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	writeEmptyOK(w)
}

func (d *Dispatcher) handleDestroy(w http.ResponseWriter, r *http.Request) {
	ctx, span := d.tracer.Start(r.Context(), "dispatch.container.destroy")
	defer span.End()

	if _, ok := d.authorize(w, r, span, resourceContainers, actionFull); !ok {
		return
	}

	var req idRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeError(w, sserr.Validation("dispatch: container.destroy requires a non-empty id"))
		return
	}

	if err := d.registry.Destroy(ctx, req.ID); err != nil {
		d.fail(span, w, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	writeEmptyOK(w)
}

func (d *Dispatcher) handleQuery(w http.ResponseWriter, r *http.Request) {
	_, span := d.tracer.Start(r.Context(), "dispatch.container.query")
	defer span.End()

	if _, ok := d.authorize(w, r, span, resourceContainers, actionRead); !ok {
		return
	}

	var req idRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeError(w, sserr.Validation("dispatch: container.query requires a non-empty id"))
		return
	}

	snap, err := d.registry.Query(req.ID)
	if err != nil {
		d.fail(span, w, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	writeJSON(w, http.StatusOK, snapshotResponse{
		ID:            snap.ID,
		State:         string(snap.State),
		InteriorState: string(snap.InteriorState),
		Status:        snap.Status,
	})
}

func (d *Dispatcher) handleList(w http.ResponseWriter, r *http.Request) {
	_, span := d.tracer.Start(r.Context(), "dispatch.container.list")
	defer span.End()

	if _, ok := d.authorize(w, r, span, resourceContainers, actionRead); !ok {
		return
	}

	ids := d.registry.List()
	span.SetStatus(codes.Ok, "")
	writeJSON(w, http.StatusOK, listResponse{IDs: ids})
}

// handleMonitor is the supplemented GET /v1/container.monitor?id=...
// long-poll endpoint: it subscribes to the container's pub/sub topic and
// streams every event as an SSE "data:" frame until the client
// disconnects. See SPEC_FULL.md §5 for why this exists alongside the six
// request/response events.
func (d *Dispatcher) handleMonitor(w http.ResponseWriter, r *http.Request) {
	ctx, span := d.tracer.Start(r.Context(), "dispatch.container.monitor")
	defer span.End()

	if _, ok := d.authorize(w, r, span, resourceContainers, actionRead); !ok {
		return
	}

	if d.bus == nil {
		writeError(w, sserr.Unavailable("dispatch: container.monitor requires an event bus"))
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, sserr.Validation("dispatch: container.monitor requires an id query parameter"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, sserr.Internal("dispatch: streaming unsupported by response writer"))
		return
	}

	events, unsubscribe, err := d.bus.Subscribe(ctx, pubsub.ContainerTopic(id))
	if err != nil {
		d.fail(span, w, err)
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	span.SetStatus(codes.Ok, "")
	bw := bufio.NewWriter(w)
	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				d.logger.Error("dispatch: failed to marshal monitor event", "container_id", id, "error", err)
				continue
			}
			bw.WriteString("data: ")
			bw.Write(data)
			bw.WriteString("\n\n")
			if err := bw.Flush(); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ---------------------------------------------------------------------------
// Shared helpers
// ---------------------------------------------------------------------------

// authorize fetches the identity the auth middleware attached to the
// request context and checks it against resource/action. It writes an
// error response and returns ok=false if the identity is missing or
// lacks the permission.
//
// Identities with their own permission list (e.g. [auth.ServiceIdentity],
// [auth.UserIdentity]) are checked directly via [auth.Identity.HasPermission].
// A [auth.BasicIdentity] — reconstructed from a propagated header rather
// than validated locally — carries none, so it falls back to deriving
// permissions from its claims against the dispatcher's own role map.
func (d *Dispatcher) authorize(w http.ResponseWriter, r *http.Request, span trace.Span, resource, action string) (auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		err := sserr.New(sserr.CodeAuthentication, "dispatch: no authenticated identity on request")
		d.fail(span, w, err)
		return nil, false
	}
	span.SetAttributes(
		attribute.String("dispatch.identity_id", identity.ID()),
		attribute.String("dispatch.identity_type", string(identity.Type())),
	)
	if !identity.HasPermission(resource, action) && !claimsGrant(identity.Claims(), d.roles, resource, action) {
		err := sserr.Forbidden("dispatch: identity lacks permission " + resource + ":" + action)
		d.fail(span, w, err)
		return nil, false
	}
	return identity, true
}

// claimsGrant reports whether resource/action is covered by any
// permission ClaimsToPermissions derives from claims under roles.
func claimsGrant(claims map[string]any, roles auth.RolePermissionMap, resource, action string) bool {
	for _, p := range auth.ClaimsToPermissions(claims, roles) {
		if (p.Resource == "*" || p.Resource == resource) && (p.Action == "*" || p.Action == action) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) fail(span trace.Span, w http.ResponseWriter, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	writeError(w, err)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		writeError(w, sserr.Validation("dispatch: request body is required"))
		return false
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, sserr.Newf(sserr.CodeValidationFormat, "dispatch: malformed request body: %v", err))
		return false
	}
	return true
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	sErr := sserr.FromError(err)
	writeJSON(w, sErr.HTTPStatus(), errorResponse{Code: sErr.Code.String(), Message: sErr.Message})
}

func writeEmptyOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("{}"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
