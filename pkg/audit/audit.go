// Package audit persists container lifecycle events to an audit log.
// Every state change, transition failure, and interior error a
// [lifecycle.Engine] emits is recorded as one [models.AuditRecord], giving
// operators a durable history independent of any single engine's in-memory
// state. [PostgresRecorder] backs this with a relational table;
// [MemoryRecorder] keeps the same history in-process for single-node
// deployments that don't need it to survive a restart.
package audit

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cradlesystems/cradle-core/pkg/clients/postgres"
	sserr "github.com/cradlesystems/cradle-core/pkg/errors"
	"github.com/cradlesystems/cradle-core/pkg/models"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/cradlesystems/cradle-core/pkg/audit"

// Recorder persists and queries audit records. A [lifecycle.Engine]'s
// state/error handlers, wired up by the container registry, call Record
// for every event; ForContainer reads back a container's history (the
// dispatcher exposes no audit endpoint that calls it).
type Recorder interface {
	Record(ctx context.Context, rec *models.AuditRecord) error
	ForContainer(ctx context.Context, containerID string, limit int) ([]*models.AuditRecord, error)
}

// PostgresRecorder is a [Recorder] backed by a PostgreSQL table, using
// [*postgres.Client] for connection pooling, tracing, and error
// classification exactly as the platform's other database-backed
// components do.
type PostgresRecorder struct {
	client *postgres.Client
	tracer trace.Tracer
}

// NewPostgresRecorder wraps an already-connected [*postgres.Client] as a
// Recorder. The caller owns the client's lifecycle (including Close).
func NewPostgresRecorder(client *postgres.Client) *PostgresRecorder {
	return &PostgresRecorder{
		client: client,
		tracer: otel.Tracer(tracerName),
	}
}

// Schema is the DDL for the audit log table. Callers apply it via their
// own migration tooling; PostgresRecorder does not run migrations itself.
const Schema = `
CREATE TABLE IF NOT EXISTS container_audit_log (
	id           TEXT PRIMARY KEY,
	container_id TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	from_state   TEXT NOT NULL DEFAULT '',
	to_state     TEXT NOT NULL DEFAULT '',
	actor_id     TEXT NOT NULL DEFAULT '',
	detail       JSONB,
	recorded_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS container_audit_log_container_id_idx
	ON container_audit_log (container_id, recorded_at DESC);
`

// Record inserts rec into the audit log.
func (r *PostgresRecorder) Record(ctx context.Context, rec *models.AuditRecord) error {
	if err := rec.Validate(); err != nil {
		return sserr.Wrap(err, sserr.CodeValidation, "audit: invalid record")
	}

	ctx, span := r.tracer.Start(ctx, "audit.Record",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("container.id", rec.ContainerID),
			attribute.String("audit.event_type", string(rec.EventType)),
		),
	)
	defer span.End()

	detail, err := json.Marshal(rec.Detail)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return sserr.Wrap(err, sserr.CodeInternal, "audit: failed to marshal detail")
	}

	_, err = r.client.Exec(ctx, `
		INSERT INTO container_audit_log
			(id, container_id, event_type, from_state, to_state, actor_id, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.ContainerID, rec.EventType, rec.FromState, rec.ToState, rec.ActorID, detail, rec.RecordedAt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// ForContainer returns the most recent audit records for containerID,
// newest first, bounded by limit.
func (r *PostgresRecorder) ForContainer(ctx context.Context, containerID string, limit int) ([]*models.AuditRecord, error) {
	ctx, span := r.tracer.Start(ctx, "audit.ForContainer",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("container.id", containerID)),
	)
	defer span.End()

	rows, err := r.client.Query(ctx, `
		SELECT id, container_id, event_type, from_state, to_state, actor_id, detail, recorded_at
		FROM container_audit_log
		WHERE container_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`, containerID, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer rows.Close()

	var out []*models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		var detail []byte
		if err := rows.Scan(&rec.ID, &rec.ContainerID, &rec.EventType, &rec.FromState,
			&rec.ToState, &rec.ActorID, &detail, &rec.RecordedAt); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, sserr.Wrap(err, sserr.CodeInternalDatabase, "audit: failed to scan row")
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &rec.Detail); err != nil {
				return nil, sserr.Wrap(err, sserr.CodeInternal, "audit: failed to unmarshal detail")
			}
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// MemoryRecorder is a [Recorder] backed by an in-process map, for
// single-node deployments and local development where standing up
// PostgreSQL is not worth it. Records do not survive a process restart.
type MemoryRecorder struct {
	mu   sync.RWMutex
	byID map[string][]*models.AuditRecord
}

// NewMemoryRecorder returns an empty MemoryRecorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{byID: make(map[string][]*models.AuditRecord)}
}

// Record appends rec to its container's in-memory history.
func (r *MemoryRecorder) Record(ctx context.Context, rec *models.AuditRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[rec.ContainerID] = append(r.byID[rec.ContainerID], rec)
	return nil
}

// ForContainer returns the most recent records for containerID, newest
// first, bounded by limit.
func (r *MemoryRecorder) ForContainer(ctx context.Context, containerID string, limit int) ([]*models.AuditRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := r.byID[containerID]
	out := make([]*models.AuditRecord, len(records))
	copy(out, records)
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
