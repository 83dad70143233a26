// Package pgstore provides a PostgreSQL implementation of incident.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/incidentd/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/incidentd/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// Store persists incidents, their timeline and notes in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The pool stays
// owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply incident schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const incidentColumns = `id, title, service, severity, status, assigned_to, alert_count,
	created_at, updated_at, acknowledged_at, resolved_at, mtta_seconds, mttr_seconds`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Create inserts the incident row and its initial timeline in one transaction.
func (s *Store) Create(ctx context.Context, inc *incident.Incident, events []incident.TimelineEvent) error {
	ctx, span := startSpan(ctx, "pgstore.Create", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	_, err = tx.Exec(ctx,
		`INSERT INTO incidents (`+incidentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		inc.ID, inc.Title, inc.Service, string(inc.Severity), string(inc.Status), inc.AssignedTo, inc.AlertCount,
		inc.CreatedAt, inc.UpdatedAt, inc.AcknowledgedAt, inc.ResolvedAt, inc.MTTASeconds, inc.MTTRSeconds,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert incident: %w", err))
	}

	if err := insertEvents(ctx, tx, events); err != nil {
		return fail(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Update locks the incident row with SELECT ... FOR UPDATE, so concurrent
// updates of one incident serialise and never lose a write.
func (s *Store) Update(ctx context.Context, id string, fn incident.UpdateFunc) (*incident.Incident, error) {
	ctx, span := startSpan(ctx, "pgstore.Update", "UPDATE")
	span.SetAttributes(attribute.String("incidentd.incident.id", id))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	cur, err := scanIncident(tx.QueryRow(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fail(span, fmt.Errorf("lock incident: %w", err))
	}
	if cur == nil {
		return nil, incident.ErrNotFound
	}

	m, err := fn(cur.Clone())
	if err != nil {
		return nil, err
	}
	if m.Empty() {
		return cur, nil
	}

	if next := m.Incident; next != nil {
		_, err := tx.Exec(ctx,
			`UPDATE incidents SET
				status          = $2,
				assigned_to     = $3,
				alert_count     = $4,
				updated_at      = $5,
				acknowledged_at = $6,
				resolved_at     = $7,
				mtta_seconds    = $8,
				mttr_seconds    = $9
			 WHERE id = $1`,
			id, string(next.Status), next.AssignedTo, next.AlertCount, next.UpdatedAt,
			next.AcknowledgedAt, next.ResolvedAt, next.MTTASeconds, next.MTTRSeconds,
		)
		if err != nil {
			return nil, fail(span, fmt.Errorf("update incident: %w", err))
		}
	}

	if n := m.Note; n != nil {
		_, err := tx.Exec(ctx,
			`INSERT INTO incident_notes (id, incident_id, author, content, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			n.ID, id, n.Author, n.Content, n.CreatedAt,
		)
		if err != nil {
			return nil, fail(span, fmt.Errorf("insert note: %w", err))
		}
	}

	if err := insertEvents(ctx, tx, m.Events); err != nil {
		return nil, fail(span, err)
	}

	updated, err := scanIncident(tx.QueryRow(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id))
	if err != nil {
		return nil, fail(span, fmt.Errorf("re-read incident: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	return updated, nil
}

// Get retrieves an incident by ID.
func (s *Store) Get(ctx context.Context, id string) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	inc, err := scanIncident(s.pool.QueryRow(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if inc == nil {
		return nil, false, nil
	}
	return inc, true, nil
}

// FindOpen returns the newest unresolved incident for service and severity
// created strictly after since.
func (s *Store) FindOpen(ctx context.Context, service string, severity incident.Severity, since time.Time) (string, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.FindOpen", "SELECT")
	defer span.End()

	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM incidents
		 WHERE service = $1 AND severity = $2 AND status <> 'resolved' AND created_at > $3
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		service, string(severity), since,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fail(span, fmt.Errorf("find open incident: %w", err))
	}
	return id, true, nil
}

// List returns one page of incidents matching f, newest first, and the
// total number of matches.
func (s *Store) List(ctx context.Context, f incident.Filter) ([]incident.Incident, int, error) {
	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	var (
		where []string
		args  []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		where = append(where, col+" = $"+strconv.Itoa(len(args)))
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.Severity != "" {
		add("severity", string(f.Severity))
	}
	if f.Service != "" {
		add("service", f.Service)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM incidents`+cond, args...).Scan(&total); err != nil {
		return nil, 0, fail(span, fmt.Errorf("count incidents: %w", err))
	}

	args = append(args, f.PerPage, f.Offset())
	rows, err := s.pool.Query(ctx,
		`SELECT `+incidentColumns+` FROM incidents`+cond+
			` ORDER BY created_at DESC, id DESC LIMIT $`+strconv.Itoa(len(args)-1)+` OFFSET $`+strconv.Itoa(len(args)),
		args...)
	if err != nil {
		return nil, 0, fail(span, fmt.Errorf("list incidents: %w", err))
	}
	defer rows.Close()

	out := []incident.Incident{}
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, 0, fail(span, err)
		}
		out = append(out, *inc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fail(span, fmt.Errorf("iterate incidents: %w", err))
	}
	return out, total, nil
}

// Timeline returns the incident's events in commit order.
func (s *Store) Timeline(ctx context.Context, id string) ([]incident.TimelineEvent, error) {
	ctx, span := startSpan(ctx, "pgstore.Timeline", "SELECT")
	defer span.End()

	if err := s.requireIncident(ctx, id); err != nil {
		if errors.Is(err, incident.ErrNotFound) {
			return nil, err
		}
		return nil, fail(span, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, incident_id, event_type, actor, detail, created_at
		 FROM incident_timeline WHERE incident_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query timeline: %w", err))
	}
	defer rows.Close()

	events := []incident.TimelineEvent{}
	for rows.Next() {
		var (
			e          incident.TimelineEvent
			eventType  string
			detailJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.IncidentID, &eventType, &e.Actor, &detailJSON, &e.CreatedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan event: %w", err))
		}
		e.Type = incident.EventType(eventType)
		e.CreatedAt = e.CreatedAt.UTC()
		if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
			return nil, fail(span, fmt.Errorf("unmarshal detail of event %s: %w", e.ID, err))
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate timeline: %w", err))
	}
	return events, nil
}

// Notes returns the incident's notes oldest first.
func (s *Store) Notes(ctx context.Context, id string) ([]incident.Note, error) {
	ctx, span := startSpan(ctx, "pgstore.Notes", "SELECT")
	defer span.End()

	if err := s.requireIncident(ctx, id); err != nil {
		if errors.Is(err, incident.ErrNotFound) {
			return nil, err
		}
		return nil, fail(span, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, incident_id, author, content, created_at
		 FROM incident_notes WHERE incident_id = $1 ORDER BY created_at, id`, id)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query notes: %w", err))
	}
	defer rows.Close()

	notes := []incident.Note{}
	for rows.Next() {
		var n incident.Note
		if err := rows.Scan(&n.ID, &n.IncidentID, &n.Author, &n.Content, &n.CreatedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan note: %w", err))
		}
		n.CreatedAt = n.CreatedAt.UTC()
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate notes: %w", err))
	}
	return notes, nil
}

// Summary counts incidents per status and averages recorded MTTA/MTTR.
func (s *Store) Summary(ctx context.Context) (*incident.Summary, error) {
	ctx, span := startSpan(ctx, "pgstore.Summary", "SELECT")
	defer span.End()

	var sum incident.Summary
	err := s.pool.QueryRow(ctx,
		`SELECT
			count(*) FILTER (WHERE status = 'open'),
			count(*) FILTER (WHERE status = 'acknowledged'),
			count(*) FILTER (WHERE status = 'in_progress'),
			count(*) FILTER (WHERE status = 'resolved'),
			avg(mtta_seconds),
			avg(mttr_seconds)
		 FROM incidents`,
	).Scan(&sum.Open, &sum.Acknowledged, &sum.InProgress, &sum.Resolved, &sum.AvgMTTASeconds, &sum.AvgMTTRSeconds)
	if err != nil {
		return nil, fail(span, fmt.Errorf("summary: %w", err))
	}
	return &sum, nil
}

// CountByStatus returns the number of incidents in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[incident.Status]int, error) {
	ctx, span := startSpan(ctx, "pgstore.CountByStatus", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM incidents GROUP BY status`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("count by status: %w", err))
	}
	defer rows.Close()

	counts := make(map[incident.Status]int, len(incident.Statuses))
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fail(span, fmt.Errorf("scan count: %w", err))
		}
		counts[incident.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate counts: %w", err))
	}
	return counts, nil
}

func (s *Store) requireIncident(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM incidents WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check incident: %w", err)
	}
	if !exists {
		return incident.ErrNotFound
	}
	return nil
}

func insertEvents(ctx context.Context, tx pgx.Tx, events []incident.TimelineEvent) error {
	for _, e := range events {
		detail := e.Detail
		if detail == nil {
			detail = map[string]any{}
		}
		detailJSON, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("marshal detail of event %s: %w", e.ID, err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO incident_timeline (id, incident_id, event_type, actor, detail, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.IncidentID, string(e.Type), e.Actor, detailJSON, e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert %s event: %w", e.Type, err)
		}
	}
	return nil
}

// scanIncident scans one incident row. Returns (nil, nil) when no row is found.
func scanIncident(row pgx.Row) (*incident.Incident, error) {
	var (
		inc      incident.Incident
		severity string
		status   string
	)
	err := row.Scan(
		&inc.ID, &inc.Title, &inc.Service, &severity, &status, &inc.AssignedTo, &inc.AlertCount,
		&inc.CreatedAt, &inc.UpdatedAt, &inc.AcknowledgedAt, &inc.ResolvedAt, &inc.MTTASeconds, &inc.MTTRSeconds,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan incident: %w", err)
	}
	inc.Severity = incident.Severity(severity)
	inc.Status = incident.Status(status)
	inc.CreatedAt = inc.CreatedAt.UTC()
	inc.UpdatedAt = inc.UpdatedAt.UTC()
	inc.AcknowledgedAt = utc(inc.AcknowledgedAt)
	inc.ResolvedAt = utc(inc.ResolvedAt)
	return &inc, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
