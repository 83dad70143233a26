// Package pgstore provides a PostgreSQL implementation of alert.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/incidentd/internal/alert"
	"github.com/linnemanlabs/incidentd/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/incidentd/internal/alert/pgstore")

//go:embed schema.sql
var schema string

// Store persists alerts in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply alert schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const alertColumns = `id, service, severity, message, source, labels, fingerprint, timestamp, incident_id, created_at`

// Put inserts an alert row.
func (s *Store) Put(ctx context.Context, a *alert.Alert) error {
	ctx, span := tracer.Start(ctx, "pgstore.Put", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	labels := a.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("marshal labels: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO alerts (`+alertColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.Service, string(a.Severity), a.Message, a.Source, labelsJSON, a.Fingerprint,
		a.Timestamp, a.IncidentID, a.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// Get retrieves an alert by ID.
func (s *Store) Get(ctx context.Context, id string) (*alert.Alert, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	a, err := scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if a == nil {
		return nil, false, nil
	}
	return a, true, nil
}

// List returns one page of matching alerts, newest first.
func (s *Store) List(ctx context.Context, f alert.Filter) ([]alert.Alert, int, error) {
	ctx, span := tracer.Start(ctx, "pgstore.List", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	var (
		where []string
		args  []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		where = append(where, col+" = $"+strconv.Itoa(len(args)))
	}
	if f.Service != "" {
		add("service", f.Service)
	}
	if f.Severity != "" {
		add("severity", string(f.Severity))
	}
	if f.IncidentID != "" {
		add("incident_id", f.IncidentID)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM alerts`+cond, args...).Scan(&total); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, 0, fmt.Errorf("count alerts: %w", err)
	}

	n := len(args)
	args = append(args, f.PerPage, f.Offset())
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM alerts%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
			alertColumns, cond, n+1, n+2),
		args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, 0, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	out := []alert.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, 0, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, 0, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, total, nil
}

// scanAlert scans one alert row. Returns (nil, nil) when no row is found.
func scanAlert(row pgx.Row) (*alert.Alert, error) {
	var (
		a          alert.Alert
		severity   string
		labelsJSON []byte
	)
	err := row.Scan(&a.ID, &a.Service, &severity, &a.Message, &a.Source, &labelsJSON,
		&a.Fingerprint, &a.Timestamp, &a.IncidentID, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	a.Severity = incident.Severity(severity)
	a.Timestamp = a.Timestamp.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	if err := json.Unmarshal(labelsJSON, &a.Labels); err != nil {
		return nil, fmt.Errorf("unmarshal labels of alert %s: %w", a.ID, err)
	}
	return &a, nil
}
