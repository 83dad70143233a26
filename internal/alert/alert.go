// Package alert holds the stored form of inbound monitoring alerts.
package alert

import (
	"context"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/incidentd/internal/fingerprint"
	"github.com/linnemanlabs/incidentd/internal/incident"
)

// DefaultSource is recorded when an alert arrives without a source.
const DefaultSource = "api"

// Alert is one inbound alert. It is written once; IncidentID is resolved
// before the write and never changes afterwards.
type Alert struct {
	ID          string            `json:"id"`
	Service     string            `json:"service"`
	Severity    incident.Severity `json:"severity"`
	Message     string            `json:"message"`
	Source      string            `json:"source"`
	Labels      map[string]string `json:"labels"`
	Fingerprint string            `json:"fingerprint"`
	Timestamp   time.Time         `json:"timestamp"`
	IncidentID  *string           `json:"incident_id"`
	CreatedAt   time.Time         `json:"created_at"`
}

// New normalises service and severity, fills defaults and computes the
// fingerprint. A zero timestamp becomes now.
func New(service string, severity incident.Severity, message, source string, labels map[string]string, timestamp, now time.Time) *Alert {
	service = strings.ToLower(service)
	severity = incident.Severity(strings.ToLower(string(severity)))
	if source == "" {
		source = DefaultSource
	}
	if timestamp.IsZero() {
		timestamp = now
	}
	l := make(map[string]string, len(labels))
	maps.Copy(l, labels)
	return &Alert{
		ID:          ulid.Make().String(),
		Service:     service,
		Severity:    severity,
		Message:     message,
		Source:      source,
		Labels:      l,
		Fingerprint: fingerprint.Compute(service, string(severity), message),
		Timestamp:   timestamp.UTC(),
		CreatedAt:   now,
	}
}

// Clone returns a deep copy.
func (a *Alert) Clone() *Alert {
	cp := *a
	cp.Labels = maps.Clone(a.Labels)
	if a.IncidentID != nil {
		id := *a.IncidentID
		cp.IncidentID = &id
	}
	return &cp
}

// Filter selects alerts for List. Zero values match everything.
type Filter struct {
	Service    string
	Severity   incident.Severity
	IncidentID string
	Page       int
	PerPage    int
}

// Normalize clamps paging with the same limits incident listing uses.
func (f Filter) Normalize() Filter {
	p := incident.Filter{Page: f.Page, PerPage: f.PerPage}.Normalize()
	f.Page, f.PerPage = p.Page, p.PerPage
	return f
}

// Offset is the number of rows to skip for the filter's page.
func (f Filter) Offset() int {
	return (f.Page - 1) * f.PerPage
}

// Store persists alerts.
type Store interface {
	Put(ctx context.Context, a *Alert) error
	Get(ctx context.Context, id string) (*Alert, bool, error)

	// List returns one page of alerts, newest first, and the total match count.
	List(ctx context.Context, f Filter) ([]Alert, int, error)
}
