package incident

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/incidentd/internal/fingerprint"
)

// Status tracks where an incident is in its lifecycle.
type Status string

const (
	// StatusOpen means created, nobody has picked it up yet
	StatusOpen Status = "open"

	// StatusAcknowledged means a responder has seen it
	StatusAcknowledged Status = "acknowledged"

	// StatusInProgress means someone is actively working it
	StatusInProgress Status = "in_progress"

	// StatusResolved is terminal
	StatusResolved Status = "resolved"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusOpen, StatusAcknowledged, StatusInProgress, StatusResolved}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusAcknowledged, StatusInProgress, StatusResolved:
		return true
	}
	return false
}

// Severity is the closed set of alert and incident severities.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// EventType names a timeline entry. Status transitions use the target
// status as their event type.
type EventType string

const (
	EventCreated         EventType = "created"
	EventAssigned        EventType = "assigned"
	EventAlertCorrelated EventType = "alert_correlated"
	EventNoteAdded       EventType = "note_added"
)

// Actors recorded on timeline events when no person is involved.
const (
	ActorSystem         = "system"
	ActorAlertIngestion = "alert-ingestion"
)

// NotePreviewLength is how much of a note's content is copied into its timeline event.
const NotePreviewLength = 100

// Incident is a group of correlated alerts tracked through a bounded lifecycle.
type Incident struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Service        string     `json:"service"`
	Severity       Severity   `json:"severity"`
	Status         Status     `json:"status"`
	AssignedTo     string     `json:"assigned_to,omitempty"`
	AlertCount     int        `json:"alert_count"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at"`
	ResolvedAt     *time.Time `json:"resolved_at"`
	MTTASeconds    *float64   `json:"mtta_seconds"`
	MTTRSeconds    *float64   `json:"mttr_seconds"`
}

// New returns an open incident with no linked alerts.
func New(title, service string, severity Severity, assignedTo string, now time.Time) *Incident {
	return &Incident{
		ID:         ulid.Make().String(),
		Title:      title,
		Service:    service,
		Severity:   severity,
		Status:     StatusOpen,
		AssignedTo: assignedTo,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep copy, so callers never share timestamp pointers.
func (i *Incident) Clone() *Incident {
	cp := *i
	cp.AcknowledgedAt = clonePtr(i.AcknowledgedAt)
	cp.ResolvedAt = clonePtr(i.ResolvedAt)
	cp.MTTASeconds = clonePtr(i.MTTASeconds)
	cp.MTTRSeconds = clonePtr(i.MTTRSeconds)
	return &cp
}

// TimelineEvent is one append-only audit record.
type TimelineEvent struct {
	ID         string         `json:"id"`
	IncidentID string         `json:"incident_id"`
	Type       EventType      `json:"event_type"`
	Actor      string         `json:"actor"`
	Detail     map[string]any `json:"detail"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NewEvent builds a timeline event. An empty actor is recorded as ActorSystem.
func NewEvent(incidentID string, typ EventType, actor string, detail map[string]any, now time.Time) TimelineEvent {
	if actor == "" {
		actor = ActorSystem
	}
	if detail == nil {
		detail = map[string]any{}
	}
	return TimelineEvent{
		ID:         ulid.Make().String(),
		IncidentID: incidentID,
		Type:       typ,
		Actor:      actor,
		Detail:     detail,
		CreatedAt:  now,
	}
}

// Note is a free-text comment on an incident. Immutable once created.
type Note struct {
	ID         string    `json:"id"`
	IncidentID string    `json:"incident_id"`
	Author     string    `json:"author"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewNote builds a note.
func NewNote(incidentID, author, content string, now time.Time) *Note {
	return &Note{
		ID:         ulid.Make().String(),
		IncidentID: incidentID,
		Author:     author,
		Content:    content,
		CreatedAt:  now,
	}
}

// noteEvent is the note_added timeline entry for n.
func noteEvent(n *Note) TimelineEvent {
	return NewEvent(n.IncidentID, EventNoteAdded, n.Author, map[string]any{
		"note_id": n.ID,
		"preview": fingerprint.Prefix(n.Content, NotePreviewLength),
	}, n.CreatedAt)
}

// Detail is an incident with its notes and timeline.
type Detail struct {
	*Incident
	Notes    []Note          `json:"notes"`
	Timeline []TimelineEvent `json:"timeline"`
}

// Metrics is the response-time view of one incident.
type Metrics struct {
	IncidentID     string     `json:"incident_id"`
	Status         Status     `json:"status"`
	MTTASeconds    *float64   `json:"mtta_seconds"`
	MTTRSeconds    *float64   `json:"mttr_seconds"`
	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at"`
	ResolvedAt     *time.Time `json:"resolved_at"`
}

// Summary aggregates incident counts and mean response times.
type Summary struct {
	Open           int      `json:"open"`
	Acknowledged   int      `json:"acknowledged"`
	InProgress     int      `json:"in_progress"`
	Resolved       int      `json:"resolved"`
	AvgMTTASeconds *float64 `json:"avg_mtta_seconds"`
	AvgMTTRSeconds *float64 `json:"avg_mttr_seconds"`
}

// Filter selects incidents for List. Zero values match everything.
type Filter struct {
	Status   Status
	Severity Severity
	Service  string
	Page     int
	PerPage  int
}

// Paging defaults and limits for List. MaxPage keeps the row offset well
// inside int range.
const (
	DefaultPerPage = 50
	MaxPerPage     = 200
	MaxPage        = 1_000_000
)

// Normalize clamps paging to sane bounds.
func (f Filter) Normalize() Filter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Page > MaxPage {
		f.Page = MaxPage
	}
	if f.PerPage < 1 {
		f.PerPage = DefaultPerPage
	}
	if f.PerPage > MaxPerPage {
		f.PerPage = MaxPerPage
	}
	return f
}

// Offset is the number of rows to skip for the filter's page.
func (f Filter) Offset() int {
	return (f.Page - 1) * f.PerPage
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
