package incident

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/incidentd/internal/fingerprint"
)

var tracer = otel.Tracer("github.com/linnemanlabs/incidentd/internal/incident")

const titleMessageLength = 120

// Origins reported to OnCreated.
const (
	OriginAuthority = "authority"
	OriginFallback  = "fallback"
)

// OnCallResolver looks up who is currently on call for a team.
type OnCallResolver interface {
	Primary(ctx context.Context, team string) (string, error)
}

// Notifier delivers new-incident notifications. Delivery is best-effort.
type Notifier interface {
	NotifyIncident(ctx context.Context, inc *Incident) error
}

// Hooks are optional callbacks fired after a mutation commits.
type Hooks struct {
	OnCreated      func(severity Severity, origin string)
	OnTransition   func(from, to Status)
	OnAcknowledged func(mttaSeconds float64)
	OnResolved     func(mttrSeconds float64)
}

// CreateRequest is the input to CreateIncident.
type CreateRequest struct {
	Title      string   `json:"title"`
	Service    string   `json:"service"`
	Severity   Severity `json:"severity"`
	AssignedTo string   `json:"assigned_to,omitempty"`
}

// Service is the correlation authority: it finds or creates incidents for
// incoming alerts and owns the status state machine.
type Service struct {
	store    Store
	logger   log.Logger
	hooks    Hooks
	oncall   OnCallResolver
	notifier Notifier
	now      func() time.Time
}

// NewService creates a new incident service. oncall and notifier may be nil.
func NewService(store Store, logger log.Logger, hooks Hooks, oncall OnCallResolver, notifier Notifier) *Service {
	if store == nil {
		panic(xerrors.New("incident store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:    store,
		logger:   logger,
		hooks:    hooks,
		oncall:   oncall,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// FindOpenIncident returns the newest unresolved incident for service and
// severity created within window. This is a point-in-time read: two callers
// that both miss may both go on to create an incident.
func (s *Service) FindOpenIncident(ctx context.Context, service string, severity Severity, window time.Duration) (string, bool, error) {
	id, ok, err := s.store.FindOpen(ctx, service, severity, s.now().Add(-window))
	if err != nil {
		return "", false, classify("find open incident", err)
	}
	return id, ok, nil
}

// CreateIncident opens a new incident. When no assignee is given the
// on-call primary for the service is used, if one can be found.
func (s *Service) CreateIncident(ctx context.Context, req CreateRequest) (*Incident, error) {
	assignee := req.AssignedTo
	if assignee == "" && s.oncall != nil {
		primary, err := s.oncall.Primary(ctx, req.Service)
		if err != nil {
			s.logger.Warn(ctx, "on-call lookup failed", "service", req.Service, "error", err)
		}
		assignee = primary
	}

	now := s.now()
	inc := New(req.Title, req.Service, req.Severity, assignee, now)

	var assignedDetail any
	if assignee != "" {
		assignedDetail = assignee
	}
	events := []TimelineEvent{
		NewEvent(inc.ID, EventCreated, ActorSystem, map[string]any{
			"title":       inc.Title,
			"severity":    string(inc.Severity),
			"assigned_to": assignedDetail,
		}, now),
	}
	if assignee != "" {
		events = append(events, NewEvent(inc.ID, EventAssigned, ActorSystem, map[string]any{
			"assigned_to": assignee,
		}, now))
	}

	if err := s.store.Create(ctx, inc, events); err != nil {
		return nil, classify("create incident", err)
	}

	if s.hooks.OnCreated != nil {
		s.hooks.OnCreated(inc.Severity, OriginAuthority)
	}

	s.logger.Info(ctx, "incident created",
		"incident_id", inc.ID,
		"service", inc.Service,
		"severity", inc.Severity,
		"assigned_to", inc.AssignedTo,
	)

	if s.notifier != nil {
		go s.notify(context.WithoutCancel(ctx), inc.Clone())
	}

	return inc, nil
}

// CreateShadowIncident opens a minimal local incident used when the primary
// authority is unreachable. Its created event is marked as a fallback; it
// gets no on-call assignment and sends no notification.
func (s *Service) CreateShadowIncident(ctx context.Context, title, service string, severity Severity) (*Incident, error) {
	now := s.now()
	inc := New(title, service, severity, "", now)
	events := []TimelineEvent{
		NewEvent(inc.ID, EventCreated, ActorAlertIngestion, map[string]any{
			"fallback": true,
			"title":    inc.Title,
			"severity": string(inc.Severity),
		}, now),
	}

	if err := s.store.Create(ctx, inc, events); err != nil {
		return nil, classify("create shadow incident", err)
	}

	if s.hooks.OnCreated != nil {
		s.hooks.OnCreated(inc.Severity, OriginFallback)
	}

	s.logger.Warn(ctx, "shadow incident created",
		"incident_id", inc.ID,
		"service", inc.Service,
		"severity", inc.Severity,
	)
	return inc, nil
}

// LinkAlert counts one more alert against the incident and records the
// correlation on its timeline.
func (s *Service) LinkAlert(ctx context.Context, incidentID, alertID, fp string) error {
	now := s.now()
	_, err := s.store.Update(ctx, incidentID, func(cur *Incident) (*Mutation, error) {
		next := cur.Clone()
		next.AlertCount++
		next.UpdatedAt = now
		return &Mutation{
			Incident: next,
			Events: []TimelineEvent{
				NewEvent(cur.ID, EventAlertCorrelated, ActorAlertIngestion, map[string]any{
					"alert_id":    alertID,
					"fingerprint": fp,
				}, now),
			},
		}, nil
	})
	return classify("link alert", err)
}

// Transition applies a status change, reassignment and/or note to an
// incident as one atomic unit and returns the updated incident.
func (s *Service) Transition(ctx context.Context, id string, req TransitionRequest) (*Incident, error) {
	ctx, span := tracer.Start(ctx, "incident.Transition", trace.WithAttributes(
		attribute.String("incidentd.incident.id", id),
		attribute.String("incidentd.incident.requested_status", string(req.Status)),
	))
	defer span.End()

	now := s.now()
	var planned *Mutation
	inc, err := s.store.Update(ctx, id, func(cur *Incident) (*Mutation, error) {
		m, err := planTransition(cur, req, now)
		if err != nil {
			return nil, err
		}
		planned = m
		return m, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, classify("transition", err)
	}

	s.afterTransition(ctx, inc, planned)
	return inc, nil
}

func (s *Service) afterTransition(ctx context.Context, inc *Incident, m *Mutation) {
	if m == nil || m.to == "" {
		return
	}
	if s.hooks.OnTransition != nil {
		s.hooks.OnTransition(m.from, m.to)
	}
	if m.acknowledged && inc.MTTASeconds != nil {
		if s.hooks.OnAcknowledged != nil {
			s.hooks.OnAcknowledged(*inc.MTTASeconds)
		}
		s.logger.Info(ctx, "MTTA recorded", "incident_id", inc.ID, "seconds", *inc.MTTASeconds)
	}
	if m.resolved && inc.MTTRSeconds != nil {
		if s.hooks.OnResolved != nil {
			s.hooks.OnResolved(*inc.MTTRSeconds)
		}
		s.logger.Info(ctx, "MTTR recorded", "incident_id", inc.ID, "seconds", *inc.MTTRSeconds)
	}
	s.logger.Info(ctx, "incident transitioned", "incident_id", inc.ID, "from", m.from, "to", m.to)
}

// AddNote attaches a note to an incident.
func (s *Service) AddNote(ctx context.Context, id, author, content string) (*Note, error) {
	if author == "" {
		author = "anonymous"
	}
	now := s.now()
	var note *Note
	_, err := s.store.Update(ctx, id, func(cur *Incident) (*Mutation, error) {
		note = NewNote(cur.ID, author, content, now)
		next := cur.Clone()
		next.UpdatedAt = now
		return &Mutation{Incident: next, Note: note, Events: []TimelineEvent{noteEvent(note)}}, nil
	})
	if err != nil {
		return nil, classify("add note", err)
	}
	return note, nil
}

// Get retrieves an incident by ID.
func (s *Service) Get(ctx context.Context, id string) (*Incident, bool, error) {
	inc, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, classify("get incident", err)
	}
	return inc, ok, nil
}

// Detail returns an incident with its notes and timeline.
func (s *Service) Detail(ctx context.Context, id string) (*Detail, error) {
	inc, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, classify("get incident", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	notes, err := s.store.Notes(ctx, id)
	if err != nil {
		return nil, classify("list notes", err)
	}
	timeline, err := s.store.Timeline(ctx, id)
	if err != nil {
		return nil, classify("timeline", err)
	}
	return &Detail{Incident: inc, Notes: notes, Timeline: timeline}, nil
}

// List returns a page of incidents matching f and the total match count.
func (s *Service) List(ctx context.Context, f Filter) ([]Incident, int, error) {
	items, total, err := s.store.List(ctx, f.Normalize())
	if err != nil {
		return nil, 0, classify("list incidents", err)
	}
	return items, total, nil
}

// Timeline returns the ordered audit trail of an incident.
func (s *Service) Timeline(ctx context.Context, id string) ([]TimelineEvent, error) {
	events, err := s.store.Timeline(ctx, id)
	if err != nil {
		return nil, classify("timeline", err)
	}
	return events, nil
}

// Metrics returns the MTTA/MTTR view of an incident.
func (s *Service) Metrics(ctx context.Context, id string) (*Metrics, error) {
	inc, ok, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return &Metrics{
		IncidentID:     inc.ID,
		Status:         inc.Status,
		MTTASeconds:    inc.MTTASeconds,
		MTTRSeconds:    inc.MTTRSeconds,
		CreatedAt:      inc.CreatedAt,
		AcknowledgedAt: inc.AcknowledgedAt,
		ResolvedAt:     inc.ResolvedAt,
	}, nil
}

// Summary returns counts per status and mean response times.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	sum, err := s.store.Summary(ctx)
	if err != nil {
		return nil, classify("summary", err)
	}
	return sum, nil
}

// StatusCounts returns the number of incidents in each status, used to seed gauges at startup.
func (s *Service) StatusCounts(ctx context.Context) (map[Status]int, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, classify("count by status", err)
	}
	return counts, nil
}

func (s *Service) notify(ctx context.Context, inc *Incident) {
	if err := s.notifier.NotifyIncident(ctx, inc); err != nil {
		s.logger.Warn(ctx, "incident notification failed", "incident_id", inc.ID, "error", err)
	}
}

// Title builds the incident title used for alert-driven incidents.
func Title(service string, severity Severity, message string) string {
	return fmt.Sprintf("[%s] %s: %s", strings.ToUpper(string(severity)), service, fingerprint.Prefix(message, titleMessageLength))
}
