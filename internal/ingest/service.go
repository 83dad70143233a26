// Package ingest turns validated inbound alerts into stored alerts linked
// to an incident. Correlation goes through an Authority (in-process or
// remote); when the authority cannot be used the alert is correlated
// against the local incident store instead, so no alert is dropped.
package ingest

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/incidentd/internal/alert"
	"github.com/linnemanlabs/incidentd/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/incidentd/internal/ingest")

// Correlation outcomes.
const (
	ActionNewIncident      = "new_incident"
	ActionExistingIncident = "existing_incident"
)

// StatusAccepted is the only status ProcessAlert reports.
const StatusAccepted = "accepted"

// Fallback reasons reported to OnFallback.
const (
	FallbackLookup = "lookup"
	FallbackCreate = "create"
	FallbackLink   = "link"
	FallbackFailed = "failed"
)

// DefaultWindow is the correlation window used when none is configured.
const DefaultWindow = 5 * time.Minute

// Authority finds, creates and links incidents. Implemented by
// *incident.Service and by the remote client.
type Authority interface {
	FindOpenIncident(ctx context.Context, service string, severity incident.Severity, window time.Duration) (string, bool, error)
	CreateIncident(ctx context.Context, req incident.CreateRequest) (*incident.Incident, error)
	LinkAlert(ctx context.Context, incidentID, alertID, fingerprint string) error
}

// Local is the in-process incident service used when the Authority fails.
type Local interface {
	FindOpenIncident(ctx context.Context, service string, severity incident.Severity, window time.Duration) (string, bool, error)
	CreateShadowIncident(ctx context.Context, title, service string, severity incident.Severity) (*incident.Incident, error)
	LinkAlert(ctx context.Context, incidentID, alertID, fingerprint string) error
}

type alertLinker interface {
	LinkAlert(ctx context.Context, incidentID, alertID, fingerprint string) error
}

// Notifier is told about alerts that joined an existing incident.
type Notifier interface {
	NotifyCorrelated(ctx context.Context, a *alert.Alert, incidentID string) error
}

// Hooks are optional callbacks for metrics.
type Hooks struct {
	OnReceived   func(severity incident.Severity)
	OnCorrelated func(action string)
	OnFallback   func(reason string)
	OnProcessed  func(d time.Duration)
}

// Request is a validated inbound alert.
type Request struct {
	Service   string
	Severity  incident.Severity
	Message   string
	Source    string
	Labels    map[string]string
	Timestamp time.Time
}

// Result is what ProcessAlert reports back to the sender.
type Result struct {
	AlertID     string  `json:"alert_id"`
	IncidentID  *string `json:"incident_id"`
	Fingerprint string  `json:"fingerprint"`
	Status      string  `json:"status"`
	Action      string  `json:"action"`
}

// Service is the alert ingress.
type Service struct {
	authority Authority
	local     Local
	alerts    alert.Store
	notifier  Notifier
	logger    log.Logger
	hooks     Hooks
	window    time.Duration
	now       func() time.Time
}

// Config carries the ingress dependencies. Notifier is optional.
type Config struct {
	Authority Authority
	Local     Local
	Alerts    alert.Store
	Notifier  Notifier
	Logger    log.Logger
	Hooks     Hooks
	Window    time.Duration
}

// NewService creates the alert ingress.
func NewService(c Config) *Service {
	if c.Authority == nil {
		panic(xerrors.New("ingest authority is required"))
	}
	if c.Local == nil {
		panic(xerrors.New("ingest local incident service is required"))
	}
	if c.Alerts == nil {
		panic(xerrors.New("ingest alert store is required"))
	}
	if c.Logger == nil {
		c.Logger = log.Nop()
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return &Service{
		authority: c.Authority,
		local:     c.Local,
		alerts:    c.Alerts,
		notifier:  c.Notifier,
		logger:    c.Logger,
		hooks:     c.Hooks,
		window:    c.Window,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ProcessAlert stores the alert linked to an existing or new incident.
// Failures of the authority are absorbed by the local fallback; only a
// failure to store the alert itself is returned.
func (s *Service) ProcessAlert(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "ingest.ProcessAlert", trace.WithAttributes(
		attribute.String("incidentd.alert.service", req.Service),
		attribute.String("incidentd.alert.severity", string(req.Severity)),
	))
	defer span.End()

	a := alert.New(req.Service, req.Severity, req.Message, req.Source, req.Labels, req.Timestamp, s.now())
	span.SetAttributes(
		attribute.String("incidentd.alert.id", a.ID),
		attribute.String("incidentd.alert.fingerprint", a.Fingerprint),
	)
	if s.hooks.OnReceived != nil {
		s.hooks.OnReceived(a.Severity)
	}

	incidentID, action := s.correlate(ctx, a)
	if incidentID != "" {
		a.IncidentID = &incidentID
		span.SetAttributes(attribute.String("incidentd.incident.id", incidentID))
	}
	span.SetAttributes(attribute.String("incidentd.correlation.action", action))

	if err := s.alerts.Put(ctx, a); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error(ctx, err, "alert persistence failed", "alert_id", a.ID, "incident_id", incidentID)
		return nil, &incident.PersistenceError{Op: "store alert", Err: err}
	}

	if s.hooks.OnCorrelated != nil {
		s.hooks.OnCorrelated(action)
	}

	if action == ActionExistingIncident && s.notifier != nil {
		go s.notify(context.WithoutCancel(ctx), a.Clone(), incidentID)
	}

	if s.hooks.OnProcessed != nil {
		s.hooks.OnProcessed(time.Since(start))
	}

	s.logger.Info(ctx, "alert processed",
		"alert_id", a.ID,
		"incident_id", incidentID,
		"action", action,
		"fingerprint", a.Fingerprint,
	)

	return &Result{
		AlertID:     a.ID,
		IncidentID:  a.IncidentID,
		Fingerprint: a.Fingerprint,
		Status:      StatusAccepted,
		Action:      action,
	}, nil
}

// Get returns a stored alert.
func (s *Service) Get(ctx context.Context, id string) (*alert.Alert, bool, error) {
	return s.alerts.Get(ctx, id)
}

// List returns one page of stored alerts and the total match count.
func (s *Service) List(ctx context.Context, f alert.Filter) ([]alert.Alert, int, error) {
	return s.alerts.List(ctx, f.Normalize())
}

// correlate resolves the incident for a, returning "" only when even the
// local fallback failed.
func (s *Service) correlate(ctx context.Context, a *alert.Alert) (string, string) {
	var linker alertLinker = s.authority

	id, found, err := s.authority.FindOpenIncident(ctx, a.Service, a.Severity, s.window)
	if err != nil {
		s.fallback(FallbackLookup)
		s.logger.Warn(ctx, "correlation lookup failed, using local store",
			"alert_id", a.ID, "service", a.Service, "severity", a.Severity, "error", err)

		linker = s.local
		id, found, err = s.local.FindOpenIncident(ctx, a.Service, a.Severity, s.window)
		if err != nil {
			s.logger.Error(ctx, err, "local correlation lookup failed", "alert_id", a.ID)
			found = false
		}
	}

	if found {
		err := linker.LinkAlert(ctx, id, a.ID, a.Fingerprint)
		switch {
		case err == nil:
			return id, ActionExistingIncident
		case errors.Is(err, incident.ErrNotFound):
			s.logger.Warn(ctx, "matched incident vanished before link, opening a new one",
				"alert_id", a.ID, "incident_id", id)
		default:
			// the alert still belongs to the incident; only its count is short
			s.fallback(FallbackLink)
			s.logger.Warn(ctx, "alert link failed", "alert_id", a.ID, "incident_id", id, "error", err)
			return id, ActionExistingIncident
		}
	}

	return s.open(ctx, a), ActionNewIncident
}

// open creates the incident for an uncorrelated alert and links the alert
// to it. Creation is attempted once against the authority, then locally.
func (s *Service) open(ctx context.Context, a *alert.Alert) string {
	title := incident.Title(a.Service, a.Severity, a.Message)

	inc, err := s.authority.CreateIncident(ctx, incident.CreateRequest{
		Title:    title,
		Service:  a.Service,
		Severity: a.Severity,
	})
	if err == nil {
		if err := s.authority.LinkAlert(ctx, inc.ID, a.ID, a.Fingerprint); err != nil {
			s.fallback(FallbackLink)
			s.logger.Warn(ctx, "alert link failed", "alert_id", a.ID, "incident_id", inc.ID, "error", err)
		}
		return inc.ID
	}

	s.fallback(FallbackCreate)
	s.logger.Warn(ctx, "incident creation failed, opening shadow incident",
		"alert_id", a.ID, "service", a.Service, "severity", a.Severity, "error", err)

	shadow, err := s.local.CreateShadowIncident(ctx, title, a.Service, a.Severity)
	if err != nil {
		s.fallback(FallbackFailed)
		s.logger.Error(ctx, err, "shadow incident creation failed, alert stored without incident",
			"alert_id", a.ID, "service", a.Service, "severity", a.Severity)
		return ""
	}
	if err := s.local.LinkAlert(ctx, shadow.ID, a.ID, a.Fingerprint); err != nil {
		s.logger.Error(ctx, err, "alert link to shadow incident failed",
			"alert_id", a.ID, "incident_id", shadow.ID)
	}
	return shadow.ID
}

func (s *Service) fallback(reason string) {
	if s.hooks.OnFallback != nil {
		s.hooks.OnFallback(reason)
	}
}

func (s *Service) notify(ctx context.Context, a *alert.Alert, incidentID string) {
	if err := s.notifier.NotifyCorrelated(ctx, a, incidentID); err != nil {
		s.logger.Warn(ctx, "correlated alert notification failed",
			"alert_id", a.ID, "incident_id", incidentID, "error", err)
	}
}
