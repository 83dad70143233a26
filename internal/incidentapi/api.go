// Package incidentapi is the HTTP boundary of the incident service. It also
// serves the lookup, create and link routes a remote alert ingress uses
// when this process acts as its correlation authority.
package incidentapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/incidentd/internal/alert"
	"github.com/linnemanlabs/incidentd/internal/apijson"
	"github.com/linnemanlabs/incidentd/internal/incident"
)

// IncidentService defines the business operations incidentapi needs.
type IncidentService interface {
	CreateIncident(ctx context.Context, req incident.CreateRequest) (*incident.Incident, error)
	FindOpenIncident(ctx context.Context, service string, severity incident.Severity, window time.Duration) (string, bool, error)
	LinkAlert(ctx context.Context, incidentID, alertID, fingerprint string) error
	Transition(ctx context.Context, id string, req incident.TransitionRequest) (*incident.Incident, error)
	AddNote(ctx context.Context, id, author, content string) (*incident.Note, error)
	Detail(ctx context.Context, id string) (*incident.Detail, error)
	List(ctx context.Context, f incident.Filter) ([]incident.Incident, int, error)
	Timeline(ctx context.Context, id string) ([]incident.TimelineEvent, error)
	Metrics(ctx context.Context, id string) (*incident.Metrics, error)
	Summary(ctx context.Context) (*incident.Summary, error)
}

// AlertLister supplies the alerts attached to an incident detail view.
type AlertLister interface {
	List(ctx context.Context, f alert.Filter) ([]alert.Alert, int, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    IncidentService
	alerts AlertLister
	window time.Duration
}

// New creates a new API handler. alerts may be nil, in which case incident
// detail carries no alerts. window is the default for open-incident lookups.
func New(logger log.Logger, svc IncidentService, alerts AlertLister, window time.Duration) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &API{
		logger: logger,
		svc:    svc,
		alerts: alerts,
		window: window,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/incidents", func(r chi.Router) {
		r.Post("/", a.handleCreate)
		r.Get("/", a.handleList)
		r.Get("/open", a.handleFindOpen)
		r.Get("/stats/summary", a.handleSummary)

		r.Route("/{id}", func(r chi.Router) {
			r.Use(annotateIncident)
			r.Get("/", a.handleDetail)
			r.Patch("/", a.handleUpdate)
			r.Post("/alerts", a.handleLinkAlert)
			r.Post("/notes", a.handleAddNote)
			r.Get("/timeline", a.handleTimeline)
			r.Get("/metrics", a.handleMetrics)
		})
	})
}

func annotateIncident(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trace.SpanFromContext(r.Context()).SetAttributes(
			attribute.String("incidentd.incident.id", chi.URLParam(r, "id")),
		)
		next.ServeHTTP(w, r)
	})
}

type conflictBody struct {
	Error           string            `json:"error"`
	CurrentStatus   incident.Status   `json:"current_status"`
	RequestedStatus incident.Status   `json:"requested_status"`
	Allowed         []incident.Status `json:"allowed"`
}

// writeServiceError maps incident error kinds onto HTTP statuses.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	var ite *incident.IllegalTransitionError
	switch {
	case errors.Is(err, incident.ErrNotFound):
		apijson.Error(w, http.StatusNotFound, "incident not found")
	case errors.As(err, &ite):
		allowed := ite.Allowed
		if allowed == nil {
			allowed = []incident.Status{}
		}
		apijson.Write(w, http.StatusConflict, conflictBody{
			Error:           ite.Error(),
			CurrentStatus:   ite.From,
			RequestedStatus: ite.To,
			Allowed:         allowed,
		})
	default:
		a.logger.Error(r.Context(), err, msg, "id", chi.URLParam(r, "id"))
		apijson.Error(w, http.StatusInternalServerError, "internal error")
	}
}
