package alertapi

import (
	"context"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/incidentd/internal/alert"
	"github.com/linnemanlabs/incidentd/internal/apijson"
	"github.com/linnemanlabs/incidentd/internal/incident"
	"github.com/linnemanlabs/incidentd/internal/ingest"
)

var pageRule = "max=" + strconv.Itoa(incident.MaxPage)

// Ingress defines the business operations alertapi needs.
type Ingress interface {
	ProcessAlert(ctx context.Context, req ingest.Request) (*ingest.Result, error)
	Get(ctx context.Context, id string) (*alert.Alert, bool, error)
	List(ctx context.Context, f alert.Filter) ([]alert.Alert, int, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    Ingress
}

// New creates a new API handler.
func New(logger log.Logger, svc Ingress) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("alert ingress is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/alerts", func(r chi.Router) {
		r.Post("/", a.handleIngestAlert)
		r.Get("/", a.handleListAlerts)
		r.Get("/{id}", a.handleGetAlert)
	})
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("incidentd.alert.id", id))

	al, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get alert", "id", id)
		apijson.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		apijson.Error(w, http.StatusNotFound, "not found")
		return
	}

	apijson.Write(w, http.StatusOK, al)
}

type alertPage struct {
	Total   int           `json:"total"`
	Page    int           `json:"page"`
	PerPage int           `json:"per_page"`
	Alerts  []alert.Alert `json:"alerts"`
}

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, ok := apijson.QueryInt(w, r, "page", 1)
	if !ok || !apijson.ValidateVar(w, "page", page, pageRule) {
		return
	}
	perPage, ok := apijson.QueryInt(w, r, "per_page", 0)
	if !ok {
		return
	}

	f := alert.Filter{
		Service:    apijson.Normalize(q.Get("service")),
		IncidentID: q.Get("incident_id"),
		Page:       page,
		PerPage:    perPage,
	}
	if sev := apijson.Normalize(q.Get("severity")); sev != "" {
		if !apijson.ValidateVar(w, "severity", sev, "severity") {
			return
		}
		f.Severity = incident.Severity(sev)
	}
	f = f.Normalize()

	items, total, err := a.svc.List(r.Context(), f)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list alerts")
		apijson.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	if items == nil {
		items = []alert.Alert{}
	}

	apijson.Write(w, http.StatusOK, alertPage{
		Total:   total,
		Page:    f.Page,
		PerPage: f.PerPage,
		Alerts:  items,
	})
}
