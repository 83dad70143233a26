package incidentapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/incidentd/internal/alert"
	"github.com/linnemanlabs/incidentd/internal/apijson"
	"github.com/linnemanlabs/incidentd/internal/incident"
)

var pageRule = "max=" + strconv.Itoa(incident.MaxPage)

type createRequest struct {
	Title      string `json:"title" validate:"required,max=500"`
	Service    string `json:"service" validate:"required,max=255"`
	Severity   string `json:"severity" validate:"required,severity"`
	AssignedTo string `json:"assigned_to" validate:"max=255"`
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !apijson.Decode(w, r, &req) {
		return
	}
	req.Service = apijson.Normalize(req.Service)
	req.Severity = apijson.Normalize(req.Severity)
	if !apijson.Validate(w, &req) {
		return
	}

	inc, err := a.svc.CreateIncident(r.Context(), incident.CreateRequest{
		Title:      req.Title,
		Service:    req.Service,
		Severity:   incident.Severity(req.Severity),
		AssignedTo: req.AssignedTo,
	})
	if err != nil {
		a.writeServiceError(w, r, err, "failed to create incident")
		return
	}
	apijson.Write(w, http.StatusCreated, inc)
}

type incidentPage struct {
	Total     int                 `json:"total"`
	Page      int                 `json:"page"`
	PerPage   int                 `json:"per_page"`
	Incidents []incident.Incident `json:"incidents"`
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, ok := apijson.QueryInt(w, r, "page", 1)
	if !ok || !apijson.ValidateVar(w, "page", page, pageRule) {
		return
	}
	perPage, ok := apijson.QueryInt(w, r, "per_page", 0)
	if !ok {
		return
	}

	f := incident.Filter{
		Service: apijson.Normalize(q.Get("service")),
		Page:    page,
		PerPage: perPage,
	}
	if st := apijson.Normalize(q.Get("status")); st != "" {
		if !apijson.ValidateVar(w, "status", st, "incident_status") {
			return
		}
		f.Status = incident.Status(st)
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
		a.writeServiceError(w, r, err, "failed to list incidents")
		return
	}
	if items == nil {
		items = []incident.Incident{}
	}
	apijson.Write(w, http.StatusOK, incidentPage{
		Total:     total,
		Page:      f.Page,
		PerPage:   f.PerPage,
		Incidents: items,
	})
}

type openResponse struct {
	IncidentID *string `json:"incident_id"`
}

func (a *API) handleFindOpen(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	service := apijson.Normalize(q.Get("service"))
	severity := apijson.Normalize(q.Get("severity"))

	if !apijson.ValidateVar(w, "service", service, "required,max=255") {
		return
	}
	if !apijson.ValidateVar(w, "severity", severity, "required,severity") {
		return
	}
	minutes, ok := apijson.QueryInt(w, r, "window_minutes", int(a.window/time.Minute))
	if !ok {
		return
	}
	if !apijson.ValidateVar(w, "window_minutes", minutes, "min=1,max=1440") {
		return
	}

	id, found, err := a.svc.FindOpenIncident(r.Context(), service, incident.Severity(severity), time.Duration(minutes)*time.Minute)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to look up open incident")
		return
	}
	var out openResponse
	if found {
		out.IncidentID = &id
	}
	apijson.Write(w, http.StatusOK, out)
}

func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := a.svc.Summary(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err, "failed to summarise incidents")
		return
	}
	apijson.Write(w, http.StatusOK, sum)
}

type detailResponse struct {
	*incident.Detail
	Alerts []alert.Alert `json:"alerts"`
}

func (a *API) handleDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := a.svc.Detail(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to get incident")
		return
	}

	out := detailResponse{Detail: d, Alerts: []alert.Alert{}}
	if a.alerts != nil {
		items, _, err := a.alerts.List(r.Context(), alert.Filter{IncidentID: id, PerPage: incident.MaxPerPage}.Normalize())
		if err != nil {
			// the incident itself is still served
			a.logger.Warn(r.Context(), "failed to list incident alerts", "id", id, "error", err)
		} else if items != nil {
			out.Alerts = items
		}
	}
	apijson.Write(w, http.StatusOK, out)
}

type updateRequest struct {
	Status     string `json:"status" validate:"omitempty,incident_status"`
	Notes      string `json:"notes" validate:"max=5000"`
	AssignedTo string `json:"assigned_to" validate:"max=255"`
	Actor      string `json:"actor" validate:"max=255"`
}

func (a *API) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if !apijson.Decode(w, r, &req) {
		return
	}
	req.Status = apijson.Normalize(req.Status)
	if !apijson.Validate(w, &req) {
		return
	}

	inc, err := a.svc.Transition(r.Context(), chi.URLParam(r, "id"), incident.TransitionRequest{
		Status:     incident.Status(req.Status),
		Notes:      req.Notes,
		AssignedTo: req.AssignedTo,
		Actor:      req.Actor,
	})
	if err != nil {
		a.writeServiceError(w, r, err, "failed to update incident")
		return
	}
	apijson.Write(w, http.StatusOK, inc)
}

type linkRequest struct {
	AlertID     string `json:"alert_id" validate:"required,max=255"`
	Fingerprint string `json:"fingerprint" validate:"max=64"`
}

func (a *API) handleLinkAlert(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if !apijson.Decode(w, r, &req) {
		return
	}
	if !apijson.Validate(w, &req) {
		return
	}

	if err := a.svc.LinkAlert(r.Context(), chi.URLParam(r, "id"), req.AlertID, req.Fingerprint); err != nil {
		a.writeServiceError(w, r, err, "failed to link alert")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type noteRequest struct {
	Author  string `json:"author" validate:"max=255"`
	Content string `json:"content" validate:"required,max=5000"`
}

func (a *API) handleAddNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if !apijson.Decode(w, r, &req) {
		return
	}
	if !apijson.Validate(w, &req) {
		return
	}

	note, err := a.svc.AddNote(r.Context(), chi.URLParam(r, "id"), req.Author, req.Content)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to add note")
		return
	}
	apijson.Write(w, http.StatusCreated, note)
}

func (a *API) handleTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := a.svc.Timeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err, "failed to get timeline")
		return
	}
	if events == nil {
		events = []incident.TimelineEvent{}
	}
	apijson.Write(w, http.StatusOK, events)
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := a.svc.Metrics(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err, "failed to get incident metrics")
		return
	}
	apijson.Write(w, http.StatusOK, m)
}
