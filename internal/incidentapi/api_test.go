package incidentapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/incidentd/internal/alert"
	alertmem "github.com/linnemanlabs/incidentd/internal/alert/memstore"
	"github.com/linnemanlabs/incidentd/internal/incident"
	"github.com/linnemanlabs/incidentd/internal/incident/incidentclient"
	incidentmem "github.com/linnemanlabs/incidentd/internal/incident/memstore"
)

type fixture struct {
	router chi.Router
	svc    *incident.Service
	alerts *alertmem.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	svc := incident.NewService(incidentmem.New(), nil, incident.Hooks{}, nil, nil)
	alerts := alertmem.New()
	r := chi.NewRouter()
	New(nil, svc, alerts, 5*time.Minute).RegisterRoutes(r)
	return &fixture{router: r, svc: svc, alerts: alerts}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) create(t *testing.T, body string) *incident.Incident {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/incidents", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}
	return decode[*incident.Incident](t, rec)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

const apiHigh = `{"title":"api down","service":"API","severity":"High"}`

//  New / constructor

func TestNew_NilService_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New with nil service did not panic")
		}
	}()
	New(nil, nil, nil, 0)
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	svc := incident.NewService(incidentmem.New(), nil, incident.Hooks{}, nil, nil)
	a := New(nil, svc, nil, 0)
	if a.logger == nil {
		t.Error("nil logger should become Nop")
	}
	if a.window != 5*time.Minute {
		t.Errorf("window = %v, want 5m", a.window)
	}
}

// Routing

func TestRegisterRoutes_Methods(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	inc := f.create(t, apiHigh)

	tests := []struct {
		method     string
		path       string
		wantStatus int
	}{
		{http.MethodGet, "/api/v1/incidents", http.StatusOK},
		{http.MethodGet, "/api/v1/incidents/stats/summary", http.StatusOK},
		{http.MethodGet, "/api/v1/incidents/" + inc.ID, http.StatusOK},
		{http.MethodGet, "/api/v1/incidents/" + inc.ID + "/timeline", http.StatusOK},
		{http.MethodGet, "/api/v1/incidents/" + inc.ID + "/metrics", http.StatusOK},
		{http.MethodGet, "/api/v1/incidents/missing", http.StatusNotFound},
		{http.MethodGet, "/api/v1/incidents/missing/timeline", http.StatusNotFound},
		{http.MethodGet, "/api/v1/incidents/missing/metrics", http.StatusNotFound},
		{http.MethodDelete, "/api/v1/incidents/" + inc.ID, http.StatusMethodNotAllowed},
		{http.MethodPut, "/api/v1/incidents", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/incidents/" + inc.ID + "/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			t.Parallel()

			if rec := f.do(t, tt.method, tt.path, ""); rec.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.wantStatus)
			}
		})
	}
}

// Create

func TestHandleCreate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	inc := f.create(t, `{"title":"db down","service":" Checkout ","severity":"CRITICAL","assigned_to":"alice"}`)

	if inc.Service != "checkout" || inc.Severity != incident.SeverityCritical {
		t.Errorf("normalised = %q/%q", inc.Service, inc.Severity)
	}
	if inc.Status != incident.StatusOpen || inc.AssignedTo != "alice" || inc.AlertCount != 0 {
		t.Errorf("incident = %+v", inc)
	}
}

func TestHandleCreate_Validation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"invalid JSON", `{bad`, http.StatusBadRequest},
		{"missing title", `{"service":"api","severity":"low"}`, http.StatusUnprocessableEntity},
		{"bad severity", `{"title":"t","service":"api","severity":"sev1"}`, http.StatusUnprocessableEntity},
		{"title too long", `{"title":"` + strings.Repeat("t", 501) + `","service":"api","severity":"low"}`, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if rec := f.do(t, http.MethodPost, "/api/v1/incidents", tt.body); rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

// Update

func TestHandleUpdate_Lifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	inc := f.create(t, apiHigh)
	path := "/api/v1/incidents/" + inc.ID

	rec := f.do(t, http.MethodPatch, path, `{"status":"Acknowledged","assigned_to":"bob","notes":"looking"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("acknowledge = %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[*incident.Incident](t, rec)
	if got.Status != incident.StatusAcknowledged || got.AssignedTo != "bob" || got.MTTASeconds == nil {
		t.Errorf("after ack = %+v", got)
	}

	rec = f.do(t, http.MethodPatch, path, `{"status":"resolved"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[*incident.Incident](t, rec); got.ResolvedAt == nil || got.MTTRSeconds == nil {
		t.Errorf("after resolve = %+v", got)
	}

	d := decode[map[string]any](t, f.do(t, http.MethodGet, path, ""))
	if n := len(d["notes"].([]any)); n != 1 {
		t.Errorf("notes = %d, want 1", n)
	}
	// created, assigned, acknowledged, note_added, resolved
	if n := len(d["timeline"].([]any)); n != 5 {
		t.Errorf("timeline = %d, want 5", n)
	}
}

func TestHandleUpdate_Conflict(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	inc := f.create(t, apiHigh)
	path := "/api/v1/incidents/" + inc.ID

	if rec := f.do(t, http.MethodPatch, path, `{"status":"in_progress"}`); rec.Code != http.StatusOK {
		t.Fatalf("in_progress = %d", rec.Code)
	}

	rec := f.do(t, http.MethodPatch, path, `{"status":"acknowledged"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	body := decode[conflictBody](t, rec)
	if body.CurrentStatus != incident.StatusInProgress || body.RequestedStatus != incident.StatusAcknowledged {
		t.Errorf("conflict = %+v", body)
	}
	if len(body.Allowed) != 1 || body.Allowed[0] != incident.StatusResolved {
		t.Errorf("allowed = %v, want [resolved]", body.Allowed)
	}

	f.do(t, http.MethodPatch, path, `{"status":"resolved"}`)
	rec = f.do(t, http.MethodPatch, path, `{"status":"open"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("from resolved = %d, want 409", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"allowed":[]`) {
		t.Errorf("body = %s, want empty allowed list", rec.Body.String())
	}
}

func TestHandleUpdate_Errors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	inc := f.create(t, apiHigh)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
	}{
		{"unknown incident", "/api/v1/incidents/missing", `{"status":"resolved"}`, http.StatusNotFound},
		{"unknown status", "/api/v1/incidents/" + inc.ID, `{"status":"closed"}`, http.StatusUnprocessableEntity},
		{"notes too long", "/api/v1/incidents/" + inc.ID, `{"notes":"` + strings.Repeat("n", 5001) + `"}`, http.StatusUnprocessableEntity},
		{"invalid JSON", "/api/v1/incidents/" + inc.ID, `[`, http.StatusBadRequest},
		{"nothing to change", "/api/v1/incidents/" + inc.ID, `{}`, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if rec := f.do(t, http.MethodPatch, tt.path, tt.body); rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

// Link, notes

func TestHandleLinkAlert(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	inc := f.create(t, apiHigh)

	rec := f.do(t, http.MethodPost, "/api/v1/incidents/"+inc.ID+"/alerts", `{"alert_id":"A1","fingerprint":"abcd"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("link = %d: %s", rec.Code, rec.Body.String())
	}
	got, _, _ := f.svc.Get(context.Background(), inc.ID)
	if got.AlertCount != 1 {
		t.Errorf("alert_count = %d, want 1", got.AlertCount)
	}

	if rec := f.do(t, http.MethodPost, "/api/v1/incidents/missing/alerts", `{"alert_id":"A1"}`); rec.Code != http.StatusNotFound {
		t.Errorf("missing incident = %d, want 404", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/incidents/"+inc.ID+"/alerts", `{}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing alert_id = %d, want 422", rec.Code)
	}
}

func TestHandleAddNote(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	inc := f.create(t, apiHigh)
	path := "/api/v1/incidents/" + inc.ID + "/notes"

	rec := f.do(t, http.MethodPost, path, `{"content":"rolled back"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add note = %d: %s", rec.Code, rec.Body.String())
	}
	if n := decode[incident.Note](t, rec); n.Author != "anonymous" || n.Content != "rolled back" {
		t.Errorf("note = %+v", n)
	}

	if rec := f.do(t, http.MethodPost, path, `{"content":""}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("empty content = %d, want 422", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/incidents/missing/notes", `{"content":"x"}`); rec.Code != http.StatusNotFound {
		t.Errorf("missing incident = %d, want 404", rec.Code)
	}
}

// Reads

func TestHandleDetail_AttachesAlerts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	inc := f.create(t, apiHigh)

	now := time.Now().UTC()
	a := alert.New("api", incident.SeverityHigh, "5xx", "", nil, time.Time{}, now)
	a.IncidentID = &inc.ID
	if err := f.alerts.Put(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	other := alert.New("web", incident.SeverityLow, "slow", "", nil, time.Time{}, now)
	if err := f.alerts.Put(context.Background(), other); err != nil {
		t.Fatal(err)
	}

	d := decode[map[string]any](t, f.do(t, http.MethodGet, "/api/v1/incidents/"+inc.ID, ""))
	alerts := d["alerts"].([]any)
	if len(alerts) != 1 || alerts[0].(map[string]any)["id"] != a.ID {
		t.Errorf("alerts = %v, want only %s", alerts, a.ID)
	}
	if d["id"] != inc.ID || d["status"] != "open" {
		t.Errorf("detail = %v", d)
	}
}

func TestHandleDetail_AlertListFailure(t *testing.T) {
	t.Parallel()

	svc := incident.NewService(incidentmem.New(), nil, incident.Hooks{}, nil, nil)
	inc, err := svc.CreateIncident(context.Background(), incident.CreateRequest{Title: "t", Service: "api", Severity: incident.SeverityLow})
	if err != nil {
		t.Fatal(err)
	}
	r := chi.NewRouter()
	New(nil, svc, brokenAlerts{}, 0).RegisterRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/incidents/"+inc.ID, http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"alerts":[]`) {
		t.Errorf("body = %s, want empty alerts", rec.Body.String())
	}
}

func TestHandleList(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.create(t, apiHigh)
	f.create(t, `{"title":"b","service":"api","severity":"low"}`)
	web := f.create(t, `{"title":"c","service":"web","severity":"high"}`)
	f.do(t, http.MethodPatch, "/api/v1/incidents/"+web.ID, `{"status":"resolved"}`)

	tests := []struct {
		query     string
		wantTotal int
	}{
		{"", 3},
		{"?service=api", 2},
		{"?severity=HIGH", 2},
		{"?status=resolved", 1},
		{"?status=open&service=api&severity=low", 1},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			t.Parallel()

			rec := f.do(t, http.MethodGet, "/api/v1/incidents"+tt.query, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if page := decode[incidentPage](t, rec); page.Total != tt.wantTotal || len(page.Incidents) != tt.wantTotal {
				t.Errorf("total = %d (%d items), want %d", page.Total, len(page.Incidents), tt.wantTotal)
			}
		})
	}

	if rec := f.do(t, http.MethodGet, "/api/v1/incidents?status=closed", ""); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad status filter = %d, want 422", rec.Code)
	}
	page := decode[incidentPage](t, f.do(t, http.MethodGet, "/api/v1/incidents?per_page=1000", ""))
	if page.PerPage != incident.MaxPerPage {
		t.Errorf("per_page = %d, want clamp to %d", page.PerPage, incident.MaxPerPage)
	}
}

func TestHandleList_PageBounds(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.create(t, apiHigh)

	for _, q := range []string{"?page=9223372036854775807", "?page=184467440737095518&per_page=50", "?page=1000001"} {
		if rec := f.do(t, http.MethodGet, "/api/v1/incidents"+q, ""); rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("%s = %d, want 422", q, rec.Code)
		}
	}

	rec := f.do(t, http.MethodGet, "/api/v1/incidents?page=1000000", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("last allowed page = %d, want 200", rec.Code)
	}
	if page := decode[incidentPage](t, rec); page.Total != 1 || len(page.Incidents) != 0 || page.Page != incident.MaxPage {
		t.Errorf("last allowed page = %+v", page)
	}
}

func TestHandleSummary(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.create(t, apiHigh)
	inc := f.create(t, apiHigh)
	f.do(t, http.MethodPatch, "/api/v1/incidents/"+inc.ID, `{"status":"resolved"}`)

	sum := decode[incident.Summary](t, f.do(t, http.MethodGet, "/api/v1/incidents/stats/summary", ""))
	if sum.Open != 1 || sum.Resolved != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.AvgMTTRSeconds == nil {
		t.Error("avg mttr should be set once an incident is resolved")
	}
}

func TestHandleFindOpen(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	inc := f.create(t, apiHigh)

	got := decode[openResponse](t, f.do(t, http.MethodGet, "/api/v1/incidents/open?service=API&severity=high", ""))
	if got.IncidentID == nil || *got.IncidentID != inc.ID {
		t.Errorf("open = %v, want %s", got.IncidentID, inc.ID)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/incidents/open?service=api&severity=low&window_minutes=10", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"incident_id":null`) {
		t.Errorf("no match = %d %s", rec.Code, rec.Body.String())
	}

	for _, q := range []string{
		"?severity=high",
		"?service=api",
		"?service=api&severity=high&window_minutes=0",
		"?service=api&severity=high&window_minutes=1441",
		"?service=api&severity=high&window_minutes=soon",
	} {
		if rec := f.do(t, http.MethodGet, "/api/v1/incidents/open"+q, ""); rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("GET open%s = %d, want 422", q, rec.Code)
		}
	}
}

// The remote authority client and these routes must agree on the wire.
func TestRemoteAuthorityContract(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	client := incidentclient.New(srv.URL, time.Second)
	ctx := context.Background()

	if _, ok, err := client.FindOpenIncident(ctx, "api", incident.SeverityHigh, 5*time.Minute); err != nil || ok {
		t.Fatalf("initial lookup = %v, %v", ok, err)
	}

	inc, err := client.CreateIncident(ctx, incident.CreateRequest{Title: "t", Service: "api", Severity: incident.SeverityHigh})
	if err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}

	id, ok, err := client.FindOpenIncident(ctx, "api", incident.SeverityHigh, 5*time.Minute)
	if err != nil || !ok || id != inc.ID {
		t.Fatalf("lookup = %q, %v, %v; want %s", id, ok, err, inc.ID)
	}

	if err := client.LinkAlert(ctx, inc.ID, "A1", "fp"); err != nil {
		t.Fatalf("LinkAlert: %v", err)
	}
	if err := client.LinkAlert(ctx, "missing", "A2", "fp"); !errors.Is(err, incident.ErrNotFound) {
		t.Errorf("LinkAlert missing = %v, want ErrNotFound", err)
	}

	got, _, _ := f.svc.Get(ctx, inc.ID)
	if got.AlertCount != 1 {
		t.Errorf("alert_count = %d, want 1", got.AlertCount)
	}
}

type brokenAlerts struct{}

func (brokenAlerts) List(context.Context, alert.Filter) ([]alert.Alert, int, error) {
	return nil, 0, errors.New("alert store down")
}
