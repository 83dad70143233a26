package alertapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/incidentd/internal/apijson"
	"github.com/linnemanlabs/incidentd/internal/incident"
	"github.com/linnemanlabs/incidentd/internal/ingest"
)

type alertRequest struct {
	Service   string         `json:"service" validate:"required,max=255,excludes=0x7C"`
	Severity  string         `json:"severity" validate:"required,severity"`
	Message   string         `json:"message" validate:"required,max=2000"`
	Source    string         `json:"source" validate:"max=255"`
	Labels    map[string]any `json:"labels"`
	Timestamp *time.Time     `json:"timestamp"`
}

func (a *API) handleIngestAlert(w http.ResponseWriter, r *http.Request) {
	var req alertRequest
	if !apijson.Decode(w, r, &req) {
		return
	}
	req.Service = apijson.Normalize(req.Service)
	req.Severity = apijson.Normalize(req.Severity)
	if !apijson.Validate(w, &req) {
		return
	}

	in := ingest.Request{
		Service:  req.Service,
		Severity: incident.Severity(req.Severity),
		Message:  req.Message,
		Source:   req.Source,
		Labels:   stringLabels(req.Labels),
	}
	if req.Timestamp != nil {
		in.Timestamp = *req.Timestamp
	}

	res, err := a.svc.ProcessAlert(r.Context(), in)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to process alert", "service", in.Service, "severity", in.Severity)
		apijson.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("incidentd.alert.id", res.AlertID),
		attribute.String("incidentd.alert.action", res.Action),
	)

	apijson.Write(w, http.StatusCreated, res)
}

// stringLabels flattens label values to strings. Non-string JSON values
// keep their JSON text form.
func stringLabels(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
			out[k] = ""
		case float64:
			out[k] = fmt.Sprint(t)
		default:
			b, err := json.Marshal(t)
			if err != nil {
				out[k] = fmt.Sprint(t)
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}
