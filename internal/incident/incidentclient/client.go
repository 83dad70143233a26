// Package incidentclient talks to a correlation authority running in
// another process, over the HTTP routes served by incidentapi.
package incidentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/incidentd/internal/incident"
)

// DefaultTimeout bounds every call to the authority.
const DefaultTimeout = 5 * time.Second

// Client is a remote correlation authority. Every failure to get an answer
// (transport error, timeout, unexpected status) wraps
// incident.ErrUpstreamUnavailable; a missing incident on link is
// incident.ErrNotFound. Calls are never retried.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a client for the authority at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type openResponse struct {
	IncidentID *string `json:"incident_id"`
}

type linkRequest struct {
	AlertID     string `json:"alert_id"`
	Fingerprint string `json:"fingerprint"`
}

// FindOpenIncident asks the authority for a matching open incident.
func (c *Client) FindOpenIncident(ctx context.Context, service string, severity incident.Severity, window time.Duration) (string, bool, error) {
	q := url.Values{}
	q.Set("service", service)
	q.Set("severity", string(severity))
	q.Set("window_minutes", strconv.Itoa(windowMinutes(window)))

	var out openResponse
	status, err := c.do(ctx, http.MethodGet, "/api/v1/incidents/open?"+q.Encode(), nil, &out)
	if err != nil {
		return "", false, err
	}
	if status != http.StatusOK {
		return "", false, fmt.Errorf("%w: lookup returned %d", incident.ErrUpstreamUnavailable, status)
	}
	if out.IncidentID == nil || *out.IncidentID == "" {
		return "", false, nil
	}
	return *out.IncidentID, true, nil
}

// CreateIncident asks the authority to open an incident.
func (c *Client) CreateIncident(ctx context.Context, req incident.CreateRequest) (*incident.Incident, error) {
	var out incident.Incident
	status, err := c.do(ctx, http.MethodPost, "/api/v1/incidents", req, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return nil, fmt.Errorf("%w: create returned %d", incident.ErrUpstreamUnavailable, status)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: create response carried no incident id", incident.ErrUpstreamUnavailable)
	}
	return &out, nil
}

// LinkAlert asks the authority to count alertID against the incident.
func (c *Client) LinkAlert(ctx context.Context, incidentID, alertID, fingerprint string) error {
	status, err := c.do(ctx, http.MethodPost, "/api/v1/incidents/"+url.PathEscape(incidentID)+"/alerts",
		linkRequest{AlertID: alertID, Fingerprint: fingerprint}, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return incident.ErrNotFound
	default:
		return fmt.Errorf("%w: link returned %d", incident.ErrUpstreamUnavailable, status)
	}
}

// do sends one request and decodes a 2xx JSON body into out when out is
// non-nil. Transport and decode failures are upstream failures.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("incidentclient: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("%w: build request: %v", incident.ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req) //nolint:gosec // G704: baseURL is from trusted config, not user input
	if err != nil {
		return 0, fmt.Errorf("%w: %s %s: %v", incident.ErrUpstreamUnavailable, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && out != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
			return 0, fmt.Errorf("%w: decode %s response: %v", incident.ErrUpstreamUnavailable, path, err)
		}
		return resp.StatusCode, nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// windowMinutes rounds up to whole minutes, at least one.
func windowMinutes(d time.Duration) int {
	return max(int(math.Ceil(d.Minutes())), 1)
}
