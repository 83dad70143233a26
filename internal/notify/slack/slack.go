// Package slack posts incident notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/incidentd/internal/alert"
	"github.com/linnemanlabs/incidentd/internal/incident"
)

const (
	maxMessageLen = 3000
	httpTimeout   = 10 * time.Second
)

// Notifier sends incident events to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a new Slack notifier. If webhookURL is empty, every send is a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// NotifyIncident announces a newly opened incident.
func (n *Notifier) NotifyIncident(ctx context.Context, inc *incident.Incident) error {
	return n.post(ctx, incidentMessage(inc))
}

// NotifyCorrelated reports an alert folded into an existing incident.
func (n *Notifier) NotifyCorrelated(ctx context.Context, a *alert.Alert, incidentID string) error {
	return n.post(ctx, correlatedMessage(a, incidentID))
}

func (n *Notifier) post(ctx context.Context, msg map[string]any) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func incidentMessage(inc *incident.Incident) map[string]any {
	assignee := inc.AssignedTo
	if assignee == "" {
		assignee = "_unassigned_"
	}
	return map[string]any{
		"text": fmt.Sprintf("New incident: %s", inc.Title),
		"blocks": []map[string]any{
			header(fmt.Sprintf("%s New incident: %s", severityEmoji(inc.Severity), inc.Title)),
			{"type": "divider"},
			fields(
				"*Service:* "+inc.Service,
				"*Severity:* "+string(inc.Severity),
				"*Status:* "+string(inc.Status),
				"*Assigned to:* "+assignee,
			),
			footer(fmt.Sprintf("incidentd • incident %s • %s", inc.ID, stamp(inc.CreatedAt))),
		},
	}
}

func correlatedMessage(a *alert.Alert, incidentID string) map[string]any {
	return map[string]any{
		"text": fmt.Sprintf("Alert correlated to incident %s", incidentID),
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": fmt.Sprintf("%s *%s* alert on *%s* correlated\n\n%s",
						severityEmoji(a.Severity), a.Severity, a.Service, truncate(a.Message, maxMessageLen)),
				},
			},
			footer(fmt.Sprintf("incidentd • incident %s • alert %s • %s", incidentID, a.ID, stamp(a.Timestamp))),
		},
	}
}

func header(text string) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(text, 150),
		},
	}
}

func fields(texts ...string) map[string]any {
	fs := make([]map[string]any, len(texts))
	for i, t := range texts {
		fs[i] = map[string]any{"type": "mrkdwn", "text": t}
	}
	return map[string]any{
		"type":   "section",
		"fields": fs,
	}
}

func footer(text string) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": text},
		},
	}
}

func stamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04 UTC")
}

func severityEmoji(s incident.Severity) string {
	switch s {
	case incident.SeverityCritical:
		return "\U0001f534" // red circle
	case incident.SeverityHigh:
		return "\U0001f7e0" // orange circle
	case incident.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

// truncate shortens s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
