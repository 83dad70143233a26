// Package oncall resolves the current on-call primary for a team from the
// external on-call service. Answers are cached for a short TTL.
package oncall

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	httpTimeout = 3 * time.Second
	cacheSize   = 256
)

// Client looks up on-call primaries.
type Client struct {
	baseURL string
	client  *http.Client
	cache   *expirable.LRU[string, string]
}

// New creates a client for the on-call service at baseURL. A ttl of zero
// disables caching.
func New(baseURL string, ttl time.Duration) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	if ttl > 0 {
		c.cache = expirable.NewLRU[string, string](cacheSize, nil, ttl)
	}
	return c
}

type currentResponse struct {
	Primary *struct {
		Name string `json:"name"`
	} `json:"primary"`
}

// Primary returns the name of the team's current primary, or "" when the
// team has no schedule. Errors are not cached.
func (c *Client) Primary(ctx context.Context, team string) (string, error) {
	if c.cache != nil {
		if name, ok := c.cache.Get(team); ok {
			return name, nil
		}
	}

	name, err := c.fetch(ctx, team)
	if err != nil {
		return "", err
	}
	if c.cache != nil {
		c.cache.Add(team, name)
	}
	return name, nil
}

func (c *Client) fetch(ctx context.Context, team string) (string, error) {
	u := c.baseURL + "/api/v1/oncall/current?" + url.Values{"team": {team}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("oncall: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req) //nolint:gosec // G704: baseURL is from trusted config, not user input
	if err != nil {
		return "", fmt.Errorf("oncall: get current: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("oncall: current returned %d: %s", resp.StatusCode, string(body))
	}

	var out currentResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return "", fmt.Errorf("oncall: decode response: %w", err)
	}
	if out.Primary == nil {
		return "", nil
	}
	return out.Primary.Name, nil
}
