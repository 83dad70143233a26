package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"time"
)

// Config holds the incidentd application settings. It satisfies the
// go-core cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds             int
	ShutdownBudgetSeconds    int
	APIPort                  int
	DatabaseURL              string
	DBMaxConns               int
	DBSlowQueryMillis        int
	CorrelationWindowMinutes int
	AuthorityURL             string
	AuthorityTimeoutSeconds  int
	OnCallURL                string
	OnCallCacheTTLSeconds    int
	SlackWebhookURL          string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory stores)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 0, "maximum PostgreSQL pool connections (0 = pgx default, max 1000)")
	fs.IntVar(&c.DBSlowQueryMillis, "db-slow-query-ms", 200, "log queries slower than this many milliseconds (0 = log every query)")
	fs.IntVar(&c.CorrelationWindowMinutes, "correlation-window-minutes", 5, "minutes an open incident keeps absorbing matching alerts (1..1440)")
	fs.StringVar(&c.AuthorityURL, "incident-authority-url", "", "base URL of a remote incident service (empty = correlate in-process)")
	fs.IntVar(&c.AuthorityTimeoutSeconds, "authority-timeout-seconds", 5, "timeout for each call to the remote incident service (1..30)")
	fs.StringVar(&c.OnCallURL, "oncall-url", "", "base URL of the on-call service (empty = no automatic assignment)")
	fs.IntVar(&c.OnCallCacheTTLSeconds, "oncall-cache-ttl-seconds", 30, "seconds to cache on-call lookups (0 disables, max 3600)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
}

// CorrelationWindow is the configured window as a duration.
func (c *Config) CorrelationWindow() time.Duration {
	return time.Duration(c.CorrelationWindowMinutes) * time.Minute
}

// SlowQueryThreshold is the query duration above which queries are logged.
func (c *Config) SlowQueryThreshold() time.Duration {
	return time.Duration(c.DBSlowQueryMillis) * time.Millisecond
}

// AuthorityTimeout is the per-call remote authority timeout.
func (c *Config) AuthorityTimeout() time.Duration {
	return time.Duration(c.AuthorityTimeoutSeconds) * time.Second
}

// OnCallCacheTTL is how long on-call answers are reused.
func (c *Config) OnCallCacheTTL() time.Duration {
	return time.Duration(c.OnCallCacheTTLSeconds) * time.Second
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.DBMaxConns < 0 || c.DBMaxConns > 1000 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 0..1000)", c.DBMaxConns))
	}
	if c.DBSlowQueryMillis < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY_MS %d (must be >= 0)", c.DBSlowQueryMillis))
	}

	if c.CorrelationWindowMinutes < 1 || c.CorrelationWindowMinutes > 1440 {
		errs = append(errs, fmt.Errorf("invalid CORRELATION_WINDOW_MINUTES %d (must be 1..1440)", c.CorrelationWindowMinutes))
	}
	if c.AuthorityTimeoutSeconds < 1 || c.AuthorityTimeoutSeconds > 30 {
		errs = append(errs, fmt.Errorf("invalid AUTHORITY_TIMEOUT_SECONDS %d (must be 1..30)", c.AuthorityTimeoutSeconds))
	}
	if c.OnCallCacheTTLSeconds < 0 || c.OnCallCacheTTLSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid ONCALL_CACHE_TTL_SECONDS %d (must be 0..3600)", c.OnCallCacheTTLSeconds))
	}

	// Optional collaborator URLs must be absolute http(s) when set
	for name, raw := range map[string]string{
		"INCIDENT_AUTHORITY_URL": c.AuthorityURL,
		"ONCALL_URL":             c.OnCallURL,
		"SLACK_WEBHOOK_URL":      c.SlackWebhookURL,
	} {
		if err := checkURL(raw); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", name, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func checkURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not http or https", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
