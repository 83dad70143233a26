package main

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/incidentd/internal/alert"
	alertmem "github.com/linnemanlabs/incidentd/internal/alert/memstore"
	alertpg "github.com/linnemanlabs/incidentd/internal/alert/pgstore"
	vc "github.com/linnemanlabs/incidentd/internal/cfg"
	"github.com/linnemanlabs/incidentd/internal/incident"
	"github.com/linnemanlabs/incidentd/internal/incident/incidentclient"
	incidentmem "github.com/linnemanlabs/incidentd/internal/incident/memstore"
	incidentpg "github.com/linnemanlabs/incidentd/internal/incident/pgstore"
	"github.com/linnemanlabs/incidentd/internal/ingest"
	"github.com/linnemanlabs/incidentd/internal/notify/slack"
	"github.com/linnemanlabs/incidentd/internal/oncall"
	"github.com/linnemanlabs/incidentd/internal/postgres"
)

// services is the wired domain layer.
type services struct {
	incidents *incident.Service
	ingress   *ingest.Service
	alerts    alert.Store
	close     func()
}

// buildServices picks stores and collaborators from config and wires the
// incident service and the alert ingress together.
func buildServices(ctx context.Context, appCfg *vc.Config, reg prometheus.Registerer, L log.Logger) (*services, error) {
	var (
		incidentStore incident.Store
		alertStore    alert.Store
		closeFn       = func() {}
	)
	if appCfg.DatabaseURL != "" {
		postgres.SetSlowQueryThreshold(appCfg.SlowQueryThreshold())
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL, postgres.PoolOptions{
			MaxConns: int32(appCfg.DBMaxConns), //nolint:gosec // G115: validated to 0..1000
		})
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		ips, err := incidentpg.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("incident pgstore init: %w", err)
		}
		aps, err := alertpg.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("alert pgstore init: %w", err)
		}
		incidentStore, alertStore, closeFn = ips, aps, pool.Close
		L.Info(ctx, "using postgres stores")
	} else {
		incidentStore, alertStore = incidentmem.New(), alertmem.New()
		L.Info(ctx, "using in-memory stores (no database-url configured)")
	}

	// optional collaborators stay nil interfaces when not configured
	var (
		resolver         incident.OnCallResolver
		incidentNotifier incident.Notifier
		alertNotifier    ingest.Notifier
	)
	if appCfg.OnCallURL != "" {
		resolver = oncall.New(appCfg.OnCallURL, appCfg.OnCallCacheTTL())
		L.Info(ctx, "on-call lookup enabled", "url", appCfg.OnCallURL, "cache_ttl", appCfg.OnCallCacheTTL())
	}
	if appCfg.SlackWebhookURL != "" {
		n := slack.New(appCfg.SlackWebhookURL)
		incidentNotifier, alertNotifier = n, n
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	incidentMetrics := incident.NewMetrics(reg)
	incidents := incident.NewService(incidentStore, L, incidentMetrics.Hooks(), resolver, incidentNotifier)

	counts, err := incidents.StatusCounts(ctx)
	if err != nil {
		closeFn()
		return nil, fmt.Errorf("seed incident gauges: %w", err)
	}
	incidentMetrics.SeedStatus(counts)

	ingestMetrics := ingest.NewMetrics(reg)
	ingress := ingest.NewService(ingest.Config{
		Authority: authorityFor(appCfg, incidents),
		Local:     incidents,
		Alerts:    alertStore,
		Notifier:  alertNotifier,
		Logger:    L,
		Hooks:     ingestMetrics.Hooks(),
		Window:    appCfg.CorrelationWindow(),
	})
	if appCfg.AuthorityURL != "" {
		L.Info(ctx, "correlating against remote incident service", "url", appCfg.AuthorityURL, "timeout", appCfg.AuthorityTimeout())
	}

	return &services{
		incidents: incidents,
		ingress:   ingress,
		alerts:    alertStore,
		close:     closeFn,
	}, nil
}

// authorityFor returns the remote authority client when one is configured,
// otherwise the in-process incident service.
func authorityFor(appCfg *vc.Config, local *incident.Service) ingest.Authority {
	if appCfg.AuthorityURL == "" {
		return local
	}
	return incidentclient.New(appCfg.AuthorityURL, appCfg.AuthorityTimeout())
}
