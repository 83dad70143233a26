package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/incidentd/internal/alertapi"
	"github.com/linnemanlabs/incidentd/internal/apijson"
	"github.com/linnemanlabs/incidentd/internal/incidentapi"
)

const (
	healthyPath = "/-/healthy"
	readyPath   = "/-/ready"
)

// apiRouter mounts the alert and incident APIs behind the route-aware
// middleware. Probe routes are added by the caller.
func apiRouter(L log.Logger, svcs *services, window time.Duration) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Compress(5, "application/json"))

	// http.route on logger and span from the chi pattern
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())

	// apijson.Decode enforces the same cap per body; this one rejects early with 413
	r.Use(httpmw.MaxBody(apijson.MaxBodyBytes))

	alertapi.New(L, svcs.ingress).RegisterRoutes(r)
	incidentapi.New(L, svcs.incidents, svcs.alerts, window).RegisterRoutes(r)
	return r
}

// wrapAPI applies the outer middleware. Order matters: the last wrapper sees
// the raw request first.
func wrapAPI(h http.Handler, L log.Logger, clientIP httpmw.ClientIPOptions, instrument func(http.Handler) http.Handler) http.Handler {
	// inner so it sees trace_id and the chi route
	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != healthyPath && r.URL.Path != readyPath
		}),
		// renamed to the route pattern by AnnotateHTTPRoute
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	if instrument != nil {
		h = instrument(h)
	}

	h = httpmw.ClientIPWithOptions(clientIP)(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)

	// outermost so every response carries them
	return httpmw.SecurityHeaders(h)
}

type stopFn struct {
	name string
	fn   func(context.Context) error
}

// stopAll runs each stop function in order with an equal slice of budget.
// Nil functions are skipped; failures are logged and do not stop the rest.
func stopAll(L log.Logger, budget time.Duration, fns []stopFn) {
	if len(fns) == 0 {
		return
	}
	perComponent := budget / time.Duration(len(fns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range fns {
		if s.fn == nil {
			continue
		}
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}
}
