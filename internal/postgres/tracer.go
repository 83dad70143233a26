package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// modulePrefix identifies application frames when walking the stack.
const modulePrefix = "github.com/linnemanlabs/incidentd/"

var (
	queryObserver atomic.Pointer[queryObserverHolder]
	slowQuery     atomic.Int64 // nanoseconds, 0 logs every query
)

type queryStartKey struct{}

// queryStart is stashed in the context between TraceQueryStart and TraceQueryEnd.
type queryStart struct {
	sql    string
	at     time.Time
	caller string
	origin string
}

type queryObserverHolder struct{ QueryObserver }

// QueryObserver receives one observation per query (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, operation, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, operation, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, operation, route, outcome string, dur time.Duration) {
	f(ctx, operation, route, outcome, dur)
}

// SetQueryObserver sets the global query observer. nil disables observation.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

// SetSlowQueryThreshold sets the duration below which successful queries
// are not logged. Failed queries are always logged.
func SetSlowQueryThreshold(d time.Duration) {
	slowQuery.Store(int64(d))
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

func routePatternFromContext(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

// queryTracer wraps another pgx.QueryTracer (otelpgx) and adds a
// structured log line and a metrics observation per query.
type queryTracer struct {
	inner pgx.QueryTracer
}

func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return queryTracer{inner: inner}
}

func (t queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	caller, origin := findCaller()

	// inner tracer opens the query span
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if caller != "" {
			span.SetAttributes(attribute.String("db.caller", caller))
		}
		if origin != "" {
			span.SetAttributes(attribute.String("db.origin", origin))
		}
	}

	return context.WithValue(ctx, queryStartKey{}, &queryStart{
		sql:    data.SQL,
		at:     time.Now(),
		caller: caller,
		origin: origin,
	})
}

func (t queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	qs, _ := ctx.Value(queryStartKey{}).(*queryStart)
	if qs == nil {
		return
	}
	dur := time.Since(qs.at)
	op := operationName(data.CommandTag, qs.sql)

	if obs := getQueryObserver(); obs != nil {
		route := routePatternFromContext(ctx)
		if route == "" {
			route = "background"
		}
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, op, route, outcome, dur)
	}

	if data.Err == nil && dur < time.Duration(slowQuery.Load()) {
		return
	}

	fields := []any{
		"db.statement", compactSQL(qs.sql),
		"db.operation.name", op,
		"db.duration", dur.Seconds(),
	}
	if data.Err == nil {
		fields = append(fields, "db.rows", data.CommandTag.RowsAffected())
	}
	if qs.caller != "" {
		fields = append(fields, "db.caller", qs.caller)
	}
	if qs.origin != "" {
		fields = append(fields, "db.origin", qs.origin)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

// operationName prefers the command tag and falls back to the first SQL keyword.
func operationName(tag pgconn.CommandTag, sql string) string {
	if f := strings.Fields(tag.String()); len(f) > 0 {
		return strings.ToUpper(f[0])
	}
	if f := strings.Fields(sql); len(f) > 0 {
		return strings.ToUpper(f[0])
	}
	return "UNKNOWN"
}

// compactSQL collapses whitespace so multi-line statements log on one line.
func compactSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

// findCaller walks the stack for the first application frame (the store
// method issuing the query) and the application frame above it.
func findCaller() (caller, origin string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		if strings.HasPrefix(fn, modulePrefix) && !strings.HasPrefix(fn, modulePrefix+"internal/postgres.") {
			if caller == "" {
				caller = shortenFuncName(fn)
			} else if short := shortenFuncName(fn); short != caller {
				origin = short
				return caller, origin
			}
		}
		if !more {
			return caller, origin
		}
	}
}

func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
