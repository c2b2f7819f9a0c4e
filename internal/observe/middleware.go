package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	quiet map[string]bool
}

// WithQuietRoutes logs requests for the given routes at debug level. Use it
// for probes and scrapes that would otherwise flood the log.
func WithQuietRoutes(routes ...string) MiddlewareOption {
	return func(c *middlewareConfig) {
		for _, r := range routes {
			c.quiet[r] = true
		}
	}
}

// Middleware instruments the ops listener. Every request gets a server span
// (continuing an incoming W3C traceparent), an X-Correlation-ID response
// header, a sample in [Metrics.HTTPRequestDuration] and a completion log line.
//
// The route label is the matched [http.ServeMux] pattern when the handler
// sets one, otherwise the raw path.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{quiet: make(map[string]bool)}
	for _, o := range opts {
		o(&cfg)
	}
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "ops "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			r = r.WithContext(ctx)
			next.ServeHTTP(rec, r)

			route := r.URL.Path
			if r.Pattern != "" {
				route = r.Pattern
			}
			span.SetName("ops " + route)
			span.SetAttributes(semconv.HTTPRoute(route), semconv.HTTPResponseStatusCode(rec.statusCode))

			d := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, d.Seconds(),
				metric.WithAttributes(Attr("method", r.Method), Attr("route", route)),
			)

			level := slog.LevelInfo
			if cfg.quiet[route] && rec.statusCode < 400 {
				level = slog.LevelDebug
			}
			slog.LogAttrs(ctx, level, "ops request",
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", d),
			)
		})
	}
}
