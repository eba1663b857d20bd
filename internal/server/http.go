package server

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"idp-user-sync/internal/audit"
	healthhandler "idp-user-sync/internal/health/handler"
)

// Deps holds the handlers mounted by NewHandler.
type Deps struct {
	// Webhook serves the inbound IdP webhooks under /api/. If nil, only health routes are served.
	Webhook http.Handler
	// HealthPinger is used by /readyz (e.g. *sql.DB). If nil, readiness skips the DB ping.
	HealthPinger healthhandler.Pinger
	// TracerProvider traces webhook requests. If nil, requests are only logged.
	TracerProvider trace.TracerProvider
}

// NewHandler returns the HTTP handler of the webhook server.
//
// Route -> handler mapping:
//   - /healthz, /readyz -> internal/health/handler
//   - /api/idp/...      -> internal/webhook/handler
func NewHandler(deps Deps) http.Handler {
	mux := http.NewServeMux()
	healthhandler.NewServer(deps.HealthPinger).Register(mux)
	if deps.Webhook != nil {
		mux.Handle("/api/", withClientIP(withRequestTelemetry(deps.Webhook, deps.TracerProvider)))
	}
	return mux
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withRequestTelemetry wraps next in a server span and logs one line per request.
func withRequestTelemetry(next http.Handler, tp trace.TracerProvider) http.Handler {
	var tracer trace.Tracer
	if tp != nil {
		tracer = tp.Tracer("idp-user-sync/webhook")
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if tracer != nil {
			ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				))
			defer func() {
				span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
				if rec.status >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, http.StatusText(rec.status))
				}
				span.End()
			}()
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(rec, r)
		slog.Info("http: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// withClientIP stores the caller IP for the audit trail: the first X-Forwarded-For hop, else the peer.
func withClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(audit.WithClientIP(r.Context(), clientIP(r))))
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
