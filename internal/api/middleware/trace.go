package middleware

import (
	"log/slog"
	"net/http"

	"github.com/phrazzld/recollection-api/internal/api/shared"
	"github.com/phrazzld/recollection-api/internal/platform/logger"
)

// NewTraceMiddleware returns middleware that assigns every request a trace
// ID and a request-scoped logger carrying it. A well-formed X-Trace-ID
// request header is reused; otherwise a new ID is generated. The ID is
// echoed in the response header.
func NewTraceMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get(shared.TraceIDHeader)
			if !shared.ValidTraceID(traceID) {
				traceID = shared.NewTraceID()
			}

			log := base.With(slog.String("trace_id", traceID))
			ctx := shared.WithTraceID(r.Context(), traceID)
			ctx = logger.WithLogger(ctx, log)

			w.Header().Set(shared.TraceIDHeader, traceID)

			log.Debug("request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
