package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/sensordump/idgen"
	"github.com/hazyhaar/sensordump/kit"
)

var traceIDs = idgen.Short(12, idgen.UUIDv7())

// TraceID tags each request with a short trace id, stored under
// kit.TraceIDKey, echoed in X-Trace-ID, and bound to a per-request logger
// stored under LoggerKey. An incoming X-Trace-ID header is kept.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" || len(traceID) > 64 {
			traceID = traceIDs()
		}

		ctx := kit.WithTraceID(r.Context(), traceID)
		w.Header().Set("X-Trace-ID", traceID)

		logger := slog.Default().With(
			"trace_id", traceID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)
		ctx = context.WithValue(ctx, LoggerKey, logger)
		logger.Debug("request")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
