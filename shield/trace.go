package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/chatbridge/idgen"
	"github.com/hazyhaar/chatbridge/kit"
)

var traceIDs = idgen.Hex(8)

// TraceID returns middleware that tags each request with a trace id. The id
// is stored under kit's trace key, echoed in X-Trace-ID, and attached to a
// per-request logger derived from logger (nil means slog.Default()).
// An inbound X-Trace-ID that passes validation is reused.
func TraceID(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get("X-Trace-ID")
			if !validTraceID(traceID) {
				traceID = traceIDs()
			}

			ctx := kit.WithTraceID(r.Context(), traceID)
			w.Header().Set("X-Trace-ID", traceID)

			reqLogger := logger.With(
				"trace_id", traceID,
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", ExtractIP(r),
			)
			ctx = context.WithValue(ctx, LoggerKey, reqLogger)
			reqLogger.Debug("request")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func validTraceID(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
