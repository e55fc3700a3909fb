// CLAUDE:SUMMARY HTTP middleware for the bridge API: headers, body cap, trace id, rate limits, maintenance, API key.
// Package shield provides the HTTP middleware in front of the bridge API.
//
// Usage:
//
//	rl := shield.NewRateLimiter(db, "/health", "/metrics")
//	mm := shield.NewMaintenanceMode(db, "/health", "/metrics")
//	r := chi.NewRouter()
//	for _, mw := range shield.APIStack(rl, mm, keyHash, logger) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/chatbridge/horosafe"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// APIStack returns the middleware stack for the bridge API, outermost first:
// HeadToGet, SecurityHeaders, MaxJSONBody, TraceID, Maintenance, RateLimiter,
// APIKey. rl and mm may be nil; an empty keyHash disables the key check.
func APIStack(rl *RateLimiter, mm *MaintenanceMode, keyHash string, logger *slog.Logger) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(APIHeaders()),
		MaxJSONBody(horosafe.MaxRequestBody),
		TraceID(logger),
	}
	if mm != nil {
		stack = append(stack, mm.Middleware)
	}
	if rl != nil {
		stack = append(stack, rl.Middleware)
	}
	if keyHash != "" {
		stack = append(stack, APIKey(keyHash, "/health", "/metrics", "/media/"))
	}
	return stack
}

// HeadToGet converts HEAD requests to GET so routes registered with Get
// answer probes; net/http drops the body.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
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

// WriteError writes an OpenAI-style error envelope.
func WriteError(w http.ResponseWriter, status int, errType, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	})
}
