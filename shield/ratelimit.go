package shield

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/chatbridge/dbopen"
)

// RateLimitConfig defines the rate limit for a single endpoint.
type RateLimitConfig struct {
	MaxRequests   int
	WindowSeconds int
	Enabled       bool
}

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// RateLimiter provides per-IP, per-endpoint rate limiting with rules read
// from the rate_limits table (see Schema). Endpoints are keyed
// "METHOD /path"; requests to endpoints without a rule are not limited.
type RateLimiter struct {
	db      *sql.DB
	rules   map[string]RateLimitConfig
	buckets sync.Map
	mu      sync.RWMutex
	exclude []string // path prefixes never limited
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter reading rules from db. Call
// StartReloader to refresh rules and collect expired buckets.
func NewRateLimiter(db *sql.DB, excludePrefixes ...string) *RateLimiter {
	rl := &RateLimiter{
		db:      db,
		rules:   make(map[string]RateLimitConfig),
		exclude: excludePrefixes,
		now:     time.Now,
	}
	rl.reload(context.Background())
	return rl
}

// SetRule upserts the rule for endpoint and reloads. Used to seed the rule
// configured at startup; rows edited later in the database win on reload.
func (rl *RateLimiter) SetRule(ctx context.Context, endpoint string, cfg RateLimitConfig) error {
	enabled := 0
	if cfg.Enabled {
		enabled = 1
	}
	_, err := dbopen.Exec(ctx, rl.db,
		`INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled) VALUES (?, ?, ?, ?)
		 ON CONFLICT(endpoint) DO UPDATE SET max_requests = excluded.max_requests,
		   window_seconds = excluded.window_seconds, enabled = excluded.enabled`,
		endpoint, cfg.MaxRequests, cfg.WindowSeconds, enabled)
	if err != nil {
		return fmt.Errorf("shield: set rate limit %q: %w", endpoint, err)
	}
	rl.reload(ctx)
	return nil
}

// StartReloader reloads rules every 60s and collects expired buckets every
// 5min until ctx is done.
func (rl *RateLimiter) StartReloader(ctx context.Context) {
	reloadTick := time.NewTicker(60 * time.Second)
	gcTick := time.NewTicker(5 * time.Minute)
	go func() {
		defer reloadTick.Stop()
		defer gcTick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-reloadTick.C:
				rl.reload(ctx)
			case <-gcTick.C:
				rl.gc()
			}
		}
	}()
}

func (rl *RateLimiter) reload(ctx context.Context) {
	rows, err := rl.db.QueryContext(ctx, `SELECT endpoint, max_requests, window_seconds, enabled FROM rate_limits`)
	if err != nil {
		slog.Warn("ratelimit: failed to reload rules", "error", err)
		return
	}
	defer rows.Close()

	rules := make(map[string]RateLimitConfig)
	for rows.Next() {
		var endpoint string
		var cfg RateLimitConfig
		var enabled int
		if err := rows.Scan(&endpoint, &cfg.MaxRequests, &cfg.WindowSeconds, &enabled); err != nil {
			continue
		}
		cfg.Enabled = enabled == 1
		rules[endpoint] = cfg
	}

	rl.mu.Lock()
	rl.rules = rules
	rl.mu.Unlock()

	slog.Debug("ratelimit: rules reloaded", "count", len(rules))
}

func (rl *RateLimiter) gc() {
	now := rl.now()
	rl.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		expired := now.After(b.resetAt)
		b.mu.Unlock()
		if expired {
			rl.buckets.Delete(key)
		}
		return true
	})
}

// allow reports whether the request may proceed and, when it may not, how
// long until the window resets.
func (rl *RateLimiter) allow(ip, endpoint string) (bool, time.Duration) {
	rl.mu.RLock()
	cfg, ok := rl.rules[endpoint]
	rl.mu.RUnlock()

	if !ok || !cfg.Enabled || cfg.MaxRequests <= 0 {
		return true, 0
	}

	now := rl.now()
	window := time.Duration(cfg.WindowSeconds) * time.Second
	val, _ := rl.buckets.LoadOrStore(ip+":"+endpoint, &bucket{resetAt: now.Add(window)})
	b := val.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()
	if now.After(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(window)
	}
	b.count++
	if b.count <= cfg.MaxRequests {
		return true, 0
	}
	return false, b.resetAt.Sub(now)
}

// Middleware enforces rate limits with a 429 JSON error.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		endpoint := r.Method + " " + r.URL.Path
		ip := ExtractIP(r)

		ok, wait := rl.allow(ip, endpoint)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		GetLogger(r.Context()).Warn("ratelimit: request blocked", "ip", ip, "endpoint", endpoint)
		secs := int(wait.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		WriteError(w, http.StatusTooManyRequests, "rate_limit_error", "rate_limit_exceeded", "rate limit exceeded")
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
