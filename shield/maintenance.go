package shield

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/chatbridge/dbopen"
)

// MaintenanceMode pauses the API with a 503 while an operator works on the
// browser profile, for instance to sign in again. The flag lives in the
// maintenance table (see Schema) and is cached in memory.
type MaintenanceMode struct {
	db      *sql.DB
	active  atomic.Bool
	message atomic.Value // string
	exclude []string     // path prefixes that bypass maintenance
}

// NewMaintenanceMode creates a maintenance mode checker. Paths matching any of
// excludePrefixes are never blocked.
func NewMaintenanceMode(db *sql.DB, excludePrefixes ...string) *MaintenanceMode {
	m := &MaintenanceMode{
		db:      db,
		exclude: excludePrefixes,
	}
	m.message.Store("The bridge is paused for maintenance.")
	m.reload(context.Background())
	return m
}

// Active reports whether maintenance mode is currently on.
func (m *MaintenanceMode) Active() bool {
	return m.active.Load()
}

// Message returns the current maintenance message.
func (m *MaintenanceMode) Message() string {
	s, _ := m.message.Load().(string)
	return s
}

// Set persists the flag and applies it immediately. An empty message keeps
// the stored one.
func (m *MaintenanceMode) Set(ctx context.Context, active bool, message string) error {
	on := 0
	if active {
		on = 1
	}
	_, err := dbopen.Exec(ctx, m.db,
		`UPDATE maintenance SET active = ?, message = COALESCE(NULLIF(?, ''), message) WHERE id = 1`, on, message)
	if err != nil {
		return fmt.Errorf("shield: set maintenance: %w", err)
	}
	m.reload(ctx)
	return nil
}

// StartReloader reloads the flag every 5 seconds until ctx is done.
func (m *MaintenanceMode) StartReloader(ctx context.Context) {
	tick := time.NewTicker(5 * time.Second)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				m.reload(ctx)
			}
		}
	}()
}

func (m *MaintenanceMode) reload(ctx context.Context) {
	var active int
	var message string
	err := m.db.QueryRowContext(ctx, `SELECT active, message FROM maintenance WHERE id = 1`).Scan(&active, &message)
	if err != nil {
		// Table missing or empty: maintenance off.
		if m.active.Load() {
			slog.Info("maintenance: flag cleared (table missing or empty)")
		}
		m.active.Store(false)
		return
	}

	was := m.active.Load()
	m.active.Store(active == 1)
	if message != "" {
		m.message.Store(message)
	}

	if active == 1 && !was {
		slog.Warn("maintenance: mode enabled", "message", message)
	} else if active != 1 && was {
		slog.Info("maintenance: mode disabled")
	}
}

// Middleware answers 503 with the maintenance message while the flag is on.
func (m *MaintenanceMode) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.active.Load() {
			next.ServeHTTP(w, r)
			return
		}
		for _, prefix := range m.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("Retry-After", "300")
		WriteError(w, http.StatusServiceUnavailable, "server_error", "maintenance", m.Message())
	})
}
