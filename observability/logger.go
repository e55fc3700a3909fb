// CLAUDE:SUMMARY Records bridge events (exchanges, rotations, recoveries, failures) to SQLite without blocking callers.
package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/chatbridge/idgen"
)

// Event types.
const (
	EventExchange   = "exchange"
	EventRotation   = "rotation"
	EventRecovery   = "recovery"
	EventNoResponse = "no_response"
	EventTimeout    = "timeout"
	EventExtraction = "extraction"
	EventMedia      = "media"
)

// Event is a bridge-level event to record.
type Event struct {
	Type     string
	Action   string
	Exchange int
	Duration time.Duration
	Details  string // optional JSON
	Success  bool
}

// EventLogger writes bridge events. A nil *EventLogger discards events.
type EventLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// WithEventLogger sets the slog logger used for write failures.
func WithEventLogger(logger *slog.Logger) EventLoggerOption {
	return func(l *EventLogger) { l.logger = logger }
}

// NewEventLogger creates a logger backed by db, which must carry Schema.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:     db,
		newID:  idgen.Prefixed("evt_", idgen.Default),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records an event. Errors are logged via slog and never returned,
// so a failing store never blocks an exchange.
func (l *EventLogger) LogEvent(ctx context.Context, ev Event) {
	if l == nil {
		return
	}
	var dur any
	if ev.Duration > 0 {
		dur = ev.Duration.Milliseconds()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO bridge_events (
			event_id, event_type, action, exchange, duration_ms, details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?)`,
		l.newID(), ev.Type, ev.Action, ev.Exchange, dur, ev.Details, ev.Success, time.Now().Unix())
	if err != nil {
		l.logger.Error("observability: event log failed", "error", err, "event_type", ev.Type)
	}
}

// Recent returns the latest events, newest first.
func (l *EventLogger) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_type, action, exchange, COALESCE(duration_ms, 0), COALESCE(details, ''), success
		FROM bridge_events ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("observability: recent events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var ms int64
		if err := rows.Scan(&ev.Type, &ev.Action, &ev.Exchange, &ms, &ev.Details, &ev.Success); err != nil {
			return nil, fmt.Errorf("observability: scan event: %w", err)
		}
		ev.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RetentionConfig specifies per-table retention in days. Zero means no cleanup.
type RetentionConfig struct {
	EventDays      int
	HeartbeatDays  int
	RunVacuumAfter bool
}

// Cleanup deletes records exceeding the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().Unix()
	targets := []struct {
		query string
		days  int
	}{
		{"DELETE FROM bridge_events WHERE created_at < ?", cfg.EventDays},
		{"DELETE FROM worker_heartbeats WHERE timestamp < ?", cfg.HeartbeatDays},
	}
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := now - int64(t.days*86400)
		if _, err := db.ExecContext(ctx, t.query, cutoff); err != nil {
			return fmt.Errorf("observability: cleanup: %w", err)
		}
	}
	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("observability: vacuum: %w", err)
		}
	}
	return nil
}
