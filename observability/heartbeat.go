// CLAUDE:SUMMARY Periodic liveness rows carrying Go runtime stats and the browser session state.
package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// RuntimeMetrics captures Go process health at a point in time.
type RuntimeMetrics struct {
	GoroutinesCount int
	MemoryAllocMB   float64
	MemorySysMB     float64
	GCCount         uint32
}

// CollectRuntimeMetrics reads current Go runtime stats.
func CollectRuntimeMetrics() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeMetrics{
		GoroutinesCount: runtime.NumGoroutine(),
		MemoryAllocMB:   float64(mem.Alloc) / 1024 / 1024,
		MemorySysMB:     float64(mem.Sys) / 1024 / 1024,
		GCCount:         mem.NumGC,
	}
}

// HeartbeatWriter writes periodic liveness rows to worker_heartbeats.
type HeartbeatWriter struct {
	db         *sql.DB
	workerName string
	hostname   string
	workerPID  int
	interval   time.Duration
	state      func() string
}

// NewHeartbeatWriter creates a writer. state reports the session state
// recorded with each row; nil records an empty state.
func NewHeartbeatWriter(db *sql.DB, workerName string, interval time.Duration, state func() string) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if state == nil {
		state = func() string { return "" }
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HeartbeatWriter{
		db:         db,
		workerName: workerName,
		hostname:   hostname,
		workerPID:  os.Getpid(),
		interval:   interval,
		state:      state,
	}
}

// WriteHeartbeat writes a single heartbeat row.
func (hw *HeartbeatWriter) WriteHeartbeat(ctx context.Context) error {
	m := CollectRuntimeMetrics()
	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (
			worker_name, hostname, worker_pid, timestamp, session_state,
			goroutines_count, memory_alloc_mb, memory_sys_mb, gc_count
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		hw.workerName, hw.hostname, hw.workerPID, time.Now().Unix(), hw.state(),
		m.GoroutinesCount, m.MemoryAllocMB, m.MemorySysMB, m.GCCount)
	if err != nil {
		return fmt.Errorf("observability: insert heartbeat: %w", err)
	}
	return nil
}

// Run writes one heartbeat immediately, then one per interval until ctx is
// done.
func (hw *HeartbeatWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	if err := hw.WriteHeartbeat(ctx); err != nil {
		slog.Error("observability: heartbeat write failed", "error", err, "worker", hw.workerName)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := hw.WriteHeartbeat(ctx); err != nil {
				slog.Error("observability: heartbeat write failed", "error", err, "worker", hw.workerName)
			}
		}
	}
}

// HeartbeatStatus is the latest heartbeat for a worker with a staleness check.
type HeartbeatStatus struct {
	WorkerName   string    `json:"worker_name"`
	Hostname     string    `json:"hostname"`
	PID          int       `json:"pid"`
	Timestamp    time.Time `json:"timestamp"`
	SessionState string    `json:"session_state"`
	Goroutines   int       `json:"goroutines_count"`
	Alive        bool      `json:"alive"`
}

// LatestHeartbeat returns the most recent heartbeat for workerName, or nil
// when none has been recorded.
func LatestHeartbeat(ctx context.Context, db *sql.DB, workerName string, stalenessThreshold time.Duration) (*HeartbeatStatus, error) {
	row := db.QueryRowContext(ctx, `
		SELECT worker_name, hostname, worker_pid, timestamp, session_state, goroutines_count
		FROM worker_heartbeats
		WHERE worker_name = ?
		ORDER BY timestamp DESC, rowid DESC LIMIT 1`, workerName)

	var hs HeartbeatStatus
	var ts int64
	err := row.Scan(&hs.WorkerName, &hs.Hostname, &hs.PID, &ts, &hs.SessionState, &hs.Goroutines)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("observability: latest heartbeat: %w", err)
	}
	hs.Timestamp = time.Unix(ts, 0)
	hs.Alive = time.Since(hs.Timestamp) <= stalenessThreshold
	return &hs, nil
}
