package observability

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/chatbridge/dbopen"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func TestInit_CreatesTables(t *testing.T) {
	db := setupObsDB(t)
	for _, table := range []string{"bridge_events", "worker_heartbeats"} {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
	if err := Init(db); err != nil {
		t.Fatalf("Init should be idempotent: %v", err)
	}
}

func TestEventLogger_LogEventAndRecent(t *testing.T) {
	db := setupObsDB(t)
	n := 0
	l := NewEventLogger(db, WithEventIDGenerator(func() string {
		n++
		return "evt_test_" + string(rune('a'+n))
	}))
	ctx := context.Background()

	l.LogEvent(ctx, Event{Type: EventRotation, Action: "threshold", Exchange: 10, Success: true})
	l.LogEvent(ctx, Event{Type: EventExchange, Action: "complete", Exchange: 1, Duration: 2500 * time.Millisecond, Success: true})

	events, err := l.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d", len(events))
	}
	if events[0].Type != EventExchange || events[0].Duration != 2500*time.Millisecond {
		t.Errorf("newest = %+v", events[0])
	}
	if events[1].Type != EventRotation || events[1].Exchange != 10 || !events[1].Success {
		t.Errorf("oldest = %+v", events[1])
	}
}

func TestEventLogger_NilIsNoop(t *testing.T) {
	var l *EventLogger
	l.LogEvent(context.Background(), Event{Type: EventExchange})
}

func TestEventLogger_FailureDoesNotPanic(t *testing.T) {
	db := setupObsDB(t)
	l := NewEventLogger(db)
	db.Close()
	l.LogEvent(context.Background(), Event{Type: EventExchange, Action: "complete"})
}

func TestCleanup_Retention(t *testing.T) {
	db := setupObsDB(t)
	old := time.Now().AddDate(0, 0, -10).Unix()
	db.Exec(`INSERT INTO bridge_events (event_id, event_type, action, created_at) VALUES ('old', 'exchange', 'complete', ?)`, old)
	db.Exec(`INSERT INTO bridge_events (event_id, event_type, action) VALUES ('new', 'exchange', 'complete')`)

	if err := Cleanup(context.Background(), db, RetentionConfig{EventDays: 7}); err != nil {
		t.Fatal(err)
	}
	var count int
	db.QueryRow("SELECT COUNT(*) FROM bridge_events").Scan(&count)
	if count != 1 {
		t.Errorf("rows = %d, want 1", count)
	}
}

func TestHeartbeatWriter(t *testing.T) {
	db := setupObsDB(t)
	hw := NewHeartbeatWriter(db, "chatbridge", time.Hour, func() string { return "ready" })
	if err := hw.WriteHeartbeat(context.Background()); err != nil {
		t.Fatal(err)
	}
	hs, err := LatestHeartbeat(context.Background(), db, "chatbridge", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if hs == nil || hs.SessionState != "ready" || !hs.Alive {
		t.Errorf("heartbeat = %+v", hs)
	}

	none, err := LatestHeartbeat(context.Background(), db, "other", time.Minute)
	if err != nil || none != nil {
		t.Errorf("unknown worker = %+v, %v", none, err)
	}
}

func TestHeartbeatWriter_RunStopsOnCancel(t *testing.T) {
	db := setupObsDB(t)
	hw := NewHeartbeatWriter(db, "chatbridge", time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hw.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM worker_heartbeats").Scan(&count)
		if count > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)
	m.ObserveExchange("complete", 3*time.Second)
	m.ObserveExchange("complete", 0)
	m.IncRotation("threshold", true)
	m.IncRecovery()
	m.SetQueueDepth(2)

	if got := testutil.ToFloat64(m.exchanges.WithLabelValues("complete")); got != 2 {
		t.Errorf("exchanges = %v", got)
	}
	if got := testutil.ToFloat64(m.rotations.WithLabelValues("threshold", "ok")); got != 1 {
		t.Errorf("rotations = %v", got)
	}
	if got := testutil.ToFloat64(m.queueDepth); got != 2 {
		t.Errorf("queue depth = %v", got)
	}

	again := MustNewMetrics(reg)
	again.IncRecovery()
	if got := testutil.ToFloat64(m.recoveries); got != 2 {
		t.Errorf("recoveries across re-registration = %v", got)
	}

	expected := `
# HELP chatbridge_session_recoveries_total Browser sessions rebuilt after a failed liveness check.
# TYPE chatbridge_session_recoveries_total counter
chatbridge_session_recoveries_total 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "chatbridge_session_recoveries_total"); err != nil {
		t.Error(err)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveExchange("complete", time.Second)
	m.IncRotation("explicit", false)
	m.IncRecovery()
	m.SetQueueDepth(1)
}
