package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	appconfig "liqflow/config"
	"liqflow/internal/models"
)

func testStoreConfig(t *testing.T) appconfig.StoreConfig {
	t.Helper()
	return appconfig.StoreConfig{
		Path:             filepath.Join(t.TempDir(), "events.db"),
		BatchSize:        3,
		FlushInterval:    time.Minute,
		RetentionDays:    7,
		CleanupInterval:  time.Hour,
		MaxFlushAttempts: 2,
	}
}

func newTestStore(t *testing.T, cfg appconfig.StoreConfig) *Store {
	t.Helper()
	s, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s.db.Close() })
	return s
}

func liq(eventTime int64, price, qty float64) models.LiquidationEvent {
	return models.LiquidationEvent{
		EventTime:  eventTime,
		Symbol:     "BTCUSDT",
		Side:       models.SideSell,
		Price:      price,
		Quantity:   qty,
		Notional:   price * qty,
		Source:     "binance",
		RawPayload: []byte(`{}`),
	}
}

func durableRows(t *testing.T, s *Store) int {
	t.Helper()
	var n int
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM liquidation_events`); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestAddEventNeverFlushesInline(t *testing.T) {
	// No Start, so no flush worker exists: if AddEvent did its own disk
	// write, rows would appear here.
	s := newTestStore(t, testStoreConfig(t))

	base := time.Now().UnixMilli()
	for i := 0; i < 3; i++ {
		if err := s.AddEvent(liq(base+int64(i), 61000, 0.1)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	if got := s.PendingCount(); got != 3 {
		t.Fatalf("pending = %d, want 3 with no worker running", got)
	}
	if got := durableRows(t, s); got != 0 {
		t.Fatalf("%d rows durable after AddEvent with no worker running, want 0", got)
	}
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	s := newTestStore(t, testStoreConfig(t))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	base := time.Now().UnixMilli()
	for i := 0; i < 2; i++ {
		if err := s.AddEvent(liq(base+int64(i), 61000, 0.1)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if got := s.PendingCount(); got != 2 {
		t.Fatalf("pending = %d, want 2 before batch fills", got)
	}

	// Third event fills the batch; the worker picks it up without
	// waiting for the flush interval (which is a minute out).
	if err := s.AddEvent(liq(base+2, 61000, 0.1)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return durableRows(t, s) == 3 }) {
		t.Fatalf("batch never flushed by worker, %d rows durable", durableRows(t, s))
	}
	if got := s.PendingCount(); got != 0 {
		t.Fatalf("pending = %d, want 0 after worker flush", got)
	}
}

func TestAddEventRejectsInvalid(t *testing.T) {
	s := newTestStore(t, testStoreConfig(t))

	bad := liq(time.Now().UnixMilli(), 0, 0.1)
	if err := s.AddEvent(bad); err == nil {
		t.Fatal("zero-price event should be rejected")
	}
	if got := s.PendingCount(); got != 0 {
		t.Fatalf("rejected event reached buffer, pending = %d", got)
	}
}

func TestQueryEventsOrderedAndWindowed(t *testing.T) {
	s := newTestStore(t, testStoreConfig(t))

	base := int64(1715600000000)
	// Inserted out of order on purpose.
	for _, offset := range []int64{500, 100, 300, 5000} {
		if err := s.AddEvent(liq(base+offset, 61000, 0.1)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	events, err := s.QueryEvents(context.Background(),
		models.QueryWindow{StartMs: base, EndMs: base + 1000, Symbol: "BTCUSDT"}, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("window returned %d events, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].EventTime < events[i-1].EventTime {
			t.Fatalf("events out of order: %d before %d", events[i-1].EventTime, events[i].EventTime)
		}
	}

	limited, err := s.QueryEvents(context.Background(),
		models.QueryWindow{StartMs: base, EndMs: base + 10000}, 2)
	if err != nil {
		t.Fatalf("query limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit returned %d events, want 2", len(limited))
	}
}

func TestGetPriceRange(t *testing.T) {
	s := newTestStore(t, testStoreConfig(t))

	base := int64(1715600000000)
	prices := []float64{61200, 60950, 61800}
	for i, p := range prices {
		if err := s.AddEvent(liq(base+int64(i), p, 0.1)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	lo, hi, ok, err := s.GetPriceRange(context.Background(), models.QueryWindow{StartMs: base, EndMs: base + 100})
	if err != nil {
		t.Fatalf("price range: %v", err)
	}
	if !ok || lo != 60950 || hi != 61800 {
		t.Fatalf("price range = (%v, %v, %v), want (60950, 61800, true)", lo, hi, ok)
	}

	_, _, ok, err = s.GetPriceRange(context.Background(), models.QueryWindow{StartMs: base + 1000, EndMs: base + 2000})
	if err != nil {
		t.Fatalf("empty price range: %v", err)
	}
	if ok {
		t.Fatal("empty window should report ok=false")
	}
}

func TestCleanupOldEventsIdempotent(t *testing.T) {
	s := newTestStore(t, testStoreConfig(t))

	now := time.Now()
	old := now.Add(-10 * 24 * time.Hour).UnixMilli()
	fresh := now.Add(-time.Hour).UnixMilli()
	for _, ts := range []int64{old, old + 1, fresh} {
		if err := s.AddEvent(liq(ts, 61000, 0.1)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	deleted, err := s.CleanupOldEvents(context.Background(), now)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted %d rows, want 2", deleted)
	}

	// Second pass over the same horizon removes nothing.
	deleted, err = s.CleanupOldEvents(context.Background(), now)
	if err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("second cleanup deleted %d rows, want 0", deleted)
	}

	events, err := s.QueryEvents(context.Background(), models.QueryWindow{StartMs: 0, EndMs: now.UnixMilli()}, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 || events[0].EventTime != fresh {
		t.Fatalf("surviving events = %+v, want the fresh one only", events)
	}
}

func TestCleanupDisabledRetention(t *testing.T) {
	cfg := testStoreConfig(t)
	cfg.RetentionDays = 0
	s := newTestStore(t, cfg)

	if err := s.AddEvent(liq(1, 61000, 0.1)); err != nil {
		t.Fatalf("add: %v", err)
	}
	deleted, err := s.CleanupOldEvents(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("disabled retention deleted %d rows", deleted)
	}
}

func TestCleanupArchivesBeforeDelete(t *testing.T) {
	cfg := testStoreConfig(t)
	cfg.ArchiveDir = filepath.Join(t.TempDir(), "archive")
	s := newTestStore(t, cfg)

	now := time.Now()
	if err := s.AddEvent(liq(now.Add(-10*24*time.Hour).UnixMilli(), 61000, 0.1)); err != nil {
		t.Fatalf("add: %v", err)
	}

	if _, err := s.CleanupOldEvents(context.Background(), now); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	entries, err := os.ReadDir(cfg.ArchiveDir)
	if err != nil {
		t.Fatalf("read archive dir: %v", err)
	}
	var found bool
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".parquet") {
			found = true
		}
	}
	if !found {
		t.Fatal("no parquet archive written before delete")
	}
}

func TestFlushFailureRequeuesThenDeadLetters(t *testing.T) {
	s := newTestStore(t, testStoreConfig(t))

	if err := s.AddEvent(liq(1715600000000, 61000, 0.1)); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Break the database underneath the store.
	s.db.Close()

	if err := s.Flush(); err == nil {
		t.Fatal("flush against a closed db should fail")
	}
	if got := s.PendingCount(); got != 1 {
		t.Fatalf("pending = %d, want 1 after requeue", got)
	}

	// MaxFlushAttempts is 2: the second failure dead-letters the batch.
	if err := s.Flush(); err == nil {
		t.Fatal("second flush should fail")
	}
	if got := s.PendingCount(); got != 0 {
		t.Fatalf("pending = %d, want 0 after dead-letter", got)
	}
}
