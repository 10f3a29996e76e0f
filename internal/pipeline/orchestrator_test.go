package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	appconfig "liqflow/config"
	"liqflow/internal/heatmap"
	"liqflow/internal/models"
)

type fakeSink struct {
	mu      sync.Mutex
	renders [][]heatmap.GridCell
	clears  int
}

func (f *fakeSink) RenderCells(cells []heatmap.GridCell, opacity float64, palette string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renders = append(f.renders, cells)
}

func (f *fakeSink) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
}

func (f *fakeSink) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

func (f *fakeSink) renderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.renders)
}

func (f *fakeSink) lastRender() []heatmap.GridCell {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.renders) == 0 {
		return nil
	}
	return f.renders[len(f.renders)-1]
}

func testPipelineConfig(t *testing.T) *appconfig.Config {
	t.Helper()
	return &appconfig.Config{
		Liqflow: appconfig.LiqflowConfig{Name: "liqflow", Version: "test", Symbol: "BTCUSDT"},
		Feed: appconfig.FeedConfig{
			// Nothing listens here; the feed client just retries in the
			// background while the rest of the pipeline is exercised.
			URL:                "ws://127.0.0.1:1",
			InitialReconnect:   10 * time.Millisecond,
			MaxReconnect:       50 * time.Millisecond,
			ConnectionLifetime: time.Hour,
			PingInterval:       time.Second,
			PongTimeout:        time.Second,
			HandshakeTimeout:   time.Second,
		},
		Metadata: appconfig.MetadataConfig{
			BaseURL:         "http://127.0.0.1:1",
			TTL:             time.Hour,
			Timeout:         50 * time.Millisecond,
			DefaultTickSize: 0.1,
		},
		Store: appconfig.StoreConfig{
			Path:             filepath.Join(t.TempDir(), "events.db"),
			BatchSize:        2,
			FlushInterval:    50 * time.Millisecond,
			RetentionDays:    7,
			CleanupInterval:  time.Hour,
			MaxFlushAttempts: 5,
		},
		Grid: appconfig.GridConfig{
			MaxRows:            380,
			MaxCols:            1700,
			PixelsPerBin:       2,
			Normalization:      "linear",
			WeightBy:           "notional",
			IntensityThreshold: 0.01,
			IntensityFloor:     0.05,
			WindowDuration:     2 * time.Hour,
		},
		Render: appconfig.RenderConfig{
			Enabled:           true,
			MinUpdateInterval: 10 * time.Millisecond,
			Opacity:           0.85,
			Palette:           "inferno",
		},
		Channels: appconfig.ChannelsConfig{LiveBuffer: 64},
		Logging:  appconfig.LoggingConfig{Level: "error", Format: "json", Output: "stdout"},
	}
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

func TestStartStopIdempotent(t *testing.T) {
	sink := &fakeSink{}
	o, err := NewOrchestrator(testPipelineConfig(t), sink)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	// Stop before start is a no-op.
	o.Stop()

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("second start should be a no-op, got %v", err)
	}
	if !o.IsRunning() {
		t.Fatal("pipeline should report running")
	}

	o.Stop()
	if o.IsRunning() {
		t.Fatal("pipeline should report stopped")
	}
	o.Stop()
}

func TestDisableKeepsIngestion(t *testing.T) {
	sink := &fakeSink{}
	o, err := NewOrchestrator(testPipelineConfig(t), sink)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	if !o.IsRendering() {
		t.Fatal("rendering should be on per config")
	}

	o.Disable()
	if o.IsRendering() {
		t.Fatal("rendering should be off after disable")
	}
	if !o.feed.IsRunning() {
		t.Fatal("disable must not tear down the feed")
	}
	if sink.clearCount() != 1 {
		t.Fatalf("sink clears = %d, want 1", sink.clearCount())
	}

	// Ingestion is still live: events keep landing in the store.
	ev := models.LiquidationEvent{
		EventTime: time.Now().UnixMilli(),
		Symbol:    "BTCUSDT",
		Side:      models.SideSell,
		Price:     61000,
		Quantity:  0.5,
		Notional:  30500,
		Source:    "binance",
	}
	o.handleEvent(ev)

	window := models.QueryWindow{StartMs: 0, EndMs: time.Now().UnixMilli() + 1000}
	found := waitFor(t, 2*time.Second, func() bool {
		events, err := o.store.QueryEvents(context.Background(), window, 0)
		return err == nil && len(events) == 1
	})
	if !found {
		t.Fatal("event did not reach the store while rendering was disabled")
	}

	before := sink.renderCount()
	o.Enable()
	if !o.IsRendering() {
		t.Fatal("rendering should be on after enable")
	}
	if sink.renderCount() != before+1 {
		t.Fatal("enable should push a fresh snapshot")
	}
}

func TestDrainPushesLiveCells(t *testing.T) {
	sink := &fakeSink{}
	o, err := NewOrchestrator(testPipelineConfig(t), sink)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	// The initial enable pushed one snapshot.
	if !waitFor(t, time.Second, func() bool { return sink.renderCount() >= 1 }) {
		t.Fatal("no initial snapshot push")
	}
	before := sink.renderCount()

	for i := 0; i < 5; i++ {
		o.handleEvent(models.LiquidationEvent{
			EventTime: time.Now().UnixMilli(),
			Symbol:    "BTCUSDT",
			Side:      models.SideBuy,
			Price:     61000 + float64(i),
			Quantity:  0.25,
			Notional:  (61000 + float64(i)) * 0.25,
			Source:    "binance",
		})
	}

	if !waitFor(t, 2*time.Second, func() bool { return sink.renderCount() > before }) {
		t.Fatal("live events never reached the sink")
	}
	if cells := sink.lastRender(); len(cells) == 0 {
		t.Fatal("live push carried no cells")
	}
}
