package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	appconfig "liqflow/config"
	"liqflow/internal/channel"
	"liqflow/internal/feed"
	"liqflow/internal/heatmap"
	"liqflow/internal/metadata"
	"liqflow/internal/models"
	"liqflow/internal/store"
	"liqflow/logger"
)

// Default rendering surface used until a caller asks for a snapshot with
// an explicit size.
const (
	defaultSurfaceWidth  = 1060
	defaultSurfaceHeight = 550
)

// RenderSink is the rendering collaborator. Opacity and palette are
// passed through untouched; the pipeline attaches no meaning to them.
type RenderSink interface {
	RenderCells(cells []heatmap.GridCell, opacity float64, palette string)
	Clear()
}

// Orchestrator owns the store, metadata cache, feed client and channels
// for one symbol, and runs the maintenance and live-update loops.
// Ingestion runs whenever the pipeline runs; rendering toggles on top of
// it without touching the feed.
type Orchestrator struct {
	id       string
	cfg      *appconfig.Config
	store    *store.Store
	cache    *metadata.Cache
	feed     *feed.Client
	channels *channel.Channels
	sink     RenderSink
	log      *logger.Log

	norm   heatmap.Normalization
	weight heatmap.WeightMode

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup

	rendering atomic.Bool

	gridMu  sync.Mutex
	grid    *heatmap.Grid
	surface struct{ width, height int }
}

func NewOrchestrator(cfg *appconfig.Config, sink RenderSink) (*Orchestrator, error) {
	norm, err := heatmap.ParseNormalization(cfg.Grid.Normalization)
	if err != nil {
		return nil, err
	}
	weight, err := heatmap.ParseWeightMode(cfg.Grid.WeightBy)
	if err != nil {
		return nil, err
	}

	st, err := store.NewStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		id:       uuid.NewString(),
		cfg:      cfg,
		store:    st,
		cache:    metadata.NewCache(cfg.Metadata),
		channels: channel.NewChannels(cfg.Channels.LiveBuffer),
		sink:     sink,
		log:      logger.GetLogger(),
		norm:     norm,
		weight:   weight,
		wg:       &sync.WaitGroup{},
	}
	o.surface.width = defaultSurfaceWidth
	o.surface.height = defaultSurfaceHeight

	o.feed = feed.NewClient(cfg.Feed, cfg.Liqflow.Symbol, o.handleEvent)
	return o, nil
}

// handleEvent is the feed callback: persist first, then offer to the
// live path. A full live buffer drops the event for rendering only; the
// durable copy is already on its way to disk.
func (o *Orchestrator) handleEvent(ev models.LiquidationEvent) {
	if err := o.store.AddEvent(ev); err != nil {
		o.log.WithComponent("pipeline").WithError(err).Warn("failed to buffer event")
		return
	}
	o.channels.SendLive(o.ctx, ev)
}

// Start brings up the store, warms the metadata cache, connects the feed
// and launches the background loops. Calling Start on a running pipeline
// is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = true
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	log := o.log.WithComponent("pipeline").WithFields(logger.Fields{
		"pipeline_id": o.id,
		"symbol":      o.cfg.Liqflow.Symbol,
	})
	log.Info("starting liquidation pipeline")

	if err := o.store.Start(o.ctx); err != nil {
		return fmt.Errorf("start event store: %w", err)
	}

	// Warm the tick size so the first grid build does not block on the
	// exchange; a failure here falls back to the configured default.
	tick := o.cache.GetTickSize(o.ctx, o.cfg.Liqflow.Symbol, o.cfg.Metadata.DefaultTickSize)
	log.WithFields(logger.Fields{"tick_size": tick}).Debug("metadata warmed")

	if err := o.feed.Start(o.ctx); err != nil {
		return fmt.Errorf("start feed client: %w", err)
	}

	o.wg.Add(2)
	go o.maintenanceLoop()
	go o.drainLoop()

	if o.cfg.Render.Enabled {
		o.Enable()
	}
	log.Info("liquidation pipeline started")
	return nil
}

// Stop shuts the whole pipeline down: feed first so no new events
// arrive, then the loops, then the store so the final flush lands. Safe
// to call from any state, any number of times.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	o.rendering.Store(false)
	o.feed.Stop()
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
	o.channels.Close()
	o.store.Stop()

	o.log.WithComponent("pipeline").WithFields(logger.Fields{"pipeline_id": o.id}).Info("liquidation pipeline stopped")
}

// Enable turns rendering on and pushes an initial snapshot. Ingestion is
// unaffected.
func (o *Orchestrator) Enable() {
	if o.rendering.Swap(true) {
		return
	}
	o.log.WithComponent("pipeline").Info("rendering enabled")

	ctx := o.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	width, height := o.surfaceSize()
	_, cells, err := o.BuildSnapshot(ctx, width, height)
	if err != nil {
		o.log.WithComponent("pipeline").WithError(err).Warn("initial snapshot failed")
		return
	}
	o.sink.RenderCells(cells, o.cfg.Render.Opacity, o.cfg.Render.Palette)
}

// Disable turns rendering off and clears the sink. The feed keeps
// ingesting so re-enabling has full history to draw from.
func (o *Orchestrator) Disable() {
	if !o.rendering.Swap(false) {
		return
	}
	o.sink.Clear()
	o.log.WithComponent("pipeline").Info("rendering disabled")
}

func (o *Orchestrator) surfaceSize() (int, int) {
	o.gridMu.Lock()
	defer o.gridMu.Unlock()
	return o.surface.width, o.surface.height
}

func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) IsRendering() bool {
	return o.rendering.Load()
}

// BuildSnapshot rebuilds the full grid for the configured trailing
// window, sized for the given surface, and installs it as the live grid
// that incremental updates fold into.
func (o *Orchestrator) BuildSnapshot(ctx context.Context, widthPx, heightPx int) (*heatmap.Grid, []heatmap.GridCell, error) {
	now := time.Now()
	window := models.QueryWindow{
		StartMs: now.Add(-o.cfg.Grid.WindowDuration).UnixMilli(),
		EndMs:   now.UnixMilli(),
		Symbol:  o.cfg.Liqflow.Symbol,
	}

	events, err := o.store.QueryEvents(ctx, window, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("query window events: %w", err)
	}

	priceMin, priceMax, ok, err := o.store.GetPriceRange(ctx, window)
	if err != nil {
		return nil, nil, fmt.Errorf("query price range: %w", err)
	}
	if !ok {
		// No events yet: an empty degenerate grid, not an error.
		priceMin, priceMax = 0, 0
	}

	rows, cols := heatmap.AutoResolution(widthPx, heightPx, o.cfg.Grid.PixelsPerBin,
		o.cfg.Grid.MaxRows, o.cfg.Grid.MaxCols)

	gridCfg := heatmap.GridConfig{
		PriceMin:    priceMin,
		PriceMax:    priceMax,
		TimeStartMs: window.StartMs,
		TimeEndMs:   window.EndMs,
		Rows:        rows,
		Cols:        cols,
		TickSize:    o.cache.GetTickSize(ctx, o.cfg.Liqflow.Symbol, o.cfg.Metadata.DefaultTickSize),
	}

	grid := heatmap.BuildGrid(gridCfg, events, o.norm, o.weight, o.cfg.Grid.IntensityFloor)
	heatmap.ApplyTimeDecay(grid, now.UnixMilli(), o.cfg.Grid.DecayHalfLife)
	heatmap.Smooth(grid, o.cfg.Grid.SmoothingSigma)
	cells := grid.SparseCells(o.cfg.Grid.IntensityThreshold)

	o.gridMu.Lock()
	o.grid = grid
	o.surface.width = widthPx
	o.surface.height = heightPx
	o.gridMu.Unlock()

	logger.LogPerformanceEntry(o.log.WithComponent("pipeline"), "pipeline", "grid_snapshot", time.Since(now), logger.Fields{
		"events":      len(events),
		"rows":        rows,
		"cols":        cols,
		"cells":       len(cells),
		"price_bin":   gridCfg.PriceBinSize(),
		"time_bin_ms": gridCfg.TimeBinSize(),
	})
	return grid, cells, nil
}

// maintenanceLoop runs store retention on a long fixed interval,
// independent of rendering state.
func (o *Orchestrator) maintenanceLoop() {
	defer o.wg.Done()

	interval := o.cfg.Store.CleanupInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.store.CleanupOldEvents(o.ctx, time.Now()); err != nil {
				o.log.WithComponent("pipeline").WithError(err).Warn("retention cleanup failed")
			}
		}
	}
}

// drainLoop folds live events into the current grid and pushes sparse
// cells to the sink, with a hard minimum interval between pushes so a
// liquidation burst cannot flood the renderer. Events arriving while
// rendering is disabled are discarded here; their durable copy is in the
// store.
func (o *Orchestrator) drainLoop() {
	defer o.wg.Done()

	limiter := rate.NewLimiter(rate.Every(o.cfg.Render.MinUpdateInterval), 1)

	for {
		select {
		case <-o.ctx.Done():
			return
		case ev, open := <-o.channels.Live:
			if !open {
				return
			}
			if !o.rendering.Load() {
				continue
			}
			o.applyLive(ev)
			o.drainPending()

			if err := limiter.Wait(o.ctx); err != nil {
				return
			}
			// Fold in whatever arrived while we were throttled.
			o.drainPending()
			o.pushUpdate()
		}
	}
}

// drainPending applies everything currently buffered without blocking.
func (o *Orchestrator) drainPending() {
	for {
		select {
		case ev, open := <-o.channels.Live:
			if !open {
				return
			}
			o.applyLive(ev)
		default:
			return
		}
	}
}

func (o *Orchestrator) applyLive(ev models.LiquidationEvent) {
	o.gridMu.Lock()
	grid := o.grid
	applied := false
	if grid != nil {
		_, _, applied = heatmap.AddEventToGrid(grid, ev, o.weight)
	}
	o.gridMu.Unlock()
	if grid == nil || applied {
		return
	}

	// The trailing window slid past the current grid; rebuild around now.
	// The event is already persisted, so the rebuild picks it up.
	width, height := o.surfaceSize()
	if _, _, err := o.BuildSnapshot(o.ctx, width, height); err != nil {
		o.log.WithComponent("pipeline").WithError(err).Warn("grid rebuild after window slide failed")
	}
}

func (o *Orchestrator) pushUpdate() {
	o.gridMu.Lock()
	grid := o.grid
	if grid == nil {
		o.gridMu.Unlock()
		return
	}
	grid.Renormalize(o.norm, o.cfg.Grid.IntensityFloor)
	heatmap.ApplyTimeDecay(grid, time.Now().UnixMilli(), o.cfg.Grid.DecayHalfLife)
	heatmap.Smooth(grid, o.cfg.Grid.SmoothingSigma)
	cells := grid.SparseCells(o.cfg.Grid.IntensityThreshold)
	o.gridMu.Unlock()

	o.sink.RenderCells(cells, o.cfg.Render.Opacity, o.cfg.Render.Palette)
}
