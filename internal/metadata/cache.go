package metadata

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	appconfig "liqflow/config"
	"liqflow/internal/models"
	"liqflow/logger"
)

// Cache holds per-symbol exchange filters (tick size, lot size, minimum
// notional). The upstream endpoint returns the whole symbol set in one
// call, so a refresh replaces the cache wholesale. Refresh failures leave
// the previous contents intact and are never surfaced to callers.
type Cache struct {
	cfg    appconfig.MetadataConfig
	client *futures.Client
	log    *logger.Log

	mu        sync.RWMutex
	symbols   map[string]models.SymbolInfo
	fetchedAt time.Time

	// refreshMu makes refreshes single-flight: a cache-miss storm issues
	// at most one upstream call, everyone else waits for its result.
	refreshMu sync.Mutex
}

func NewCache(cfg appconfig.MetadataConfig) *Cache {
	client := futures.NewClient("", "")
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		client.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Cache{
		cfg:     cfg,
		client:  client,
		log:     logger.GetLogger(),
		symbols: make(map[string]models.SymbolInfo),
	}
}

// GetSymbolInfo returns the cached info for symbol, refreshing the whole
// set first when the cache is stale or forceRefresh is set.
func (c *Cache) GetSymbolInfo(ctx context.Context, symbol string, forceRefresh bool) (models.SymbolInfo, bool) {
	symbol = strings.ToUpper(symbol)

	if !forceRefresh {
		if info, ok, fresh := c.lookup(symbol); ok && fresh {
			return info, true
		}
	}

	c.refresh(ctx, forceRefresh)

	info, ok, _ := c.lookup(symbol)
	return info, ok
}

// GetTickSize is a convenience wrapper that falls back to def when the
// symbol is unknown or the refresh failed.
func (c *Cache) GetTickSize(ctx context.Context, symbol string, def float64) float64 {
	info, ok := c.GetSymbolInfo(ctx, symbol, false)
	if !ok || info.TickSize <= 0 {
		return def
	}
	return info.TickSize
}

// Size reports the number of cached symbols.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.symbols)
}

func (c *Cache) lookup(symbol string) (models.SymbolInfo, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.symbols[symbol]
	fresh := !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) < c.cfg.TTL
	return info, ok, fresh
}

func (c *Cache) refresh(ctx context.Context, force bool) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Another caller may have completed the refresh while we waited.
	if !force {
		c.mu.RLock()
		fresh := !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) < c.cfg.TTL
		c.mu.RUnlock()
		if fresh {
			return
		}
	}

	log := c.log.WithComponent("metadata_cache")

	reqCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	info, err := c.client.NewExchangeInfoService().Do(reqCtx)
	if err != nil {
		log.WithError(err).Warn("exchange info refresh failed, keeping previous cache")
		return
	}

	next := make(map[string]models.SymbolInfo, len(info.Symbols))
	for i := range info.Symbols {
		s := &info.Symbols[i]
		entry := models.SymbolInfo{Symbol: strings.ToUpper(s.Symbol)}
		if pf := s.PriceFilter(); pf != nil {
			entry.TickSize = parseFilterValue(pf.TickSize)
		}
		if lf := s.LotSizeFilter(); lf != nil {
			entry.StepSize = parseFilterValue(lf.StepSize)
			entry.MinQty = parseFilterValue(lf.MinQuantity)
			entry.MaxQty = parseFilterValue(lf.MaxQuantity)
		}
		if nf := s.MinNotionalFilter(); nf != nil {
			entry.MinNotional = parseFilterValue(nf.Notional)
		}
		next[entry.Symbol] = entry
	}

	c.mu.Lock()
	c.symbols = next
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	log.WithFields(logger.Fields{
		"symbols":     len(next),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("symbol metadata refreshed")
}

func parseFilterValue(v string) float64 {
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}
