package metadata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	appconfig "liqflow/config"
)

const exchangeInfoBody = `{
	"timezone": "UTC",
	"serverTime": 1715600000000,
	"symbols": [
		{
			"symbol": "BTCUSDT",
			"status": "TRADING",
			"baseAsset": "BTC",
			"quoteAsset": "USDT",
			"filters": [
				{"filterType": "PRICE_FILTER", "minPrice": "556.80", "maxPrice": "4529764", "tickSize": "0.10"},
				{"filterType": "LOT_SIZE", "minQty": "0.001", "maxQty": "1000", "stepSize": "0.001"},
				{"filterType": "MIN_NOTIONAL", "notional": "100"}
			]
		},
		{
			"symbol": "ETHUSDT",
			"status": "TRADING",
			"baseAsset": "ETH",
			"quoteAsset": "USDT",
			"filters": [
				{"filterType": "PRICE_FILTER", "minPrice": "39.86", "maxPrice": "306177", "tickSize": "0.01"},
				{"filterType": "LOT_SIZE", "minQty": "0.001", "maxQty": "10000", "stepSize": "0.001"}
			]
		}
	]
}`

func newFakeExchange(t *testing.T, calls *atomic.Int64, fail *atomic.Bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if fail != nil && fail.Load() {
			http.Error(w, `{"code":-1000,"msg":"internal error"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(exchangeInfoBody))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testCacheConfig(url string) appconfig.MetadataConfig {
	return appconfig.MetadataConfig{
		BaseURL:         url,
		TTL:             time.Hour,
		Timeout:         2 * time.Second,
		DefaultTickSize: 0.01,
	}
}

func TestGetSymbolInfoRefreshesWholeSet(t *testing.T) {
	var calls atomic.Int64
	srv := newFakeExchange(t, &calls, nil)
	cache := NewCache(testCacheConfig(srv.URL))

	info, ok := cache.GetSymbolInfo(context.Background(), "btcusdt", false)
	if !ok {
		t.Fatal("expected BTCUSDT to be found")
	}
	if info.TickSize != 0.10 || info.StepSize != 0.001 || info.MinNotional != 100 {
		t.Fatalf("unexpected info: %+v", info)
	}

	// The refresh loads every symbol, so a second lookup is a cache hit.
	if _, ok := cache.GetSymbolInfo(context.Background(), "ETHUSDT", false); !ok {
		t.Fatal("expected ETHUSDT to be found")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("upstream calls = %d, want 1", got)
	}
	if cache.Size() != 2 {
		t.Fatalf("cache size = %d, want 2", cache.Size())
	}
}

func TestGetSymbolInfoForceRefresh(t *testing.T) {
	var calls atomic.Int64
	srv := newFakeExchange(t, &calls, nil)
	cache := NewCache(testCacheConfig(srv.URL))

	if _, ok := cache.GetSymbolInfo(context.Background(), "BTCUSDT", false); !ok {
		t.Fatal("initial refresh failed")
	}
	if _, ok := cache.GetSymbolInfo(context.Background(), "BTCUSDT", true); !ok {
		t.Fatal("forced refresh failed")
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("upstream calls = %d, want 2", got)
	}
}

func TestRefreshFailureKeepsPreviousCache(t *testing.T) {
	var calls atomic.Int64
	var fail atomic.Bool
	srv := newFakeExchange(t, &calls, &fail)
	cache := NewCache(testCacheConfig(srv.URL))

	if _, ok := cache.GetSymbolInfo(context.Background(), "BTCUSDT", false); !ok {
		t.Fatal("initial refresh failed")
	}

	fail.Store(true)
	info, ok := cache.GetSymbolInfo(context.Background(), "BTCUSDT", true)
	if !ok {
		t.Fatal("stale entry should survive a failed refresh")
	}
	if info.TickSize != 0.10 {
		t.Fatalf("tick size = %v, want 0.10", info.TickSize)
	}
}

func TestGetTickSizeFallback(t *testing.T) {
	var calls atomic.Int64
	srv := newFakeExchange(t, &calls, nil)
	cache := NewCache(testCacheConfig(srv.URL))

	if got := cache.GetTickSize(context.Background(), "BTCUSDT", 0.5); got != 0.10 {
		t.Fatalf("tick size = %v, want 0.10", got)
	}
	if got := cache.GetTickSize(context.Background(), "DOGEUSDT", 0.5); got != 0.5 {
		t.Fatalf("unknown symbol tick size = %v, want default 0.5", got)
	}
}

func TestRefreshSingleFlight(t *testing.T) {
	var calls atomic.Int64
	srv := newFakeExchange(t, &calls, nil)
	cache := NewCache(testCacheConfig(srv.URL))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache.GetSymbolInfo(context.Background(), "BTCUSDT", false)
		}()
	}
	wg.Wait()

	// Concurrent misses coalesce: at most one caller hits upstream while
	// the rest wait for its result.
	if got := calls.Load(); got != 1 {
		t.Fatalf("upstream calls = %d, want 1", got)
	}
}
