package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

type counterStat struct {
	count int64
	bytes int64
}

var (
	feedErrors    int64
	feedWarns     int64
	storeErrors   int64
	storeWarns    int64
	otherErrors   int64
	otherWarns    int64
	eventsRead    int64
	flushesDone   int64
	counters      sync.Map // map[string]*counterStat
)

func recordWarn(component string) {
	switch {
	case component == "feed_client":
		atomic.AddInt64(&feedWarns, 1)
	case component == "event_store":
		atomic.AddInt64(&storeWarns, 1)
	default:
		atomic.AddInt64(&otherWarns, 1)
	}
}

func recordError(component string) {
	switch {
	case component == "feed_client":
		atomic.AddInt64(&feedErrors, 1)
	case component == "event_store":
		atomic.AddInt64(&storeErrors, 1)
	default:
		atomic.AddInt64(&otherErrors, 1)
	}
}

// IncrementEventRead records one inbound feed event of the given payload size.
func IncrementEventRead(size int) {
	atomic.AddInt64(&eventsRead, 1)
	RecordCounter("feed_events", size)
}

// IncrementFlush records one store flush of the given row count.
func IncrementFlush(rows int) {
	atomic.AddInt64(&flushesDone, 1)
	RecordCounter("store_flushes", rows)
}

// RecordCounter accumulates a named counter and a size/volume figure for it.
func RecordCounter(name string, size int) {
	v, _ := counters.LoadOrStore(name, &counterStat{})
	cs := v.(*counterStat)
	atomic.AddInt64(&cs.count, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of runtime and pipeline statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

func logReport(log *Log) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	counterData := map[string]map[string]int64{}
	counters.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*counterStat)
		counterData[name] = map[string]int64{
			"count": atomic.LoadInt64(&cs.count),
			"bytes": atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	log.WithComponent("report").WithFields(Fields{
		"errors_feed":   atomic.LoadInt64(&feedErrors),
		"errors_store":  atomic.LoadInt64(&storeErrors),
		"errors_other":  atomic.LoadInt64(&otherErrors),
		"warns_feed":    atomic.LoadInt64(&feedWarns),
		"warns_store":   atomic.LoadInt64(&storeWarns),
		"warns_other":   atomic.LoadInt64(&otherWarns),
		"events_read":   atomic.LoadInt64(&eventsRead),
		"flushes_done":  atomic.LoadInt64(&flushesDone),
		"goroutines":    runtime.NumGoroutine(),
		"heap_alloc_mb": int64(mem.HeapAlloc) / 1024 / 1024,
		"counters":      counterData,
	}).Info("runtime report")
}
