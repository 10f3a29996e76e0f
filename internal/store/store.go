package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	appconfig "liqflow/config"
	"liqflow/internal/models"
	"liqflow/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS liquidation_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event_time INTEGER NOT NULL,
	symbol     TEXT    NOT NULL,
	side       TEXT    NOT NULL,
	price      REAL    NOT NULL,
	quantity   REAL    NOT NULL,
	notional   REAL    NOT NULL,
	source     TEXT    NOT NULL,
	payload    TEXT
);
CREATE INDEX IF NOT EXISTS idx_liq_events_time ON liquidation_events (event_time);
CREATE INDEX IF NOT EXISTS idx_liq_events_symbol_time ON liquidation_events (symbol, event_time);
`

const insertEvent = `
INSERT INTO liquidation_events (event_time, symbol, side, price, quantity, notional, source, payload)
VALUES (:event_time, :symbol, :side, :price, :quantity, :notional, :source, :payload)`

// Store persists liquidation events in an embedded WAL-mode database.
// Writes are buffered in memory and flushed as one transaction when the
// batch fills or the flush interval elapses, so a mid-flush crash loses at
// most one batch and never leaves a partial one behind.
type Store struct {
	cfg appconfig.StoreConfig
	db  *sqlx.DB
	log *logger.Log

	mu            sync.Mutex
	pending       []models.LiquidationEvent
	flushAttempts int

	// flushC wakes the flush worker when the batch fills, keeping disk
	// I/O off the ingestion goroutine.
	flushC chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup

	startMu sync.Mutex
	running bool
}

func NewStore(cfg appconfig.StoreConfig) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		cfg.Path,
	)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event store %s: %w", cfg.Path, err)
	}
	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY churn between the flusher and query paths.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create event store schema: %w", err)
	}

	return &Store{
		cfg:    cfg,
		db:     db,
		log:    logger.GetLogger(),
		wg:     &sync.WaitGroup{},
		flushC: make(chan struct{}, 1),
	}, nil
}

// Start launches the periodic flush worker.
func (s *Store) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.running {
		return fmt.Errorf("event store already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.flushWorker()
	return nil
}

// Stop flushes any buffered events and closes the database.
func (s *Store) Stop() {
	s.startMu.Lock()
	if !s.running {
		s.startMu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.startMu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	if err := s.Flush(); err != nil {
		s.log.WithComponent("event_store").WithError(err).Error("final flush failed on shutdown")
	}
	if err := s.db.Close(); err != nil {
		s.log.WithComponent("event_store").WithError(err).Warn("closing event store")
	}
}

// AddEvent buffers one event and returns without touching disk; a full
// batch wakes the flush worker instead of flushing inline, so the
// ingestion goroutine never waits on a transaction. Invalid events are
// rejected before they reach the buffer.
func (s *Store) AddEvent(ev models.LiquidationEvent) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("reject event: %w", err)
	}

	s.mu.Lock()
	s.pending = append(s.pending, ev)
	full := len(s.pending) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		s.requestFlush()
	}
	return nil
}

// requestFlush nudges the flush worker without blocking; a pending nudge
// is enough, batches are drained whole.
func (s *Store) requestFlush() {
	select {
	case s.flushC <- struct{}{}:
	default:
	}
}

// PendingCount reports how many events are buffered but not yet durable.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush writes the buffered batch in one transaction. On failure the
// batch is requeued at the front so ordering survives; after
// MaxFlushAttempts consecutive failures the batch is dumped to the log
// and dropped so a poisoned batch cannot wedge the pipeline forever.
func (s *Store) Flush() error {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	batchID := uuid.NewString()
	err := s.insertBatch(batch)
	if err == nil {
		s.mu.Lock()
		s.flushAttempts = 0
		s.mu.Unlock()
		logger.IncrementFlush(len(batch))
		s.log.WithComponent("event_store").WithFields(logger.Fields{
			"batch_id": batchID,
			"rows":     len(batch),
		}).Debug("flushed event batch")
		return nil
	}

	s.mu.Lock()
	s.flushAttempts++
	attempts := s.flushAttempts
	if attempts >= s.cfg.MaxFlushAttempts {
		s.flushAttempts = 0
		s.mu.Unlock()
		s.deadLetter(batchID, batch, err)
		return fmt.Errorf("flush batch %s: %w", batchID, err)
	}
	// Requeue at the front so later arrivals stay behind this batch.
	s.pending = append(batch, s.pending...)
	s.mu.Unlock()

	s.log.WithComponent("event_store").WithError(err).WithFields(logger.Fields{
		"batch_id": batchID,
		"rows":     len(batch),
		"attempt":  attempts,
	}).Warn("flush failed, batch requeued")
	return fmt.Errorf("flush batch %s: %w", batchID, err)
}

func (s *Store) insertBatch(batch []models.LiquidationEvent) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin flush tx: %w", err)
	}
	if _, err := tx.NamedExec(insertEvent, batch); err != nil {
		tx.Rollback()
		return fmt.Errorf("insert events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flush tx: %w", err)
	}
	return nil
}

// deadLetter preserves a permanently unflushable batch in the log stream
// before it is dropped.
func (s *Store) deadLetter(batchID string, batch []models.LiquidationEvent, cause error) {
	payload, _ := json.Marshal(batch)
	s.log.WithComponent("event_store").WithError(cause).WithFields(logger.Fields{
		"batch_id": batchID,
		"rows":     len(batch),
		"events":   string(payload),
	}).Error("dropping batch after repeated flush failures")
}

// QueryEvents returns events inside the window in ascending event-time
// order. limit <= 0 means no limit. Buffered events are flushed first so
// readers see their own writes.
func (s *Store) QueryEvents(ctx context.Context, window models.QueryWindow, limit int) ([]models.LiquidationEvent, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}
	if err := s.Flush(); err != nil {
		return nil, err
	}

	query := `SELECT event_time, symbol, side, price, quantity, notional, source, payload
		FROM liquidation_events
		WHERE event_time >= ? AND event_time <= ?`
	args := []interface{}{window.StartMs, window.EndMs}
	if window.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, window.Symbol)
	}
	query += ` ORDER BY event_time ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var events []models.LiquidationEvent
	if err := s.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return events, nil
}

// GetPriceRange returns the min and max liquidation price inside the
// window. ok is false when the window holds no events.
func (s *Store) GetPriceRange(ctx context.Context, window models.QueryWindow) (minPrice, maxPrice float64, ok bool, err error) {
	if err := window.Validate(); err != nil {
		return 0, 0, false, err
	}
	if err := s.Flush(); err != nil {
		return 0, 0, false, err
	}

	query := `SELECT MIN(price) AS lo, MAX(price) AS hi
		FROM liquidation_events
		WHERE event_time >= ? AND event_time <= ?`
	args := []interface{}{window.StartMs, window.EndMs}
	if window.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, window.Symbol)
	}

	var row struct {
		Lo sql.NullFloat64 `db:"lo"`
		Hi sql.NullFloat64 `db:"hi"`
	}
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		return 0, 0, false, fmt.Errorf("query price range: %w", err)
	}
	if !row.Lo.Valid || !row.Hi.Valid {
		return 0, 0, false, nil
	}
	return row.Lo.Float64, row.Hi.Float64, true, nil
}

// CleanupOldEvents deletes events older than the retention horizon and
// reclaims the freed pages. Rows are archived first when an archive
// directory is configured. With retention disabled it is a no-op, and
// running it twice over the same horizon deletes nothing the second time.
func (s *Store) CleanupOldEvents(ctx context.Context, now time.Time) (int64, error) {
	if s.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()

	log := s.log.WithComponent("event_store")

	if s.cfg.ArchiveDir != "" {
		if err := s.archiveBefore(ctx, cutoff); err != nil {
			// Retention must still make progress when archiving is broken.
			log.WithError(err).Warn("archive before cleanup failed")
		}
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM liquidation_events WHERE event_time < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired events: %w", err)
	}
	deleted, _ := res.RowsAffected()
	if deleted == 0 {
		return 0, nil
	}

	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		log.WithError(err).Warn("vacuum after cleanup failed")
	}
	log.WithFields(logger.Fields{
		"deleted":   deleted,
		"cutoff_ms": cutoff,
	}).Info("expired events removed")
	return deleted, nil
}

func (s *Store) flushWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.flushC:
			if err := s.Flush(); err != nil {
				s.log.WithComponent("event_store").WithError(err).Warn("batch flush failed")
			}
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.log.WithComponent("event_store").WithError(err).Warn("periodic flush failed")
			}
		}
	}
}
