package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"liqflow/internal/models"
	"liqflow/logger"
)

// archiveRecord is the parquet schema for retired liquidation rows.
type archiveRecord struct {
	EventTime int64   `parquet:"name=event_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side      string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Quantity  float64 `parquet:"name=quantity, type=DOUBLE"`
	Notional  float64 `parquet:"name=notional, type=DOUBLE"`
	Source    string  `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
	Payload   string  `parquet:"name=payload, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// archiveBefore writes every event older than cutoff to a snappy-compressed
// parquet file under the archive directory. Called before the retention
// delete so expired rows stay queryable offline.
func (s *Store) archiveBefore(ctx context.Context, cutoffMs int64) error {
	var events []models.LiquidationEvent
	err := s.db.SelectContext(ctx, &events,
		`SELECT event_time, symbol, side, price, quantity, notional, source, payload
		 FROM liquidation_events
		 WHERE event_time < ?
		 ORDER BY event_time ASC`, cutoffMs)
	if err != nil {
		return fmt.Errorf("select expired events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	if err := os.MkdirAll(s.cfg.ArchiveDir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	name := fmt.Sprintf("liq-%d-%s.parquet", cutoffMs, uuid.NewString()[:8])
	path := filepath.Join(s.cfg.ArchiveDir, name)

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	pw, err := writer.NewParquetWriter(fw, new(archiveRecord), 1)
	if err != nil {
		fw.Close()
		return fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, ev := range events {
		rec := archiveRecord{
			EventTime: ev.EventTime,
			Symbol:    ev.Symbol,
			Side:      ev.Side,
			Price:     ev.Price,
			Quantity:  ev.Quantity,
			Notional:  ev.Notional,
			Source:    ev.Source,
			Payload:   string(ev.RawPayload),
		}
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			fw.Close()
			return fmt.Errorf("write archive record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("finalize archive file: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("close archive file: %w", err)
	}

	s.log.WithComponent("event_store").WithFields(logger.Fields{
		"file": path,
		"rows": len(events),
	}).Info("archived expired events")
	return nil
}
