package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Liquidation sides as reported by the exchange. BUY means a short position
// was force-closed, SELL a long one.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// LiquidationEvent is one forced liquidation parsed at the ingestion
// boundary. It is immutable once created; the raw payload is kept for
// replay and debugging.
type LiquidationEvent struct {
	EventTime  int64   `db:"event_time"`
	Symbol     string  `db:"symbol"`
	Side       string  `db:"side"`
	Price      float64 `db:"price"`
	Quantity   float64 `db:"quantity"`
	Notional   float64 `db:"notional"`
	Source     string  `db:"source"`
	RawPayload []byte  `db:"payload"`
}

// Validate enforces the ingestion-boundary rules: events with a missing
// symbol, non-positive price or quantity, an unknown side or a zero
// timestamp never enter the pipeline.
func (e *LiquidationEvent) Validate() error {
	if e.Symbol == "" {
		return fmt.Errorf("missing symbol")
	}
	if e.EventTime <= 0 {
		return fmt.Errorf("zero event time")
	}
	side := strings.ToUpper(e.Side)
	if side != SideBuy && side != SideSell {
		return fmt.Errorf("invalid side %q", e.Side)
	}
	if e.Price <= 0 {
		return fmt.Errorf("non-positive price %v", e.Price)
	}
	if e.Quantity <= 0 {
		return fmt.Errorf("non-positive quantity %v", e.Quantity)
	}
	return nil
}

// ParseLiquidationEvent decodes one inbound websocket frame. Frames that do
// not carry the forceOrder event type return ok=false with a nil error so
// callers can skip heartbeats and other stream chatter quietly; malformed
// frames return an error.
func ParseLiquidationEvent(data []byte, source string) (LiquidationEvent, bool, error) {
	var frame struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
		Order     struct {
			Symbol    string `json:"s"`
			Side      string `json:"S"`
			Quantity  string `json:"q"`
			Price     string `json:"p"`
			AvgPrice  string `json:"ap"`
			TradeTime int64  `json:"T"`
		} `json:"o"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return LiquidationEvent{}, false, fmt.Errorf("decode frame: %w", err)
	}
	if frame.EventType != "forceOrder" {
		return LiquidationEvent{}, false, nil
	}

	price := parsePrice(frame.Order.AvgPrice)
	if price == 0 {
		price = parsePrice(frame.Order.Price)
	}
	qty := parsePrice(frame.Order.Quantity)

	eventTime := frame.EventTime
	if eventTime == 0 {
		eventTime = frame.Order.TradeTime
	}

	ev := LiquidationEvent{
		EventTime:  eventTime,
		Symbol:     strings.ToUpper(frame.Order.Symbol),
		Side:       strings.ToUpper(frame.Order.Side),
		Price:      price,
		Quantity:   qty,
		Notional:   price * qty,
		Source:     source,
		RawPayload: data,
	}
	if err := ev.Validate(); err != nil {
		return LiquidationEvent{}, false, fmt.Errorf("invalid liquidation fields: %w", err)
	}
	return ev, true, nil
}

// QueryWindow scopes every store read. End is inclusive.
type QueryWindow struct {
	StartMs int64
	EndMs   int64
	Symbol  string
}

func (w QueryWindow) Validate() error {
	if w.EndMs < w.StartMs {
		return fmt.Errorf("window end %d before start %d", w.EndMs, w.StartMs)
	}
	return nil
}

// SymbolInfo carries the per-symbol exchange filters consumed by the grid
// and any order-sizing callers. Replaced wholesale on refresh.
type SymbolInfo struct {
	Symbol      string
	TickSize    float64
	StepSize    float64
	MinQty      float64
	MaxQty      float64
	MinNotional float64
}
