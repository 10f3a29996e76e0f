package channel

import (
	"context"
	"testing"

	"liqflow/internal/models"
)

func testEvent() models.LiquidationEvent {
	return models.LiquidationEvent{
		EventTime: 1715600000123,
		Symbol:    "BTCUSDT",
		Side:      models.SideSell,
		Price:     61000,
		Quantity:  0.5,
		Notional:  30500,
		Source:    "binance",
	}
}

func TestSendLive(t *testing.T) {
	c := NewChannels(1)
	defer c.Close()

	if !c.SendLive(context.Background(), testEvent()) {
		t.Fatal("send into empty buffer should succeed")
	}
	// Buffer full: second send drops instead of blocking.
	if c.SendLive(context.Background(), testEvent()) {
		t.Fatal("send into full buffer should drop")
	}

	stats := c.GetStats()
	if stats.LiveSent != 1 || stats.LiveDropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestLiveDrain(t *testing.T) {
	c := NewChannels(4)

	for i := 0; i < 3; i++ {
		if !c.SendLive(context.Background(), testEvent()) {
			t.Fatalf("send %d failed", i)
		}
	}
	c.Close()

	var got int
	for range c.Live {
		got++
	}
	if got != 3 {
		t.Fatalf("drained %d events, want 3", got)
	}
}
