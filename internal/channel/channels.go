package channel

import (
	"context"
	"sync"

	"liqflow/internal/models"
	"liqflow/logger"
)

type Stats struct {
	LiveSent    int64
	LiveDropped int64
}

// Channels carries live liquidation events from the feed client to the
// rendering drain loop. The buffer is bounded; when the drain loop is
// behind, events are dropped rather than blocking ingestion.
type Channels struct {
	Live chan models.LiquidationEvent

	stats      Stats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(liveBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Live: make(chan models.LiquidationEvent, liveBufferSize),
		log:  log,
	}

	log.WithComponent("liq_channels").WithFields(logger.Fields{
		"live_buffer_size": liveBufferSize,
	}).Info("liquidation channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Live)
	c.log.WithComponent("liq_channels").Info("liquidation channels closed")
}

func (c *Channels) IncrementLiveSent() {
	c.statsMutex.Lock()
	c.stats.LiveSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementLiveDropped() {
	c.statsMutex.Lock()
	c.stats.LiveDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) SendLive(ctx context.Context, ev models.LiquidationEvent) bool {
	select {
	case c.Live <- ev:
		c.IncrementLiveSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementLiveDropped()
		return false
	}
}

func (c *Channels) GetStats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
