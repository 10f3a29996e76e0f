package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	appconfig "liqflow/config"
	"liqflow/internal/models"
	"liqflow/logger"
)

// State of the connection loop. Any failure resolves into Backoff; Stop
// moves the client to Idle terminally.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateBackoff:
		return "BACKOFF"
	default:
		return "UNKNOWN"
	}
}

// errRotated signals a proactive close before the exchange's hard
// connection-lifetime limit. It is not a failure and skips backoff.
var errRotated = errors.New("connection lifetime reached, rotating")

// Handler receives each valid parsed liquidation event. It must only
// enqueue; the client does not wait on downstream work.
type Handler func(models.LiquidationEvent)

// Client maintains one resilient websocket connection to the exchange's
// forced-liquidation stream for a single symbol.
type Client struct {
	cfg     appconfig.FeedConfig
	symbol  string
	handler Handler
	log     *logger.Log

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup

	state atomic.Int32
}

func NewClient(cfg appconfig.FeedConfig, symbol string, handler Handler) *Client {
	return &Client{
		cfg:     cfg,
		symbol:  strings.ToUpper(symbol),
		handler: handler,
		log:     logger.GetLogger(),
		wg:      &sync.WaitGroup{},
	}
}

// Start launches the background connection loop.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("feed client already running")
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.log.WithComponent("feed_client").WithFields(logger.Fields{
		"symbol": c.symbol,
		"url":    c.streamURL(),
	}).Info("starting liquidation feed client")

	c.wg.Add(1)
	go c.connectLoop()
	return nil
}

// Stop terminates the connection loop and waits for the socket to be
// released before returning.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.setState(StateIdle)
	c.log.WithComponent("feed_client").WithFields(logger.Fields{"symbol": c.symbol}).Info("feed client stopped")
}

func (c *Client) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Client) CurrentState() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Client) streamURL() string {
	return fmt.Sprintf("%s/%s@forceOrder", strings.TrimRight(c.cfg.URL, "/"), strings.ToLower(c.symbol))
}

func (c *Client) connectLoop() {
	defer c.wg.Done()

	log := c.log.WithComponent("feed_client").WithFields(logger.Fields{"symbol": c.symbol})

	var delay time.Duration
	for {
		if c.ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)
		connected, err := c.runConnection(log)

		if c.ctx.Err() != nil {
			return
		}

		if connected {
			// A successful connection resets the backoff progression.
			delay = 0
		}

		if errors.Is(err, errRotated) {
			log.Info("rotating feed connection before lifetime limit")
			continue
		}

		if err != nil {
			log.WithError(err).Warn("feed connection ended abnormally")
		}

		c.setState(StateBackoff)
		delay = nextBackoff(delay, c.cfg.InitialReconnect, c.cfg.MaxReconnect)
		wait := addJitter(delay)
		log.WithFields(logger.Fields{"delay": wait.String()}).Debug("backing off before reconnect")

		timer := time.NewTimer(wait)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// runConnection dials, then reads frames until the connection dies, the
// context is cancelled, or the lifetime timer fires. connected reports
// whether the dial succeeded so the caller can reset its backoff.
func (c *Client) runConnection(log *logger.Entry) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(c.ctx, c.streamURL(), nil)
	if err != nil {
		return false, fmt.Errorf("dial liquidation stream: %w", err)
	}

	c.setState(StateConnected)
	log.Info("liquidation stream connected")

	readWait := c.cfg.PingInterval + c.cfg.PongTimeout
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	connCtx, connCancel := context.WithCancel(c.ctx)
	defer connCancel()

	rotated := &atomic.Bool{}
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		lifetime := time.NewTimer(c.cfg.ConnectionLifetime)
		defer lifetime.Stop()
		ping := time.NewTicker(c.cfg.PingInterval)
		defer ping.Stop()
		for {
			select {
			case <-connCtx.Done():
				conn.Close()
				return
			case <-lifetime.C:
				rotated.Store(true)
				conn.Close()
				return
			case <-ping.C:
				deadline := time.Now().Add(c.cfg.PongTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					log.WithError(err).Warn("failed to send websocket ping")
					conn.Close()
					return
				}
			}
		}
	}()

	readErr := c.readMessages(conn, log)

	connCancel()
	<-watchdogDone

	if c.ctx.Err() != nil {
		return true, nil
	}
	if rotated.Load() {
		return true, errRotated
	}
	return true, readErr
}

func (c *Client) readMessages(conn *websocket.Conn, log *logger.Entry) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("websocket read: %w", err)
		}
		c.handleFrame(data, log)
	}
}

func (c *Client) handleFrame(data []byte, log *logger.Entry) {
	ev, ok, err := models.ParseLiquidationEvent(data, "binance")
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"payload_bytes": len(data)}).Warn("dropping unparseable frame")
		return
	}
	if !ok {
		log.Debug("ignoring non-liquidation frame")
		return
	}
	logger.IncrementEventRead(len(data))
	c.handler(ev)
}
