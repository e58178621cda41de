// ws.go implements the combined-stream WebSocket transport.
//
// One StreamClient owns exactly one connection to the combined-stream
// endpoint and multiplexes every subscription over it. It obeys the
// exchange's connection discipline:
//
//   - outgoing control frames are metered by a token bucket that holds
//     MaxControlPerSec tokens and refills at MaxControlPerSec per second —
//     excess frames are dropped, never queued, to avoid an IP ban; a full
//     bucket followed by steady sending can pass more than MaxControlPerSec
//     frames within one rolling second
//   - a liveness window (any inbound message resets it); expiry reconnects
//   - a proactive session refresh before the server's 24h eviction
//   - reconnects governed by the adaptive backoff, entering Banned for a
//     cool-down once an episode is exhausted
//
// The transport self-heals: the last requested stream set is re-subscribed
// on every reconnect without caller action. Raw frame bodies are delivered
// on Frames(); decoding happens downstream.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"futuresfeed/internal/backoff"
	"futuresfeed/internal/clock"
	"futuresfeed/internal/config"
	"futuresfeed/pkg/types"
)

const (
	writeTimeout = 10 * time.Second
	frameBuffer  = 1024

	// errorReconnectDelay spaces the redial after a pong timeout or a
	// fatal server error frame.
	errorReconnectDelay = 5 * time.Second
)

// ErrControlDropped reports an outgoing control frame discarded by the
// per-second cap.
var ErrControlDropped = errors.New("control frame dropped by rate cap")

// session-cycle outcomes of one read loop
var (
	errPongTimeout    = errors.New("liveness window expired")
	errServerFatal    = errors.New("server error frame")
	errServerBackoff  = errors.New("server rate limit frame")
	errSessionRefresh = errors.New("session refresh due")
	errDisconnected   = errors.New("disconnect requested")
)

// StatusFunc receives every transport state transition.
type StatusFunc func(types.ConnStatus)

// StreamClient is the resilient combined-stream transport.
type StreamClient struct {
	cfg    config.WSConfig
	dialer *websocket.Dialer
	clock  clock.Clock
	boff   *backoff.Backoff
	ctrl   *rate.Limiter // outgoing control-frame cap
	logger *slog.Logger

	frames chan []byte

	mu           sync.Mutex
	conn         *websocket.Conn
	streams      []string // last requested stream set
	status       types.ConnStatus
	statusFn     StatusFunc
	rng          *rand.Rand
	lastActivity time.Time
	sessionStart time.Time
	wantStop     bool // Disconnect() requested; stay down until next Connect

	// inbound budget window
	inWindowStart time.Time
	inCount       int
	inWarned      bool

	connectCh chan struct{}
	disposed  chan struct{}
	disposeOn sync.Once
}

// NewStreamClient creates a transport. rng drives control-frame IDs and may
// be nil outside tests.
func NewStreamClient(cfg config.WSConfig, boff *backoff.Backoff, clk clock.Clock, rng *rand.Rand, logger *slog.Logger) *StreamClient {
	if rng == nil {
		rng = rand.New(rand.NewSource(clk.Now().UnixNano()))
	}
	return &StreamClient{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		clock:     clk,
		boff:      boff,
		ctrl:      rate.NewLimiter(rate.Limit(cfg.MaxControlPerSec), cfg.MaxControlPerSec),
		logger:    logger.With("component", "ws"),
		frames:    make(chan []byte, frameBuffer),
		status:    types.StatusDisconnected,
		rng:       rng,
		connectCh: make(chan struct{}, 1),
		disposed:  make(chan struct{}),
	}
}

// OnStatus registers the status callback. Must be set before Run.
func (c *StreamClient) OnStatus(fn StatusFunc) { c.statusFn = fn }

// Frames returns the inbound data-frame channel. Closed when Run exits.
func (c *StreamClient) Frames() <-chan []byte { return c.frames }

// Status returns the current transport state.
func (c *StreamClient) Status() types.ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Streams returns a copy of the last requested stream set.
func (c *StreamClient) Streams() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.streams))
	copy(out, c.streams)
	return out
}

// LastActivity returns the time of the most recent inbound message.
func (c *StreamClient) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// SessionAge returns how long the current connection has been up; zero when
// not connected.
func (c *StreamClient) SessionAge() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionStart.IsZero() {
		return 0
	}
	return c.clock.Now().Sub(c.sessionStart)
}

// Connect replaces the stream set and (re)establishes the connection. Any
// existing connection is closed here first; the run loop then redials with
// the new set.
func (c *StreamClient) Connect(streams []string) {
	c.mu.Lock()
	c.streams = append([]string(nil), streams...)
	c.wantStop = false
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	select {
	case c.connectCh <- struct{}{}:
	default:
	}
}

// Reconnect re-establishes the connection with the current stream set.
func (c *StreamClient) Reconnect() {
	c.Connect(c.Streams())
}

// Disconnect closes the connection and keeps the transport down until the
// next Connect.
func (c *StreamClient) Disconnect() {
	c.mu.Lock()
	c.wantStop = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Dispose terminates the transport for good. Idempotent.
func (c *StreamClient) Dispose() {
	c.disposeOn.Do(func() {
		close(c.disposed)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}

// Subscribe adds stream names to the set and sends one SUBSCRIBE frame.
func (c *StreamClient) Subscribe(streams []string) error {
	c.mu.Lock()
	have := make(map[string]bool, len(c.streams))
	for _, s := range c.streams {
		have[s] = true
	}
	for _, s := range streams {
		if !have[s] {
			c.streams = append(c.streams, s)
		}
	}
	c.mu.Unlock()
	return c.sendControl("SUBSCRIBE", streams)
}

// Unsubscribe removes stream names and sends one UNSUBSCRIBE frame.
func (c *StreamClient) Unsubscribe(streams []string) error {
	drop := make(map[string]bool, len(streams))
	for _, s := range streams {
		drop[s] = true
	}
	c.mu.Lock()
	kept := c.streams[:0]
	for _, s := range c.streams {
		if !drop[s] {
			kept = append(kept, s)
		}
	}
	c.streams = kept
	c.mu.Unlock()
	return c.sendControl("UNSUBSCRIBE", streams)
}

// Run owns the connection lifecycle. Blocks until ctx is cancelled or the
// transport is disposed.
func (c *StreamClient) Run(ctx context.Context) {
	defer func() {
		c.setStatus(types.StatusDisconnected)
		close(c.frames)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.disposed:
			return
		case <-c.connectCh:
		}
		if !c.serveSessions(ctx) {
			return
		}
	}
}

// serveSessions dials and reads until the transport is stopped. Returns
// false when Run should exit.
func (c *StreamClient) serveSessions(ctx context.Context) bool {
	for {
		if c.stopped(ctx) {
			return false
		}
		c.mu.Lock()
		wantStop := c.wantStop
		c.mu.Unlock()
		if wantStop {
			c.setStatus(types.StatusDisconnected)
			return true
		}

		c.setStatus(types.StatusConnecting)
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.BaseURL, nil)
		if err != nil {
			c.logger.Warn("dial failed", "error", err)
			if !c.backoffPause(ctx) {
				return false
			}
			continue
		}

		c.boff.Reset()
		c.mu.Lock()
		c.conn = conn
		c.sessionStart = c.clock.Now()
		c.lastActivity = c.clock.Now()
		streams := append([]string(nil), c.streams...)
		c.mu.Unlock()

		if err := c.sendControl("SUBSCRIBE", streams); err != nil {
			c.logger.Error("initial subscribe failed", "error", err)
			conn.Close()
			if !c.backoffPause(ctx) {
				return false
			}
			continue
		}

		c.setStatus(types.StatusConnected)
		c.logger.Info("connected", "streams", len(streams))

		reason := c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.sessionStart = time.Time{}
		wantStop = c.wantStop
		c.mu.Unlock()
		conn.Close()

		if c.stopped(ctx) {
			return false
		}
		if wantStop || errors.Is(reason, errDisconnected) {
			c.setStatus(types.StatusDisconnected)
			return true
		}

		switch {
		case errors.Is(reason, errPongTimeout):
			c.setStatus(types.StatusPongTimeout)
			if !c.sleep(ctx, errorReconnectDelay) {
				return false
			}
			c.setStatus(types.StatusReconnecting)
		case errors.Is(reason, errServerFatal):
			c.setStatus(types.StatusServerError)
			if !c.sleep(ctx, errorReconnectDelay) {
				return false
			}
			c.setStatus(types.StatusReconnecting)
		case errors.Is(reason, errServerBackoff):
			if !c.backoffPause(ctx) {
				return false
			}
		case errors.Is(reason, errSessionRefresh):
			c.logger.Info("proactive session refresh")
			c.setStatus(types.StatusReconnecting)
		default:
			c.logger.Warn("connection lost", "error", reason)
			if !c.backoffPause(ctx) {
				return false
			}
		}
	}
}

// backoffPause applies the adaptive delay between attempts, surfacing the
// Banned state during a cool-down. Returns false when Run should exit.
func (c *StreamClient) backoffPause(ctx context.Context) bool {
	delay, cooling := c.boff.Next()
	if cooling {
		c.setStatus(types.StatusBanned)
	} else {
		c.setStatus(types.StatusReconnecting)
	}
	return c.sleep(ctx, delay)
}

func (c *StreamClient) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.disposed:
		return false
	case <-t.C:
		return true
	}
}

func (c *StreamClient) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-c.disposed:
		return true
	default:
		return false
	}
}

// readLoop consumes frames until the session ends and returns the reason.
func (c *StreamClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if c.stopped(ctx) {
			return context.Canceled
		}
		if c.cfg.SessionRefresh > 0 && c.SessionAge() >= c.cfg.SessionRefresh {
			return errSessionRefresh
		}

		conn.SetReadDeadline(c.clock.Now().Add(c.cfg.PongTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			wantStop := c.wantStop
			c.mu.Unlock()
			if wantStop {
				return errDisconnected
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("%w after %s", errPongTimeout, c.cfg.PongTimeout)
			}
			return err
		}

		c.touchActivity()
		c.accountInbound()

		// Server-reported error frames are classified here so the decoder
		// only ever sees data payloads.
		var we WSError
		if json.Unmarshal(msg, &we) == nil && we.Code != 0 {
			switch we.Code {
			case 1:
				c.logger.Info("server notice", "code", we.Code, "msg", we.Msg)
				continue
			case 2:
				c.logger.Error("server error, reconnecting", "code", we.Code, "msg", we.Msg)
				return fmt.Errorf("%w: %s", errServerFatal, we.Msg)
			case 3:
				c.logger.Warn("server rate limit, backing off", "code", we.Code, "msg", we.Msg)
				c.setStatus(types.StatusRateLimited)
				return fmt.Errorf("%w: %s", errServerBackoff, we.Msg)
			default:
				c.logger.Warn("server frame", "code", we.Code, "msg", we.Msg)
				continue
			}
		}

		// Deliver; drop the oldest pending frame in preference to blocking
		// the read loop.
		select {
		case c.frames <- msg:
		default:
			select {
			case <-c.frames:
			default:
			}
			select {
			case c.frames <- msg:
			default:
			}
		}
	}
}

func (c *StreamClient) touchActivity() {
	c.mu.Lock()
	c.lastActivity = c.clock.Now()
	c.mu.Unlock()
}

// accountInbound tracks the per-second inbound message count and logs once
// per window when the configured budget is exceeded. Excess never
// disconnects.
func (c *StreamClient) accountInbound() {
	if c.cfg.InboundBudget <= 0 {
		return
	}
	c.mu.Lock()
	now := c.clock.Now()
	if now.Sub(c.inWindowStart) >= time.Second {
		c.inWindowStart = now
		c.inCount = 0
		c.inWarned = false
	}
	c.inCount++
	over := c.inCount > c.cfg.InboundBudget && !c.inWarned
	if over {
		c.inWarned = true
	}
	count := c.inCount
	c.mu.Unlock()

	if over {
		c.logger.Warn("inbound budget exceeded", "count", count, "budget", c.cfg.InboundBudget)
	}
}

// sendControl writes one control frame, subject to the per-second cap.
// Over-cap frames are dropped with a RateLimited transition; the exchange
// tolerates a missing unsubscribe far better than a banned IP.
func (c *StreamClient) sendControl(method string, params []string) error {
	if len(params) == 0 {
		return nil
	}
	if !c.ctrl.Allow() {
		c.logger.Warn("control frame dropped", "method", method, "params", len(params))
		c.setStatus(types.StatusRateLimited)
		return ErrControlDropped
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		// No connection yet: the set is recorded and will be subscribed on
		// connect.
		return nil
	}
	req := WSRequest{Method: method, Params: params, ID: c.controlIDLocked()}
	c.conn.SetWriteDeadline(c.clock.Now().Add(writeTimeout))
	return c.conn.WriteJSON(req)
}

// controlIDLocked builds a per-connection-unique control frame ID.
func (c *StreamClient) controlIDLocked() int64 {
	return c.clock.Now().UnixMilli()*1000 + int64(c.rng.Intn(100000))
}

func (c *StreamClient) setStatus(s types.ConnStatus) {
	c.mu.Lock()
	changed := c.status != s
	c.status = s
	fn := c.statusFn
	c.mu.Unlock()
	if changed && fn != nil {
		fn(s)
	}
}
