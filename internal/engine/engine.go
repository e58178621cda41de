// Package engine is the central orchestrator of the feed core.
//
// It wires together all subsystems:
//
//  1. The REST client bootstraps rate-limit rules and discovers the top
//     USDT markets by 24h quote volume.
//  2. The WebSocket transport subscribes the tiered stream set on one
//     combined connection.
//  3. Raw frames flow Transport → Decoder → Bus → Repository →
//     {Aggregator, Analytics} → downstream subscribers.
//  4. Periodic ticks watch connection health, session age, and memory
//     bounds.
//
// Lifecycle: New() → Start() → [runs until shutdown] → Stop()
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"futuresfeed/internal/aggregate"
	"futuresfeed/internal/analytics"
	"futuresfeed/internal/backoff"
	"futuresfeed/internal/bus"
	"futuresfeed/internal/clock"
	"futuresfeed/internal/config"
	"futuresfeed/internal/exchange"
	"futuresfeed/internal/metrics"
	"futuresfeed/internal/repo"
	"futuresfeed/pkg/types"
)

const (
	healthInterval     = 30 * time.Second
	sessionInterval    = 5 * time.Minute
	janitorInterval    = 30 * time.Second
	staleActivityLimit = 2 * time.Minute

	discoveryAttempts = 3
)

// fallbackMarkets keeps the feed alive when market discovery fails
// repeatedly: the majors are always worth watching.
var fallbackMarkets = []string{
	"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT",
	"XRPUSDT", "DOGEUSDT", "ADAUSDT", "LINKUSDT",
}

// Engine orchestrates all components and owns every long-lived goroutine.
type Engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	client    *exchange.Client
	ws        *exchange.StreamClient
	decoder   *exchange.Decoder
	bus       *bus.Bus
	agg       *aggregate.Aggregator
	analytics *analytics.Engine
	repo      *repo.Repository
	tiering   exchange.Tiering

	mu           sync.Mutex
	markets      []string
	retries      int
	lastStatus   types.ConnStatus
	lastChange   time.Time
	healthy      bool
	sessionStart time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all components. Nothing is started and no component
// reads a sibling during construction; wiring that crosses the data-flow
// direction (repository → transport) happens in Start.
func New(cfg *config.Config, clk clock.Clock, mets *metrics.Metrics, logger *slog.Logger) *Engine {
	limiter := exchange.NewLimiter(clk)
	client := exchange.NewClient(cfg.Exchange, limiter, clk, logger)

	boff := backoff.New(backoff.Config{
		Initial:    cfg.Backoff.InitialDelay,
		Max:        cfg.Backoff.MaxDelay,
		MaxRetries: cfg.Backoff.MaxRetries,
		Network:    backoff.NetworkClass(cfg.Backoff.Network),
	}, clk, nil)

	ws := exchange.NewStreamClient(cfg.WS, boff, clk, nil, logger)
	eventBus := bus.New(bus.DefaultMaxPerSecond, clk, mets, logger)

	agg := aggregate.New(aggregate.Config{
		MergeWindow:     cfg.Aggregator.MergeWindow,
		FlushInterval:   cfg.Aggregator.FlushInterval,
		WeightedPricing: cfg.Aggregator.WeightedPricing,
		BookImmediate:   cfg.Aggregator.BookImmediate,
	}, clk, mets, logger)

	quant := analytics.NewEngine(cfg.Analytics, clk, logger)
	repository := repo.New(cfg.Repository, agg, quant, clk, mets, logger)

	return &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		clock:     clk,
		metrics:   mets,
		client:    client,
		ws:        ws,
		decoder:   exchange.NewDecoder(clk),
		bus:       eventBus,
		agg:       agg,
		analytics: quant,
		repo:      repository,
		tiering:   exchange.TieringFromConfig(cfg.Tiering),
	}
}

// Repository exposes the filter/aggregate watch API to the host.
func (e *Engine) Repository() *repo.Repository { return e.repo }

// Analytics exposes the indicator and prediction streams to the host.
func (e *Engine) Analytics() *analytics.Engine { return e.analytics }

// Bus exposes the raw event topics to the host.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Start bootstraps exchange metadata, launches every background goroutine,
// and connects the stream transport.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	symbols := e.bootstrap(runCtx)

	e.repo.SetStreamEnsurer(e)
	e.ws.OnStatus(e.onStatus)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.ws.Run(runCtx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.decodeLoop()
	}()

	feed := e.bus.SubscribeAll(512)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.feedLoop(runCtx, feed)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.agg.Run(runCtx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.analytics.Run(runCtx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.repo.Run(runCtx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.ticks(runCtx)
	}()

	if err := e.EnsureStream(symbols); err != nil {
		e.logger.Error("initial stream setup failed", "error", err)
	}

	e.logger.Info("engine started", "markets", len(symbols), "top_n", e.tiering.TopN)
	return nil
}

// Stop shuts everything down: cancels all goroutines, disposes the
// transport, waits for completion, and closes the bus.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	if e.cancel != nil {
		e.cancel()
	}
	e.ws.Dispose()
	e.wg.Wait()
	e.bus.Close()
	e.logger.Info("shutdown complete")
}

// bootstrap loads rate-limit rules and discovers markets, retrying
// transient failures and falling back to the hard-coded majors.
func (e *Engine) bootstrap(ctx context.Context) []string {
	if info, err := e.client.ExchangeInfo(ctx); err != nil {
		e.logger.Warn("exchangeInfo failed, default rate limits remain", "error", err)
	} else {
		e.client.Limiter().LoadRules(info.RateLimits)
		e.logger.Info("rate limit rules loaded", "rules", len(info.RateLimits))
	}

	delay := time.Second
	for attempt := 1; attempt <= discoveryAttempts; attempt++ {
		markets, err := e.client.DiscoverMarkets(ctx, config.MaxStreams)
		if err == nil && len(markets) > 0 {
			symbols := make([]string, len(markets))
			for i, m := range markets {
				symbols[i] = m.Symbol
			}
			return symbols
		}
		if err != nil && !exchange.Transient(err) {
			e.logger.Error("market discovery failed", "error", err)
			break
		}
		e.logger.Warn("market discovery failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return fallbackMarkets
		case <-time.After(delay):
		}
		delay *= 2
	}
	e.logger.Warn("falling back to major symbols", "count", len(fallbackMarkets))
	return fallbackMarkets
}

// EnsureStream implements repo.StreamEnsurer: it (re)connects the transport
// with the tiered stream set for the given symbol ranking.
func (e *Engine) EnsureStream(markets []string) error {
	streams := e.tiering.Streams(markets)
	if len(streams) == 0 {
		return errors.New("no streams for empty market set")
	}
	e.mu.Lock()
	e.markets = append([]string(nil), markets...)
	e.mu.Unlock()
	e.ws.Connect(streams)
	return nil
}

// decodeLoop normalizes frames and publishes them to the bus. Ends when the
// transport closes its frame channel.
func (e *Engine) decodeLoop() {
	for frame := range e.ws.Frames() {
		if e.metrics != nil {
			e.metrics.FramesReceived.Inc()
		}
		evt, err := e.decoder.Decode(frame)
		if err != nil {
			if e.metrics != nil {
				e.metrics.DecodeErrors.Inc()
			}
			e.logger.Debug("frame dropped", "error", err)
			continue
		}
		if evt == nil {
			continue
		}
		if e.metrics != nil {
			e.metrics.EventsDecoded.WithLabelValues(string(evt.Kind)).Inc()
		}
		e.bus.Publish(evt)
	}
}

// feedLoop drains the bus into the repository.
func (e *Engine) feedLoop(ctx context.Context, feed <-chan *types.TradeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-feed:
			if !ok {
				return
			}
			e.repo.Process(evt)
		}
	}
}

// onStatus translates transport transitions into orchestrator state.
func (e *Engine) onStatus(s types.ConnStatus) {
	e.mu.Lock()
	e.lastStatus = s
	e.lastChange = e.clock.Now()
	switch s {
	case types.StatusConnected:
		e.retries = 0
		e.sessionStart = e.clock.Now()
	case types.StatusReconnecting:
		e.retries++
	}
	retries := e.retries
	e.mu.Unlock()

	if e.metrics != nil {
		if s == types.StatusConnected {
			e.metrics.Connected.Set(1)
		} else {
			e.metrics.Connected.Set(0)
		}
		if s == types.StatusReconnecting {
			e.metrics.Reconnects.Inc()
		}
	}

	switch s {
	case types.StatusConnected:
		e.logger.Info("stream connected")
	case types.StatusPongTimeout, types.StatusServerError, types.StatusBanned:
		e.logger.Warn("stream degraded", "status", s, "retries", retries)
	default:
		e.logger.Info("stream status", "status", s, "retries", retries)
	}
}

// ticks runs the health, session-age and janitor timers.
func (e *Engine) ticks(ctx context.Context) {
	health := time.NewTicker(healthInterval)
	defer health.Stop()
	session := time.NewTicker(sessionInterval)
	defer session.Stop()
	janitor := time.NewTicker(janitorInterval)
	defer janitor.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-health.C:
			e.checkHealth()
		case <-session.C:
			e.checkSessionAge()
		case <-janitor.C:
			e.repo.Trim()
			e.analytics.Trim()
		}
	}
}

// checkHealth flags the feed unhealthy when disconnected, silent for too
// long, or rate limited.
func (e *Engine) checkHealth() {
	status := e.ws.Status()
	last := e.ws.LastActivity()
	now := e.clock.Now()

	healthy := status == types.StatusConnected &&
		(last.IsZero() || now.Sub(last) <= staleActivityLimit)
	if status == types.StatusRateLimited {
		healthy = false
	}

	e.mu.Lock()
	e.healthy = healthy
	e.mu.Unlock()

	if !healthy {
		e.logger.Warn("health check failed",
			"status", status,
			"last_activity", last,
		)
	}
}

// checkSessionAge forces a reconnect shortly before the server's 24h
// eviction would do it for us.
func (e *Engine) checkSessionAge() {
	if e.cfg.WS.SessionRefresh <= 0 {
		return
	}
	if e.ws.SessionAge() >= e.cfg.WS.SessionRefresh {
		e.logger.Info("session near 24h limit, reconnecting")
		e.ws.Reconnect()
	}
}

// Diagnostics is the combined status map exposed to the host.
type Diagnostics struct {
	Status       types.ConnStatus
	Healthy      bool
	Retries      int
	SessionAge   time.Duration
	LastActivity time.Time
	Markets      int
	Bus          bus.Stats
	Repository   repo.Stats
	Aggregator   aggregate.Stats
	Analytics    analytics.Stats
	RateLimiter  exchange.Usage
	RESTCache    int
}

// Diagnostics returns a point-in-time view across all components.
func (e *Engine) Diagnostics() Diagnostics {
	e.mu.Lock()
	retries := e.retries
	healthy := e.healthy
	markets := len(e.markets)
	e.mu.Unlock()

	return Diagnostics{
		Status:       e.ws.Status(),
		Healthy:      healthy,
		Retries:      retries,
		SessionAge:   e.ws.SessionAge(),
		LastActivity: e.ws.LastActivity(),
		Markets:      markets,
		Bus:          e.bus.Stats(),
		Repository:   e.repo.Stats(),
		Aggregator:   e.agg.Stats(),
		Analytics:    e.analytics.Stats(),
		RateLimiter:  e.client.Limiter().Snapshot(),
		RESTCache:    e.client.CacheSize(),
	}
}
