// Package analytics maintains per-symbol indicator caches fed by the
// ingestion pipeline and runs the timer-driven analysis and prediction
// loops.
//
// Each stream kind feeds exactly one category: aggTrades drive momentum,
// tickers drive trend (and the predictor's price history), book tickers
// drive liquidity, depth snapshots drive order flow. Caches hold the most
// recent snapshot per symbol per category; consumers receive copies over
// bounded channels.
package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"futuresfeed/internal/clock"
	"futuresfeed/internal/config"
	"futuresfeed/pkg/types"
)

const outputBuffer = 64

// Engine is the analytics core. Handle is safe for concurrent use, though
// the repository is its only caller.
type Engine struct {
	cfg    config.AnalyticsConfig
	clock  clock.Clock
	logger *slog.Logger

	mu           sync.Mutex
	momentum     map[string]*momentumState
	momentumSnap map[string]types.Momentum
	trend        map[string]types.Trend
	liquidity    map[string]types.Liquidity
	flow         map[string]*flowState
	lastTrade    map[string]float64
	history      map[string][]float64

	analyses    chan types.QuantAnalysis
	predictions chan types.Prediction

	handled uint64
}

// NewEngine creates the analytics engine.
func NewEngine(cfg config.AnalyticsConfig, clk clock.Clock, logger *slog.Logger) *Engine {
	if cfg.AnalysisInterval <= 0 {
		cfg.AnalysisInterval = 2 * time.Second
	}
	if cfg.PredictionInterval <= 0 {
		cfg.PredictionInterval = 5 * time.Second
	}
	return &Engine{
		cfg:          cfg,
		clock:        clk,
		logger:       logger.With("component", "analytics"),
		momentum:     make(map[string]*momentumState),
		momentumSnap: make(map[string]types.Momentum),
		trend:        make(map[string]types.Trend),
		liquidity:    make(map[string]types.Liquidity),
		flow:         make(map[string]*flowState),
		lastTrade:    make(map[string]float64),
		history:      make(map[string][]float64),
		analyses:     make(chan types.QuantAnalysis, outputBuffer),
		predictions:  make(chan types.Prediction, outputBuffer),
	}
}

// Analyses returns the combined per-symbol analysis stream.
func (e *Engine) Analyses() <-chan types.QuantAnalysis { return e.analyses }

// Predictions returns the predictor's output stream.
func (e *Engine) Predictions() <-chan types.Prediction { return e.predictions }

// Handle routes one normalized event to its category.
func (e *Engine) Handle(evt *types.TradeEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handled++
	now := e.clock.Now()

	switch evt.Kind {
	case types.KindAggTrade:
		st, ok := e.momentum[evt.Market]
		if !ok {
			st = &momentumState{}
			e.momentum[evt.Market] = st
		}
		st.add(evt.IsBuy)
		e.momentumSnap[evt.Market] = st.snapshot(evt.Market, now)
		e.lastTrade[evt.Market] = evt.Price.InexactFloat64()

	case types.KindTicker:
		if evt.Ticker == nil {
			return
		}
		e.trend[evt.Market] = trendFromTicker(evt, now)
		h := append(e.history[evt.Market], evt.Price.InexactFloat64())
		if len(h) > priceHistoryLen {
			h = h[len(h)-priceHistoryLen:]
		}
		e.history[evt.Market] = h

	case types.KindBookTicker:
		if evt.Book == nil {
			return
		}
		e.liquidity[evt.Market] = liquidityFromBook(evt, e.lastTrade[evt.Market], now)

	case types.KindDepth5:
		if evt.Depth == nil {
			return
		}
		st, ok := e.flow[evt.Market]
		if !ok {
			st = &flowState{}
			e.flow[evt.Market] = st
		}
		st.update(evt, now)
	}
}

// Run drives the analysis and prediction timers until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	analysis := time.NewTicker(e.cfg.AnalysisInterval)
	defer analysis.Stop()
	prediction := time.NewTicker(e.cfg.PredictionInterval)
	defer prediction.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-analysis.C:
			e.emitAnalyses()
		case <-prediction.C:
			e.emitPredictions()
		}
	}
}

// emitAnalyses publishes a combined view for every symbol with at least one
// populated category.
func (e *Engine) emitAnalyses() {
	e.mu.Lock()
	now := e.clock.Now()
	symbols := make(map[string]bool)
	for s := range e.momentumSnap {
		symbols[s] = true
	}
	for s := range e.trend {
		symbols[s] = true
	}
	for s := range e.liquidity {
		symbols[s] = true
	}
	for s := range e.flow {
		symbols[s] = true
	}

	out := make([]types.QuantAnalysis, 0, len(symbols))
	for s := range symbols {
		qa := types.QuantAnalysis{Symbol: s, UpdatedAt: now}
		if m, ok := e.momentumSnap[s]; ok {
			snap := m
			qa.Momentum = &snap
		}
		if t, ok := e.trend[s]; ok {
			snap := t
			qa.Trend = &snap
		}
		if l, ok := e.liquidity[s]; ok {
			snap := l
			qa.Liquidity = &snap
		}
		if f, ok := e.flow[s]; ok && f.hasLast {
			snap := f.last
			qa.Flow = &snap
		}
		out = append(out, qa)
	}
	e.mu.Unlock()

	for _, qa := range out {
		deliver(e.analyses, qa)
	}
}

// emitPredictions runs the predictor for every symbol with enough history.
func (e *Engine) emitPredictions() {
	e.mu.Lock()
	now := e.clock.Now()
	out := make([]types.Prediction, 0, len(e.history))
	for symbol, h := range e.history {
		if len(h) < predictMinHistory {
			continue
		}
		momentumScore := 0.0
		if m, ok := e.momentumSnap[symbol]; ok {
			momentumScore = m.Score
		}
		trendClass := types.Sideways
		if t, ok := e.trend[symbol]; ok {
			trendClass = t.Class
		}
		out = append(out, predict(symbol, momentumScore, trendClass, h[len(h)-1], now))
	}
	e.mu.Unlock()

	for _, p := range out {
		deliver(e.predictions, p)
	}
}

// deliver is the usual non-blocking drop-oldest send.
func deliver[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// MomentumFor returns the momentum snapshot for a symbol.
func (e *Engine) MomentumFor(symbol string) (types.Momentum, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.momentumSnap[symbol]
	return m, ok
}

// TrendFor returns the trend snapshot for a symbol.
func (e *Engine) TrendFor(symbol string) (types.Trend, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trend[symbol]
	return t, ok
}

// LiquidityFor returns the liquidity snapshot for a symbol.
func (e *Engine) LiquidityFor(symbol string) (types.Liquidity, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.liquidity[symbol]
	return l, ok
}

// FlowFor returns the flow snapshot for a symbol.
func (e *Engine) FlowFor(symbol string) (types.Flow, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.flow[symbol]
	if !ok || !f.hasLast {
		return types.Flow{}, false
	}
	return f.last, true
}

// Trim re-asserts the history bounds. Called by the janitor.
func (e *Engine) Trim() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for symbol, h := range e.history {
		if len(h) > priceHistoryLen {
			e.history[symbol] = h[len(h)-priceHistoryLen:]
		}
	}
}

// Stats is the analytics diagnostics view.
type Stats struct {
	Handled uint64
	Symbols int
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	symbols := make(map[string]bool)
	for s := range e.momentumSnap {
		symbols[s] = true
	}
	for s := range e.trend {
		symbols[s] = true
	}
	for s := range e.liquidity {
		symbols[s] = true
	}
	for s := range e.flow {
		symbols[s] = true
	}
	return Stats{Handled: e.handled, Symbols: len(symbols)}
}
