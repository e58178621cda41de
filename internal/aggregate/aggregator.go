// Package aggregate implements the per-(market, kind) time-windowed merge.
//
// At most one pending event exists per key. AggTrades emit immediately on
// the first event of a key, then merge volume-weighted within the merge
// window; tickers throttle to one emission per one-second micro-window with
// the last write winning; book and depth events are replace-only. A periodic
// flush drains dirty and expired entries, and a terminal flush runs on
// dispose so nothing is lost on shutdown.
package aggregate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"futuresfeed/internal/clock"
	"futuresfeed/internal/metrics"
	"futuresfeed/pkg/types"
)

const (
	outBuffer         = 256
	tickerMicroWindow = time.Second
)

// Config tunes the merge behavior.
type Config struct {
	MergeWindow     time.Duration
	FlushInterval   time.Duration
	WeightedPricing bool // merged price = total/quantity; otherwise last price wins
	BookImmediate   bool // emit book/depth replacements on arrival, not only on flush
}

type key struct {
	market string
	kind   types.StreamKind
}

type pendingEntry struct {
	evt         types.TradeEvent // owned copy; mutated by merges
	dirty       bool             // has content not yet emitted
	lastEventTS int64            // event-time ms of the newest constituent
	updatedAt   time.Time        // wall time of the last touch
	windowStart time.Time        // ticker micro-window anchor
}

// Aggregator merges the normalized stream. Output order is monotonic in
// event time per key.
type Aggregator struct {
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	out chan *types.TradeEvent

	mu        sync.Mutex
	pending   map[key]*pendingEntry
	closed    bool
	processed uint64
	merged    uint64
	flushed   uint64

	disposeOn sync.Once
}

// New creates an Aggregator. mets may be nil.
func New(cfg Config, clk clock.Clock, mets *metrics.Metrics, logger *slog.Logger) *Aggregator {
	if cfg.MergeWindow <= 0 {
		cfg.MergeWindow = 500 * time.Millisecond
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	return &Aggregator{
		cfg:     cfg,
		clock:   clk,
		logger:  logger.With("component", "aggregator"),
		metrics: mets,
		out:     make(chan *types.TradeEvent, outBuffer),
		pending: make(map[key]*pendingEntry),
	}
}

// Out returns the merged event stream.
func (a *Aggregator) Out() <-chan *types.TradeEvent { return a.out }

// Process routes one event through the kind-specific merge policy.
func (a *Aggregator) Process(evt *types.TradeEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.processed++

	k := key{market: evt.Market, kind: evt.Kind}
	now := a.clock.Now()

	switch evt.Kind {
	case types.KindAggTrade:
		a.processAggTrade(k, evt, now)
	case types.KindTicker:
		e, ok := a.pending[k]
		if !ok {
			a.pending[k] = &pendingEntry{
				evt: *evt, dirty: true,
				lastEventTS: evt.Timestamp, updatedAt: now, windowStart: now,
			}
			return
		}
		// Last write wins inside the micro-window.
		e.evt = *evt
		e.dirty = true
		e.lastEventTS = evt.Timestamp
		e.updatedAt = now
	case types.KindBookTicker, types.KindDepth5:
		e, ok := a.pending[k]
		if !ok {
			e = &pendingEntry{}
			a.pending[k] = e
		}
		e.evt = *evt
		e.lastEventTS = evt.Timestamp
		e.updatedAt = now
		if a.cfg.BookImmediate {
			e.dirty = false
			a.emitLocked(&e.evt)
		} else {
			e.dirty = true
		}
	}
}

func (a *Aggregator) processAggTrade(k key, evt *types.TradeEvent, now time.Time) {
	e, ok := a.pending[k]
	if !ok {
		// First event per key: emit at once, keep as the merge anchor.
		a.emitLocked(evt)
		a.pending[k] = &pendingEntry{
			evt: *evt, lastEventTS: evt.Timestamp, updatedAt: now,
		}
		return
	}

	delta := evt.Timestamp - e.lastEventTS
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Millisecond <= a.cfg.MergeWindow {
		// Merge: sum notional and quantity, carry the newest timestamp.
		e.evt.TotalValue = e.evt.TotalValue.Add(evt.TotalValue)
		e.evt.Quantity = e.evt.Quantity.Add(evt.Quantity)
		if a.cfg.WeightedPricing && e.evt.Quantity.IsPositive() {
			e.evt.Price = e.evt.TotalValue.Div(e.evt.Quantity)
		} else {
			e.evt.Price = evt.Price
		}
		e.evt.Timestamp = evt.Timestamp
		e.evt.EventID = evt.EventID
		e.evt.IsBuy = evt.IsBuy
		e.lastEventTS = evt.Timestamp
		e.updatedAt = now
		e.dirty = true
		a.merged++
		if a.metrics != nil {
			a.metrics.AggMerged.Inc()
		}
		return
	}

	// Outside the window: finish the old aggregate, start a new one.
	if e.dirty {
		a.emitLocked(&e.evt)
		a.flushed++
	}
	a.emitLocked(evt)
	a.pending[k] = &pendingEntry{
		evt: *evt, lastEventTS: evt.Timestamp, updatedAt: now,
	}
}

// Run drives the periodic flush until ctx is cancelled, then performs the
// terminal flush and closes the output.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.Dispose()
			return
		case <-ticker.C:
			a.Flush()
		}
	}
}

// Flush emits dirty entries and retires expired ones.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	now := a.clock.Now()

	for k, e := range a.pending {
		switch k.kind {
		case types.KindAggTrade:
			if now.Sub(e.updatedAt) > a.cfg.MergeWindow {
				// Merge window closed: final emission, drop the anchor.
				a.emitLocked(&e.evt)
				a.flushed++
				delete(a.pending, k)
				continue
			}
			if e.dirty {
				a.emitLocked(&e.evt)
				a.flushed++
				e.dirty = false
			}
		case types.KindTicker:
			if now.Sub(e.windowStart) >= tickerMicroWindow {
				a.emitLocked(&e.evt)
				a.flushed++
				delete(a.pending, k)
			}
		case types.KindBookTicker, types.KindDepth5:
			if e.dirty {
				a.emitLocked(&e.evt)
				a.flushed++
				e.dirty = false
			}
		}
	}
	if a.metrics != nil {
		a.metrics.PendingAgg.Set(float64(len(a.pending)))
	}
}

// Dispose performs the terminal flush and closes the output. Idempotent.
func (a *Aggregator) Dispose() {
	a.disposeOn.Do(func() {
		a.mu.Lock()
		for k, e := range a.pending {
			if e.dirty {
				a.emitLocked(&e.evt)
				a.flushed++
			}
			delete(a.pending, k)
		}
		a.closed = true
		close(a.out)
		a.mu.Unlock()
	})
}

// emitLocked sends a copy of evt downstream, dropping the oldest pending
// emission when the consumer lags.
func (a *Aggregator) emitLocked(evt *types.TradeEvent) {
	out := *evt
	select {
	case a.out <- &out:
	default:
		select {
		case <-a.out:
		default:
		}
		select {
		case a.out <- &out:
		default:
		}
	}
	if a.metrics != nil {
		a.metrics.AggFlushed.Inc()
	}
}

// Stats is the aggregator's diagnostics view.
type Stats struct {
	Processed uint64
	Merged    uint64
	Flushed   uint64
	Pending   int
}

// Stats returns current counters.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Processed: a.processed,
		Merged:    a.merged,
		Flushed:   a.flushed,
		Pending:   len(a.pending),
	}
}
