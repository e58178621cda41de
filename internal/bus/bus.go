// Package bus implements the in-process broadcast fan-out between the
// decoder and the event consumers.
//
// Topics exist per stream kind, per symbol, and globally. Publication never
// blocks: when a subscriber's bounded buffer is saturated the oldest pending
// item is dropped in its place — the exchange does not slow down for us, so
// backpressuring the producer would only move the loss upstream. A
// one-second counter window caps total throughput; excess events are
// discarded and counted. The window is fixed, not sliding: it restarts once a
// second has passed since it opened, so a burst that straddles two windows
// can publish up to twice the cap within one second.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"futuresfeed/internal/clock"
	"futuresfeed/internal/metrics"
	"futuresfeed/pkg/types"
)

// DefaultMaxPerSecond caps bus throughput when the config passes zero.
const DefaultMaxPerSecond = 1000

// DefaultBuffer is the subscription buffer used when callers pass zero.
const DefaultBuffer = 256

// Bus is the broadcast hub. One publisher (the repository feed path), many
// subscribers.
type Bus struct {
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	maxRate int

	mu       sync.RWMutex
	global   []chan *types.TradeEvent
	byKind   map[types.StreamKind][]chan *types.TradeEvent
	bySymbol map[string][]chan *types.TradeEvent
	closed   bool

	winStart  time.Time
	winCount  int
	published uint64
	dropped   uint64
	discarded uint64
}

// New creates a Bus. maxPerSecond <= 0 selects the default cap; mets may be nil.
func New(maxPerSecond int, clk clock.Clock, mets *metrics.Metrics, logger *slog.Logger) *Bus {
	if maxPerSecond <= 0 {
		maxPerSecond = DefaultMaxPerSecond
	}
	return &Bus{
		clock:    clk,
		logger:   logger.With("component", "bus"),
		metrics:  mets,
		maxRate:  maxPerSecond,
		byKind:   make(map[types.StreamKind][]chan *types.TradeEvent),
		bySymbol: make(map[string][]chan *types.TradeEvent),
	}
}

// SubscribeAll returns a channel receiving every published event.
func (b *Bus) SubscribeAll(buffer int) <-chan *types.TradeEvent {
	ch := make(chan *types.TradeEvent, bufSize(buffer))
	b.mu.Lock()
	b.global = append(b.global, ch)
	b.mu.Unlock()
	return ch
}

// SubscribeKind returns a channel receiving events of one stream kind.
func (b *Bus) SubscribeKind(kind types.StreamKind, buffer int) <-chan *types.TradeEvent {
	ch := make(chan *types.TradeEvent, bufSize(buffer))
	b.mu.Lock()
	b.byKind[kind] = append(b.byKind[kind], ch)
	b.mu.Unlock()
	return ch
}

// SubscribeSymbol returns a channel receiving events of one market.
func (b *Bus) SubscribeSymbol(symbol string, buffer int) <-chan *types.TradeEvent {
	ch := make(chan *types.TradeEvent, bufSize(buffer))
	b.mu.Lock()
	b.bySymbol[symbol] = append(b.bySymbol[symbol], ch)
	b.mu.Unlock()
	return ch
}

func bufSize(n int) int {
	if n <= 0 {
		return DefaultBuffer
	}
	return n
}

// Publish fans the event out to the global, kind and symbol topics.
// Non-blocking; returns false when the event was discarded by the cap.
func (b *Bus) Publish(evt *types.TradeEvent) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	now := b.clock.Now()
	if now.Sub(b.winStart) >= time.Second {
		b.winStart = now
		b.winCount = 0
	}
	if b.winCount >= b.maxRate {
		b.discarded++
		b.mu.Unlock()
		if b.metrics != nil {
			b.metrics.BusDiscarded.Inc()
		}
		return false
	}
	b.winCount++
	b.published++

	subs := make([]chan *types.TradeEvent, 0, len(b.global)+4)
	subs = append(subs, b.global...)
	subs = append(subs, b.byKind[evt.Kind]...)
	subs = append(subs, b.bySymbol[evt.Market]...)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			// Drop the oldest pending item, then retry once.
			select {
			case <-ch:
				b.countDrop()
			default:
			}
			select {
			case ch <- evt:
			default:
				b.countDrop()
			}
		}
	}
	if b.metrics != nil {
		b.metrics.BusPublished.Inc()
	}
	return true
}

func (b *Bus) countDrop() {
	b.mu.Lock()
	b.dropped++
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.BusDropped.Inc()
	}
}

// Stats is the bus's diagnostics view.
type Stats struct {
	Published   uint64
	Dropped     uint64
	Discarded   uint64
	Subscribers int
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.global)
	for _, subs := range b.byKind {
		n += len(subs)
	}
	for _, subs := range b.bySymbol {
		n += len(subs)
	}
	return Stats{
		Published:   b.published,
		Dropped:     b.dropped,
		Discarded:   b.discarded,
		Subscribers: n,
	}
}

// Close closes every subscription channel. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.global {
		close(ch)
	}
	for _, subs := range b.byKind {
		for _, ch := range subs {
			close(ch)
		}
	}
	for _, subs := range b.bySymbol {
		for _, ch := range subs {
			close(ch)
		}
	}
}
