// Package repo owns the de-duplication set and the threshold filter caches,
// and is the single feed point into the aggregator and the analytics engine.
//
// Every event from the bus is validated, de-duplicated, classified into the
// monetary filter caches (AggTrades only — tickers and book views are
// reference inputs, never "large trades"), and handed to the downstream
// consumers. Snapshots of the active filter class are published to watchers
// on a coalescing timer so a burst of inserts costs one publication.
package repo

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"futuresfeed/internal/aggregate"
	"futuresfeed/internal/clock"
	"futuresfeed/internal/config"
	"futuresfeed/internal/metrics"
	"futuresfeed/pkg/types"
)

const watcherBuffer = 8

// evictFraction is the share of the seen-ID set dropped in one eviction.
const evictFraction = 0.30

// StreamEnsurer is implemented by the orchestrator: it guarantees the master
// stream is running for the given symbol set, (re)creating it when the set
// differs from the current one.
type StreamEnsurer interface {
	EnsureStream(markets []string) error
}

// EventSink receives every accepted event; implemented by the analytics engine.
type EventSink interface {
	Handle(evt *types.TradeEvent)
}

// Repository validates, de-duplicates and fans out normalized events.
type Repository struct {
	cfg       config.RepositoryConfig
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	agg       *aggregate.Aggregator
	analytics EventSink

	mu        sync.Mutex
	ensurer   StreamEnsurer
	seen      map[string]struct{}
	seenOrder []string
	filters   map[types.FilterClass][]*types.TradeEvent
	active    types.FilterClass
	markets   []string
	watchers  []chan []*types.TradeEvent
	dirty     bool

	processed uint64
	deduped   uint64
	invalid   uint64

	publishNow chan struct{}
}

// New creates a Repository feeding agg and analytics. mets may be nil.
func New(cfg config.RepositoryConfig, agg *aggregate.Aggregator, analytics EventSink, clk clock.Clock, mets *metrics.Metrics, logger *slog.Logger) *Repository {
	if cfg.MaxSeenIDs <= 0 {
		cfg.MaxSeenIDs = 5000
	}
	if cfg.MaxPerFilter <= 0 {
		cfg.MaxPerFilter = 100
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 100 * time.Millisecond
	}
	active := types.FilterClass(cfg.Threshold)
	if !active.Valid() {
		active = types.Filter100K
	}
	filters := make(map[types.FilterClass][]*types.TradeEvent, len(types.FilterClasses))
	for _, c := range types.FilterClasses {
		filters[c] = nil
	}
	return &Repository{
		cfg:        cfg,
		clock:      clk,
		logger:     logger.With("component", "repository"),
		metrics:    mets,
		agg:        agg,
		analytics:  analytics,
		seen:       make(map[string]struct{}, cfg.MaxSeenIDs),
		filters:    filters,
		active:     active,
		publishNow: make(chan struct{}, 1),
	}
}

// SetStreamEnsurer wires the orchestrator in after construction; no
// component reads siblings during its own construction.
func (r *Repository) SetStreamEnsurer(e StreamEnsurer) {
	r.mu.Lock()
	r.ensurer = e
	r.mu.Unlock()
}

// Process runs one event through validate → de-dup → filter → fan-out.
func (r *Repository) Process(evt *types.TradeEvent) {
	if !evt.Valid() {
		r.mu.Lock()
		r.invalid++
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.EventsInvalid.Inc()
		}
		r.logger.Debug("invalid event dropped", "market", evt.Market, "kind", evt.Kind)
		return
	}

	r.mu.Lock()
	r.processed++

	key := evt.DedupKey()
	if _, dup := r.seen[key]; dup {
		r.deduped++
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.EventsDeduped.Inc()
		}
		return
	}
	r.seen[key] = struct{}{}
	r.seenOrder = append(r.seenOrder, key)
	if len(r.seenOrder) > r.cfg.MaxSeenIDs {
		r.evictSeenLocked()
	}

	if evt.Kind == types.KindAggTrade {
		r.classifyLocked(evt)
	}
	r.mu.Unlock()

	r.agg.Process(evt)
	if r.analytics != nil {
		r.analytics.Handle(evt)
	}
}

// evictSeenLocked drops the oldest 30% of the set in one shot.
func (r *Repository) evictSeenLocked() {
	n := int(float64(r.cfg.MaxSeenIDs) * evictFraction)
	if n < 1 {
		n = 1
	}
	if n > len(r.seenOrder) {
		n = len(r.seenOrder)
	}
	for _, key := range r.seenOrder[:n] {
		delete(r.seen, key)
	}
	r.seenOrder = append(r.seenOrder[:0], r.seenOrder[n:]...)
	if r.metrics != nil {
		r.metrics.SeenIDs.Set(float64(len(r.seen)))
	}
}

// classifyLocked inserts the trade into every class it clears, newest first.
func (r *Repository) classifyLocked(evt *types.TradeEvent) {
	for _, class := range types.FilterClasses {
		if evt.TotalValue.LessThan(class.Threshold()) {
			continue
		}
		list := r.filters[class]
		list = append([]*types.TradeEvent{evt}, list...)
		if len(list) > r.cfg.MaxPerFilter {
			list = list[:r.cfg.MaxPerFilter]
		}
		r.filters[class] = list
		if class == r.active {
			r.dirty = true
		}
		if r.metrics != nil {
			r.metrics.FilterInserts.WithLabelValues(strconv.FormatInt(int64(class), 10)).Inc()
		}
	}
}

// WatchFilteredTrades ensures the master stream is running for markets,
// makes threshold the active class, and returns a stream of list snapshots.
func (r *Repository) WatchFilteredTrades(threshold types.FilterClass, markets []string) (<-chan []*types.TradeEvent, error) {
	if !threshold.Valid() {
		return nil, fmt.Errorf("unknown filter class %d", threshold)
	}

	r.mu.Lock()
	ensurer := r.ensurer
	needStream := ensurer != nil && !sameSet(r.markets, markets)
	if needStream {
		r.markets = append([]string(nil), markets...)
	}
	r.active = threshold
	r.dirty = true
	ch := make(chan []*types.TradeEvent, watcherBuffer)
	r.watchers = append(r.watchers, ch)
	r.mu.Unlock()

	if needStream {
		if err := ensurer.EnsureStream(markets); err != nil {
			return nil, err
		}
	}
	r.schedulePublish()
	return ch, nil
}

// WatchAggregatedTrades returns the merged output stream.
func (r *Repository) WatchAggregatedTrades() <-chan *types.TradeEvent {
	return r.agg.Out()
}

// UpdateThreshold switches the active class and publishes immediately.
func (r *Repository) UpdateThreshold(threshold types.FilterClass) error {
	if !threshold.Valid() {
		return fmt.Errorf("unknown filter class %d", threshold)
	}
	r.mu.Lock()
	r.active = threshold
	r.dirty = true
	r.mu.Unlock()
	r.schedulePublish()
	return nil
}

func (r *Repository) schedulePublish() {
	select {
	case r.publishNow <- struct{}{}:
	default:
	}
}

// Run drives the coalescing batch publication until ctx is cancelled.
func (r *Repository) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.publish(true)
			return
		case <-ticker.C:
			r.publish(false)
		case <-r.publishNow:
			r.publish(true)
		}
	}
}

// publish snapshots the active class and delivers it to every watcher.
// When force is false, nothing happens unless the cache changed.
func (r *Repository) publish(force bool) {
	r.mu.Lock()
	if !r.dirty && !force {
		r.mu.Unlock()
		return
	}
	snapshot := append([]*types.TradeEvent(nil), r.filters[r.active]...)
	watchers := append([]chan []*types.TradeEvent(nil), r.watchers...)
	r.dirty = false
	r.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- snapshot:
		default:
			// Watcher lags: replace its oldest pending snapshot.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

// FilterSnapshot returns a copy of one class's cache, newest first.
func (r *Repository) FilterSnapshot(class types.FilterClass) []*types.TradeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.TradeEvent(nil), r.filters[class]...)
}

// ActiveThreshold returns the currently published class.
func (r *Repository) ActiveThreshold() types.FilterClass {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Trim re-asserts the bounded-collection invariants. Called by the janitor.
func (r *Repository) Trim() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seenOrder) > r.cfg.MaxSeenIDs {
		r.evictSeenLocked()
	}
	for class, list := range r.filters {
		if len(list) > r.cfg.MaxPerFilter {
			r.filters[class] = list[:r.cfg.MaxPerFilter]
		}
	}
	if r.metrics != nil {
		r.metrics.SeenIDs.Set(float64(len(r.seen)))
	}
}

// Stats is the repository's diagnostics view.
type Stats struct {
	Processed   uint64
	Deduped     uint64
	Invalid     uint64
	SeenIDs     int
	ActiveClass types.FilterClass
	FilterSizes map[types.FilterClass]int
}

// Stats returns current counters and cache sizes.
func (r *Repository) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	sizes := make(map[types.FilterClass]int, len(r.filters))
	for class, list := range r.filters {
		sizes[class] = len(list)
	}
	return Stats{
		Processed:   r.processed,
		Deduped:     r.deduped,
		Invalid:     r.invalid,
		SeenIDs:     len(r.seen),
		ActiveClass: r.active,
		FilterSizes: sizes,
	}
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	have := make(map[string]bool, len(a))
	for _, s := range a {
		have[s] = true
	}
	for _, s := range b {
		if !have[s] {
			return false
		}
	}
	return true
}
