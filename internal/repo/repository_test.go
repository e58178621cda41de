package repo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futuresfeed/internal/aggregate"
	"futuresfeed/internal/clock"
	"futuresfeed/internal/config"
	"futuresfeed/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sinkStub struct {
	mu     sync.Mutex
	events []*types.TradeEvent
}

func (s *sinkStub) Handle(evt *types.TradeEvent) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
}

func (s *sinkStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type ensurerStub struct {
	mu    sync.Mutex
	calls [][]string
}

func (e *ensurerStub) EnsureStream(markets []string) error {
	e.mu.Lock()
	e.calls = append(e.calls, markets)
	e.mu.Unlock()
	return nil
}

func (e *ensurerStub) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func newTestRepo(cfg config.RepositoryConfig) (*Repository, *aggregate.Aggregator, *sinkStub) {
	clk := clock.NewFixed(time.UnixMilli(1_700_000_000_000))
	agg := aggregate.New(aggregate.Config{
		MergeWindow:   500 * time.Millisecond,
		FlushInterval: 100 * time.Millisecond,
	}, clk, nil, discardLogger())
	sink := &sinkStub{}
	return New(cfg, agg, sink, clk, nil, discardLogger()), agg, sink
}

func trade(market, id string, totalValue float64, ts int64) *types.TradeEvent {
	total := decimal.NewFromFloat(totalValue)
	qty := decimal.NewFromInt(1)
	return &types.TradeEvent{
		Market:     market,
		Kind:       types.KindAggTrade,
		Price:      total,
		Quantity:   qty,
		TotalValue: total,
		IsBuy:      true,
		Timestamp:  ts,
		EventID:    id,
	}
}

func TestRepository_RejectsInvalidEvents(t *testing.T) {
	r, agg, sink := newTestRepo(config.RepositoryConfig{Threshold: 100_000})

	bad := trade("BTCUSDT", "x", 0, 1000) // zero price
	r.Process(bad)
	noID := trade("BTCUSDT", "", 50_000, 1000)
	r.Process(noID)
	noTS := trade("BTCUSDT", "y", 50_000, 0)
	r.Process(noTS)

	stats := r.Stats()
	if stats.Invalid != 3 || stats.Processed != 0 {
		t.Errorf("stats = %+v, want 3 invalid, 0 processed", stats)
	}
	if agg.Stats().Processed != 0 {
		t.Error("invalid event reached the aggregator")
	}
	if sink.count() != 0 {
		t.Error("invalid event reached analytics")
	}
}

func TestRepository_DeduplicatesByEventID(t *testing.T) {
	r, agg, sink := newTestRepo(config.RepositoryConfig{Threshold: 100_000})

	evt := trade("BTCUSDT", "a1", 150_000, 1000)
	r.Process(evt)
	r.Process(trade("BTCUSDT", "a1", 150_000, 1000))

	stats := r.Stats()
	if stats.Processed != 2 {
		t.Errorf("processed = %d, want 2 (both arrivals counted)", stats.Processed)
	}
	if stats.Deduped != 1 {
		t.Errorf("deduped = %d, want 1", stats.Deduped)
	}
	if got := len(r.FilterSnapshot(types.Filter100K)); got != 1 {
		t.Errorf("filter cache entries = %d, want 1", got)
	}
	if agg.Stats().Processed != 1 {
		t.Errorf("aggregator processed = %d, want 1", agg.Stats().Processed)
	}
	if sink.count() != 1 {
		t.Errorf("analytics handled = %d, want 1", sink.count())
	}
}

func TestRepository_SameIDDifferentKindIsNotADuplicate(t *testing.T) {
	r, _, _ := newTestRepo(config.RepositoryConfig{})

	a := trade("BTCUSDT", "42", 1000, 1000)
	b := trade("BTCUSDT", "42", 1000, 1000)
	b.Kind = types.KindBookTicker
	b.Book = &types.BookExtra{}

	r.Process(a)
	r.Process(b)
	if got := r.Stats().Deduped; got != 0 {
		t.Errorf("deduped = %d; event IDs are only unique per (market, kind)", got)
	}
}

func TestRepository_FilterCut(t *testing.T) {
	r, _, _ := newTestRepo(config.RepositoryConfig{Threshold: 100_000})

	totals := []float64{50_000, 99_999.99, 100_000, 150_000}
	for i, total := range totals {
		r.Process(trade("BTCUSDT", fmt.Sprintf("a%d", i), total, int64(1000+i)))
	}

	cache := r.FilterSnapshot(types.Filter100K)
	if len(cache) != 2 {
		t.Fatalf("100k cache size = %d, want exactly the two clearing events", len(cache))
	}
	// Newest first: 150k then the boundary-inclusive 100k.
	if cache[0].TotalValue.InexactFloat64() != 150_000 {
		t.Errorf("cache[0] = %v, want newest", cache[0].TotalValue)
	}
	if cache[1].TotalValue.InexactFloat64() != 100_000 {
		t.Errorf("cache[1] = %v; a total equal to the threshold belongs in the class", cache[1].TotalValue)
	}

	// The smaller classes keep their own supersets.
	if got := len(r.FilterSnapshot(types.Filter30K)); got != 4 {
		t.Errorf("30k cache size = %d, want 4", got)
	}
	if got := len(r.FilterSnapshot(types.Filter50K)); got != 4 {
		t.Errorf("50k cache size = %d, want 4", got)
	}
	if got := len(r.FilterSnapshot(types.Filter1M)); got != 0 {
		t.Errorf("1m cache size = %d, want 0", got)
	}
}

func TestRepository_NonTradesNeverEnterFilters(t *testing.T) {
	r, _, _ := newTestRepo(config.RepositoryConfig{})

	evt := trade("BTCUSDT", "t1", 5_000_000, 1000)
	evt.Kind = types.KindTicker
	evt.Ticker = &types.TickerExtra{}
	r.Process(evt)

	for _, class := range types.FilterClasses {
		if got := len(r.FilterSnapshot(class)); got != 0 {
			t.Errorf("class %d holds %d events from a ticker", class, got)
		}
	}
}

func TestRepository_FilterCacheTruncates(t *testing.T) {
	r, _, _ := newTestRepo(config.RepositoryConfig{MaxPerFilter: 3})

	for i := 0; i < 5; i++ {
		r.Process(trade("BTCUSDT", fmt.Sprintf("a%d", i), 200_000, int64(1000+i)))
	}
	cache := r.FilterSnapshot(types.Filter100K)
	if len(cache) != 3 {
		t.Fatalf("cache size = %d, want truncation to 3", len(cache))
	}
	if cache[0].EventID != "a4" || cache[2].EventID != "a2" {
		t.Errorf("cache order = %s..%s, want newest-first window", cache[0].EventID, cache[2].EventID)
	}
}

func TestRepository_SeenIDEviction(t *testing.T) {
	r, _, _ := newTestRepo(config.RepositoryConfig{MaxSeenIDs: 10})

	for i := 0; i < 11; i++ {
		r.Process(trade("BTCUSDT", fmt.Sprintf("a%d", i), 1000, int64(1000+i)))
	}
	// Crossing the bound drops the oldest 30% in one shot.
	if got := r.Stats().SeenIDs; got != 8 {
		t.Errorf("seen set size = %d, want 8 after evicting 3", got)
	}

	// The evicted oldest ID may now be seen again.
	r.Process(trade("BTCUSDT", "a0", 1000, 2000))
	if got := r.Stats().Deduped; got != 0 {
		t.Errorf("deduped = %d; evicted IDs must be forgotten", got)
	}
}

func TestRepository_WatchFilteredTradesPublishesSnapshots(t *testing.T) {
	r, _, _ := newTestRepo(config.RepositoryConfig{
		Threshold:     30_000,
		BatchInterval: 10 * time.Millisecond,
	})
	ensurer := &ensurerStub{}
	r.SetStreamEnsurer(ensurer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	watch, err := r.WatchFilteredTrades(types.Filter100K, []string{"BTCUSDT"})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if ensurer.callCount() != 1 {
		t.Fatalf("ensurer calls = %d, want 1", ensurer.callCount())
	}

	r.Process(trade("BTCUSDT", "a1", 150_000, 1000))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snapshot := <-watch:
			if len(snapshot) == 1 && snapshot[0].EventID == "a1" {
				return
			}
		case <-deadline:
			t.Fatal("no snapshot containing the trade")
		}
	}
}

func TestRepository_WatchReusesRunningStream(t *testing.T) {
	r, _, _ := newTestRepo(config.RepositoryConfig{})
	ensurer := &ensurerStub{}
	r.SetStreamEnsurer(ensurer)

	if _, err := r.WatchFilteredTrades(types.Filter100K, []string{"BTCUSDT", "ETHUSDT"}); err != nil {
		t.Fatalf("watch: %v", err)
	}
	// Same set in different order: the stream must not be recreated.
	if _, err := r.WatchFilteredTrades(types.Filter300K, []string{"ETHUSDT", "BTCUSDT"}); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if ensurer.callCount() != 1 {
		t.Errorf("ensurer calls = %d, want 1 for an unchanged set", ensurer.callCount())
	}
	if r.ActiveThreshold() != types.Filter300K {
		t.Errorf("active threshold = %d, want updated", r.ActiveThreshold())
	}

	if _, err := r.WatchFilteredTrades(types.Filter300K, []string{"SOLUSDT"}); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if ensurer.callCount() != 2 {
		t.Errorf("ensurer calls = %d, want recreation for a different set", ensurer.callCount())
	}
}

func TestRepository_UpdateThresholdRejectsUnknownClass(t *testing.T) {
	r, _, _ := newTestRepo(config.RepositoryConfig{})
	if err := r.UpdateThreshold(types.FilterClass(123)); err == nil {
		t.Error("arbitrary threshold accepted")
	}
	if err := r.UpdateThreshold(types.Filter5M); err != nil {
		t.Errorf("valid threshold rejected: %v", err)
	}
}
