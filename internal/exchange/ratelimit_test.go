package exchange

import (
	"context"
	"net/http"
	"testing"
	"time"

	"futuresfeed/internal/clock"
)

func TestLimiter_DefaultRulesAllowUnderLimit(t *testing.T) {
	l := NewLimiter(clock.System())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 10; i++ {
		if err := l.Throttle(ctx, 40, false); err != nil {
			t.Fatalf("throttle under limit returned %v", err)
		}
	}

	u := l.Snapshot()
	if got := u.Windows["REQUEST_WEIGHT/1m"]; got != 400 {
		t.Errorf("consumed weight = %d, want 400", got)
	}
}

func TestLimiter_BlocksUntilWindowFrees(t *testing.T) {
	l := NewLimiter(clock.System())
	l.LoadRules([]RateLimitRule{
		{RateLimitType: "REQUEST_WEIGHT", Interval: "SECOND", IntervalNum: 1, Limit: 3},
	})

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Throttle(ctx, 1, false); err != nil {
			t.Fatalf("throttle: %v", err)
		}
	}
	// Fourth call exceeds 3/s and must wait for the window to free.
	if err := l.Throttle(ctx, 1, false); err != nil {
		t.Fatalf("throttle: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("fourth call returned after %s, want ≥ ~1s", elapsed)
	}
}

func TestLimiter_ThrottleCancellable(t *testing.T) {
	l := NewLimiter(clock.System())
	l.LoadRules([]RateLimitRule{
		{RateLimitType: "REQUEST_WEIGHT", Interval: "MINUTE", IntervalNum: 1, Limit: 1},
	})

	if err := l.Throttle(context.Background(), 1, false); err != nil {
		t.Fatalf("throttle: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Throttle(ctx, 1, false) }()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("throttle returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("throttle did not return after cancellation")
	}
}

func TestLimiter_OrderRulesOnlyApplyToOrders(t *testing.T) {
	l := NewLimiter(clock.System())
	l.LoadRules([]RateLimitRule{
		{RateLimitType: "REQUEST_WEIGHT", Interval: "MINUTE", IntervalNum: 1, Limit: 1000},
		{RateLimitType: "ORDERS", Interval: "SECOND", IntervalNum: 10, Limit: 2},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Plain requests are not constrained by the ORDERS rule.
	for i := 0; i < 5; i++ {
		if err := l.Throttle(ctx, 1, false); err != nil {
			t.Fatalf("non-order throttle: %v", err)
		}
	}

	u := l.Snapshot()
	if got := u.Windows["ORDERS/10s"]; got != 0 {
		t.Errorf("orders window = %d after non-order calls, want 0", got)
	}
}

func TestLimiter_LoadRulesSkipsUnknown(t *testing.T) {
	l := NewLimiter(clock.System())
	l.LoadRules([]RateLimitRule{
		{RateLimitType: "BOGUS", Interval: "MINUTE", IntervalNum: 1, Limit: 5},
		{RateLimitType: "REQUEST_WEIGHT", Interval: "EON", IntervalNum: 1, Limit: 5},
	})

	// Nothing valid loaded: defaults must remain in force.
	u := l.Snapshot()
	if _, ok := u.Windows["REQUEST_WEIGHT/1m"]; !ok {
		t.Error("default REQUEST_WEIGHT rule missing after bogus load")
	}
}

func TestLimiter_ObserveHeaders(t *testing.T) {
	l := NewLimiter(clock.System())

	h := http.Header{}
	h.Set("X-Mbx-Used-Weight-1m", "123")
	h.Set("x-mbx-order-count-1m", "7")
	h.Set("X-MBX-USED-WEIGHT-1H", "999")
	h.Set("Content-Type", "application/json")
	l.ObserveHeaders(h)

	u := l.Snapshot()
	if got := u.UsedWeight["1M"]; got != 123 {
		t.Errorf("used weight 1m = %d, want 123", got)
	}
	if got := u.UsedWeight["1H"]; got != 999 {
		t.Errorf("used weight 1h = %d, want 999", got)
	}
	if got := u.OrderCounts["1M"]; got != 7 {
		t.Errorf("order count 1m = %d, want 7", got)
	}
}
