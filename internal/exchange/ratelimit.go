// ratelimit.go implements the weight-accounted sliding-window throttle the
// REST client consults before every dispatch.
//
// Rules come from the exchange's own metadata (exchangeInfo.rateLimits);
// until they are loaded a conservative default set applies. Each rule keeps
// a FIFO of (timestamp, weight) entries; a call that would overflow a rule's
// window sleeps until the oldest entry ages out. Response headers report the
// exchange's own view of our usage and are harvested for telemetry.
package exchange

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"futuresfeed/internal/clock"
)

// LimitKind selects what a rule counts.
type LimitKind string

const (
	LimitRequestWeight LimitKind = "REQUEST_WEIGHT"
	LimitOrders        LimitKind = "ORDERS"
	LimitRawRequest    LimitKind = "RAW_REQUESTS"
)

// LimitInterval is the window unit of a rule.
type LimitInterval string

const (
	IntervalSecond LimitInterval = "SECOND"
	IntervalMinute LimitInterval = "MINUTE"
	IntervalHour   LimitInterval = "HOUR"
	IntervalDay    LimitInterval = "DAY"
)

// Duration returns the unit length; zero for unknown units.
func (i LimitInterval) Duration() time.Duration {
	switch i {
	case IntervalSecond:
		return time.Second
	case IntervalMinute:
		return time.Minute
	case IntervalHour:
		return time.Hour
	case IntervalDay:
		return 24 * time.Hour
	}
	return 0
}

// Rule is one parsed rate-limit rule.
type Rule struct {
	Kind        LimitKind
	Interval    LimitInterval
	IntervalNum int
	Limit       int
}

// Window returns the rule's full sliding-window length.
func (r Rule) Window() time.Duration {
	n := r.IntervalNum
	if n <= 0 {
		n = 1
	}
	return time.Duration(n) * r.Interval.Duration()
}

type limitEntry struct {
	at     time.Time
	weight int
}

type ruleState struct {
	rule    Rule
	entries []limitEntry
}

// trim drops entries older than the window.
func (rs *ruleState) trim(now time.Time) {
	cutoff := now.Add(-rs.rule.Window())
	i := 0
	for i < len(rs.entries) && !rs.entries[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		rs.entries = rs.entries[i:]
	}
}

func (rs *ruleState) used() int {
	total := 0
	for _, e := range rs.entries {
		total += e.weight
	}
	return total
}

// Limiter is the shared throttle. A single writer (the REST dispatch path)
// mutates it; telemetry readers get copies.
type Limiter struct {
	mu    sync.Mutex
	clock clock.Clock
	rules []*ruleState

	// Exchange-reported usage, harvested from response headers.
	usedWeight  map[string]int
	orderCounts map[string]int
}

// NewLimiter creates a limiter with the default rules. LoadRules replaces
// them once exchangeInfo has been fetched.
func NewLimiter(clk clock.Clock) *Limiter {
	l := &Limiter{
		clock:       clk,
		usedWeight:  make(map[string]int),
		orderCounts: make(map[string]int),
	}
	l.setRules(defaultRules())
	return l
}

// defaultRules matches the documented futures limits and applies until the
// exchange's own rules are loaded.
func defaultRules() []Rule {
	return []Rule{
		{Kind: LimitRequestWeight, Interval: IntervalMinute, IntervalNum: 1, Limit: 2400},
		{Kind: LimitOrders, Interval: IntervalSecond, IntervalNum: 10, Limit: 300},
		{Kind: LimitOrders, Interval: IntervalMinute, IntervalNum: 1, Limit: 1200},
	}
}

// LoadRules replaces the rule set from exchangeInfo metadata. Unknown kinds
// or intervals are skipped.
func (l *Limiter) LoadRules(wire []RateLimitRule) {
	var rules []Rule
	for _, w := range wire {
		r := Rule{
			Kind:        LimitKind(w.RateLimitType),
			Interval:    LimitInterval(w.Interval),
			IntervalNum: w.IntervalNum,
			Limit:       w.Limit,
		}
		switch r.Kind {
		case LimitRequestWeight, LimitOrders, LimitRawRequest:
		default:
			continue
		}
		if r.Interval.Duration() == 0 || r.Limit <= 0 {
			continue
		}
		rules = append(rules, r)
	}
	if len(rules) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setRulesLocked(rules)
}

func (l *Limiter) setRules(rules []Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setRulesLocked(rules)
}

func (l *Limiter) setRulesLocked(rules []Rule) {
	l.rules = l.rules[:0]
	for _, r := range rules {
		l.rules = append(l.rules, &ruleState{rule: r})
	}
}

// applies reports whether a rule constrains this call.
func applies(kind LimitKind, isOrder bool) bool {
	switch kind {
	case LimitRequestWeight, LimitRawRequest:
		return true
	case LimitOrders:
		return isOrder
	}
	return false
}

// Throttle blocks until the call fits every applicable rule, then records
// it. Weight is charged against RequestWeight rules; Orders and RawRequest
// rules count calls. Returns early with the context error on cancellation.
func (l *Limiter) Throttle(ctx context.Context, weight int, isOrder bool) error {
	if weight <= 0 {
		weight = 1
	}
	for {
		l.mu.Lock()
		now := l.clock.Now()
		var wait time.Duration
		for _, rs := range l.rules {
			if !applies(rs.rule.Kind, isOrder) {
				continue
			}
			rs.trim(now)
			cost := 1
			if rs.rule.Kind == LimitRequestWeight {
				cost = weight
			}
			if rs.used()+cost > rs.rule.Limit && len(rs.entries) > 0 {
				until := rs.entries[0].at.Add(rs.rule.Window()).Sub(now)
				if until > wait {
					wait = until
				}
			}
		}
		if wait <= 0 {
			for _, rs := range l.rules {
				if !applies(rs.rule.Kind, isOrder) {
					continue
				}
				cost := 1
				if rs.rule.Kind == LimitRequestWeight {
					cost = weight
				}
				rs.entries = append(rs.entries, limitEntry{at: now, weight: cost})
			}
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// ObserveHeaders harvests the exchange's reported usage counters from a
// response. Header names are matched case-insensitively.
func (l *Limiter) ObserveHeaders(h http.Header) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, vals := range h {
		if len(vals) == 0 {
			continue
		}
		upper := strings.ToUpper(name)
		switch {
		case strings.HasPrefix(upper, "X-MBX-USED-WEIGHT-"):
			if n, err := strconv.Atoi(vals[0]); err == nil {
				l.usedWeight[strings.TrimPrefix(upper, "X-MBX-USED-WEIGHT-")] = n
			}
		case strings.HasPrefix(upper, "X-MBX-ORDER-COUNT-"):
			if n, err := strconv.Atoi(vals[0]); err == nil {
				l.orderCounts[strings.TrimPrefix(upper, "X-MBX-ORDER-COUNT-")] = n
			}
		}
	}
}

// Usage is a read-only telemetry snapshot of the limiter's windows and the
// exchange-reported counters.
type Usage struct {
	Windows     map[string]int // "REQUEST_WEIGHT/1m" → consumed in window
	UsedWeight  map[string]int // reported X-MBX-USED-WEIGHT-*
	OrderCounts map[string]int // reported X-MBX-ORDER-COUNT-*
}

// Snapshot returns the current usage view.
func (l *Limiter) Snapshot() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	u := Usage{
		Windows:     make(map[string]int, len(l.rules)),
		UsedWeight:  make(map[string]int, len(l.usedWeight)),
		OrderCounts: make(map[string]int, len(l.orderCounts)),
	}
	for _, rs := range l.rules {
		rs.trim(now)
		key := string(rs.rule.Kind) + "/" + strconv.Itoa(rs.rule.IntervalNum) + strings.ToLower(string(rs.rule.Interval[:1]))
		u.Windows[key] = rs.used()
	}
	for k, v := range l.usedWeight {
		u.UsedWeight[k] = v
	}
	for k, v := range l.orderCounts {
		u.OrderCounts[k] = v
	}
	return u
}
