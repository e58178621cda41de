// momentum.go derives taker-flow momentum from aggregated trades.
//
// A ring of the 20 most recent trades per symbol is kept; the score is the
// buy/sell count difference scaled to [-100, 100]. Confidence mirrors the
// score magnitude.
package analytics

import (
	"time"

	"futuresfeed/pkg/types"
)

const momentumRingSize = 20

type momentumState struct {
	buys  [momentumRingSize]bool
	idx   int
	count int
}

func (m *momentumState) add(isBuy bool) {
	m.buys[m.idx] = isBuy
	m.idx = (m.idx + 1) % momentumRingSize
	if m.count < momentumRingSize {
		m.count++
	}
}

// snapshot computes the momentum view from the current ring contents.
func (m *momentumState) snapshot(symbol string, now time.Time) types.Momentum {
	b := 0
	for i := 0; i < m.count; i++ {
		if m.buys[i] {
			b++
		}
	}
	s := m.count - b

	score := 5 * float64(b-s)
	score = clamp(score, -100, 100)

	direction := types.Neutral
	switch {
	case score > 20:
		direction = types.Bullish
	case score < -20:
		direction = types.Bearish
	}

	return types.Momentum{
		Symbol:     symbol,
		Score:      score,
		Direction:  direction,
		Confidence: clamp(abs(score), 0, 100),
		UpdatedAt:  now,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
