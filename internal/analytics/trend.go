// trend.go classifies the 24h ticker view and feeds the predictor's price
// history.
package analytics

import (
	"time"

	"futuresfeed/pkg/types"
)

// priceHistoryLen bounds the per-symbol close history kept for the predictor.
const priceHistoryLen = 100

// trendFromTicker builds the Trend snapshot from a normalized ticker event.
// A missing high or low yields zero volatility rather than an error.
func trendFromTicker(evt *types.TradeEvent, now time.Time) types.Trend {
	change := evt.Ticker.ChangePercent.InexactFloat64()
	high := evt.Ticker.High.InexactFloat64()
	low := evt.Ticker.Low.InexactFloat64()
	last := evt.Price.InexactFloat64()

	volatility := 0.0
	if last > 0 && high > 0 && low > 0 {
		volatility = (high - low) / last * 100
	}

	class := types.Sideways
	switch {
	case change > 2:
		class = types.StrongUp
	case change > 0.5:
		class = types.Up
	case change < -2:
		class = types.StrongDown
	case change < -0.5:
		class = types.Down
	}

	return types.Trend{
		Symbol:        evt.Market,
		ChangePercent: change,
		Class:         class,
		VolatilityPct: volatility,
		High:          high,
		Low:           low,
		UpdatedAt:     now,
	}
}

// trendScore maps the class to the predictor's trend component.
func trendScore(class types.TrendClass) float64 {
	switch class {
	case types.StrongUp:
		return 40
	case types.Up:
		return 20
	case types.Down:
		return -20
	case types.StrongDown:
		return -40
	}
	return 0
}
