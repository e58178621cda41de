// liquidity.go classifies spread depth and trade-print pressure from the
// best bid/ask stream.
package analytics

import (
	"time"

	"futuresfeed/pkg/types"
)

// Depth bands relative to the mid price.
const (
	deepSpreadFraction    = 0.001 // spread below 0.1% of price
	shallowSpreadFraction = 0.005 // spread above 0.5% of price
)

// pressurePosition is the (trade − mid)/spread cut for Buy/SellHeavy.
const pressurePosition = 0.3

// liquidityFromBook builds the Liquidity snapshot. lastTrade is the most
// recent aggTrade price for the symbol, zero when none was seen yet; the
// pressure classification stays Balanced until trades print.
func liquidityFromBook(evt *types.TradeEvent, lastTrade float64, now time.Time) types.Liquidity {
	bid := evt.Book.BidPrice.InexactFloat64()
	ask := evt.Book.AskPrice.InexactFloat64()
	mid := evt.Price.InexactFloat64()
	spread := ask - bid

	depth := types.DepthNormal
	if mid > 0 {
		switch {
		case spread < deepSpreadFraction*mid:
			depth = types.DepthDeep
		case spread > shallowSpreadFraction*mid:
			depth = types.DepthShallow
		}
	}

	pressure := types.Balanced
	if spread > 0 && lastTrade > 0 {
		pos := (lastTrade - mid) / spread
		switch {
		case pos > pressurePosition:
			pressure = types.BuyHeavy
		case pos < -pressurePosition:
			pressure = types.SellHeavy
		}
	}

	return types.Liquidity{
		Symbol:    evt.Market,
		Spread:    spread,
		Depth:     depth,
		Pressure:  pressure,
		BestBid:   bid,
		BestAsk:   ask,
		UpdatedAt: now,
	}
}
