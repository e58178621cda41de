// flow.go derives order-flow pressure from top-5 depth snapshots.
package analytics

import (
	"time"

	"futuresfeed/pkg/types"
)

// flowChangeEpsilon is the imbalance delta (in percentage points) below
// which the flow is considered stable.
const flowChangeEpsilon = 2.0

type flowState struct {
	last          types.Flow
	hasLast       bool
	prevImbalance float64
}

// update recomputes the flow view from one depth event.
func (f *flowState) update(evt *types.TradeEvent, now time.Time) types.Flow {
	var bidQty, askQty float64
	for _, lvl := range evt.Depth.Bids {
		bidQty += lvl.Quantity.InexactFloat64()
	}
	for _, lvl := range evt.Depth.Asks {
		askQty += lvl.Quantity.InexactFloat64()
	}

	total := bidQty + askQty
	buyPct := 50.0
	if total > 0 {
		buyPct = 100 * bidQty / total
	}
	sellPct := 100 - buyPct
	imbalance := buyPct - 50

	change := types.FlowStable
	if f.hasLast {
		switch delta := imbalance - f.prevImbalance; {
		case delta > flowChangeEpsilon:
			change = types.FlowIncreasing
		case delta < -flowChangeEpsilon:
			change = types.FlowDecreasing
		}
	}

	flow := types.Flow{
		Symbol:          evt.Market,
		BuyPressurePct:  buyPct,
		SellPressurePct: sellPct,
		ImbalancePct:    imbalance,
		Change:          change,
		Top5BidQty:      bidQty,
		Top5AskQty:      askQty,
		UpdatedAt:       now,
	}
	f.prevImbalance = imbalance
	f.last = flow
	f.hasLast = true
	return flow
}
