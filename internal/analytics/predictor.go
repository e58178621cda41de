// predictor.go combines momentum and trend into a short-horizon directional
// call.
//
// The score blends the momentum score (60%) with a trend-class score (40%),
// maps to a direction at ±30, and converts the magnitude into a bounded
// probability. The target price scales the last observed close by
// score/1000.
package analytics

import (
	"time"

	"futuresfeed/pkg/types"
)

const (
	momentumWeight = 0.6
	trendWeight    = 0.4

	// predictMinHistory gates the predictor: a symbol needs this many
	// price samples before any call is made.
	predictMinHistory = 10

	directionCut = 30.0
)

// predict builds the Prediction for one symbol. momentumScore is zero when
// momentum has never been populated; trendClass defaults to Sideways.
func predict(symbol string, momentumScore float64, trendClass types.TrendClass, lastPrice float64, now time.Time) types.Prediction {
	score := clamp(momentumWeight*momentumScore+trendWeight*trendScore(trendClass), -100, 100)

	direction := types.PredictSideways
	switch {
	case score > directionCut:
		direction = types.PredictUp
	case score < -directionCut:
		direction = types.PredictDown
	}

	var probability float64
	if direction == types.PredictSideways {
		probability = clamp(50+abs(score)*0.3, 45, 85)
	} else {
		probability = clamp(65+(abs(score)-directionCut)*0.5, 45, 85)
	}

	return types.Prediction{
		Symbol:      symbol,
		Score:       score,
		Direction:   direction,
		Probability: probability,
		LastPrice:   lastPrice,
		TargetPrice: lastPrice * (1 + score/1000),
		UpdatedAt:   now,
	}
}
