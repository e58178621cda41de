// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the feed core — stream kinds, the
// normalized TradeEvent record, market metadata, filter classes, and the
// per-symbol analytic snapshots. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// StreamKind classifies a normalized event by the stream that produced it.
// The set is closed: every consumer dispatches by exhaustive switch.
type StreamKind string

const (
	KindAggTrade   StreamKind = "aggTrade"
	KindTicker     StreamKind = "ticker"
	KindBookTicker StreamKind = "bookTicker"
	KindDepth5     StreamKind = "depth5"
)

// Kinds lists every stream kind in a stable order.
var Kinds = []StreamKind{KindAggTrade, KindTicker, KindBookTicker, KindDepth5}

// Valid reports whether k is one of the four supported kinds.
func (k StreamKind) Valid() bool {
	switch k {
	case KindAggTrade, KindTicker, KindBookTicker, KindDepth5:
		return true
	}
	return false
}

// ConnStatus is the WebSocket transport's externally visible state.
type ConnStatus string

const (
	StatusDisconnected ConnStatus = "disconnected"
	StatusConnecting   ConnStatus = "connecting"
	StatusConnected    ConnStatus = "connected"
	StatusReconnecting ConnStatus = "reconnecting"
	StatusBanned       ConnStatus = "banned"
	StatusPongTimeout  ConnStatus = "pong_timeout"
	StatusRateLimited  ConnStatus = "rate_limited"
	StatusServerError  ConnStatus = "server_error"
)

// ————————————————————————————————————————————————————————————————————————
// Normalized events
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level of the order book.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// TickerExtra carries the 24h statistics a Ticker event retains beyond the
// normalized fields: change percent, high and low.
type TickerExtra struct {
	ChangePercent decimal.Decimal // 24h price change, percent
	High          decimal.Decimal // 24h high; zero when the stream omitted it
	Low           decimal.Decimal // 24h low; zero when the stream omitted it
}

// BookExtra carries the raw top-of-book fields of a BookTicker event.
type BookExtra struct {
	BidPrice decimal.Decimal
	BidQty   decimal.Decimal
	AskPrice decimal.Decimal
	AskQty   decimal.Decimal
	UpdateID int64
}

// DepthExtra carries the full top-5 of both sides for a Depth5 event.
// Bids are sorted best-first (descending), asks best-first (ascending).
type DepthExtra struct {
	Bids     []PriceLevel
	Asks     []PriceLevel
	UpdateID int64
}

// TradeEvent is the unified normalized record every stream payload is decoded
// into. It is immutable once published: consumers must treat it as read-only.
//
// The semantic meaning of Price, Quantity and TotalValue depends on Kind:
//
//	AggTrade:   last trade price / trade quantity / price × quantity
//	Ticker:     24h close / 24h base volume / 24h quote volume
//	BookTicker: mid of best bid+ask / avg of top qtys / mid × avg qty
//	Depth5:     mid of top of book / avg of top qtys / mid × avg qty
//
// IsBuy is only meaningful for AggTrade (buyer-is-taker); every other kind
// defaults to true and must not be used for direction.
type TradeEvent struct {
	Market     string
	Kind       StreamKind
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	TotalValue decimal.Decimal
	IsBuy      bool
	Timestamp  int64 // event time in ms where the stream provides it, else ingestion time

	// EventID is unique within (Market, Kind); built from native stream IDs.
	EventID string

	// Exactly one of the following is set, matching Kind. AggTrade carries
	// no extra fields.
	Ticker *TickerExtra
	Book   *BookExtra
	Depth  *DepthExtra
}

// Valid reports whether the event satisfies the publication invariants:
// positive price, non-negative quantity, positive timestamp, non-empty ID.
func (e *TradeEvent) Valid() bool {
	return e.Market != "" &&
		e.Kind.Valid() &&
		e.Price.IsPositive() &&
		!e.Quantity.IsNegative() &&
		e.Timestamp > 0 &&
		e.EventID != ""
}

// DedupKey identifies the event within the global de-duplication set.
// EventID is only unique per (market, kind), so both are part of the key.
func (e *TradeEvent) DedupKey() string {
	return e.Market + "|" + string(e.Kind) + "|" + e.EventID
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// MarketInfo is the bootstrap view of one tradeable symbol. Discovery fills
// Symbol, QuoteAsset, LastPrice and QuoteVolume from the 24h ticker
// endpoint; Status, BaseAsset and the precisions are not filled from
// exchangeInfo and stay zero.
type MarketInfo struct {
	Symbol            string
	Status            string
	BaseAsset         string
	QuoteAsset        string
	PricePrecision    int
	QuantityPrecision int

	LastPrice   decimal.Decimal
	QuoteVolume decimal.Decimal // 24h quote volume, the discovery ranking key
}

// ————————————————————————————————————————————————————————————————————————
// Filter classes
// ————————————————————————————————————————————————————————————————————————

// FilterClass is one of the fixed monetary thresholds (in quote units) used
// to categorize AggTrades by notional size.
type FilterClass int64

const (
	Filter30K  FilterClass = 30_000
	Filter50K  FilterClass = 50_000
	Filter100K FilterClass = 100_000
	Filter300K FilterClass = 300_000
	Filter500K FilterClass = 500_000
	Filter1M   FilterClass = 1_000_000
	Filter5M   FilterClass = 5_000_000
	Filter10M  FilterClass = 10_000_000
)

// FilterClasses lists every class in ascending threshold order.
var FilterClasses = []FilterClass{
	Filter30K, Filter50K, Filter100K, Filter300K,
	Filter500K, Filter1M, Filter5M, Filter10M,
}

// Threshold returns the class boundary as a decimal quote amount.
func (f FilterClass) Threshold() decimal.Decimal {
	return decimal.NewFromInt(int64(f))
}

// Valid reports whether f is one of the enumerated classes.
func (f FilterClass) Valid() bool {
	for _, c := range FilterClasses {
		if c == f {
			return true
		}
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Analytic snapshots
// ————————————————————————————————————————————————————————————————————————
// One snapshot per symbol per category, overwritten on every update.
// Consumers receive copies and must treat them as read-only.

// MomentumDirection classifies the short-horizon taker-flow balance.
type MomentumDirection string

const (
	Bullish MomentumDirection = "bullish"
	Bearish MomentumDirection = "bearish"
	Neutral MomentumDirection = "neutral"
)

// Momentum summarizes the buy/sell balance of the most recent aggTrades.
type Momentum struct {
	Symbol     string
	Score      float64 // [-100, 100]
	Direction  MomentumDirection
	Confidence float64 // [0, 100]
	UpdatedAt  time.Time
}

// TrendClass buckets the 24h change percent.
type TrendClass string

const (
	StrongUp   TrendClass = "strong_up"
	Up         TrendClass = "up"
	Sideways   TrendClass = "sideways"
	Down       TrendClass = "down"
	StrongDown TrendClass = "strong_down"
)

// Trend summarizes the 24h ticker view of one symbol.
type Trend struct {
	Symbol        string
	ChangePercent float64
	Class         TrendClass
	VolatilityPct float64 // (high - low) / close · 100
	High          float64
	Low           float64
	UpdatedAt     time.Time
}

// DepthClass buckets the relative spread.
type DepthClass string

const (
	DepthDeep    DepthClass = "deep"
	DepthNormal  DepthClass = "normal"
	DepthShallow DepthClass = "shallow"
)

// PressureClass classifies where recent trades print relative to the mid.
type PressureClass string

const (
	BuyHeavy  PressureClass = "buy_heavy"
	SellHeavy PressureClass = "sell_heavy"
	Balanced  PressureClass = "balanced"
)

// Liquidity summarizes the best bid/ask view of one symbol.
type Liquidity struct {
	Symbol    string
	Spread    float64
	Depth     DepthClass
	Pressure  PressureClass
	BestBid   float64
	BestAsk   float64
	UpdatedAt time.Time
}

// FlowChange classifies how the order-flow imbalance is moving.
type FlowChange string

const (
	FlowIncreasing FlowChange = "increasing"
	FlowDecreasing FlowChange = "decreasing"
	FlowStable     FlowChange = "stable"
)

// Flow summarizes top-5 order book pressure for one symbol.
type Flow struct {
	Symbol          string
	BuyPressurePct  float64
	SellPressurePct float64
	ImbalancePct    float64 // buy % − 50
	Change          FlowChange
	Top5BidQty      float64
	Top5AskQty      float64
	UpdatedAt       time.Time
}

// QuantAnalysis is the combined per-symbol view emitted by the periodic
// analysis tick. Categories that have never been populated are nil.
type QuantAnalysis struct {
	Symbol    string
	Momentum  *Momentum
	Trend     *Trend
	Liquidity *Liquidity
	Flow      *Flow
	UpdatedAt time.Time
}

// PredictionDirection is the short-horizon directional call.
type PredictionDirection string

const (
	PredictUp       PredictionDirection = "up"
	PredictDown     PredictionDirection = "down"
	PredictSideways PredictionDirection = "sideways"
)

// Prediction is the output of the timer-driven predictor: a directional
// score combining momentum and trend, with a mapped probability and a
// score-scaled target price.
type Prediction struct {
	Symbol      string
	Score       float64 // [-100, 100]
	Direction   PredictionDirection
	Probability float64 // [45, 85]
	LastPrice   float64
	TargetPrice float64
	UpdatedAt   time.Time
}
