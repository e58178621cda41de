// decode.go normalizes stream frames into types.TradeEvent.
//
// Classification runs in a fixed order: control acks, then the combined
// envelope (classified by stream-name suffix), then raw payloads with an
// "e" event-type field, then a shape heuristic. Anything else is dropped.
// A parse failure never terminates the connection: the caller logs it and
// moves on.
package exchange

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"futuresfeed/internal/clock"
	"futuresfeed/pkg/types"
)

var two = decimal.NewFromInt(2)

// Decoder turns raw frame bodies into normalized events. The clock stamps
// kinds whose stream carries no event time.
type Decoder struct {
	clock clock.Clock
}

// NewDecoder creates a Decoder with the given time source.
func NewDecoder(clk clock.Clock) *Decoder {
	return &Decoder{clock: clk}
}

// frameProbe is unmarshalled once per frame to classify it cheaply.
// Result is a RawMessage, not a pointer, so that an explicit JSON null
// (the usual subscribe ack) still registers as present.
type frameProbe struct {
	Result    json.RawMessage `json:"result"`
	ID        *int64          `json:"id"`
	Stream    string          `json:"stream"`
	Data      json.RawMessage `json:"data"`
	Event     string          `json:"e"`
	EventTime json.RawMessage `json:"E"`
}

// Decode classifies and normalizes one frame body. It returns (nil, nil)
// for frames that legitimately carry no event (control acks, reserved or
// unknown payloads) and an error for frames that are not valid JSON and for
// malformed payloads of a recognized kind.
func (d *Decoder) Decode(data []byte) (*types.TradeEvent, error) {
	var probe frameProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("frame: %w", err)
	}

	// Control ack: {"result": ..., "id": ...}
	if probe.ID != nil && len(probe.Result) > 0 {
		return nil, nil
	}

	// Combined envelope: classify by stream-name suffix.
	if probe.Stream != "" && len(probe.Data) > 0 {
		symbol, kind, ok := ParseStreamName(probe.Stream)
		if !ok {
			return nil, nil
		}
		return d.decodeKind(kind, symbol, probe.Data)
	}

	// Raw payload with an event-type field.
	if probe.Event != "" {
		switch probe.Event {
		case "aggTrade":
			return d.decodeKind(types.KindAggTrade, "", data)
		case "24hrTicker":
			return d.decodeKind(types.KindTicker, "", data)
		case "bookTicker":
			return d.decodeKind(types.KindBookTicker, "", data)
		case "depthUpdate":
			// Treated as Depth5 only while both sides fit in five levels;
			// full diff depth is not consumed by the core.
			var de DepthEvent
			if err := json.Unmarshal(data, &de); err != nil {
				return nil, fmt.Errorf("depth: %w", err)
			}
			if len(de.Bids) > 5 || len(de.Asks) > 5 {
				return nil, nil
			}
			return d.normalizeDepth("", &de)
		default:
			return nil, nil
		}
	}

	return d.decodeByShape(data)
}

// decodeByShape is the last-resort classification for payloads without an
// envelope or event-type field.
func (d *Decoder) decodeByShape(data []byte) (*types.TradeEvent, error) {
	var shape struct {
		A         json.RawMessage `json:"a"`
		P         json.RawMessage `json:"p"`
		Q         json.RawMessage `json:"q"`
		B         json.RawMessage `json:"b"`
		BigB      json.RawMessage `json:"B"`
		BigA      json.RawMessage `json:"A"`
		K         json.RawMessage `json:"k"`
		R         json.RawMessage `json:"r"`
		MarkPrice json.RawMessage `json:"markPrice"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, fmt.Errorf("frame: %w", err)
	}

	isArray := func(raw json.RawMessage) bool {
		s := strings.TrimSpace(string(raw))
		return strings.HasPrefix(s, "[")
	}

	switch {
	case shape.A != nil && shape.P != nil && shape.Q != nil && !isArray(shape.A):
		return d.decodeKind(types.KindAggTrade, "", data)
	case shape.MarkPrice != nil || shape.R != nil:
		// Mark price stream: reserved, not emitted by the core.
		return nil, nil
	case shape.K != nil:
		// Kline stream: reserved, not emitted by the core.
		return nil, nil
	case shape.B != nil && shape.BigB != nil && shape.A != nil && shape.BigA != nil:
		return d.decodeKind(types.KindBookTicker, "", data)
	case shape.B != nil && shape.A != nil && isArray(shape.B) && isArray(shape.A):
		var de DepthEvent
		if err := json.Unmarshal(data, &de); err != nil {
			return nil, fmt.Errorf("depth: %w", err)
		}
		if len(de.Bids) > 5 || len(de.Asks) > 5 {
			return nil, nil
		}
		return d.normalizeDepth("", &de)
	}
	return nil, nil
}

func (d *Decoder) decodeKind(kind types.StreamKind, symbol string, data []byte) (*types.TradeEvent, error) {
	switch kind {
	case types.KindAggTrade:
		var at AggTradeEvent
		if err := json.Unmarshal(data, &at); err != nil {
			return nil, fmt.Errorf("aggTrade: %w", err)
		}
		return d.normalizeAggTrade(symbol, &at)
	case types.KindTicker:
		var tk TickerEvent
		if err := json.Unmarshal(data, &tk); err != nil {
			return nil, fmt.Errorf("ticker: %w", err)
		}
		return d.normalizeTicker(symbol, &tk)
	case types.KindBookTicker:
		var bt BookTickerEvent
		if err := json.Unmarshal(data, &bt); err != nil {
			return nil, fmt.Errorf("bookTicker: %w", err)
		}
		return d.normalizeBookTicker(symbol, &bt)
	case types.KindDepth5:
		var de DepthEvent
		if err := json.Unmarshal(data, &de); err != nil {
			return nil, fmt.Errorf("depth: %w", err)
		}
		return d.normalizeDepth(symbol, &de)
	}
	return nil, nil
}

func (d *Decoder) normalizeAggTrade(symbol string, at *AggTradeEvent) (*types.TradeEvent, error) {
	if at.Symbol != "" {
		symbol = at.Symbol
	}
	price, err := dec(at.Price)
	if err != nil {
		return nil, fmt.Errorf("aggTrade price: %w", err)
	}
	qty, err := dec(at.Quantity)
	if err != nil {
		return nil, fmt.Errorf("aggTrade quantity: %w", err)
	}
	ts := at.TradeTime
	if ts == 0 {
		ts = at.EventTime
	}
	return &types.TradeEvent{
		Market:     strings.ToUpper(symbol),
		Kind:       types.KindAggTrade,
		Price:      price,
		Quantity:   qty,
		TotalValue: price.Mul(qty),
		IsBuy:      !at.IsBuyerMaker,
		Timestamp:  ts,
		EventID:    strconv.FormatInt(at.AggTradeID, 10),
	}, nil
}

func (d *Decoder) normalizeTicker(symbol string, tk *TickerEvent) (*types.TradeEvent, error) {
	if tk.Symbol != "" {
		symbol = tk.Symbol
	}
	symbol = strings.ToUpper(symbol)

	last, err := dec(tk.LastPrice)
	if err != nil {
		return nil, fmt.Errorf("ticker last: %w", err)
	}
	baseVol, err := dec(tk.Volume)
	if err != nil {
		return nil, fmt.Errorf("ticker volume: %w", err)
	}
	quoteVol, err := dec(tk.QuoteVolume)
	if err != nil {
		return nil, fmt.Errorf("ticker quote volume: %w", err)
	}
	// Missing change/high/low degrade to zero rather than failing the frame.
	change := decOrZero(tk.PriceChangePercent)
	high := decOrZero(tk.HighPrice)
	low := decOrZero(tk.LowPrice)

	ts := tk.EventTime
	if ts == 0 {
		ts = d.clock.Now().UnixMilli()
	}
	return &types.TradeEvent{
		Market:     symbol,
		Kind:       types.KindTicker,
		Price:      last,
		Quantity:   baseVol,
		TotalValue: quoteVol,
		IsBuy:      true,
		Timestamp:  ts,
		EventID:    fmt.Sprintf("ticker_%s_%d", symbol, ts),
		Ticker:     &types.TickerExtra{ChangePercent: change, High: high, Low: low},
	}, nil
}

func (d *Decoder) normalizeBookTicker(symbol string, bt *BookTickerEvent) (*types.TradeEvent, error) {
	if bt.Symbol != "" {
		symbol = bt.Symbol
	}
	symbol = strings.ToUpper(symbol)

	bid, err := dec(bt.BidPrice)
	if err != nil {
		return nil, fmt.Errorf("bookTicker bid: %w", err)
	}
	ask, err := dec(bt.AskPrice)
	if err != nil {
		return nil, fmt.Errorf("bookTicker ask: %w", err)
	}
	bidQty, err := dec(bt.BidQty)
	if err != nil {
		return nil, fmt.Errorf("bookTicker bid qty: %w", err)
	}
	askQty, err := dec(bt.AskQty)
	if err != nil {
		return nil, fmt.Errorf("bookTicker ask qty: %w", err)
	}

	mid := bid.Add(ask).Div(two)
	avgQty := bidQty.Add(askQty).Div(two)
	return &types.TradeEvent{
		Market:     symbol,
		Kind:       types.KindBookTicker,
		Price:      mid,
		Quantity:   avgQty,
		TotalValue: mid.Mul(avgQty),
		IsBuy:      true,
		Timestamp:  d.clock.Now().UnixMilli(),
		EventID:    fmt.Sprintf("book_%s_%d", symbol, bt.UpdateID),
		Book: &types.BookExtra{
			BidPrice: bid, BidQty: bidQty,
			AskPrice: ask, AskQty: askQty,
			UpdateID: bt.UpdateID,
		},
	}, nil
}

func (d *Decoder) normalizeDepth(symbol string, de *DepthEvent) (*types.TradeEvent, error) {
	if de.Symbol != "" {
		symbol = de.Symbol
	}
	symbol = strings.ToUpper(symbol)

	rawBids := de.Bids
	if len(rawBids) == 0 {
		rawBids = de.BidsAlt
	}
	rawAsks := de.Asks
	if len(rawAsks) == 0 {
		rawAsks = de.AsksAlt
	}
	if len(rawBids) == 0 || len(rawAsks) == 0 {
		return nil, fmt.Errorf("depth: empty side")
	}

	bids, err := parseLevels(rawBids)
	if err != nil {
		return nil, fmt.Errorf("depth bids: %w", err)
	}
	asks, err := parseLevels(rawAsks)
	if err != nil {
		return nil, fmt.Errorf("depth asks: %w", err)
	}

	bestBid, bestAsk := bids[0], asks[0]
	mid := bestBid.Price.Add(bestAsk.Price).Div(two)
	avgQty := bestBid.Quantity.Add(bestAsk.Quantity).Div(two)

	ts := de.EventTime
	if ts == 0 {
		ts = d.clock.Now().UnixMilli()
	}
	updateID := de.FinalUpdateID
	if updateID == 0 {
		updateID = de.LastUpdateID
	}
	return &types.TradeEvent{
		Market:     symbol,
		Kind:       types.KindDepth5,
		Price:      mid,
		Quantity:   avgQty,
		TotalValue: mid.Mul(avgQty),
		IsBuy:      true,
		Timestamp:  ts,
		EventID:    fmt.Sprintf("depth_%s_%d", symbol, updateID),
		Depth:      &types.DepthExtra{Bids: bids, Asks: asks, UpdateID: updateID},
	}, nil
}

// parseLevels converts [[price, qty], ...] rows, keeping at most five.
func parseLevels(rows [][]string) ([]types.PriceLevel, error) {
	if len(rows) > 5 {
		rows = rows[:5]
	}
	out := make([]types.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("level needs price and quantity, got %d fields", len(row))
		}
		p, err := dec(row[0])
		if err != nil {
			return nil, err
		}
		q, err := dec(row[1])
		if err != nil {
			return nil, err
		}
		out = append(out, types.PriceLevel{Price: p, Quantity: q})
	}
	return out, nil
}

// dec parses a wire decimal string. Empty strings are an error here; use
// decOrZero for optional fields.
func dec(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("empty decimal")
	}
	return decimal.NewFromString(s)
}

func decOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
