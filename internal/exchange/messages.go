// messages.go declares the wire shapes of the futures streams and the REST
// endpoints the core consumes.
//
// Combined streams wrap every payload in {"stream": name, "data": {...}};
// raw streams send the payload bare with an "e" event-type field. All price
// and quantity fields arrive as strings and must be parsed to decimals.
package exchange

import "encoding/json"

// WSRequest is a control-plane frame: SUBSCRIBE / UNSUBSCRIBE.
// ID must be unique per connection.
type WSRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// WSAck is the server's answer to a control frame: {"result": null, "id": n}.
type WSAck struct {
	Result json.RawMessage `json:"result"`
	ID     int64           `json:"id"`
}

// WSError is a server-reported error frame. Code 0 means "not an error
// frame" since the field is absent from data payloads.
type WSError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// StreamEnvelope wraps combined-stream payloads.
type StreamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// AggTradeEvent is an aggregated taker trade.
// Stream: <symbol>@aggTrade
type AggTradeEvent struct {
	EventType    string `json:"e"` // "aggTrade"
	EventTime    int64  `json:"E"` // event time (ms)
	Symbol       string `json:"s"`
	AggTradeID   int64  `json:"a"` // aggregate trade ID
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	TradeTime    int64  `json:"T"` // trade time (ms)
	IsBuyerMaker bool   `json:"m"` // buyer is the maker ⇒ taker sold
}

// TickerEvent is the 24h rolling statistics update.
// Stream: <symbol>@ticker
type TickerEvent struct {
	EventType          string `json:"e"` // "24hrTicker"
	EventTime          int64  `json:"E"`
	Symbol             string `json:"s"`
	PriceChange        string `json:"p"`
	PriceChangePercent string `json:"P"`
	LastPrice          string `json:"c"`
	LastQuantity       string `json:"Q"`
	OpenPrice          string `json:"o"`
	HighPrice          string `json:"h"`
	LowPrice           string `json:"l"`
	Volume             string `json:"v"` // base asset volume, 24h
	QuoteVolume        string `json:"q"` // quote asset volume, 24h
	OpenTime           int64  `json:"O"`
	CloseTime          int64  `json:"C"`
	TradeCount         int64  `json:"n"`
}

// BookTickerEvent is a best bid/ask update.
// Stream: <symbol>@bookTicker
type BookTickerEvent struct {
	EventType string `json:"e"` // "bookTicker" on futures; absent on spot
	UpdateID  int64  `json:"u"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	BidPrice  string `json:"b"`
	BidQty    string `json:"B"`
	AskPrice  string `json:"a"`
	AskQty    string `json:"A"`
}

// DepthEvent is a partial or diff order book update. The futures @depth5
// stream sends it with "e":"depthUpdate" and the top five levels of each
// side in b/a; the spot partial stream sends bids/asks with lastUpdateId
// and no symbol. Both shapes decode into this struct.
type DepthEvent struct {
	EventType     string     `json:"e"` // "depthUpdate" when present
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"` // [[price, qty], ...] best first
	Asks          [][]string `json:"a"`

	// Spot partial-depth shape
	LastUpdateID int64      `json:"lastUpdateId"`
	BidsAlt      [][]string `json:"bids"`
	AsksAlt      [][]string `json:"asks"`
}

// ————————————————————————————————————————————————————————————————————————
// REST payloads
// ————————————————————————————————————————————————————————————————————————

// RateLimitRule is one entry of exchangeInfo's rateLimits array.
type RateLimitRule struct {
	RateLimitType string `json:"rateLimitType"` // REQUEST_WEIGHT | ORDERS | RAW_REQUESTS
	Interval      string `json:"interval"`      // SECOND | MINUTE | HOUR | DAY
	IntervalNum   int    `json:"intervalNum"`
	Limit         int    `json:"limit"`
}

// SymbolInfo is the per-symbol metadata slice of exchangeInfo.
type SymbolInfo struct {
	Symbol            string `json:"symbol"`
	Status            string `json:"status"`
	BaseAsset         string `json:"baseAsset"`
	QuoteAsset        string `json:"quoteAsset"`
	PricePrecision    int    `json:"pricePrecision"`
	QuantityPrecision int    `json:"quantityPrecision"`
}

// ExchangeInfo is the GET /fapi/v1/exchangeInfo response.
type ExchangeInfo struct {
	Timezone   string          `json:"timezone"`
	ServerTime int64           `json:"serverTime"`
	RateLimits []RateLimitRule `json:"rateLimits"`
	Symbols    []SymbolInfo    `json:"symbols"`
}

// Ticker24hRow is one row of the GET /fapi/v1/ticker/24hr response.
type Ticker24hRow struct {
	Symbol             string `json:"symbol"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	LastPrice          string `json:"lastPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
	CloseTime          int64  `json:"closeTime"`
}
