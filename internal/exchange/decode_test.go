package exchange

import (
	"testing"
	"time"

	"futuresfeed/internal/clock"
	"futuresfeed/pkg/types"
)

func newTestDecoder() (*Decoder, *clock.Fixed) {
	clk := clock.NewFixed(time.UnixMilli(1_700_000_000_000))
	return NewDecoder(clk), clk
}

func TestDecode_ControlAckProducesNoEvent(t *testing.T) {
	d, _ := newTestDecoder()
	evt, err := d.Decode([]byte(`{"result":null,"id":1690000000123}`))
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if evt != nil {
		t.Errorf("ack produced event %+v", evt)
	}
}

func TestDecode_CombinedAggTrade(t *testing.T) {
	d, _ := newTestDecoder()
	frame := []byte(`{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","E":1700000001000,"s":"BTCUSDT","a":5933014,"p":"25100.50","q":"0.4","f":100,"l":105,"T":1700000000900,"m":true}}`)

	evt, err := d.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt == nil {
		t.Fatal("no event")
	}
	if evt.Kind != types.KindAggTrade {
		t.Errorf("kind = %s", evt.Kind)
	}
	if evt.Market != "BTCUSDT" {
		t.Errorf("market = %s", evt.Market)
	}
	if got := evt.Price.String(); got != "25100.5" {
		t.Errorf("price = %s", got)
	}
	if got := evt.TotalValue.String(); got != "10040.2" {
		t.Errorf("total = %s, want price×qty", got)
	}
	if evt.IsBuy {
		t.Error("buyer-is-maker must decode as a sell-side taker")
	}
	if evt.Timestamp != 1700000000900 {
		t.Errorf("timestamp = %d, want trade time", evt.Timestamp)
	}
	if evt.EventID != "5933014" {
		t.Errorf("event id = %s", evt.EventID)
	}
}

func TestDecode_CombinedTicker(t *testing.T) {
	d, _ := newTestDecoder()
	frame := []byte(`{"stream":"ethusdt@ticker","data":{"e":"24hrTicker","E":1700000002000,"s":"ETHUSDT","P":"2.35","c":"1650.00","h":"1700.00","l":"1600.00","v":"120000","q":"198000000"}}`)

	evt, err := d.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Kind != types.KindTicker {
		t.Fatalf("kind = %s", evt.Kind)
	}
	if got := evt.TotalValue.String(); got != "198000000" {
		t.Errorf("total = %s, want 24h quote volume", got)
	}
	if evt.EventID != "ticker_ETHUSDT_1700000002000" {
		t.Errorf("event id = %s", evt.EventID)
	}
	if evt.Ticker == nil {
		t.Fatal("ticker extra missing")
	}
	if got := evt.Ticker.ChangePercent.String(); got != "2.35" {
		t.Errorf("change pct = %s", got)
	}
}

func TestDecode_TickerMissingHighLow(t *testing.T) {
	d, _ := newTestDecoder()
	frame := []byte(`{"stream":"ethusdt@ticker","data":{"e":"24hrTicker","E":1700000002000,"s":"ETHUSDT","c":"1650.00","v":"1","q":"1650"}}`)

	evt, err := d.Decode(frame)
	if err != nil {
		t.Fatalf("ticker without h/l must not fail: %v", err)
	}
	if !evt.Ticker.High.IsZero() || !evt.Ticker.Low.IsZero() {
		t.Errorf("missing h/l should decode as zero, got %s/%s", evt.Ticker.High, evt.Ticker.Low)
	}
}

func TestDecode_CombinedBookTicker(t *testing.T) {
	d, clk := newTestDecoder()
	frame := []byte(`{"stream":"btcusdt@bookTicker","data":{"u":400900217,"s":"BTCUSDT","b":"25100.00","B":"2.0","a":"25102.00","A":"4.0"}}`)

	evt, err := d.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Kind != types.KindBookTicker {
		t.Fatalf("kind = %s", evt.Kind)
	}
	if got := evt.Price.String(); got != "25101" {
		t.Errorf("mid = %s", got)
	}
	if got := evt.Quantity.String(); got != "3" {
		t.Errorf("avg qty = %s", got)
	}
	if got := evt.TotalValue.String(); got != "75303" {
		t.Errorf("total = %s, want mid×avg", got)
	}
	if evt.Timestamp != clk.Now().UnixMilli() {
		t.Errorf("timestamp = %d, want ingestion time", evt.Timestamp)
	}
	if evt.EventID != "book_BTCUSDT_400900217" {
		t.Errorf("event id = %s", evt.EventID)
	}
}

func TestDecode_CombinedDepth5(t *testing.T) {
	d, _ := newTestDecoder()
	frame := []byte(`{"stream":"btcusdt@depth5","data":{"e":"depthUpdate","E":1700000003000,"s":"BTCUSDT","U":1,"u":42,"b":[["25100.00","1.0"],["25099.00","2.0"]],"a":[["25102.00","3.0"],["25103.00","1.5"]]}}`)

	evt, err := d.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Kind != types.KindDepth5 {
		t.Fatalf("kind = %s", evt.Kind)
	}
	if got := evt.Price.String(); got != "25101" {
		t.Errorf("mid = %s", got)
	}
	if got := evt.Quantity.String(); got != "2" {
		t.Errorf("avg top qty = %s", got)
	}
	if evt.EventID != "depth_BTCUSDT_42" {
		t.Errorf("event id = %s", evt.EventID)
	}
	if len(evt.Depth.Bids) != 2 || len(evt.Depth.Asks) != 2 {
		t.Errorf("depth extra lost levels: %d/%d", len(evt.Depth.Bids), len(evt.Depth.Asks))
	}
}

func TestDecode_SpotPartialDepthShape(t *testing.T) {
	d, _ := newTestDecoder()
	// Partial-depth payloads carry no symbol; it comes from the stream name.
	frame := []byte(`{"stream":"solusdt@depth5","data":{"lastUpdateId":777,"bids":[["20.00","5.0"]],"asks":[["20.10","5.0"]]}}`)

	evt, err := d.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Market != "SOLUSDT" {
		t.Errorf("market = %s, want symbol from stream name", evt.Market)
	}
	if evt.EventID != "depth_SOLUSDT_777" {
		t.Errorf("event id = %s", evt.EventID)
	}
}

func TestDecode_DepthRejectsEmptySides(t *testing.T) {
	d, _ := newTestDecoder()
	cases := []string{
		`{"stream":"btcusdt@depth5","data":{"e":"depthUpdate","u":1,"s":"BTCUSDT","b":[],"a":[]}}`,
		`{"stream":"btcusdt@depth5","data":{"e":"depthUpdate","u":1,"s":"BTCUSDT","b":[["1","1"]],"a":[]}}`,
	}
	for _, frame := range cases {
		if _, err := d.Decode([]byte(frame)); err == nil {
			t.Errorf("empty depth side accepted: %s", frame)
		}
	}

	// One level on each side is the minimum accepted book.
	ok := `{"stream":"btcusdt@depth5","data":{"e":"depthUpdate","u":2,"s":"BTCUSDT","b":[["25100","1"]],"a":[["25102","1"]]}}`
	evt, err := d.Decode([]byte(ok))
	if err != nil || evt == nil {
		t.Errorf("single-level depth rejected: %v", err)
	}
}

func TestDecode_RawPayloadByEventType(t *testing.T) {
	d, _ := newTestDecoder()
	frame := []byte(`{"e":"aggTrade","E":1700000001000,"s":"BNBUSDT","a":99,"p":"300.0","q":"2","T":1700000000900,"m":false}`)

	evt, err := d.Decode(frame)
	if err != nil {
		t.Fatalf("decode raw: %v", err)
	}
	if evt.Market != "BNBUSDT" || !evt.IsBuy {
		t.Errorf("raw aggTrade mis-decoded: %+v", evt)
	}
}

func TestDecode_ShapeHeuristics(t *testing.T) {
	d, _ := newTestDecoder()

	// {a,p,q} without an event type → aggTrade.
	evt, err := d.Decode([]byte(`{"s":"XRPUSDT","a":17,"p":"0.5","q":"1000","T":1700000000900,"m":false}`))
	if err != nil || evt == nil || evt.Kind != types.KindAggTrade {
		t.Errorf("aggTrade shape not recognized: %v %+v", err, evt)
	}

	// {b,B,a,A} → bookTicker.
	evt, err = d.Decode([]byte(`{"u":5,"s":"XRPUSDT","b":"0.50","B":"100","a":"0.51","A":"100"}`))
	if err != nil || evt == nil || evt.Kind != types.KindBookTicker {
		t.Errorf("bookTicker shape not recognized: %v %+v", err, evt)
	}

	// Short {b,a} arrays → depth5.
	evt, err = d.Decode([]byte(`{"s":"XRPUSDT","u":6,"b":[["0.50","1"]],"a":[["0.51","1"]]}`))
	if err != nil || evt == nil || evt.Kind != types.KindDepth5 {
		t.Errorf("depth shape not recognized: %v %+v", err, evt)
	}

	// Mark price and kline payloads are reserved: silently dropped.
	for _, frame := range []string{
		`{"s":"XRPUSDT","markPrice":"0.5","r":"0.0001"}`,
		`{"s":"XRPUSDT","k":{"o":"1","c":"2"}}`,
	} {
		evt, err = d.Decode([]byte(frame))
		if err != nil || evt != nil {
			t.Errorf("reserved payload not dropped: %v %+v", err, evt)
		}
	}
}

func TestDecode_MalformedPayloadFailsWithoutEvent(t *testing.T) {
	d, _ := newTestDecoder()
	if _, err := d.Decode([]byte(`{"stream":"btcusdt@aggTrade","data":{"p":"not-a-number","q":"1","a":1}}`)); err == nil {
		t.Error("malformed price must fail")
	}
	if evt, err := d.Decode([]byte(`{"hello":"world"}`)); err != nil || evt != nil {
		t.Errorf("unknown payload must be dropped silently, got %v %+v", err, evt)
	}
}

func TestStreamName_RoundTrip(t *testing.T) {
	names := []string{
		"btcusdt@aggTrade", "ethusdt@ticker",
		"solusdt@bookTicker", "xrpusdt@depth5",
	}
	for _, name := range names {
		symbol, kind, ok := ParseStreamName(name)
		if !ok {
			t.Fatalf("parse %q failed", name)
		}
		if got := StreamName(symbol, kind); got != name {
			t.Errorf("round trip %q → %q", name, got)
		}
	}

	for _, bad := range []string{"btcusdt", "@ticker", "btcusdt@klines", ""} {
		if _, _, ok := ParseStreamName(bad); ok {
			t.Errorf("parse %q unexpectedly succeeded", bad)
		}
	}
}

func TestTiering_Streams(t *testing.T) {
	symbols := []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT"}

	tiering := Tiering{TopN: 2, MidTier: 1}
	streams := tiering.Streams(symbols)

	// Top-2 get aggTrade+bookTicker+depth5; top-2 plus one mid get ticker.
	if len(streams) != 2*3+3 {
		t.Fatalf("stream count = %d, want 9", len(streams))
	}
	want := map[string]bool{
		"btcusdt@aggTrade": true, "btcusdt@bookTicker": true, "btcusdt@depth5": true,
		"ethusdt@aggTrade": true, "ethusdt@bookTicker": true, "ethusdt@depth5": true,
		"btcusdt@ticker": true, "ethusdt@ticker": true, "bnbusdt@ticker": true,
	}
	for _, s := range streams {
		if !want[s] {
			t.Errorf("unexpected stream %q", s)
		}
		delete(want, s)
	}
	if len(want) != 0 {
		t.Errorf("missing streams: %v", want)
	}
}

func TestTiering_HandlesShortSymbolList(t *testing.T) {
	tiering := Tiering{TopN: 20, MidTier: 50}
	streams := tiering.Streams([]string{"BTCUSDT"})
	if len(streams) != 4 {
		t.Errorf("stream count = %d, want 4 for a single symbol", len(streams))
	}
}
