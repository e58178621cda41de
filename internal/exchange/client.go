// Package exchange implements the futures REST and WebSocket clients.
//
// The REST client (Client) issues the bootstrap calls the core needs:
//   - ExchangeInfo:    GET /fapi/v1/exchangeInfo — rate-limit rules + symbol metadata
//   - Ticker24h:       GET /fapi/v1/ticker/24hr  — 24h stats for market discovery
//
// Every request is paced by the sliding-window Limiter, guarded by a circuit
// breaker, mapped to the typed error set, and cached by (path, query) with a
// per-call TTL. POST and DELETE helpers exist for completeness but the core
// issues only public GETs.
package exchange

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"futuresfeed/internal/clock"
	"futuresfeed/internal/config"
	"futuresfeed/pkg/types"
)

// Endpoint paths and their documented weights.
const (
	pathExchangeInfo = "/fapi/v1/exchangeInfo"
	pathTicker24h    = "/fapi/v1/ticker/24hr"

	weightExchangeInfo = 1
	weightTicker24h    = 40

	ttlExchangeInfo = time.Hour
	ttlTicker24h    = 5 * time.Minute

	cacheCapacity = 100
)

// Client is the rate-limited REST client.
type Client struct {
	http    *resty.Client
	limiter *Limiter
	signer  *Signer
	breaker *gobreaker.CircuitBreaker
	cache   *responseCache
	clock   clock.Clock
	logger  *slog.Logger

	recvWindow int64
}

// NewClient creates a REST client bound to the configured endpoint base.
func NewClient(cfg config.ExchangeConfig, limiter *Limiter, clk clock.Clock, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")

	settings := gobreaker.Settings{
		Name:     "rest",
		Interval: 60 * time.Second,
		Timeout:  60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 3 {
				return true
			}
			if counts.Requests < 20 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
		},
	}

	return &Client{
		http:       httpClient,
		limiter:    limiter,
		signer:     NewSigner(cfg.APIKey, cfg.APISecret, clk),
		breaker:    gobreaker.NewCircuitBreaker(settings),
		cache:      newResponseCache(cacheCapacity, clk),
		clock:      clk,
		logger:     logger.With("component", "rest"),
		recvWindow: cfg.RecvWindow,
	}
}

// Limiter exposes the shared throttle for telemetry.
func (c *Client) Limiter() *Limiter { return c.limiter }

// Get performs a public GET. Successful bodies are cached by (path, query)
// for cacheTTL; a zero TTL disables caching for the call.
func (c *Client) Get(ctx context.Context, path string, query url.Values, cacheTTL time.Duration, weight int, out any) error {
	key := path + "?" + query.Encode()
	if cacheTTL > 0 {
		if body, ok := c.cache.get(key); ok {
			return json.Unmarshal(body, out)
		}
	}

	body, err := c.dispatch(ctx, http.MethodGet, path, query, weight, false)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if cacheTTL > 0 {
		c.cache.put(key, body, cacheTTL)
	}
	return nil
}

// Post performs a signed POST. Kept for completeness; the core never calls it.
func (c *Client) Post(ctx context.Context, path string, query url.Values, weight int, out any) error {
	body, err := c.dispatch(ctx, http.MethodPost, path, query, weight, true)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

// Delete performs a signed DELETE. Kept for completeness; the core never calls it.
func (c *Client) Delete(ctx context.Context, path string, query url.Values, weight int, out any) error {
	body, err := c.dispatch(ctx, http.MethodDelete, path, query, weight, true)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

// dispatch throttles, sends, harvests usage headers and maps errors.
func (c *Client) dispatch(ctx context.Context, method, path string, query url.Values, weight int, signed bool) ([]byte, error) {
	isOrder := method != http.MethodGet
	if err := c.limiter.Throttle(ctx, weight, isOrder); err != nil {
		return nil, err
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.send(ctx, method, path, query, signed)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open for %s", ErrConnection, path)
		}
		return nil, err
	}
	return result.([]byte), nil
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, signed bool) ([]byte, error) {
	req := c.http.R().SetContext(ctx)

	if signed {
		if !c.signer.Enabled() {
			return nil, fmt.Errorf("%s %s requires api credentials", method, path)
		}
		req.SetHeader("X-MBX-APIKEY", c.signer.APIKey())
		req.SetQueryString(c.signer.Sign(query, c.recvWindow))
	} else if len(query) > 0 {
		req.SetQueryString(query.Encode())
	}

	var resp *resty.Response
	var err error
	switch method {
	case http.MethodGet:
		resp, err = req.Get(path)
	case http.MethodPost:
		resp, err = req.Post(path)
	case http.MethodDelete:
		resp, err = req.Delete(path)
	default:
		return nil, fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		return nil, mapTransportError(path, err)
	}

	c.limiter.ObserveHeaders(resp.Header())

	if err := mapStatus(resp.StatusCode(), resp.Body()); err != nil {
		return nil, err
	}
	return resp.Body(), nil
}

// mapTransportError classifies dial/read failures into the typed set.
func mapTransportError(path string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return fmt.Errorf("%w: %s", ErrTimeout, path)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %s", ErrTimeout, path)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrConnection, path, err)
}

// mapStatus converts non-2xx responses into the typed error set. 418, 403,
// 429 and 503 map to their sentinels whatever the body; for any other
// status a JSON object body with a nonzero code wins over the raw status.
func mapStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	switch status {
	case http.StatusTeapot: // 418: auto-ban after repeated 429s
		return ErrIPBanned
	case http.StatusForbidden:
		return ErrWAFRejected
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusServiceUnavailable:
		return ErrServiceUnavailable
	}
	var apiErr APIError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
		return &apiErr
	}
	return &HTTPError{Status: status, Body: strings.TrimSpace(string(body))}
}

// ————————————————————————————————————————————————————————————————————————
// Bootstrap calls
// ————————————————————————————————————————————————————————————————————————

// ExchangeInfo fetches rate-limit rules and symbol metadata. Cached 1h.
func (c *Client) ExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	var info ExchangeInfo
	if err := c.Get(ctx, pathExchangeInfo, nil, ttlExchangeInfo, weightExchangeInfo, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Ticker24h fetches the full 24h statistics table. Cached 5 min.
func (c *Client) Ticker24h(ctx context.Context) ([]Ticker24hRow, error) {
	var rows []Ticker24hRow
	if err := c.Get(ctx, pathTicker24h, nil, ttlTicker24h, weightTicker24h, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// DiscoverMarkets ranks USDT-quoted symbols by 24h quote volume and returns
// the top max as MarketInfo, best first.
func (c *Client) DiscoverMarkets(ctx context.Context, max int) ([]types.MarketInfo, error) {
	rows, err := c.Ticker24h(ctx)
	if err != nil {
		return nil, err
	}

	markets := make([]types.MarketInfo, 0, len(rows))
	for _, row := range rows {
		if !strings.HasSuffix(row.Symbol, "USDT") {
			continue
		}
		markets = append(markets, types.MarketInfo{
			Symbol:      row.Symbol,
			QuoteAsset:  "USDT",
			LastPrice:   decOrZero(row.LastPrice),
			QuoteVolume: decOrZero(row.QuoteVolume),
		})
	}

	sort.SliceStable(markets, func(i, j int) bool {
		return markets[i].QuoteVolume.GreaterThan(markets[j].QuoteVolume)
	})

	if max > 0 && len(markets) > max {
		markets = markets[:max]
	}
	c.logger.Info("market discovery complete", "total", len(rows), "selected", len(markets))
	return markets, nil
}

// ————————————————————————————————————————————————————————————————————————
// Response cache
// ————————————————————————————————————————————————————————————————————————

type cacheEntry struct {
	key     string
	body    []byte
	expires time.Time
}

// responseCache is a TTL-aware LRU bounded to cacheCapacity entries.
type responseCache struct {
	mu    sync.Mutex
	cap   int
	ll    *list.List
	items map[string]*list.Element
	clock clock.Clock
}

func newResponseCache(capacity int, clk clock.Clock) *responseCache {
	return &responseCache{
		cap:   capacity,
		ll:    list.New(),
		items: make(map[string]*list.Element),
		clock: clk,
	}
}

func (c *responseCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if c.clock.Now().After(entry.expires) {
		c.ll.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.ll.MoveToFront(el)
	return entry.body, true
}

func (c *responseCache) put(key string, body []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.body = body
		entry.expires = c.clock.Now().Add(ttl)
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&cacheEntry{key: key, body: body, expires: c.clock.Now().Add(ttl)})
	c.items[key] = el
	for c.ll.Len() > c.cap {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

// Len reports the number of cached responses, for diagnostics.
func (c *responseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// CacheSize reports the REST cache occupancy.
func (c *Client) CacheSize() int { return c.cache.Len() }
