package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/arafuse/CryptoWatcher/internal/helper"
	"github.com/arafuse/CryptoWatcher/internal/models"
	"github.com/arafuse/CryptoWatcher/pkg/logger"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// BittrexClient talks to a Bittrex-style RESTv3 API with exponential backoff
// on transient failures. Last values are served from the websocket ticker
// cache when available.
type BittrexClient struct {
	baseURL    string
	http       *http.Client
	wsDialer   *websocket.Dialer
	apiKey     string
	apiSecret  string
	maxRetries int
	maxBackoff time.Duration

	mu         sync.RWMutex
	lastValues map[string]models.LastValues
}

type BittrexConfig struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	MaxRetries int
	MaxBackoff time.Duration
}

func NewBittrexClient(conf BittrexConfig) *BittrexClient {
	retries := conf.MaxRetries
	if retries <= 0 {
		retries = 10
	}
	backoff := conf.MaxBackoff
	if backoff <= 0 {
		backoff = 30 * time.Second
	}

	return &BittrexClient{
		baseURL:    strings.TrimRight(conf.BaseURL, "/"),
		http:       &http.Client{Timeout: 10 * time.Second},
		wsDialer:   &websocket.Dialer{},
		apiKey:     conf.APIKey,
		apiSecret:  conf.APISecret,
		maxRetries: retries,
		maxBackoff: backoff,
		lastValues: make(map[string]models.LastValues),
	}
}

// call performs a request with retries. Transient statuses (408, 429, 5xx),
// network errors and malformed payloads are retried alike.
func (c *BittrexClient) call(ctx context.Context, method, path string, body []byte, dest interface{}) error {
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if wait := helper.Backoff(attempt, c.maxBackoff); wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		rb, status, err := c.doRequest(ctx, method, path, body)
		if err != nil {
			lastErr = err
			logger.Warn("API %s %s attempt %d failed: %v", method, path, attempt, err)
			continue
		}

		if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status/100 == 5 {
			lastErr = fmt.Errorf("http %d: %s", status, string(rb))
			logger.Warn("API %s %s attempt %d got transient status %d.", method, path, attempt, status)
			continue
		}

		if status/100 != 2 {
			return fmt.Errorf("http %d: %s", status, string(rb))
		}

		if dest == nil {
			return nil
		}

		if err := sonic.Unmarshal(rb, dest); err != nil {
			lastErr = errors.Wrap(err, "malformed API response")
			logger.Warn("API %s %s attempt %d returned malformed payload: %v", method, path, attempt, err)
			continue
		}

		return nil
	}

	return errors.Wrapf(lastErr, "%s %s failed after %d attempts", method, path, c.maxRetries)
}

func (c *BittrexClient) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.signRequest(req, method, path, body)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	rb, _ := io.ReadAll(resp.Body)
	return rb, resp.StatusCode, nil
}

func (c *BittrexClient) signRequest(req *http.Request, method, path string, body []byte) {
	if c.apiKey == "" || c.apiSecret == "" {
		return
	}

	ts := fmt.Sprintf("%d", time.Now().UTC().UnixMilli())
	contentHash := sha512.Sum512(body)
	contentHashHex := hex.EncodeToString(contentHash[:])

	msg := ts + c.baseURL + path + strings.ToUpper(method) + contentHashHex
	h := hmac.New(sha512.New, []byte(c.apiSecret))
	h.Write([]byte(msg))

	req.Header.Set("Api-Key", c.apiKey)
	req.Header.Set("Api-Timestamp", ts)
	req.Header.Set("Api-Content-Hash", contentHashHex)
	req.Header.Set("Api-Signature", hex.EncodeToString(h.Sum(nil)))
}

type marketSummary struct {
	Symbol       string  `json:"symbol"`
	Status       string  `json:"status"`
	BaseCurrency string  `json:"baseCurrencySymbol"`
	MinTradeQty  float64 `json:"minTradeQty,string"`
	MinTradeSize float64 `json:"minTradeSize,string"`
	BaseVolume   float64 `json:"quoteVolume,string"`
	PrevDay      float64 `json:"prevDayClose,string"`
	Last         float64 `json:"lastTradeRate,string"`
}

func (c *BittrexClient) GetMarketSummaries(ctx context.Context) (map[string]*models.Summary, error) {
	var raw []marketSummary
	if err := c.call(ctx, http.MethodGet, "/markets/summaries", nil, &raw); err != nil {
		return nil, err
	}

	summaries := make(map[string]*models.Summary, len(raw))
	for _, s := range raw {
		pair := normalizePair(s.Symbol)
		summaries[pair] = &models.Summary{
			Pair:         pair,
			Active:       s.Status == "ONLINE",
			BaseCurrency: s.BaseCurrency,
			MinTradeQty:  s.MinTradeQty,
			MinTradeSize: s.MinTradeSize,
			BaseVolume:   s.BaseVolume,
			PrevDay:      s.PrevDay,
			Last:         s.Last,
		}
	}
	return summaries, nil
}

type candle struct {
	StartsAt   time.Time `json:"startsAt"`
	Open       float64   `json:"open,string"`
	High       float64   `json:"high,string"`
	Low        float64   `json:"low,string"`
	Close      float64   `json:"close,string"`
	Volume     float64   `json:"volume,string"`
	BaseVolume float64   `json:"quoteVolume,string"`
}

func (c *BittrexClient) GetTicks(ctx context.Context, pair string, length int) ([]models.RawTick, error) {
	path := fmt.Sprintf("/markets/%s/candles/MINUTE_1/recent", denormalizePair(pair))

	var raw []candle
	if err := c.call(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}

	ticks := candlesToTicks(raw)
	if length > 0 && len(ticks) > length {
		ticks = ticks[len(ticks)-length:]
	}
	return ticks, nil
}

func (c *BittrexClient) GetTickRange(ctx context.Context, pair string, start, end int64) ([]models.RawTick, error) {
	day := time.Unix(start, 0).UTC()
	path := fmt.Sprintf("/markets/%s/candles/MINUTE_1/historical/%d/%d/%d",
		denormalizePair(pair), day.Year(), day.Month(), day.Day())

	var raw []candle
	if err := c.call(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}

	ticks := candlesToTicks(raw)
	filtered := make([]models.RawTick, 0, len(ticks))
	for _, tick := range ticks {
		if tick.Time >= start && tick.Time < end {
			filtered = append(filtered, tick)
		}
	}
	return filtered, nil
}

func (c *BittrexClient) GetLastValues(ctx context.Context, pair string) (models.LastValues, error) {
	c.mu.RLock()
	cached, ok := c.lastValues[pair]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var ticker struct {
		LastTradeRate float64 `json:"lastTradeRate,string"`
	}
	if err := c.call(ctx, http.MethodGet, "/markets/"+denormalizePair(pair)+"/ticker", nil, &ticker); err != nil {
		return models.LastValues{}, err
	}

	var summary marketSummary
	if err := c.call(ctx, http.MethodGet, "/markets/"+denormalizePair(pair)+"/summary", nil, &summary); err != nil {
		return models.LastValues{}, err
	}

	values := models.LastValues{Value: ticker.LastTradeRate, Volume: summary.BaseVolume}
	c.setLastValues(pair, values)
	return values, nil
}

func (c *BittrexClient) setLastValues(pair string, values models.LastValues) {
	c.mu.Lock()
	c.lastValues[pair] = values
	c.mu.Unlock()
}

type orderResponse struct {
	ID           string  `json:"id"`
	MarketSymbol string  `json:"marketSymbol"`
	Direction    string  `json:"direction"`
	Quantity     float64 `json:"quantity,string"`
	FillQuantity float64 `json:"fillQuantity,string"`
	Limit        float64 `json:"limit,string"`
	Status       string  `json:"status"`
}

func (o orderResponse) toOrder() *models.Order {
	return &models.Order{
		ID:           o.ID,
		Pair:         normalizePair(o.MarketSymbol),
		Side:         strings.ToLower(o.Direction),
		Quantity:     o.Quantity,
		QuantityLeft: o.Quantity - o.FillQuantity,
		Price:        o.Limit,
		Open:         o.Status == "OPEN",
	}
}

func (c *BittrexClient) placeOrder(ctx context.Context, pair, direction string, quantity, price float64) (string, error) {
	if c.apiKey == "" || c.apiSecret == "" {
		return "", errors.New("api creds empty")
	}

	body, err := sonic.Marshal(map[string]interface{}{
		"marketSymbol": denormalizePair(pair),
		"direction":    direction,
		"type":         "LIMIT",
		"quantity":     fmt.Sprintf("%.8f", quantity),
		"limit":        fmt.Sprintf("%.8f", price),
		"timeInForce":  "GOOD_TIL_CANCELLED",
	})
	if err != nil {
		return "", err
	}

	var resp orderResponse
	if err := c.call(ctx, http.MethodPost, "/orders", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *BittrexClient) BuyLimit(ctx context.Context, pair string, quantity, price float64) (string, error) {
	return c.placeOrder(ctx, pair, "BUY", quantity, price)
}

func (c *BittrexClient) SellLimit(ctx context.Context, pair string, quantity, price float64) (string, error) {
	return c.placeOrder(ctx, pair, "SELL", quantity, price)
}

func (c *BittrexClient) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var resp orderResponse
	if err := c.call(ctx, http.MethodGet, "/orders/"+orderID, nil, &resp); err != nil {
		return nil, err
	}
	return resp.toOrder(), nil
}

func (c *BittrexClient) CancelOrder(ctx context.Context, orderID string) error {
	return c.call(ctx, http.MethodDelete, "/orders/"+orderID, nil, nil)
}

func (c *BittrexClient) GetBalance(ctx context.Context, currency string) (float64, error) {
	var resp struct {
		Available float64 `json:"available,string"`
	}
	if err := c.call(ctx, http.MethodGet, "/balances/"+currency, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Available, nil
}

func candlesToTicks(raw []candle) []models.RawTick {
	ticks := make([]models.RawTick, 0, len(raw))
	for _, cd := range raw {
		ticks = append(ticks, models.RawTick{
			Time:       cd.StartsAt.Unix(),
			Open:       cd.Open,
			High:       cd.High,
			Low:        cd.Low,
			Close:      cd.Close,
			Volume:     cd.Volume,
			BaseVolume: cd.BaseVolume,
		})
	}
	return ticks
}

// normalizePair converts the API's "ETH-BTC" (quote-base) symbol to the
// internal "BASE-QUOTE" form.
func normalizePair(symbol string) string {
	parts := strings.SplitN(symbol, "-", 2)
	if len(parts) != 2 {
		return symbol
	}
	return parts[1] + "-" + parts[0]
}

func denormalizePair(pair string) string {
	parts := strings.SplitN(pair, "-", 2)
	if len(parts) != 2 {
		return pair
	}
	return parts[1] + "-" + parts[0]
}
