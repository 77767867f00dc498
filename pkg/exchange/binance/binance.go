// Package binance implements the common.Gateway contract against the
// Binance spot REST API.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	exchange "strategyengine/pkg/exchange/common"
)

// Client adapts Binance's spot REST API to exchange.Gateway.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	recvWindow  int64
	rateLimiter *exchange.RateLimiter
}

// New builds a Binance gateway; testnet switches the base URL.
func New(testnet bool) *Client {
	base := "https://api.binance.com"
	if testnet {
		base = "https://testnet.binance.vision"
	}
	return &Client{
		baseURL:     base,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		recvWindow:  5000,
		rateLimiter: exchange.NewRateLimiter("binance", 18, 40), // ~1200 weight/min budget
	}
}

func (c *Client) FetchTicker(ctx context.Context, _ exchange.Credential, symbol string) (exchange.Ticker, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return exchange.Ticker{}, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doPublic(ctx, "/api/v3/ticker/24hr", params)
	if err != nil {
		return exchange.Ticker{}, err
	}
	var resp struct {
		BidPrice           string `json:"bidPrice"`
		AskPrice           string `json:"askPrice"`
		LastPrice          string `json:"lastPrice"`
		Volume             string `json:"quoteVolume"`
		PriceChangePercent string `json:"priceChangePercent"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.Ticker{}, fmt.Errorf("%w: decode ticker: %v", exchange.ErrTransient, err)
	}
	t := exchange.Ticker{
		Symbol:    symbol,
		Bid:       toFloat(resp.BidPrice),
		Ask:       toFloat(resp.AskPrice),
		Last:      toFloat(resp.LastPrice),
		Volume24h: toFloat(resp.Volume),
		Change24h: toFloat(resp.PriceChangePercent),
		FetchedAt: time.Now(),
	}
	if t.Last == 0 {
		return exchange.Ticker{}, fmt.Errorf("%w: empty last price for %s", exchange.ErrTransient, symbol)
	}
	return t, nil
}

func (c *Client) FetchBalances(ctx context.Context, cred exchange.Credential) ([]exchange.AssetBalance, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	params := url.Values{}
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", cred, params)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode balances: %v", exchange.ErrTransient, err)
	}
	out := make([]exchange.AssetBalance, 0, len(resp.Balances))
	for _, b := range resp.Balances {
		free, locked := toFloat(b.Free), toFloat(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, exchange.AssetBalance{
			Asset:     b.Asset,
			Total:     free + locked,
			Available: free,
			Locked:    locked,
		})
	}
	return out, nil
}

func (c *Client) CreateOrder(ctx context.Context, cred exchange.Credential, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return exchange.OrderResult{}, err
	}
	if req.Quantity <= 0 {
		return exchange.OrderResult{}, fmt.Errorf("%w: quantity must be positive", exchange.ErrInvalidOrder)
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	if req.Type == exchange.OrderTypeLimit {
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
		params.Set("timeInForce", "GTC")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", cred, params)
	if err != nil {
		return exchange.OrderResult{}, err
	}

	var resp struct {
		OrderID             int64  `json:"orderId"`
		Status              string `json:"status"`
		ExecutedQty         string `json:"executedQty"`
		OrigQty             string `json:"origQty"`
		CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
		Fills               []struct {
			Price           string `json:"price"`
			Qty             string `json:"qty"`
			Commission      string `json:"commission"`
		} `json:"fills"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.OrderResult{}, fmt.Errorf("%w: decode order response: %v", exchange.ErrTransient, err)
	}

	filled := toFloat(resp.ExecutedQty)
	orig := toFloat(resp.OrigQty)
	var avgPrice, fee float64
	if filled > 0 {
		avgPrice = toFloat(resp.CummulativeQuoteQty) / filled
	}
	for _, f := range resp.Fills {
		fee += toFloat(f.Commission)
	}

	return exchange.OrderResult{
		ExchangeOrderID:  strconv.FormatInt(resp.OrderID, 10),
		Status:           mapStatus(resp.Status),
		Filled:           filled,
		Remaining:        orig - filled,
		AverageFillPrice: avgPrice,
		Fee:              fee,
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, cred exchange.Credential, symbol, exchangeOrderID string) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	_, err := c.doSigned(ctx, http.MethodDelete, "/api/v3/order", cred, params)
	return err
}

func (c *Client) FetchOrder(ctx context.Context, cred exchange.Credential, symbol, exchangeOrderID string) (exchange.OrderResult, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return exchange.OrderResult{}, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/order", cred, params)
	if err != nil {
		return exchange.OrderResult{}, err
	}
	var resp struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		OrigQty     string `json:"origQty"`
		Price       string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.OrderResult{}, fmt.Errorf("%w: decode order: %v", exchange.ErrTransient, err)
	}
	filled := toFloat(resp.ExecutedQty)
	return exchange.OrderResult{
		ExchangeOrderID:  strconv.FormatInt(resp.OrderID, 10),
		Status:           mapStatus(resp.Status),
		Filled:           filled,
		Remaining:        toFloat(resp.OrigQty) - filled,
		AverageFillPrice: toFloat(resp.Price),
	}, nil
}

func mapStatus(s string) exchange.OrderStatus {
	switch s {
	case "FILLED":
		return exchange.StatusFilled
	case "PARTIALLY_FILLED":
		return exchange.StatusPartiallyFilled
	case "CANCELED", "EXPIRED":
		return exchange.StatusCanceled
	case "REJECTED":
		return exchange.StatusRejected
	default:
		return exchange.StatusOpen
	}
}

func (c *Client) doSigned(ctx context.Context, method, path string, cred exchange.Credential, params url.Values) ([]byte, error) {
	if cred.APIKey == "" || cred.APISecret == "" {
		return nil, fmt.Errorf("%w: api key/secret required", exchange.ErrAuth)
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.recvWindow, 10))
	params.Set("signature", sign(params.Encode(), cred.APISecret))

	endpoint := c.baseURL + path
	var req *http.Request
	var err error
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+params.Encode(), nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", cred.APIKey)

	return c.do(req)
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", exchange.ErrTransient, err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)

	switch res.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d: %s", exchange.ErrAuth, res.StatusCode, string(body))
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: status %d: %s", exchange.ErrTransient, res.StatusCode, string(body))
	case http.StatusBadRequest, http.StatusNotFound:
		if strings.Contains(string(body), "-2010") || strings.Contains(string(body), "insufficient") {
			return nil, fmt.Errorf("%w: %s", exchange.ErrInsufficientFunds, string(body))
		}
		if strings.Contains(string(body), "-1121") {
			return nil, fmt.Errorf("%w: %s", exchange.ErrUnknownSymbol, string(body))
		}
		return nil, fmt.Errorf("%w: status %d: %s", exchange.ErrInvalidOrder, res.StatusCode, string(body))
	default:
		if res.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: status %d: %s", exchange.ErrTransient, res.StatusCode, string(body))
		}
		return nil, fmt.Errorf("%w: status %d: %s", exchange.ErrInvalidOrder, res.StatusCode, string(body))
	}
}

func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func toFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
