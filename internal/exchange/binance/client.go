package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
)

type authType int

const (
	authNone authType = iota
	authAPIKey
	authSigned
)

const defaultRestBaseURL = "https://api.binance.com"

// Client is the spot REST adapter. All order entry goes over REST; streaming
// market data and execution reports live in stream.go.
type Client struct {
	apiKey            string
	apiSecret         string
	baseURL           string
	wsBaseURL         string
	symbol            string
	clientOrderPrefix string
	recvWindow        time.Duration
	httpClient        *http.Client

	mu          sync.Mutex
	symbolCache map[string]symbolInfo
}

type Options struct {
	APIKey            string
	APISecret         string
	RestBaseURL       string
	WSBaseURL         string
	Symbol            string
	ClientOrderPrefix string
	RecvWindowMs      int64
	HTTPTimeoutSec    int64
}

func NewClient(opts Options) (*Client, error) {
	if opts.APIKey == "" || opts.APISecret == "" {
		return nil, errors.New("api_key/api_secret required")
	}
	baseURL := strings.TrimRight(opts.RestBaseURL, "/")
	if baseURL == "" {
		baseURL = defaultRestBaseURL
	}
	wsBaseURL := strings.TrimRight(opts.WSBaseURL, "/")
	if wsBaseURL == "" {
		wsBaseURL = "wss://stream.binance.com:9443"
	}
	recvWindow := 5 * time.Second
	if opts.RecvWindowMs > 0 {
		recvWindow = time.Duration(opts.RecvWindowMs) * time.Millisecond
	}
	timeout := 10 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	return &Client{
		apiKey:            opts.APIKey,
		apiSecret:         opts.APISecret,
		baseURL:           baseURL,
		wsBaseURL:         wsBaseURL,
		symbol:            opts.Symbol,
		clientOrderPrefix: normalizeClientOrderPrefix(opts.ClientOrderPrefix),
		recvWindow:        recvWindow,
		httpClient:        &http.Client{Timeout: timeout},
		symbolCache:       make(map[string]symbolInfo),
	}, nil
}

func (c *Client) Name() string { return "binance" }

// OwnsClientID filters venue orders down to the ones this deployment placed,
// so reconciliation never cancels a human's manual order.
func (c *Client) OwnsClientID(clientID string) bool {
	if c.clientOrderPrefix == "" {
		return true
	}
	return strings.HasPrefix(clientID, c.clientOrderPrefix)
}

// TagClientID prefixes a generated client order id with the deployment tag.
func (c *Client) TagClientID(clientID string) string {
	if c.clientOrderPrefix == "" || strings.HasPrefix(clientID, c.clientOrderPrefix) {
		return clientID
	}
	tagged := c.clientOrderPrefix + clientID
	// Binance caps clientOrderId at 36 chars.
	if len(tagged) > 36 {
		tagged = tagged[:36]
	}
	return tagged
}

func normalizeClientOrderPrefix(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > 12 {
		out = out[:12]
	}
	return out
}

func (c *Client) GetRules(ctx context.Context, symbol string) (core.Rules, error) {
	info, err := c.getSymbolInfo(ctx, symbol)
	if err != nil {
		return core.Rules{}, err
	}
	return info.rules, nil
}

func (c *Client) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ticker/price", params, authNone)
	if err != nil {
		return decimal.Zero, err
	}
	var resp tickerPriceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(resp.Price)
}

func (c *Client) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	params := url.Values{}
	params.Set("symbol", order.Symbol)
	params.Set("side", string(order.Side))
	params.Set("type", string(order.Type))
	if order.Type == core.Limit {
		params.Set("timeInForce", "GTC")
		params.Set("price", order.Price.String())
	}
	params.Set("quantity", order.Qty.String())
	clientID := c.TagClientID(order.ClientID)
	if clientID != "" {
		params.Set("newClientOrderId", clientID)
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/api/v3/order", params, authSigned)
	if err != nil {
		if errors.Is(err, core.ErrDuplicateOrder) && clientID != "" {
			// The earlier send succeeded and only its response was lost.
			// Recover the venue order instead of surfacing the duplicate.
			if existing, qerr := c.queryByClientID(ctx, order.Symbol, clientID); qerr == nil {
				return existing, nil
			}
		}
		return core.Order{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Order{}, err
	}

	placed := order
	placed.ID = strconv.FormatInt(resp.OrderID, 10)
	placed.ClientID = clientID
	placed.Status = core.OrderNew
	if resp.TransactTime > 0 {
		placed.CreatedAt = time.UnixMilli(resp.TransactTime)
	}
	return placed, nil
}

func (c *Client) queryByClientID(ctx context.Context, symbol, clientID string) (core.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientID)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/order", params, authSigned)
	if err != nil {
		return core.Order{}, err
	}
	var resp openOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Order{}, err
	}
	price, _ := decimal.NewFromString(resp.Price)
	qty, _ := decimal.NewFromString(resp.OrigQty)
	return core.Order{
		ID:       strconv.FormatInt(resp.OrderID, 10),
		ClientID: resp.ClientOrderID,
		Symbol:   resp.Symbol,
		Side:     core.Side(resp.Side),
		Type:     core.OrderType(resp.Type),
		Price:    price,
		Qty:      qty,
		Status:   core.OrderNew,
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/v3/order", params, authSigned)
	return err
}

func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/openOrders", params, authSigned)
	if err != nil {
		return nil, err
	}
	var resp []openOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	orders := make([]core.Order, 0, len(resp))
	for _, ord := range resp {
		if !c.OwnsClientID(ord.ClientOrderID) {
			continue
		}
		price, _ := decimal.NewFromString(ord.Price)
		origQty, _ := decimal.NewFromString(ord.OrigQty)
		executedQty, _ := decimal.NewFromString(ord.ExecutedQty)
		qty := origQty
		if executedQty.Cmp(decimal.Zero) > 0 && origQty.Cmp(executedQty) > 0 {
			qty = origQty.Sub(executedQty)
		}
		o := core.Order{
			ID:       strconv.FormatInt(ord.OrderID, 10),
			ClientID: ord.ClientOrderID,
			Symbol:   ord.Symbol,
			Side:     core.Side(ord.Side),
			Type:     core.OrderType(ord.Type),
			Price:    price,
			Qty:      qty,
			Status:   core.OrderNew,
		}
		if ord.Time > 0 {
			o.CreatedAt = time.UnixMilli(ord.Time)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (c *Client) Balances(ctx context.Context) (core.Balance, error) {
	if c.symbol == "" {
		return core.Balance{}, errors.New("symbol is required to resolve balances")
	}
	info, err := c.getSymbolInfo(ctx, c.symbol)
	if err != nil {
		return core.Balance{}, err
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{}, authSigned)
	if err != nil {
		return core.Balance{}, err
	}
	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Balance{}, err
	}
	var bal core.Balance
	for _, b := range resp.Balances {
		free, _ := decimal.NewFromString(b.Free)
		locked, _ := decimal.NewFromString(b.Locked)
		switch b.Asset {
		case info.baseAsset:
			bal.BaseFree, bal.BaseLocked = free, locked
			bal.Base = free.Add(locked)
		case info.quoteAsset:
			bal.QuoteFree, bal.QuoteLocked = free, locked
			bal.Quote = free.Add(locked)
		}
	}
	return bal, nil
}

func (c *Client) getSymbolInfo(ctx context.Context, symbol string) (symbolInfo, error) {
	if symbol == "" {
		return symbolInfo{}, errors.New("symbol is required")
	}
	c.mu.Lock()
	if info, ok := c.symbolCache[symbol]; ok {
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", params, authNone)
	if err != nil {
		return symbolInfo{}, err
	}
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return symbolInfo{}, err
	}
	if len(resp.Symbols) == 0 {
		return symbolInfo{}, errors.New("symbol not found")
	}
	info := parseSymbolInfo(resp.Symbols[0])
	c.mu.Lock()
	c.symbolCache[symbol] = info
	c.mu.Unlock()
	return info, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, auth authType) ([]byte, error) {
	if auth == authSigned {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		if c.recvWindow > 0 {
			params.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		}
		params.Set("signature", sign(c.apiSecret, params.Encode()))
	}

	var (
		req *http.Request
		err error
	)
	urlStr := c.baseURL + path
	if method == http.MethodGet || method == http.MethodDelete {
		if encoded := params.Encode(); encoded != "" {
			urlStr += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, urlStr, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, urlStr, strings.NewReader(params.Encode()))
	}
	if err != nil {
		return nil, err
	}
	if method != http.MethodGet && method != http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth == authAPIKey || auth == authSigned {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// A lost round trip after a POST leaves the order in doubt; callers
		// must reconcile, not retry.
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: %s %s: %v", core.ErrVenueTimeout, method, path, err)
		}
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func parseAPIError(status int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
		return classifyAPIError(APIError{Code: apiErr.Code, Msg: apiErr.Msg})
	}
	return fmt.Errorf("binance http error %d: %s", status, strings.TrimSpace(string(body)))
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
