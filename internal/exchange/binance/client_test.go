package binance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{
		APIKey:            "k",
		APISecret:         "s",
		RestBaseURL:       srv.URL,
		Symbol:            "BTCUSDT",
		ClientOrderPrefix: "ge-test",
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestTagClientID(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())

	tagged := c.TagClientID("abc123")
	if tagged != "ge-testabc123" {
		t.Fatalf("TagClientID() = %q, want prefixed", tagged)
	}
	if got := c.TagClientID(tagged); got != tagged {
		t.Fatalf("TagClientID() re-tagged to %q", got)
	}
	if !c.OwnsClientID(tagged) {
		t.Fatal("OwnsClientID() = false for own order")
	}
	if c.OwnsClientID("manual-1") {
		t.Fatal("OwnsClientID() = true for foreign order")
	}

	long := c.TagClientID("0123456789012345678901234567890123456789")
	if len(long) != 36 {
		t.Fatalf("TagClientID() length = %d, want capped at 36", len(long))
	}
}

func TestNormalizeClientOrderPrefix(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"ge-default", "ge-default"},
		{"  ge default! ", "gedefault"},
		{"a-very-long-prefix-value", "a-very-long-"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := normalizeClientOrderPrefix(tc.in); got != tc.want {
			t.Fatalf("normalizeClientOrderPrefix(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPlaceOrder(t *testing.T) {
	var gotQuery map[string]string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/order" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-MBX-APIKEY") != "k" {
			t.Fatalf("missing api key header")
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parsing form: %v", err)
		}
		gotQuery = map[string]string{
			"symbol":           r.PostForm.Get("symbol"),
			"side":             r.PostForm.Get("side"),
			"type":             r.PostForm.Get("type"),
			"timeInForce":      r.PostForm.Get("timeInForce"),
			"price":            r.PostForm.Get("price"),
			"quantity":         r.PostForm.Get("quantity"),
			"newClientOrderId": r.PostForm.Get("newClientOrderId"),
		}
		if r.PostForm.Get("signature") == "" {
			t.Fatal("order request is unsigned")
		}
		_ = json.NewEncoder(w).Encode(orderResponse{
			OrderID:      987,
			Symbol:       "BTCUSDT",
			Status:       "NEW",
			TransactTime: 1700000000000,
		})
	}))

	placed, err := c.PlaceOrder(context.Background(), core.Order{
		ClientID: "abc",
		Symbol:   "BTCUSDT",
		Side:     core.Buy,
		Type:     core.Limit,
		Price:    decimal.NewFromInt(42500),
		Qty:      decimal.NewFromFloat(0.042),
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if placed.ID != "987" {
		t.Fatalf("placed.ID = %q, want 987", placed.ID)
	}
	if placed.ClientID != "ge-testabc" {
		t.Fatalf("placed.ClientID = %q, want tagged id", placed.ClientID)
	}
	want := map[string]string{
		"symbol":           "BTCUSDT",
		"side":             "BUY",
		"type":             "LIMIT",
		"timeInForce":      "GTC",
		"price":            "42500",
		"quantity":         "0.042",
		"newClientOrderId": "ge-testabc",
	}
	for k, v := range want {
		if gotQuery[k] != v {
			t.Fatalf("request param %s = %q, want %q", k, gotQuery[k], v)
		}
	}
}

func TestPlaceOrderRecoversDuplicate(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-2010,"msg":"Duplicate order sent."}`))
		case http.MethodGet:
			if got := r.URL.Query().Get("origClientOrderId"); got != "ge-testabc" {
				t.Fatalf("lookup client id = %q, want ge-testabc", got)
			}
			_ = json.NewEncoder(w).Encode(openOrderResponse{
				OrderID:       987,
				ClientOrderID: "ge-testabc",
				Symbol:        "BTCUSDT",
				Side:          "BUY",
				Type:          "LIMIT",
				Price:         "42500",
				OrigQty:       "0.042",
			})
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	}))

	placed, err := c.PlaceOrder(context.Background(), core.Order{
		ClientID: "abc",
		Symbol:   "BTCUSDT",
		Side:     core.Buy,
		Type:     core.Limit,
		Price:    decimal.NewFromInt(42500),
		Qty:      decimal.NewFromFloat(0.042),
	})
	if err != nil {
		t.Fatalf("PlaceOrder() on duplicate = %v, want recovered order", err)
	}
	if placed.ID != "987" || placed.ClientID != "ge-testabc" {
		t.Fatalf("recovered order = %+v, want the venue copy", placed)
	}
}

func TestPlaceOrderInsufficientBalance(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2010,"msg":"Account has insufficient balance for requested action."}`))
	}))

	_, err := c.PlaceOrder(context.Background(), core.Order{
		ClientID: "abc",
		Symbol:   "BTCUSDT",
		Side:     core.Buy,
		Type:     core.Limit,
		Price:    decimal.NewFromInt(42500),
		Qty:      decimal.NewFromFloat(0.042),
	})
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Fatalf("PlaceOrder() error = %v, want ErrInsufficientBalance", err)
	}
}

func TestOpenOrdersFiltersForeignOrders(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/openOrders" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode([]openOrderResponse{
			{OrderID: 1, ClientOrderID: "ge-test1", Symbol: "BTCUSDT", Side: "BUY", Type: "LIMIT", Price: "42500", OrigQty: "0.042"},
			{OrderID: 2, ClientOrderID: "manual-1", Symbol: "BTCUSDT", Side: "SELL", Type: "LIMIT", Price: "47500", OrigQty: "0.1"},
			{OrderID: 3, ClientOrderID: "ge-test3", Symbol: "BTCUSDT", Side: "SELL", Type: "LIMIT", Price: "45000", OrigQty: "0.1", ExecutedQty: "0.04"},
		})
	}))

	orders, err := c.OpenOrders(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("OpenOrders() error = %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("OpenOrders() = %d orders, want 2 owned", len(orders))
	}
	if orders[0].ID != "1" || orders[1].ID != "3" {
		t.Fatalf("order ids = %s, %s, want 1, 3", orders[0].ID, orders[1].ID)
	}
	// Remaining quantity excludes the executed part.
	if !orders[1].Qty.Equal(decimal.NewFromFloat(0.06)) {
		t.Fatalf("partially filled qty = %s, want 0.06", orders[1].Qty)
	}
}

func TestCancelOrderNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
	}))

	err := c.CancelOrder(context.Background(), "BTCUSDT", "987")
	if !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("CancelOrder() error = %v, want ErrOrderNotFound", err)
	}
}

func TestTickerPrice(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/ticker/price" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(tickerPriceResponse{Symbol: "BTCUSDT", Price: "43123.45"})
	}))

	price, err := c.TickerPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("TickerPrice() error = %v", err)
	}
	if !price.Equal(decimal.NewFromFloat(43123.45)) {
		t.Fatalf("TickerPrice() = %s, want 43123.45", price)
	}
}
