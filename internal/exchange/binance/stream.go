package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"grid-engine/internal/core"
)

const (
	wsReadLimit        = 1 << 20
	wsPongWait         = 90 * time.Second
	wsPingPeriod       = 30 * time.Second
	listenKeyKeepalive = 30 * time.Minute
	streamDialTimeout  = 15 * time.Second
)

// Stream runs one market-data connection and one user-data connection for a
// symbol and funnels both into caller-supplied callbacks. It satisfies the
// engine's feed surface; the runner owns reconnects.
type Stream struct {
	client *Client
	symbol string
}

func NewStream(client *Client, symbol string) *Stream {
	return &Stream{client: client, symbol: symbol}
}

// Run blocks until either connection drops or ctx ends. onFill receives only
// terminal and partial executions of orders this deployment owns; onTick
// receives every public trade price.
func (s *Stream) Run(ctx context.Context, onFill func(core.Trade), onTick func(decimal.Decimal, time.Time)) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	listenKey, err := s.client.createListenKey(runCtx)
	if err != nil {
		return fmt.Errorf("listen key: %w", err)
	}
	defer s.client.closeListenKey(listenKey)

	errc := make(chan error, 3)

	go func() { errc <- s.runMarket(runCtx, onTick) }()
	go func() { errc <- s.runUser(runCtx, listenKey, onFill) }()
	go func() { errc <- s.keepAlive(runCtx, listenKey) }()

	err = <-errc
	cancel()
	if runCtx.Err() != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Stream) runMarket(ctx context.Context, onTick func(decimal.Decimal, time.Time)) error {
	endpoint := s.client.wsBaseURL + "/ws/" + strings.ToLower(s.symbol) + "@trade"
	conn, err := dial(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("market stream dial: %w", err)
	}
	defer conn.Close()

	return readLoop(ctx, conn, func(data []byte) {
		var mt marketTrade
		if err := json.Unmarshal(data, &mt); err != nil || mt.EventType != "trade" {
			return
		}
		price, err := decimal.NewFromString(mt.Price)
		if err != nil || price.Cmp(decimal.Zero) <= 0 {
			return
		}
		at := time.Now().UTC()
		if mt.TradeTime > 0 {
			at = time.UnixMilli(mt.TradeTime).UTC()
		}
		onTick(price, at)
	})
}

func (s *Stream) runUser(ctx context.Context, listenKey string, onFill func(core.Trade)) error {
	endpoint := s.client.wsBaseURL + "/ws/" + listenKey
	conn, err := dial(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("user stream dial: %w", err)
	}
	defer conn.Close()

	return readLoop(ctx, conn, func(data []byte) {
		var report executionReport
		if err := json.Unmarshal(data, &report); err != nil || report.EventType != "executionReport" {
			return
		}
		if report.ExecType != "TRADE" {
			return
		}
		if !s.client.OwnsClientID(report.ClientOrderID) {
			return
		}
		price, err := decimal.NewFromString(report.LastFilledPrice)
		if err != nil || price.Cmp(decimal.Zero) <= 0 {
			return
		}
		qty, err := decimal.NewFromString(report.LastFilledQty)
		if err != nil || qty.Cmp(decimal.Zero) <= 0 {
			return
		}
		status := core.OrderStatus(report.OrderStatus)
		if status != core.OrderFilled && status != core.OrderPartiallyFilled {
			return
		}
		at := time.Now().UTC()
		if report.TradeTime > 0 {
			at = time.UnixMilli(report.TradeTime).UTC()
		}
		onFill(core.Trade{
			OrderID:  strconv.FormatInt(report.OrderID, 10),
			TradeID:  strconv.FormatInt(report.TradeID, 10),
			ClientID: report.ClientOrderID,
			Symbol:   report.Symbol,
			Side:     core.Side(report.Side),
			Price:    price,
			Qty:      qty,
			Status:   status,
			Time:     at,
		})
	})
}

func (s *Stream) keepAlive(ctx context.Context, listenKey string) error {
	ticker := time.NewTicker(listenKeyKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.client.keepAliveListenKey(ctx, listenKey); err != nil {
				log.Warn().Str("event", "listen_key_keepalive_failed").Err(err).Send()
			}
		}
	}
}

func dial(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, streamDialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(wsReadLimit)
	return conn, nil
}

func readLoop(ctx context.Context, conn *websocket.Conn, handle func([]byte)) error {
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	// The server also pings; answering resets our liveness window.
	conn.SetPingHandler(func(payload string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(5*time.Second))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		handle(data)
	}
}

func (c *Client) createListenKey(ctx context.Context) (string, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/api/v3/userDataStream", url.Values{}, authAPIKey)
	if err != nil {
		return "", err
	}
	var resp listenKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	if resp.ListenKey == "" {
		return "", errors.New("empty listen key")
	}
	return resp.ListenKey, nil
}

func (c *Client) keepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err := c.doRequest(ctx, http.MethodPut, "/api/v3/userDataStream", params, authAPIKey)
	return err
}

func (c *Client) closeListenKey(listenKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	params := url.Values{}
	params.Set("listenKey", listenKey)
	if _, err := c.doRequest(ctx, http.MethodDelete, "/api/v3/userDataStream", params, authAPIKey); err != nil {
		log.Debug().Str("event", "listen_key_close_failed").Err(err).Send()
	}
}
