package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// alpacaRequestsPerSecond keeps per-order submission under the trading API quota
const alpacaRequestsPerSecond = 3

// Alpaca submits each order of a feed as a notional market order. The feed is
// acknowledged only when every order was accepted; AcceptedOrderIDs names the
// orders taken before a failure.
type Alpaca struct {
	name      string
	baseURL   string
	keyID     string
	secretKey string
	client    *http.Client
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
}

// NewAlpaca creates an Alpaca broker against baseURL
func NewAlpaca(name, baseURL, keyID, secretKey string, client *http.Client) *Alpaca {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Alpaca{
		name:      name,
		baseURL:   strings.TrimRight(baseURL, "/"),
		keyID:     keyID,
		secretKey: secretKey,
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(alpacaRequestsPerSecond), alpacaRequestsPerSecond),
		breaker:   newBreaker(name),
	}
}

type alpacaOrderRequest struct {
	Symbol        string `json:"symbol"`
	Notional      string `json:"notional"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	ClientOrderID string `json:"client_order_id"`
}

type alpacaOrder struct {
	ID             string `json:"id"`
	ClientOrderID  string `json:"client_order_id"`
	Status         string `json:"status"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
}

// Dispatch submits the orders of the feed in sequence and stops at the first
// one the broker did not take
func (a *Alpaca) Dispatch(ctx context.Context, payload Payload) (*AckResult, error) {
	lines := payload.Lines()
	requests := make([]alpacaOrderRequest, 0, len(lines))
	for _, line := range lines {
		requests = append(requests, alpacaOrderRequest{
			Symbol:        line.Symbol,
			Notional:      line.Amount.StringFixed(2),
			Side:          "buy",
			Type:          "market",
			TimeInForce:   "day",
			ClientOrderID: line.OrderID,
		})
	}

	reqBody, _ := json.Marshal(requests)
	ack := &AckResult{Request: string(reqBody), AcceptedOrderIDs: []string{}}

	var responses []json.RawMessage
	for _, r := range requests {
		status, body, err := a.do(ctx, http.MethodPost, "/v2/orders", r)
		ack.HTTPStatus = status
		if len(body) > 0 {
			responses = append(responses, json.RawMessage(body))
		}
		if err != nil {
			// A repeated client_order_id is rejected, and a failed response
			// may still have created the order
			existing, ok := a.existing(ctx, r.ClientOrderID)
			if !ok {
				ack.Response = joinResponses(responses)
				return ack, fmt.Errorf("order %s: %w", r.ClientOrderID, err)
			}
			responses = append(responses, existing)
		}
		ack.AcceptedOrderIDs = append(ack.AcceptedOrderIDs, r.ClientOrderID)
	}

	ack.Response = joinResponses(responses)
	ack.Acknowledged = true
	return ack, nil
}

// existing reports whether the broker already holds a live order under
// clientOrderID
func (a *Alpaca) existing(ctx context.Context, clientOrderID string) (json.RawMessage, bool) {
	order, body, err := a.lookup(ctx, clientOrderID)
	if err != nil || order.ClientOrderID != clientOrderID {
		return nil, false
	}
	switch order.Status {
	case "rejected", "canceled", "expired":
		return nil, false
	}
	return json.RawMessage(body), true
}

func (a *Alpaca) lookup(ctx context.Context, clientOrderID string) (*alpacaOrder, []byte, error) {
	path := "/v2/orders:by_client_order_id?client_order_id=" + url.QueryEscape(clientOrderID)
	_, body, err := a.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, nil, err
	}

	var order alpacaOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, nil, fmt.Errorf("failed to decode order: %w", err)
	}
	return &order, body, nil
}

// Fill looks up the order by its client order id
func (a *Alpaca) Fill(ctx context.Context, line OrderLine) (*Fill, error) {
	order, _, err := a.lookup(ctx, line.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Status != "filled" {
		return nil, fmt.Errorf("%s is %s: %w", line.OrderID, order.Status, ErrNotFilled)
	}

	price, err := decimal.NewFromString(order.FilledAvgPrice)
	if err != nil {
		return nil, fmt.Errorf("invalid filled_avg_price %q: %w", order.FilledAvgPrice, err)
	}
	shares, err := decimal.NewFromString(order.FilledQty)
	if err != nil {
		return nil, fmt.Errorf("invalid filled_qty %q: %w", order.FilledQty, err)
	}
	return &Fill{Price: price, Shares: shares}, nil
}

func (a *Alpaca) do(ctx context.Context, method, path string, in interface{}) (int, []byte, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	var (
		status int
		body   []byte
	)
	_, err := a.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if in != nil {
			raw, err := json.Marshal(in)
			if err != nil {
				return nil, err
			}
			reader = bytes.NewReader(raw)
		}

		req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("APCA-API-KEY-ID", a.keyID)
		req.Header.Set("APCA-API-SECRET-KEY", a.secretKey)
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := a.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, _ = io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		status = resp.StatusCode
		if status < 200 || status >= 300 {
			return nil, fmt.Errorf("broker %s returned status %d", a.name, status)
		}
		return nil, nil
	})
	return status, body, err
}

func joinResponses(parts []json.RawMessage) string {
	if len(parts) == 0 {
		return ""
	}
	out, _ := json.Marshal(parts)
	return string(out)
}
