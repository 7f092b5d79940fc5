// Package broker dispatches order feeds to brokers and reports fills.
package broker

import (
	"context"
	"time"

	"github.com/ksred/klear-sweep/pkg/response"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownBroker = response.NotFoundError("broker not registered")
	ErrNotFilled     = response.PreconditionError("order not filled by broker")
	ErrNoFillSupport = response.PreconditionError("broker does not report fills")
)

// OrderLine is one order within a dispatched feed
type OrderLine struct {
	OrderID  string          `json:"order_id"`
	BasketID string          `json:"basket_id"`
	MemberID string          `json:"member_id"`
	Symbol   string          `json:"symbol"`
	Price    decimal.Decimal `json:"price"`
	Shares   decimal.Decimal `json:"shares"`
	Amount   decimal.Decimal `json:"amount"`
	Points   int64           `json:"points"`
}

// MemberFeed groups the orders of one member's basket
type MemberFeed struct {
	MemberID    string          `json:"member_id"`
	BasketID    string          `json:"basket_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	TotalPoints int64           `json:"total_points"`
	Orders      []OrderLine     `json:"orders"`
}

// Payload is the feed of one merchant and broker. ExecID doubles as the
// idempotency key so a broker can drop a repeated dispatch.
type Payload struct {
	ExecID      string          `json:"exec_id"`
	MerchantID  string          `json:"merchant_id"`
	Broker      string          `json:"broker"`
	OrderCount  int             `json:"order_count"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	TotalPoints int64           `json:"total_points"`
	Members     []MemberFeed    `json:"members"`
	SentAt      time.Time       `json:"sent_at"`
}

// Lines flattens the feed into its orders
func (p Payload) Lines() []OrderLine {
	var lines []OrderLine
	for _, m := range p.Members {
		lines = append(lines, m.Orders...)
	}
	return lines
}

// AckResult describes a dispatch attempt. It is returned alongside an error
// whenever the broker was reached, so the attempt can still be recorded.
// Brokers that take orders one by one set AcceptedOrderIDs, which then holds
// even when the feed as a whole failed.
type AckResult struct {
	Acknowledged     bool     `json:"acknowledged"`
	HTTPStatus       int      `json:"http_status"`
	Request          string   `json:"request"`
	Response         string   `json:"response"`
	AcceptedOrderIDs []string `json:"accepted_order_ids,omitempty"`
}

// Accepted returns the order ids the broker took from payload. An
// acknowledgement without AcceptedOrderIDs covers the whole feed.
func (a *AckResult) Accepted(payload Payload) []string {
	if a == nil {
		return nil
	}
	if a.AcceptedOrderIDs != nil {
		return a.AcceptedOrderIDs
	}
	if !a.Acknowledged {
		return nil
	}
	lines := payload.Lines()
	ids := make([]string, len(lines))
	for i, line := range lines {
		ids[i] = line.OrderID
	}
	return ids
}

// Broker accepts order feeds
type Broker interface {
	Dispatch(ctx context.Context, payload Payload) (*AckResult, error)
}

// Fill is a broker-reported execution of one order
type Fill struct {
	Price  decimal.Decimal
	Shares decimal.Decimal
}

// FillReporter is implemented by brokers that can report fills for orders
// they accepted
type FillReporter interface {
	Fill(ctx context.Context, order OrderLine) (*Fill, error)
}
