package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of a live order
type OrderStatus string

const (
	OrderPending     OrderStatus = "pending"
	// OrderDispatching marks an order claimed by a sweep while its feed is
	// with the broker
	OrderDispatching OrderStatus = "dispatching"
	OrderPlaced      OrderStatus = "placed"
	OrderConfirmed   OrderStatus = "confirmed"
	OrderExecuted    OrderStatus = "executed"
	OrderSettled     OrderStatus = "settled"
	OrderFailed      OrderStatus = "failed"
	OrderCancelled   OrderStatus = "cancelled"
)

// Order is the atomic unit of investment. Every order belongs to exactly one
// basket, and all orders of a basket share member and merchant.
type Order struct {
	ID           uint            `gorm:"primaryKey" json:"-"`
	OrderID      string          `gorm:"uniqueIndex" json:"order_id"`
	BatchID      string          `gorm:"index" json:"batch_id"`
	BasketID     string          `gorm:"index" json:"basket_id"`
	MemberID     string          `gorm:"index" json:"member_id"`
	MerchantID   string          `gorm:"index:idx_orders_merchant_broker" json:"merchant_id"`
	Broker       string          `gorm:"index:idx_orders_merchant_broker" json:"broker"`
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `gorm:"type:decimal(18,4)" json:"price"`
	Shares       decimal.Decimal `gorm:"type:decimal(20,6)" json:"shares"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,2)" json:"amount"`
	PointsUsed   int64           `json:"points_used"`
	MissingPrice bool            `json:"missing_price"`
	Status       OrderStatus     `gorm:"index" json:"status"`

	ExecID    string     `gorm:"index" json:"exec_id,omitempty"`
	ClaimedAt *time.Time `json:"-"`
	PlacedAt  *time.Time `json:"placed_at,omitempty"`

	ExecutedPrice  decimal.Decimal `gorm:"type:decimal(18,4)" json:"executed_price"`
	ExecutedShares decimal.Decimal `gorm:"type:decimal(20,6)" json:"executed_shares"`
	ExecutedAmount decimal.Decimal `gorm:"type:decimal(20,2)" json:"executed_amount"`
	ExecutedAt     *time.Time      `json:"executed_at,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`

	PaidFlag    bool       `gorm:"index" json:"paid_flag"`
	PaidBatchID string     `gorm:"index" json:"paid_batch_id,omitempty"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SettleAmount is the amount owed for an order: the executed amount when the
// order has been filled, otherwise the staged amount.
func (o *Order) SettleAmount() decimal.Decimal {
	if o.ExecutedAmount.IsPositive() {
		return o.ExecutedAmount
	}
	return o.Amount
}

// ExecutionRecord is one broker dispatch attempt. Records are append-only.
type ExecutionRecord struct {
	ID           uint            `gorm:"primaryKey" json:"-"`
	ExecID       string          `gorm:"uniqueIndex" json:"exec_id"`
	MerchantID   string          `gorm:"index" json:"merchant_id"`
	Broker       string          `json:"broker"`
	OrderCount   int             `json:"order_count"`
	TotalAmount  decimal.Decimal `gorm:"type:decimal(20,2)" json:"total_amount"`
	Request      string          `json:"request"`
	Response     string          `json:"response,omitempty"`
	HTTPStatus   int             `json:"http_status"`
	Acknowledged bool            `json:"acknowledged"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
