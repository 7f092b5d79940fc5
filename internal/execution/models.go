package execution

import (
	"github.com/ksred/klear-sweep/internal/types"
	"github.com/ksred/klear-sweep/pkg/response"
	"github.com/shopspring/decimal"
)

var ErrUnknownAction = response.InvalidError("unknown action")

// Filter narrows execution to one merchant or one basket. The zero value
// covers every placed order.
type Filter struct {
	MerchantID string `json:"merchant_id"`
	BasketID   string `json:"basket_id"`
}

// ExecuteResult counts the outcome of an execution run
type ExecuteResult struct {
	OrdersExecuted   int      `json:"orders_executed"`
	OrdersFailed     int      `json:"orders_failed"`
	OrdersPending    int      `json:"orders_pending"`
	BasketsProcessed int      `json:"baskets_processed"`
	DurationSeconds  float64  `json:"duration_seconds"`
	Errors           []string `json:"errors"`
}

// BasketGroup is the placed orders of one basket
type BasketGroup struct {
	BasketID    string          `json:"basket_id"`
	MemberID    string          `json:"member_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Orders      []types.Order   `json:"orders"`
}

// BrokerGroup is the placed orders of one broker within a merchant
type BrokerGroup struct {
	Broker  string        `json:"broker"`
	Baskets []BasketGroup `json:"baskets"`
}

// MerchantGroup is the placed orders of one merchant
type MerchantGroup struct {
	MerchantID string        `json:"merchant_id"`
	Brokers    []BrokerGroup `json:"brokers"`
}

// PreviewResult groups placed orders merchant, broker, basket
type PreviewResult struct {
	Orders      int             `json:"orders"`
	Baskets     int             `json:"baskets"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Merchants   []MerchantGroup `json:"merchants"`
}

// ActionRequest is the body of the broker execute endpoint
type ActionRequest struct {
	Action     string `json:"action" binding:"required"`
	MerchantID string `json:"merchant_id"`
	BasketID   string `json:"basket_id"`
	ExecID     string `json:"exec_id"`
	Limit      int    `json:"limit"`
}
