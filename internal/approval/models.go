package approval

import (
	"github.com/ksred/klear-sweep/internal/types"
	"github.com/ksred/klear-sweep/pkg/response"
	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound   = response.NotFoundError("order not found")
	ErrOrderNotPending = response.PreconditionError("order is not pending")
	ErrInvalidPrice    = response.InvalidError("price must be positive")
	ErrSummaryChanged  = response.PreconditionError("batch no longer matches the confirmed summary")
)

// Confirmation is the part of a batch summary an operator confirms before
// approving. Set fields must still hold when the batch is locked; nil fields
// are not checked.
type Confirmation struct {
	RefreshCount *int             `json:"refresh_count" binding:"required"`
	TotalOrders  *int             `json:"total_orders" binding:"required"`
	TotalAmount  *decimal.Decimal `json:"total_amount" binding:"required"`
}

// ApproveResult is returned by Approve
type ApproveResult struct {
	BatchID         string  `json:"batch_id"`
	OrdersCreated   int     `json:"orders_created"`
	MissingPrices   int     `json:"missing_prices"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// FeedSummary counts the staged rows of one merchant and broker
type FeedSummary struct {
	MerchantID string          `json:"merchant_id"`
	Broker     string          `json:"broker"`
	Members    int             `json:"members"`
	Orders     int             `json:"orders"`
	Amount     decimal.Decimal `json:"amount"`
}

// Summary is the confirmation shown before a batch is approved
type Summary struct {
	Batch         *types.Batch    `json:"batch"`
	Members       int             `json:"members"`
	Orders        int             `json:"orders"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	TotalPoints   int64           `json:"total_points"`
	MissingPrices int             `json:"missing_prices"`
	Feeds         []FeedSummary   `json:"feeds"`
	Approvable    bool            `json:"approvable"`
	Confirmation  Confirmation    `json:"confirmation"`
}

// RepriceRequest corrects the price of a pending order
type RepriceRequest struct {
	Price decimal.Decimal `json:"price"`
}
