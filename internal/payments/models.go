package payments

import (
	"fmt"
	"time"

	"github.com/ksred/klear-sweep/internal/types"
	"github.com/ksred/klear-sweep/pkg/response"
	"github.com/shopspring/decimal"
)

var (
	ErrBatchNotFound         = response.NotFoundError("payment batch not found")
	ErrBatchAlreadyCancelled = response.PreconditionError("payment batch already cancelled")
	ErrNothingToSettle       = response.PreconditionError("no unpaid orders to settle")
	ErrOrdersChanged         = response.ConflictError("orders changed while settling")
	ErrBatchChanged          = response.PreconditionError("payment batch no longer matches the confirmed summary")
)

// ProgressFunc reports sequential progress of a multi-pair settlement
type ProgressFunc func(current, total int, merchantID, broker string)

// ProcessResult describes one settled payment batch
type ProcessResult struct {
	BatchID     string          `json:"batch_id"`
	MerchantID  string          `json:"merchant_id"`
	Broker      string          `json:"broker"`
	OrderCount  int             `json:"order_count"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	PaidAt      time.Time       `json:"paid_at"`
	DetailCSV   string          `json:"detail_csv"`
	ACHCSV      string          `json:"ach_csv"`
}

// BulkResult is returned by the merchant and all-merchant compositions
type BulkResult struct {
	Total     int             `json:"total"`
	Processed []ProcessResult `json:"processed"`
	Errors    []string        `json:"errors"`
}

// CancelResult describes a reversed payment batch
type CancelResult struct {
	BatchID              string `json:"batch_id"`
	OrdersCancelled      int    `json:"orders_cancelled"`
	LedgerEntriesRemoved int    `json:"ledger_entries_removed"`
}

// UnpaidPair is the unpaid pool of one merchant and broker
type UnpaidPair struct {
	MerchantID  string          `json:"merchant_id"`
	Broker      string          `json:"broker"`
	Orders      int             `json:"orders"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// BatchDetail is the confirmation summary of a payment batch
type BatchDetail struct {
	Batch         *types.PaymentBatch `json:"batch"`
	Orders        []types.Order       `json:"orders"`
	LedgerEntries int                 `json:"ledger_entries"`
	Cancellable   bool                `json:"cancellable"`
}

// ExportRequest selects a merchant and broker pair
type ExportRequest struct {
	MerchantID string `json:"merchant_id"`
	Broker     string `json:"broker"`
}

// CancelRequest reverses a payment batch. OrderCount and TotalAmount confirm
// the batch detail the operator reviewed; nil fields are not checked.
// Ledger entries are removed unless RemoveLedger is false.
type CancelRequest struct {
	BatchID      string           `json:"batch_id" binding:"required"`
	RemoveLedger *bool            `json:"remove_ledger"`
	OrderCount   *int             `json:"order_count" binding:"required"`
	TotalAmount  *decimal.Decimal `json:"total_amount" binding:"required"`
}

func (r CancelRequest) removeLedger() bool {
	return r.RemoveLedger == nil || *r.RemoveLedger
}

// check compares a batch with the confirmed detail
func (r CancelRequest) check(batch *types.PaymentBatch) error {
	if r.OrderCount != nil && *r.OrderCount != batch.OrderCount {
		return fmt.Errorf("order_count is %d, confirmed %d: %w", batch.OrderCount, *r.OrderCount, ErrBatchChanged)
	}
	if r.TotalAmount != nil && !r.TotalAmount.Equal(batch.TotalAmount) {
		return fmt.Errorf("total_amount is %s, confirmed %s: %w", batch.TotalAmount.StringFixed(2), r.TotalAmount.StringFixed(2), ErrBatchChanged)
	}
	return nil
}
