package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// BatchStatus is the state of a staging batch
type BatchStatus string

const (
	BatchStaged    BatchStatus = "staged"
	BatchApproved  BatchStatus = "approved"
	BatchDiscarded BatchStatus = "discarded"
)

// ScopeAll is the scope key of a batch covering every merchant
const ScopeAll = "ALL"

// Batch is a staging batch. StagedScope mirrors Scope only while the batch is
// staged; the unique index on it allows one staged batch per scope.
type Batch struct {
	ID          uint        `gorm:"primaryKey" json:"-"`
	BatchID     string      `gorm:"uniqueIndex" json:"batch_id"`
	Status      BatchStatus `gorm:"index" json:"status"`
	Scope       string      `gorm:"index" json:"scope"`
	MerchantID  string      `json:"merchant_id,omitempty"`
	StagedScope *string     `gorm:"uniqueIndex" json:"-"`

	TotalMembers   int             `json:"total_members"`
	TotalOrders    int             `json:"total_orders"`
	TotalAmount    decimal.Decimal `gorm:"type:decimal(20,2)" json:"total_amount"`
	TotalShares    decimal.Decimal `gorm:"type:decimal(20,6)" json:"total_shares"`
	TotalPoints    int64           `json:"total_points"`
	MembersSkipped int             `json:"members_skipped"`
	CappedAtMax    int             `json:"capped_at_max"`
	MissingPrices  int             `json:"missing_prices"`
	RefreshCount   int             `json:"refresh_count"`

	OrdersCreated int        `json:"orders_created"`
	ApprovedBy    string     `json:"approved_by,omitempty"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
	DiscardedAt   *time.Time `json:"discarded_at,omitempty"`

	StartedAt       time.Time `json:"started_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// StagedOrder is a prospective order row of a staged batch
type StagedOrder struct {
	ID           uint            `gorm:"primaryKey" json:"-"`
	BatchID      string          `gorm:"index" json:"batch_id"`
	BasketID     string          `gorm:"index" json:"basket_id"`
	MemberID     string          `gorm:"index" json:"member_id"`
	MerchantID   string          `json:"merchant_id"`
	Broker       string          `json:"broker"`
	Symbol       string          `json:"symbol"`
	Tier         string          `json:"tier,omitempty"`
	Rate         decimal.Decimal `gorm:"type:decimal(10,6)" json:"rate"`
	Price        decimal.Decimal `gorm:"type:decimal(18,4)" json:"price"`
	Shares       decimal.Decimal `gorm:"type:decimal(20,6)" json:"shares"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,2)" json:"amount"`
	PointsUsed   int64           `json:"points_used"`
	MissingPrice bool            `json:"missing_price"`
	CreatedAt    time.Time       `json:"created_at"`
}

// PaymentStatus is the state of a payment batch
type PaymentStatus string

const (
	PaymentSettled   PaymentStatus = "settled"
	PaymentCancelled PaymentStatus = "cancelled"
)

// PaymentBatch groups the unpaid orders of one merchant and broker
type PaymentBatch struct {
	ID          uint            `gorm:"primaryKey" json:"-"`
	BatchID     string          `gorm:"uniqueIndex" json:"batch_id"`
	MerchantID  string          `gorm:"index" json:"merchant_id"`
	Broker      string          `json:"broker"`
	Status      PaymentStatus   `gorm:"index" json:"status"`
	OrderCount  int             `json:"order_count"`
	TotalAmount decimal.Decimal `gorm:"type:decimal(20,2)" json:"total_amount"`
	DetailCSV   string          `json:"-"`
	ACHCSV      string          `json:"-"`
	PaidAt      time.Time       `json:"paid_at"`
	CancelledAt *time.Time      `json:"cancelled_at,omitempty"`
	CancelledBy string          `json:"cancelled_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// LedgerEntry records the cash obligation settled for one order
type LedgerEntry struct {
	ID             uint            `gorm:"primaryKey" json:"-"`
	EntryID        string          `gorm:"uniqueIndex" json:"entry_id"`
	PaymentBatchID string          `gorm:"index" json:"payment_batch_id"`
	OrderID        string          `gorm:"index" json:"order_id"`
	MemberID       string          `json:"member_id"`
	MerchantID     string          `json:"merchant_id"`
	Broker         string          `json:"broker"`
	Direction      string          `json:"direction"` // debit
	Amount         decimal.Decimal `gorm:"type:decimal(20,2)" json:"amount"`
	CreatedAt      time.Time       `json:"created_at"`
}
