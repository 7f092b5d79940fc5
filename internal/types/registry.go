package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// The records below are owned by the member wallet store and the
// merchant/broker registry. The pipeline only reads them.

// MaxMerchantTiers is the number of named tiers a merchant may configure
const MaxMerchantTiers = 6

// Merchant carries the base conversion rate, tiers and sweep schedule
type Merchant struct {
	ID             uint            `gorm:"primaryKey" json:"-"`
	MerchantID     string          `gorm:"uniqueIndex" json:"merchant_id"`
	Name           string          `json:"name"`
	ConversionRate decimal.Decimal `gorm:"type:decimal(10,6)" json:"conversion_rate"`
	// SweepDay is 0 for daily (T+1) sweeps, otherwise the day of month.
	SweepDay  int            `json:"sweep_day"`
	Active    bool           `json:"active"`
	Tiers     []MerchantTier `gorm:"foreignKey:MerchantID;references:MerchantID" json:"tiers,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// MerchantTier is a named tier with its own conversion rate
type MerchantTier struct {
	ID         uint            `gorm:"primaryKey" json:"-"`
	MerchantID string          `gorm:"index" json:"merchant_id"`
	Name       string          `json:"name"`
	Rate       decimal.Decimal `gorm:"type:decimal(10,6)" json:"rate"`
	Position   int             `json:"position"`
}

// Member is a wallet snapshot: points balance, tier and election settings
type Member struct {
	ID         uint   `gorm:"primaryKey" json:"-"`
	MemberID   string `gorm:"uniqueIndex" json:"member_id"`
	MerchantID string `gorm:"index" json:"merchant_id"`
	Broker     string `json:"broker"`
	Tier       string `json:"tier"`
	Points     int64  `json:"points"`
	// SweepPercentage of 0 means the whole balance is swept.
	SweepPercentage int              `json:"sweep_percentage"`
	Active          bool             `json:"active"`
	Elections       []BasketElection `gorm:"foreignKey:MemberID;references:MemberID" json:"elections,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// BasketElection is one symbol pick of a member's basket
type BasketElection struct {
	ID       uint   `gorm:"primaryKey" json:"-"`
	MemberID string `gorm:"index" json:"member_id"`
	Symbol   string `json:"symbol"`
	// Allocation is a percentage of the member's cash. When every pick of a
	// basket has zero allocation the cash is split evenly.
	Allocation decimal.Decimal `gorm:"type:decimal(7,4)" json:"allocation"`
	Position   int             `json:"position"`
}

// SymbolPrice is the latest price published by the price feed
type SymbolPrice struct {
	ID        uint            `gorm:"primaryKey" json:"-"`
	Symbol    string          `gorm:"uniqueIndex" json:"symbol"`
	Price     decimal.Decimal `gorm:"type:decimal(18,4)" json:"price"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// BrokerAccount is a broker registry entry
type BrokerAccount struct {
	ID         uint   `gorm:"primaryKey" json:"-"`
	Name       string `gorm:"uniqueIndex" json:"name"`
	Type       string `json:"type"` // webhook, alpaca, simulated
	Endpoint   string `json:"endpoint"`
	APIKey     string `json:"-"`
	APISecret  string `json:"-"`
	ACHRouting string `json:"ach_routing"`
	ACHAccount string `json:"ach_account"`
	Active     bool   `json:"active"`
}
