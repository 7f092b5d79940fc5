package staging

import (
	"github.com/ksred/klear-sweep/internal/types"
	"github.com/ksred/klear-sweep/pkg/response"
	"github.com/shopspring/decimal"
)

var (
	ErrBatchNotFound  = response.NotFoundError("batch not found")
	ErrBatchNotStaged = response.PreconditionError("batch not staged")
	ErrScopeOverlap   = response.PreconditionError("an overlapping staged batch exists")
)

// Scope restricts staging to one merchant; empty means every merchant
type Scope struct {
	MerchantID string `json:"merchant_id"`
}

// Key is the scope identifier stored on the batch
func (s Scope) Key() string {
	if s.MerchantID == "" {
		return types.ScopeAll
	}
	return s.MerchantID
}

// MerchantPreview is the per-merchant breakdown of a preview
type MerchantPreview struct {
	MerchantID string `json:"merchant_id"`
	Members    int    `json:"members"`
	Picks      int    `json:"picks"`
}

// PreviewResult is the read-only aggregation of what a batch would contain
type PreviewResult struct {
	EligibleMembers  int               `json:"eligible_members"`
	UniqueMerchants  int               `json:"unique_merchants"`
	UniqueBrokers    int               `json:"unique_brokers"`
	UniqueSymbols    int               `json:"unique_symbols"`
	TotalPicks       int               `json:"total_picks"`
	EstTotalAmount   decimal.Decimal   `json:"est_total_amount"`
	EstTotalPoints   int64             `json:"est_total_points"`
	BypassedBelowMin int               `json:"bypassed_below_min"`
	CappedAtMax      int               `json:"capped_at_max"`
	MembersSkipped   int               `json:"members_skipped"`
	ByMerchant       []MerchantPreview `json:"by_merchant"`
}

// PrepareTotals are the aggregate counters of a staged batch
type PrepareTotals struct {
	TotalMembers    int             `json:"total_members"`
	TotalOrders     int             `json:"total_orders"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	TotalShares     decimal.Decimal `json:"total_shares"`
	TotalPoints     int64           `json:"total_points"`
	MembersSkipped  int             `json:"members_skipped"`
	CappedAtMax     int             `json:"capped_at_max"`
	MissingPrices   int             `json:"missing_prices"`
	DurationSeconds float64         `json:"duration_seconds"`
}

// PrepareResult is returned by Prepare
type PrepareResult struct {
	BatchID      string        `json:"batch_id"`
	IsRefresh    bool          `json:"is_refresh"`
	RefreshCount int           `json:"refresh_count"`
	Results      PrepareTotals `json:"results"`
}

// memberPlan is the staging outcome for a single member
type memberPlan struct {
	member   *types.Member
	skipped  bool
	bypassed bool
	capped   int
	points   int64
	cash     decimal.Decimal
	rate     decimal.Decimal
	tier     string
	picks    []pickPlan
}

type pickPlan struct {
	symbol string
	amount decimal.Decimal
	points int64
}
