package sweep

import (
	"context"
	"time"

	"github.com/ksred/klear-sweep/internal/broker"
	"github.com/ksred/klear-sweep/internal/types"
	"github.com/ksred/klear-sweep/pkg/response"
	"github.com/shopspring/decimal"
)

// minClaimTTL bounds how soon an abandoned dispatch claim is reclaimed
const minClaimTTL = 15 * time.Minute

var (
	ErrExecutionNotFound = response.NotFoundError("execution record not found")
	ErrMarketClosed      = response.PreconditionError("market closed")
)

// Clock reports the trading session
type Clock interface {
	Now() time.Time
	IsOpen(t time.Time) bool
	NextOpen(t time.Time) time.Time
}

// BrokerResolver resolves a broker name to an implementation
type BrokerResolver interface {
	Get(ctx context.Context, name string) (broker.Broker, error)
}

// SchedulePredicate reports whether a merchant's sweep is due at now
type SchedulePredicate func(merchant *types.Merchant, now time.Time) bool

// DefaultSchedule sweeps daily when SweepDay is 0, otherwise on that day of
// the month. Months shorter than SweepDay sweep on their last day.
func DefaultSchedule(merchant *types.Merchant, now time.Time) bool {
	if merchant.SweepDay <= 0 {
		return true
	}
	lastDay := time.Date(now.Year(), now.Month()+1, 0, 0, 0, 0, 0, now.Location()).Day()
	day := merchant.SweepDay
	if day > lastDay {
		day = lastDay
	}
	return now.Day() == day
}

// Scope selects the orders of a sweep. Manual marks an operator trigger,
// which bypasses the schedule when a single merchant is named.
type Scope struct {
	MerchantID string `json:"merchant_id"`
	Broker     string `json:"broker"`
	Manual     bool   `json:"-"`
}

// FeedPreview is one merchant and broker pair of a preview
type FeedPreview struct {
	MerchantID  string          `json:"merchant_id"`
	Broker      string          `json:"broker"`
	Orders      int             `json:"orders"`
	Baskets     int             `json:"baskets"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// PreviewResult lists what a sweep would dispatch
type PreviewResult struct {
	MarketOpen     bool            `json:"market_open"`
	NextMarketOpen *time.Time      `json:"next_market_open,omitempty"`
	Orders         int             `json:"orders"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Feeds          []FeedPreview   `json:"feeds"`
	Eligible       []types.Order   `json:"eligible"`
}

// BasketResult is the outcome of one broker feed
type BasketResult struct {
	ExecID       string          `json:"exec_id"`
	MerchantID   string          `json:"merchant_id"`
	Broker       string          `json:"broker"`
	OrderCount   int             `json:"order_count"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	Acknowledged bool            `json:"acknowledged"`
	Request      string          `json:"request"`
	Response     string          `json:"response"`
	HTTPStatus   int             `json:"http_status"`
	OrdersPlaced int             `json:"orders_placed"`
	Error        string          `json:"error,omitempty"`

	baskets int
}

// RunResults are the counters of a sweep run
type RunResults struct {
	OrdersPlaced       int            `json:"orders_placed"`
	OrdersFailed       int            `json:"orders_failed"`
	MerchantsProcessed int            `json:"merchants_processed"`
	BasketsProcessed   int            `json:"baskets_processed"`
	DurationSeconds    float64        `json:"duration_seconds"`
	BasketResults      []BasketResult `json:"basket_results"`
	Errors             []string       `json:"errors"`
}

// RunResult is returned by Run. Results is nil when the market was closed.
type RunResult struct {
	MarketClosed   bool        `json:"market_closed,omitempty"`
	NextMarketOpen *time.Time  `json:"next_market_open,omitempty"`
	Results        *RunResults `json:"results,omitempty"`
}

// feed is the set of orders dispatched to one broker for one merchant
type feed struct {
	merchantID string
	broker     string
	orders     []types.Order
}
