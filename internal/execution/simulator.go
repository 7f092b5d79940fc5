package execution

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ksred/klear-sweep/internal/broker"
	"github.com/ksred/klear-sweep/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Filler produces the fill of a placed order
type Filler interface {
	Fill(ctx context.Context, order *types.Order) (*broker.Fill, error)
}

// Simulator fills orders at the target price with a bounded random variance,
// the way a venue would when the real broker is not wired up
type Simulator struct {
	variance    decimal.Decimal
	successRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator creates a simulator with the given variance (0.02 means
// +/-2%). A nil source seeds from the clock.
func NewSimulator(variance float64, src rand.Source) *Simulator {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Simulator{
		variance:    decimal.NewFromFloat(variance),
		successRate: 1,
		rng:         rand.New(src),
	}
}

// WithSuccessRate sets the probability that a fill succeeds
func (s *Simulator) WithSuccessRate(rate float64) *Simulator {
	s.successRate = rate
	return s
}

// Fill simulates execution of one order
func (s *Simulator) Fill(_ context.Context, order *types.Order) (*broker.Fill, error) {
	logger := log.With().
		Str("order_id", order.OrderID).
		Str("symbol", order.Symbol).
		Str("price", order.Price.String()).
		Logger()

	if !order.Price.IsPositive() {
		return nil, fmt.Errorf("no target price for %s", order.Symbol)
	}

	s.mu.Lock()
	roll := s.rng.Float64()
	u := s.rng.Float64()
	s.mu.Unlock()

	if roll >= s.successRate {
		logger.Warn().Float64("success_rate", s.successRate).Msg("simulated fill rejected")
		return nil, fmt.Errorf("no fill for %s", order.Symbol)
	}

	// price * (1 + variance * (2u - 1))
	swing := s.variance.Mul(decimal.NewFromFloat(u*2 - 1))
	price := order.Price.Mul(decimal.NewFromInt(1).Add(swing)).Round(4)
	if !price.IsPositive() {
		price = order.Price
	}
	shares := order.Amount.Div(price).Truncate(6)

	logger.Debug().
		Str("executed_price", price.String()).
		Str("executed_shares", shares.String()).
		Msg("price variance applied")

	return &broker.Fill{Price: price, Shares: shares}, nil
}

// LiveAdapter asks the order's broker for the fill
type LiveAdapter struct {
	brokers BrokerResolver
}

// BrokerResolver resolves a broker name to an implementation
type BrokerResolver interface {
	Get(ctx context.Context, name string) (broker.Broker, error)
}

// NewLiveAdapter creates a filler backed by broker fill reports
func NewLiveAdapter(brokers BrokerResolver) *LiveAdapter {
	return &LiveAdapter{brokers: brokers}
}

// Fill returns the broker-reported fill of the order
func (a *LiveAdapter) Fill(ctx context.Context, order *types.Order) (*broker.Fill, error) {
	b, err := a.brokers.Get(ctx, order.Broker)
	if err != nil {
		return nil, err
	}
	reporter, ok := b.(broker.FillReporter)
	if !ok {
		return nil, fmt.Errorf("%s: %w", order.Broker, broker.ErrNoFillSupport)
	}
	return reporter.Fill(ctx, broker.OrderLine{
		OrderID:  order.OrderID,
		BasketID: order.BasketID,
		MemberID: order.MemberID,
		Symbol:   order.Symbol,
		Price:    order.Price,
		Shares:   order.Shares,
		Amount:   order.Amount,
		Points:   order.PointsUsed,
	})
}
