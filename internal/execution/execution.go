package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-sweep/internal/broker"
	"github.com/ksred/klear-sweep/internal/sweep"
	"github.com/ksred/klear-sweep/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service fills placed orders
type Service struct {
	db     *Database
	filler Filler
	now    func() time.Time
}

// NewService creates an execution service with the given database connection
func NewService(gormDB *gorm.DB, filler Filler) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		filler: filler,
		now:    time.Now,
	}
}

// Execute fills every placed order matching the filter. A failed fill marks
// that order failed and the run continues. Orders a live broker has not
// filled yet stay placed.
func (s *Service) Execute(ctx context.Context, filter Filter) (*ExecuteResult, error) {
	start := s.now()
	logger := log.With().
		Str("merchant_id", filter.MerchantID).
		Str("basket_id", filter.BasketID).
		Str("service", "execution").
		Logger()

	orders, err := s.db.GetPlacedOrders(ctx, filter)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load placed orders")
		return nil, fmt.Errorf("execute: %w", err)
	}

	logger.Info().Int("orders", len(orders)).Msg("starting execution")

	result := &ExecuteResult{Errors: []string{}}
	baskets := map[string]bool{}

	for i := range orders {
		order := &orders[i]
		baskets[order.BasketID] = true

		fill, err := s.filler.Fill(ctx, order)
		if err != nil {
			if errors.Is(err, broker.ErrNotFilled) {
				result.OrdersPending++
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			result.OrdersFailed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", order.OrderID, err))
			if failErr := s.db.FailOrder(ctx, order.OrderID, err.Error()); failErr != nil {
				logger.Error().Err(failErr).Str("order_id", order.OrderID).Msg("failed to mark order failed")
			}
			logger.Warn().Err(err).Str("order_id", order.OrderID).Msg("order fill failed")
			continue
		}

		amount := fill.Shares.Mul(fill.Price).RoundBank(2)
		confirmed, err := s.db.ConfirmOrder(ctx, order.OrderID, fill, amount, s.now())
		if err != nil {
			logger.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to confirm order")
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", order.OrderID, err))
			continue
		}
		if confirmed {
			result.OrdersExecuted++
		}
	}

	result.BasketsProcessed = len(baskets)
	result.DurationSeconds = s.now().Sub(start).Seconds()

	logger.Info().
		Int("orders_executed", result.OrdersExecuted).
		Int("orders_failed", result.OrdersFailed).
		Int("orders_pending", result.OrdersPending).
		Int("baskets_processed", result.BasketsProcessed).
		Msg("execution completed")

	return result, nil
}

// Preview groups the placed orders matching the filter without filling them
func (s *Service) Preview(ctx context.Context, filter Filter) (*PreviewResult, error) {
	orders, err := s.db.GetPlacedOrders(ctx, filter)
	if err != nil {
		return nil, err
	}

	result := &PreviewResult{TotalAmount: decimal.Zero, Merchants: []MerchantGroup{}}
	for _, o := range orders {
		result.Orders++
		result.TotalAmount = result.TotalAmount.Add(o.Amount)

		mi := len(result.Merchants) - 1
		if mi < 0 || result.Merchants[mi].MerchantID != o.MerchantID {
			result.Merchants = append(result.Merchants, MerchantGroup{MerchantID: o.MerchantID})
			mi++
		}
		merchant := &result.Merchants[mi]

		bi := len(merchant.Brokers) - 1
		if bi < 0 || merchant.Brokers[bi].Broker != o.Broker {
			merchant.Brokers = append(merchant.Brokers, BrokerGroup{Broker: o.Broker})
			bi++
		}
		brk := &merchant.Brokers[bi]

		ki := len(brk.Baskets) - 1
		if ki < 0 || brk.Baskets[ki].BasketID != o.BasketID {
			brk.Baskets = append(brk.Baskets, BasketGroup{BasketID: o.BasketID, MemberID: o.MemberID, TotalAmount: decimal.Zero})
			ki++
			result.Baskets++
		}
		basket := &brk.Baskets[ki]
		basket.Orders = append(basket.Orders, o)
		basket.TotalAmount = basket.TotalAmount.Add(o.Amount)
	}
	return result, nil
}

// GinHandlers contains HTTP handlers for broker execution endpoints
type GinHandlers struct {
	service *Service
	sweep   *sweep.Service
}

// NewGinHandlers creates a new set of HTTP handlers. Dispatch history is
// served from the sweep service.
func NewGinHandlers(service *Service, sweepService *sweep.Service) *GinHandlers {
	return &GinHandlers{
		service: service,
		sweep:   sweepService,
	}
}

// ActionHandler handles POST /broker/execute. The action selects the
// operation; execute, execute_merchant and execute_basket differ only in the
// filter they apply.
func (h *GinHandlers) ActionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ActionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		ctx := c.Request.Context()
		var (
			data interface{}
			err  error
		)
		switch req.Action {
		case "preview":
			data, err = h.service.Preview(ctx, Filter{MerchantID: req.MerchantID, BasketID: req.BasketID})
		case "execute":
			data, err = h.service.Execute(ctx, Filter{})
		case "execute_merchant":
			if req.MerchantID == "" {
				response.BadRequest(c, "merchant_id is required")
				return
			}
			data, err = h.service.Execute(ctx, Filter{MerchantID: req.MerchantID})
		case "execute_basket":
			if req.BasketID == "" {
				response.BadRequest(c, "basket_id is required")
				return
			}
			data, err = h.service.Execute(ctx, Filter{BasketID: req.BasketID})
		case "history":
			data, err = h.sweep.History(ctx, req.MerchantID, req.Limit)
		case "exec_orders":
			if req.ExecID == "" {
				response.BadRequest(c, "exec_id is required")
				return
			}
			data, err = h.sweep.ExecOrders(ctx, req.ExecID)
		default:
			err = fmt.Errorf("%q: %w", req.Action, ErrUnknownAction)
		}

		response.Handle(c, data, err)
	}
}
