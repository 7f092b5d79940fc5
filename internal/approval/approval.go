package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-sweep/internal/staging"
	"github.com/ksred/klear-sweep/internal/types"
	"github.com/ksred/klear-sweep/pkg/middleware"
	"github.com/ksred/klear-sweep/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service locks staged batches into live orders
type Service struct {
	db      *Database
	staging *staging.Service
	now     func() time.Time
}

// NewService creates an approval service with the given database connection
func NewService(gormDB *gorm.DB, stagingService *staging.Service) *Service {
	return &Service{
		db:      NewDatabase(gormDB),
		staging: stagingService,
		now:     time.Now,
	}
}

// Approve irreversibly converts a staged batch into pending orders.
// Of two concurrent calls on the same batch exactly one succeeds; the other
// receives staging.ErrBatchNotStaged and creates nothing. A batch refreshed
// or changed since confirm was taken from its summary fails with
// ErrSummaryChanged.
func (s *Service) Approve(ctx context.Context, batchID, operator string, confirm Confirmation) (*ApproveResult, error) {
	start := s.now()
	logger := log.With().
		Str("batch_id", batchID).
		Str("operator", operator).
		Str("service", "approval").
		Logger()

	logger.Info().Msg("approving batch")

	result, err := s.db.LockBatch(ctx, batchID, operator, confirm, start)
	if err != nil {
		logger.Warn().Err(err).Msg("approval rejected")
		return nil, fmt.Errorf("approve %s: %w", batchID, err)
	}
	result.DurationSeconds = s.now().Sub(start).Seconds()

	logger.Info().
		Int("orders_created", result.OrdersCreated).
		Int("missing_prices", result.MissingPrices).
		Float64("duration_seconds", result.DurationSeconds).
		Msg("batch approved")

	return result, nil
}

// Summary builds the confirmation summary of a batch before approval
func (s *Service) Summary(ctx context.Context, batchID string) (*Summary, error) {
	batch, err := s.staging.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	rows, err := s.staging.StagedOrders(ctx, batchID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		Batch:       batch,
		TotalAmount: decimal.Zero,
		Feeds:       []FeedSummary{},
		Approvable:  batch.Status == types.BatchStaged,
	}

	members := map[string]bool{}
	feedIndex := map[string]int{}
	feedMembers := map[string]map[string]bool{}

	for _, row := range rows {
		summary.Orders++
		summary.TotalAmount = summary.TotalAmount.Add(row.Amount)
		summary.TotalPoints += row.PointsUsed
		if row.MissingPrice {
			summary.MissingPrices++
		}
		members[row.MemberID] = true

		key := row.MerchantID + "|" + row.Broker
		idx, ok := feedIndex[key]
		if !ok {
			idx = len(summary.Feeds)
			feedIndex[key] = idx
			feedMembers[key] = map[string]bool{}
			summary.Feeds = append(summary.Feeds, FeedSummary{
				MerchantID: row.MerchantID,
				Broker:     row.Broker,
				Amount:     decimal.Zero,
			})
		}
		feed := &summary.Feeds[idx]
		feed.Orders++
		feed.Amount = feed.Amount.Add(row.Amount)
		if !feedMembers[key][row.MemberID] {
			feedMembers[key][row.MemberID] = true
			feed.Members++
		}
	}
	summary.Members = len(members)

	refreshCount, orders, total := batch.RefreshCount, summary.Orders, summary.TotalAmount
	summary.Confirmation = Confirmation{RefreshCount: &refreshCount, TotalOrders: &orders, TotalAmount: &total}

	return summary, nil
}

// Reprice sets the price of a pending order, typically one approved with a
// missing price, making it eligible for sweep
func (s *Service) Reprice(ctx context.Context, orderID string, price decimal.Decimal) (*types.Order, error) {
	if !price.IsPositive() {
		return nil, ErrInvalidPrice
	}

	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != types.OrderPending {
		return nil, ErrOrderNotPending
	}

	shares := order.Amount.Div(price).Truncate(6)
	if err := s.db.RepriceOrder(ctx, orderID, price, shares); err != nil {
		return nil, fmt.Errorf("reprice %s: %w", orderID, err)
	}

	log.Info().
		Str("order_id", orderID).
		Str("price", price.String()).
		Str("shares", shares.String()).
		Str("service", "approval").
		Msg("order repriced")

	return s.db.GetOrder(ctx, orderID)
}

// GinHandlers contains HTTP handlers for approval endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for approval endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ApproveHandler handles POST /batches/:batch_id/approve. The body echoes the
// confirmation block of the batch summary.
func (h *GinHandlers) ApproveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var confirm Confirmation
		if err := c.ShouldBindJSON(&confirm); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		result, err := h.service.Approve(c.Request.Context(), c.Param("batch_id"), middleware.Operator(c), confirm)
		response.Handle(c, result, err)
	}
}

// SummaryHandler handles GET /batches/:batch_id/summary
func (h *GinHandlers) SummaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := h.service.Summary(c.Request.Context(), c.Param("batch_id"))
		response.Handle(c, summary, err)
	}
}

// RepriceHandler handles POST /orders/:order_id/reprice
func (h *GinHandlers) RepriceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RepriceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.Reprice(c.Request.Context(), c.Param("order_id"), req.Price)
		response.Handle(c, order, err)
	}
}
