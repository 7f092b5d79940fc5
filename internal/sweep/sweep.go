package sweep

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-sweep/internal/broker"
	"github.com/ksred/klear-sweep/internal/config"
	"github.com/ksred/klear-sweep/internal/types"
	"github.com/ksred/klear-sweep/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Service dispatches pending orders to brokers, one feed per merchant and broker
type Service struct {
	db        *Database
	brokers   BrokerResolver
	clock     Clock
	cfg       config.DispatchConfig
	schedule  SchedulePredicate
	newExecID func() string
}

// NewService creates a sweep service with the given database connection
func NewService(gormDB *gorm.DB, brokers BrokerResolver, clock Clock, cfg config.DispatchConfig) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Service{
		db:       NewDatabase(gormDB),
		brokers:  brokers,
		clock:    clock,
		cfg:      cfg,
		schedule: DefaultSchedule,
		newExecID: func() string {
			return "EXE-" + uuid.New().String()
		},
	}
}

// WithSchedule replaces the merchant sweep schedule
func (s *Service) WithSchedule(p SchedulePredicate) *Service {
	s.schedule = p
	return s
}

// Preview returns the eligible pending orders grouped by merchant and broker.
// Nothing is written.
func (s *Service) Preview(ctx context.Context, scope Scope) (*PreviewResult, error) {
	now := s.clock.Now()
	feeds, err := s.selectFeeds(ctx, scope, now)
	if err != nil {
		return nil, err
	}

	result := &PreviewResult{
		MarketOpen:  s.clock.IsOpen(now),
		TotalAmount: decimal.Zero,
		Feeds:       []FeedPreview{},
		Eligible:    []types.Order{},
	}
	if !result.MarketOpen {
		next := s.clock.NextOpen(now)
		result.NextMarketOpen = &next
	}

	for _, f := range feeds {
		fp := FeedPreview{
			MerchantID:  f.merchantID,
			Broker:      f.broker,
			Orders:      len(f.orders),
			Baskets:     countBaskets(f.orders),
			TotalAmount: sumAmounts(f.orders),
		}
		result.Feeds = append(result.Feeds, fp)
		result.Orders += fp.Orders
		result.TotalAmount = result.TotalAmount.Add(fp.TotalAmount)
		result.Eligible = append(result.Eligible, f.orders...)
	}

	return result, nil
}

// Run dispatches every eligible feed. A closed market makes the whole run a
// no-op. Feeds are independent: a failed feed leaves its orders pending and
// is reported in Errors while the others proceed.
func (s *Service) Run(ctx context.Context, scope Scope) (*RunResult, error) {
	start := s.clock.Now()
	logger := log.With().
		Str("merchant_id", scope.MerchantID).
		Str("broker", scope.Broker).
		Bool("manual", scope.Manual).
		Str("service", "sweep").
		Logger()

	if !s.clock.IsOpen(start) {
		next := s.clock.NextOpen(start)
		logger.Info().Time("next_market_open", next).Msg("market closed, sweep skipped")
		return &RunResult{MarketClosed: true, NextMarketOpen: &next}, nil
	}

	if released, err := s.db.ReleaseStaleClaims(ctx, start.Add(-s.claimTTL())); err != nil {
		logger.Error().Err(err).Msg("failed to release stale claims")
	} else if released > 0 {
		logger.Warn().Int64("orders", released).Msg("released stale dispatch claims")
	}

	feeds, err := s.selectFeeds(ctx, scope, start)
	if err != nil {
		logger.Error().Err(err).Msg("failed to select eligible orders")
		return nil, fmt.Errorf("sweep: %w", err)
	}

	logger.Info().Int("feeds", len(feeds)).Msg("starting sweep")

	results := make([]BasketResult, len(feeds))
	dispatched := make([]bool, len(feeds))
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, f := range feeds {
		i, f := i, f
		g.Go(func() error {
			results[i], dispatched[i] = s.dispatchFeed(ctx, f)
			return nil
		})
	}
	_ = g.Wait()

	out := &RunResults{
		BasketResults: []BasketResult{},
		Errors:        []string{},
	}
	merchants := map[string]bool{}
	for i, r := range results {
		if !dispatched[i] {
			continue
		}
		out.BasketResults = append(out.BasketResults, r)
		merchants[r.MerchantID] = true
		out.OrdersPlaced += r.OrdersPlaced
		if r.Error != "" {
			out.OrdersFailed += r.OrderCount - r.OrdersPlaced
			out.Errors = append(out.Errors, r.Error)
			continue
		}
		out.BasketsProcessed += r.baskets
	}
	out.MerchantsProcessed = len(merchants)
	out.DurationSeconds = s.clock.Now().Sub(start).Seconds()

	logger.Info().
		Int("orders_placed", out.OrdersPlaced).
		Int("orders_failed", out.OrdersFailed).
		Int("merchants_processed", out.MerchantsProcessed).
		Int("errors", len(out.Errors)).
		Msg("sweep completed")

	return &RunResult{Results: out}, nil
}

// claimTTL is how long a dispatch claim may stand before a later run
// reclaims its orders
func (s *Service) claimTTL() time.Duration {
	if ttl := 2 * s.cfg.FeedTimeout; ttl > minClaimTTL {
		return ttl
	}
	return minClaimTTL
}

// selectFeeds loads eligible orders and splits them into feeds. The merchant
// schedule is bypassed for a manual trigger naming one merchant.
func (s *Service) selectFeeds(ctx context.Context, scope Scope, now time.Time) ([]feed, error) {
	orders, err := s.db.GetPendingOrders(ctx, scope)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}

	bypassSchedule := scope.Manual && scope.MerchantID != ""
	var due map[string]bool
	if !bypassSchedule {
		ids := make([]string, 0)
		seen := map[string]bool{}
		for _, o := range orders {
			if !seen[o.MerchantID] {
				seen[o.MerchantID] = true
				ids = append(ids, o.MerchantID)
			}
		}
		merchants, err := s.db.GetMerchants(ctx, ids)
		if err != nil {
			return nil, err
		}
		due = make(map[string]bool, len(merchants))
		for id, m := range merchants {
			due[id] = m.Active && s.schedule(m, now)
		}
	}

	var feeds []feed
	for _, o := range orders {
		if !bypassSchedule && !due[o.MerchantID] {
			continue
		}
		n := len(feeds)
		if n == 0 || feeds[n-1].merchantID != o.MerchantID || feeds[n-1].broker != o.Broker {
			feeds = append(feeds, feed{merchantID: o.MerchantID, broker: o.Broker})
			n++
		}
		feeds[n-1].orders = append(feeds[n-1].orders, o)
	}
	return feeds, nil
}

// dispatchFeed claims the orders of one feed, sends them and places the ones
// the broker accepted while the market is still open. Claims left over are
// released to pending on return. It reports false when a concurrent run had
// already claimed every order of the feed.
func (s *Service) dispatchFeed(ctx context.Context, f feed) (BasketResult, bool) {
	now := s.clock.Now()
	execID := s.newExecID()

	logger := log.With().
		Str("exec_id", execID).
		Str("merchant_id", f.merchantID).
		Str("broker", f.broker).
		Str("service", "sweep").
		Logger()

	var err error
	if !s.clock.IsOpen(now) {
		err = ErrMarketClosed
	} else {
		claimed, claimErr := s.db.ClaimOrders(ctx, execID, orderIDs(f.orders), now)
		switch {
		case claimErr != nil:
			err = fmt.Errorf("claim orders: %w", claimErr)
		case len(claimed) == 0:
			logger.Info().Int("order_count", len(f.orders)).Msg("feed claimed by a concurrent sweep")
			return BasketResult{}, false
		default:
			f.orders = claimed
			defer func() {
				released, relErr := s.db.ReleaseClaims(context.WithoutCancel(ctx), execID)
				if relErr != nil {
					logger.Error().Err(relErr).Msg("failed to release dispatch claims")
				} else if released > 0 {
					logger.Info().Int64("orders", released).Msg("released unplaced orders to pending")
				}
			}()
		}
	}

	payload := buildPayload(execID, f, now)
	res := BasketResult{
		ExecID:      execID,
		MerchantID:  f.merchantID,
		Broker:      f.broker,
		OrderCount:  payload.OrderCount,
		TotalAmount: payload.TotalAmount,
		baskets:     len(payload.Members),
	}

	feedCtx := ctx
	if s.cfg.FeedTimeout > 0 {
		var cancel context.CancelFunc
		feedCtx, cancel = context.WithTimeout(ctx, s.cfg.FeedTimeout)
		defer cancel()
	}

	var ack *broker.AckResult
	if err == nil {
		var b broker.Broker
		b, err = s.brokers.Get(feedCtx, f.broker)
		if err == nil {
			ack, err = b.Dispatch(feedCtx, payload)
		}
	}

	if ack != nil {
		res.Acknowledged = ack.Acknowledged && err == nil
		res.Request = ack.Request
		res.Response = ack.Response
		res.HTTPStatus = ack.HTTPStatus
	}
	if res.Request == "" {
		raw, _ := json.Marshal(payload)
		res.Request = string(raw)
	}
	if err == nil && !res.Acknowledged {
		err = fmt.Errorf("broker %s did not acknowledge the feed", f.broker)
	}

	record := &types.ExecutionRecord{
		ExecID:       execID,
		MerchantID:   f.merchantID,
		Broker:       f.broker,
		OrderCount:   res.OrderCount,
		TotalAmount:  res.TotalAmount,
		Request:      res.Request,
		Response:     res.Response,
		HTTPStatus:   res.HTTPStatus,
		Acknowledged: res.Acknowledged,
	}
	if err != nil {
		record.Error = err.Error()
	}
	if recErr := s.db.CreateExecutionRecord(ctx, record); recErr != nil {
		logger.Error().Err(recErr).Msg("failed to record execution")
		if err == nil {
			err = fmt.Errorf("record execution: %w", recErr)
		}
	}

	// Orders the broker took are placed even when the rest of the feed failed
	if accepted := ack.Accepted(payload); len(accepted) > 0 {
		if !s.clock.IsOpen(s.clock.Now()) {
			if err == nil {
				err = fmt.Errorf("before placement: %w", ErrMarketClosed)
			}
		} else {
			placed, markErr := s.db.MarkPlaced(ctx, execID, accepted, s.clock.Now())
			if markErr != nil && err == nil {
				err = fmt.Errorf("mark placed: %w", markErr)
			}
			res.OrdersPlaced = int(placed)
		}
	}

	if err != nil {
		res.Acknowledged = false
		res.Error = fmt.Sprintf("%s/%s: %v", f.merchantID, f.broker, err)
		logger.Warn().
			Err(err).
			Int("order_count", res.OrderCount).
			Int("orders_placed", res.OrdersPlaced).
			Msg("feed dispatch failed")
		return res, true
	}

	logger.Info().
		Int("orders_placed", res.OrdersPlaced).
		Int("http_status", res.HTTPStatus).
		Msg("feed dispatched")
	return res, true
}

// History returns the newest execution records
func (s *Service) History(ctx context.Context, merchantID string, limit int) ([]types.ExecutionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.db.ListExecutionRecords(ctx, merchantID, limit)
}

// ExecOrdersResult is an execution record with the orders it placed
type ExecOrdersResult struct {
	Record *types.ExecutionRecord `json:"record"`
	Orders []types.Order          `json:"orders"`
}

// ExecOrders returns the orders placed by one dispatch
func (s *Service) ExecOrders(ctx context.Context, execID string) (*ExecOrdersResult, error) {
	record, err := s.db.GetExecutionRecord(ctx, execID)
	if err != nil {
		return nil, err
	}
	orders, err := s.db.GetOrdersByExecID(ctx, execID)
	if err != nil {
		return nil, err
	}
	return &ExecOrdersResult{Record: record, Orders: orders}, nil
}

// buildPayload groups the feed's orders by member basket
func buildPayload(execID string, f feed, now time.Time) broker.Payload {
	payload := broker.Payload{
		ExecID:      execID,
		MerchantID:  f.merchantID,
		Broker:      f.broker,
		OrderCount:  len(f.orders),
		TotalAmount: decimal.Zero,
		SentAt:      now,
	}

	for _, o := range f.orders {
		n := len(payload.Members)
		if n == 0 || payload.Members[n-1].BasketID != o.BasketID {
			payload.Members = append(payload.Members, broker.MemberFeed{
				MemberID:    o.MemberID,
				BasketID:    o.BasketID,
				TotalAmount: decimal.Zero,
			})
			n++
		}
		m := &payload.Members[n-1]
		m.Orders = append(m.Orders, broker.OrderLine{
			OrderID:  o.OrderID,
			BasketID: o.BasketID,
			MemberID: o.MemberID,
			Symbol:   o.Symbol,
			Price:    o.Price,
			Shares:   o.Shares,
			Amount:   o.Amount,
			Points:   o.PointsUsed,
		})
		m.TotalAmount = m.TotalAmount.Add(o.Amount)
		m.TotalPoints += o.PointsUsed

		payload.TotalAmount = payload.TotalAmount.Add(o.Amount)
		payload.TotalPoints += o.PointsUsed
	}
	return payload
}

func orderIDs(orders []types.Order) []string {
	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.OrderID
	}
	return ids
}

func countBaskets(orders []types.Order) int {
	seen := map[string]bool{}
	for _, o := range orders {
		seen[o.BasketID] = true
	}
	return len(seen)
}

func sumAmounts(orders []types.Order) decimal.Decimal {
	total := decimal.Zero
	for _, o := range orders {
		total = total.Add(o.Amount)
	}
	return total
}

// GinHandlers contains HTTP handlers for sweep endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for sweep endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// PreviewHandler handles POST /sweep/preview
func (h *GinHandlers) PreviewHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var scope Scope
		if err := response.BindOptional(c, &scope); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		scope.Manual = true

		result, err := h.service.Preview(c.Request.Context(), scope)
		response.Handle(c, result, err)
	}
}

// RunHandler handles POST /sweep/run
func (h *GinHandlers) RunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var scope Scope
		if err := response.BindOptional(c, &scope); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		scope.Manual = true

		result, err := h.service.Run(c.Request.Context(), scope)
		response.Handle(c, result, err)
	}
}

// HistoryHandler handles GET /sweep/history
func (h *GinHandlers) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		records, err := h.service.History(c.Request.Context(), c.Query("merchant_id"), limit)
		response.Handle(c, records, err)
	}
}

// ExecOrdersHandler handles GET /sweep/executions/:exec_id/orders
func (h *GinHandlers) ExecOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.service.ExecOrders(c.Request.Context(), c.Param("exec_id"))
		response.Handle(c, result, err)
	}
}
