package staging

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-sweep/internal/config"
	"github.com/ksred/klear-sweep/internal/rates"
	"github.com/ksred/klear-sweep/internal/types"
	"github.com/ksred/klear-sweep/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service aggregates member elections into staged batches
type Service struct {
	db     *Database
	prices PriceFeed
	cfg    config.StagingConfig
	now    func() time.Time
}

// NewService creates a staging service with the given database connection
func NewService(gormDB *gorm.DB, cfg config.StagingConfig, prices PriceFeed) *Service {
	if cfg.BatchPrefix == "" {
		cfg.BatchPrefix = "STG"
	}
	return &Service{
		db:     NewDatabase(gormDB),
		prices: prices,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Preview aggregates what a batch for scope would contain without writing anything
func (s *Service) Preview(ctx context.Context, scope Scope) (*PreviewResult, error) {
	logger := log.With().
		Str("scope", scope.Key()).
		Str("service", "staging").
		Logger()

	members, merchants, err := s.db.GetEligibleMembers(ctx, scope)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load eligible members")
		return nil, err
	}

	plans := s.planMembers(members, merchants)

	result := &PreviewResult{
		EstTotalAmount: decimal.Zero,
		ByMerchant:     []MerchantPreview{},
	}
	merchantSet := map[string]bool{}
	brokerSet := map[string]bool{}
	symbolSet := map[string]bool{}
	byMerchant := map[string]int{}

	for _, plan := range plans {
		switch {
		case plan.skipped:
			result.MembersSkipped++
			continue
		case plan.bypassed:
			result.BypassedBelowMin++
			continue
		}

		m := plan.member
		result.EligibleMembers++
		result.TotalPicks += len(plan.picks)
		result.CappedAtMax += plan.capped
		result.EstTotalAmount = result.EstTotalAmount.Add(plan.cash)
		result.EstTotalPoints += plan.points

		merchantSet[m.MerchantID] = true
		brokerSet[m.Broker] = true
		for _, pick := range plan.picks {
			symbolSet[pick.symbol] = true
		}

		idx, ok := byMerchant[m.MerchantID]
		if !ok {
			idx = len(result.ByMerchant)
			byMerchant[m.MerchantID] = idx
			result.ByMerchant = append(result.ByMerchant, MerchantPreview{MerchantID: m.MerchantID})
		}
		result.ByMerchant[idx].Members++
		result.ByMerchant[idx].Picks += len(plan.picks)
	}

	result.UniqueMerchants = len(merchantSet)
	result.UniqueBrokers = len(brokerSet)
	result.UniqueSymbols = len(symbolSet)

	logger.Info().
		Int("eligible_members", result.EligibleMembers).
		Int("total_picks", result.TotalPicks).
		Int("members_skipped", result.MembersSkipped).
		Int("bypassed_below_min", result.BypassedBelowMin).
		Msg("staging preview computed")

	return result, nil
}

// Prepare creates the staged batch for scope, or re-derives the existing one in place
func (s *Service) Prepare(ctx context.Context, scope Scope) (*PrepareResult, error) {
	start := s.now()
	logger := log.With().
		Str("scope", scope.Key()).
		Str("service", "staging").
		Logger()

	logger.Info().Msg("starting batch preparation")

	members, merchants, err := s.db.GetEligibleMembers(ctx, scope)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load eligible members")
		return nil, err
	}

	plans := s.planMembers(members, merchants)
	prices := s.lookupPrices(ctx, plans)

	batch, isRefresh, err := s.db.SaveStagedBatch(ctx, scope, s.cfg.BatchPrefix, start, func(batchID string) ([]types.StagedOrder, PrepareTotals) {
		rows, totals := buildRows(batchID, plans, prices)
		totals.DurationSeconds = s.now().Sub(start).Seconds()
		return rows, totals
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to save staged batch")
		return nil, fmt.Errorf("prepare %s: %w", scope.Key(), err)
	}

	logger.Info().
		Str("batch_id", batch.BatchID).
		Bool("is_refresh", isRefresh).
		Int("refresh_count", batch.RefreshCount).
		Int("total_orders", batch.TotalOrders).
		Str("total_amount", batch.TotalAmount.StringFixed(2)).
		Int("missing_prices", batch.MissingPrices).
		Msg("batch staged")

	return &PrepareResult{
		BatchID:      batch.BatchID,
		IsRefresh:    isRefresh,
		RefreshCount: batch.RefreshCount,
		Results: PrepareTotals{
			TotalMembers:    batch.TotalMembers,
			TotalOrders:     batch.TotalOrders,
			TotalAmount:     batch.TotalAmount,
			TotalShares:     batch.TotalShares,
			TotalPoints:     batch.TotalPoints,
			MembersSkipped:  batch.MembersSkipped,
			CappedAtMax:     batch.CappedAtMax,
			MissingPrices:   batch.MissingPrices,
			DurationSeconds: batch.DurationSeconds,
		},
	}, nil
}

// Discard marks a staged batch discarded. Its rows stay for audit.
func (s *Service) Discard(ctx context.Context, batchID string) error {
	if err := s.db.DiscardBatch(ctx, batchID, s.now()); err != nil {
		return fmt.Errorf("discard %s: %w", batchID, err)
	}
	log.Info().Str("batch_id", batchID).Str("service", "staging").Msg("batch discarded")
	return nil
}

// GetBatch retrieves a batch by id
func (s *Service) GetBatch(ctx context.Context, batchID string) (*types.Batch, error) {
	return s.db.GetBatch(ctx, batchID)
}

// ListBatches lists the newest batches
func (s *Service) ListBatches(ctx context.Context, status string, limit int) ([]types.Batch, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.db.ListBatches(ctx, status, limit)
}

// StagedOrders returns the rows of a batch
func (s *Service) StagedOrders(ctx context.Context, batchID string) ([]types.StagedOrder, error) {
	if _, err := s.db.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	return s.db.GetStagedOrders(ctx, batchID)
}

func (s *Service) planMembers(members []types.Member, merchants map[string]*types.Merchant) []memberPlan {
	plans := make([]memberPlan, 0, len(members))
	for i := range members {
		merchant, ok := merchants[members[i].MerchantID]
		if !ok {
			continue
		}
		plans = append(plans, s.planMember(&members[i], merchant))
	}
	return plans
}

// planMember applies the staging rules to one member
func (s *Service) planMember(member *types.Member, merchant *types.Merchant) memberPlan {
	plan := memberPlan{member: member}

	pct := int64(member.SweepPercentage)
	if pct <= 0 || pct > 100 {
		pct = 100
	}
	points := member.Points * pct / 100

	if points <= 0 || len(member.Elections) == 0 {
		plan.skipped = true
		return plan
	}
	if points < s.cfg.MinSweepPoints {
		plan.bypassed = true
		return plan
	}

	res := rates.Resolve(points, member.Tier, merchant)
	if !res.Cash.IsPositive() {
		plan.skipped = true
		return plan
	}

	elections := member.Elections
	if max := s.cfg.MaxOrdersPerBasket; max > 0 && len(elections) > max {
		plan.capped = len(elections) - max
		elections = elections[:max]
	}

	plan.points = points
	plan.cash = res.Cash
	plan.rate = res.Rate
	plan.tier = res.Tier
	plan.picks = allocate(elections, res.Cash, points)
	return plan
}

// allocate splits cash and points across picks by allocation weight, or
// evenly when no pick carries a weight. The last pick absorbs rounding.
func allocate(elections []types.BasketElection, cash decimal.Decimal, points int64) []pickPlan {
	weighted := make([]types.BasketElection, 0, len(elections))
	total := decimal.Zero
	for _, e := range elections {
		if e.Allocation.IsPositive() {
			weighted = append(weighted, e)
			total = total.Add(e.Allocation)
		}
	}
	if total.IsZero() {
		weighted = weighted[:0]
		for _, e := range elections {
			e.Allocation = decimal.NewFromInt(1)
			weighted = append(weighted, e)
		}
		total = decimal.NewFromInt(int64(len(weighted)))
	}

	picks := make([]pickPlan, 0, len(weighted))
	remainingCash := cash
	remainingPoints := points
	for i, e := range weighted {
		var (
			amount decimal.Decimal
			pts    int64
		)
		if i == len(weighted)-1 {
			amount = remainingCash
			pts = remainingPoints
		} else {
			share := e.Allocation.Div(total)
			amount = cash.Mul(share).RoundBank(2)
			pts = decimal.NewFromInt(points).Mul(share).IntPart()
		}
		remainingCash = remainingCash.Sub(amount)
		remainingPoints -= pts
		picks = append(picks, pickPlan{symbol: e.Symbol, amount: amount, points: pts})
	}
	return picks
}

// lookupPrices fetches each distinct symbol once. Failed lookups are left out
// of the map and surface as missing prices on the staged rows.
func (s *Service) lookupPrices(ctx context.Context, plans []memberPlan) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal)
	failed := make(map[string]bool)

	for _, plan := range plans {
		for _, pick := range plan.picks {
			if _, ok := prices[pick.symbol]; ok || failed[pick.symbol] {
				continue
			}
			price, err := s.prices.Price(ctx, pick.symbol)
			if err != nil || !price.IsPositive() {
				failed[pick.symbol] = true
				log.Warn().Err(err).Str("symbol", pick.symbol).Str("service", "staging").Msg("price lookup failed")
				continue
			}
			prices[pick.symbol] = price
		}
	}
	return prices
}

func buildRows(batchID string, plans []memberPlan, prices map[string]decimal.Decimal) ([]types.StagedOrder, PrepareTotals) {
	totals := PrepareTotals{TotalAmount: decimal.Zero, TotalShares: decimal.Zero}
	var rows []types.StagedOrder

	for _, plan := range plans {
		if plan.skipped || plan.bypassed {
			totals.MembersSkipped++
			continue
		}

		m := plan.member
		basketID := BasketID(batchID, m.MemberID)
		totals.TotalMembers++
		totals.TotalPoints += plan.points
		totals.CappedAtMax += plan.capped

		for _, pick := range plan.picks {
			row := types.StagedOrder{
				BatchID:    batchID,
				BasketID:   basketID,
				MemberID:   m.MemberID,
				MerchantID: m.MerchantID,
				Broker:     m.Broker,
				Symbol:     pick.symbol,
				Tier:       plan.tier,
				Rate:       plan.rate,
				Amount:     pick.amount,
				PointsUsed: pick.points,
			}
			if price, ok := prices[pick.symbol]; ok {
				row.Price = price
				row.Shares = pick.amount.Div(price).Truncate(6)
			} else {
				row.MissingPrice = true
				totals.MissingPrices++
			}

			totals.TotalOrders++
			totals.TotalAmount = totals.TotalAmount.Add(row.Amount)
			totals.TotalShares = totals.TotalShares.Add(row.Shares)
			rows = append(rows, row)
		}
	}
	return rows, totals
}

// BasketID is the basket identifier of a member within a batch
func BasketID(batchID, memberID string) string {
	return fmt.Sprintf("BSK-%s-%s", batchID, memberID)
}

// GinHandlers contains HTTP handlers for staging endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for staging endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// PreviewHandler handles POST /stage/preview
func (h *GinHandlers) PreviewHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var scope Scope
		if err := response.BindOptional(c, &scope); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.Preview(c.Request.Context(), scope)
		response.Handle(c, result, err)
	}
}

// PrepareHandler handles POST /stage/prepare
func (h *GinHandlers) PrepareHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var scope Scope
		if err := response.BindOptional(c, &scope); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.Prepare(c.Request.Context(), scope)
		response.Handle(c, result, err)
	}
}

// DiscardHandler handles POST /batches/:batch_id/discard
func (h *GinHandlers) DiscardHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		batchID := c.Param("batch_id")
		if err := h.service.Discard(c.Request.Context(), batchID); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"batch_id": batchID, "status": types.BatchDiscarded})
	}
}

// GetBatchHandler handles GET /batches/:batch_id
func (h *GinHandlers) GetBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		batch, err := h.service.GetBatch(c.Request.Context(), c.Param("batch_id"))
		response.Handle(c, batch, err)
	}
}

// ListBatchesHandler handles GET /batches
func (h *GinHandlers) ListBatchesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		batches, err := h.service.ListBatches(c.Request.Context(), c.Query("status"), limit)
		response.Handle(c, batches, err)
	}
}

// StagedOrdersHandler handles GET /batches/:batch_id/staged-orders
func (h *GinHandlers) StagedOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := h.service.StagedOrders(c.Request.Context(), c.Param("batch_id"))
		response.Handle(c, rows, err)
	}
}
