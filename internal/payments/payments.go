package payments

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-sweep/internal/types"
	"github.com/ksred/klear-sweep/pkg/middleware"
	"github.com/ksred/klear-sweep/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var nonAlnum = regexp.MustCompile(`[^A-Z0-9]+`)

// keyedMutex serializes work per key
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Service settles executed orders into merchant payment batches
type Service struct {
	db    *Database
	locks keyedMutex
	now   func() time.Time
}

// NewService creates a payments service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db:  NewDatabase(gormDB),
		now: time.Now,
	}
}

// PaymentIDPrefix is the batch id of the first payment of a broker in the month of t
func PaymentIDPrefix(broker string, t time.Time) string {
	return fmt.Sprintf("PAY-%s-%s", t.Format("2006-01"), nonAlnum.ReplaceAllString(strings.ToUpper(broker), ""))
}

// Process settles the unpaid orders of one merchant and broker. Ids sharing
// a prefix are allocated one at a time.
func (s *Service) Process(ctx context.Context, merchantID, broker string) (*ProcessResult, error) {
	now := s.now()
	prefix := PaymentIDPrefix(broker, now)

	logger := log.With().
		Str("merchant_id", merchantID).
		Str("broker", broker).
		Str("service", "payments").
		Logger()

	unlock := s.locks.lock(prefix)
	defer unlock()

	batch, err := s.db.SettleBatch(ctx, merchantID, broker, prefix, now)
	if err != nil {
		logger.Warn().Err(err).Msg("settlement failed")
		return nil, fmt.Errorf("settle %s/%s: %w", merchantID, broker, err)
	}

	logger.Info().
		Str("batch_id", batch.BatchID).
		Int("order_count", batch.OrderCount).
		Str("total_amount", batch.TotalAmount.StringFixed(2)).
		Msg("payment batch settled")

	return &ProcessResult{
		BatchID:     batch.BatchID,
		MerchantID:  batch.MerchantID,
		Broker:      batch.Broker,
		OrderCount:  batch.OrderCount,
		TotalAmount: batch.TotalAmount,
		PaidAt:      batch.PaidAt,
		DetailCSV:   batch.DetailCSV,
		ACHCSV:      batch.ACHCSV,
	}, nil
}

// ProcessMerchant settles every broker of one merchant in turn
func (s *Service) ProcessMerchant(ctx context.Context, merchantID string, progress ProgressFunc) (*BulkResult, error) {
	pairs, err := s.Unpaid(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	return s.processPairs(ctx, pairs, progress), nil
}

// ProcessAll settles every merchant and broker pair in turn
func (s *Service) ProcessAll(ctx context.Context, progress ProgressFunc) (*BulkResult, error) {
	pairs, err := s.Unpaid(ctx, "")
	if err != nil {
		return nil, err
	}
	return s.processPairs(ctx, pairs, progress), nil
}

// processPairs runs Process sequentially; a failed pair is reported and the rest continue
func (s *Service) processPairs(ctx context.Context, pairs []UnpaidPair, progress ProgressFunc) *BulkResult {
	result := &BulkResult{
		Total:     len(pairs),
		Processed: []ProcessResult{},
		Errors:    []string{},
	}
	for i, pair := range pairs {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, ctx.Err().Error())
			break
		}
		if progress != nil {
			progress(i+1, len(pairs), pair.MerchantID, pair.Broker)
		}

		processed, err := s.Process(ctx, pair.MerchantID, pair.Broker)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.Processed = append(result.Processed, *processed)
	}
	return result
}

// Cancel reverses a settled payment batch as a whole
func (s *Service) Cancel(ctx context.Context, req CancelRequest, operator string) (*CancelResult, error) {
	logger := log.With().
		Str("batch_id", req.BatchID).
		Str("operator", operator).
		Str("service", "payments").
		Logger()

	result, err := s.db.CancelBatch(ctx, req, operator, s.now())
	if err != nil {
		logger.Warn().Err(err).Msg("cancellation rejected")
		return nil, fmt.Errorf("cancel %s: %w", req.BatchID, err)
	}

	logger.Info().
		Int("orders_cancelled", result.OrdersCancelled).
		Int("ledger_entries_removed", result.LedgerEntriesRemoved).
		Msg("payment batch cancelled")
	return result, nil
}

// ListBatches returns active payment batches
func (s *Service) ListBatches(ctx context.Context, merchantID string, limit int) ([]types.PaymentBatch, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.db.ListBatches(ctx, merchantID, limit)
}

// Detail returns a payment batch with the orders it pays
func (s *Service) Detail(ctx context.Context, batchID string) (*BatchDetail, error) {
	batch, err := s.db.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	orders, err := s.db.GetBatchOrders(ctx, batchID)
	if err != nil {
		return nil, err
	}
	entries, err := s.db.CountLedgerEntries(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return &BatchDetail{
		Batch:         batch,
		Orders:        orders,
		LedgerEntries: int(entries),
		Cancellable:   batch.Status == types.PaymentSettled,
	}, nil
}

// Unpaid summarizes the unpaid pool per merchant and broker
func (s *Service) Unpaid(ctx context.Context, merchantID string) ([]UnpaidPair, error) {
	orders, err := s.db.GetUnpaidOrders(ctx, merchantID)
	if err != nil {
		return nil, err
	}

	pairs := []UnpaidPair{}
	for _, o := range orders {
		n := len(pairs)
		if n == 0 || pairs[n-1].MerchantID != o.MerchantID || pairs[n-1].Broker != o.Broker {
			pairs = append(pairs, UnpaidPair{MerchantID: o.MerchantID, Broker: o.Broker, TotalAmount: decimal.Zero})
			n++
		}
		pairs[n-1].Orders++
		pairs[n-1].TotalAmount = pairs[n-1].TotalAmount.Add(o.SettleAmount())
	}
	return pairs, nil
}

// GinHandlers contains HTTP handlers for payment endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for payment endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// UnpaidHandler handles GET /payments/unpaid
func (h *GinHandlers) UnpaidHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pairs, err := h.service.Unpaid(c.Request.Context(), c.Query("merchant_id"))
		response.Handle(c, pairs, err)
	}
}

// ExportHandler handles POST /payments/export
func (h *GinHandlers) ExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ExportRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if req.MerchantID == "" || req.Broker == "" {
			response.BadRequest(c, "merchant_id and broker are required")
			return
		}

		result, err := h.service.Process(c.Request.Context(), req.MerchantID, req.Broker)
		response.Handle(c, result, err)
	}
}

// ExportMerchantHandler handles POST /payments/export-merchant
func (h *GinHandlers) ExportMerchantHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ExportRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if req.MerchantID == "" {
			response.BadRequest(c, "merchant_id is required")
			return
		}

		result, err := h.service.ProcessMerchant(c.Request.Context(), req.MerchantID, nil)
		response.Handle(c, result, err)
	}
}

// ExportAllHandler handles POST /payments/export-all
func (h *GinHandlers) ExportAllHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.service.ProcessAll(c.Request.Context(), nil)
		response.Handle(c, result, err)
	}
}

// CancelHandler handles POST /payments/cancel. The body confirms the
// order_count and total_amount of the batch detail.
func (h *GinHandlers) CancelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CancelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.Cancel(c.Request.Context(), req, middleware.Operator(c))
		response.Handle(c, result, err)
	}
}

// ListBatchesHandler handles GET /payments/batches
func (h *GinHandlers) ListBatchesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		batches, err := h.service.ListBatches(c.Request.Context(), c.Query("merchant_id"), limit)
		response.Handle(c, batches, err)
	}
}

// DetailHandler handles GET /payments/batches/:batch_id
func (h *GinHandlers) DetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		detail, err := h.service.Detail(c.Request.Context(), c.Param("batch_id"))
		response.Handle(c, detail, err)
	}
}

// CSVHandler handles GET /payments/batches/:batch_id/csv?type=detail|ach
func (h *GinHandlers) CSVHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		batch, err := h.service.db.GetBatch(c.Request.Context(), c.Param("batch_id"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		kind := c.DefaultQuery("type", "detail")
		var content string
		switch kind {
		case "detail":
			content = batch.DetailCSV
		case "ach":
			content = batch.ACHCSV
		default:
			response.BadRequest(c, "type must be detail or ach")
			return
		}

		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s-%s.csv", batch.BatchID, kind))
		c.Data(http.StatusOK, "text/csv", []byte(content))
	}
}
