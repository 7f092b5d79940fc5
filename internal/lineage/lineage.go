// Package lineage traces an id through staging, sweep, execution and payment.
package lineage

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-sweep/internal/types"
	"github.com/ksred/klear-sweep/pkg/response"
	"gorm.io/gorm"
)

var ErrUnknownID = response.NotFoundError("no record references this id")

// Kind names what a traced id identified
type Kind string

const (
	KindOrder        Kind = "order"
	KindBasket       Kind = "basket"
	KindStagingBatch Kind = "staging_batch"
	KindPaymentBatch Kind = "payment_batch"
	KindExecution    Kind = "execution"
)

// Trace is every record reachable from an id
type Trace struct {
	ID             string                  `json:"id"`
	Kind           Kind                    `json:"kind"`
	Batches        []types.Batch           `json:"batches"`
	StagedOrders   []types.StagedOrder     `json:"staged_orders"`
	Orders         []types.Order           `json:"orders"`
	Executions     []types.ExecutionRecord `json:"executions"`
	PaymentBatches []types.PaymentBatch    `json:"payment_batches"`
	LedgerEntries  []types.LedgerEntry     `json:"ledger_entries"`
}

// Service answers lineage queries. It never writes.
type Service struct {
	db *gorm.DB
}

// NewService creates a lineage service with the given database connection
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Trace resolves id as an order, execution, payment batch, staging batch or
// basket, in that order, and collects the records linked to it
func (s *Service) Trace(ctx context.Context, id string) (*Trace, error) {
	db := s.db.WithContext(ctx)
	trace := &Trace{ID: id}

	var (
		orders       []types.Order
		stagedFilter = map[string][]string{}
	)

	found, err := s.resolve(db, id, trace, &orders, stagedFilter)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownID)
	}
	trace.Orders = orders

	var (
		batchIDs   = set{}
		basketIDs  = set{}
		execIDs    = set{}
		paymentIDs = set{}
		orderIDs   = set{}
	)
	for _, o := range orders {
		orderIDs.add(o.OrderID)
		batchIDs.add(o.BatchID)
		basketIDs.add(o.BasketID)
		execIDs.add(o.ExecID)
		paymentIDs.add(o.PaidBatchID)
	}
	for _, b := range trace.Batches {
		batchIDs.add(b.BatchID)
	}

	if len(trace.Batches) == 0 && len(batchIDs) > 0 {
		if err := db.Where("batch_id IN ?", batchIDs.list()).Order("id").Find(&trace.Batches).Error; err != nil {
			return nil, err
		}
	}

	if len(stagedFilter) == 0 && len(basketIDs) > 0 {
		stagedFilter["basket_id"] = basketIDs.list()
	}
	for column, values := range stagedFilter {
		if err := db.Where(column+" IN ?", values).Order("basket_id, id").Find(&trace.StagedOrders).Error; err != nil {
			return nil, err
		}
	}

	if len(execIDs) > 0 && trace.Kind != KindExecution {
		if err := db.Where("exec_id IN ?", execIDs.list()).Order("id").Find(&trace.Executions).Error; err != nil {
			return nil, err
		}
	}

	if len(orderIDs) > 0 {
		var entries []types.LedgerEntry
		if err := db.Where("order_id IN ?", orderIDs.list()).Order("id").Find(&entries).Error; err != nil {
			return nil, err
		}
		for _, e := range entries {
			paymentIDs.add(e.PaymentBatchID)
		}
		if trace.Kind != KindPaymentBatch {
			trace.LedgerEntries = entries
		}
	}

	if len(paymentIDs) > 0 && trace.Kind != KindPaymentBatch {
		if err := db.Where("batch_id IN ?", paymentIDs.list()).Order("id").Find(&trace.PaymentBatches).Error; err != nil {
			return nil, err
		}
	}

	return trace, nil
}

// resolve identifies id and loads the records it names directly
func (s *Service) resolve(db *gorm.DB, id string, trace *Trace, orders *[]types.Order, stagedFilter map[string][]string) (bool, error) {
	var order types.Order
	if ok, err := first(db.Where("order_id = ?", id), &order); err != nil || ok {
		if ok {
			trace.Kind = KindOrder
			*orders = []types.Order{order}
		}
		return ok, err
	}

	var exec types.ExecutionRecord
	if ok, err := first(db.Where("exec_id = ?", id), &exec); err != nil || ok {
		if ok {
			trace.Kind = KindExecution
			trace.Executions = []types.ExecutionRecord{exec}
			err = db.Where("exec_id = ?", id).Order("basket_id, id").Find(orders).Error
		}
		return ok, err
	}

	var payment types.PaymentBatch
	if ok, err := first(db.Where("batch_id = ?", id), &payment); err != nil || ok {
		if !ok {
			return false, err
		}
		trace.Kind = KindPaymentBatch
		trace.PaymentBatches = []types.PaymentBatch{payment}
		if err := db.Where("payment_batch_id = ?", id).Order("id").Find(&trace.LedgerEntries).Error; err != nil {
			return true, err
		}
		// A cancelled batch no longer owns its orders; its ledger still names them.
		ids := set{}
		for _, e := range trace.LedgerEntries {
			ids.add(e.OrderID)
		}
		q := db.Where("paid_batch_id = ?", id)
		if len(ids) > 0 {
			q = db.Where("paid_batch_id = ? OR order_id IN ?", id, ids.list())
		}
		return true, q.Order("basket_id, id").Find(orders).Error
	}

	var batch types.Batch
	if ok, err := first(db.Where("batch_id = ?", id), &batch); err != nil || ok {
		if ok {
			trace.Kind = KindStagingBatch
			trace.Batches = []types.Batch{batch}
			stagedFilter["batch_id"] = []string{id}
			err = db.Where("batch_id = ?", id).Order("basket_id, id").Find(orders).Error
		}
		return ok, err
	}

	if err := db.Where("basket_id = ?", id).Order("id").Find(orders).Error; err != nil {
		return false, err
	}
	var row types.StagedOrder
	staged, err := first(db.Where("basket_id = ?", id), &row)
	if err != nil {
		return false, err
	}
	if len(*orders) == 0 && !staged {
		return false, nil
	}
	trace.Kind = KindBasket
	stagedFilter["basket_id"] = []string{id}
	if len(*orders) == 0 {
		// Staged but never approved
		return true, db.Where("batch_id = ?", row.BatchID).Find(&trace.Batches).Error
	}
	return true, nil
}

func first(q *gorm.DB, dest interface{}) (bool, error) {
	err := q.First(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

// set is an insertion-ordered string set ignoring blanks
type set map[string]int

func (s set) add(v string) {
	if v == "" {
		return
	}
	if _, ok := s[v]; !ok {
		s[v] = len(s)
	}
}

func (s set) list() []string {
	out := make([]string, len(s))
	for v, i := range s {
		out[i] = v
	}
	return out
}

// GinHandlers contains HTTP handlers for lineage endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for lineage endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// TraceHandler handles GET /lineage/:id
func (h *GinHandlers) TraceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trace, err := h.service.Trace(c.Request.Context(), c.Param("id"))
		response.Handle(c, trace, err)
	}
}
