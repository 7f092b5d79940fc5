package sweep

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/klear-sweep/internal/types"
	"gorm.io/gorm"
)

// Database is the sweep repository
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetPendingOrders returns pending, priced orders of approved batches in
// scope, ordered so feeds and baskets are contiguous
func (d *Database) GetPendingOrders(ctx context.Context, scope Scope) ([]types.Order, error) {
	var orders []types.Order
	q := d.db.WithContext(ctx).
		Model(&types.Order{}).
		Select("orders.*").
		Joins("JOIN batches ON batches.batch_id = orders.batch_id AND batches.status = ?", types.BatchApproved).
		Where("orders.status = ? AND orders.missing_price = ?", types.OrderPending, false)
	if scope.MerchantID != "" {
		q = q.Where("orders.merchant_id = ?", scope.MerchantID)
	}
	if scope.Broker != "" {
		q = q.Where("UPPER(orders.broker) = UPPER(?)", scope.Broker)
	}
	err := q.Order("orders.merchant_id ASC, orders.broker ASC, orders.basket_id ASC, orders.id ASC").
		Find(&orders).Error
	return orders, err
}

// GetMerchants loads merchants keyed by id
func (d *Database) GetMerchants(ctx context.Context, ids []string) (map[string]*types.Merchant, error) {
	var merchants []types.Merchant
	if err := d.db.WithContext(ctx).Where("merchant_id IN ?", ids).Find(&merchants).Error; err != nil {
		return nil, err
	}
	out := make(map[string]*types.Merchant, len(merchants))
	for i := range merchants {
		out[merchants[i].MerchantID] = &merchants[i]
	}
	return out, nil
}

// CreateExecutionRecord appends a dispatch attempt
func (d *Database) CreateExecutionRecord(ctx context.Context, record *types.ExecutionRecord) error {
	return d.db.WithContext(ctx).Create(record).Error
}

// ClaimOrders moves the given pending orders to dispatching under execID and
// returns the ones this caller won, in feed order. Orders already claimed by
// a concurrent run are left out.
func (d *Database) ClaimOrders(ctx context.Context, execID string, orderIDs []string, now time.Time) ([]types.Order, error) {
	var claimed []types.Order
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&types.Order{}).
			Where("order_id IN ? AND status = ?", orderIDs, types.OrderPending).
			Updates(map[string]interface{}{
				"status":     types.OrderDispatching,
				"exec_id":    execID,
				"claimed_at": now.UTC(),
			}).Error
		if err != nil {
			return err
		}
		return tx.Where("exec_id = ? AND status = ?", execID, types.OrderDispatching).
			Order("basket_id ASC, id ASC").
			Find(&claimed).Error
	})
	return claimed, err
}

// MarkPlaced moves the given orders claimed under execID to placed
func (d *Database) MarkPlaced(ctx context.Context, execID string, orderIDs []string, now time.Time) (int64, error) {
	result := d.db.WithContext(ctx).Model(&types.Order{}).
		Where("order_id IN ? AND exec_id = ? AND status = ?", orderIDs, execID, types.OrderDispatching).
		Updates(map[string]interface{}{
			"status":    types.OrderPlaced,
			"placed_at": now,
		})
	return result.RowsAffected, result.Error
}

// ReleaseClaims returns the orders still claimed under execID to pending
func (d *Database) ReleaseClaims(ctx context.Context, execID string) (int64, error) {
	return d.release(d.db.WithContext(ctx).Where("exec_id = ? AND status = ?", execID, types.OrderDispatching))
}

// ReleaseStaleClaims returns orders claimed before cutoff to pending. Such a
// claim outlived its run, for example when the process stopped mid-dispatch.
func (d *Database) ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	return d.release(d.db.WithContext(ctx).Where("status = ? AND claimed_at < ?", types.OrderDispatching, cutoff.UTC()))
}

func (d *Database) release(q *gorm.DB) (int64, error) {
	result := q.Model(&types.Order{}).Updates(map[string]interface{}{
		"status":     types.OrderPending,
		"exec_id":    "",
		"claimed_at": nil,
	})
	return result.RowsAffected, result.Error
}

// ListExecutionRecords returns the newest dispatch attempts
func (d *Database) ListExecutionRecords(ctx context.Context, merchantID string, limit int) ([]types.ExecutionRecord, error) {
	var records []types.ExecutionRecord
	q := d.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit)
	if merchantID != "" {
		q = q.Where("merchant_id = ?", merchantID)
	}
	err := q.Find(&records).Error
	return records, err
}

// GetExecutionRecord retrieves a dispatch attempt by exec id
func (d *Database) GetExecutionRecord(ctx context.Context, execID string) (*types.ExecutionRecord, error) {
	var record types.ExecutionRecord
	if err := d.db.WithContext(ctx).Where("exec_id = ?", execID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return &record, nil
}

// GetOrdersByExecID returns the orders placed under execID
func (d *Database) GetOrdersByExecID(ctx context.Context, execID string) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.WithContext(ctx).
		Where("exec_id = ?", execID).
		Order("basket_id ASC, id ASC").
		Find(&orders).Error
	return orders, err
}
