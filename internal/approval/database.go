package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-sweep/internal/staging"
	"github.com/ksred/klear-sweep/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Database is the approval repository
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// LockBatch performs the one-way staged to approved transition and creates a
// pending order for every staged row. Both happen in one transaction; the
// conditional status update is what makes concurrent approvals single-writer.
// Any mismatch with confirm rolls the whole transition back.
func (d *Database) LockBatch(ctx context.Context, batchID, operator string, confirm Confirmation, now time.Time) (*ApproveResult, error) {
	result := &ApproveResult{BatchID: batchID}

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&types.Batch{}).Where("batch_id = ? AND status = ?", batchID, types.BatchStaged)
		if confirm.RefreshCount != nil {
			q = q.Where("refresh_count = ?", *confirm.RefreshCount)
		}
		update := q.Updates(map[string]interface{}{
			"status":       types.BatchApproved,
			"staged_scope": nil,
			"approved_by":  operator,
			"approved_at":  now,
		})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			var current types.Batch
			if err := tx.Where("batch_id = ?", batchID).First(&current).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return staging.ErrBatchNotFound
				}
				return err
			}
			if current.Status != types.BatchStaged || confirm.RefreshCount == nil {
				return staging.ErrBatchNotStaged
			}
			return fmt.Errorf("refresh_count is %d, confirmed %d: %w", current.RefreshCount, *confirm.RefreshCount, ErrSummaryChanged)
		}

		var rows []types.StagedOrder
		if err := tx.Where("batch_id = ?", batchID).Order("basket_id ASC, id ASC").Find(&rows).Error; err != nil {
			return fmt.Errorf("failed to load staged rows: %w", err)
		}
		if err := confirm.check(rows); err != nil {
			return err
		}

		orders := make([]types.Order, 0, len(rows))
		for _, row := range rows {
			orders = append(orders, types.Order{
				OrderID:      "ORD_" + uuid.New().String(),
				BatchID:      row.BatchID,
				BasketID:     row.BasketID,
				MemberID:     row.MemberID,
				MerchantID:   row.MerchantID,
				Broker:       row.Broker,
				Symbol:       row.Symbol,
				Price:        row.Price,
				Shares:       row.Shares,
				Amount:       row.Amount,
				PointsUsed:   row.PointsUsed,
				MissingPrice: row.MissingPrice,
				Status:       types.OrderPending,
			})
			if row.MissingPrice {
				result.MissingPrices++
			}
		}
		if len(orders) > 0 {
			if err := tx.CreateInBatches(orders, 200).Error; err != nil {
				return fmt.Errorf("failed to create orders: %w", err)
			}
		}
		result.OrdersCreated = len(orders)

		return tx.Model(&types.Batch{}).
			Where("batch_id = ?", batchID).
			Updates(map[string]interface{}{
				"orders_created": result.OrdersCreated,
				"missing_prices": result.MissingPrices,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// check compares the staged rows about to be locked with the confirmed totals
func (c Confirmation) check(rows []types.StagedOrder) error {
	if c.TotalOrders != nil && *c.TotalOrders != len(rows) {
		return fmt.Errorf("total_orders is %d, confirmed %d: %w", len(rows), *c.TotalOrders, ErrSummaryChanged)
	}
	if c.TotalAmount != nil {
		total := decimal.Zero
		for _, row := range rows {
			total = total.Add(row.Amount)
		}
		if !total.Equal(*c.TotalAmount) {
			return fmt.Errorf("total_amount is %s, confirmed %s: %w", total.StringFixed(2), c.TotalAmount.StringFixed(2), ErrSummaryChanged)
		}
	}
	return nil
}

// GetOrder retrieves a live order by id
func (d *Database) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// RepriceOrder sets the price and shares of a pending order and clears its
// missing price flag
func (d *Database) RepriceOrder(ctx context.Context, orderID string, price, shares decimal.Decimal) error {
	result := d.db.WithContext(ctx).Model(&types.Order{}).
		Where("order_id = ? AND status = ?", orderID, types.OrderPending).
		Updates(map[string]interface{}{
			"price":         price,
			"shares":        shares,
			"missing_price": false,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOrderNotPending
	}
	return nil
}
