package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-sweep/internal/types"
	"gorm.io/gorm"
)

// settleable are the order states a payment batch may include
var settleable = []types.OrderStatus{types.OrderConfirmed, types.OrderExecuted}

// Database is the payments repository
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetUnpaidOrders returns settleable orders not yet paid, optionally for one merchant
func (d *Database) GetUnpaidOrders(ctx context.Context, merchantID string) ([]types.Order, error) {
	var orders []types.Order
	q := d.db.WithContext(ctx).Where("status IN ? AND paid_flag = ?", settleable, false)
	if merchantID != "" {
		q = q.Where("merchant_id = ?", merchantID)
	}
	err := q.Order("merchant_id ASC, broker ASC, basket_id ASC, id ASC").Find(&orders).Error
	return orders, err
}

// SettleBatch writes a payment batch for the unpaid orders of one merchant
// and broker and marks those orders paid, all in one transaction
func (d *Database) SettleBatch(ctx context.Context, merchantID, broker, idPrefix string, now time.Time) (*types.PaymentBatch, error) {
	var batch types.PaymentBatch

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var orders []types.Order
		if err := tx.Where("merchant_id = ? AND broker = ? AND status IN ? AND paid_flag = ?", merchantID, broker, settleable, false).
			Order("basket_id ASC, id ASC").
			Find(&orders).Error; err != nil {
			return err
		}
		if len(orders) == 0 {
			return ErrNothingToSettle
		}

		batchID, err := nextPaymentID(tx, idPrefix)
		if err != nil {
			return err
		}

		var account *types.BrokerAccount
		var acct types.BrokerAccount
		if err := tx.Where("UPPER(name) = ?", strings.ToUpper(broker)).First(&acct).Error; err == nil {
			account = &acct
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		batch = types.PaymentBatch{
			BatchID:     batchID,
			MerchantID:  merchantID,
			Broker:      broker,
			Status:      types.PaymentSettled,
			OrderCount:  len(orders),
			TotalAmount: sumSettle(orders),
			PaidAt:      now,
		}
		if batch.DetailCSV, err = detailCSV(batchID, orders); err != nil {
			return fmt.Errorf("failed to build detail export: %w", err)
		}
		if batch.ACHCSV, err = achCSV(&batch, account); err != nil {
			return fmt.Errorf("failed to build ACH export: %w", err)
		}
		if err := tx.Create(&batch).Error; err != nil {
			return fmt.Errorf("failed to create payment batch: %w", err)
		}

		entries := make([]types.LedgerEntry, 0, len(orders))
		ids := make([]string, 0, len(orders))
		for _, o := range orders {
			ids = append(ids, o.OrderID)
			entries = append(entries, types.LedgerEntry{
				EntryID:        "LED-" + uuid.New().String(),
				PaymentBatchID: batchID,
				OrderID:        o.OrderID,
				MemberID:       o.MemberID,
				MerchantID:     o.MerchantID,
				Broker:         o.Broker,
				Direction:      "debit",
				Amount:         o.SettleAmount(),
			})
		}
		if err := tx.CreateInBatches(entries, 200).Error; err != nil {
			return fmt.Errorf("failed to create ledger entries: %w", err)
		}

		result := tx.Model(&types.Order{}).
			Where("order_id IN ? AND paid_flag = ?", ids, false).
			Updates(map[string]interface{}{
				"status":        types.OrderSettled,
				"paid_flag":     true,
				"paid_batch_id": batchID,
				"paid_at":       now,
			})
		if result.Error != nil {
			return result.Error
		}
		if int(result.RowsAffected) != len(ids) {
			return ErrOrdersChanged
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// CancelBatch reverses a settled payment batch. Orders return to executed
// with their paid fields cleared; nothing changes unless every step succeeds
// and the batch still matches the confirmed detail.
func (d *Database) CancelBatch(ctx context.Context, req CancelRequest, operator string, now time.Time) (*CancelResult, error) {
	batchID := req.BatchID
	result := &CancelResult{BatchID: batchID}

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var batch types.PaymentBatch
		if err := tx.Where("batch_id = ?", batchID).First(&batch).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBatchNotFound
			}
			return err
		}
		if batch.Status == types.PaymentCancelled {
			return ErrBatchAlreadyCancelled
		}
		if err := req.check(&batch); err != nil {
			return err
		}

		orders := tx.Model(&types.Order{}).
			Where("paid_batch_id = ?", batchID).
			Updates(map[string]interface{}{
				"status":        types.OrderExecuted,
				"paid_flag":     false,
				"paid_batch_id": "",
				"paid_at":       nil,
			})
		if orders.Error != nil {
			return orders.Error
		}
		result.OrdersCancelled = int(orders.RowsAffected)
		if req.OrderCount != nil && result.OrdersCancelled != *req.OrderCount {
			return fmt.Errorf("%d orders linked, confirmed %d: %w", result.OrdersCancelled, *req.OrderCount, ErrBatchChanged)
		}

		if req.removeLedger() {
			entries := tx.Where("payment_batch_id = ?", batchID).Delete(&types.LedgerEntry{})
			if entries.Error != nil {
				return entries.Error
			}
			result.LedgerEntriesRemoved = int(entries.RowsAffected)
		}

		update := tx.Model(&types.PaymentBatch{}).
			Where("batch_id = ? AND status = ?", batchID, types.PaymentSettled).
			Updates(map[string]interface{}{
				"status":       types.PaymentCancelled,
				"cancelled_at": now,
				"cancelled_by": operator,
			})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			return ErrBatchAlreadyCancelled
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListBatches returns settled payment batches, newest first
func (d *Database) ListBatches(ctx context.Context, merchantID string, limit int) ([]types.PaymentBatch, error) {
	var batches []types.PaymentBatch
	q := d.db.WithContext(ctx).
		Where("status = ?", types.PaymentSettled).
		Order("paid_at DESC, id DESC").
		Limit(limit)
	if merchantID != "" {
		q = q.Where("merchant_id = ?", merchantID)
	}
	err := q.Find(&batches).Error
	return batches, err
}

// GetBatch retrieves a payment batch by id
func (d *Database) GetBatch(ctx context.Context, batchID string) (*types.PaymentBatch, error) {
	var batch types.PaymentBatch
	if err := d.db.WithContext(ctx).Where("batch_id = ?", batchID).First(&batch).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}
	return &batch, nil
}

// GetBatchOrders returns the orders currently paid by a batch
func (d *Database) GetBatchOrders(ctx context.Context, batchID string) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.WithContext(ctx).
		Where("paid_batch_id = ?", batchID).
		Order("basket_id ASC, id ASC").
		Find(&orders).Error
	return orders, err
}

// CountLedgerEntries counts the ledger entries of a batch
func (d *Database) CountLedgerEntries(ctx context.Context, batchID string) (int64, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&types.LedgerEntry{}).Where("payment_batch_id = ?", batchID).Count(&n).Error
	return n, err
}

// nextPaymentID returns prefix for the first batch and prefix-n after that.
// Cancelled batches keep their ids, so numbering never goes backwards.
func nextPaymentID(tx *gorm.DB, prefix string) (string, error) {
	var n int64
	if err := tx.Model(&types.PaymentBatch{}).
		Where("batch_id = ? OR batch_id LIKE ?", prefix, prefix+"-%").
		Count(&n).Error; err != nil {
		return "", err
	}
	if n == 0 {
		return prefix, nil
	}
	return fmt.Sprintf("%s-%d", prefix, n+1), nil
}
