package staging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-sweep/internal/types"
	"gorm.io/gorm"
)

// Database is the staging repository
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetEligibleMembers loads active members of active merchants in scope, with
// their elections, ordered by member id. Merchants are returned keyed by id.
func (d *Database) GetEligibleMembers(ctx context.Context, scope Scope) ([]types.Member, map[string]*types.Merchant, error) {
	var merchants []types.Merchant
	q := d.db.WithContext(ctx).
		Preload("Tiers", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC, id ASC") }).
		Where("active = ?", true)
	if scope.MerchantID != "" {
		q = q.Where("merchant_id = ?", scope.MerchantID)
	}
	if err := q.Find(&merchants).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to fetch merchants: %w", err)
	}

	merchantMap := make(map[string]*types.Merchant, len(merchants))
	ids := make([]string, 0, len(merchants))
	for i := range merchants {
		merchantMap[merchants[i].MerchantID] = &merchants[i]
		ids = append(ids, merchants[i].MerchantID)
	}
	if len(ids) == 0 {
		return nil, merchantMap, nil
	}

	var members []types.Member
	if err := d.db.WithContext(ctx).
		Preload("Elections", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC, symbol ASC") }).
		Where("active = ? AND merchant_id IN ?", true, ids).
		Order("member_id ASC").
		Find(&members).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to fetch members: %w", err)
	}

	return members, merchantMap, nil
}

// GetBatch retrieves a batch by id
func (d *Database) GetBatch(ctx context.Context, batchID string) (*types.Batch, error) {
	var batch types.Batch
	if err := d.db.WithContext(ctx).Where("batch_id = ?", batchID).First(&batch).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}
	return &batch, nil
}

// ListBatches returns the newest batches, optionally filtered by status
func (d *Database) ListBatches(ctx context.Context, status string, limit int) ([]types.Batch, error) {
	var batches []types.Batch
	q := d.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&batches).Error; err != nil {
		return nil, err
	}
	return batches, nil
}

// GetStagedOrders returns the staged rows of a batch ordered by basket
func (d *Database) GetStagedOrders(ctx context.Context, batchID string) ([]types.StagedOrder, error) {
	var rows []types.StagedOrder
	if err := d.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("basket_id ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// SaveStagedBatch creates or refreshes the staged batch for the scope in one
// transaction. build receives the batch id and returns the rows and totals.
func (d *Database) SaveStagedBatch(
	ctx context.Context,
	scope Scope,
	prefix string,
	now time.Time,
	build func(batchID string) ([]types.StagedOrder, PrepareTotals),
) (*types.Batch, bool, error) {
	var (
		batch     types.Batch
		isRefresh bool
	)

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scopeKey := scope.Key()

		err := tx.Where("staged_scope = ?", scopeKey).First(&batch).Error
		switch {
		case err == nil:
			isRefresh = true
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := checkOverlap(tx, scopeKey); err != nil {
				return err
			}
			batchID, err := nextBatchID(tx, prefix, scopeKey, now)
			if err != nil {
				return err
			}
			batch = types.Batch{
				BatchID:     batchID,
				Status:      types.BatchStaged,
				Scope:       scopeKey,
				MerchantID:  scope.MerchantID,
				StagedScope: &scopeKey,
				StartedAt:   now,
			}
			if err := tx.Create(&batch).Error; err != nil {
				return fmt.Errorf("failed to create batch: %w", err)
			}
		default:
			return err
		}

		if err := tx.Where("batch_id = ?", batch.BatchID).Delete(&types.StagedOrder{}).Error; err != nil {
			return fmt.Errorf("failed to clear staged rows: %w", err)
		}

		rows, totals := build(batch.BatchID)
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, 200).Error; err != nil {
				return fmt.Errorf("failed to insert staged rows: %w", err)
			}
		}

		refreshCount := batch.RefreshCount
		if isRefresh {
			refreshCount++
		}
		updates := map[string]interface{}{
			"total_members":    totals.TotalMembers,
			"total_orders":     totals.TotalOrders,
			"total_amount":     totals.TotalAmount,
			"total_shares":     totals.TotalShares,
			"total_points":     totals.TotalPoints,
			"members_skipped":  totals.MembersSkipped,
			"capped_at_max":    totals.CappedAtMax,
			"missing_prices":   totals.MissingPrices,
			"refresh_count":    refreshCount,
			"started_at":       now,
			"duration_seconds": totals.DurationSeconds,
		}
		result := tx.Model(&types.Batch{}).
			Where("batch_id = ? AND status = ?", batch.BatchID, types.BatchStaged).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrBatchNotStaged
		}

		return tx.Where("batch_id = ?", batch.BatchID).First(&batch).Error
	})
	if err != nil {
		return nil, false, err
	}

	return &batch, isRefresh, nil
}

// DiscardBatch moves a staged batch to discarded, keeping its rows
func (d *Database) DiscardBatch(ctx context.Context, batchID string, now time.Time) error {
	result := d.db.WithContext(ctx).Model(&types.Batch{}).
		Where("batch_id = ? AND status = ?", batchID, types.BatchStaged).
		Updates(map[string]interface{}{
			"status":       types.BatchDiscarded,
			"staged_scope": nil,
			"discarded_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := d.GetBatch(ctx, batchID); err != nil {
			return err
		}
		return ErrBatchNotStaged
	}
	return nil
}

// checkOverlap rejects an all-merchant batch while a merchant batch is staged and vice versa
func checkOverlap(tx *gorm.DB, scopeKey string) error {
	q := tx.Model(&types.Batch{}).Where("status = ?", types.BatchStaged)
	if scopeKey == types.ScopeAll {
		q = q.Where("scope <> ?", types.ScopeAll)
	} else {
		q = q.Where("scope = ?", types.ScopeAll)
	}

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrScopeOverlap
	}
	return nil
}

// nextBatchID allocates PREFIX-YYYYMM-SCOPE-n. Ids are never reused because
// discarded and approved batches keep counting.
func nextBatchID(tx *gorm.DB, prefix, scopeKey string, now time.Time) (string, error) {
	base := fmt.Sprintf("%s-%s-%s-", prefix, now.Format("200601"), scopeKey)

	var ids []string
	if err := tx.Model(&types.Batch{}).Where("batch_id LIKE ?", base+"%").Pluck("batch_id", &ids).Error; err != nil {
		return "", err
	}

	return fmt.Sprintf("%s%d", base, len(ids)+1), nil
}
