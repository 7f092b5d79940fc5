package migrations

import "gorm.io/gorm"

// AddPipelineIndexes adds the composite indexes used by sweep selection,
// settlement aggregation and lineage lookups
func AddPipelineIndexes(db *gorm.DB) error {
	indexes := []string{
		// Sweep selection: pending orders by merchant and broker
		`CREATE INDEX IF NOT EXISTS idx_orders_status_merchant_broker
		 ON orders(status, merchant_id, broker)`,

		// Settlement aggregation: unpaid executed orders per pair
		`CREATE INDEX IF NOT EXISTS idx_orders_unpaid
		 ON orders(paid_flag, status, merchant_id, broker)`,

		// Staged rows of a batch, per basket
		`CREATE INDEX IF NOT EXISTS idx_staged_orders_batch_basket
		 ON staged_orders(batch_id, basket_id)`,

		// Payment batch listing
		`CREATE INDEX IF NOT EXISTS idx_payment_batches_merchant_status
		 ON payment_batches(merchant_id, status, created_at)`,

		// Execution history per merchant
		`CREATE INDEX IF NOT EXISTS idx_execution_records_merchant_created
		 ON execution_records(merchant_id, created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
