package execution

import (
	"context"
	"time"

	"github.com/ksred/klear-sweep/internal/broker"
	"github.com/ksred/klear-sweep/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Database is the execution repository
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetPlacedOrders returns placed orders matching the filter, grouped
// contiguously by merchant, broker and basket
func (d *Database) GetPlacedOrders(ctx context.Context, filter Filter) ([]types.Order, error) {
	var orders []types.Order
	q := d.db.WithContext(ctx).Where("status = ?", types.OrderPlaced)
	if filter.MerchantID != "" {
		q = q.Where("merchant_id = ?", filter.MerchantID)
	}
	if filter.BasketID != "" {
		q = q.Where("basket_id = ?", filter.BasketID)
	}
	err := q.Order("merchant_id ASC, broker ASC, basket_id ASC, id ASC").Find(&orders).Error
	return orders, err
}

// ConfirmOrder records a fill and moves the order from placed to confirmed.
// It reports false when the order had already left placed.
func (d *Database) ConfirmOrder(ctx context.Context, orderID string, fill *broker.Fill, amount decimal.Decimal, now time.Time) (bool, error) {
	result := d.db.WithContext(ctx).Model(&types.Order{}).
		Where("order_id = ? AND status = ?", orderID, types.OrderPlaced).
		Updates(map[string]interface{}{
			"status":          types.OrderConfirmed,
			"executed_price":  fill.Price,
			"executed_shares": fill.Shares,
			"executed_amount": amount,
			"executed_at":     now,
			"failure_reason":  "",
		})
	return result.RowsAffected > 0, result.Error
}

// FailOrder moves a placed order to failed with the reason
func (d *Database) FailOrder(ctx context.Context, orderID, reason string) error {
	return d.db.WithContext(ctx).Model(&types.Order{}).
		Where("order_id = ? AND status = ?", orderID, types.OrderPlaced).
		Updates(map[string]interface{}{
			"status":         types.OrderFailed,
			"failure_reason": reason,
		}).Error
}
