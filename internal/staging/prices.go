package staging

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksred/klear-sweep/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrPriceUnavailable is returned when the feed has no usable price
var ErrPriceUnavailable = errors.New("price unavailable")

// PriceFeed looks up the latest price of a symbol
type PriceFeed interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// DBPriceFeed reads prices published to the symbol_prices table
type DBPriceFeed struct {
	db *gorm.DB
}

// NewDBPriceFeed creates a price feed over the symbol_prices table
func NewDBPriceFeed(db *gorm.DB) *DBPriceFeed {
	return &DBPriceFeed{db: db}
}

// Price returns the stored price of symbol
func (f *DBPriceFeed) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var row types.SymbolPrice
	if err := f.db.WithContext(ctx).Where("symbol = ?", symbol).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, fmt.Errorf("%s: %w", symbol, ErrPriceUnavailable)
		}
		return decimal.Zero, err
	}
	if !row.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s: %w", symbol, ErrPriceUnavailable)
	}
	return row.Price, nil
}
