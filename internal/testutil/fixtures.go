// Package testutil provides a file-backed test database and seed helpers.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/klear-sweep/internal/database"
	"github.com/ksred/klear-sweep/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTestDB opens a migrated sqlite database in the test's temp dir
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "pipeline.db"), logger.Silent)
	require.NoError(t, err, "open test database")

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// Dec parses a decimal literal, panicking on malformed input
func Dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// SeedMerchant inserts an active merchant with the given base rate and tiers
func SeedMerchant(t *testing.T, db *gorm.DB, merchantID, rate string, tiers ...types.MerchantTier) *types.Merchant {
	t.Helper()

	for i := range tiers {
		tiers[i].MerchantID = merchantID
		tiers[i].Position = i
	}
	merchant := &types.Merchant{
		MerchantID:     merchantID,
		Name:           merchantID,
		ConversionRate: Dec(rate),
		Active:         true,
		Tiers:          tiers,
	}
	require.NoError(t, db.Create(merchant).Error, "seed merchant %s", merchantID)
	return merchant
}

// Tier builds a merchant tier
func Tier(name, rate string) types.MerchantTier {
	return types.MerchantTier{Name: name, Rate: Dec(rate)}
}

// SeedMember inserts an active member electing symbols with even allocation
func SeedMember(t *testing.T, db *gorm.DB, memberID, merchantID, broker, tier string, points int64, symbols ...string) *types.Member {
	t.Helper()

	member := &types.Member{
		MemberID:   memberID,
		MerchantID: merchantID,
		Broker:     broker,
		Tier:       tier,
		Points:     points,
		Active:     true,
	}
	for i, symbol := range symbols {
		member.Elections = append(member.Elections, types.BasketElection{
			MemberID: memberID,
			Symbol:   symbol,
			Position: i,
		})
	}
	require.NoError(t, db.Create(member).Error, "seed member %s", memberID)
	return member
}

// SeedPrices upserts symbol prices
func SeedPrices(t *testing.T, db *gorm.DB, prices map[string]string) {
	t.Helper()

	for symbol, price := range prices {
		row := types.SymbolPrice{Symbol: symbol, Price: Dec(price)}
		require.NoError(t, db.Where(types.SymbolPrice{Symbol: symbol}).
			Assign(types.SymbolPrice{Price: row.Price}).
			FirstOrCreate(&row).Error, "seed price %s", symbol)
	}
}

// SeedBroker inserts an active broker registry entry
func SeedBroker(t *testing.T, db *gorm.DB, account types.BrokerAccount) {
	t.Helper()

	account.Active = true
	require.NoError(t, db.Create(&account).Error, "seed broker %s", account.Name)
}

// SeedOrders inserts live orders as-is
func SeedOrders(t *testing.T, db *gorm.DB, orders ...types.Order) {
	t.Helper()

	require.NoError(t, db.Create(&orders).Error, "seed orders")
}

// SeedApprovedBatch inserts an approved staging batch so its orders are sweep eligible
func SeedApprovedBatch(t *testing.T, db *gorm.DB, batchID string) {
	t.Helper()

	batch := &types.Batch{
		BatchID:   batchID,
		Status:    types.BatchApproved,
		Scope:     types.ScopeAll,
		StartedAt: time.Now(),
	}
	require.NoError(t, db.Create(batch).Error, "seed batch %s", batchID)
}

// PendingOrder builds a priced pending order of batchID
func PendingOrder(batchID, orderID, memberID, merchantID, broker, symbol, amount string) types.Order {
	return types.Order{
		OrderID:    orderID,
		BatchID:    batchID,
		BasketID:   "BSK-" + batchID + "-" + memberID,
		MemberID:   memberID,
		MerchantID: merchantID,
		Broker:     broker,
		Symbol:     symbol,
		Price:      Dec("100"),
		Shares:     Dec(amount).Div(Dec("100")).Truncate(6),
		Amount:     Dec(amount),
		PointsUsed: Dec(amount).Mul(Dec("100")).IntPart(),
		Status:     types.OrderPending,
	}
}
