package migrations

import (
	"github.com/ksred/klear-sweep/internal/types"
	"gorm.io/gorm"
)

// CreatePipelineSchema creates the registry snapshot tables read by staging
// and the tables owned by each pipeline stage
func CreatePipelineSchema(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Merchant{},
		&types.MerchantTier{},
		&types.Member{},
		&types.BasketElection{},
		&types.SymbolPrice{},
		&types.BrokerAccount{},
		&types.Batch{},
		&types.StagedOrder{},
		&types.Order{},
		&types.ExecutionRecord{},
		&types.PaymentBatch{},
		&types.LedgerEntry{},
	)
}
