// Package demo seeds a store with merchants, members, brokers and prices for
// local runs of the pipeline.
package demo

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/ksred/klear-sweep/internal/broker"
	"github.com/ksred/klear-sweep/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	symbols = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META", "VTI", "VOO"}
	brokers = []string{"SIMBROKER", "PAPERTRADE"}
)

// Options sizes the generated data
type Options struct {
	Merchants          int
	MembersPerMerchant int
	Seed               int64
}

// Result counts what Seed inserted
type Result struct {
	Merchants int `json:"merchants"`
	Members   int `json:"members"`
	Skipped   int `json:"merchants_skipped"`
	Brokers   int `json:"brokers"`
	Symbols   int `json:"symbols"`
}

// Seed inserts demo data. Existing merchants are left alone so Seed can be
// rerun against the same store; prices are refreshed every time.
func Seed(ctx context.Context, db *gorm.DB, opts Options) (*Result, error) {
	if opts.Merchants <= 0 {
		opts.Merchants = 3
	}
	if opts.MembersPerMerchant <= 0 {
		opts.MembersPerMerchant = 20
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	result := &Result{}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, name := range brokers {
			account := types.BrokerAccount{
				Name:       name,
				Type:       broker.TypeSimulated,
				ACHRouting: "021000021",
				ACHAccount: fmt.Sprintf("99000%04d", i+1),
				Active:     true,
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&account)
			if res.Error != nil {
				return res.Error
			}
			result.Brokers += int(res.RowsAffected)
		}

		for _, symbol := range symbols {
			price := decimal.NewFromFloat(20 + rng.Float64()*480).Round(2)
			row := types.SymbolPrice{Symbol: symbol, Price: price}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "symbol"}},
				DoUpdates: clause.AssignmentColumns([]string{"price", "updated_at"}),
			}).Create(&row).Error
			if err != nil {
				return err
			}
			result.Symbols++
		}

		for m := 1; m <= opts.Merchants; m++ {
			merchantID := fmt.Sprintf("MER%03d", m)

			var exists int64
			if err := tx.Model(&types.Merchant{}).Where("merchant_id = ?", merchantID).Count(&exists).Error; err != nil {
				return err
			}
			if exists > 0 {
				result.Skipped++
				continue
			}

			if err := tx.Create(newMerchant(merchantID, m, rng)).Error; err != nil {
				return fmt.Errorf("seed merchant %s: %w", merchantID, err)
			}
			result.Merchants++

			members := make([]types.Member, 0, opts.MembersPerMerchant)
			for n := 1; n <= opts.MembersPerMerchant; n++ {
				members = append(members, newMember(fmt.Sprintf("%s-M%04d", merchantID, n), merchantID, rng))
			}
			if err := tx.CreateInBatches(&members, 100).Error; err != nil {
				return fmt.Errorf("seed members of %s: %w", merchantID, err)
			}
			result.Members += len(members)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Int("merchants", result.Merchants).
		Int("members", result.Members).
		Int("merchants_skipped", result.Skipped).
		Msg("demo data seeded")
	return result, nil
}

func newMerchant(merchantID string, n int, rng *rand.Rand) *types.Merchant {
	merchant := &types.Merchant{
		MerchantID: merchantID,
		Name:       fmt.Sprintf("Demo Merchant %d", n),
		ConversionRate: decimal.RequireFromString("0.01"),
		Active:         true,
		Tiers: []types.MerchantTier{
			{MerchantID: merchantID, Name: "Silver", Rate: decimal.RequireFromString("0.0125"), Position: 0},
			{MerchantID: merchantID, Name: "Gold", Rate: decimal.RequireFromString("1.5"), Position: 1},
		},
	}
	// Even merchants configure the same rate in percent notation
	if n%2 == 0 {
		merchant.ConversionRate = decimal.RequireFromString("1")
	}
	if rng.Intn(4) == 0 {
		merchant.SweepDay = 1 + rng.Intn(28)
	}
	return merchant
}

func newMember(memberID, merchantID string, rng *rand.Rand) types.Member {
	tiers := []string{"", "", "Silver", "Gold"}
	member := types.Member{
		MemberID:   memberID,
		MerchantID: merchantID,
		Broker:     brokers[rng.Intn(len(brokers))],
		Tier:       tiers[rng.Intn(len(tiers))],
		Points:     int64(rng.Intn(50000)),
		Active:     true,
	}
	if rng.Intn(3) == 0 {
		member.SweepPercentage = 25 + rng.Intn(4)*25
	}

	picks := rng.Perm(len(symbols))[:1+rng.Intn(3)]
	weighted := rng.Intn(2) == 0
	remaining := 100
	for i, idx := range picks {
		election := types.BasketElection{MemberID: memberID, Symbol: symbols[idx], Position: i}
		if weighted {
			share := remaining
			if i < len(picks)-1 {
				share = remaining / 2
			}
			remaining -= share
			election.Allocation = decimal.NewFromInt(int64(share))
		}
		member.Elections = append(member.Elections, election)
	}
	return member
}
