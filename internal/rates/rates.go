// Package rates resolves a member's conversion rate and converts points to cash.
package rates

import (
	"strings"

	"github.com/ksred/klear-sweep/internal/types"
	"github.com/shopspring/decimal"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Resolution is the outcome of resolving a member's rate
type Resolution struct {
	Tier string          `json:"tier,omitempty"` // matched tier, empty when the base rate applied
	Rate decimal.Decimal `json:"rate"`
	Cash decimal.Decimal `json:"cash"`
}

// NormalizeRate turns a configured rate into a fraction. Rates of 1 or more
// are percentages; non-positive rates accrue nothing.
func NormalizeRate(rate decimal.Decimal) decimal.Decimal {
	if !rate.IsPositive() {
		return decimal.Zero
	}
	if rate.GreaterThanOrEqual(one) {
		return rate.Div(hundred)
	}
	return rate
}

// EffectiveRate returns the normalized rate of the merchant tier whose name
// matches tier case-insensitively, or the merchant base rate.
func EffectiveRate(tier string, merchant *types.Merchant) (decimal.Decimal, string) {
	tier = strings.TrimSpace(tier)
	if tier != "" {
		for i, t := range merchant.Tiers {
			if i >= types.MaxMerchantTiers {
				break
			}
			if strings.EqualFold(strings.TrimSpace(t.Name), tier) {
				return NormalizeRate(t.Rate), t.Name
			}
		}
	}
	return NormalizeRate(merchant.ConversionRate), ""
}

// Cash converts points at an already normalized rate, rounding half to even at the cent
func Cash(points int64, rate decimal.Decimal) decimal.Decimal {
	if points <= 0 || !rate.IsPositive() {
		return decimal.Zero
	}
	return decimal.NewFromInt(points).Mul(rate).RoundBank(2)
}

// Resolve computes the effective rate and cash value of points for a member tier
func Resolve(points int64, tier string, merchant *types.Merchant) Resolution {
	rate, matched := EffectiveRate(tier, merchant)
	return Resolution{
		Tier: matched,
		Rate: rate,
		Cash: Cash(points, rate),
	}
}
