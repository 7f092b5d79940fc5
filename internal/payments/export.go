package payments

import (
	"bytes"
	"encoding/csv"
	"strconv"

	"github.com/ksred/klear-sweep/internal/types"
	"github.com/shopspring/decimal"
)

var detailHeader = []string{
	"payment_batch_id", "order_id", "basket_id", "member_id", "merchant_id",
	"broker", "symbol", "shares", "price", "amount", "executed_at",
}

var achHeader = []string{
	"payment_batch_id", "broker", "routing_number", "account_number",
	"amount", "order_count", "effective_date", "description",
}

// detailCSV lists every order of a payment batch
func detailCSV(batchID string, orders []types.Order) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(detailHeader); err != nil {
		return "", err
	}
	for _, o := range orders {
		shares, price := o.Shares, o.Price
		if o.ExecutedShares.IsPositive() {
			shares, price = o.ExecutedShares, o.ExecutedPrice
		}
		executedAt := ""
		if o.ExecutedAt != nil {
			executedAt = o.ExecutedAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		if err := w.Write([]string{
			batchID,
			o.OrderID,
			o.BasketID,
			o.MemberID,
			o.MerchantID,
			o.Broker,
			o.Symbol,
			shares.String(),
			price.StringFixed(4),
			o.SettleAmount().StringFixed(2),
			executedAt,
		}); err != nil {
			return "", err
		}
	}

	w.Flush()
	return buf.String(), w.Error()
}

// achCSV is the single credit line paid to the broker's settlement account
func achCSV(batch *types.PaymentBatch, account *types.BrokerAccount) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	routing, acct := "", ""
	if account != nil {
		routing, acct = account.ACHRouting, account.ACHAccount
	}

	rows := [][]string{
		achHeader,
		{
			batch.BatchID,
			batch.Broker,
			routing,
			acct,
			batch.TotalAmount.StringFixed(2),
			strconv.Itoa(batch.OrderCount),
			batch.PaidAt.Format("2006-01-02"),
			"SWEEP " + batch.MerchantID,
		},
	}
	if err := w.WriteAll(rows); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sumSettle(orders []types.Order) decimal.Decimal {
	total := decimal.Zero
	for i := range orders {
		total = total.Add(orders[i].SettleAmount())
	}
	return total
}
