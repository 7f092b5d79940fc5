package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-sweep/internal/testutil"
	"github.com/ksred/klear-sweep/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const stagingBatch = "STG-202501-ALL-1"

var paidNow = time.Date(2025, 1, 20, 18, 0, 0, 0, time.UTC)

func confirmedOrder(orderID, memberID, merchantID, broker, amount string) types.Order {
	o := testutil.PendingOrder(stagingBatch, orderID, memberID, merchantID, broker, "AAPL", amount)
	executed := paidNow.Add(-time.Hour)
	o.Status = types.OrderConfirmed
	o.ExecutedPrice = testutil.Dec("100")
	o.ExecutedShares = o.Shares
	o.ExecutedAmount = o.Amount
	o.ExecutedAt = &executed
	return o
}

func newService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t)
	testutil.SeedApprovedBatch(t, db, stagingBatch)
	svc := NewService(db)
	svc.now = func() time.Time { return paidNow }
	return svc, db
}

func seedAcmeTen(t *testing.T, db *gorm.DB) {
	t.Helper()

	orders := make([]types.Order, 0, 10)
	for i := 1; i <= 10; i++ {
		orders = append(orders, confirmedOrder(fmt.Sprintf("ORD_%02d", i), fmt.Sprintf("M%d", i), "ACME", "ACME", "50.00"))
	}
	testutil.SeedOrders(t, db, orders...)
}

func confirmCancel(batchID string, orders int, total string, removeLedger bool) CancelRequest {
	amount := testutil.Dec(total)
	return CancelRequest{BatchID: batchID, RemoveLedger: &removeLedger, OrderCount: &orders, TotalAmount: &amount}
}

func TestPaymentIDPrefix(t *testing.T) {
	assert.Equal(t, "PAY-2025-01-ACME", PaymentIDPrefix("Acme", paidNow))
	assert.Equal(t, "PAY-2025-01-INTERACTIVEBROKERS", PaymentIDPrefix("Interactive Brokers", paidNow))
}

func TestProcess(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()
	seedAcmeTen(t, db)
	testutil.SeedBroker(t, db, types.BrokerAccount{Name: "ACME", Type: "simulated", ACHRouting: "021000021", ACHAccount: "123456789"})

	result, err := svc.Process(ctx, "ACME", "ACME")
	require.NoError(t, err)
	assert.Equal(t, "PAY-2025-01-ACME", result.BatchID)
	assert.Equal(t, 10, result.OrderCount)
	assert.Equal(t, "500.00", result.TotalAmount.StringFixed(2))

	var orders []types.Order
	require.NoError(t, db.Where("merchant_id = ?", "ACME").Find(&orders).Error)
	for _, o := range orders {
		assert.Equal(t, types.OrderSettled, o.Status)
		assert.True(t, o.PaidFlag)
		assert.Equal(t, "PAY-2025-01-ACME", o.PaidBatchID)
		assert.NotNil(t, o.PaidAt)
	}

	detail, err := svc.Detail(ctx, result.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 10, detail.LedgerEntries)
	assert.True(t, detail.Cancellable)
	assert.Len(t, detail.Orders, 10)

	lines := strings.Split(strings.TrimSpace(detail.Batch.DetailCSV), "\n")
	assert.Len(t, lines, 11)
	assert.True(t, strings.HasPrefix(lines[0], "payment_batch_id,order_id"))
	assert.Contains(t, detail.Batch.DetailCSV, "ORD_07")
	assert.Contains(t, detail.Batch.ACHCSV, "021000021,123456789,500.00,10,2025-01-20")

	_, err = svc.Process(ctx, "ACME", "ACME")
	assert.ErrorIs(t, err, ErrNothingToSettle)
}

func TestProcess_SequentialIDs(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	testutil.SeedOrders(t, db, confirmedOrder("ORD_1", "M1", "ACME", "ALPACA", "10.00"))
	first, err := svc.Process(ctx, "ACME", "ALPACA")
	require.NoError(t, err)

	testutil.SeedOrders(t, db, confirmedOrder("ORD_2", "M2", "GLOBEX", "ALPACA", "10.00"))
	second, err := svc.Process(ctx, "GLOBEX", "ALPACA")
	require.NoError(t, err)

	assert.Equal(t, "PAY-2025-01-ALPACA", first.BatchID)
	assert.Equal(t, "PAY-2025-01-ALPACA-2", second.BatchID)
}

func TestProcess_ConcurrentPairsGetDistinctIDs(t *testing.T) {
	svc, db := newService(t)

	merchants := []string{"A1", "A2", "A3", "A4"}
	for i, m := range merchants {
		testutil.SeedOrders(t, db, confirmedOrder(fmt.Sprintf("ORD_%d", i), "M"+m, m, "ALPACA", "10.00"))
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	for _, m := range merchants {
		wg.Add(1)
		go func(merchantID string) {
			defer wg.Done()
			result, err := svc.Process(context.Background(), merchantID, "ALPACA")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[result.BatchID] = true
			mu.Unlock()
		}(m)
	}
	wg.Wait()

	assert.Len(t, ids, len(merchants))
	assert.True(t, ids["PAY-2025-01-ALPACA"])
	assert.True(t, ids["PAY-2025-01-ALPACA-4"])
}

func TestCancel_RestoresUnpaidPool(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()
	seedAcmeTen(t, db)

	result, err := svc.Process(ctx, "ACME", "ACME")
	require.NoError(t, err)
	require.Equal(t, "PAY-2025-01-ACME", result.BatchID)

	active, err := svc.ListBatches(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, active, 1)

	cancelled, err := svc.Cancel(ctx, confirmCancel("PAY-2025-01-ACME", 10, "500.00", true), "ops")
	require.NoError(t, err)
	assert.Equal(t, 10, cancelled.OrdersCancelled)
	assert.Equal(t, 10, cancelled.LedgerEntriesRemoved)

	active, err = svc.ListBatches(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, active)

	pool, err := svc.Unpaid(ctx, "ACME")
	require.NoError(t, err)
	require.Len(t, pool, 1)
	assert.Equal(t, 10, pool[0].Orders)
	assert.Equal(t, "500.00", pool[0].TotalAmount.StringFixed(2))

	var orders []types.Order
	require.NoError(t, db.Where("merchant_id = ?", "ACME").Find(&orders).Error)
	for _, o := range orders {
		assert.Equal(t, types.OrderExecuted, o.Status)
		assert.False(t, o.PaidFlag)
		assert.Empty(t, o.PaidBatchID)
		assert.Nil(t, o.PaidAt)
	}

	batch, err := svc.db.GetBatch(ctx, "PAY-2025-01-ACME")
	require.NoError(t, err)
	assert.Equal(t, types.PaymentCancelled, batch.Status)
	assert.Equal(t, "ops", batch.CancelledBy)

	// Re-settling allocates a fresh id.
	again, err := svc.Process(ctx, "ACME", "ACME")
	require.NoError(t, err)
	assert.Equal(t, "PAY-2025-01-ACME-2", again.BatchID)
}

func TestCancel_Errors(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()
	seedAcmeTen(t, db)

	_, err := svc.Cancel(ctx, CancelRequest{BatchID: "PAY-2099-01-NOPE"}, "ops")
	assert.ErrorIs(t, err, ErrBatchNotFound)

	_, err = svc.Process(ctx, "ACME", "ACME")
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, confirmCancel("PAY-2025-01-ACME", 10, "500.00", false), "ops")
	require.NoError(t, err)

	entries, err := svc.db.CountLedgerEntries(ctx, "PAY-2025-01-ACME")
	require.NoError(t, err)
	assert.Equal(t, int64(10), entries, "ledger kept when remove_ledger is false")

	_, err = svc.Cancel(ctx, confirmCancel("PAY-2025-01-ACME", 10, "500.00", true), "ops")
	assert.ErrorIs(t, err, ErrBatchAlreadyCancelled)

	entries, err = svc.db.CountLedgerEntries(ctx, "PAY-2025-01-ACME")
	require.NoError(t, err)
	assert.Equal(t, int64(10), entries, "rejected cancel changes nothing")
}

func TestCancel_UnconfirmedDetailChangesNothing(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()
	seedAcmeTen(t, db)

	_, err := svc.Process(ctx, "ACME", "ACME")
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, confirmCancel("PAY-2025-01-ACME", 9, "500.00", true), "ops")
	assert.ErrorIs(t, err, ErrBatchChanged)
	assert.Contains(t, err.Error(), "order_count is 10, confirmed 9")

	_, err = svc.Cancel(ctx, confirmCancel("PAY-2025-01-ACME", 10, "450.00", true), "ops")
	assert.ErrorIs(t, err, ErrBatchChanged)

	// An order moved off the batch behind the summary's back
	require.NoError(t, db.Model(&types.Order{}).Where("order_id = ?", "ORD_01").Update("paid_batch_id", "").Error)
	_, err = svc.Cancel(ctx, confirmCancel("PAY-2025-01-ACME", 10, "500.00", true), "ops")
	assert.ErrorIs(t, err, ErrBatchChanged)
	assert.Contains(t, err.Error(), "9 orders linked, confirmed 10")

	batch, err := svc.db.GetBatch(ctx, "PAY-2025-01-ACME")
	require.NoError(t, err)
	assert.Equal(t, types.PaymentSettled, batch.Status)

	entries, err := svc.db.CountLedgerEntries(ctx, "PAY-2025-01-ACME")
	require.NoError(t, err)
	assert.Equal(t, int64(10), entries)

	var settled int64
	require.NoError(t, db.Model(&types.Order{}).Where("status = ?", types.OrderSettled).Count(&settled).Error)
	assert.Equal(t, int64(10), settled)
}

func TestProcessAll_ReportsProgress(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	testutil.SeedOrders(t, db,
		confirmedOrder("ORD_1", "M1", "ACME", "ALPACA", "10.00"),
		confirmedOrder("ORD_2", "M2", "ACME", "WEBULL", "20.00"),
		confirmedOrder("ORD_3", "M3", "GLOBEX", "ALPACA", "30.00"),
	)

	var steps []string
	result, err := svc.ProcessAll(ctx, func(current, total int, merchantID, broker string) {
		steps = append(steps, fmt.Sprintf("%d/%d %s %s", current, total, merchantID, broker))
	})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Total)
	assert.Len(t, result.Processed, 3)
	assert.Empty(t, result.Errors)
	assert.Equal(t, []string{"1/3 ACME ALPACA", "2/3 ACME WEBULL", "3/3 GLOBEX ALPACA"}, steps)

	merchant, err := svc.ProcessMerchant(ctx, "ACME", nil)
	require.NoError(t, err)
	assert.Zero(t, merchant.Total)
}

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, db := newService(t)
	seedAcmeTen(t, db)

	h := NewGinHandlers(svc)
	router := gin.New()
	router.POST("/payments/export", h.ExportHandler())
	router.POST("/payments/cancel", h.CancelHandler())
	router.GET("/payments/batches/:batch_id/csv", h.CSVHandler())

	post := func(path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		return w
	}

	w := post("/payments/export", `{"merchant_id":"ACME"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post("/payments/export", `{"merchant_id":"ACME","broker":"ACME"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var exported struct {
		Data ProcessResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &exported))
	assert.Equal(t, "PAY-2025-01-ACME", exported.Data.BatchID)
	assert.Equal(t, 10, exported.Data.OrderCount)
	assert.Equal(t, "500.00", exported.Data.TotalAmount.StringFixed(2))
	assert.True(t, strings.HasPrefix(exported.Data.DetailCSV, "payment_batch_id,order_id"))
	assert.Equal(t, 11, strings.Count(exported.Data.DetailCSV, "\n"))
	assert.Contains(t, exported.Data.ACHCSV, "routing_number")
	assert.Contains(t, exported.Data.ACHCSV, "PAY-2025-01-ACME")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/payments/batches/PAY-2025-01-ACME/csv?type=ach", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Equal(t, exported.Data.ACHCSV, w.Body.String())

	w = post("/payments/cancel", `{"batch_id":"PAY-2025-01-ACME"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "confirmation required")

	w = post("/payments/cancel", `{"batch_id":"PAY-2025-01-ACME","order_count":10,"total_amount":"499.00"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "PRECONDITION_FAILED")

	w = post("/payments/cancel", `{"batch_id":"PAY-2025-01-ACME","order_count":10,"total_amount":"500.00"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"orders_cancelled":10`)
	assert.Contains(t, w.Body.String(), `"ledger_entries_removed":10`)

	w = post("/payments/cancel", `{"batch_id":"PAY-2025-01-ACME","order_count":10,"total_amount":"500.00"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = post("/payments/cancel", `{"batch_id":"PAY-1999-01-X","order_count":1,"total_amount":"1.00"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
