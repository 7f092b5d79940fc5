package lineage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-sweep/internal/testutil"
	"github.com/ksred/klear-sweep/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	batchID   = "STG-202501-ALL-1"
	basketM1  = "BSK-STG-202501-ALL-1-M1"
	execID    = "EXE-0001"
	paymentID = "PAY-2025-01-ACME"
)

// seedTrail records one member's orders through every stage: M1 has two
// settled orders, M2 has one placed order on the same execution
func seedTrail(t *testing.T, db *gorm.DB) {
	t.Helper()

	testutil.SeedApprovedBatch(t, db, batchID)
	require.NoError(t, db.Create(&[]types.StagedOrder{
		{BatchID: batchID, BasketID: basketM1, MemberID: "M1", MerchantID: "ACME", Broker: "ACME", Symbol: "AAPL", Amount: testutil.Dec("30")},
		{BatchID: batchID, BasketID: basketM1, MemberID: "M1", MerchantID: "ACME", Broker: "ACME", Symbol: "MSFT", Amount: testutil.Dec("20")},
		{BatchID: batchID, BasketID: "BSK-STG-202501-ALL-1-M2", MemberID: "M2", MerchantID: "ACME", Broker: "ACME", Symbol: "AAPL", Amount: testutil.Dec("10")},
	}).Error)

	paidAt := time.Date(2025, 1, 20, 18, 0, 0, 0, time.UTC)
	settled := func(orderID, symbol, amount string) types.Order {
		o := testutil.PendingOrder(batchID, orderID, "M1", "ACME", "ACME", symbol, amount)
		o.Status = types.OrderSettled
		o.ExecID = execID
		o.PaidFlag = true
		o.PaidBatchID = paymentID
		o.PaidAt = &paidAt
		return o
	}
	placed := testutil.PendingOrder(batchID, "ORD_3", "M2", "ACME", "ACME", "AAPL", "10")
	placed.Status = types.OrderPlaced
	placed.ExecID = execID
	testutil.SeedOrders(t, db, settled("ORD_1", "AAPL", "30"), settled("ORD_2", "MSFT", "20"), placed)

	require.NoError(t, db.Create(&types.ExecutionRecord{
		ExecID: execID, MerchantID: "ACME", Broker: "ACME", OrderCount: 3, TotalAmount: testutil.Dec("60"), Acknowledged: true,
	}).Error)
	require.NoError(t, db.Create(&types.PaymentBatch{
		BatchID: paymentID, MerchantID: "ACME", Broker: "ACME", Status: types.PaymentSettled,
		OrderCount: 2, TotalAmount: testutil.Dec("50"), PaidAt: paidAt,
	}).Error)
	require.NoError(t, db.Create(&[]types.LedgerEntry{
		{EntryID: "LED-1", PaymentBatchID: paymentID, OrderID: "ORD_1", MemberID: "M1", MerchantID: "ACME", Broker: "ACME", Direction: "debit", Amount: testutil.Dec("30")},
		{EntryID: "LED-2", PaymentBatchID: paymentID, OrderID: "ORD_2", MemberID: "M1", MerchantID: "ACME", Broker: "ACME", Direction: "debit", Amount: testutil.Dec("20")},
	}).Error)
}

func orderIDs(orders []types.Order) []string {
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.OrderID)
	}
	return ids
}

func TestTrace(t *testing.T) {
	db := testutil.NewTestDB(t)
	seedTrail(t, db)
	svc := NewService(db)
	ctx := context.Background()

	t.Run("order", func(t *testing.T) {
		trace, err := svc.Trace(ctx, "ORD_1")
		require.NoError(t, err)
		assert.Equal(t, KindOrder, trace.Kind)
		assert.Equal(t, []string{"ORD_1"}, orderIDs(trace.Orders))
		require.Len(t, trace.Batches, 1)
		assert.Equal(t, batchID, trace.Batches[0].BatchID)
		assert.Len(t, trace.StagedOrders, 2)
		require.Len(t, trace.Executions, 1)
		assert.Equal(t, execID, trace.Executions[0].ExecID)
		require.Len(t, trace.PaymentBatches, 1)
		assert.Equal(t, paymentID, trace.PaymentBatches[0].BatchID)
		require.Len(t, trace.LedgerEntries, 1)
		assert.Equal(t, "LED-1", trace.LedgerEntries[0].EntryID)
	})

	t.Run("basket", func(t *testing.T) {
		trace, err := svc.Trace(ctx, basketM1)
		require.NoError(t, err)
		assert.Equal(t, KindBasket, trace.Kind)
		assert.ElementsMatch(t, []string{"ORD_1", "ORD_2"}, orderIDs(trace.Orders))
		assert.Len(t, trace.StagedOrders, 2)
		assert.Len(t, trace.LedgerEntries, 2)
	})

	t.Run("staging batch", func(t *testing.T) {
		trace, err := svc.Trace(ctx, batchID)
		require.NoError(t, err)
		assert.Equal(t, KindStagingBatch, trace.Kind)
		assert.Len(t, trace.Orders, 3)
		assert.Len(t, trace.StagedOrders, 3)
		assert.Len(t, trace.Executions, 1)
		assert.Len(t, trace.PaymentBatches, 1)
	})

	t.Run("execution", func(t *testing.T) {
		trace, err := svc.Trace(ctx, execID)
		require.NoError(t, err)
		assert.Equal(t, KindExecution, trace.Kind)
		assert.ElementsMatch(t, []string{"ORD_1", "ORD_2", "ORD_3"}, orderIDs(trace.Orders))
		assert.Len(t, trace.Executions, 1)
	})

	t.Run("payment batch", func(t *testing.T) {
		trace, err := svc.Trace(ctx, paymentID)
		require.NoError(t, err)
		assert.Equal(t, KindPaymentBatch, trace.Kind)
		assert.ElementsMatch(t, []string{"ORD_1", "ORD_2"}, orderIDs(trace.Orders))
		assert.Len(t, trace.LedgerEntries, 2)
		assert.Len(t, trace.PaymentBatches, 1)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := svc.Trace(ctx, "ORD_missing")
		assert.ErrorIs(t, err, ErrUnknownID)
	})
}

func TestTrace_CancelledPaymentKeepsOrdersViaLedger(t *testing.T) {
	db := testutil.NewTestDB(t)
	seedTrail(t, db)
	require.NoError(t, db.Model(&types.Order{}).Where("paid_batch_id = ?", paymentID).
		Updates(map[string]interface{}{"status": types.OrderExecuted, "paid_flag": false, "paid_batch_id": "", "paid_at": nil}).Error)
	require.NoError(t, db.Model(&types.PaymentBatch{}).Where("batch_id = ?", paymentID).
		Update("status", types.PaymentCancelled).Error)

	trace, err := NewService(db).Trace(context.Background(), paymentID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ORD_1", "ORD_2"}, orderIDs(trace.Orders))
	assert.Equal(t, types.PaymentCancelled, trace.PaymentBatches[0].Status)
}

func TestTrace_StagedOnlyBasket(t *testing.T) {
	db := testutil.NewTestDB(t)
	require.NoError(t, db.Create(&types.Batch{BatchID: "STG-202502-ALL-1", Status: types.BatchStaged, Scope: types.ScopeAll}).Error)
	require.NoError(t, db.Create(&types.StagedOrder{
		BatchID: "STG-202502-ALL-1", BasketID: "BSK-STG-202502-ALL-1-M9", MemberID: "M9", Symbol: "AAPL", Amount: testutil.Dec("5"),
	}).Error)

	trace, err := NewService(db).Trace(context.Background(), "BSK-STG-202502-ALL-1-M9")
	require.NoError(t, err)
	assert.Equal(t, KindBasket, trace.Kind)
	assert.Empty(t, trace.Orders)
	assert.Len(t, trace.StagedOrders, 1)
	require.Len(t, trace.Batches, 1)
	assert.Equal(t, types.BatchStaged, trace.Batches[0].Status)
}

func TestTraceHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := testutil.NewTestDB(t)
	seedTrail(t, db)

	router := gin.New()
	router.GET("/lineage/:id", NewGinHandlers(NewService(db)).TraceHandler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/lineage/ORD_3", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Success bool  `json:"success"`
		Data    Trace `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, KindOrder, body.Data.Kind)
	assert.Empty(t, body.Data.PaymentBatches)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/lineage/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
