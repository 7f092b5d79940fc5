package approval

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-sweep/internal/config"
	"github.com/ksred/klear-sweep/internal/staging"
	"github.com/ksred/klear-sweep/internal/testutil"
	"github.com/ksred/klear-sweep/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	db       *gorm.DB
	staging  *staging.Service
	approval *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t)
	cfg := config.StagingConfig{MinSweepPoints: 100, MaxOrdersPerBasket: 10, BatchPrefix: "STG"}
	stagingService := staging.NewService(db, cfg, staging.NewDBPriceFeed(db))

	testutil.SeedMerchant(t, db, "ACME", "0.01")
	testutil.SeedMember(t, db, "M1", "ACME", "ALPACA", "", 2000, "AAPL", "MSFT")
	testutil.SeedMember(t, db, "M2", "ACME", "WEBULL", "", 1000, "AAPL")
	testutil.SeedPrices(t, db, map[string]string{"AAPL": "10"})

	return &fixture{db: db, staging: stagingService, approval: NewService(db, stagingService)}
}

func (f *fixture) prepare(t *testing.T) string {
	t.Helper()

	result, err := f.staging.Prepare(context.Background(), staging.Scope{})
	require.NoError(t, err)
	return result.BatchID
}

func TestApprove_CreatesPendingOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batchID := f.prepare(t)

	result, err := f.approval.Approve(ctx, batchID, "ops@acme", Confirmation{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.OrdersCreated)
	assert.Equal(t, 1, result.MissingPrices)

	var orders []types.Order
	require.NoError(t, f.db.Where("batch_id = ?", batchID).Order("basket_id").Find(&orders).Error)
	require.Len(t, orders, 3)
	for _, o := range orders {
		assert.Equal(t, types.OrderPending, o.Status)
		assert.True(t, strings.HasPrefix(o.OrderID, "ORD_"))
		assert.Equal(t, staging.BasketID(batchID, o.MemberID), o.BasketID)
	}

	batch, err := f.staging.GetBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchApproved, batch.Status)
	assert.Equal(t, "ops@acme", batch.ApprovedBy)
	assert.Equal(t, 3, batch.OrdersCreated)
	assert.Nil(t, batch.StagedScope)
}

func TestApprove_IsOneWay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batchID := f.prepare(t)

	_, err := f.approval.Approve(ctx, batchID, "ops", Confirmation{})
	require.NoError(t, err)

	_, err = f.approval.Approve(ctx, batchID, "ops", Confirmation{})
	assert.ErrorIs(t, err, staging.ErrBatchNotStaged)

	assert.ErrorIs(t, f.staging.Discard(ctx, batchID), staging.ErrBatchNotStaged)

	// A later prepare stages a fresh batch and leaves the approved one alone.
	next, err := f.staging.Prepare(ctx, staging.Scope{})
	require.NoError(t, err)
	assert.NotEqual(t, batchID, next.BatchID)

	var count int64
	require.NoError(t, f.db.Model(&types.Order{}).Where("batch_id = ?", batchID).Count(&count).Error)
	assert.Equal(t, int64(3), count)

	_, err = f.approval.Approve(ctx, "STG-000000-ALL-1", "ops", Confirmation{})
	assert.ErrorIs(t, err, staging.ErrBatchNotFound)
}

func TestApprove_ConcurrentCallsSingleWinner(t *testing.T) {
	f := newFixture(t)
	batchID := f.prepare(t)

	const callers = 5
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.approval.Approve(context.Background(), batchID, "ops", Confirmation{})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			errs = append(errs, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	require.Len(t, errs, callers-1)
	for _, err := range errs {
		assert.ErrorIs(t, err, staging.ErrBatchNotStaged)
	}

	var count int64
	require.NoError(t, f.db.Model(&types.Order{}).Where("batch_id = ?", batchID).Count(&count).Error)
	assert.Equal(t, int64(3), count)
}

func TestSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batchID := f.prepare(t)

	summary, err := f.approval.Summary(ctx, batchID)
	require.NoError(t, err)
	assert.True(t, summary.Approvable)
	assert.Equal(t, 2, summary.Members)
	assert.Equal(t, 3, summary.Orders)
	assert.Equal(t, "30.00", summary.TotalAmount.StringFixed(2))
	assert.Equal(t, 1, summary.MissingPrices)
	assert.Len(t, summary.Feeds, 2)
	require.NotNil(t, summary.Confirmation.RefreshCount)
	assert.Equal(t, 0, *summary.Confirmation.RefreshCount)
	assert.Equal(t, 3, *summary.Confirmation.TotalOrders)
	assert.Equal(t, "30.00", summary.Confirmation.TotalAmount.StringFixed(2))

	_, err = f.approval.Approve(ctx, batchID, "ops", Confirmation{})
	require.NoError(t, err)

	summary, err = f.approval.Summary(ctx, batchID)
	require.NoError(t, err)
	assert.False(t, summary.Approvable)
}

func TestReprice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batchID := f.prepare(t)

	_, err := f.approval.Approve(ctx, batchID, "ops", Confirmation{})
	require.NoError(t, err)

	var missing types.Order
	require.NoError(t, f.db.Where("batch_id = ? AND missing_price = ?", batchID, true).First(&missing).Error)

	_, err = f.approval.Reprice(ctx, missing.OrderID, testutil.Dec("0"))
	assert.ErrorIs(t, err, ErrInvalidPrice)

	order, err := f.approval.Reprice(ctx, missing.OrderID, testutil.Dec("400"))
	require.NoError(t, err)
	assert.False(t, order.MissingPrice)
	assert.Equal(t, "0.025", order.Shares.String())

	require.NoError(t, f.db.Model(&types.Order{}).Where("order_id = ?", missing.OrderID).Update("status", types.OrderPlaced).Error)
	_, err = f.approval.Reprice(ctx, missing.OrderID, testutil.Dec("400"))
	assert.ErrorIs(t, err, ErrOrderNotPending)

	_, err = f.approval.Reprice(ctx, "ORD_missing", testutil.Dec("1"))
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestApprove_StaleConfirmationIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batchID := f.prepare(t)

	reviewed, err := f.approval.Summary(ctx, batchID)
	require.NoError(t, err)

	// Another operator refreshes the batch after the summary was reviewed
	refreshed, err := f.staging.Prepare(ctx, staging.Scope{})
	require.NoError(t, err)
	require.Equal(t, batchID, refreshed.BatchID)

	_, err = f.approval.Approve(ctx, batchID, "ops", reviewed.Confirmation)
	assert.ErrorIs(t, err, ErrSummaryChanged)
	assert.Contains(t, err.Error(), "refresh_count is 1, confirmed 0")

	batch, err := f.staging.GetBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchStaged, batch.Status)

	current, err := f.approval.Summary(ctx, batchID)
	require.NoError(t, err)
	result, err := f.approval.Approve(ctx, batchID, "ops", current.Confirmation)
	require.NoError(t, err)
	assert.Equal(t, 3, result.OrdersCreated)
}

func TestApprove_TotalsMismatchCreatesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batchID := f.prepare(t)

	summary, err := f.approval.Summary(ctx, batchID)
	require.NoError(t, err)

	orders := 2
	_, err = f.approval.Approve(ctx, batchID, "ops", Confirmation{TotalOrders: &orders})
	assert.ErrorIs(t, err, ErrSummaryChanged)

	amount := testutil.Dec("29.99")
	confirm := summary.Confirmation
	confirm.TotalAmount = &amount
	_, err = f.approval.Approve(ctx, batchID, "ops", confirm)
	assert.ErrorIs(t, err, ErrSummaryChanged)

	var count int64
	require.NoError(t, f.db.Model(&types.Order{}).Count(&count).Error)
	assert.Zero(t, count)

	batch, err := f.staging.GetBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchStaged, batch.Status)
	assert.Empty(t, batch.ApprovedBy)
}

func TestApproveHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	batchID := f.prepare(t)
	f.approval.now = func() time.Time { return time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC) }

	router := gin.New()
	router.POST("/batches/:batch_id/approve", NewGinHandlers(f.approval).ApproveHandler())

	post := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/batches/"+batchID+"/approve", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		return w
	}

	w := post(`{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(`{"refresh_count":0,"total_orders":3,"total_amount":"31.00"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "PRECONDITION_FAILED")
	assert.Contains(t, w.Body.String(), "no longer matches")

	w = post(`{"refresh_count":0,"total_orders":3,"total_amount":"30.00"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"orders_created":3`)

	w = post(`{"refresh_count":0,"total_orders":3,"total_amount":"30.00"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "batch not staged")
}
