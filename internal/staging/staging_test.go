package staging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-sweep/internal/config"
	"github.com/ksred/klear-sweep/internal/testutil"
	"github.com/ksred/klear-sweep/internal/types"
	"github.com/ksred/klear-sweep/pkg/response"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var stagingNow = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, cfg config.StagingConfig) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t)
	svc := NewService(db, cfg, NewDBPriceFeed(db))
	svc.now = func() time.Time { return stagingNow }
	return svc, db
}

func defaultStaging() config.StagingConfig {
	return config.StagingConfig{MinSweepPoints: 100, MaxOrdersPerBasket: 10, BatchPrefix: "STG"}
}

func TestPrepare_CreatesBatchWithBaskets(t *testing.T) {
	svc, db := newTestService(t, defaultStaging())
	ctx := context.Background()

	testutil.SeedMerchant(t, db, "ACME", "5")
	testutil.SeedMember(t, db, "M1", "ACME", "ALPACA", "", 1000, "AAPL", "MSFT")
	testutil.SeedPrices(t, db, map[string]string{"AAPL": "200", "MSFT": "400"})

	result, err := svc.Prepare(ctx, Scope{})
	require.NoError(t, err)

	assert.Equal(t, "STG-202501-ALL-1", result.BatchID)
	assert.False(t, result.IsRefresh)
	assert.Equal(t, 1, result.Results.TotalMembers)
	assert.Equal(t, 2, result.Results.TotalOrders)
	assert.Equal(t, "50.00", result.Results.TotalAmount.StringFixed(2))
	assert.Equal(t, int64(1000), result.Results.TotalPoints)

	rows, err := svc.StagedOrders(ctx, result.BatchID)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	for _, row := range rows {
		assert.Equal(t, "BSK-STG-202501-ALL-1-M1", row.BasketID)
		assert.Equal(t, "25.00", row.Amount.StringFixed(2))
		assert.Equal(t, int64(500), row.PointsUsed)
		assert.False(t, row.MissingPrice)
	}
	bySymbol := map[string]types.StagedOrder{rows[0].Symbol: rows[0], rows[1].Symbol: rows[1]}
	assert.Equal(t, "0.125", bySymbol["AAPL"].Shares.String())
	assert.Equal(t, "0.0625", bySymbol["MSFT"].Shares.String())
}

func TestPrepare_RefreshReusesStagedBatch(t *testing.T) {
	svc, db := newTestService(t, defaultStaging())
	ctx := context.Background()

	testutil.SeedMerchant(t, db, "ACME", "0.01")
	testutil.SeedMember(t, db, "M1", "ACME", "ALPACA", "", 2000, "AAPL")
	testutil.SeedPrices(t, db, map[string]string{"AAPL": "100"})

	first, err := svc.Prepare(ctx, Scope{})
	require.NoError(t, err)

	testutil.SeedMember(t, db, "M2", "ACME", "ALPACA", "", 3000, "AAPL")

	second, err := svc.Prepare(ctx, Scope{})
	require.NoError(t, err)

	assert.Equal(t, first.BatchID, second.BatchID)
	assert.True(t, second.IsRefresh)
	assert.Equal(t, 1, second.RefreshCount)
	assert.Equal(t, 2, second.Results.TotalOrders)

	var batches int64
	require.NoError(t, db.Model(&types.Batch{}).Count(&batches).Error)
	assert.Equal(t, int64(1), batches)

	var rows int64
	require.NoError(t, db.Model(&types.StagedOrder{}).Where("batch_id = ?", first.BatchID).Count(&rows).Error)
	assert.Equal(t, int64(2), rows)
}

// stagedRow is the content of a staged row without its storage identity
type stagedRow struct {
	BasketID, MemberID, MerchantID, Broker, Symbol string
	Price, Shares, Amount                          string
	Points                                         int64
	MissingPrice                                   bool
}

func stagedContent(t *testing.T, svc *Service, batchID string) []stagedRow {
	t.Helper()

	rows, err := svc.StagedOrders(context.Background(), batchID)
	require.NoError(t, err)
	out := make([]stagedRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, stagedRow{
			BasketID: r.BasketID, MemberID: r.MemberID, MerchantID: r.MerchantID, Broker: r.Broker, Symbol: r.Symbol,
			Price: r.Price.String(), Shares: r.Shares.String(), Amount: r.Amount.StringFixed(2),
			Points: r.PointsUsed, MissingPrice: r.MissingPrice,
		})
	}
	return out
}

func TestPrepare_IdempotentWithoutUpstreamChange(t *testing.T) {
	svc, db := newTestService(t, defaultStaging())
	ctx := context.Background()

	testutil.SeedMerchant(t, db, "ACME", "0.01")
	testutil.SeedMerchant(t, db, "GLOBEX", "0.02")
	testutil.SeedMember(t, db, "M1", "ACME", "ALPACA", "", 2000, "AAPL", "MSFT")
	testutil.SeedMember(t, db, "M2", "ACME", "WEBULL", "", 50, "AAPL")
	testutil.SeedMember(t, db, "M3", "GLOBEX", "ALPACA", "", 1500, "AAPL", "XYZ")
	testutil.SeedPrices(t, db, map[string]string{"AAPL": "100", "MSFT": "300"})

	first, err := svc.Prepare(ctx, Scope{})
	require.NoError(t, err)
	firstRows := stagedContent(t, svc, first.BatchID)

	second, err := svc.Prepare(ctx, Scope{})
	require.NoError(t, err)
	secondRows := stagedContent(t, svc, second.BatchID)

	assert.Equal(t, first.BatchID, second.BatchID)
	assert.True(t, second.IsRefresh)

	a, b := first.Results, second.Results
	assert.Equal(t, a.TotalAmount.StringFixed(2), b.TotalAmount.StringFixed(2))
	assert.Equal(t, a.TotalShares.String(), b.TotalShares.String())
	a.TotalAmount, b.TotalAmount = decimal.Zero, decimal.Zero
	a.TotalShares, b.TotalShares = decimal.Zero, decimal.Zero
	a.DurationSeconds, b.DurationSeconds = 0, 0
	assert.Equal(t, a, b)
	assert.Equal(t, 1, a.MembersSkipped)
	assert.Equal(t, 1, a.MissingPrices)

	require.NotEmpty(t, firstRows)
	assert.Equal(t, firstRows, secondRows)
}

func TestPrepare_SkipsAndBypasses(t *testing.T) {
	svc, db := newTestService(t, defaultStaging())
	ctx := context.Background()

	testutil.SeedMerchant(t, db, "ACME", "0.01")
	testutil.SeedMember(t, db, "ZERO", "ACME", "ALPACA", "", 0, "AAPL")
	testutil.SeedMember(t, db, "LOW", "ACME", "ALPACA", "", 50, "AAPL")
	testutil.SeedMember(t, db, "NOPICKS", "ACME", "ALPACA", "", 5000)
	testutil.SeedMember(t, db, "OK", "ACME", "ALPACA", "", 1000, "AAPL")
	testutil.SeedPrices(t, db, map[string]string{"AAPL": "10"})

	preview, err := svc.Preview(ctx, Scope{})
	require.NoError(t, err)
	assert.Equal(t, 1, preview.EligibleMembers)
	assert.Equal(t, 2, preview.MembersSkipped)
	assert.Equal(t, 1, preview.BypassedBelowMin)

	result, err := svc.Prepare(ctx, Scope{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Results.TotalMembers)
	assert.Equal(t, 3, result.Results.MembersSkipped)
	assert.Equal(t, 1, result.Results.TotalOrders)
}

func TestPrepare_SweepPercentage(t *testing.T) {
	svc, db := newTestService(t, defaultStaging())
	ctx := context.Background()

	testutil.SeedMerchant(t, db, "ACME", "0.01")
	member := testutil.SeedMember(t, db, "M1", "ACME", "ALPACA", "", 1000, "AAPL")
	require.NoError(t, db.Model(member).Update("sweep_percentage", 40).Error)
	testutil.SeedPrices(t, db, map[string]string{"AAPL": "10"})

	result, err := svc.Prepare(ctx, Scope{})
	require.NoError(t, err)
	assert.Equal(t, int64(400), result.Results.TotalPoints)
	assert.Equal(t, "4.00", result.Results.TotalAmount.StringFixed(2))
}

func TestPrepare_CapsPicksPerBasket(t *testing.T) {
	cfg := defaultStaging()
	cfg.MaxOrdersPerBasket = 2
	svc, db := newTestService(t, cfg)
	ctx := context.Background()

	testutil.SeedMerchant(t, db, "ACME", "0.01")
	testutil.SeedMember(t, db, "M1", "ACME", "ALPACA", "", 3000, "AAPL", "MSFT", "TSLA")
	testutil.SeedPrices(t, db, map[string]string{"AAPL": "10", "MSFT": "10", "TSLA": "10"})

	preview, err := svc.Preview(ctx, Scope{})
	require.NoError(t, err)
	assert.Equal(t, 1, preview.CappedAtMax)
	assert.Equal(t, 2, preview.TotalPicks)

	result, err := svc.Prepare(ctx, Scope{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Results.CappedAtMax)
	assert.Equal(t, 2, result.Results.TotalOrders)
	assert.Equal(t, "30.00", result.Results.TotalAmount.StringFixed(2))
}

func TestPrepare_MissingPrice(t *testing.T) {
	svc, db := newTestService(t, defaultStaging())
	ctx := context.Background()

	testutil.SeedMerchant(t, db, "ACME", "0.01")
	testutil.SeedMember(t, db, "M1", "ACME", "ALPACA", "", 2000, "AAPL", "NOPE")
	testutil.SeedPrices(t, db, map[string]string{"AAPL": "10"})

	result, err := svc.Prepare(ctx, Scope{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Results.MissingPrices)

	rows, err := svc.StagedOrders(ctx, result.BatchID)
	require.NoError(t, err)
	for _, row := range rows {
		if row.Symbol == "NOPE" {
			assert.True(t, row.MissingPrice)
			assert.True(t, row.Shares.IsZero())
			assert.Equal(t, "10.00", row.Amount.StringFixed(2))
		}
	}
}

func TestPrepare_ApprovedBatchIsNotRefreshed(t *testing.T) {
	svc, db := newTestService(t, defaultStaging())
	ctx := context.Background()

	testutil.SeedMerchant(t, db, "ACME", "0.01")
	testutil.SeedMember(t, db, "M1", "ACME", "ALPACA", "", 2000, "AAPL")
	testutil.SeedPrices(t, db, map[string]string{"AAPL": "10"})

	first, err := svc.Prepare(ctx, Scope{MerchantID: "ACME"})
	require.NoError(t, err)
	assert.Equal(t, "STG-202501-ACME-1", first.BatchID)

	require.NoError(t, db.Model(&types.Batch{}).
		Where("batch_id = ?", first.BatchID).
		Updates(map[string]interface{}{"status": types.BatchApproved, "staged_scope": nil}).Error)

	second, err := svc.Prepare(ctx, Scope{MerchantID: "ACME"})
	require.NoError(t, err)
	assert.Equal(t, "STG-202501-ACME-2", second.BatchID)
	assert.False(t, second.IsRefresh)

	approved, err := svc.GetBatch(ctx, first.BatchID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchApproved, approved.Status)
	assert.Equal(t, 0, approved.RefreshCount)
}

func TestPrepare_RejectsOverlappingScopes(t *testing.T) {
	svc, db := newTestService(t, defaultStaging())
	ctx := context.Background()

	testutil.SeedMerchant(t, db, "ACME", "0.01")
	testutil.SeedMember(t, db, "M1", "ACME", "ALPACA", "", 2000, "AAPL")

	_, err := svc.Prepare(ctx, Scope{MerchantID: "ACME"})
	require.NoError(t, err)

	_, err = svc.Prepare(ctx, Scope{})
	assert.ErrorIs(t, err, ErrScopeOverlap)
}

func TestDiscard(t *testing.T) {
	svc, db := newTestService(t, defaultStaging())
	ctx := context.Background()

	testutil.SeedMerchant(t, db, "ACME", "0.01")
	testutil.SeedMember(t, db, "M1", "ACME", "ALPACA", "", 2000, "AAPL")

	result, err := svc.Prepare(ctx, Scope{})
	require.NoError(t, err)

	require.NoError(t, svc.Discard(ctx, result.BatchID))

	batch, err := svc.GetBatch(ctx, result.BatchID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchDiscarded, batch.Status)
	assert.NotNil(t, batch.DiscardedAt)

	rows, err := svc.StagedOrders(ctx, result.BatchID)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "discarded rows are retained")

	assert.ErrorIs(t, svc.Discard(ctx, result.BatchID), ErrBatchNotStaged)
	assert.ErrorIs(t, svc.Discard(ctx, "STG-000000-ALL-9"), ErrBatchNotFound)

	next, err := svc.Prepare(ctx, Scope{})
	require.NoError(t, err)
	assert.Equal(t, "STG-202501-ALL-2", next.BatchID)
}

func TestAllocate(t *testing.T) {
	tests := []struct {
		name        string
		allocations []string
		cash        string
		points      int64
		wantAmounts []string
		wantPoints  []int64
	}{
		{
			name:        "even split keeps the remainder on the last pick",
			allocations: []string{"0", "0", "0"},
			cash:        "10.00",
			points:      1000,
			wantAmounts: []string{"3.33", "3.33", "3.34"},
			wantPoints:  []int64{333, 333, 334},
		},
		{
			name:        "weighted",
			allocations: []string{"75", "25"},
			cash:        "20.00",
			points:      2000,
			wantAmounts: []string{"15.00", "5.00"},
			wantPoints:  []int64{1500, 500},
		},
		{
			name:        "zero weights are dropped when others are set",
			allocations: []string{"100", "0"},
			cash:        "8.00",
			points:      800,
			wantAmounts: []string{"8.00"},
			wantPoints:  []int64{800},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var elections []types.BasketElection
			for i, a := range tt.allocations {
				elections = append(elections, types.BasketElection{
					Symbol:     string(rune('A' + i)),
					Allocation: testutil.Dec(a),
				})
			}

			picks := allocate(elections, testutil.Dec(tt.cash), tt.points)
			require.Len(t, picks, len(tt.wantAmounts))
			for i, pick := range picks {
				assert.Equal(t, tt.wantAmounts[i], pick.amount.StringFixed(2))
				assert.Equal(t, tt.wantPoints[i], pick.points)
			}
		})
	}
}

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, db := newTestService(t, defaultStaging())

	testutil.SeedMerchant(t, db, "ACME", "0.01")
	testutil.SeedMember(t, db, "M1", "ACME", "ALPACA", "", 2000, "AAPL")
	testutil.SeedPrices(t, db, map[string]string{"AAPL": "10"})

	h := NewGinHandlers(svc)
	router := gin.New()
	router.POST("/stage/prepare", h.PrepareHandler())
	router.POST("/batches/:batch_id/discard", h.DiscardHandler())
	router.GET("/batches/:batch_id", h.GetBatchHandler())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/stage/prepare", strings.NewReader(`{"merchant_id":"ACME"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var body struct {
		Success bool          `json:"success"`
		Data    PrepareResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "STG-202501-ACME-1", body.Data.BatchID)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/batches/"+body.Data.BatchID+"/discard", nil))
	assert.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/batches/"+body.Data.BatchID+"/discard", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	var failure response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &failure))
	assert.False(t, failure.Success)
	assert.Equal(t, response.ErrCodePrecondition, failure.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/batches/STG-NOPE", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
