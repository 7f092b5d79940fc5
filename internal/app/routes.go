package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-sweep/internal/approval"
	"github.com/ksred/klear-sweep/internal/execution"
	"github.com/ksred/klear-sweep/internal/lineage"
	"github.com/ksred/klear-sweep/internal/payments"
	"github.com/ksred/klear-sweep/internal/scheduler"
	"github.com/ksred/klear-sweep/internal/staging"
	"github.com/ksred/klear-sweep/internal/sweep"
	"github.com/ksred/klear-sweep/pkg/middleware"
)

// setupRoutes configures all API endpoints. Every pipeline route requires an
// operator; the rate limiter runs after auth so it can key on the operator.
func setupRoutes(ctx context.Context, router *gin.Engine, a *App) {
	stagingHandlers := staging.NewGinHandlers(a.Staging)
	approvalHandlers := approval.NewGinHandlers(a.Approval)
	sweepHandlers := sweep.NewGinHandlers(a.Sweep)
	executionHandlers := execution.NewGinHandlers(a.Execution, a.Sweep)
	paymentHandlers := payments.NewGinHandlers(a.Payments)
	lineageHandlers := lineage.NewGinHandlers(a.Lineage)
	schedulerHandlers := scheduler.NewGinHandlers(a.Scheduler)

	limiter := middleware.NewRateLimiter()
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Cleanup(30 * time.Minute)
			}
		}
	}()

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	v1.Use(middleware.RequestLogger(), middleware.OperatorAuth(a.Config.JWTSecret), limiter.Handler())
	{
		stage := v1.Group("/stage")
		{
			stage.POST("/preview", stagingHandlers.PreviewHandler())
			stage.POST("/prepare", stagingHandlers.PrepareHandler())
		}

		batches := v1.Group("/batches")
		{
			batches.GET("", stagingHandlers.ListBatchesHandler())
			batches.GET("/:batch_id", stagingHandlers.GetBatchHandler())
			batches.GET("/:batch_id/staged-orders", stagingHandlers.StagedOrdersHandler())
			batches.GET("/:batch_id/summary", approvalHandlers.SummaryHandler())
			batches.POST("/:batch_id/approve", approvalHandlers.ApproveHandler())
			batches.POST("/:batch_id/discard", stagingHandlers.DiscardHandler())
		}

		v1.POST("/orders/:order_id/reprice", approvalHandlers.RepriceHandler())

		sweepGroup := v1.Group("/sweep")
		{
			sweepGroup.POST("/preview", sweepHandlers.PreviewHandler())
			sweepGroup.POST("/run", sweepHandlers.RunHandler())
			sweepGroup.GET("/history", sweepHandlers.HistoryHandler())
			sweepGroup.GET("/executions/:exec_id/orders", sweepHandlers.ExecOrdersHandler())
		}

		v1.POST("/broker/execute", executionHandlers.ActionHandler())

		pay := v1.Group("/payments")
		{
			pay.GET("/unpaid", paymentHandlers.UnpaidHandler())
			pay.POST("/export", paymentHandlers.ExportHandler())
			pay.POST("/export-merchant", paymentHandlers.ExportMerchantHandler())
			pay.POST("/export-all", paymentHandlers.ExportAllHandler())
			pay.POST("/cancel", paymentHandlers.CancelHandler())
			pay.GET("/batches", paymentHandlers.ListBatchesHandler())
			pay.GET("/batches/:batch_id", paymentHandlers.DetailHandler())
			pay.GET("/batches/:batch_id/csv", paymentHandlers.CSVHandler())
		}

		v1.GET("/lineage/:id", lineageHandlers.TraceHandler())

		jobs := v1.Group("/scheduler/jobs")
		{
			jobs.GET("", schedulerHandlers.StatsHandler())
			jobs.GET("/:name", schedulerHandlers.HistoryHandler())
			jobs.POST("/:name/run", schedulerHandlers.RunHandler())
		}
	}
}
