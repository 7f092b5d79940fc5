// Package app wires configuration, storage and the pipeline services together.
package app

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-sweep/internal/approval"
	"github.com/ksred/klear-sweep/internal/broker"
	"github.com/ksred/klear-sweep/internal/config"
	"github.com/ksred/klear-sweep/internal/database"
	"github.com/ksred/klear-sweep/internal/execution"
	"github.com/ksred/klear-sweep/internal/lineage"
	"github.com/ksred/klear-sweep/internal/market"
	"github.com/ksred/klear-sweep/internal/payments"
	"github.com/ksred/klear-sweep/internal/scheduler"
	"github.com/ksred/klear-sweep/internal/staging"
	"github.com/ksred/klear-sweep/internal/sweep"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// App holds every pipeline service sharing one database
type App struct {
	Config *config.Config
	DB     *gorm.DB

	Brokers   *broker.Registry
	Clock     *market.Clock
	Staging   *staging.Service
	Approval  *approval.Service
	Sweep     *sweep.Service
	Execution *execution.Service
	Payments  *payments.Service
	Lineage   *lineage.Service
	Scheduler *scheduler.Scheduler
}

// ConfigureLogging sets the global zerolog logger from cfg
func ConfigureLogging(cfg *config.Config) {
	if cfg.LogFormat == "console" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		zlog.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// Option adjusts how New builds the services
type Option func(*options)

type options struct {
	now    func() time.Time
	filler execution.Filler
}

// WithNow makes the market clock read time from fn
func WithNow(fn func() time.Time) Option {
	return func(o *options) { o.now = fn }
}

// WithFiller overrides the filler chosen by the execution mode
func WithFiller(f execution.Filler) Option {
	return func(o *options) { o.filler = f }
}

// New opens the database and builds the services. The scheduler is
// populated but not started.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	db, err := database.NewDatabase(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return NewWithDB(cfg, db, opts...)
}

// NewWithDB builds the services on an open database
func NewWithDB(cfg *config.Config, db *gorm.DB, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	clock, err := market.NewClock(cfg.Market)
	if err != nil {
		return nil, fmt.Errorf("failed to build market clock: %w", err)
	}
	if o.now != nil {
		clock = clock.WithNow(o.now)
	}

	brokers := broker.NewRegistry(db, &http.Client{Timeout: cfg.Dispatch.FeedTimeout})
	if cfg.Execution.Mode == "simulate" {
		// Brokers without a registry entry acknowledge locally
		brokers.WithFallback(broker.NewSimulated())
	}

	filler := o.filler
	if filler == nil {
		switch cfg.Execution.Mode {
		case "live":
			filler = execution.NewLiveAdapter(brokers)
		default:
			filler = execution.NewSimulator(cfg.Execution.Variance, rand.NewSource(time.Now().UnixNano()))
		}
	}

	stagingService := staging.NewService(db, cfg.Staging, staging.NewDBPriceFeed(db))

	a := &App{
		Config:    cfg,
		DB:        db,
		Brokers:   brokers,
		Clock:     clock,
		Staging:   stagingService,
		Approval:  approval.NewService(db, stagingService),
		Sweep:     sweep.NewService(db, brokers, clock, cfg.Dispatch),
		Execution: execution.NewService(db, filler),
		Payments:  payments.NewService(db),
		Lineage:   lineage.NewService(db),
	}

	loc, _ := time.LoadLocation(cfg.Market.Timezone)
	a.Scheduler = scheduler.New(loc)
	jobs := []scheduler.Job{
		scheduler.SweepJob(cfg.Scheduler.SweepCron, a.Sweep),
		scheduler.ExecuteJob(cfg.Scheduler.ExecuteCron, a.Execution),
		scheduler.SettleJob(cfg.Scheduler.SettleCron, a.Payments),
	}
	for _, job := range jobs {
		if err := a.Scheduler.AddJob(job); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// Close releases the database handle
func (a *App) Close() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Router builds the HTTP API
func (a *App) Router(ctx context.Context) *gin.Engine {
	if a.Config.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	setupRoutes(ctx, router, a)
	return router
}
