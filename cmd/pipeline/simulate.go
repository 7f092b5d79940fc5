package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ksred/klear-sweep/internal/app"
	"github.com/ksred/klear-sweep/internal/demo"
	"github.com/ksred/klear-sweep/internal/execution"
	"github.com/ksred/klear-sweep/internal/market"
	"github.com/ksred/klear-sweep/internal/staging"
	"github.com/ksred/klear-sweep/internal/sweep"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// stageStats tracks timings for one pipeline stage across rounds
type stageStats struct {
	name      string
	durations []time.Duration
	failures  int
}

func (s *stageStats) add(d time.Duration, err error) {
	s.durations = append(s.durations, d)
	if err != nil {
		s.failures++
	}
}

// calculate returns min, max, mean, median and p95 of the recorded durations
func (s *stageStats) calculate() (min, max, mean, median, p95 time.Duration) {
	if len(s.durations) == 0 {
		return 0, 0, 0, 0, 0
	}

	sorted := append([]time.Duration(nil), s.durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	min = sorted[0]
	max = sorted[len(sorted)-1]
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	mean = sum / time.Duration(len(sorted))
	median = sorted[len(sorted)/2]
	p95 = sorted[int(math.Ceil(float64(len(sorted))*0.95))-1]
	return
}

// simulationTotals accumulates outcome counters across rounds
type simulationTotals struct {
	staged      int
	placed      int
	failed      int
	executed    int
	settled     int
	batches     int
	settledCash decimal.Decimal
}

type simulation struct {
	app    *app.App
	stages []*stageStats
	totals simulationTotals
}

func (s *simulation) timed(name string, fn func() error) error {
	var stats *stageStats
	for _, st := range s.stages {
		if st.name == name {
			stats = st
		}
	}
	if stats == nil {
		stats = &stageStats{name: name}
		s.stages = append(s.stages, stats)
	}

	start := time.Now()
	err := fn()
	stats.add(time.Since(start), err)
	return err
}

// round drives one batch through every stage
func (s *simulation) round(ctx context.Context, n int) error {
	logger := log.With().Int("round", n).Logger()

	var batchID string
	err := s.timed("stage", func() error {
		result, err := s.app.Staging.Prepare(ctx, staging.Scope{})
		if err != nil {
			return err
		}
		batchID = result.BatchID
		s.totals.staged += result.Results.TotalOrders
		return nil
	})
	if err != nil {
		return fmt.Errorf("stage: %w", err)
	}
	logger.Info().Str("batch_id", batchID).Msg("batch staged")

	err = s.timed("approve", func() error {
		summary, err := s.app.Approval.Summary(ctx, batchID)
		if err != nil {
			return err
		}
		_, err = s.app.Approval.Approve(ctx, batchID, "simulator", summary.Confirmation)
		return err
	})
	if err != nil {
		return fmt.Errorf("approve: %w", err)
	}

	err = s.timed("sweep", func() error {
		result, err := s.app.Sweep.Run(ctx, sweep.Scope{Manual: true})
		if err != nil {
			return err
		}
		if result.MarketClosed {
			return fmt.Errorf("market closed")
		}
		s.totals.placed += result.Results.OrdersPlaced
		s.totals.failed += result.Results.OrdersFailed
		return nil
	})
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	err = s.timed("execute", func() error {
		result, err := s.app.Execution.Execute(ctx, execution.Filter{})
		if err != nil {
			return err
		}
		s.totals.executed += result.OrdersExecuted
		s.totals.failed += result.OrdersFailed
		return nil
	})
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}

	return s.timed("settle", func() error {
		result, err := s.app.Payments.ProcessAll(ctx, nil)
		if err != nil {
			return err
		}
		for _, p := range result.Processed {
			s.totals.batches++
			s.totals.settled += p.OrderCount
			s.totals.settledCash = s.totals.settledCash.Add(p.TotalAmount)
			logger.Info().
				Str("payment_batch_id", p.BatchID).
				Int("orders", p.OrderCount).
				Str("amount", p.TotalAmount.StringFixed(2)).
				Msg("payment batch settled")
		}
		return nil
	})
}

func (s *simulation) printSummary(elapsed time.Duration) {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("PIPELINE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Orders staged:    %d
Orders placed:    %d
Orders executed:  %d
Orders settled:   %d
Orders failed:    %d
Payment batches:  %d
Settled cash:     $%s
Duration:         %v
`, s.totals.staged, s.totals.placed, s.totals.executed, s.totals.settled,
		s.totals.failed, s.totals.batches, s.totals.settledCash.StringFixed(2), elapsed.Round(time.Millisecond))

	fmt.Println("\nStage timings")
	fmt.Println(strings.Repeat("-", 80))
	fmt.Printf("%-10s %8s %8s %10s %10s %10s %10s %10s\n",
		"Stage", "Runs", "Errors", "Min", "Max", "Mean", "Median", "P95")
	fmt.Println(strings.Repeat("-", 80))
	for _, st := range s.stages {
		min, max, mean, median, p95 := st.calculate()
		fmt.Printf("%-10s %8d %8d %10s %10s %10s %10s %10s\n",
			st.name, len(st.durations), st.failures,
			min.Round(time.Microsecond), max.Round(time.Microsecond), mean.Round(time.Microsecond),
			median.Round(time.Microsecond), p95.Round(time.Microsecond))
	}
	fmt.Println(strings.Repeat("-", 80))
}

func simulateCmd() *cobra.Command {
	var (
		opts   demo.Options
		rounds int
		fresh  bool
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run seeded data through stage, approve, sweep, execute and settle",
		Long: `Drives the whole pipeline in process against simulated brokers.
The market clock is pinned inside a trading session so the sweep always runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Execution.Mode = "simulate"
			if fresh {
				dir, err := os.MkdirTemp("", "pipeline-sim-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(dir)
				cfg.DatabasePath = filepath.Join(dir, "simulate.db")
			}

			clock, err := market.NewClock(cfg.Market)
			if err != nil {
				return err
			}
			session := clock.Now()
			if !clock.IsOpen(session) {
				session = clock.NextOpen(session).Add(30 * time.Minute)
			}

			a, err := app.New(cfg, app.WithNow(func() time.Time { return session }))
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if _, err := demo.Seed(ctx, a.DB, opts); err != nil {
				return fmt.Errorf("seed: %w", err)
			}

			sim := &simulation{app: a, totals: simulationTotals{settledCash: decimal.Zero}}
			start := time.Now()
			for n := 1; n <= rounds; n++ {
				if err := sim.round(ctx, n); err != nil {
					log.Error().Err(err).Int("round", n).Msg("round failed")
				}
			}
			sim.printSummary(time.Since(start))
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Merchants, "merchants", 3, "Number of merchants")
	cmd.Flags().IntVar(&opts.MembersPerMerchant, "members", 50, "Members per merchant")
	cmd.Flags().Int64Var(&opts.Seed, "seed", time.Now().UnixNano(), "Random seed")
	cmd.Flags().IntVar(&rounds, "rounds", 3, "Batches to drive through the pipeline")
	cmd.Flags().BoolVar(&fresh, "fresh", true, "Use a throwaway database")
	return cmd
}
