package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksred/klear-sweep/internal/execution"
	"github.com/ksred/klear-sweep/internal/payments"
	"github.com/ksred/klear-sweep/internal/sweep"
)

const (
	JobSweep   = "sweep"
	JobExecute = "execute"
	JobSettle  = "settle"
)

// Sweeper dispatches approved pending orders
type Sweeper interface {
	Run(ctx context.Context, scope sweep.Scope) (*sweep.RunResult, error)
}

// Executor fills placed orders
type Executor interface {
	Execute(ctx context.Context, filter execution.Filter) (*execution.ExecuteResult, error)
}

// Settler pays out every unpaid merchant and broker pair
type Settler interface {
	ProcessAll(ctx context.Context, progress payments.ProgressFunc) (*payments.BulkResult, error)
}

// SweepJob runs a scheduled sweep across all merchants. Unlike a manual
// trigger it honours each merchant's sweep schedule.
func SweepJob(schedule string, sweeper Sweeper) Job {
	return NewJob(JobSweep, schedule, func(ctx context.Context) (string, error) {
		result, err := sweeper.Run(ctx, sweep.Scope{})
		if err != nil {
			return "", err
		}
		if result.MarketClosed {
			return "market closed", nil
		}
		r := result.Results
		summary := fmt.Sprintf("placed=%d failed=%d merchants=%d", r.OrdersPlaced, r.OrdersFailed, r.MerchantsProcessed)
		if len(r.Errors) > 0 {
			return summary, fmt.Errorf("%d feed(s) failed: %s", len(r.Errors), r.Errors[0])
		}
		return summary, nil
	})
}

// ExecuteJob fills every placed order
func ExecuteJob(schedule string, executor Executor) Job {
	return NewJob(JobExecute, schedule, func(ctx context.Context) (string, error) {
		result, err := executor.Execute(ctx, execution.Filter{})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("executed=%d failed=%d pending=%d", result.OrdersExecuted, result.OrdersFailed, result.OrdersPending), nil
	})
}

// SettleJob settles every unpaid merchant and broker pair
func SettleJob(schedule string, settler Settler) Job {
	return NewJob(JobSettle, schedule, func(ctx context.Context) (string, error) {
		result, err := settler.ProcessAll(ctx, nil)
		if err != nil {
			return "", err
		}
		summary := fmt.Sprintf("batches=%d of %d", len(result.Processed), result.Total)
		if len(result.Errors) > 0 {
			return summary, errors.New(result.Errors[0])
		}
		return summary, nil
	})
}
