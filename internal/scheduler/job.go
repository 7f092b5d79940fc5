package scheduler

import (
	"context"
	"sync"
	"time"
)

// Job is a unit of scheduled work
type Job interface {
	Name() string
	Schedule() string
	// Run returns a one-line summary of what the run did
	Run(ctx context.Context) (string, error)
}

type funcJob struct {
	name     string
	schedule string
	run      func(ctx context.Context) (string, error)
}

// NewJob wraps fn as a Job
func NewJob(name, schedule string, fn func(ctx context.Context) (string, error)) Job {
	return &funcJob{name: name, schedule: schedule, run: fn}
}

func (j *funcJob) Name() string                            { return j.name }
func (j *funcJob) Schedule() string                        { return j.schedule }
func (j *funcJob) Run(ctx context.Context) (string, error) { return j.run(ctx) }

// JobResult is the outcome of one run
type JobResult struct {
	JobName   string        `json:"job_name"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Skipped   bool          `json:"skipped,omitempty"`
	Summary   string        `json:"summary,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// JobHistory keeps the most recent results of a job
type JobHistory struct {
	mu      sync.RWMutex
	limit   int
	results []JobResult
}

func newJobHistory(limit int) *JobHistory {
	return &JobHistory{limit: limit}
}

// Add appends a result, dropping the oldest beyond the limit
func (h *JobHistory) Add(result JobResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.results = append(h.results, result)
	if over := len(h.results) - h.limit; over > 0 {
		h.results = append([]JobResult(nil), h.results[over:]...)
	}
}

// Latest returns up to n results, oldest first
func (h *JobHistory) Latest(n int) []JobResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	start := len(h.results) - n
	if n <= 0 || start < 0 {
		start = 0
	}
	return append([]JobResult(nil), h.results[start:]...)
}

// JobStats summarises a job's history
type JobStats struct {
	JobName      string     `json:"job_name"`
	Schedule     string     `json:"schedule"`
	TotalRuns    int        `json:"total_runs"`
	SuccessCount int        `json:"success_count"`
	FailureCount int        `json:"failure_count"`
	SkippedCount int        `json:"skipped_count"`
	Running      bool       `json:"running"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	LastSuccess  *time.Time `json:"last_success,omitempty"`
	LastFailure  *time.Time `json:"last_failure,omitempty"`
	LastSummary  string     `json:"last_summary,omitempty"`
}

func (h *JobHistory) stats(name, schedule string) JobStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := JobStats{JobName: name, Schedule: schedule, TotalRuns: len(h.results)}
	for i := range h.results {
		r := &h.results[i]
		switch {
		case r.Skipped:
			stats.SkippedCount++
			continue
		case r.Success:
			stats.SuccessCount++
			stats.LastSuccess = &r.StartTime
		default:
			stats.FailureCount++
			stats.LastFailure = &r.StartTime
		}
		stats.LastRun = &r.StartTime
		stats.LastSummary = r.Summary
	}
	return stats
}
