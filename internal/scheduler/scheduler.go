// Package scheduler runs the pipeline stages on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-sweep/pkg/response"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const historyLimit = 100

var ErrUnknownJob = response.NotFoundError("job not found")

// Scheduler owns the cron runner and the history of every job. A job never
// overlaps itself: a tick that finds the previous run still going is recorded
// as skipped.
type Scheduler struct {
	cron    *cron.Cron
	logger  zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex
	jobs    map[string]Job
	history map[string]*JobHistory
	running map[string]bool
	wg      sync.WaitGroup
	now     func() time.Time
}

// New creates a scheduler evaluating six-field (seconds first) cron expressions
// in loc
func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		logger:  log.With().Str("component", "scheduler").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]Job),
		history: make(map[string]*JobHistory),
		running: make(map[string]bool),
		now:     time.Now,
	}
}

// AddJob registers job on its schedule. A job with an empty schedule is
// registered for manual runs only.
func (s *Scheduler) AddJob(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already exists", name)
	}

	if job.Schedule() != "" {
		if _, err := s.cron.AddFunc(job.Schedule(), func() { s.runJob(job) }); err != nil {
			return fmt.Errorf("failed to schedule job %s: %w", name, err)
		}
	}

	s.jobs[name] = job
	s.history[name] = newJobHistory(historyLimit)

	s.logger.Info().
		Str("job", name).
		Str("schedule", job.Schedule()).
		Msg("job added to scheduler")
	return nil
}

// Start runs the scheduler until ctx is cancelled, then waits for in-flight
// jobs to finish
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("starting scheduler")
	s.cron.Start()

	<-ctx.Done()
	s.Stop()
}

// Stop halts scheduling, cancels running jobs and waits for them to return
func (s *Scheduler) Stop() {
	s.logger.Info().Msg("stopping scheduler")
	<-s.cron.Stop().Done()
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// RunJob runs a job immediately, outside its schedule, and returns its result
func (s *Scheduler) RunJob(name string) (*JobResult, error) {
	s.mu.RLock()
	job, exists := s.jobs[name]
	s.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownJob)
	}
	result := s.runJob(job)
	return &result, nil
}

func (s *Scheduler) runJob(job Job) JobResult {
	name := job.Name()
	result := JobResult{JobName: name, StartTime: s.now()}

	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		result.EndTime = result.StartTime
		result.Skipped = true
		s.record(result)
		s.logger.Warn().Str("job", name).Msg("previous run still in progress, skipping")
		return result
	}
	s.running[name] = true
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running[name] = false
		s.mu.Unlock()
		s.wg.Done()
	}()

	s.logger.Info().Str("job", name).Msg("job started")

	summary, err := job.Run(s.ctx)

	result.EndTime = s.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	result.Success = err == nil
	result.Summary = summary
	if err != nil {
		result.Error = err.Error()
	}
	s.record(result)

	if err != nil {
		s.logger.Error().
			Err(err).
			Str("job", name).
			Dur("duration", result.Duration).
			Msg("job failed")
	} else {
		s.logger.Info().
			Str("job", name).
			Str("summary", summary).
			Dur("duration", result.Duration).
			Msg("job completed")
	}
	return result
}

func (s *Scheduler) record(result JobResult) {
	s.mu.RLock()
	history := s.history[result.JobName]
	s.mu.RUnlock()
	if history != nil {
		history.Add(result)
	}
}

// History returns up to limit recent results of a job
func (s *Scheduler) History(name string, limit int) ([]JobResult, error) {
	s.mu.RLock()
	history, exists := s.history[name]
	s.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownJob)
	}
	return history.Latest(limit), nil
}

// Stats returns statistics for every registered job, ordered by name
func (s *Scheduler) Stats() []JobStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make([]JobStats, 0, len(s.jobs))
	for name, job := range s.jobs {
		st := s.history[name].stats(name, job.Schedule())
		st.Running = s.running[name]
		stats = append(stats, st)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].JobName < stats[j].JobName })
	return stats
}

// GinHandlers contains HTTP handlers for scheduler endpoints
type GinHandlers struct {
	scheduler *Scheduler
}

// NewGinHandlers creates a new set of HTTP handlers for scheduler endpoints
func NewGinHandlers(scheduler *Scheduler) *GinHandlers {
	return &GinHandlers{
		scheduler: scheduler,
	}
}

// StatsHandler handles GET /scheduler/jobs
func (h *GinHandlers) StatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.scheduler.Stats())
	}
}

// HistoryHandler handles GET /scheduler/jobs/:name
func (h *GinHandlers) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		history, err := h.scheduler.History(c.Param("name"), historyLimit)
		response.Handle(c, history, err)
	}
}

// RunHandler handles POST /scheduler/jobs/:name/run
func (h *GinHandlers) RunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.scheduler.RunJob(c.Param("name"))
		response.Handle(c, result, err)
	}
}
