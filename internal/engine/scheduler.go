// Package engine drives the periodic background work of the exchange.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Job is one periodic task. Run is never called concurrently with itself.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// JobStatus is a point-in-time view of a job, for health checks.
type JobStatus struct {
	Name      string    `json:"name"`
	Runs      uint64    `json:"runs"`
	Failures  uint64    `json:"failures"`
	LastRun   time.Time `json:"last_run"`
	LastError string    `json:"last_error,omitempty"`
}

// Scheduler runs jobs on their own tickers. A failing or panicking run is
// logged and counted; the job keeps its schedule.
type Scheduler struct {
	logger *slog.Logger

	mu     sync.RWMutex
	jobs   []Job
	status map[string]*JobStatus
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger.With("module", "scheduler"),
		status: make(map[string]*JobStatus),
	}
}

// Add registers a job. Jobs with a non-positive interval are disabled.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("scheduler: job needs a name and a run func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.status[job.Name]; dup {
		return fmt.Errorf("scheduler: duplicate job %q", job.Name)
	}
	s.status[job.Name] = &JobStatus{Name: job.Name}
	if job.Interval <= 0 {
		s.logger.Info("job disabled", slog.String("job", job.Name))
		return nil
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Run starts every job and blocks until ctx is done and all runs returned.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.RLock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.RUnlock()

	s.logger.Info("scheduler started", slog.Int("jobs", len(jobs)))
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx, job)
		}
	}
}

// RunOnce executes job immediately and records the outcome.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) {
	start := time.Now()
	err := s.safeRun(ctx, job)

	s.mu.Lock()
	st, ok := s.status[job.Name]
	if !ok {
		st = &JobStatus{Name: job.Name}
		s.status[job.Name] = st
	}
	st.Runs++
	st.LastRun = start
	st.LastError = ""
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		s.logger.Error("job failed", slog.String("job", job.Name), slog.Any("error", err),
			slog.Duration("elapsed", time.Since(start)))
	}
}

func (s *Scheduler) safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job.Run(ctx)
}

// Status returns every job's counters sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JobStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
