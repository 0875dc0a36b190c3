package clock

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// JobFunc is a periodic task. It receives the scheduler's notion of now.
type JobFunc func(ctx context.Context, now time.Time) error

// JobResult describes one job execution.
type JobResult struct {
	Name    string
	RanAt   time.Time
	Err     error
	Skipped bool
}

type job struct {
	name     string
	interval time.Duration
	next     time.Time
	fn       JobFunc
	runs     int
}

// Scheduler runs named jobs at fixed intervals of clock time. It never sleeps
// on its own: Tick is driven by the pipeline in backtests and by Run in live
// sessions.
type Scheduler struct {
	mu     sync.Mutex
	clock  Clock
	jobs   []*job
	logger zerolog.Logger
}

// NewScheduler creates a scheduler bound to clk.
func NewScheduler(clk Clock, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		clock:  clk,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Every registers fn to run each interval. The first run is due one interval
// after the first Tick.
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) {
	if interval <= 0 || fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{name: name, interval: interval, fn: fn})
}

// Tick runs every job due at or before now, in registration order. A job that
// fell several intervals behind runs once and is rescheduled from now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []JobResult {
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if j.next.IsZero() {
			j.next = now.Add(j.interval)
			continue
		}
		if !now.Before(j.next) {
			due = append(due, j)
			j.next = now.Add(j.interval)
		}
	}
	s.mu.Unlock()

	results := make([]JobResult, 0, len(due))
	for _, j := range due {
		if ctx.Err() != nil {
			results = append(results, JobResult{Name: j.name, RanAt: now, Skipped: true})
			continue
		}
		err := j.fn(ctx, now)
		if err != nil {
			s.logger.Error().Err(err).Str("job", j.name).Msg("Scheduled job failed")
		}
		s.mu.Lock()
		j.runs++
		s.mu.Unlock()
		results = append(results, JobResult{Name: j.name, RanAt: now, Err: err})
	}
	return results
}

// Runs returns how many times the named job has executed.
func (s *Scheduler) Runs(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.name == name {
			return j.runs
		}
	}
	return 0
}

// Run drives Tick from a wall-clock ticker until ctx is done.
func (s *Scheduler) Run(ctx context.Context, resolution time.Duration) {
	if resolution <= 0 {
		resolution = time.Second
	}
	ticker := time.NewTicker(resolution)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, s.clock.Now())
		}
	}
}
