package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ignite/audience-engine/internal/metrics"
	"github.com/ignite/audience-engine/internal/pkg/clock"
	"github.com/ignite/audience-engine/internal/pkg/logger"
)

// DefaultTick is how often the scheduler loop wakes up.
const DefaultTick = 15 * time.Second

// JobFunc is one unit of periodic work.
type JobFunc func(ctx context.Context) error

type job struct {
	name  string
	every time.Duration
	fn    JobFunc
	next  time.Time
}

// Scheduler is the single cooperative polling loop that drives the
// automation engine, the campaign dispatcher, the trigger scanners and the
// housekeeping jobs. Jobs run sequentially within a tick; running several
// scheduler processes is safe because every job claims its work with
// conditional updates or distributed locks.
type Scheduler struct {
	tick  time.Duration
	clock clock.Clock
	log   *logger.Logger

	mu       sync.Mutex
	jobs     []*job
	lastTick time.Time
}

// NewScheduler returns a scheduler ticking every tick (DefaultTick when 0).
func NewScheduler(tick time.Duration, clk clock.Clock) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Scheduler{tick: tick, clock: clk, log: logger.With("component", "scheduler")}
}

// Add registers a job that runs at most once per every. every <= 0 runs it
// on each tick. A new job is due on the first tick.
func (s *Scheduler) Add(name string, every time.Duration, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{name: name, every: every, fn: fn})
}

// Run ticks until ctx is cancelled. The first tick runs immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler starting", "tick", s.tick.String(), "jobs", len(s.jobs))
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping")
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce runs every due job once. A failing job is logged and retried on
// its next slot; it never stops the loop.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.mu.Lock()
	jobs := append([]*job(nil), s.jobs...)
	s.mu.Unlock()

	for _, j := range jobs {
		if ctx.Err() != nil {
			return
		}
		now := s.clock.Now()
		if now.Before(j.next) {
			continue
		}
		j.next = now.Add(j.every)

		start := now
		err := s.runJob(ctx, j)
		elapsed := s.clock.Now().Sub(start)
		if err != nil {
			metrics.SchedulerTicks.WithLabelValues(j.name, "error").Inc()
			s.log.Error("job failed", "job", j.name, "error", err, "elapsed", elapsed.String())
			continue
		}
		metrics.SchedulerTicks.WithLabelValues(j.name, "ok").Inc()
		s.log.Debug("job finished", "job", j.name, "elapsed", elapsed.String())
	}

	now := s.clock.Now()
	s.mu.Lock()
	s.lastTick = now
	s.mu.Unlock()
	metrics.SchedulerLastTick.Set(float64(now.Unix()))
}

func (s *Scheduler) runJob(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", "job", j.name, "panic", r)
			err = errPanic
		}
	}()
	return j.fn(ctx)
}

// LastTick is when the last RunOnce finished; zero before the first.
func (s *Scheduler) LastTick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTick
}

// Healthy reports whether a tick finished within maxAge.
func (s *Scheduler) Healthy(maxAge time.Duration) bool {
	last := s.LastTick()
	return !last.IsZero() && s.clock.Now().Sub(last) <= maxAge
}
