// Package schedule fires named cadences of tasks on minute-resolution cron
// expressions and detects ticks it was too late to run.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/tinytelemetry/trafficmon/internal/task"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultGuardDelay     = 2 * time.Second
	DefaultSampleInterval = 10 * time.Minute
)

// Cadence is a cron expression with the tasks it fires. Concurrency 1 runs
// the tasks sequentially in order; larger values fan out up to that limit.
type Cadence struct {
	Name        string
	Spec        string
	Concurrency int
	Tasks       []task.Task
}

// Config wires a Scheduler.
type Config struct {
	Runner         *task.Runner
	Clock          clockwork.Clock
	Location       *time.Location
	SampleInterval time.Duration
	GuardDelay     time.Duration
	Logger         *slog.Logger
}

// NextRun is the next due time of one cadence.
type NextRun struct {
	Cadence string    `json:"cadence"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next"`
}

type entry struct {
	Cadence
	schedule cron.Schedule
	next     time.Time
}

// Scheduler runs cadences from a single goroutine.
type Scheduler struct {
	cfg Config

	mu      sync.Mutex
	entries []*entry
}

// New returns a Scheduler with defaults applied.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("schedule: nil task runner")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if cfg.GuardDelay < 0 {
		cfg.GuardDelay = 0
	} else if cfg.GuardDelay == 0 {
		cfg.GuardDelay = DefaultGuardDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{cfg: cfg}, nil
}

// Parse validates a standard five-field cron expression or descriptor.
func Parse(spec string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(strings.TrimSpace(spec))
	if err != nil {
		return nil, fmt.Errorf("schedule: parse %q: %w", spec, err)
	}
	return sched, nil
}

// Add registers a cadence. Cadences are evaluated in the order added.
func (s *Scheduler) Add(c Cadence) error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("schedule: cadence name is required")
	}
	sched, err := Parse(c.Spec)
	if err != nil {
		return fmt.Errorf("cadence %s: %w", c.Name, err)
	}
	s.add(c, sched)
	return nil
}

func (s *Scheduler) add(c Cadence, sched cron.Schedule) {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	s.mu.Lock()
	s.entries = append(s.entries, &entry{Cadence: c, schedule: sched})
	s.mu.Unlock()
}

// Align blocks until the next multiple of the sample interval.
func (s *Scheduler) Align(ctx context.Context) error {
	now := s.cfg.Clock.Now()
	wait := now.Truncate(s.cfg.SampleInterval).Add(s.cfg.SampleInterval).Sub(now)
	s.cfg.Logger.Info("scheduler: aligning to sample interval",
		"interval", s.cfg.SampleInterval,
		"wait", wait.Round(time.Millisecond),
	)
	return s.sleep(ctx, wait)
}

// Run evaluates cadences once per minute until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()
	if len(entries) == 0 {
		return fmt.Errorf("schedule: no cadences registered")
	}

	start := s.now().Round(time.Minute)
	for _, e := range entries {
		// The current minute counts as due when it matches.
		next := e.schedule.Next(start.Add(-time.Second))
		s.mu.Lock()
		e.next = next
		s.mu.Unlock()
	}

	s.cfg.Logger.Info("scheduler: started", "cadences", len(entries))
	for {
		if ctx.Err() != nil {
			break
		}
		rounded := s.pass(ctx)
		wake := rounded.Add(time.Minute + s.cfg.GuardDelay)
		if err := s.sleep(ctx, wake.Sub(s.cfg.Clock.Now())); err != nil {
			break
		}
	}
	s.cfg.Logger.Info("scheduler: stopped")
	return nil
}

// NextRuns reports the next due time of every cadence.
func (s *Scheduler) NextRuns() []NextRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NextRun, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, NextRun{Cadence: e.Name, Spec: e.Spec, Next: e.next})
	}
	return out
}

// pass runs every due cadence and returns the minute it evaluated.
func (s *Scheduler) pass(ctx context.Context) (rounded time.Time) {
	rounded = s.now().Round(time.Minute)
	defer func() {
		if rec := recover(); rec != nil {
			s.cfg.Logger.Error("scheduler: unexpected fault",
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
		}
	}()

	s.mu.Lock()
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()

	for _, e := range entries {
		s.mu.Lock()
		next := e.next
		s.mu.Unlock()

		switch {
		case rounded.Equal(next):
			s.runCadence(ctx, e)
		case rounded.After(next):
			s.cfg.Logger.Warn("scheduler: missed tick",
				"cadence", e.Name,
				"due", next,
				"now", rounded,
			)
		default:
			continue
		}

		next = e.schedule.Next(rounded)
		s.mu.Lock()
		e.next = next
		s.mu.Unlock()
	}
	return rounded
}

func (s *Scheduler) runCadence(ctx context.Context, e *entry) {
	s.cfg.Logger.Debug("scheduler: running cadence", "cadence", e.Name, "tasks", len(e.Tasks))
	if e.Concurrency <= 1 {
		for _, t := range e.Tasks {
			s.cfg.Runner.Run(ctx, t)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(e.Concurrency)
	for _, t := range e.Tasks {
		g.Go(func() error {
			s.cfg.Runner.Run(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) now() time.Time {
	return s.cfg.Clock.Now().In(s.cfg.Location)
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := s.cfg.Clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
