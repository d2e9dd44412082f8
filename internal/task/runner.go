// Package task runs named units of work with a timeout and fault isolation.
// Nothing a task does, returns or panics with reaches the caller.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultTimeout bounds a task that does not set its own.
const DefaultTimeout = 10 * time.Second

// Status classifies how a task run ended.
type Status string

const (
	StatusOK       Status = "ok"
	StatusFailed   Status = "failed"
	StatusTimeout  Status = "timeout"
	StatusPanic    Status = "panic"
	StatusCanceled Status = "canceled"
)

// Task is a named unit of work. Run must honour ctx cancellation for the
// timeout to release resources; a Run that ignores it is abandoned.
type Task struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Outcome records one run.
type Outcome struct {
	Task       string    `json:"task"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Started    time.Time `json:"started"`
	DurationMS int64     `json:"duration_ms"`

	err error
}

// Err returns the failure behind a non-ok outcome.
func (o Outcome) Err() error { return o.err }

// PanicError carries a recovered panic value and the goroutine stack.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Runner executes tasks and keeps the latest outcome per task name.
type Runner struct {
	logger *slog.Logger
	clock  clockwork.Clock

	mu   sync.Mutex
	last map[string]Outcome
}

// NewRunner returns a Runner. A nil clock uses the wall clock.
func NewRunner(logger *slog.Logger, clock clockwork.Clock) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Runner{
		logger: logger,
		clock:  clock,
		last:   make(map[string]Outcome),
	}
}

// Run executes t in its own goroutine and waits for it to finish, time out
// or be cancelled through ctx. A timed-out task is cancelled and abandoned.
func (r *Runner) Run(ctx context.Context, t Task) Outcome {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	started := r.clock.Now()

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so an abandoned task can still deliver and exit.
	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- &PanicError{Value: rec, Stack: debug.Stack()}
			}
		}()
		done <- t.Run(tctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-tctx.Done():
		err = tctx.Err()
	}

	out := Outcome{
		Task:       t.Name,
		Started:    started,
		DurationMS: r.clock.Since(started).Milliseconds(),
		err:        err,
	}
	out.Status = classify(ctx, err)
	if err != nil {
		out.Error = err.Error()
	}

	r.report(out, timeout)
	r.mu.Lock()
	r.last[t.Name] = out
	r.mu.Unlock()
	return out
}

func classify(parent context.Context, err error) Status {
	var panicErr *PanicError
	switch {
	case err == nil:
		return StatusOK
	case errors.As(err, &panicErr):
		return StatusPanic
	case parent.Err() != nil:
		return StatusCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	default:
		return StatusFailed
	}
}

func (r *Runner) report(out Outcome, timeout time.Duration) {
	switch out.Status {
	case StatusOK:
		r.logger.Debug("task: completed", "task", out.Task, "duration_ms", out.DurationMS)
	case StatusCanceled:
		r.logger.Info("task: canceled", "task", out.Task)
	case StatusTimeout:
		r.logger.Error("task: timed out", "task", out.Task, "timeout", timeout)
	case StatusPanic:
		var panicErr *PanicError
		errors.As(out.err, &panicErr)
		r.logger.Error("task: panicked", "task", out.Task, "panic", fmt.Sprint(panicErr.Value), "stack", string(panicErr.Stack))
	default:
		r.logger.Error("task: failed", "task", out.Task, "error", out.err)
	}
}

// Last returns the most recent outcome of the named task.
func (r *Runner) Last(name string) (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, ok := r.last[name]
	return out, ok
}

// Outcomes returns the latest outcome of every task that has run, sorted by
// task name.
func (r *Runner) Outcomes() []Outcome {
	r.mu.Lock()
	out := make([]Outcome, 0, len(r.last))
	for _, o := range r.last {
		out = append(out, o)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Task < out[j].Task })
	return out
}
