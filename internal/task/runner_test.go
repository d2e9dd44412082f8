package task

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestRunner() (*Runner, *syncBuffer) {
	out := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewRunner(logger, nil), out
}

func TestRun_OK(t *testing.T) {
	r, _ := newTestRunner()
	out := r.Run(context.Background(), Task{Name: "ok", Run: func(context.Context) error { return nil }})
	if out.Status != StatusOK || out.Err() != nil {
		t.Fatalf("outcome = %+v", out)
	}
	last, ok := r.Last("ok")
	if !ok || last.Status != StatusOK {
		t.Errorf("Last = %+v, %v", last, ok)
	}
}

func TestRun_ErrorIsLoggedAndSwallowed(t *testing.T) {
	r, logs := newTestRunner()
	boom := errors.New("upstream said no")
	out := r.Run(context.Background(), Task{Name: "poll:xiyou", Run: func(context.Context) error { return boom }})

	if out.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", out.Status)
	}
	if !errors.Is(out.Err(), boom) {
		t.Errorf("Err = %v", out.Err())
	}
	if !strings.Contains(logs.String(), "level=ERROR") || !strings.Contains(logs.String(), "upstream said no") {
		t.Errorf("failure not logged at error level: %s", logs.String())
	}
}

func TestRun_PanicIsRecovered(t *testing.T) {
	r, logs := newTestRunner()
	out := r.Run(context.Background(), Task{Name: "bad", Run: func(context.Context) error {
		var m map[string]int
		m["x"] = 1
		return nil
	}})

	if out.Status != StatusPanic {
		t.Fatalf("status = %s, want panic", out.Status)
	}
	var panicErr *PanicError
	if !errors.As(out.Err(), &panicErr) || len(panicErr.Stack) == 0 {
		t.Errorf("Err = %v, want PanicError with stack", out.Err())
	}
	if !strings.Contains(logs.String(), "task: panicked") {
		t.Errorf("panic not logged: %s", logs.String())
	}
}

func TestRun_TimeoutAbandonsTask(t *testing.T) {
	r, _ := newTestRunner()
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	out := r.Run(context.Background(), Task{
		Name:    "stuck",
		Timeout: 20 * time.Millisecond,
		Run: func(context.Context) error {
			<-release
			return nil
		},
	})

	if out.Status != StatusTimeout {
		t.Fatalf("status = %s, want timeout", out.Status)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Run waited %v for an ignoring task", elapsed)
	}
}

func TestRun_TimeoutCancelsTaskContext(t *testing.T) {
	r, _ := newTestRunner()
	cancelled := make(chan struct{})
	out := r.Run(context.Background(), Task{
		Name:    "cooperative",
		Timeout: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		},
	})
	if out.Status != StatusTimeout {
		t.Fatalf("status = %s, want timeout", out.Status)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task context never cancelled")
	}
}

func TestRun_ParentCancel(t *testing.T) {
	r, _ := newTestRunner()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := r.Run(ctx, Task{Name: "late", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	if out.Status != StatusCanceled {
		t.Fatalf("status = %s, want canceled", out.Status)
	}
}

func TestOutcomes_SortedLatestPerTask(t *testing.T) {
	r, _ := newTestRunner()
	fail := errors.New("x")
	r.Run(context.Background(), Task{Name: "b", Run: func(context.Context) error { return fail }})
	r.Run(context.Background(), Task{Name: "a", Run: func(context.Context) error { return nil }})
	r.Run(context.Background(), Task{Name: "b", Run: func(context.Context) error { return nil }})

	got := r.Outcomes()
	if len(got) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(got))
	}
	if got[0].Task != "a" || got[1].Task != "b" {
		t.Errorf("order = %s, %s", got[0].Task, got[1].Task)
	}
	if got[1].Status != StatusOK {
		t.Errorf("b status = %s, want latest ok", got[1].Status)
	}
}
