package schedule

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/tinytelemetry/trafficmon/internal/task"
)

var testZone = time.FixedZone("CST", 8*3600)

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

type harness struct {
	sched  *Scheduler
	clock  *clockwork.FakeClock
	logs   *syncBuffer
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, start time.Time) *harness {
	t.Helper()
	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	clock := clockwork.NewFakeClockAt(start)

	s, err := New(Config{
		Runner:   task.NewRunner(logger, clock),
		Clock:    clock,
		Location: testZone,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{sched: s, clock: clock, logs: logs}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.sched.Run(ctx) }()
	t.Cleanup(h.stop)
	h.waitIdle(t)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
}

// waitIdle blocks until the scheduler sleeps between passes.
func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("scheduler never went idle: %v", err)
	}
}

func (h *harness) advance(t *testing.T, d time.Duration) {
	t.Helper()
	h.clock.Advance(d)
	h.waitIdle(t)
}

func counting(name string, n *atomic.Int32) task.Task {
	return task.Task{Name: name, Timeout: time.Second, Run: func(context.Context) error {
		n.Add(1)
		return nil
	}}
}

func TestRun_FiresDueCadenceEveryMinute(t *testing.T) {
	h := newHarness(t, time.Date(2026, 3, 7, 8, 10, 2, 0, testZone))
	var runs atomic.Int32
	if err := h.sched.Add(Cadence{Name: "publish", Spec: "* * * * *", Tasks: []task.Task{counting("publish", &runs)}}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	h.start(t)
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs after first pass = %d, want 1", got)
	}
	h.advance(t, time.Minute)
	h.advance(t, time.Minute)
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs after three passes = %d, want 3", got)
	}
}

func TestRun_OnlyFiresOnMatchingMinutes(t *testing.T) {
	h := newHarness(t, time.Date(2026, 3, 7, 8, 10, 2, 0, testZone))
	var polls atomic.Int32
	if err := h.sched.Add(Cadence{Name: "poll", Spec: "*/10 * * * *", Tasks: []task.Task{counting("poll", &polls)}}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	h.start(t)
	if got := polls.Load(); got != 1 {
		t.Fatalf("polls at 08:10 = %d, want 1", got)
	}
	for i := 0; i < 9; i++ {
		h.advance(t, time.Minute)
	}
	if got := polls.Load(); got != 1 {
		t.Fatalf("polls before 08:20 = %d, want 1", got)
	}
	h.advance(t, time.Minute)
	if got := polls.Load(); got != 2 {
		t.Fatalf("polls at 08:20 = %d, want 2", got)
	}
}

func TestRun_MissedTickIsLoggedAndSkipped(t *testing.T) {
	h := newHarness(t, time.Date(2026, 3, 7, 8, 10, 2, 0, testZone))
	var polls atomic.Int32
	if err := h.sched.Add(Cadence{Name: "poll", Spec: "*/10 * * * *", Tasks: []task.Task{counting("poll", &polls)}}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	h.start(t)
	// The process stalls past 08:20; the next pass lands at 08:21.
	h.advance(t, 11*time.Minute)

	if got := polls.Load(); got != 1 {
		t.Fatalf("polls = %d, want 1 (missed tick must not run)", got)
	}
	if !strings.Contains(h.logs.String(), "scheduler: missed tick") {
		t.Fatalf("missed tick not logged: %s", h.logs.String())
	}
	next := h.sched.NextRuns()[0].Next
	if want := time.Date(2026, 3, 7, 8, 30, 0, 0, testZone); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	for i := 0; i < 9; i++ {
		h.advance(t, time.Minute)
	}
	if got := polls.Load(); got != 2 {
		t.Fatalf("polls after 08:30 = %d, want 2", got)
	}
}

func TestRun_CadencesRunInDeclaredOrder(t *testing.T) {
	h := newHarness(t, time.Date(2026, 3, 7, 8, 10, 2, 0, testZone))
	var mu sync.Mutex
	var order []string
	record := func(name string) task.Task {
		return task.Task{Name: name, Run: func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}}
	}
	h.sched.Add(Cadence{Name: "poll", Spec: "*/10 * * * *", Tasks: []task.Task{record("poll:a"), record("poll:b")}})
	h.sched.Add(Cadence{Name: "publish", Spec: "* * * * *", Tasks: []task.Task{record("publish")}})

	h.start(t)
	h.stop()

	mu.Lock()
	defer mu.Unlock()
	if got := strings.Join(order, ","); got != "poll:a,poll:b,publish" {
		t.Errorf("order = %s", got)
	}
}

func TestRun_ConcurrentCadenceFansOut(t *testing.T) {
	h := newHarness(t, time.Date(2026, 3, 7, 8, 10, 2, 0, testZone))
	const n = 4
	var started atomic.Int32
	all := make(chan struct{})
	barrier := func(name string) task.Task {
		return task.Task{Name: name, Timeout: 2 * time.Second, Run: func(ctx context.Context) error {
			if started.Add(1) == n {
				close(all)
			}
			select {
			case <-all:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}}
	}
	tasks := make([]task.Task, 0, n)
	for _, name := range []string{"a", "b", "c", "d"} {
		tasks = append(tasks, barrier("poll:"+name))
	}
	h.sched.Add(Cadence{Name: "poll", Spec: "* * * * *", Concurrency: n, Tasks: tasks})

	h.start(t)
	for _, out := range h.sched.cfg.Runner.Outcomes() {
		if out.Status != task.StatusOK {
			t.Errorf("%s = %s, want ok", out.Task, out.Status)
		}
	}
	if got := len(h.sched.cfg.Runner.Outcomes()); got != n {
		t.Errorf("outcomes = %d, want %d", got, n)
	}
}

func TestRun_TaskFailureDoesNotStopLoop(t *testing.T) {
	h := newHarness(t, time.Date(2026, 3, 7, 8, 10, 2, 0, testZone))
	var runs atomic.Int32
	h.sched.Add(Cadence{Name: "flaky", Spec: "* * * * *", Tasks: []task.Task{
		{Name: "explode", Run: func(context.Context) error { panic("boom") }},
		{Name: "fail", Run: func(context.Context) error { return errors.New("nope") }},
		counting("after", &runs),
	}})

	h.start(t)
	h.advance(t, time.Minute)
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2", got)
	}
}

type panicSchedule struct{}

var _ cron.Schedule = panicSchedule{}

func (panicSchedule) Next(time.Time) time.Time { panic("bad schedule") }

func TestPass_RecoversUnexpectedFault(t *testing.T) {
	h := newHarness(t, time.Date(2026, 3, 7, 8, 10, 2, 0, testZone))
	h.sched.add(Cadence{Name: "broken"}, panicSchedule{})

	h.sched.pass(context.Background())
	if !strings.Contains(h.logs.String(), "scheduler: unexpected fault") {
		t.Fatalf("fault not logged: %s", h.logs.String())
	}
}

func TestAlign_WaitsForNextSampleBoundary(t *testing.T) {
	h := newHarness(t, time.Date(2026, 3, 7, 8, 7, 30, 0, testZone))
	done := make(chan error, 1)
	go func() { done <- h.sched.Align(context.Background()) }()
	h.waitIdle(t)

	h.clock.Advance(2*time.Minute + 29*time.Second)
	select {
	case err := <-done:
		t.Fatalf("Align returned early at %v: %v", h.clock.Now(), err)
	case <-time.After(20 * time.Millisecond):
	}

	h.clock.Advance(time.Second)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Align: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Align did not return at 08:10")
	}
}

func TestAlign_CancelledContext(t *testing.T) {
	h := newHarness(t, time.Date(2026, 3, 7, 8, 7, 30, 0, testZone))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.sched.Align(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Align = %v, want context.Canceled", err)
	}
}

func TestAdd_RejectsBadSpec(t *testing.T) {
	h := newHarness(t, time.Date(2026, 3, 7, 8, 0, 0, 0, testZone))
	if err := h.sched.Add(Cadence{Name: "poll", Spec: "every ten minutes"}); err == nil {
		t.Fatal("expected parse error")
	}
	if err := h.sched.Add(Cadence{Spec: "* * * * *"}); err == nil {
		t.Fatal("expected missing name error")
	}
}

func TestParse_Descriptors(t *testing.T) {
	for _, spec := range []string{"*/10 * * * *", "@every 10m", "@hourly", "0 4 * * *"} {
		if _, err := Parse(spec); err != nil {
			t.Errorf("Parse(%q): %v", spec, err)
		}
	}
}

func TestRun_RoundsToNearestMinute(t *testing.T) {
	// Slightly early wake-ups still count as the due minute.
	h := newHarness(t, time.Date(2026, 3, 7, 8, 9, 58, 0, testZone))
	var polls atomic.Int32
	h.sched.Add(Cadence{Name: "poll", Spec: "*/10 * * * *", Tasks: []task.Task{counting("poll", &polls)}})

	h.start(t)
	if got := polls.Load(); got != 1 {
		t.Fatalf("polls = %d, want 1", got)
	}
}
