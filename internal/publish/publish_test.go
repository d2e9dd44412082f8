package publish

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/tinytelemetry/trafficmon/internal/buffer"
	"github.com/tinytelemetry/trafficmon/internal/model"
)

type fakeGetter struct {
	mu   sync.Mutex
	urls []string
	body string
	err  error
}

func (g *fakeGetter) Get(_ context.Context, rawURL string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.urls = append(g.urls, rawURL)
	if g.err != nil {
		return nil, g.err
	}
	return []byte(g.body), nil
}

func (g *fakeGetter) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.urls...)
}

func testRegions() []model.Region {
	return []model.Region{
		{ID: "zhonglou", Field: 1, Index: 0},
		{ID: "xiyou", Field: 2, Index: 1},
		{ID: "zhanqian", Field: 3, Index: 2},
		{ID: "ningguo", Field: 4, Index: 3},
	}
}

func newPublisher(t *testing.T, g *fakeGetter, buf *buffer.Buffer) *Publisher {
	t.Helper()
	p, err := New(Config{
		Getter:  g,
		Buffer:  buf,
		Regions: testRegions(),
		URL:     "https://telemetry.test/update",
		APIKey:  "WRITEKEY",
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func fill(t *testing.T, buf *buffer.Buffer, values ...float64) {
	t.Helper()
	at := time.Date(2026, 3, 7, 8, 10, 0, 0, time.UTC)
	for i, v := range values {
		if err := buf.Set(i, v, at); err != nil {
			t.Fatalf("Set(%d): %v", i, err)
		}
	}
}

func TestPublishIfReady_SkipsIncompleteCycle(t *testing.T) {
	g := &fakeGetter{body: "17"}
	buf := buffer.New(4)
	p := newPublisher(t, g, buf)
	fill(t, buf, 1, 2, 3)

	sent, err := p.PublishIfReady(context.Background())
	if err != nil || sent {
		t.Fatalf("PublishIfReady = (%v, %v), want (false, nil)", sent, err)
	}
	if n := len(g.calls()); n != 0 {
		t.Errorf("requests = %d, want 0", n)
	}
}

func TestPublishIfReady_SendsAllFieldsOnce(t *testing.T) {
	g := &fakeGetter{body: "17"}
	buf := buffer.New(4)
	p := newPublisher(t, g, buf)
	fill(t, buf, 600, 15.2, 0, 1250.5)

	sent, err := p.PublishIfReady(context.Background())
	if err != nil || !sent {
		t.Fatalf("PublishIfReady = (%v, %v), want (true, nil)", sent, err)
	}
	sent, err = p.PublishIfReady(context.Background())
	if err != nil || sent {
		t.Fatalf("second PublishIfReady = (%v, %v), want (false, nil)", sent, err)
	}

	calls := g.calls()
	if len(calls) != 1 {
		t.Fatalf("requests = %d, want 1", len(calls))
	}
	u, err := url.Parse(calls[0])
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := u.Query()
	want := map[string]string{
		"api_key": "WRITEKEY",
		"field1":  "600",
		"field2":  "15.2",
		"field3":  "0",
		"field4":  "1250.5",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if u.Host != "telemetry.test" || u.Path != "/update" {
		t.Errorf("url = %s", calls[0])
	}
}

func TestPublishIfReady_FailureStillClearsGate(t *testing.T) {
	g := &fakeGetter{err: errors.New("connection refused")}
	buf := buffer.New(4)
	p := newPublisher(t, g, buf)
	fill(t, buf, 1, 2, 3, 4)

	sent, err := p.PublishIfReady(context.Background())
	if err == nil || !sent {
		t.Fatalf("PublishIfReady = (%v, %v), want (true, error)", sent, err)
	}
	if buf.AllFresh() {
		t.Error("gate still set after failed send")
	}
	if sent, _ := p.PublishIfReady(context.Background()); sent {
		t.Error("failed update retried before the next complete cycle")
	}
}

func TestPublishIfReady_RejectedUpdate(t *testing.T) {
	g := &fakeGetter{body: "0"}
	buf := buffer.New(4)
	p := newPublisher(t, g, buf)
	fill(t, buf, 1, 2, 3, 4)

	if _, err := p.PublishIfReady(context.Background()); !errors.Is(err, ErrRejected) {
		t.Fatalf("error = %v, want ErrRejected", err)
	}
	if buf.AllFresh() {
		t.Error("gate still set after rejected update")
	}
}

func TestNew_RegionCountMustMatchBuffer(t *testing.T) {
	_, err := New(Config{
		Getter:  &fakeGetter{},
		Buffer:  buffer.New(3),
		Regions: testRegions(),
		APIKey:  "k",
	})
	if err == nil {
		t.Fatal("expected mismatch error")
	}
}
