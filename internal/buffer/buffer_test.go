package buffer

import (
	"sync"
	"testing"
	"time"
)

func TestAllFresh_RequiresEverySlot(t *testing.T) {
	for n := 1; n <= 5; n++ {
		b := New(n)
		if b.AllFresh() {
			t.Fatalf("n=%d: new buffer reports all fresh", n)
		}
		for i := 0; i < n; i++ {
			if b.AllFresh() {
				t.Fatalf("n=%d: all fresh after %d of %d sets", n, i, n)
			}
			if err := b.Set(i, float64(i), time.Now()); err != nil {
				t.Fatalf("Set(%d): %v", i, err)
			}
		}
		if !b.AllFresh() {
			t.Fatalf("n=%d: not all fresh after every slot set", n)
		}
		b.Reset()
		if b.AllFresh() {
			t.Fatalf("n=%d: all fresh after Reset", n)
		}
	}
}

func TestReset_KeepsValues(t *testing.T) {
	b := New(2)
	_ = b.Set(0, 12.5, time.Now())
	_ = b.Set(1, 3, time.Now())
	b.Reset()

	snap := b.Snapshot()
	if snap[0].Value != 12.5 || !snap[0].Set || snap[0].Fresh {
		t.Errorf("slot 0 = %+v, want value kept and stale", snap[0])
	}
	if snap[1].Value != 3 || snap[1].Fresh {
		t.Errorf("slot 1 = %+v, want value kept and stale", snap[1])
	}
}

func TestSet_OutOfRange(t *testing.T) {
	b := New(2)
	if err := b.Set(2, 1, time.Now()); err == nil {
		t.Fatal("expected error for slot 2")
	}
	if err := b.Set(-1, 1, time.Now()); err == nil {
		t.Fatal("expected error for slot -1")
	}
}

func TestTakeIfAllFresh(t *testing.T) {
	b := New(3)
	_ = b.Set(0, 1, time.Now())
	_ = b.Set(1, 2, time.Now())

	if _, ok := b.TakeIfAllFresh(); ok {
		t.Fatal("TakeIfAllFresh succeeded with one stale slot")
	}
	if snap := b.Snapshot(); !snap[0].Fresh || !snap[1].Fresh {
		t.Fatal("failed take must not clear freshness")
	}

	_ = b.Set(2, 3, time.Now())
	values, ok := b.TakeIfAllFresh()
	if !ok {
		t.Fatal("TakeIfAllFresh failed with all slots fresh")
	}
	if len(values) != 3 || values[0] != 1 || values[1] != 2 || values[2] != 3 {
		t.Fatalf("values = %v, want [1 2 3]", values)
	}
	if b.AllFresh() {
		t.Fatal("freshness not reset after take")
	}
	if _, ok := b.TakeIfAllFresh(); ok {
		t.Fatal("second take succeeded without new samples")
	}
}

func TestConcurrentSetAndTake(t *testing.T) {
	b := New(4)
	var wg sync.WaitGroup
	for slot := 0; slot < 4; slot++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = b.Set(slot, float64(i), time.Now())
			}
		}(slot)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			b.TakeIfAllFresh()
		}
	}()
	wg.Wait()

	for i, e := range b.Snapshot() {
		if e.Value != 199 {
			t.Errorf("slot %d value = %v, want 199", i, e.Value)
		}
	}
}
