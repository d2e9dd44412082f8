// Package buffer holds the latest aggregate per region and the freshness
// gate that decides when a combined telemetry update may be published.
package buffer

import (
	"fmt"
	"sync"
	"time"
)

// Entry is one region's slot.
type Entry struct {
	Value     float64   `json:"value"`
	Set       bool      `json:"set"`
	Fresh     bool      `json:"fresh"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Buffer is a fixed-size set of entries guarded by a mutex. Pollers write
// their own slot; the publisher reads and clears freshness for all slots.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
}

// New returns a buffer with n entries, all unset and stale.
func New(n int) *Buffer {
	if n < 1 {
		n = 1
	}
	return &Buffer{entries: make([]Entry, n)}
}

// Len returns the number of slots.
func (b *Buffer) Len() int { return len(b.entries) }

// Set stores value in slot i and marks it fresh.
func (b *Buffer) Set(i int, value float64, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= len(b.entries) {
		return fmt.Errorf("buffer: slot %d out of range [0,%d)", i, len(b.entries))
	}
	b.entries[i] = Entry{Value: value, Set: true, Fresh: true, UpdatedAt: at}
	return nil
}

// AllFresh reports whether every slot holds an unpublished value.
func (b *Buffer) AllFresh() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allFreshLocked()
}

func (b *Buffer) allFreshLocked() bool {
	for _, e := range b.entries {
		if !e.Fresh {
			return false
		}
	}
	return true
}

// Reset clears every freshness flag. Values are kept.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

func (b *Buffer) resetLocked() {
	for i := range b.entries {
		b.entries[i].Fresh = false
	}
}

// TakeIfAllFresh returns the values of every slot and resets freshness when
// all slots are fresh, as one atomic step. It returns false and leaves the
// buffer untouched otherwise.
func (b *Buffer) TakeIfAllFresh() ([]float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.allFreshLocked() {
		return nil, false
	}
	values := make([]float64, len(b.entries))
	for i, e := range b.entries {
		values[i] = e.Value
	}
	b.resetLocked()
	return values, true
}

// Snapshot returns a copy of all entries.
func (b *Buffer) Snapshot() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}
