// Package apikey hands out upstream API keys in round-robin order.
package apikey

import (
	"errors"
	"strings"
	"sync"
)

// ErrNoKeys is returned by New when the key list is empty.
var ErrNoKeys = errors.New("apikey: at least one key is required")

// Rotator cycles through a fixed list of keys. The cursor starts at zero and
// is advanced before each use, so the first call to Next returns the second
// key. Rotator is safe for concurrent use.
type Rotator struct {
	mu     sync.Mutex
	keys   []string
	cursor int
}

// New copies keys into a Rotator. Blank entries are rejected along with an
// empty list since both are configuration errors.
func New(keys []string) (*Rotator, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	copied := make([]string, len(keys))
	for i, k := range keys {
		if strings.TrimSpace(k) == "" {
			return nil, errors.New("apikey: blank key in list")
		}
		copied[i] = k
	}
	return &Rotator{keys: copied}, nil
}

// Next advances the cursor and returns the key it lands on.
func (r *Rotator) Next() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor = (r.cursor + 1) % len(r.keys)
	return r.keys[r.cursor]
}

// Len returns the number of keys in rotation.
func (r *Rotator) Len() int {
	return len(r.keys)
}
