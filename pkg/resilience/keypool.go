// Package resilience holds the retry loop, the circuit breaker and the
// credential pool shared by the backend client and the providers.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoKeys is returned by a pool built without credentials.
var ErrNoKeys = errors.New("keypool: no keys configured")

// KeyPool rotates provider credentials round-robin and parks keys the
// provider has rate-limited until their cooldown passes.
type KeyPool struct {
	mu      sync.Mutex
	keys    []string
	parked  map[int]time.Time
	current int
	now     func() time.Time
}

// NewKeyPool creates a pool from a list of keys. Empty entries are ignored.
func NewKeyPool(keys []string) *KeyPool {
	kept := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			kept = append(kept, k)
		}
	}
	return &KeyPool{
		keys:   kept,
		parked: make(map[int]time.Time),
		now:    time.Now,
	}
}

// Next returns the next usable key. When every key is parked the error
// names the earliest time one becomes usable again.
func (kp *KeyPool) Next() (string, error) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	n := len(kp.keys)
	if n == 0 {
		return "", ErrNoKeys
	}

	now := kp.now()
	var earliest time.Time
	for i := 0; i < n; i++ {
		idx := (kp.current + i) % n
		until, isParked := kp.parked[idx]
		if isParked && now.Before(until) {
			if earliest.IsZero() || until.Before(earliest) {
				earliest = until
			}
			continue
		}
		delete(kp.parked, idx)
		kp.current = (idx + 1) % n
		return kp.keys[idx], nil
	}

	return "", fmt.Errorf("keypool: all %d keys rate-limited until %s", n, earliest.Format(time.RFC3339))
}

// MarkRateLimited parks key until the given time.
func (kp *KeyPool) MarkRateLimited(key string, until time.Time) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	for i, k := range kp.keys {
		if k == key {
			kp.parked[i] = until
			return
		}
	}
}

// Size returns the number of keys in the pool.
func (kp *KeyPool) Size() int {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	return len(kp.keys)
}
