// Package ratelimit keeps per-key sliding windows of request timestamps. Every
// backend performs the read-prune-append cycle atomically, so concurrent
// callers can never push a window past its maximum.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInvalidLimit reports a non-positive maximum or window.
var ErrInvalidLimit = errors.New("ratelimit: max and window must be positive")

// Decision is the outcome of one Hit.
type Decision struct {
	Allowed   bool
	Count     int
	Remaining int
	ResetAt   time.Time
}

// Store records a hit for key if the window ending at now holds fewer than max
// entries. Rejected hits are not recorded.
type Store interface {
	Hit(ctx context.Context, key string, now time.Time, window time.Duration, max int) (Decision, error)
}

// Key builds the window key for a user action.
func Key(uid, action string) string {
	return uid + ":" + action
}

func validate(window time.Duration, max int) error {
	if window <= 0 || max <= 0 {
		return ErrInvalidLimit
	}
	return nil
}

// slide drops timestamps at or before now-window and, when room remains,
// appends now. Timestamps are unix milliseconds in ascending order.
func slide(hits []int64, now time.Time, window time.Duration, max int) ([]int64, Decision) {
	cutoff := now.Add(-window).UnixMilli()
	kept := hits[:0]
	for _, ts := range hits {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	d := Decision{Count: len(kept)}
	if len(kept) < max {
		kept = append(kept, now.UnixMilli())
		d.Allowed = true
		d.Count = len(kept)
	}
	d.Remaining = max - d.Count
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	d.ResetAt = time.UnixMilli(kept[0]).Add(window).UTC()
	return kept, d
}

// Memory keeps windows in process memory.
type Memory struct {
	mu      sync.Mutex
	windows map[string][]int64
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{windows: make(map[string][]int64)}
}

// Hit implements Store.
func (m *Memory) Hit(ctx context.Context, key string, now time.Time, window time.Duration, max int) (Decision, error) {
	if err := validate(window, max); err != nil {
		return Decision{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept, d := slide(m.windows[key], now, window, max)
	m.windows[key] = kept
	return d, nil
}
