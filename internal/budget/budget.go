// Package budget meters calls to the external API per category over a rolling window.
package budget

import (
	"sync"
	"time"

	"rugguard/internal/metrics"
)

// Category groups API calls that share a platform limit.
type Category string

const (
	Search Category = "search"
	Lookup Category = "lookup"
	Post   Category = "post"
)

// DefaultWindow matches the platform's 15 minute rate-limit window.
const DefaultWindow = 15 * time.Minute

// DefaultLimits are per-window ceilings.
func DefaultLimits() map[Category]int {
	return map[Category]int{Search: 450, Lookup: 300, Post: 300}
}

// Decision is the outcome of an acquisition attempt. When Granted is false, Wait is how long
// until the request would fit.
type Decision struct {
	Granted   bool          `json:"granted"`
	Wait      time.Duration `json:"wait"`
	Remaining int           `json:"remaining"`
}

// Status describes one category for reporting.
type Status struct {
	Limit        int       `json:"limit"`
	Used         int       `json:"used"`
	Remaining    int       `json:"remaining"`
	BlockedUntil time.Time `json:"blocked_until,omitempty"`
}

// Budget is a sliding-window call log per category. All methods are safe for concurrent use;
// check-and-record happens under one lock.
type Budget struct {
	window time.Duration
	limits map[Category]int
	nowFn  func() time.Time

	mu      sync.Mutex
	calls   map[Category][]time.Time
	blocked map[Category]time.Time
}

// New creates a budget. Categories without a positive limit are not metered.
func New(window time.Duration, limits map[Category]int) *Budget {
	if window <= 0 {
		window = DefaultWindow
	}
	l := make(map[Category]int, len(limits))
	for k, v := range limits {
		l[k] = v
	}
	return &Budget{
		window:  window,
		limits:  l,
		nowFn:   time.Now,
		calls:   map[Category][]time.Time{},
		blocked: map[Category]time.Time{},
	}
}

// TryAcquire reserves one call in cat.
func (b *Budget) TryAcquire(cat Category) Decision { return b.TryAcquireN(cat, 1) }

// TryAcquireN reserves n calls in cat atomically: either all are granted or none.
func (b *Budget) TryAcquireN(cat Category, n int) Decision {
	if n <= 0 {
		n = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.nowFn()
	limit, metered := b.limits[cat]
	if until, ok := b.blocked[cat]; ok {
		if now.Before(until) {
			metrics.IncBudgetDenied(string(cat))
			return Decision{Wait: until.Sub(now), Remaining: b.remainingLocked(cat, now)}
		}
		delete(b.blocked, cat)
	}
	if !metered || limit <= 0 {
		return Decision{Granted: true, Remaining: -1}
	}
	calls := b.pruneLocked(cat, now)
	if n > limit {
		metrics.IncBudgetDenied(string(cat))
		return Decision{Wait: b.window, Remaining: limit - len(calls)}
	}
	if over := len(calls) + n - limit; over > 0 {
		wait := calls[over-1].Add(b.window).Sub(now)
		if wait <= 0 {
			wait = time.Millisecond
		}
		metrics.IncBudgetDenied(string(cat))
		return Decision{Wait: wait, Remaining: limit - len(calls)}
	}
	for i := 0; i < n; i++ {
		calls = append(calls, now)
	}
	b.calls[cat] = calls
	return Decision{Granted: true, Remaining: limit - len(calls)}
}

// Block denies cat until the given time, e.g. after the platform answered 429.
func (b *Budget) Block(cat Category, until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.blocked[cat]; !ok || until.After(cur) {
		b.blocked[cat] = until
	}
}

// Remaining returns the calls left in the current window, or -1 when unmetered.
func (b *Budget) Remaining(cat Category) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remainingLocked(cat, b.nowFn())
}

// Snapshot reports every configured category.
func (b *Budget) Snapshot() map[Category]Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.nowFn()
	out := make(map[Category]Status, len(b.limits))
	for c := range b.limits {
		used := len(b.pruneLocked(c, now))
		st := Status{Limit: b.limits[c], Used: used, Remaining: b.remainingLocked(c, now)}
		if until, ok := b.blocked[c]; ok && now.Before(until) {
			st.BlockedUntil = until
		}
		out[c] = st
	}
	return out
}

func (b *Budget) remainingLocked(cat Category, now time.Time) int {
	limit, ok := b.limits[cat]
	if !ok || limit <= 0 {
		return -1
	}
	r := limit - len(b.pruneLocked(cat, now))
	if r < 0 {
		r = 0
	}
	return r
}

// pruneLocked drops calls that left the window and returns the remainder, oldest first.
func (b *Budget) pruneLocked(cat Category, now time.Time) []time.Time {
	calls := b.calls[cat]
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(calls) && !calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		calls = append(calls[:0:0], calls[i:]...)
		b.calls[cat] = calls
	}
	return calls
}
