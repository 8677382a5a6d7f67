// Package dedup guarantees at most one reply per (trigger post, target account) pair.
package dedup

import (
	"context"
	"errors"
	"sync"
	"time"

	"rugguard/internal/store"
)

// ErrInvalidKey is returned for keys with an empty component.
var ErrInvalidKey = errors.New("dedup: empty trigger or target id")

// Key identifies one trigger/target pair.
type Key struct {
	TriggerPostID   string
	TargetAccountID string
}

func (k Key) valid() bool { return k.TriggerPostID != "" && k.TargetAccountID != "" }

// Claimer hands out one-time claims. TryClaim is a single atomic check-and-set: among any
// number of concurrent callers for the same live key exactly one gets true.
type Claimer interface {
	TryClaim(ctx context.Context, k Key) (bool, error)
	Release(ctx context.Context, k Key) error
	Prune(ctx context.Context) (int64, error)
}

// Memory is an in-process claim set. With a positive retention, claims older than retention
// expire and are evicted; zero retention keeps them for the process lifetime.
type Memory struct {
	retention time.Duration
	nowFn     func() time.Time

	mu     sync.Mutex
	claims map[Key]time.Time
}

func NewMemory(retention time.Duration) *Memory {
	return &Memory{retention: retention, nowFn: time.Now, claims: map[Key]time.Time{}}
}

func (m *Memory) TryClaim(_ context.Context, k Key) (bool, error) {
	if !k.valid() {
		return false, ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn()
	if at, ok := m.claims[k]; ok && !m.expired(at, now) {
		return false, nil
	}
	m.claims[k] = now
	return true, nil
}

func (m *Memory) Release(_ context.Context, k Key) error {
	m.mu.Lock()
	delete(m.claims, k)
	m.mu.Unlock()
	return nil
}

// Prune evicts expired claims.
func (m *Memory) Prune(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn()
	var n int64
	for k, at := range m.claims {
		if m.expired(at, now) {
			delete(m.claims, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of held claims, expired ones included until pruned.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.claims)
}

func (m *Memory) expired(at, now time.Time) bool {
	return m.retention > 0 && now.Sub(at) >= m.retention
}

// Persistent keeps claims in SQLite so they survive restarts.
type Persistent struct {
	db        *store.DB
	retention time.Duration
	nowFn     func() time.Time
}

func NewPersistent(db *store.DB, retention time.Duration) *Persistent {
	return &Persistent{db: db, retention: retention, nowFn: time.Now}
}

func (p *Persistent) TryClaim(ctx context.Context, k Key) (bool, error) {
	if !k.valid() {
		return false, ErrInvalidKey
	}
	now := p.nowFn()
	if p.retention <= 0 {
		return p.db.ClaimTrigger(ctx, k.TriggerPostID, k.TargetAccountID, now)
	}
	return p.db.ClaimTriggerAfter(ctx, k.TriggerPostID, k.TargetAccountID, now, now.Add(-p.retention).Add(time.Nanosecond))
}

func (p *Persistent) Release(ctx context.Context, k Key) error {
	return p.db.ReleaseClaim(ctx, k.TriggerPostID, k.TargetAccountID)
}

func (p *Persistent) Prune(ctx context.Context) (int64, error) {
	if p.retention <= 0 {
		return 0, nil
	}
	return p.db.PruneClaims(ctx, p.nowFn().Add(-p.retention).Add(time.Nanosecond))
}
