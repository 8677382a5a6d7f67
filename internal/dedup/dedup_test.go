package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rugguard/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func claimers(t *testing.T, retention time.Duration) (map[string]Claimer, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	mem := NewMemory(retention)
	mem.nowFn = clock.Now
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	p := NewPersistent(db, retention)
	p.nowFn = clock.Now
	return map[string]Claimer{"memory": mem, "sqlite": p}, clock
}

func TestTryClaimOnce(t *testing.T) {
	cs, _ := claimers(t, 0)
	ctx := context.Background()
	for name, c := range cs {
		t.Run(name, func(t *testing.T) {
			k := Key{TriggerPostID: "T1", TargetAccountID: "U1"}
			ok, err := c.TryClaim(ctx, k)
			require.NoError(t, err)
			assert.True(t, ok)
			for i := 0; i < 3; i++ {
				ok, err = c.TryClaim(ctx, k)
				require.NoError(t, err)
				assert.False(t, ok)
			}
			ok, _ = c.TryClaim(ctx, Key{TriggerPostID: "T1", TargetAccountID: "U2"})
			assert.True(t, ok)

			require.NoError(t, c.Release(ctx, k))
			ok, _ = c.TryClaim(ctx, k)
			assert.True(t, ok, "released keys can be claimed again")

			_, err = c.TryClaim(ctx, Key{TriggerPostID: "T1"})
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	cs, _ := claimers(t, 0)
	ctx := context.Background()
	for name, c := range cs {
		t.Run(name, func(t *testing.T) {
			var wins atomic.Int32
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < 64; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					ok, err := c.TryClaim(ctx, Key{TriggerPostID: "race", TargetAccountID: "U"})
					if err == nil && ok {
						wins.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestRetentionExpiresClaims(t *testing.T) {
	cs, clock := claimers(t, 48*time.Hour)
	ctx := context.Background()
	k := Key{TriggerPostID: "T9", TargetAccountID: "U9"}
	for _, c := range cs {
		ok, _ := c.TryClaim(ctx, k)
		require.True(t, ok)
	}
	clock.Advance(47 * time.Hour)
	for name, c := range cs {
		ok, _ := c.TryClaim(ctx, k)
		assert.False(t, ok, name)
	}
	clock.Advance(time.Hour)
	for name, c := range cs {
		n, err := c.Prune(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, name)
		ok, _ := c.TryClaim(ctx, k)
		assert.True(t, ok, name)
	}
}
