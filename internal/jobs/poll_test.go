package jobs

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rugguard/internal/analysis"
	"rugguard/internal/budget"
	"rugguard/internal/dedup"
	"rugguard/internal/model"
	"rugguard/internal/store"
	"rugguard/internal/xclient"
)

type fakeX struct {
	mu       sync.Mutex
	events   []model.TriggerEvent
	searches int
	since    []time.Time
	replies  []string
	// filterSince makes search return only events discovered at or after since.
	filterSince bool
	// unavailable counts upcoming 503 answers per account id.
	unavailable map[string]int
}

func (f *fakeX) FetchAccount(_ context.Context, id string, _ int) (model.AccountSnapshot, error) {
	if id == "" {
		return model.AccountSnapshot{}, &xclient.FetchError{Op: "users", Status: http.StatusNotFound}
	}
	f.mu.Lock()
	if f.unavailable[id] > 0 {
		f.unavailable[id]--
		f.mu.Unlock()
		return model.AccountSnapshot{}, &xclient.FetchError{Op: "users", Status: http.StatusServiceUnavailable}
	}
	f.mu.Unlock()
	return model.AccountSnapshot{ID: id, Username: "u" + id, CreatedAt: time.Now().AddDate(-1, 0, 0), FollowersCount: 100, FollowingCount: 100}, nil
}

func (f *fakeX) FetchAccountByUsername(ctx context.Context, username string, n int) (model.AccountSnapshot, error) {
	return f.FetchAccount(ctx, username, n)
}

func (f *fakeX) FetchPost(context.Context, string) (model.Post, error) { return model.Post{}, nil }

func (f *fakeX) SearchRepliesContaining(_ context.Context, _ string, since time.Time, _ int) ([]model.TriggerEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches++
	f.since = append(f.since, since)
	if !f.filterSince {
		return f.events, nil
	}
	var out []model.TriggerEvent
	for _, ev := range f.events {
		if ev.DiscoveredAt.IsZero() || !ev.DiscoveredAt.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeX) PostReply(_ context.Context, parent, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, parent)
	return "r" + parent, nil
}

func setup(t *testing.T, x *fakeX, limits map[budget.Category]int, opts PollOptions) (*Poller, *store.DB) {
	t.Helper()
	return setupWindow(t, x, time.Minute, limits, opts)
}

func setupWindow(t *testing.T, x *fakeX, window time.Duration, limits map[budget.Category]int, opts PollOptions) (*Poller, *store.DB) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	b := budget.New(window, limits)
	orch := analysis.New(x, b, dedup.NewMemory(time.Hour), nil, analysis.Options{})
	return NewPoller(x, orch, b, db, opts), db
}

func TestPollDefersWhenSearchBudgetExhausted(t *testing.T) {
	x := &fakeX{}
	p, _ := setup(t, x, map[budget.Category]int{budget.Search: 1, budget.Lookup: 10, budget.Post: 10}, PollOptions{Phrase: "riddle me this"})

	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, x.searches)

	res, err := p.RunOnce(context.Background())
	var be *analysis.BudgetError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, budget.Search, be.Category)
	assert.Greater(t, res.Wait, time.Duration(0))
	assert.Equal(t, 1, x.searches, "no search call when budget is exhausted")
}

func TestPollRepliesOnceAcrossOverlappingCycles(t *testing.T) {
	now := time.Now().UTC()
	x := &fakeX{events: []model.TriggerEvent{
		{TriggerPostID: "T1", TargetAccountID: "U1", TriggerAuthorID: "A1", DiscoveredAt: now.Add(-time.Minute)},
		{TriggerPostID: "T2", TargetAccountID: "U2", TriggerAuthorID: "A2", DiscoveredAt: now.Add(-30 * time.Second)},
	}}
	p, db := setup(t, x, budget.DefaultLimits(), PollOptions{Phrase: "riddle me this"})

	res, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Replied)

	res, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Duplicates)
	assert.Len(t, x.replies, 2)

	v, err := db.LoadCursor(context.Background(), cursorKey)
	require.NoError(t, err)
	ts, err := time.Parse(time.RFC3339Nano, v)
	require.NoError(t, err)
	assert.False(t, ts.Before(now.Add(-30*time.Second)))
	assert.False(t, x.since[1].Before(x.since[0]), "cursor advances")
}

func TestPollIgnoresSelfTriggers(t *testing.T) {
	x := &fakeX{events: []model.TriggerEvent{
		{TriggerPostID: "T1", TargetAccountID: "U1", TriggerAuthorID: "BOT"},
		{TriggerPostID: "T2", TargetAccountID: "BOT", TriggerAuthorID: "A2"},
		{TriggerPostID: "T3", TargetAccountID: "U3", TriggerAuthorID: "A3"},
	}}
	p, _ := setup(t, x, budget.DefaultLimits(), PollOptions{Phrase: "riddle me this", BotID: "BOT"})

	res, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Ignored)
	assert.Equal(t, []string{"T3"}, x.replies)
}

func TestPollRequeuesOnLookupBudget(t *testing.T) {
	x := &fakeX{events: []model.TriggerEvent{
		{TriggerPostID: "T1", TargetAccountID: "U1"},
		{TriggerPostID: "T2", TargetAccountID: "U2"},
	}}
	// Room for exactly one account fetch.
	limits := map[budget.Category]int{budget.Search: 10, budget.Lookup: xclient.AccountFetchCalls, budget.Post: 10}
	p, _ := setup(t, x, limits, PollOptions{Phrase: "riddle me this"})

	res, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replied)
	assert.Equal(t, 1, res.Deferred)
	assert.Equal(t, 1, p.Pending())
	assert.Greater(t, res.Wait, time.Duration(0))
}

func TestPollRepliesToRequeuedEventOnceBudgetRefills(t *testing.T) {
	x := &fakeX{events: []model.TriggerEvent{
		{TriggerPostID: "T1", TargetAccountID: "U1"},
		{TriggerPostID: "T2", TargetAccountID: "U2"},
	}}
	limits := map[budget.Category]int{budget.Search: 10, budget.Lookup: xclient.AccountFetchCalls, budget.Post: 10}
	p, _ := setupWindow(t, x, 100*time.Millisecond, limits, PollOptions{Phrase: "riddle me this"})

	res, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Deferred)

	time.Sleep(150 * time.Millisecond)
	res, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replied)
	assert.Equal(t, []string{"T1", "T2"}, x.replies)
	assert.Zero(t, p.Pending())
}

func TestPollRetriesTransientFailure(t *testing.T) {
	now := time.Now().UTC()
	t1 := model.TriggerEvent{TriggerPostID: "T1", TargetAccountID: "U1", DiscoveredAt: now.Add(-10 * time.Minute)}
	t2 := model.TriggerEvent{TriggerPostID: "T2", TargetAccountID: "U2", DiscoveredAt: now.Add(-5 * time.Minute)}
	x := &fakeX{events: []model.TriggerEvent{t1, t2}, filterSince: true, unavailable: map[string]int{"U1": 1}}
	p, db := setup(t, x, budget.DefaultLimits(), PollOptions{Phrase: "riddle me this"})

	res, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replied)
	assert.Equal(t, 1, res.Retrying)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 1, p.Pending())

	// The cursor stays on the failed trigger so a restart still finds it.
	v, err := db.LoadCursor(context.Background(), cursorKey)
	require.NoError(t, err)
	ts, err := time.Parse(time.RFC3339Nano, v)
	require.NoError(t, err)
	assert.True(t, ts.Equal(t1.DiscoveredAt), "cursor %s", ts)

	res, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replied)
	assert.Equal(t, 1, res.Duplicates)
	assert.ElementsMatch(t, []string{"T1", "T2"}, x.replies)
	assert.Zero(t, p.Pending())
}

func TestPollAbandonsPersistentTransientFailure(t *testing.T) {
	x := &fakeX{
		events:      []model.TriggerEvent{{TriggerPostID: "T1", TargetAccountID: "U1"}},
		unavailable: map[string]int{"U1": 100},
	}
	p, _ := setup(t, x, budget.DefaultLimits(), PollOptions{Phrase: "riddle me this"})

	for i := 0; i < maxRetries; i++ {
		res, err := p.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Retrying, "cycle %d", i)
	}
	res, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, res.Retrying)
	assert.Zero(t, p.Pending())
	assert.Empty(t, x.replies)
}

func TestPollDropPolicy(t *testing.T) {
	x := &fakeX{events: []model.TriggerEvent{{TriggerPostID: "T1", TargetAccountID: "U1"}}}
	limits := map[budget.Category]int{budget.Search: 10, budget.Lookup: 1, budget.Post: 10}
	p, _ := setup(t, x, limits, PollOptions{Phrase: "riddle me this", DeferPolicy: DeferDrop})

	res, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	assert.Zero(t, p.Pending())
}

func TestSinceClampedToLookback(t *testing.T) {
	x := &fakeX{}
	p, db := setup(t, x, budget.DefaultLimits(), PollOptions{Phrase: "p", Lookback: time.Hour})
	old := time.Now().Add(-48 * time.Hour).Format(time.RFC3339Nano)
	if err := db.SaveCursor(context.Background(), cursorKey, old); err != nil {
		t.Fatal(err)
	}

	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), x.since[0], 5*time.Second)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := NewScheduler()
	assert.Error(t, s.AddClaimPrune("not a spec", dedup.NewMemory(time.Hour)))
	require.NoError(t, s.AddClaimPrune("@every 1h", dedup.NewMemory(time.Hour)))
	assert.Equal(t, 1, s.Entries())
	s.Start()
	s.Stop()
}
