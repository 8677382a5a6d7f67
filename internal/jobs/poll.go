package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"rugguard/internal/analysis"
	"rugguard/internal/budget"
	"rugguard/internal/logging"
	"rugguard/internal/metrics"
	"rugguard/internal/model"
	"rugguard/internal/store"
	"rugguard/internal/xclient"
)

const cursorKey = "poll:since"

// searchLag is how far behind the wall clock the cursor trails when a cycle finds nothing,
// so posts still being indexed are picked up by the next search.
const searchLag = time.Minute

// maxRetries bounds how many cycles a transiently failing trigger is retried.
const maxRetries = 3

type DeferPolicy string

const (
	DeferRequeue DeferPolicy = "requeue"
	DeferDrop    DeferPolicy = "drop"
)

// CursorStore persists the poll cursor.
type CursorStore interface {
	SaveCursor(ctx context.Context, key, value string) error
	LoadCursor(ctx context.Context, key string) (string, error)
}

type PollOptions struct {
	Phrase string
	// BotID is the bot's own account id; triggers written by or aimed at it are ignored.
	BotID       string
	Lookback    time.Duration
	MaxResults  int
	DeferPolicy DeferPolicy
	MaxDeferred int
}

func eventKey(ev model.TriggerEvent) string {
	return ev.TriggerPostID + "/" + ev.TargetAccountID
}

// PollResult summarizes one cycle.
type PollResult struct {
	Seen       int           `json:"seen"`
	Replied    int           `json:"replied"`
	Duplicates int           `json:"duplicates"`
	Deferred   int           `json:"deferred"`
	Dropped    int           `json:"dropped"`
	Failed     int           `json:"failed"`
	Retrying   int           `json:"retrying"`
	Ignored    int           `json:"ignored"`
	Wait       time.Duration `json:"wait,omitempty"`
}

// Poller searches for trigger replies and feeds them to the orchestrator. RunOnce is not
// meant to be called concurrently with itself; the deferred queue is still guarded because
// Pending may be read from other goroutines.
type Poller struct {
	client  xclient.Client
	orch    *analysis.Orchestrator
	budget  *budget.Budget
	cursors CursorStore
	opts    PollOptions
	nowFn   func() time.Time

	mu       sync.Mutex
	deferred []model.TriggerEvent
	// attempts counts transient failures per event key until it resolves or is abandoned.
	attempts map[string]int
}

func NewPoller(client xclient.Client, orch *analysis.Orchestrator, b *budget.Budget, cursors CursorStore, opts PollOptions) *Poller {
	if opts.Lookback <= 0 {
		opts.Lookback = 24 * time.Hour
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 50
	}
	if opts.DeferPolicy == "" {
		opts.DeferPolicy = DeferRequeue
	}
	if opts.MaxDeferred <= 0 {
		opts.MaxDeferred = 200
	}
	return &Poller{client: client, orch: orch, budget: b, cursors: cursors, opts: opts, nowFn: time.Now, attempts: map[string]int{}}
}

// Pending returns the number of events waiting for budget or a retry.
func (p *Poller) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.deferred)
}

// RunOnce performs one search cycle. When the search budget is exhausted no search is made
// and an *analysis.BudgetError carrying the wait hint is returned.
func (p *Poller) RunOnce(ctx context.Context) (PollResult, error) {
	var res PollResult
	start := time.Now()
	metrics.PollRuns.Inc()
	defer metrics.ObservePollDuration(start)

	now := p.nowFn().UTC()
	since := p.since(ctx, now)

	d := p.budget.TryAcquire(budget.Search)
	if !d.Granted {
		res.Wait = d.Wait
		logging.Warn("poll_deferred", map[string]any{"wait": d.Wait.String(), "pending": p.Pending()})
		return res, &analysis.BudgetError{Category: budget.Search, Wait: d.Wait}
	}
	found, err := p.client.SearchRepliesContaining(ctx, p.opts.Phrase, since, p.opts.MaxResults)
	if err != nil {
		metrics.PollErrors.Inc()
		if reset, limited := xclient.IsRateLimited(err); limited && !reset.IsZero() {
			p.budget.Block(budget.Search, reset)
		}
		return res, err
	}

	cursor := now.Add(-searchLag)
	if cursor.Before(since) {
		cursor = since
	}
	for _, ev := range found {
		if ev.DiscoveredAt.After(cursor) {
			cursor = ev.DiscoveredAt
		}
	}

	queue := p.merge(p.drain(), found)
	res.Seen = len(found)
	// The cursor must not pass an event that is still waiting, or a restart would lose it.
	var hold time.Time
	keep := func(ev model.TriggerEvent) {
		if !ev.DiscoveredAt.IsZero() && (hold.IsZero() || ev.DiscoveredAt.Before(hold)) {
			hold = ev.DiscoveredAt
		}
	}
	for i, ev := range queue {
		if p.isSelf(ev) {
			res.Ignored++
			continue
		}
		out, err := p.orch.Process(ctx, ev, analysis.PathPoll)
		var be *analysis.BudgetError
		switch {
		case err == nil:
			p.resolved(ev)
			if out.Status == analysis.StatusReplied {
				res.Replied++
			}
		case errors.Is(err, analysis.ErrAlreadyProcessed):
			p.resolved(ev)
			res.Duplicates++
		case errors.As(err, &be):
			if be.Wait > res.Wait {
				res.Wait = be.Wait
			}
			// The budget will not refill within this cycle; park the rest untouched.
			for _, rest := range queue[i:] {
				if p.isSelf(rest) {
					res.Ignored++
					continue
				}
				if p.park(rest) {
					keep(rest)
					res.Deferred++
				} else {
					res.Dropped++
				}
			}
		case out.Retryable && p.retry(ev):
			keep(ev)
			res.Retrying++
		default:
			p.resolved(ev)
			res.Failed++
		}
		if be != nil {
			break
		}
	}
	if !hold.IsZero() && hold.Before(cursor) {
		cursor = hold
	}

	if p.cursors != nil {
		if err := p.cursors.SaveCursor(ctx, cursorKey, cursor.Format(time.RFC3339Nano)); err != nil {
			logging.Warn("cursor_save_failed", map[string]any{"error": err.Error()})
		}
	}
	logging.Info("poll_once", map[string]any{
		"since": since, "seen": res.Seen, "replied": res.Replied, "duplicates": res.Duplicates,
		"deferred": res.Deferred, "dropped": res.Dropped, "failed": res.Failed, "retrying": res.Retrying,
		"ignored": res.Ignored, "cursor": cursor,
	})
	return res, nil
}

// RunLoop runs RunOnce on a ticker until ctx is cancelled.
func (p *Poller) RunLoop(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	// run immediately
	p.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			logging.Info("poll_loop_stop", nil)
			return ctx.Err()
		case <-t.C:
			p.runLogged(ctx)
		}
	}
}

func (p *Poller) runLogged(ctx context.Context) {
	_, err := p.RunOnce(ctx)
	var be *analysis.BudgetError
	if err != nil && !errors.As(err, &be) && ctx.Err() == nil {
		logging.Error("poll_once_error", map[string]any{"error": err.Error()})
	}
}

// since returns the search start: the stored cursor, never older than the lookback window.
func (p *Poller) since(ctx context.Context, now time.Time) time.Time {
	floor := now.Add(-p.opts.Lookback)
	if p.cursors == nil {
		return floor
	}
	v, err := p.cursors.LoadCursor(ctx, cursorKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logging.Warn("cursor_load_failed", map[string]any{"error": err.Error()})
		}
		return floor
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil || ts.Before(floor) {
		return floor
	}
	return ts
}

func (p *Poller) isSelf(ev model.TriggerEvent) bool {
	if p.opts.BotID == "" {
		return false
	}
	return ev.TriggerAuthorID == p.opts.BotID || ev.TargetAccountID == p.opts.BotID
}

func (p *Poller) park(ev model.TriggerEvent) bool {
	if p.opts.DeferPolicy == DeferDrop {
		logging.Info("trigger_dropped", map[string]any{"trigger": ev.TriggerPostID, "reason": "budget"})
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.deferred) >= p.opts.MaxDeferred {
		logging.Warn("trigger_dropped", map[string]any{"trigger": ev.TriggerPostID, "reason": "queue_full"})
		return false
	}
	p.deferred = append(p.deferred, ev)
	return true
}

// retry parks an event whose failure left it unclaimed. It gives up after maxRetries
// attempts or when the queue is full.
func (p *Poller) retry(ev model.TriggerEvent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := eventKey(ev)
	p.attempts[k]++
	if n := p.attempts[k]; n > maxRetries {
		delete(p.attempts, k)
		logging.Warn("trigger_abandoned", map[string]any{"trigger": ev.TriggerPostID, "attempts": n})
		return false
	}
	if len(p.deferred) >= p.opts.MaxDeferred {
		delete(p.attempts, k)
		logging.Warn("trigger_dropped", map[string]any{"trigger": ev.TriggerPostID, "reason": "queue_full"})
		return false
	}
	p.deferred = append(p.deferred, ev)
	return true
}

func (p *Poller) resolved(ev model.TriggerEvent) {
	p.mu.Lock()
	delete(p.attempts, eventKey(ev))
	p.mu.Unlock()
}

// merge appends search results to the parked events, skipping ones already parked.
func (p *Poller) merge(parked, found []model.TriggerEvent) []model.TriggerEvent {
	seen := make(map[string]bool, len(parked))
	for _, ev := range parked {
		seen[eventKey(ev)] = true
	}
	out := parked
	for _, ev := range found {
		if !seen[eventKey(ev)] {
			seen[eventKey(ev)] = true
			out = append(out, ev)
		}
	}
	return out
}

func (p *Poller) drain() []model.TriggerEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.deferred
	p.deferred = nil
	return q
}
