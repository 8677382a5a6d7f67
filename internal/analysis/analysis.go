// Package analysis turns trigger events and manual requests into trust scores and replies.
// Both the poller and the HTTP handlers go through the same Orchestrator, so budget and
// dedup gates apply equally to every path.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"rugguard/internal/budget"
	"rugguard/internal/dedup"
	"rugguard/internal/logging"
	"rugguard/internal/metrics"
	"rugguard/internal/model"
	"rugguard/internal/score"
	"rugguard/internal/store"
	"rugguard/internal/xclient"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrAlreadyProcessed = errors.New("already processed")
)

// BudgetError signals that a call category is exhausted. It is not a failure: the caller
// should retry the event after Wait.
type BudgetError struct {
	Category budget.Category
	Wait     time.Duration
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("budget exhausted for %s, retry in %s", e.Category, e.Wait.Round(time.Second))
}

// Path names the entry point an event arrived through.
type Path string

const (
	PathPoll    Path = "poll"
	PathTrigger Path = "trigger"
	PathManual  Path = "manual"
)

// Status is the terminal state of one Process or Analyze call.
type Status string

const (
	StatusReplied          Status = "replied"
	StatusAnalyzed         Status = "analyzed"
	StatusAlreadyProcessed Status = "already_processed"
	StatusDeferred         Status = "deferred"
	StatusFailed           Status = "failed"
)

// Outcome reports what happened to one event.
type Outcome struct {
	ID      string                  `json:"id"`
	Path    Path                    `json:"path"`
	Status  Status                  `json:"status"`
	Event   model.TriggerEvent      `json:"event"`
	Result  *model.TrustScoreResult `json:"result,omitempty"`
	Reply   string                  `json:"reply,omitempty"`
	ReplyID string                  `json:"reply_id,omitempty"`
	Wait    time.Duration           `json:"wait,omitempty"`
	Error   string                  `json:"error,omitempty"`
	// Retryable marks a failure that left no claim behind; a later attempt may succeed.
	Retryable bool `json:"retryable,omitempty"`
}

// TrustChecker answers trust-list membership.
type TrustChecker interface {
	IsTrusted(ctx context.Context, ids ...string) bool
}

// ReplyGate caps published replies over clock windows.
type ReplyGate interface {
	Allow(ctx context.Context, now time.Time) (bool, time.Duration, error)
}

// ReplyLog records dispatched replies.
type ReplyLog interface {
	PutReply(ctx context.Context, r store.Reply) error
}

type Options struct {
	MaxRecentPosts int
	// ReleaseOnFailure frees the claim when posting the reply fails, so a later poll retries.
	ReleaseOnFailure bool
	// DryRun scores and formats but never posts.
	DryRun bool
}

// Orchestrator owns no state of its own; the budget, claimer and trust list are shared
// handles passed in by the caller.
type Orchestrator struct {
	client xclient.Client
	budget *budget.Budget
	claims dedup.Claimer
	trust  TrustChecker
	log    ReplyLog
	gate   ReplyGate
	opts   Options
	nowFn  func() time.Time
}

func New(client xclient.Client, b *budget.Budget, claims dedup.Claimer, trust TrustChecker, opts Options) *Orchestrator {
	if opts.MaxRecentPosts <= 0 {
		opts.MaxRecentPosts = 20
	}
	return &Orchestrator{client: client, budget: b, claims: claims, trust: trust, opts: opts, nowFn: time.Now}
}

// WithReplyLog enables the reply log.
func (o *Orchestrator) WithReplyLog(l ReplyLog) *Orchestrator {
	o.log = l
	return o
}

// WithReplyGate enables hourly/daily reply caps.
func (o *Orchestrator) WithReplyGate(g ReplyGate) *Orchestrator {
	o.gate = g
	return o
}

// Process runs one trigger event through claim, budget, fetch, score and reply.
// Returned errors are ErrInvalidInput, ErrAlreadyProcessed, *BudgetError, or a wrapped
// fetch/post failure; the Outcome is always populated.
func (o *Orchestrator) Process(ctx context.Context, ev model.TriggerEvent, path Path) (Outcome, error) {
	out := Outcome{ID: uuid.NewString(), Path: path, Event: ev}
	metrics.TriggersSeen.Inc()

	ev.TriggerPostID = strings.TrimSpace(ev.TriggerPostID)
	ev.TargetAccountID = strings.TrimSpace(ev.TargetAccountID)
	if ev.TriggerPostID == "" || (ev.TargetAccountID == "" && ev.TargetPostID == "") {
		return o.fail(out, fmt.Errorf("%w: trigger post and target are required", ErrInvalidInput))
	}
	if ev.TargetAccountID == "" {
		// Only the target post is known; resolve its author first.
		if d := o.budget.TryAcquire(budget.Lookup); !d.Granted {
			return o.deferred(out, budget.Lookup, d.Wait, nil)
		}
		p, err := o.client.FetchPost(ctx, ev.TargetPostID)
		if err != nil {
			o.noteRateLimit(budget.Lookup, err)
			out.Retryable = temporary(err)
			return o.fail(out, fmt.Errorf("resolve target post: %w", err))
		}
		ev.TargetAccountID = p.AuthorID
		out.Event = ev
	}

	key := dedup.Key{TriggerPostID: ev.TriggerPostID, TargetAccountID: ev.TargetAccountID}
	ok, err := o.claims.TryClaim(ctx, key)
	if err != nil {
		return o.fail(out, fmt.Errorf("claim: %w", err))
	}
	if !ok {
		out.Status = StatusAlreadyProcessed
		metrics.IncOutcome(string(path), string(out.Status))
		logging.Debug("trigger_duplicate", map[string]any{"trigger": ev.TriggerPostID, "target": ev.TargetAccountID, "path": path})
		return out, ErrAlreadyProcessed
	}
	logging.Info("trigger_claimed", map[string]any{"trigger": ev.TriggerPostID, "target": ev.TargetAccountID, "path": path, "id": out.ID})

	if d := o.budget.TryAcquireN(budget.Lookup, xclient.AccountFetchCalls); !d.Granted {
		return o.deferred(out, budget.Lookup, d.Wait, &key)
	}
	acct, err := o.client.FetchAccount(ctx, ev.TargetAccountID, o.opts.MaxRecentPosts)
	if err != nil {
		o.noteRateLimit(budget.Lookup, err)
		// Nothing was sent, so a transient failure may be retried by a later poll.
		if temporary(err) {
			o.release(ctx, key)
			out.Retryable = true
		}
		return o.fail(out, fmt.Errorf("fetch account %s: %w", ev.TargetAccountID, err))
	}

	res := o.score(ctx, acct)
	out.Result = &res
	out.Reply = score.FormatReply(res)

	if o.opts.DryRun {
		// Nothing was posted, so a later live run must still be able to reply.
		o.release(ctx, key)
		out.Status = StatusAnalyzed
		o.record(ctx, out, "dry_run")
		return out, nil
	}

	if o.gate != nil {
		ok, wait, err := o.gate.Allow(ctx, o.nowFn())
		if err != nil {
			logging.Warn("reply_cap_check_failed", map[string]any{"error": err.Error()})
		} else if !ok {
			return o.deferred(out, budget.Post, wait, &key)
		}
	}
	if d := o.budget.TryAcquire(budget.Post); !d.Granted {
		return o.deferred(out, budget.Post, d.Wait, &key)
	}
	replyID, err := o.client.PostReply(ctx, ev.TriggerPostID, out.Reply)
	if err != nil {
		o.noteRateLimit(budget.Post, err)
		if o.opts.ReleaseOnFailure {
			o.release(ctx, key)
			out.Retryable = true
		}
		o.record(ctx, out, string(StatusFailed))
		return o.fail(out, fmt.Errorf("post reply: %w", err))
	}
	out.ReplyID = replyID
	out.Status = StatusReplied
	o.record(ctx, out, string(StatusReplied))
	metrics.IncOutcome(string(path), string(out.Status))
	logging.Info("reply_sent", map[string]any{
		"trigger": ev.TriggerPostID, "target": ev.TargetAccountID, "reply": replyID,
		"score": res.Score, "tier": res.Tier, "path": path,
	})
	return out, nil
}

// Analyze scores one account without dedup or reply. idOrUsername is a numeric account id
// or a handle with or without '@'.
func (o *Orchestrator) Analyze(ctx context.Context, idOrUsername string) (Outcome, error) {
	out := Outcome{ID: uuid.NewString(), Path: PathManual}
	target := strings.TrimSpace(idOrUsername)
	if strings.TrimPrefix(target, "@") == "" {
		return o.fail(out, fmt.Errorf("%w: account id or username is required", ErrInvalidInput))
	}
	out.Event.TargetAccountID = target
	if d := o.budget.TryAcquireN(budget.Lookup, xclient.AccountFetchCalls); !d.Granted {
		return o.deferred(out, budget.Lookup, d.Wait, nil)
	}
	var (
		acct model.AccountSnapshot
		err  error
	)
	if isNumericID(target) {
		acct, err = o.client.FetchAccount(ctx, target, o.opts.MaxRecentPosts)
	} else {
		acct, err = o.client.FetchAccountByUsername(ctx, target, o.opts.MaxRecentPosts)
	}
	if err != nil {
		o.noteRateLimit(budget.Lookup, err)
		return o.fail(out, fmt.Errorf("fetch account %s: %w", target, err))
	}
	out.Event.TargetAccountID = acct.ID
	res := o.score(ctx, acct)
	out.Result = &res
	out.Reply = score.FormatReply(res)
	out.Status = StatusAnalyzed
	metrics.IncOutcome(string(PathManual), string(out.Status))
	logging.Info("account_analyzed", map[string]any{"target": acct.ID, "username": acct.Username, "score": res.Score, "tier": res.Tier})
	return out, nil
}

func (o *Orchestrator) score(ctx context.Context, acct model.AccountSnapshot) model.TrustScoreResult {
	listed := o.trust != nil && o.trust.IsTrusted(ctx, acct.ID, acct.Username)
	res := score.Account(acct, listed, o.nowFn())
	metrics.Tiers.WithLabelValues(string(res.Tier)).Inc()
	return res
}

func (o *Orchestrator) deferred(out Outcome, cat budget.Category, wait time.Duration, claimed *dedup.Key) (Outcome, error) {
	if claimed != nil {
		// Nothing was sent; free the key so the requeued event can claim it again.
		o.release(context.Background(), *claimed)
	}
	out.Status = StatusDeferred
	out.Wait = wait
	err := &BudgetError{Category: cat, Wait: wait}
	out.Error = err.Error()
	metrics.IncOutcome(string(out.Path), string(out.Status))
	logging.Warn("analysis_deferred", map[string]any{"category": cat, "wait": wait.String(), "trigger": out.Event.TriggerPostID, "path": out.Path})
	return out, err
}

func (o *Orchestrator) fail(out Outcome, err error) (Outcome, error) {
	out.Status = StatusFailed
	out.Error = err.Error()
	metrics.IncOutcome(string(out.Path), string(out.Status))
	if errors.Is(err, ErrInvalidInput) {
		logging.Debug("analysis_invalid", map[string]any{"error": err.Error(), "path": out.Path})
	} else {
		logging.Error("analysis_failed", map[string]any{"error": err.Error(), "trigger": out.Event.TriggerPostID, "target": out.Event.TargetAccountID, "path": out.Path})
	}
	return out, err
}

func (o *Orchestrator) release(ctx context.Context, k dedup.Key) {
	if err := o.claims.Release(ctx, k); err != nil {
		logging.Warn("claim_release_failed", map[string]any{"trigger": k.TriggerPostID, "target": k.TargetAccountID, "error": err.Error()})
	}
}

// temporary reports whether a fetch error may clear on its own. Errors that are not
// FetchErrors (network, context) count as temporary.
func temporary(err error) bool {
	var fe *xclient.FetchError
	return !errors.As(err, &fe) || fe.Temporary()
}

// noteRateLimit blocks the category until the platform's reset time after a 429.
func (o *Orchestrator) noteRateLimit(cat budget.Category, err error) {
	reset, limited := xclient.IsRateLimited(err)
	if !limited {
		return
	}
	if reset.IsZero() {
		reset = o.nowFn().Add(time.Minute)
	}
	o.budget.Block(cat, reset)
	logging.Warn("upstream_rate_limited", map[string]any{"category": cat, "until": reset.Format(time.RFC3339)})
}

func (o *Orchestrator) record(ctx context.Context, out Outcome, status string) {
	if o.log == nil || out.Result == nil {
		return
	}
	r := store.Reply{
		TS:        o.nowFn().UTC(),
		TriggerID: out.Event.TriggerPostID,
		TargetID:  out.Event.TargetAccountID,
		ReplyID:   out.ReplyID,
		Score:     out.Result.Score,
		Tier:      string(out.Result.Tier),
		Status:    status,
	}
	if err := o.log.PutReply(ctx, r); err != nil {
		logging.Warn("reply_log_failed", map[string]any{"error": err.Error()})
	}
}

func isNumericID(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
