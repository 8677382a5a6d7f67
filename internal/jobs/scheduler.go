package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"rugguard/internal/dedup"
	"rugguard/internal/logging"
)

// Scheduler runs housekeeping on cron schedules: trust-list refresh and claim pruning.
type Scheduler struct {
	c *cron.Cron
}

func NewScheduler() *Scheduler {
	return &Scheduler{c: cron.New(cron.WithLocation(time.UTC))}
}

// Refresher reloads a cached document. Failures are logged by the implementation.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// AddTrustListRefresh refreshes the cache on spec (e.g. "@every 30m").
func (s *Scheduler) AddTrustListRefresh(spec string, r Refresher, timeout time.Duration) error {
	_, err := s.c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = r.Refresh(ctx)
	})
	return err
}

// AddClaimPrune evicts expired dedup claims on spec.
func (s *Scheduler) AddClaimPrune(spec string, claims dedup.Claimer) error {
	_, err := s.c.AddFunc(spec, func() {
		n, err := claims.Prune(context.Background())
		if err != nil {
			logging.Warn("claim_prune_failed", map[string]any{"error": err.Error()})
			return
		}
		logging.Info("claim_prune", map[string]any{"evicted": n})
	})
	return err
}

// Entries reports the number of scheduled jobs.
func (s *Scheduler) Entries() int { return len(s.c.Entries()) }

func (s *Scheduler) Start() { s.c.Start() }

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}
