package trustlist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"rugguard/internal/logging"
	"rugguard/internal/metrics"
)

// DefaultURL is the public trust list.
const DefaultURL = "https://raw.githubusercontent.com/devsyrem/turst-list/main/list"

const maxBodyBytes = 4 << 20

// ErrNoEntries is returned when a downloaded document yields no identifiers.
var ErrNoEntries = errors.New("no identifiers in document")

// FetchError reports a failed trust-list download.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("trust list %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("trust list %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Info describes the current snapshot.
type Info struct {
	Count     int       `json:"count"`
	FetchedAt time.Time `json:"fetched_at"`
	Stale     bool      `json:"stale"`
	Skipped   int       `json:"skipped"`
	LastError string    `json:"last_error,omitempty"`
}

// Cache holds the trust-list snapshot. Refresh is the single writer; lookups are many readers.
// A failed refresh keeps the previous snapshot.
type Cache struct {
	url        string
	ttl        time.Duration
	retryAfter time.Duration
	httpClient *http.Client
	nowFn      func() time.Time

	refreshMu sync.Mutex

	mu          sync.RWMutex
	entries     map[string]struct{}
	fetchedAt   time.Time
	lastAttempt time.Time
	skipped     int
	lastErr     error
}

// New returns an empty cache; the first lookup triggers a fetch.
func New(url string, ttl, timeout time.Duration) *Cache {
	if url == "" {
		url = DefaultURL
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Cache{
		url:        url,
		ttl:        ttl,
		retryAfter: time.Minute,
		httpClient: &http.Client{Timeout: timeout},
		nowFn:      time.Now,
		entries:    map[string]struct{}{},
	}
}

// Refresh downloads and parses the list, replacing the snapshot atomically on success.
func (c *Cache) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.refreshLocked(ctx)
}

func (c *Cache) refreshLocked(ctx context.Context) error {
	now := c.nowFn()
	c.mu.Lock()
	c.lastAttempt = now
	c.mu.Unlock()

	body, err := c.fetch(ctx)
	if err != nil {
		return c.fail(err)
	}
	ids, skipped := Parse(body)
	if len(ids) == 0 {
		// An error page or empty document must not wipe a good snapshot.
		return c.fail(&FetchError{URL: c.url, Err: fmt.Errorf("%w (%d lines skipped)", ErrNoEntries, skipped)})
	}
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	c.mu.Lock()
	c.entries = next
	c.fetchedAt = now
	c.skipped = skipped
	c.lastErr = nil
	c.mu.Unlock()
	metrics.TrustListEntries.Set(float64(len(next)))
	logging.Info("trust_list_refreshed", map[string]any{"entries": len(next), "skipped": skipped})
	return nil
}

func (c *Cache) fail(err error) error {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	metrics.TrustListRefreshErrors.Inc()
	logging.Warn("trust_list_refresh_failed", map[string]any{"url": c.url, "error": err.Error()})
	return err
}

func (c *Cache) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, &FetchError{URL: c.url, Err: err}
	}
	req.Header.Set("Accept", "text/plain, application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{URL: c.url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, &FetchError{URL: c.url, Status: resp.StatusCode}
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &FetchError{URL: c.url, Err: err}
	}
	return b, nil
}

// EnsureFresh refreshes when the snapshot is older than the TTL. Failures are logged and
// retried no sooner than retryAfter.
func (c *Cache) EnsureFresh(ctx context.Context) {
	if !c.needsRefresh() {
		return
	}
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if !c.needsRefresh() {
		return
	}
	_ = c.refreshLocked(ctx)
}

func (c *Cache) needsRefresh() bool {
	now := c.nowFn()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.fetchedAt.IsZero() && now.Sub(c.fetchedAt) < c.ttl {
		return false
	}
	if !c.lastAttempt.IsZero() && c.lastErr != nil && now.Sub(c.lastAttempt) < c.retryAfter {
		return false
	}
	return true
}

// IsTrusted reports whether any of the identifiers (account id or username) is listed.
// Unknown lists answer false.
func (c *Cache) IsTrusted(ctx context.Context, ids ...string) bool {
	c.EnsureFresh(ctx)
	return c.Contains(ids...)
}

// Contains checks the current snapshot without refreshing.
func (c *Cache) Contains(ids ...string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, raw := range ids {
		id, ok := normalize(raw)
		if !ok {
			continue
		}
		if _, found := c.entries[id]; found {
			return true
		}
	}
	return false
}

// Entries returns a sorted copy of the listed identifiers.
func (c *Cache) Entries() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for id := range c.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Info returns snapshot metadata.
func (c *Cache) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info := Info{
		Count:     len(c.entries),
		FetchedAt: c.fetchedAt,
		Stale:     c.fetchedAt.IsZero() || c.nowFn().Sub(c.fetchedAt) >= c.ttl,
		Skipped:   c.skipped,
	}
	if c.lastErr != nil {
		info.LastError = c.lastErr.Error()
	}
	return info
}
