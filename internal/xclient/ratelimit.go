package xclient

import (
	"time"

	"golang.org/x/time/rate"

	"rugguard/internal/budget"
)

// Settings tune the HTTP transport. Zero fields keep the defaults.
type Settings struct {
	BaseURL     string
	RPS         float64
	Burst       int
	MaxAttempts int
	BaseBackoff time.Duration
	Timeout     time.Duration
}

// DefaultSettings smooth bursts between our own calls; window ceilings live in the budget.
func DefaultSettings() Settings {
	return Settings{
		BaseURL:     "https://api.twitter.com/2",
		RPS:         2,
		Burst:       10,
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		Timeout:     15 * time.Second,
	}
}

func newLimiter(rps float64, burst int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Configure applies s on top of the current settings.
func (c *HTTPClient) Configure(s Settings) *HTTPClient {
	if s.BaseURL != "" {
		c.baseURL = s.BaseURL
	}
	if s.RPS > 0 || s.Burst > 0 {
		rps, burst := float64(c.limiter.Limit()), c.limiter.Burst()
		if s.RPS > 0 {
			rps = s.RPS
		}
		if s.Burst > 0 {
			burst = s.Burst
		}
		c.limiter = newLimiter(rps, burst)
	}
	if s.MaxAttempts > 0 {
		c.maxAttempts = s.MaxAttempts
	}
	if s.BaseBackoff > 0 {
		c.baseBackoff = s.BaseBackoff
	}
	if s.Timeout > 0 {
		c.httpClient.Timeout = s.Timeout
	}
	return c
}

// WithBudget meters retry attempts: the caller pays for the first attempt, and every retry
// takes one more slot from the endpoint's category. A denied slot ends the retries.
func (c *HTTPClient) WithBudget(b *budget.Budget) *HTTPClient {
	c.budget = b
	return c
}

// CategoryFor maps an endpoint name to its budget category.
func CategoryFor(endpoint string) budget.Category {
	switch endpoint {
	case "search":
		return budget.Search
	case "post":
		return budget.Post
	default:
		return budget.Lookup
	}
}

func (c *HTTPClient) retryAllowed(endpoint string) bool {
	if c.budget == nil {
		return true
	}
	return c.budget.TryAcquire(CategoryFor(endpoint)).Granted
}
