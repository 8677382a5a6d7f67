package xclient

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// FetchError reports a failed call to the platform: network, timeout, or a 4xx/5xx answer.
type FetchError struct {
	Op     string
	Status int
	// RetryAt is set on 429 answers carrying x-rate-limit-reset.
	RetryAt time.Time
	Err     error
}

func (e *FetchError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("%s: x api status %d: %v", e.Op, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s: x api status %d", e.Op, e.Status)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Temporary reports whether a later attempt may succeed.
func (e *FetchError) Temporary() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// NotFound reports a 404 answer.
func (e *FetchError) NotFound() bool { return e.Status == http.StatusNotFound }

// IsRateLimited returns the reset time when err is a 429 FetchError.
func IsRateLimited(err error) (time.Time, bool) {
	var fe *FetchError
	if errors.As(err, &fe) && fe.Status == http.StatusTooManyRequests {
		return fe.RetryAt, true
	}
	return time.Time{}, false
}

func statusError(op string, resp *http.Response) *FetchError {
	fe := &FetchError{Op: op, Status: resp.StatusCode}
	if resp.StatusCode == http.StatusTooManyRequests {
		if v := resp.Header.Get("x-rate-limit-reset"); v != "" {
			if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
				fe.RetryAt = time.Unix(secs, 0).UTC()
			}
		}
	}
	return fe
}
