package trustlist

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseToleratesNoise(t *testing.T) {
	body := []byte("# trusted builders\n\n  @Solana  \naeyakovenko # co-founder\nnot valid!\n\t raj_gokal\r\n1843370537983860737\n")
	ids, skipped := Parse(body)
	assert.Equal(t, []string{"solana", "aeyakovenko", "raj_gokal", "1843370537983860737"}, ids)
	assert.Equal(t, 1, skipped)
}

func TestParseJSONArray(t *testing.T) {
	ids, skipped := Parse([]byte(`["@Alice", "bob", 42, "bad name"]`))
	assert.Equal(t, []string{"alice", "bob"}, ids)
	assert.Equal(t, 2, skipped)
}

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func newServer(t *testing.T, status *atomic.Int32, body *atomic.Value, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if s := int(status.Load()); s != http.StatusOK {
			w.WriteHeader(s)
			return
		}
		_, _ = w.Write([]byte(body.Load().(string)))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestCacheRefreshAndFailureKeepsSnapshot(t *testing.T) {
	var status, hits atomic.Int32
	var body atomic.Value
	status.Store(http.StatusOK)
	body.Store("alice\nbob\n")
	ts := newServer(t, &status, &body, &hits)

	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(ts.URL, 30*time.Minute, time.Second)
	c.nowFn = clock.Now
	ctx := context.Background()

	assert.True(t, c.IsTrusted(ctx, "123", "@Alice"))
	assert.False(t, c.IsTrusted(ctx, "carol"))
	assert.Equal(t, int32(1), hits.Load(), "fresh snapshot must not refetch")

	status.Store(http.StatusInternalServerError)
	err := c.Refresh(ctx)
	require.Error(t, err)
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusInternalServerError, fe.Status)
	assert.True(t, c.Contains("alice"), "failed refresh keeps prior answers")
	assert.NotEmpty(t, c.Info().LastError)

	status.Store(http.StatusOK)
	body.Store("carol\n")
	clock.now = clock.now.Add(31 * time.Minute)
	assert.True(t, c.IsTrusted(ctx, "carol"))
	assert.False(t, c.Contains("alice"))
	assert.Equal(t, 1, c.Info().Count)
}

func TestCacheUnavailableListIsUntrusted(t *testing.T) {
	var status, hits atomic.Int32
	var body atomic.Value
	status.Store(http.StatusBadGateway)
	body.Store("")
	ts := newServer(t, &status, &body, &hits)

	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(ts.URL, time.Minute, time.Second)
	c.nowFn = clock.Now
	ctx := context.Background()

	assert.False(t, c.IsTrusted(ctx, "alice"))
	assert.False(t, c.IsTrusted(ctx, "alice"))
	assert.Equal(t, int32(1), hits.Load(), "failed fetch is not retried before retryAfter")
	assert.True(t, c.Info().Stale)

	clock.now = clock.now.Add(2 * time.Minute)
	_ = c.IsTrusted(ctx, "alice")
	assert.Equal(t, int32(2), hits.Load())
}

func TestCacheEmptyDocumentKeepsSnapshot(t *testing.T) {
	var status, hits atomic.Int32
	var body atomic.Value
	status.Store(http.StatusOK)
	body.Store("bob\nalice\n")
	ts := newServer(t, &status, &body, &hits)

	c := New(ts.URL, 30*time.Minute, time.Second)
	ctx := context.Background()
	require.NoError(t, c.Refresh(ctx))
	assert.Equal(t, []string{"alice", "bob"}, c.Entries())

	for _, doc := range []string{"<html><body>rate limited</body></html>\n<p>try later</p>", ""} {
		body.Store(doc)
		err := c.Refresh(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNoEntries))
		assert.True(t, c.Contains("alice"), "unparseable document keeps prior answers")
		assert.Equal(t, 2, c.Info().Count)
		assert.NotEmpty(t, c.Info().LastError)
	}
}
