package xclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"rugguard/internal/budget"
	"rugguard/internal/metrics"
	"rugguard/internal/model"
)

// AccountFetchCalls is the number of API calls FetchAccount makes.
const AccountFetchCalls = 2

// Client defines the platform calls the bot needs.
type Client interface {
	FetchAccount(ctx context.Context, userID string, maxPosts int) (model.AccountSnapshot, error)
	FetchAccountByUsername(ctx context.Context, username string, maxPosts int) (model.AccountSnapshot, error)
	FetchPost(ctx context.Context, postID string) (model.Post, error)
	SearchRepliesContaining(ctx context.Context, phrase string, since time.Time, limit int) ([]model.TriggerEvent, error)
	PostReply(ctx context.Context, parentPostID, text string) (string, error)
}

// HTTPClient talks to X API v2. Reads use the bearer token; replies use OAuth1 user context
// (or a user bearer token when configured).
type HTTPClient struct {
	baseURL     string
	bearerToken string
	userToken   string
	oauth       *OAuth1
	httpClient  *http.Client
	limiter     *rate.Limiter
	budget      *budget.Budget
	maxAttempts int
	baseBackoff time.Duration
	nowFn       func() time.Time
}

func NewHTTPClient(bearerToken string) *HTTPClient {
	d := DefaultSettings()
	return &HTTPClient{
		baseURL:     d.BaseURL,
		bearerToken: bearerToken,
		httpClient:  &http.Client{Timeout: d.Timeout},
		limiter:     newLimiter(d.RPS, d.Burst),
		maxAttempts: d.MaxAttempts,
		baseBackoff: d.BaseBackoff,
		nowFn:       time.Now,
	}
}

// WithUserAuth configures credentials for write calls.
func (c *HTTPClient) WithUserAuth(userToken string, oauth *OAuth1) *HTTPClient {
	c.userToken = userToken
	if oauth.Complete() {
		c.oauth = oauth
	}
	return c
}

func (c *HTTPClient) auth(req *http.Request) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	req.Header.Set("Accept", "application/json")
}

func (c *HTTPClient) userAuth(req *http.Request) error {
	req.Header.Set("Accept", "application/json")
	switch {
	case c.oauth != nil:
		c.oauth.Sign(req)
	case c.userToken != "":
		req.Header.Set("Authorization", "Bearer "+c.userToken)
	default:
		return errors.New("no user-context credentials configured")
	}
	return nil
}

const userFields = "user.fields=public_metrics,created_at,verified,description"

type rawUser struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Username      string    `json:"username"`
	CreatedAt     time.Time `json:"created_at"`
	Verified      bool      `json:"verified"`
	Description   string    `json:"description"`
	PublicMetrics struct {
		FollowersCount int `json:"followers_count"`
		FollowingCount int `json:"following_count"`
		TweetCount     int `json:"tweet_count"`
	} `json:"public_metrics"`
}

type rawTweet struct {
	ID               string    `json:"id"`
	Text             string    `json:"text"`
	AuthorID         string    `json:"author_id"`
	CreatedAt        time.Time `json:"created_at"`
	InReplyToUserID  string    `json:"in_reply_to_user_id"`
	ReferencedTweets []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"referenced_tweets"`
	PublicMetrics struct {
		LikeCount    int `json:"like_count"`
		ReplyCount   int `json:"reply_count"`
		RetweetCount int `json:"retweet_count"`
		QuoteCount   int `json:"quote_count"`
	} `json:"public_metrics"`
}

func (t rawTweet) post() model.Post {
	p := model.Post{
		ID:              t.ID,
		AuthorID:        t.AuthorID,
		Text:            t.Text,
		CreatedAt:       t.CreatedAt,
		InReplyToUserID: t.InReplyToUserID,
		LikeCount:       t.PublicMetrics.LikeCount,
		ReplyCount:      t.PublicMetrics.ReplyCount,
		RepostCount:     t.PublicMetrics.RetweetCount,
		QuoteCount:      t.PublicMetrics.QuoteCount,
	}
	for _, r := range t.ReferencedTweets {
		if r.Type == "replied_to" {
			p.ReplyToPostID = r.ID
		}
	}
	return p
}

func (c *HTTPClient) getJSON(ctx context.Context, op, u string, out any) error {
	resp, err := c.doWithRetry(ctx, op, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		c.auth(req)
		return req, nil
	})
	if err != nil {
		return &FetchError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return statusError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &FetchError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

// FetchAccount loads the user and their recent original posts.
func (c *HTTPClient) FetchAccount(ctx context.Context, userID string, maxPosts int) (model.AccountSnapshot, error) {
	if userID == "" {
		return model.AccountSnapshot{}, errors.New("empty user id")
	}
	u := fmt.Sprintf("%s/users/%s?%s", c.baseURL, url.PathEscape(userID), userFields)
	return c.fetchAccount(ctx, "users", u, maxPosts)
}

// FetchAccountByUsername is FetchAccount keyed by handle.
func (c *HTTPClient) FetchAccountByUsername(ctx context.Context, username string, maxPosts int) (model.AccountSnapshot, error) {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return model.AccountSnapshot{}, errors.New("empty username")
	}
	u := fmt.Sprintf("%s/users/by/username/%s?%s", c.baseURL, url.PathEscape(username), userFields)
	return c.fetchAccount(ctx, "users_by_username", u, maxPosts)
}

func (c *HTTPClient) fetchAccount(ctx context.Context, op, u string, maxPosts int) (model.AccountSnapshot, error) {
	var raw struct {
		Data *rawUser `json:"data"`
	}
	if err := c.getJSON(ctx, op, u, &raw); err != nil {
		return model.AccountSnapshot{}, err
	}
	if raw.Data == nil || raw.Data.ID == "" {
		return model.AccountSnapshot{}, &FetchError{Op: op, Status: http.StatusNotFound, Err: errors.New("user not found")}
	}
	d := raw.Data
	snap := model.AccountSnapshot{
		ID:             d.ID,
		Username:       d.Username,
		Name:           d.Name,
		Description:    d.Description,
		CreatedAt:      d.CreatedAt,
		FollowersCount: d.PublicMetrics.FollowersCount,
		FollowingCount: d.PublicMetrics.FollowingCount,
		TotalPosts:     d.PublicMetrics.TweetCount,
		Verified:       d.Verified,
		FetchedAt:      c.nowFn().UTC(),
	}
	posts, err := c.userPosts(ctx, d.ID, maxPosts)
	if err != nil {
		return model.AccountSnapshot{}, err
	}
	snap.RecentPosts = posts
	return snap, nil
}

func (c *HTTPClient) userPosts(ctx context.Context, userID string, limit int) ([]model.Post, error) {
	u := fmt.Sprintf("%s/users/%s/tweets?max_results=%d&tweet.fields=created_at,public_metrics&exclude=retweets,replies",
		c.baseURL, url.PathEscape(userID), clamp(limit, 5, 100))
	var raw struct {
		Data []rawTweet `json:"data"`
	}
	if err := c.getJSON(ctx, "user_tweets", u, &raw); err != nil {
		return nil, err
	}
	out := make([]model.Post, 0, len(raw.Data))
	for _, d := range raw.Data {
		p := d.post()
		if p.AuthorID == "" {
			p.AuthorID = userID
		}
		out = append(out, p)
	}
	return out, nil
}

// FetchPost returns a single post with its author.
func (c *HTTPClient) FetchPost(ctx context.Context, postID string) (model.Post, error) {
	if postID == "" {
		return model.Post{}, errors.New("empty post id")
	}
	u := fmt.Sprintf("%s/tweets/%s?tweet.fields=author_id,created_at,public_metrics,in_reply_to_user_id,referenced_tweets",
		c.baseURL, url.PathEscape(postID))
	var raw struct {
		Data *rawTweet `json:"data"`
	}
	if err := c.getJSON(ctx, "tweets", u, &raw); err != nil {
		return model.Post{}, err
	}
	if raw.Data == nil || raw.Data.ID == "" {
		return model.Post{}, &FetchError{Op: "tweets", Status: http.StatusNotFound, Err: errors.New("post not found")}
	}
	return raw.Data.post(), nil
}

// SearchRepliesContaining finds replies containing phrase posted after since. Posts whose text
// does not actually contain the phrase, and non-replies, are dropped.
func (c *HTTPClient) SearchRepliesContaining(ctx context.Context, phrase string, since time.Time, limit int) ([]model.TriggerEvent, error) {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return nil, errors.New("empty trigger phrase")
	}
	q := fmt.Sprintf("%q is:reply -is:retweet", phrase)
	params := url.Values{}
	params.Set("query", q)
	params.Set("max_results", strconv.Itoa(clamp(limit, 10, 100)))
	params.Set("tweet.fields", "created_at,author_id,in_reply_to_user_id,referenced_tweets")
	now := c.nowFn().UTC()
	if !since.IsZero() {
		earliest := now.Add(-7*24*time.Hour + time.Minute)
		if since.Before(earliest) {
			since = earliest
		}
		if latest := now.Add(-10 * time.Second); since.After(latest) {
			since = latest
		}
		params.Set("start_time", since.UTC().Format(time.RFC3339))
	}
	u := c.baseURL + "/tweets/search/recent?" + params.Encode()
	var raw struct {
		Data []rawTweet `json:"data"`
	}
	if err := c.getJSON(ctx, "search", u, &raw); err != nil {
		return nil, err
	}
	lp := strings.ToLower(phrase)
	out := make([]model.TriggerEvent, 0, len(raw.Data))
	for _, d := range raw.Data {
		p := d.post()
		if p.InReplyToUserID == "" || !strings.Contains(strings.ToLower(p.Text), lp) {
			continue
		}
		discovered := p.CreatedAt
		if discovered.IsZero() {
			discovered = now
		}
		out = append(out, model.TriggerEvent{
			TriggerPostID:   p.ID,
			TargetPostID:    p.ReplyToPostID,
			TargetAccountID: p.InReplyToUserID,
			TriggerAuthorID: p.AuthorID,
			TriggerText:     p.Text,
			DiscoveredAt:    discovered,
		})
	}
	return out, nil
}

// PostReply publishes text as a reply to parentPostID and returns the new post id.
func (c *HTTPClient) PostReply(ctx context.Context, parentPostID, text string) (string, error) {
	if parentPostID == "" {
		return "", errors.New("empty parent post id")
	}
	body, err := json.Marshal(map[string]any{
		"text":  text,
		"reply": map[string]string{"in_reply_to_tweet_id": parentPostID},
	})
	if err != nil {
		return "", err
	}
	u := c.baseURL + "/tweets"
	resp, err := c.doWithRetry(ctx, "post", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if err := c.userAuth(req); err != nil {
			return nil, err
		}
		return req, nil
	})
	if err != nil {
		return "", &FetchError{Op: "post", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", statusError("post", resp)
	}
	var raw struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return "", &FetchError{Op: "post", Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	if raw.Data.ID == "" {
		return "", &FetchError{Op: "post", Status: resp.StatusCode, Err: errors.New("no post id in response")}
	}
	return raw.Data.ID, nil
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// doWithRetry retries network errors, 429 and 5xx with exponential backoff honoring
// Retry-After. The final retriable response is returned to the caller as-is, including
// when the budget denies a further attempt.
func (c *HTTPClient) doWithRetry(ctx context.Context, endpoint string, build func() (*http.Request, error)) (*http.Response, error) {
	backoff := c.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err == nil {
			retriable := resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)
			if !retriable || attempt == c.maxAttempts || !c.retryAllowed(endpoint) {
				return resp, nil
			}
			wait := backoff
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, err := strconv.Atoi(ra); err == nil {
					wait = time.Duration(secs) * time.Second
				} else if t, err := http.ParseTime(ra); err == nil {
					if d := time.Until(t); d > 0 {
						wait = d
					}
				}
			}
			_ = resp.Body.Close()
			// jitter +/-20%
			jitter := time.Duration(float64(wait) * 0.2)
			if jitter > 0 {
				wait = wait - jitter + time.Duration(time.Now().UnixNano()%int64(2*jitter))
			}
			metrics.IncAPIRetry(endpoint)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
			continue
		}
		lastErr = err
		if attempt == c.maxAttempts || !c.retryAllowed(endpoint) {
			return nil, fmt.Errorf("request failed after %d attempts: %w", attempt, lastErr)
		}
		metrics.IncAPIRetry(endpoint)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxAttempts, lastErr)
}
