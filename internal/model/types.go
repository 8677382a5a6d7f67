package model

import (
	"strings"
	"time"
)

// Post represents a subset of X post fields used for scoring.
type Post struct {
	ID        string
	AuthorID  string
	Text      string
	CreatedAt time.Time
	// InReplyToUserID is set for replies; it names the author of the parent post.
	InReplyToUserID string
	// ReplyToPostID is the parent post id when the post is a reply.
	ReplyToPostID string
	LikeCount     int
	ReplyCount    int
	RepostCount   int
	QuoteCount    int
}

// Engagement returns likes + reposts + replies.
func (p Post) Engagement() int {
	return p.LikeCount + p.RepostCount + p.ReplyCount
}

// AccountSnapshot is an immutable view of one account at analysis time.
type AccountSnapshot struct {
	ID             string
	Username       string
	Name           string
	Description    string
	CreatedAt      time.Time
	FollowersCount int
	FollowingCount int
	// TotalPosts is the lifetime post count reported by the platform.
	TotalPosts  int
	Verified    bool
	RecentPosts []Post
	// FetchedAt is the reference time for age and frequency computations.
	FetchedAt time.Time
}

// AgeDays returns whole days between account creation and FetchedAt.
func (a AccountSnapshot) AgeDays() int {
	if a.CreatedAt.IsZero() || a.FetchedAt.IsZero() || a.FetchedAt.Before(a.CreatedAt) {
		return 0
	}
	return int(a.FetchedAt.Sub(a.CreatedAt).Hours() / 24)
}

// Handle returns "@username" when known, the id otherwise.
func (a AccountSnapshot) Handle() string {
	if a.Username != "" {
		return "@" + strings.TrimPrefix(a.Username, "@")
	}
	return a.ID
}

// TriggerEvent is an observed reply containing the trigger phrase.
type TriggerEvent struct {
	TriggerPostID string `json:"trigger_post_id"`
	// TargetPostID is the post that was replied to.
	TargetPostID    string `json:"target_post_id,omitempty"`
	TargetAccountID string `json:"target_account_id"`
	// TriggerAuthorID is who wrote the trigger reply.
	TriggerAuthorID string    `json:"trigger_author_id,omitempty"`
	TriggerText     string    `json:"trigger_text,omitempty"`
	DiscoveredAt    time.Time `json:"discovered_at"`
}

// SignalName identifies one of the five sub-scores.
type SignalName string

const (
	SignalAge        SignalName = "age"
	SignalRatio      SignalName = "follower_ratio"
	SignalBio        SignalName = "bio"
	SignalEngagement SignalName = "engagement"
	SignalTrustList  SignalName = "trust_list"
)

// SubScore is a named value in [0, Max] for one signal.
type SubScore struct {
	Name   SignalName `json:"name"`
	Value  float64    `json:"value"`
	Max    float64    `json:"max"`
	Detail string     `json:"detail"`
}

// Tier is the discrete trust label.
type Tier string

const (
	TierHighTrust     Tier = "HIGH_TRUST"
	TierModerateTrust Tier = "MODERATE_TRUST"
	TierCautious      Tier = "CAUTIOUS"
	TierHighRisk      Tier = "HIGH_RISK"
)

// Label is the human readable form used in replies.
func (t Tier) Label() string { return strings.ReplaceAll(string(t), "_", " ") }

// TrustScoreResult is the final outcome of scoring one account.
type TrustScoreResult struct {
	AccountID string     `json:"account_id"`
	Username  string     `json:"username,omitempty"`
	SubScores []SubScore `json:"sub_scores"`
	Score     float64    `json:"score"`
	Tier      Tier       `json:"tier"`
	Breakdown []string   `json:"breakdown"`
	// Flags are informational observations that do not change the score.
	Flags      []string  `json:"flags,omitempty"`
	AnalyzedAt time.Time `json:"analyzed_at"`
}

// SubScore returns the sub-score with the given name.
func (r TrustScoreResult) SubScore(name SignalName) (SubScore, bool) {
	for _, s := range r.SubScores {
		if s.Name == name {
			return s, true
		}
	}
	return SubScore{}, false
}
