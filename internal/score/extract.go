// Package score turns account snapshots into sub-scores, a final 0-100 score and a reply.
// Everything here is pure: no I/O, no errors, total over every AccountSnapshot.
package score

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"rugguard/internal/model"
	"rugguard/internal/util"
)

// Maximum points per signal. They sum to 100.
const (
	MaxAge        = 25.0
	MaxRatio      = 20.0
	MaxBio        = 15.0
	MaxEngagement = 20.0
	MaxTrustList  = 20.0
)

const (
	minAgeDays        = 7
	fullCreditAgeDays = 730
	minBioRunes       = 10
	fullBioRunes      = 40
	tinyFollowing     = 20
)

// BioDenylist are scam-pattern phrases penalized in bios.
var BioDenylist = []string{
	"guaranteed", "risk-free", "1000x", "100x", "to the moon", "lambo", "pump", "dump",
	"rug pull", "dm for", "giveaway", "free airdrop", "double your",
}

// BioPositive are phrases that earn a small bonus.
var BioPositive = []string{
	"developer", "founder", "engineer", "security", "researcher", "building", "audit",
	"protocol", "builder", "cto",
}

// Age scores account age: nothing below a week, then a linear ramp to full credit at two years.
func Age(a model.AccountSnapshot) model.SubScore {
	days := a.AgeDays()
	v := 0.0
	if days >= minAgeDays {
		v = MaxAge * math.Min(float64(days), fullCreditAgeDays) / fullCreditAgeDays
	}
	return sub(model.SignalAge, v, MaxAge, fmt.Sprintf("%dd", days))
}

// Ratio returns followers/following. A zero following count yields the follower count.
func Ratio(followers, following int) float64 {
	if followers <= 0 {
		return 0
	}
	if following <= 0 {
		return float64(followers)
	}
	return float64(followers) / float64(following)
}

// FollowerRatio rewards a balanced follower/following ratio and penalizes both extremes.
func FollowerRatio(a model.AccountSnapshot) model.SubScore {
	r := Ratio(a.FollowersCount, a.FollowingCount)
	var v float64
	switch {
	case a.FollowersCount <= 0:
		v = 0
	case r < 0.1:
		v = 2
	case r < 0.5:
		v = 8
	case r <= 5:
		v = MaxRatio
	case r <= 50:
		v = 16
	case a.FollowingCount < tinyFollowing:
		v = 8
	default:
		v = 14
	}
	return sub(model.SignalRatio, v, MaxRatio, fmt.Sprintf("%.2f", r))
}

// BioQuality rewards a non-trivial bio and penalizes denylisted phrases.
func BioQuality(a model.AccountSnapshot) model.SubScore {
	bio := util.NormalizeWhitespace(a.Description)
	n := utf8.RuneCountInString(bio)
	length := 0.0
	if n >= minBioRunes {
		length = 10 * math.Min(float64(n), fullBioRunes) / fullBioRunes
	}
	bad := util.MatchedNeedles(bio, BioDenylist)
	good := util.MatchedNeedles(bio, BioPositive)
	bonus := math.Min(2.5*float64(len(good)), 5)
	v := length + bonus - 5*float64(len(bad))
	return sub(model.SignalBio, v, MaxBio, fmt.Sprintf("%dch, %d flags", n, len(bad)))
}

// PostsPerDay estimates posting frequency from recent post timestamps, falling back to the
// lifetime average when fewer than two timestamps are known.
func PostsPerDay(a model.AccountSnapshot) float64 {
	var oldest, newest time.Time
	dated := 0
	for _, p := range a.RecentPosts {
		if p.CreatedAt.IsZero() {
			continue
		}
		dated++
		if oldest.IsZero() || p.CreatedAt.Before(oldest) {
			oldest = p.CreatedAt
		}
		if p.CreatedAt.After(newest) {
			newest = p.CreatedAt
		}
	}
	if dated >= 2 {
		end := newest
		if a.FetchedAt.After(end) {
			end = a.FetchedAt
		}
		span := end.Sub(oldest)
		if span < 24*time.Hour {
			span = 24 * time.Hour
		}
		return float64(dated) / (span.Hours() / 24)
	}
	total := a.TotalPosts
	if len(a.RecentPosts) > total {
		total = len(a.RecentPosts)
	}
	if total <= 0 {
		return 0
	}
	days := a.AgeDays()
	if days < 1 {
		days = 1
	}
	return float64(total) / float64(days)
}

// EngagementRate is the average engagement per recent post as a percentage of followers.
func EngagementRate(a model.AccountSnapshot) float64 {
	if len(a.RecentPosts) == 0 || a.FollowersCount <= 0 {
		return 0
	}
	total := 0
	for _, p := range a.RecentPosts {
		if e := p.Engagement(); e > 0 {
			total += e
		}
	}
	avg := float64(total) / float64(len(a.RecentPosts))
	return avg / float64(a.FollowersCount) * 100
}

func rateCredit(r float64) float64 {
	switch {
	case r <= 0:
		return 0
	case r < 0.1:
		return 2
	case r < 0.5:
		return 6
	case r <= 10:
		return 10
	case r <= 50:
		return 5
	default:
		return 2
	}
}

func frequencyCredit(ppd float64) float64 {
	switch {
	case ppd <= 0:
		return 0
	case ppd < 0.2:
		return 3
	case ppd < 1:
		return 6
	case ppd <= 5:
		return 10
	case ppd <= 15:
		return 6
	case ppd <= 50:
		return 3
	default:
		return 1
	}
}

// Engagement combines engagement rate relative to followers with posting frequency.
func Engagement(a model.AccountSnapshot) model.SubScore {
	rate := EngagementRate(a)
	ppd := PostsPerDay(a)
	v := rateCredit(rate) + frequencyCredit(ppd)
	return sub(model.SignalEngagement, v, MaxEngagement, fmt.Sprintf("%.1f/day, %.2f%%", ppd, rate))
}

// TrustList grants full credit for trust-list membership, nothing otherwise.
func TrustList(listed bool) model.SubScore {
	if listed {
		return sub(model.SignalTrustList, MaxTrustList, MaxTrustList, "listed")
	}
	return sub(model.SignalTrustList, 0, MaxTrustList, "not listed")
}

// Extract runs all five extractors in breakdown order.
func Extract(a model.AccountSnapshot, listed bool) []model.SubScore {
	return []model.SubScore{
		Age(a),
		FollowerRatio(a),
		BioQuality(a),
		Engagement(a),
		TrustList(listed),
	}
}

func sub(name model.SignalName, v, max float64, detail string) model.SubScore {
	return model.SubScore{Name: name, Value: clamp(v, max), Max: max, Detail: strings.TrimSpace(detail)}
}

func clamp(v, max float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > max {
		v = max
	}
	return math.Round(v*100) / 100
}
