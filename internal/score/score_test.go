package score

import (
	"math/rand"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rugguard/internal/model"
)

var refNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func randomSnapshot(r *rand.Rand) model.AccountSnapshot {
	pick := func(vals ...int) int { return vals[r.Intn(len(vals))] }
	a := model.AccountSnapshot{
		ID:             "u",
		FollowersCount: pick(0, 1, 5, 100, 2000, 1_000_000, r.Intn(50_000)),
		FollowingCount: pick(0, 1, 4, 950, 4000, r.Intn(50_000)),
		TotalPosts:     pick(0, 1, 10, 500_000, r.Intn(10_000)),
		FetchedAt:      refNow,
	}
	switch r.Intn(4) {
	case 0:
	case 1:
		a.CreatedAt = refNow.Add(time.Hour)
	default:
		a.CreatedAt = refNow.Add(-time.Duration(r.Intn(5000)) * 24 * time.Hour)
	}
	bios := []string{"", "   ", "gm", "Founder. Security researcher. Building protocols.", "guaranteed 1000x pump dump lambo to the moon", strings.Repeat("x", 300)}
	a.Description = bios[r.Intn(len(bios))]
	n := pick(0, 1, 2, 20)
	for i := 0; i < n; i++ {
		p := model.Post{
			Text:        "post",
			LikeCount:   pick(0, 3, 10_000_000),
			RepostCount: pick(0, 1, -5),
			ReplyCount:  r.Intn(50),
		}
		if r.Intn(3) > 0 {
			p.CreatedAt = refNow.Add(-time.Duration(r.Intn(24*60)) * time.Hour)
		}
		a.RecentPosts = append(a.RecentPosts, p)
	}
	return a
}

func TestExtractorsStayWithinBounds(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 5000; i++ {
		a := randomSnapshot(r)
		for _, s := range Extract(a, r.Intn(2) == 0) {
			require.GreaterOrEqual(t, s.Value, 0.0, "%s negative for %+v", s.Name, a)
			require.LessOrEqual(t, s.Value, s.Max, "%s above max for %+v", s.Name, a)
		}
	}
}

func TestExtractorsHandleEmptySnapshot(t *testing.T) {
	subs := Extract(model.AccountSnapshot{}, false)
	require.Len(t, subs, 5)
	for _, s := range subs {
		assert.Equal(t, 0.0, s.Value, string(s.Name))
	}
}

func TestAggregateIsMonotonic(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		subs := Extract(randomSnapshot(r), r.Intn(2) == 0)
		base := Aggregate(subs).Score
		idx := r.Intn(len(subs))
		bumped := make([]model.SubScore, len(subs))
		copy(bumped, subs)
		bumped[idx].Value += r.Float64() * bumped[idx].Max
		assert.GreaterOrEqual(t, Aggregate(bumped).Score, base)
	}
}

func TestAggregateFullMarks(t *testing.T) {
	subs := []model.SubScore{
		{Name: model.SignalAge, Value: MaxAge, Max: MaxAge},
		{Name: model.SignalRatio, Value: MaxRatio, Max: MaxRatio},
		{Name: model.SignalBio, Value: MaxBio, Max: MaxBio},
		{Name: model.SignalEngagement, Value: MaxEngagement, Max: MaxEngagement},
		{Name: model.SignalTrustList, Value: MaxTrustList, Max: MaxTrustList},
	}
	res := Aggregate(subs)
	assert.Equal(t, 100.0, res.Score)
	assert.Equal(t, model.TierHighTrust, res.Tier)
	assert.Len(t, res.Breakdown, 5)
	assert.Equal(t, 0.0, Aggregate(nil).Score)
}

func TestTierBoundaries(t *testing.T) {
	cases := map[float64]model.Tier{
		100:  model.TierHighTrust,
		80:   model.TierHighTrust,
		79.9: model.TierModerateTrust,
		60:   model.TierModerateTrust,
		59.9: model.TierCautious,
		40:   model.TierCautious,
		39.9: model.TierHighRisk,
		0:    model.TierHighRisk,
	}
	for s, want := range cases {
		assert.Equal(t, want, TierFor(s), "score %v", s)
	}
	for s := 0.0; s <= 100; s += 0.1 {
		tier := TierFor(s)
		assert.Contains(t, []model.Tier{model.TierHighTrust, model.TierModerateTrust, model.TierCautious, model.TierHighRisk}, tier)
	}
}

func TestScenarioEstablishedListedAccount(t *testing.T) {
	a := model.AccountSnapshot{
		ID:             "100",
		Username:       "builder",
		CreatedAt:      refNow.Add(-1200 * 24 * time.Hour),
		FollowersCount: 2000,
		FollowingCount: 950,
		Description:    "Building on Solana since 2021, security researcher",
		FetchedAt:      refNow,
	}
	for i := 0; i < 21; i++ {
		a.RecentPosts = append(a.RecentPosts, model.Post{
			Text:      "shipping",
			CreatedAt: refNow.Add(-time.Duration(i*8) * time.Hour),
			LikeCount: 20, RepostCount: 3, ReplyCount: 2,
		})
	}
	assert.InDelta(t, 3.0, PostsPerDay(a), 0.2)
	res := Account(a, true, refNow)
	assert.GreaterOrEqual(t, res.Score, 80.0)
	assert.Equal(t, model.TierHighTrust, res.Tier)
	assert.Equal(t, "100", res.AccountID)
}

func TestScenarioThrowawayAccount(t *testing.T) {
	a := model.AccountSnapshot{
		ID:             "200",
		CreatedAt:      refNow.Add(-2 * 24 * time.Hour),
		FollowersCount: 5,
		FollowingCount: 4000,
		FetchedAt:      refNow,
	}
	res := Account(a, false, refNow)
	assert.LessOrEqual(t, res.Score, 15.0)
	assert.Equal(t, model.TierHighRisk, res.Tier)
}

func TestFollowerRatioBands(t *testing.T) {
	ratio := func(followers, following int) float64 {
		return FollowerRatio(model.AccountSnapshot{FollowersCount: followers, FollowingCount: following}).Value
	}
	assert.Equal(t, 0.0, ratio(0, 0))
	assert.Equal(t, MaxRatio, ratio(3, 0))
	assert.Equal(t, MaxRatio, ratio(100, 100))
	assert.Less(t, ratio(5, 4000), ratio(100, 100))
	assert.Less(t, ratio(50_000, 5), ratio(100, 100))
	assert.Less(t, ratio(50_000, 5), ratio(50_000, 500))
}

func TestBioQualityPenalizesDenylist(t *testing.T) {
	clean := BioQuality(model.AccountSnapshot{Description: "Protocol engineer working on wallets and tooling"})
	scam := BioQuality(model.AccountSnapshot{Description: "Guaranteed 1000x gains, DM for signals, to the moon"})
	assert.Greater(t, clean.Value, scam.Value)
	assert.Equal(t, 0.0, scam.Value)
	assert.Equal(t, 0.0, BioQuality(model.AccountSnapshot{Description: "   "}).Value)
}

func TestEngagementPenalizesSilenceAndSpam(t *testing.T) {
	mk := func(posts, likes int, spacing time.Duration) model.AccountSnapshot {
		a := model.AccountSnapshot{FollowersCount: 1000, FetchedAt: refNow}
		for i := 0; i < posts; i++ {
			a.RecentPosts = append(a.RecentPosts, model.Post{CreatedAt: refNow.Add(-time.Duration(i) * spacing), LikeCount: likes})
		}
		return a
	}
	optimal := Engagement(mk(20, 20, 8*time.Hour)).Value
	spammy := Engagement(mk(20, 20, 10*time.Minute)).Value
	silent := Engagement(mk(20, 0, 8*time.Hour)).Value
	viral := Engagement(mk(20, 5000, 8*time.Hour)).Value
	assert.Equal(t, MaxEngagement, optimal)
	assert.Less(t, spammy, optimal)
	assert.Less(t, silent, optimal)
	assert.Less(t, viral, optimal)
}

func TestContentFlags(t *testing.T) {
	posts := []model.Post{{Text: "BUY NOW last chance"}, {Text: "gm"}, {Text: "🚨🚨 urgent"}}
	assert.Equal(t, []string{"suspicious_posts 2/3"}, ContentFlags(posts))
	assert.Nil(t, ContentFlags([]model.Post{{Text: "gm"}}))
}

func TestFormatReplyKeepsEveryField(t *testing.T) {
	a := model.AccountSnapshot{
		ID: "1", Username: strings.Repeat("long", 40),
		CreatedAt: refNow.Add(-900 * 24 * time.Hour), FollowersCount: 123456, FollowingCount: 7,
		Description: "Founder", FetchedAt: refNow,
	}
	res := Account(a, false, refNow)
	out := FormatReply(res)
	assert.LessOrEqual(t, utf8.RuneCountInString(out), MaxReplyRunes)
	for _, label := range []string{"Age", "Ratio", "Bio", "Engagement", "Trust list", "/100", res.Tier.Label(), Disclaimer} {
		assert.Contains(t, out, label)
	}
}
