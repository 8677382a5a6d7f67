package score

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"rugguard/internal/model"
)

var breakdownLabels = map[model.SignalName]string{
	model.SignalAge:        "Age",
	model.SignalRatio:      "Ratio",
	model.SignalBio:        "Bio",
	model.SignalEngagement: "Engagement",
	model.SignalTrustList:  "Trust list",
}

// TierFor maps a score in [0,100] to its tier. Bands are closed below and open above,
// except HIGH_TRUST which includes 100.
func TierFor(score float64) model.Tier {
	switch {
	case math.IsNaN(score):
		return model.TierHighRisk
	case score >= 80:
		return model.TierHighTrust
	case score >= 60:
		return model.TierModerateTrust
	case score >= 40:
		return model.TierCautious
	default:
		return model.TierHighRisk
	}
}

// Aggregate combines sub-scores with the additive max-points scheme:
// final = 100 * sum(value) / sum(max), rounded to one decimal.
func Aggregate(subs []model.SubScore) model.TrustScoreResult {
	var got, max float64
	kept := make([]model.SubScore, 0, len(subs))
	breakdown := make([]string, 0, len(subs))
	for _, s := range subs {
		if s.Max <= 0 || math.IsNaN(s.Max) {
			continue
		}
		s.Value = clamp(s.Value, s.Max)
		got += s.Value
		max += s.Max
		kept = append(kept, s)
		breakdown = append(breakdown, BreakdownLine(s))
	}
	final := 0.0
	if max > 0 {
		final = math.Round(1000*got/max) / 10
	}
	if final > 100 {
		final = 100
	}
	return model.TrustScoreResult{
		SubScores: kept,
		Score:     final,
		Tier:      TierFor(final),
		Breakdown: breakdown,
	}
}

// BreakdownLine renders one sub-score as "Age 25/25 (1200d)".
func BreakdownLine(s model.SubScore) string {
	label, ok := breakdownLabels[s.Name]
	if !ok {
		label = string(s.Name)
	}
	line := fmt.Sprintf("%s %s/%s", label, num(s.Value), num(s.Max))
	if s.Detail != "" {
		line += " (" + s.Detail + ")"
	}
	return line
}

// Account scores one snapshot end to end.
func Account(a model.AccountSnapshot, listed bool, now time.Time) model.TrustScoreResult {
	r := Aggregate(Extract(a, listed))
	r.AccountID = a.ID
	r.Username = a.Username
	r.Flags = ContentFlags(a.RecentPosts)
	if a.Verified {
		r.Flags = append(r.Flags, "verified")
	}
	r.AnalyzedAt = now.UTC()
	return r
}

func num(v float64) string {
	return strconv.FormatFloat(math.Round(v*10)/10, 'f', -1, 64)
}
