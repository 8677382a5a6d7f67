package score

import (
	"strings"
	"unicode/utf8"

	"rugguard/internal/model"
	"rugguard/internal/util"
)

// MaxReplyRunes is the platform limit for a single post.
const MaxReplyRunes = 280

// Disclaimer closes every reply.
const Disclaimer = "Heuristic, not financial advice. Always DYOR."

var recommendations = map[model.Tier]string{
	model.TierHighTrust:     "Strong reputation indicators",
	model.TierModerateTrust: "Generally positive signals",
	model.TierCautious:      "Exercise caution",
	model.TierHighRisk:      "Significant concerns identified",
}

// FormatReply renders the published reply. All five breakdown lines, the score, the tier and
// the disclaimer are always present; only the displayed handle is shortened to fit.
func FormatReply(r model.TrustScoreResult) string {
	handle := r.AccountID
	if r.Username != "" {
		handle = "@" + strings.TrimPrefix(r.Username, "@")
	}
	body := func(h string) string {
		var b strings.Builder
		b.WriteString("RugGuard: " + h + "\n")
		b.WriteString("Trust score " + num(r.Score) + "/100 - " + r.Tier.Label() + "\n")
		for _, line := range r.Breakdown {
			b.WriteString("• " + line + "\n")
		}
		if rec, ok := recommendations[r.Tier]; ok {
			b.WriteString(rec + "\n")
		}
		b.WriteString(Disclaimer)
		return b.String()
	}
	out := body(handle)
	if over := utf8.RuneCountInString(out) - MaxReplyRunes; over > 0 {
		keep := utf8.RuneCountInString(handle) - over
		if keep < 2 {
			keep = 2
		}
		out = body(util.TruncateRunes(handle, keep))
	}
	return out
}
