package score

import (
	"fmt"

	"rugguard/internal/model"
	"rugguard/internal/util"
)

// ScamPatterns are phrases counted in recent posts. Matches are reported, not scored.
var ScamPatterns = []string{
	"buy now", "urgent", "last chance", "limited time", "🚨", "guaranteed", "rug pull", "pump",
}

// ContentFlags reports how many recent posts match scam patterns.
func ContentFlags(posts []model.Post) []string {
	if len(posts) == 0 {
		return nil
	}
	hits := 0
	for _, p := range posts {
		if util.ContainsAnyCaseInsensitive(p.Text, ScamPatterns) {
			hits++
		}
	}
	if hits == 0 {
		return nil
	}
	return []string{fmt.Sprintf("suspicious_posts %d/%d", hits, len(posts))}
}
