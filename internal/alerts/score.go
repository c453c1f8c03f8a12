package alerts

import (
	"strings"

	"github.com/samber/lo"
)

// Score computes a signal's priority from its stored priority, tags and
// title. Tags match case-insensitively. Rules are monotonic maxima: each
// match raises the score to at least its floor, never lowers it.
func Score(priority int, title string, tags []string) int {
	score := priority
	lowered := lo.Map(tags, func(tag string, _ int) string { return strings.ToLower(tag) })
	if lo.Contains(lowered, "live") {
		score = max(score, 80)
	}
	if lo.Contains(lowered, "ptu") {
		score = max(score, 50)
	}
	title = strings.ToLower(title)
	if strings.Contains(title, "hotfix") || strings.Contains(title, "critical") {
		score = max(score, 85)
	}
	if strings.Contains(title, "roadmap") || strings.Contains(title, "status") {
		score = max(score, 60)
	}
	return score
}
