package channels

import (
	"regexp"
	"strings"

	"github.com/samber/lo"

	"feedhub/models"
)

// Terms splits a channel filter into its comma separated keywords
func Terms(filter string) []string {
	return lo.Compact(lo.Map(strings.Split(filter, ","), func(t string, _ int) string {
		return strings.TrimSpace(t)
	}))
}

// Matches reports whether an entry passes a channel filter. An empty filter
// matches everything. Otherwise any term must appear as a whole word in the
// entry text (case-sensitive) or among its tags (case-insensitive).
func Matches(filter string, entry models.Entry, tags []string) bool {
	terms := Terms(filter)
	if len(terms) == 0 {
		return true
	}
	text := entry.Content + "\n" + entry.Name + "\n" + entry.Summary
	return lo.SomeBy(terms, func(term string) bool {
		if lo.Contains(tags, strings.ToLower(term)) {
			return true
		}
		re, err := regexp.Compile(`\b` + regexp.QuoteMeta(term) + `\b`)
		return err == nil && re.MatchString(text)
	})
}
