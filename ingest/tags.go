package ingest

import (
	"strings"

	"github.com/samber/lo"
)

// NormalizeTags lower-cases categories, trims surrounding '#' and removes duplicates
func NormalizeTags(categories []string) []string {
	tags := lo.Map(categories, func(c string, _ int) string {
		return strings.ToLower(strings.Trim(strings.TrimSpace(c), "#"))
	})
	return lo.Uniq(lo.Compact(tags))
}

func NormalizeSyndications(urls []string) []string {
	return lo.Uniq(lo.Compact(lo.Map(urls, func(u string, _ int) string { return strings.TrimSpace(u) })))
}
