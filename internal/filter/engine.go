// Package filter implements the feed item matching engine.
package filter

import (
	"sort"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"feedrelay/internal/model"
)

// stripPolicy removes all markup, leaving plain text. bluemonday
// policies are safe for concurrent use.
var stripPolicy = bluemonday.StripTagsPolicy()

// Matches checks whether an item passes the given keyword set.
// An empty set passes everything. Otherwise at least one keyword must
// appear as a case-insensitive substring of the item's title, its
// tag-stripped summary, or its link.
func Matches(keywords []string, item model.Item) bool {
	if len(keywords) == 0 {
		return true
	}

	title := strings.ToLower(item.Title)
	summary := strings.ToLower(StripMarkup(item.Summary))
	link := strings.ToLower(item.Link)

	for _, kw := range keywords {
		kw = strings.ToLower(kw)
		if strings.Contains(title, kw) || strings.Contains(summary, kw) || strings.Contains(link, kw) {
			return true
		}
	}
	return false
}

// StripMarkup removes markup tags from s, returning plain text.
func StripMarkup(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	return strings.TrimSpace(stripPolicy.Sanitize(s))
}

// Normalize lowercases, trims, and deduplicates keywords, dropping
// empty entries. The result is sorted for stable storage and display.
func Normalize(keywords []string) []string {
	seen := make(map[string]struct{}, len(keywords))
	var out []string
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	sort.Strings(out)
	return out
}
