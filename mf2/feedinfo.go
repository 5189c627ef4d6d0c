package mf2

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Info describes the entries listed on a feed page
type Info struct {
	// Feed is the h-feed the entries came from, nil for a page of bare h-entries
	Feed    *Node
	Entries []*Node
}

// Author returns the feed-level author, if the page declared one
func (i *Info) Author() (Value, bool) {
	if i == nil || i.Feed == nil {
		return Value{}, false
	}
	return i.Feed.First("author")
}

// FeedInfo finds the entries of a page: the h-entry children of the first
// h-feed or, without one, the top-level h-entry items. Returns nil when the
// page lists no entries.
func FeedInfo(doc *Document) *Info {
	if doc == nil {
		return nil
	}
	if feeds := FindByType(doc.Items, "h-feed"); len(feeds) > 0 {
		feed := feeds[0]
		var entries []*Node
		for _, child := range feed.Children {
			if child.HasType("h-entry") {
				entries = append(entries, child)
			}
		}
		if len(entries) == 0 {
			return nil
		}
		return &Info{Feed: feed, Entries: entries}
	}

	var entries []*Node
	for _, item := range doc.Items {
		if item.HasType("h-entry") {
			entries = append(entries, item)
		}
	}
	if len(entries) == 0 {
		return nil
	}
	return &Info{Entries: entries}
}

// HTMLText renders markup as plain text. Line breaks become newlines.
func HTMLText(markup string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return markup
	}
	doc.Find("br").AfterHtml("\n")
	return strings.TrimSpace(doc.Text())
}
