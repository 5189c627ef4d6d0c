package timeline

import (
	"fmt"

	"github.com/huandu/go-sqlbuilder"

	"feedhub/query"
)

// ChannelFilter restricts the timeline to one channel
type ChannelFilter struct {
	ChannelID int64
}

func (f *ChannelFilter) ApplyFilter(sb *sqlbuilder.SelectBuilder) {
	sb.Where(sb.Equal("channel_entries.channel_id", f.ChannelID))
}

// ExcludeRepliesFilter filters out replies
type ExcludeRepliesFilter struct{}

func (f *ExcludeRepliesFilter) ApplyFilter(sb *sqlbuilder.SelectBuilder) {
	sb.Where(sb.Equal("entries.in_reply_to_url", ""))
}

// ExcludeInteractionsFilter filters out likes and reposts
type ExcludeInteractionsFilter struct{}

func (f *ExcludeInteractionsFilter) ApplyFilter(sb *sqlbuilder.SelectBuilder) {
	sb.Where(
		sb.Equal("entries.like_of_url", ""),
		sb.Equal("entries.repost_of_url", ""),
	)
}

// TagFilter keeps entries carrying a tag. Tag must already be normalized.
type TagFilter struct {
	Tag string
}

func (f *TagFilter) ApplyFilter(sb *sqlbuilder.SelectBuilder) {
	if f.Tag == "" {
		return
	}
	sb.Where(fmt.Sprintf(
		"EXISTS (SELECT 1 FROM entry_tags WHERE entry_tags.entry_id = entries.id AND entry_tags.tag = %s)",
		sb.Var(f.Tag),
	))
}

var _ query.FilterStrategy = (*ChannelFilter)(nil)
var _ query.FilterStrategy = (*ExcludeRepliesFilter)(nil)
var _ query.FilterStrategy = (*ExcludeInteractionsFilter)(nil)
var _ query.FilterStrategy = (*TagFilter)(nil)
