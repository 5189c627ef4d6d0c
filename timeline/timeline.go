package timeline

import (
	"context"
	"fmt"

	"feedhub/ingest"
	"feedhub/models"
	"feedhub/query"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Store interface {
	GetChannel(ctx context.Context, id int64) (*models.Channel, error)
	QueryTimeline(ctx context.Context, q string, args []interface{}) ([]models.TimelineEntry, error)
	GetEntryTags(ctx context.Context, entryID int64) ([]string, error)
}

// Options narrow down a timeline page
type Options struct {
	Limit               int
	Cursor              string
	ExcludeReplies      bool
	ExcludeInteractions bool
	Tag                 string
}

type Timeline struct {
	store Store
}

func New(store Store) *Timeline {
	return &Timeline{store: store}
}

// Entries returns one page of a channel timeline, newest first. The cursor in
// the response is nil on the last page.
func (t *Timeline) Entries(ctx context.Context, channelID int64, opts Options) (*models.TimelineResponse, error) {
	if _, err := t.store.GetChannel(ctx, channelID); err != nil {
		return nil, err
	}

	var cursor *query.Cursor
	if opts.Cursor != "" {
		c, err := query.ParseCursor(opts.Cursor)
		if err != nil {
			return nil, err
		}
		cursor = c
	}

	limit := clampLimit(opts.Limit)

	builder := NewQueryBuilder()
	builder.AddFilter(&ChannelFilter{ChannelID: channelID})
	if opts.ExcludeReplies {
		builder.AddFilter(&ExcludeRepliesFilter{})
	}
	if opts.ExcludeInteractions {
		builder.AddFilter(&ExcludeInteractionsFilter{})
	}
	if tags := ingest.NormalizeTags([]string{opts.Tag}); len(tags) > 0 {
		builder.AddFilter(&TagFilter{Tag: tags[0]})
	}

	// one extra row tells us whether there is a next page
	sql, args := builder.Build(limit+1, cursor)
	entries, err := t.store.QueryTimeline(ctx, sql, args)
	if err != nil {
		return nil, fmt.Errorf("error querying timeline for channel %d: %w", channelID, err)
	}

	resp := &models.TimelineResponse{Entries: make([]models.TimelineEntry, 0, limit)}
	if len(entries) > limit {
		entries = entries[:limit]
		last := entries[len(entries)-1]
		next := query.Cursor{Published: last.EntryPublished, EntryID: last.Id}.Encode()
		resp.Cursor = &next
	}

	for _, e := range entries {
		tags, err := t.store.GetEntryTags(ctx, e.Id)
		if err != nil {
			return nil, err
		}
		e.Tags = tags
		if e.Tags == nil {
			e.Tags = []string{}
		}
		e.PublishedDisplay = ingest.FriendlyDate(e.DatePublished, e.TimezoneOffset)
		resp.Entries = append(resp.Entries, e)
	}
	return resp, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}
