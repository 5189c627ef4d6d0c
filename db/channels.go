package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"

	"feedhub/models"
)

// CreateChannel creates a channel by name, returning the existing one if the name is taken
func (db *DB) CreateChannel(ctx context.Context, name string) (*models.Channel, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := db.db.ExecContext(ctx, `
		INSERT INTO channels (name, created_at)
		VALUES (?, ?)
		ON CONFLICT (name) DO NOTHING`,
		name, unix(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("insert error: %w", err)
	}
	return db.getChannelBy(ctx, "name", name)
}

func (db *DB) GetChannel(ctx context.Context, id int64) (*models.Channel, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return db.getChannelBy(ctx, "id", id)
}

func (db *DB) getChannelBy(ctx context.Context, column string, value any) (*models.Channel, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("id", "name", "created_at").From("channels").Where(sb.Equal(column, value))
	query, args := sb.Build()

	var ch models.Channel
	var createdAt int64
	err := db.db.QueryRowContext(ctx, query, args...).Scan(&ch.Id, &ch.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	ch.CreatedAt = fromUnix(createdAt)
	return &ch, nil
}

// AddChannelSource subscribes a channel to a feed, replacing the filter if the pair already exists
func (db *DB) AddChannelSource(ctx context.Context, channelID, feedID int64, filter string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := db.db.ExecContext(ctx, `
		INSERT INTO channel_sources (channel_id, feed_id, filter)
		VALUES (?, ?, ?)
		ON CONFLICT (channel_id, feed_id) DO UPDATE SET filter = excluded.filter`,
		channelID, feedID, filter,
	)
	if err != nil {
		return fmt.Errorf("insert error: %w", err)
	}
	return nil
}

func (db *DB) ChannelSourcesForFeed(ctx context.Context, feedID int64) ([]models.ChannelSource, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("id", "channel_id", "feed_id", "filter").From("channel_sources").
		Where(sb.Equal("feed_id", feedID)).
		OrderBy("id").Asc()
	query, args := sb.Build()

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	var sources []models.ChannelSource
	for rows.Next() {
		var s models.ChannelSource
		if err := rows.Scan(&s.Id, &s.ChannelId, &s.FeedId, &s.Filter); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// UpsertChannelEntry creates the membership once and refreshes its ordering fields on every call
func (db *DB) UpsertChannelEntry(ctx context.Context, ce models.ChannelEntry) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := db.db.ExecContext(ctx, `
		INSERT INTO channel_entries (channel_id, entry_id, entry_published, date_created)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (channel_id, entry_id) DO UPDATE SET
			entry_published = excluded.entry_published,
			date_created = excluded.date_created`,
		ce.ChannelId, ce.EntryId, unix(ce.EntryPublished), unix(ce.DateCreated),
	)
	if err != nil {
		return fmt.Errorf("upsert error: %w", err)
	}
	return nil
}

func (db *DB) ListChannelEntries(ctx context.Context, channelID int64) ([]models.ChannelEntry, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("channel_id", "entry_id", "entry_published", "date_created").From("channel_entries").
		Where(sb.Equal("channel_id", channelID)).
		OrderBy("entry_id").Asc()
	query, args := sb.Build()

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	var entries []models.ChannelEntry
	for rows.Next() {
		var ce models.ChannelEntry
		var published, created int64
		if err := rows.Scan(&ce.ChannelId, &ce.EntryId, &published, &created); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		ce.EntryPublished = fromUnix(published)
		ce.DateCreated = fromUnix(created)
		entries = append(entries, ce)
	}
	return entries, rows.Err()
}

// QueryTimeline runs a timeline query whose columns are EntryColumns("entries")
// followed by channel_entries.entry_published
func (db *DB) QueryTimeline(ctx context.Context, query string, args []interface{}) ([]models.TimelineEntry, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	var entries []models.TimelineEntry
	for rows.Next() {
		var te models.TimelineEntry
		var published, retrieved, updated, entryPublished int64
		dest := append(entryDest(&te.Entry, &published, &retrieved, &updated), &entryPublished)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		te.DatePublished = fromUnix(published)
		te.DateRetrieved = fromUnix(retrieved)
		te.DateUpdated = fromUnix(updated)
		te.EntryPublished = fromUnix(entryPublished)
		entries = append(entries, te)
	}
	return entries, rows.Err()
}
