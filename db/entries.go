package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"

	"feedhub/models"
)

var entryColumns = []string{
	"id", "feed_id", "url", "name", "summary", "content", "timezone_offset",
	"date_published", "date_retrieved", "date_updated",
	"like_of_url", "repost_of_url", "in_reply_to_url", "photo_url", "video_url", "audio_url",
	"author_name", "author_url", "author_photo",
	"num_likes", "num_reposts", "num_comments", "num_rsvps",
}

// EntryColumns returns the entry column list qualified with the given table alias
func EntryColumns(table string) []string {
	cols := make([]string, len(entryColumns))
	for i, c := range entryColumns {
		cols[i] = table + "." + c
	}
	return cols
}

func entryDest(e *models.Entry, published, retrieved, updated *int64) []any {
	return []any{
		&e.Id, &e.FeedId, &e.URL, &e.Name, &e.Summary, &e.Content, &e.TimezoneOffset,
		published, retrieved, updated,
		&e.LikeOfURL, &e.RepostOfURL, &e.InReplyToURL, &e.PhotoURL, &e.VideoURL, &e.AudioURL,
		&e.AuthorName, &e.AuthorURL, &e.AuthorPhoto,
		&e.NumLikes, &e.NumReposts, &e.NumComments, &e.NumRSVPs,
	}
}

func scanEntry(row rowScanner) (*models.Entry, error) {
	var e models.Entry
	var published, retrieved, updated int64
	if err := row.Scan(entryDest(&e, &published, &retrieved, &updated)...); err != nil {
		return nil, err
	}
	e.DatePublished = fromUnix(published)
	e.DateRetrieved = fromUnix(retrieved)
	e.DateUpdated = fromUnix(updated)
	return &e, nil
}

// UpsertEntry inserts the entry or overwrites the row with the same (feed_id, url), returning its id
func (db *DB) UpsertEntry(ctx context.Context, e *models.Entry) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	cols := entryColumns[1:]
	updates := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == "feed_id" || c == "url" {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}

	query := fmt.Sprintf(`
		INSERT INTO entries (%s)
		VALUES (%s)
		ON CONFLICT (feed_id, url) DO UPDATE SET %s
		RETURNING id`,
		strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
		strings.Join(updates, ", "),
	)

	var id int64
	err := db.db.QueryRowContext(ctx, query,
		e.FeedId, e.URL, e.Name, e.Summary, e.Content, e.TimezoneOffset,
		unix(e.DatePublished), unix(e.DateRetrieved), unix(e.DateUpdated),
		e.LikeOfURL, e.RepostOfURL, e.InReplyToURL, e.PhotoURL, e.VideoURL, e.AudioURL,
		e.AuthorName, e.AuthorURL, e.AuthorPhoto,
		e.NumLikes, e.NumReposts, e.NumComments, e.NumRSVPs,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert error: %w", err)
	}
	e.Id = id
	return id, nil
}

// GetEntry looks up an entry by its identity key
func (db *DB) GetEntry(ctx context.Context, feedID int64, url string) (*models.Entry, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(entryColumns...).From("entries").Where(sb.Equal("feed_id", feedID), sb.Equal("url", url))
	query, args := sb.Build()

	e, err := scanEntry(db.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	return e, nil
}

func (db *DB) ListEntries(ctx context.Context, feedID int64) ([]models.Entry, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(entryColumns...).From("entries").Where(sb.Equal("feed_id", feedID)).OrderBy("id").Asc()
	query, args := sb.Build()

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	var entries []models.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// AddEntryTags associates tags with an entry. Existing associations are kept
// and nothing is removed. Returns the number of new rows.
func (db *DB) AddEntryTags(ctx context.Context, entryID int64, tags []string) (int64, error) {
	return db.insertIgnore(ctx, "entry_tags", "tag", entryID, tags)
}

// AddEntrySyndications has the same append-only semantics as AddEntryTags
func (db *DB) AddEntrySyndications(ctx context.Context, entryID int64, urls []string) (int64, error) {
	return db.insertIgnore(ctx, "entry_syndications", "syndication_url", entryID, urls)
}

func (db *DB) insertIgnore(ctx context.Context, table, column string, entryID int64, values []string) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertIgnoreInto(table).Cols("entry_id", column)
	for _, v := range values {
		ib.Values(entryID, v)
	}
	query, args := ib.Build()

	res, err := db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert error: %w", err)
	}
	added, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("insert error: %w", err)
	}

	log.WithFields(log.Fields{
		"entry": entryID,
		"table": table,
		"added": added,
	}).Debug("Synchronized entry values")
	return added, nil
}

func (db *DB) GetEntryTags(ctx context.Context, entryID int64) ([]string, error) {
	return db.entryValues(ctx, "entry_tags", "tag", entryID)
}

func (db *DB) GetEntrySyndications(ctx context.Context, entryID int64) ([]string, error) {
	return db.entryValues(ctx, "entry_syndications", "syndication_url", entryID)
}

func (db *DB) entryValues(ctx context.Context, table, column string, entryID int64) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(column).From(table).Where(sb.Equal("entry_id", entryID)).OrderBy(column).Asc()
	query, args := sb.Build()

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	values := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
