package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"

	"feedhub/models"
)

var feedColumns = []string{
	"id", "feed_url", "hash", "refresh_in_progress", "refresh_started", "last_retrieved",
	"push_hub_url", "push_topic_url", "push_subscribed", "push_expiration", "created_at",
}

// FeedHash is the stable identifier used in hub callback URLs
func FeedHash(feedURL string) string {
	sum := sha256.Sum256([]byte(feedURL))
	return hex.EncodeToString(sum[:])
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeed(row rowScanner) (*models.Feed, error) {
	var feed models.Feed
	var started, retrieved, expiration sql.NullInt64
	var createdAt int64
	if err := row.Scan(
		&feed.Id, &feed.FeedURL, &feed.Hash, &feed.RefreshInProgress, &started, &retrieved,
		&feed.PushHubURL, &feed.PushTopicURL, &feed.PushSubscribed, &expiration, &createdAt,
	); err != nil {
		return nil, err
	}
	feed.RefreshStarted = fromNullUnix(started)
	feed.LastRetrieved = fromNullUnix(retrieved)
	feed.PushExpiration = fromNullUnix(expiration)
	feed.CreatedAt = fromUnix(createdAt)
	return &feed, nil
}

// CreateFeed registers a feed URL. Registering the same URL twice returns the existing feed.
func (db *DB) CreateFeed(ctx context.Context, feedURL string) (*models.Feed, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := db.db.ExecContext(ctx, `
		INSERT INTO feeds (feed_url, hash, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (feed_url) DO NOTHING`,
		feedURL, FeedHash(feedURL), unix(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("insert error: %w", err)
	}
	return db.getFeedBy(ctx, "feed_url", feedURL)
}

func (db *DB) GetFeed(ctx context.Context, id int64) (*models.Feed, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return db.getFeedBy(ctx, "id", id)
}

func (db *DB) GetFeedByHash(ctx context.Context, hash string) (*models.Feed, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return db.getFeedBy(ctx, "hash", hash)
}

func (db *DB) getFeedBy(ctx context.Context, column string, value any) (*models.Feed, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(feedColumns...).From("feeds").Where(sb.Equal(column, value))
	query, args := sb.Build()

	feed, err := scanFeed(db.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	return feed, nil
}

func (db *DB) ListFeeds(ctx context.Context) ([]models.Feed, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(feedColumns...).From("feeds").OrderBy("id").Asc()
	return db.queryFeeds(ctx, sb)
}

// ListFeedsDue returns feeds that are idle and were not retrieved since the given time
func (db *DB) ListFeedsDue(ctx context.Context, retrievedBefore time.Time) ([]models.Feed, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(feedColumns...).From("feeds").
		Where(
			sb.Equal("refresh_in_progress", 0),
			sb.Or(sb.IsNull("last_retrieved"), sb.LessThan("last_retrieved", unix(retrievedBefore))),
		).
		OrderBy("id").Asc()
	return db.queryFeeds(ctx, sb)
}

func (db *DB) queryFeeds(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]models.Feed, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query, args := sb.Build()
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	var feeds []models.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		feeds = append(feeds, *feed)
	}
	return feeds, rows.Err()
}

// ClaimRefresh marks the feed as being refreshed. It only succeeds when no
// other refresh holds the flag, in a single conditional update.
func (db *DB) ClaimRefresh(ctx context.Context, id int64, now time.Time) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update("feeds").
		Set(ub.Assign("refresh_in_progress", 1), ub.Assign("refresh_started", unix(now))).
		Where(ub.Equal("id", id), ub.Equal("refresh_in_progress", 0))
	query, args := ub.Build()

	res, err := db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("claim error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim error: %w", err)
	}
	return n == 1, nil
}

// ReleaseRefresh clears the in-progress flag. A non-nil retrieved also records last_retrieved.
func (db *DB) ReleaseRefresh(ctx context.Context, id int64, retrieved *time.Time) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update("feeds").Set(ub.Assign("refresh_in_progress", 0))
	if retrieved != nil {
		ub.SetMore(ub.Assign("last_retrieved", unix(*retrieved)))
	}
	ub.Where(ub.Equal("id", id))
	query, args := ub.Build()

	if _, err := db.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("release error: %w", err)
	}
	return nil
}

// SavePushState stores the hub and topic discovered during the last refresh
func (db *DB) SavePushState(ctx context.Context, id int64, hubURL, topicURL string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update("feeds").
		Set(ub.Assign("push_hub_url", hubURL), ub.Assign("push_topic_url", topicURL)).
		Where(ub.Equal("id", id))
	query, args := ub.Build()

	if _, err := db.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update error: %w", err)
	}
	return nil
}

// SetSubscription records the outcome of a hub verification request
func (db *DB) SetSubscription(ctx context.Context, id int64, subscribed bool, expiration *time.Time) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update("feeds").
		Set(ub.Assign("push_subscribed", subscribed), ub.Assign("push_expiration", nullUnix(expiration))).
		Where(ub.Equal("id", id))
	query, args := ub.Build()

	log.WithFields(log.Fields{
		"feed":       id,
		"subscribed": subscribed,
		"expiration": expiration,
	}).Info("Updating push subscription")

	if _, err := db.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update error: %w", err)
	}
	return nil
}
