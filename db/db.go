package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

const queryTimeout = 30 * time.Second

// DB handles all database operations with a shared connection pool
type DB struct {
	db *sql.DB
}

// Open connects to the SQLite database at path. Migrations are run separately with Migrate.
func Open(path string) (*DB, error) {
	conn, err := connection(path)
	if err != nil {
		return nil, err
	}
	return &DB{db: conn}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func unix(t time.Time) int64 {
	return t.UTC().Unix()
}

func fromUnix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: unix(*t), Valid: true}
}

func fromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnix(v.Int64)
	return &t
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, queryTimeout)
}
