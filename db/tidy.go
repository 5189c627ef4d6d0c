package db

import (
	"context"
	"fmt"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"
)

// Tidy releases refresh flags that were claimed before the given time and
// never cleared, e.g. because the worker holding them died
func (db *DB) Tidy(ctx context.Context, startedBefore time.Time) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update("feeds").
		Set(ub.Assign("refresh_in_progress", 0)).
		Where(ub.Equal("refresh_in_progress", 1), ub.LessThan("refresh_started", unix(startedBefore)))
	query, args := ub.Build()

	log.WithFields(log.Fields{
		"sql":  query,
		"args": args,
	}).Info("Tidying database")

	res, err := db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("tidy error: %w", err)
	}
	released, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("tidy error: %w", err)
	}
	return released, nil
}
