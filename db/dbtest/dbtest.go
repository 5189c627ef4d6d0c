// Package dbtest opens migrated throwaway databases for tests
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"feedhub/db"
)

// Open returns a migrated database in a temporary directory that is closed when the test ends
func Open(t testing.TB) *db.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "feedhub.db")
	require.NoError(t, db.Migrate(path))

	database, err := db.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}
