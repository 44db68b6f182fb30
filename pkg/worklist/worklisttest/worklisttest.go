// Package worklisttest opens throwaway SQLite stores for tests.
package worklisttest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/worklist/pkg/common/database"
	"github.com/synaptica-ai/worklist/pkg/worklist"
)

func NewRepository(t testing.TB) *worklist.Repository {
	t.Helper()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "worklist.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })

	repo := worklist.NewRepository(db)
	require.NoError(t, repo.AutoMigrate())
	return repo
}
