package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteRepo(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "mailvista.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	runRepositoryTests(t, newSQLiteRepo)
}

func TestSQLiteRepository_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailvista.db")

	repo, err := NewSQLiteRepository(path, nil)
	require.NoError(t, err)
	require.NoError(t, repo.EnsureAccount(t.Context(), testAccount))
	require.NoError(t, repo.Close())

	reopened, err := NewSQLiteRepository(path, nil)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	var version int
	require.NoError(t, reopened.db.Get(&version, "SELECT MAX(version) FROM schema_version"))
	assert.Equal(t, len(sqliteMigrations), version)

	var rows int
	require.NoError(t, reopened.db.Get(&rows, "SELECT COUNT(*) FROM schema_version"))
	assert.Equal(t, len(sqliteMigrations), rows, "migrations run once")

	accounts, err := reopened.ListAccounts(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{testAccount}, accounts)
}
