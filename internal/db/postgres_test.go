package db

import (
	"context"
	"testing"

	"github.com/ssabro/MailVista-sub002/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping Postgres container test in short mode")
	}

	ctx := context.Background()
	pool := testutil.NewTestDB(t)
	repo, err := NewPostgresRepository(ctx, pool, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	t.Run("migrations are idempotent", func(t *testing.T) {
		_, err := NewPostgresRepository(ctx, pool, nil)
		require.NoError(t, err)

		var applied int
		require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
		assert.Equal(t, 1, applied)
	})

	// The subtests share one database, so each starts from empty tables.
	runRepositoryTests(t, func(t *testing.T) Repository {
		_, err := pool.Exec(ctx, `TRUNCATE accounts, folder_sync, message_headers`)
		require.NoError(t, err)
		return repo
	})
}
