package db

import (
	"context"
	"testing"
	"time"

	"github.com/ssabro/MailVista-sub002/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAccount = "alice@example.com"

func header(uid int64, subject string) models.CachedHeader {
	return models.CachedHeader{
		UID:       uid,
		MessageID: "<" + subject + "@example.com>",
		Subject:   subject,
		From:      []models.Address{{Name: "Bob", Address: "bob@example.com"}},
		To:        []models.Address{{Address: "alice@example.com"}},
		Date:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(uid) * time.Minute),
		Flags:     []string{`\Seen`},
	}
}

func headerUIDs(headers []models.CachedHeader) []int64 {
	uids := make([]int64, 0, len(headers))
	for _, h := range headers {
		uids = append(uids, h.UID)
	}
	return uids
}

// runRepositoryTests checks behavior every Repository implementation shares.
func runRepositoryTests(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("headers round-trip highest UID first", func(t *testing.T) {
		repo := newRepo(t)

		withAttachment := header(3, "report")
		withAttachment.HasAttachment = true
		withAttachment.Flags = nil
		require.NoError(t, repo.UpsertHeaders(ctx, testAccount, "INBOX", 7, []models.CachedHeader{
			header(1, "one"), header(2, "two"), withAttachment,
		}))

		headers, err := repo.GetHeaders(ctx, testAccount, "INBOX", 0, 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{3, 2, 1}, headerUIDs(headers))

		got := headers[0]
		assert.Equal(t, "report", got.Subject)
		assert.Equal(t, "<report@example.com>", got.MessageID)
		assert.True(t, got.HasAttachment)
		assert.Empty(t, got.Flags)
		assert.Equal(t, []models.Address{{Name: "Bob", Address: "bob@example.com"}}, got.From)
		assert.True(t, withAttachment.Date.Equal(got.Date))

		page, err := repo.GetHeaders(ctx, testAccount, "INBOX", 1, 1)
		require.NoError(t, err)
		assert.Equal(t, []int64{2}, headerUIDs(page))

		count, err := repo.CountHeaders(ctx, testAccount, "INBOX")
		require.NoError(t, err)
		assert.Equal(t, 3, count)
	})

	t.Run("upsert overwrites and skips placeholders", func(t *testing.T) {
		repo := newRepo(t)

		require.NoError(t, repo.UpsertHeaders(ctx, testAccount, "INBOX", 7, []models.CachedHeader{header(1, "one")}))
		updated := header(1, "one")
		updated.Flags = []string{`\Seen`, `\Flagged`}
		require.NoError(t, repo.UpsertHeaders(ctx, testAccount, "INBOX", 7, []models.CachedHeader{updated, header(-4, "placeholder")}))

		headers, err := repo.GetHeaders(ctx, testAccount, "INBOX", 0, 10)
		require.NoError(t, err)
		require.Len(t, headers, 1)
		assert.Equal(t, []string{`\Seen`, `\Flagged`}, headers[0].Flags)
	})

	t.Run("a new UIDVALIDITY drops the old epoch", func(t *testing.T) {
		repo := newRepo(t)

		require.NoError(t, repo.UpsertHeaders(ctx, testAccount, "INBOX", 7, []models.CachedHeader{header(1, "one"), header(2, "two")}))
		require.NoError(t, repo.UpsertHeaders(ctx, testAccount, "INBOX", 8, []models.CachedHeader{header(5, "five")}))

		headers, err := repo.GetHeaders(ctx, testAccount, "INBOX", 0, 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{5}, headerUIDs(headers))
	})

	t.Run("delete UIDs only touches the folder", func(t *testing.T) {
		repo := newRepo(t)

		require.NoError(t, repo.UpsertHeaders(ctx, testAccount, "INBOX", 7, []models.CachedHeader{header(1, "one"), header(2, "two"), header(3, "three")}))
		require.NoError(t, repo.UpsertHeaders(ctx, testAccount, "Archive", 9, []models.CachedHeader{header(2, "archived")}))

		require.NoError(t, repo.DeleteUIDs(ctx, testAccount, "INBOX", []int64{1, 2}))
		require.NoError(t, repo.DeleteUIDs(ctx, testAccount, "INBOX", nil))

		inbox, err := repo.GetHeaders(ctx, testAccount, "INBOX", 0, 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{3}, headerUIDs(inbox))

		archive, err := repo.CountHeaders(ctx, testAccount, "Archive")
		require.NoError(t, err)
		assert.Equal(t, 1, archive)
	})

	t.Run("folder sync state", func(t *testing.T) {
		repo := newRepo(t)

		_, err := repo.GetFolderSync(ctx, testAccount, "INBOX")
		assert.ErrorIs(t, err, ErrFolderNotFound)

		syncedAt := time.Date(2025, 3, 2, 8, 30, 0, 0, time.UTC)
		require.NoError(t, repo.RecordFolderSync(ctx, models.FolderSyncState{
			Account: testAccount, Folder: "INBOX", UIDValidity: 7, MessageCount: 3, SyncedAt: syncedAt,
		}))
		require.NoError(t, repo.RecordFolderSync(ctx, models.FolderSyncState{
			Account: testAccount, Folder: "INBOX", UIDValidity: 7, MessageCount: 4, SyncedAt: syncedAt.Add(time.Minute),
		}))
		require.NoError(t, repo.RecordFolderSync(ctx, models.FolderSyncState{
			Account: testAccount, Folder: "Archive", UIDValidity: 4294967295, MessageCount: 0,
		}))

		state, err := repo.GetFolderSync(ctx, testAccount, "INBOX")
		require.NoError(t, err)
		assert.Equal(t, uint32(7), state.UIDValidity)
		assert.Equal(t, 4, state.MessageCount)
		assert.True(t, syncedAt.Add(time.Minute).Equal(state.SyncedAt))

		states, err := repo.ListFolderSyncs(ctx, testAccount)
		require.NoError(t, err)
		require.Len(t, states, 2)
		assert.Equal(t, "Archive", states[0].Folder)
		assert.Equal(t, uint32(4294967295), states[0].UIDValidity)
		assert.False(t, states[0].SyncedAt.IsZero())
	})

	t.Run("delete folder removes headers and sync state", func(t *testing.T) {
		repo := newRepo(t)

		require.NoError(t, repo.UpsertHeaders(ctx, testAccount, "Receipts", 3, []models.CachedHeader{header(1, "order")}))
		require.NoError(t, repo.RecordFolderSync(ctx, models.FolderSyncState{Account: testAccount, Folder: "Receipts", UIDValidity: 3}))

		require.NoError(t, repo.DeleteFolder(ctx, testAccount, "Receipts"))

		count, err := repo.CountHeaders(ctx, testAccount, "Receipts")
		require.NoError(t, err)
		assert.Zero(t, count)
		_, err = repo.GetFolderSync(ctx, testAccount, "Receipts")
		assert.ErrorIs(t, err, ErrFolderNotFound)
	})

	t.Run("accounts", func(t *testing.T) {
		repo := newRepo(t)

		require.NoError(t, repo.EnsureAccount(ctx, "zoe@example.com"))
		require.NoError(t, repo.EnsureAccount(ctx, "zoe@example.com"))
		require.NoError(t, repo.UpsertHeaders(ctx, testAccount, "INBOX", 7, []models.CachedHeader{header(1, "one")}))

		accounts, err := repo.ListAccounts(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{testAccount, "zoe@example.com"}, accounts)

		require.NoError(t, repo.DeleteAccount(ctx, testAccount))
		assert.ErrorIs(t, repo.DeleteAccount(ctx, testAccount), ErrAccountNotFound)

		count, err := repo.CountHeaders(ctx, testAccount, "INBOX")
		require.NoError(t, err)
		assert.Zero(t, count, "headers go with their account")
	})
}
