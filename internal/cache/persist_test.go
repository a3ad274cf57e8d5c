package cache

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ssabro/MailVista-sub002/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "mail-cache.json")
	clock := newFakeClock()

	store := NewStore(Options{FilePath: path, PersistDebounce: time.Hour, Now: clock.Now}, nil)
	headers := headersRange(1, 3, clock.Now())
	headers[0].Flags = []string{`\Seen`}
	headers[1].HasAttachment = true
	store.UpsertHeaders("a@example.com", "INBOX", headers, 11)
	store.UpsertHeaders("a@example.com", "Work/Projects", headersRange(7, 7, clock.Now()), 12)
	require.NoError(t, store.Flush())
	require.NoError(t, store.Close())

	restored := NewStore(Options{FilePath: path, Now: clock.Now}, nil)
	require.NoError(t, restored.Load())
	defer restored.Close()

	inbox := restored.Get("a@example.com", "INBOX")
	require.NotNil(t, inbox)
	assert.Equal(t, uint32(11), inbox.UIDValidity)
	assert.Equal(t, []int64{3, 2, 1}, inbox.SortedUIDs())
	assert.True(t, inbox.Headers[1].HasFlag(`\Seen`))
	assert.True(t, inbox.Headers[2].HasAttachment)
	assert.Equal(t, "alice@example.com", inbox.Headers[3].From[0].Address)
	assert.True(t, inbox.Headers[3].Date.Equal(headers[2].Date))

	nested := restored.Get("a@example.com", "Work/Projects")
	require.NotNil(t, nested)
	assert.Equal(t, []int64{7}, nested.SortedUIDs())
}

func TestStore_LoadAppliesCaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mail-cache.json")
	clock := newFakeClock()

	big := NewStore(Options{FilePath: path, Now: clock.Now}, nil)
	big.UpsertHeaders("a@example.com", "INBOX", headersRange(1, 20, clock.Now()), 1)
	require.NoError(t, big.Close())

	small := NewStore(Options{FilePath: path, MaxHeadersPerFolder: 5, Now: clock.Now}, nil)
	require.NoError(t, small.Load())
	defer small.Close()

	assert.Equal(t, 5, small.Count("a@example.com", "INBOX"))
}

func TestStore_LoadMissingFile(t *testing.T) {
	store := NewStore(Options{FilePath: filepath.Join(t.TempDir(), "absent.json")}, nil)
	defer store.Close()

	require.NoError(t, store.Load())
	assert.Empty(t, store.Stats())
}

func TestPersister_DiscardsUnusableSnapshots(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"older format version", `{"cacheVersion":0,"accounts":{"a@example.com":{"INBOX":{"uid_validity":1,"headers":{}}}}}`},
		{"newer format version", `{"cacheVersion":99,"accounts":{}}`},
		{"corrupt JSON", `{"cacheVersion":1,"accounts":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "mail-cache.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			store := NewStore(Options{FilePath: path}, nil)
			require.NoError(t, store.Load())

			assert.Empty(t, store.Stats())
			_, err := os.Stat(path)
			assert.True(t, errors.Is(err, os.ErrNotExist), "unusable snapshot should be removed")
			require.NoError(t, store.Close())
		})
	}
}

func TestPersister_DebouncesWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mail-cache.json")
	store := NewStore(Options{FilePath: path, PersistDebounce: 50 * time.Millisecond}, nil)
	defer store.Close()

	for i := int64(1); i <= 20; i++ {
		store.UpsertHeaders("a@example.com", "INBOX", []models.CachedHeader{header(i, time.Now())}, 1)
	}

	assert.Eventually(t, func() bool { return store.persister.Writes() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return store.persister.Writes() > 1 }, 200*time.Millisecond, 20*time.Millisecond)

	var snap snapshotFile
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, CacheVersion, snap.CacheVersion)
	assert.Len(t, snap.Accounts["a@example.com"]["INBOX"].Headers, 20)
}

func TestPersister_CloseWritesPendingState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mail-cache.json")
	store := NewStore(Options{FilePath: path, PersistDebounce: time.Hour}, nil)

	store.UpsertHeaders("a@example.com", "INBOX", headersRange(1, 2, time.Now()), 3)
	assert.Equal(t, int64(0), store.persister.Writes())

	require.NoError(t, store.Close())
	assert.Equal(t, int64(1), store.persister.Writes())
	assert.FileExists(t, path)
}

func TestPersister_CloseWithoutChangesDoesNotWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mail-cache.json")
	store := NewStore(Options{FilePath: path}, nil)

	require.NoError(t, store.Close())
	assert.NoFileExists(t, path)
	assert.Error(t, store.persister.Flush())
}

func TestPlanMigration(t *testing.T) {
	original := migrations
	t.Cleanup(func() { migrations = original })

	migrations = map[int]migration{
		1: func(snap *snapshotFile) error { return nil },
		2: func(snap *snapshotFile) error { return nil },
	}

	steps, ok := planMigration(1, 3)
	assert.True(t, ok)
	assert.Len(t, steps, 2)

	steps, ok = planMigration(3, 3)
	assert.True(t, ok)
	assert.Empty(t, steps)

	_, ok = planMigration(0, 3)
	assert.False(t, ok, "no step registered for version 0")

	_, ok = planMigration(4, 3)
	assert.False(t, ok, "downgrades are never possible")
}
