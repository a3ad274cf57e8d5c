package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ssabro/MailVista-sub002/internal/config"
	"github.com/ssabro/MailVista-sub002/internal/models"
	"github.com/ssabro/MailVista-sub002/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAccount = "test@example.com"
	testToken   = "s3cret"
)

func testConfig(t *testing.T, accounts ...models.Account) *config.Config {
	t.Helper()
	dir := t.TempDir()

	return &config.Config{
		Environment: "test",
		LogLevel:    "debug",
		Port:        "0",
		APIToken:    testToken,
		DataDir:     dir,
		DBDriver:    config.DriverSQLite,
		SQLitePath:  filepath.Join(dir, "mailvista.db"),
		Accounts:    accounts,
		Cache: config.CacheConfig{
			MaxFoldersPerAccount:   10,
			MaxHeadersPerFolder:    100,
			SearchTTL:              time.Minute,
			SearchMaxEntries:       10,
			PersistDebounce:        10 * time.Millisecond,
			FilePath:               filepath.Join(dir, "mail-cache.json"),
			DefaultPageSize:        20,
			RepositoryWriteTimeout: 5 * time.Second,
		},
		Pool: config.PoolConfig{
			MaxConnectionsPerAccount: 2,
			IdleTimeout:              time.Minute,
			AcquireTimeout:           5 * time.Second,
			SweepInterval:            time.Minute,
		},
	}
}

func get(t *testing.T, h http.Handler, target string, withToken bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if withToken {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestNewLogger(t *testing.T) {
	cfg := &config.Config{Environment: "production", LogLevel: "warn"}
	logger := NewLogger(cfg)
	assert.Equal(t, "warn", logger.GetLevel().String())

	cfg = &config.Config{Environment: "development", LogLevel: "chatty"}
	assert.Equal(t, "info", NewLogger(cfg).GetLevel().String())
}

func TestApp_EndToEnd(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	defer server.Close()
	server.EnsureINBOX(t)
	server.AddMessage(t, "INBOX", "<welcome@test>", "Welcome to MailVista", "sender@example.com", testAccount, time.Now().Add(-time.Hour))

	cfg := testConfig(t, server.Account(t, testAccount))
	ctx := context.Background()

	a, err := Open(ctx, cfg, nil, nil)
	require.NoError(t, err)
	h := a.Handler()

	t.Run("root is public", func(t *testing.T) {
		rr := get(t, h, "/", false)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
	})

	t.Run("api requires the token", func(t *testing.T) {
		rr := get(t, h, "/api/v1/cache/stats", false)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("lists INBOX from the server", func(t *testing.T) {
		rr := get(t, h, "/api/v1/messages?account="+testAccount, true)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp struct {
			Total   int                   `json:"total"`
			Stale   bool                  `json:"stale"`
			Headers []models.CachedHeader `json:"headers"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.False(t, resp.Stale)
		require.NotEmpty(t, resp.Headers)

		var subjects []string
		for _, hdr := range resp.Headers {
			subjects = append(subjects, hdr.Subject)
		}
		assert.Contains(t, subjects, "Welcome to MailVista")
	})

	t.Run("mirrors headers and sync state into the repository", func(t *testing.T) {
		require.Eventually(t, func() bool {
			n, err := a.Repo.CountHeaders(ctx, testAccount, "INBOX")
			return err == nil && n > 0
		}, 5*time.Second, 20*time.Millisecond)

		rr := get(t, h, "/api/v1/folders/sync?account="+testAccount, true)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"folder":"INBOX"`)
	})

	t.Run("reports pool usage", func(t *testing.T) {
		rr := get(t, h, "/api/v1/pool?account="+testAccount, true)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp poolStatsResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, 0, resp.Pool.InUse)
		assert.LessOrEqual(t, resp.Pool.Open, cfg.Pool.MaxConnectionsPerAccount)
	})

	t.Run("unknown account is a 404", func(t *testing.T) {
		rr := get(t, h, "/api/v1/folders?account=nobody@example.com", true)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	require.NoError(t, a.Close())

	_, err = os.Stat(cfg.Cache.FilePath)
	assert.NoError(t, err, "cache snapshot should be flushed on close")
}

func TestApp_ServeStopsOnCancel(t *testing.T) {
	a, err := Open(context.Background(), testConfig(t), nil, nil)
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Serve(ctx, "127.0.0.1:0")
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestOpen_BadDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.DBDriver = "mysql"

	_, err := Open(context.Background(), cfg, nil, nil)
	assert.ErrorContains(t, err, "unsupported database driver")
}
