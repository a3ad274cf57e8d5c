package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ssabro/MailVista-sub002/internal/app"
	"github.com/ssabro/MailVista-sub002/internal/config"
	"github.com/ssabro/MailVista-sub002/internal/models"
	"github.com/ssabro/MailVista-sub002/internal/testutil"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testEmail = "test@example.com"

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := run(logger); err != nil {
		logger.WithError(err).Fatal("Test server failed")
	}
}

func run(logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting test IMAP server...")
	imapServer, err := testutil.StartIMAPServer()
	if err != nil {
		return fmt.Errorf("failed to start test IMAP server: %w", err)
	}
	defer imapServer.Close()
	logger.WithField("address", imapServer.Address).Info("Test IMAP server started")

	if err := seedTestData(imapServer); err != nil {
		return fmt.Errorf("failed to seed test data: %w", err)
	}

	dataDir, err := os.MkdirTemp("", "mailvista-test-server-*")
	if err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dataDir) }()

	cfg, err := testConfig(imapServer, dataDir)
	if err != nil {
		return err
	}

	// MAILVISTA_TEST_POSTGRES=1 runs against a throwaway Postgres container
	// instead of SQLite.
	if os.Getenv("MAILVISTA_TEST_POSTGRES") == "1" {
		container, err := startPostgres(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := container.Terminate(context.Background()); err != nil {
				logger.WithError(err).Warn("Failed to terminate Postgres container")
			}
		}()
	}

	a, err := app.Open(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.WithError(err).Warn("Shutdown finished with errors")
		}
	}()

	logger.WithFields(logrus.Fields{
		"account":  testEmail,
		"token":    cfg.APIToken,
		"imap":     imapServer.Address,
		"username": imapServer.Username(),
	}).Info("Server ready for E2E tests. Press Ctrl+C to stop.")

	return a.Serve(ctx, ":"+cfg.Port)
}

// testConfig builds a config for one account backed by the memory server.
func testConfig(imapServer *testutil.TestIMAPServer, dataDir string) (*config.Config, error) {
	account, err := imapServer.AccountFor(testEmail)
	if err != nil {
		return nil, err
	}

	port := os.Getenv("MAILVISTA_PORT")
	if port == "" {
		port = "8080"
	}

	return &config.Config{
		Environment: "test",
		LogLevel:    "debug",
		Port:        port,
		APIToken:    "test-token",
		DataDir:     dataDir,
		DBDriver:    config.DriverSQLite,
		SQLitePath:  filepath.Join(dataDir, "mailvista.db"),
		Accounts:    []models.Account{account},
		Cache: config.CacheConfig{
			MaxFoldersPerAccount:   30,
			MaxHeadersPerFolder:    500,
			SearchTTL:              2 * time.Minute,
			SearchMaxEntries:       50,
			PersistDebounce:        500 * time.Millisecond,
			FilePath:               filepath.Join(dataDir, "mail-cache.json"),
			DefaultPageSize:        50,
			RepositoryWriteTimeout: 30 * time.Second,
		},
		Pool: config.PoolConfig{
			MaxConnectionsPerAccount: 3,
			IdleTimeout:              5 * time.Minute,
			AcquireTimeout:           30 * time.Second,
			SweepInterval:            time.Minute,
		},
	}, nil
}

// startPostgres starts a Postgres container and points cfg at it.
func startPostgres(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (testcontainers.Container, error) {
	logger.Info("Starting test Postgres database...")
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("mailvista_test"),
		postgres.WithUsername("mailvista"),
		postgres.WithPassword("mailvista"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start Postgres container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	mapped, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	cfg.DBDriver = config.DriverPostgres
	cfg.DBHost = host
	cfg.DBPort = mapped.Port()
	cfg.DBUsername = "mailvista"
	cfg.DBPassword = "mailvista"
	cfg.DBName = "mailvista_test"
	cfg.DBSSLMode = "disable"

	logger.WithField("address", host+":"+mapped.Port()).Info("Test Postgres database started")
	return container, nil
}

// seedTestData creates the special folders and a few INBOX messages.
func seedTestData(imapServer *testutil.TestIMAPServer) error {
	client, err := imapServer.Dial()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Logout()
	}()

	if _, err := client.Select("INBOX", false); err != nil {
		if err := client.Create("INBOX"); err != nil {
			return fmt.Errorf("failed to create INBOX: %w", err)
		}
	}

	for _, name := range []string{"Sent", "Drafts", "Trash", "Spam", "Archive"} {
		if err := client.Create(name); err != nil && !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create folder %s: %w", name, err)
		}
	}

	now := time.Now()
	messages := []struct {
		messageID string
		subject   string
		from      string
		sentAt    time.Time
		flags     []string
	}{
		{"<msg1@test>", "Welcome to MailVista", "sender@example.com", now.Add(-2 * time.Hour), []string{`\Seen`}},
		{"<msg2@test>", "Meeting Tomorrow", "colleague@example.com", now.Add(-time.Hour), nil},
		{"<msg3@test>", "Special Report Q3", "reports@example.com", now, []string{`\Flagged`}},
	}

	for _, msg := range messages {
		if _, err := imapServer.AppendMessage("INBOX", msg.messageID, msg.subject, msg.from, testEmail, msg.sentAt, msg.flags...); err != nil {
			return fmt.Errorf("failed to add message %s: %w", msg.messageID, err)
		}
	}

	return nil
}
