package db

import (
	"context"
	"errors"
	"time"

	"github.com/ssabro/MailVista-sub002/internal/cache"
	"github.com/ssabro/MailVista-sub002/internal/models"
)

var (
	// ErrAccountNotFound is returned when an account has never been recorded.
	ErrAccountNotFound = errors.New("account not found")
	// ErrFolderNotFound is returned when a folder has no recorded sync state.
	ErrFolderNotFound = errors.New("folder not found")
)

// Repository is the durable mirror of the header cache. It outlives cache
// snapshot wipes and lets the API serve something while the server is unreachable.
type Repository interface {
	cache.HeaderSink

	EnsureAccount(ctx context.Context, email string) error
	ListAccounts(ctx context.Context) ([]string, error)
	DeleteAccount(ctx context.Context, email string) error

	RecordFolderSync(ctx context.Context, state models.FolderSyncState) error
	GetFolderSync(ctx context.Context, account, folder string) (*models.FolderSyncState, error)
	ListFolderSyncs(ctx context.Context, account string) ([]models.FolderSyncState, error)
	DeleteFolder(ctx context.Context, account, folder string) error

	// GetHeaders returns stored headers highest UID first, skipping offset rows.
	GetHeaders(ctx context.Context, account, folder string, offset, limit int) ([]models.CachedHeader, error)
	CountHeaders(ctx context.Context, account, folder string) (int, error)

	Close() error
}

func nonNilAddresses(addresses []models.Address) []models.Address {
	if addresses == nil {
		return []models.Address{}
	}
	return addresses
}

func nonNilFlags(flags []string) []string {
	if flags == nil {
		return []string{}
	}
	return flags
}

func sentAtOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}
