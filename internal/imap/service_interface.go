package imap

import (
	"context"
	"time"

	"github.com/ssabro/MailVista-sub002/internal/cache"
	"github.com/ssabro/MailVista-sub002/internal/models"
)

// MailService defines the operations the HTTP layer needs.
// This interface allows handlers to be tested with mock implementations.
type MailService interface {
	// ListPage reconciles a folder with the server and returns one page of headers.
	ListPage(ctx context.Context, account, folder string, opts PageOptions) (*models.Page, error)

	// CachedPage returns a page from the local cache only, or nil if the folder was never cached.
	CachedPage(account, folder string, start, limit int) *models.Page

	// Search returns one page of messages matching the query.
	Search(ctx context.Context, account, folder, query string, opts PageOptions) (*models.Page, error)

	ListFolders(ctx context.Context, account string) ([]*models.Folder, error)

	SetFlags(ctx context.Context, account, folder string, uids []int64, flags []string, add bool) error
	MoveMessages(ctx context.Context, account, folder, dest string, uids []int64) error
	DeleteMessages(ctx context.Context, account, folder string, uids []int64) error
	AppendMessage(ctx context.Context, account, folder string, flags []string, date time.Time, raw []byte) error
	Download(ctx context.Context, account, folder string, uid int64) ([]byte, error)

	CreateFolder(ctx context.Context, account, name string) error
	DeleteFolder(ctx context.Context, account, name string) error
	RenameFolder(ctx context.Context, account, oldName, newName string) error

	InvalidateFolder(account, folder string)
	InvalidateAccount(account string)
	ClearAllCache()
	CacheStats() []cache.FolderStats

	// StartIdleListener blocks until ctx is canceled, pushing INBOX changes to the notifier.
	StartIdleListener(ctx context.Context, account string, notifier Notifier)
}

// Ensure Service implements MailService interface
var _ MailService = (*Service)(nil)
