package imap

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/ssabro/MailVista-sub002/internal/cache"
	"github.com/ssabro/MailVista-sub002/internal/models"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultPageSize       = 50
	defaultFetchChunkSize = 100
)

// SyncRecorder keeps durable per-folder bookkeeping next to the header mirror.
// It is optional; a nil recorder disables it.
type SyncRecorder interface {
	RecordFolderSync(ctx context.Context, state models.FolderSyncState) error
	DeleteFolder(ctx context.Context, account, folder string) error
}

// ServiceOptions configures a Service. Zero values fall back to defaults.
type ServiceOptions struct {
	DefaultPageSize     int
	MaxHeadersPerFolder int
	FetchChunkSize      int
	Recorder            SyncRecorder
}

// PageOptions selects one page of a folder listing.
// Start is 1-based; UnreadOnly switches to the unread view.
type PageOptions struct {
	Start      int
	Limit      int
	UnreadOnly bool
}

// Service is the read path and mutation API on top of the pool and the caches.
type Service struct {
	pool     *Pool
	store    *cache.Store
	searches *cache.SearchCache
	recorder SyncRecorder
	logger   *logrus.Logger

	pageSize   int
	maxHeaders int
	chunkSize  int

	group       singleflight.Group
	locksMu     sync.Mutex
	folderLocks map[string]*sync.Mutex
}

// NewService creates a new IMAP service.
func NewService(pool *Pool, store *cache.Store, searches *cache.SearchCache, opts ServiceOptions, logger *logrus.Logger) *Service {
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = DefaultPageSize
	}
	if opts.MaxHeadersPerFolder <= 0 {
		opts.MaxHeadersPerFolder = cache.DefaultMaxHeadersPerFolder
	}
	if opts.FetchChunkSize <= 0 {
		opts.FetchChunkSize = defaultFetchChunkSize
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &Service{
		pool:        pool,
		store:       store,
		searches:    searches,
		recorder:    opts.Recorder,
		logger:      logger,
		pageSize:    opts.DefaultPageSize,
		maxHeaders:  opts.MaxHeadersPerFolder,
		chunkSize:   opts.FetchChunkSize,
		folderLocks: make(map[string]*sync.Mutex),
	}
}

// ListPage reconciles the folder against the server and returns one page of it.
// Identical concurrent requests share a single reconciliation. The shared work
// runs detached from the ctx of whichever caller started it and is bounded by
// the pool's acquire timeout; each caller returns as soon as its own ctx ends.
func (s *Service) ListPage(ctx context.Context, account, folder string, opts PageOptions) (*models.Page, error) {
	opts = s.normalize(opts)
	key := fmt.Sprintf("%s\x00%s\x00%d\x00%d\x00%t", account, folder, opts.Start, opts.Limit, opts.UnreadOnly)
	workCtx := context.WithoutCancel(ctx)

	ch := s.group.DoChan(key, func() (interface{}, error) {
		return s.listPage(workCtx, account, folder, opts)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.Page), nil
	}
}

func (s *Service) listPage(ctx context.Context, account, folder string, opts PageOptions) (*models.Page, error) {
	unlock := s.lockFolder(account, folder)
	defer unlock()

	var page *models.Page
	err := s.withConn(ctx, account, func(conn *Conn) error {
		var stats reconcileStats
		var err error
		page, stats, err = s.reconcile(conn, account, folder, opts)
		if err != nil {
			return err
		}
		s.logger.WithFields(logrus.Fields{
			"account":         account,
			"folder":          folder,
			"deleted":         stats.Deleted,
			"fetched":         stats.Fetched,
			"flags_refreshed": stats.FlagsRefreshed,
			"total":           page.Total,
		}).Debug("Reconciled folder")
		if !opts.UnreadOnly && stats.UIDValidity != 0 {
			s.recordSync(ctx, account, folder, stats.UIDValidity, page.Total)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// CachedPage serves a page from the local cache only, without touching the
// server. It returns nil when the folder has never been cached.
func (s *Service) CachedPage(account, folder string, start, limit int) *models.Page {
	opts := s.normalize(PageOptions{Start: start, Limit: limit})
	headers := s.store.GetPage(account, folder, opts.Start, opts.Limit)
	if headers == nil {
		return nil
	}
	return &models.Page{
		Headers: headers,
		Total:   s.store.Count(account, folder),
		Stale:   true,
	}
}

// ListFolders lists the folders of an account.
func (s *Service) ListFolders(ctx context.Context, account string) ([]*models.Folder, error) {
	var folders []*models.Folder
	err := s.withConn(ctx, account, func(conn *Conn) error {
		var err error
		folders, err = ListFolders(conn.Session())
		return err
	})
	return folders, err
}

// Download returns the raw RFC 822 message. It does not mark the message as read.
func (s *Service) Download(ctx context.Context, account, folder string, uid int64) ([]byte, error) {
	if uid <= 0 {
		return nil, fmt.Errorf("invalid UID %d", uid)
	}

	var raw []byte
	err := s.withConn(ctx, account, func(conn *Conn) error {
		lock, err := conn.LockMailbox(folder, true)
		if err != nil {
			return err
		}
		defer s.releaseLock(lock)

		raw, err = FetchRawMessage(conn.Session(), uint32(uid))
		return err
	})
	return raw, err
}

// CacheStats describes every folder currently held in memory.
func (s *Service) CacheStats() []cache.FolderStats {
	return s.store.Stats()
}

// PoolStats describes the connections held for an account.
func (s *Service) PoolStats(account string) PoolStats {
	return s.pool.Stats(account)
}

// InvalidateFolder drops the cached headers and searches of one folder.
func (s *Service) InvalidateFolder(account, folder string) {
	s.store.InvalidateFolder(account, folder)
	s.searches.Invalidate(account, folder)
}

// InvalidateAccount drops everything cached for an account.
func (s *Service) InvalidateAccount(account string) {
	s.store.InvalidateAccount(account)
	s.searches.Invalidate(account, "")
}

// ClearAllCache drops every cached folder and search.
func (s *Service) ClearAllCache() {
	s.store.InvalidateAll()
	s.searches.Clear()
}

// Close closes the service and cleans up connections.
// Pending cache writes are flushed to disk.
func (s *Service) Close() error {
	s.pool.Close()
	return s.store.Close()
}

// withConn runs fn on a pooled connection. Connections that failed at the
// transport level are dropped instead of being returned to the pool.
func (s *Service) withConn(ctx context.Context, account string, fn func(conn *Conn) error) error {
	conn, err := s.pool.Acquire(ctx, account)
	if err != nil {
		return fmt.Errorf("failed to acquire IMAP connection: %w", err)
	}

	err = fn(conn)
	if isBrokenConnectionError(err) {
		s.logger.WithFields(logrus.Fields{"account": account, "conn_id": conn.ID()}).WithError(err).Warn("Dropping broken IMAP connection")
		s.pool.Remove(conn)
	} else {
		s.pool.Release(conn)
	}
	return err
}

func (s *Service) releaseLock(lock *MailboxLock) {
	if err := lock.Release(); err != nil {
		s.logger.WithError(err).WithField("folder", lock.Path).Debug("Failed to release mailbox lock")
	}
}

// lockFolder serializes work on one folder of one account.
func (s *Service) lockFolder(account, folder string) func() {
	key := account + "\x00" + folder

	s.locksMu.Lock()
	mu, ok := s.folderLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.folderLocks[key] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// dropFolder forgets everything known about a folder, including the durable mirror.
func (s *Service) dropFolder(ctx context.Context, account, folder string) {
	s.InvalidateFolder(account, folder)
	if s.recorder == nil {
		return
	}
	if err := s.recorder.DeleteFolder(ctx, account, folder); err != nil {
		s.logger.WithFields(logrus.Fields{"account": account, "folder": folder}).WithError(err).Warn("Failed to delete folder from repository")
	}
}

func (s *Service) recordSync(ctx context.Context, account, folder string, uidValidity uint32, total int) {
	if s.recorder == nil {
		return
	}
	state := models.FolderSyncState{
		Account:      account,
		Folder:       folder,
		UIDValidity:  uidValidity,
		MessageCount: total,
	}
	if err := s.recorder.RecordFolderSync(ctx, state); err != nil {
		s.logger.WithFields(logrus.Fields{"account": account, "folder": folder}).WithError(err).Warn("Failed to record folder sync")
	}
}

func (s *Service) normalize(opts PageOptions) PageOptions {
	if opts.Start < 1 {
		opts.Start = 1
	}
	if opts.Limit <= 0 {
		opts.Limit = s.pageSize
	}
	return opts
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
