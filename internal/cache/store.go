package cache

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ssabro/MailVista-sub002/internal/models"
)

const (
	DefaultMaxFoldersPerAccount = 30
	DefaultMaxHeadersPerFolder  = 500
	defaultSinkTimeout          = 30 * time.Second
)

// HeaderSink mirrors header writes into a durable repository.
// Calls happen off the caller's goroutine and their errors are only logged.
type HeaderSink interface {
	UpsertHeaders(ctx context.Context, account, folder string, uidValidity uint32, headers []models.CachedHeader) error
	DeleteUIDs(ctx context.Context, account, folder string, uids []int64) error
}

// Options configures a Store. Zero values fall back to the package defaults.
type Options struct {
	MaxFoldersPerAccount int
	MaxHeadersPerFolder  int
	// FilePath enables snapshot persistence when non-empty.
	FilePath        string
	PersistDebounce time.Duration
	Sink            HeaderSink
	SinkTimeout     time.Duration
	Now             func() time.Time
}

// Store is the in-memory folder cache: account -> folder path -> FolderCache.
// It is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	accounts map[string]map[string]*models.FolderCache

	maxFolders  int
	maxHeaders  int
	now         func() time.Time
	persister   *Persister
	sink        HeaderSink
	sinkTimeout time.Duration
	sinkWG      sync.WaitGroup
	logger      *logrus.Logger
}

// FolderStats summarizes one cached folder.
type FolderStats struct {
	Account     string    `json:"account"`
	Folder      string    `json:"folder"`
	UIDValidity uint32    `json:"uid_validity"`
	Headers     int       `json:"headers"`
	LastSync    time.Time `json:"last_sync"`
	LastAccess  time.Time `json:"last_access"`
}

// NewStore creates an empty store. Call Load to restore a previous snapshot and
// Close on shutdown so pending writes reach disk.
func NewStore(opts Options, logger *logrus.Logger) *Store {
	if opts.MaxFoldersPerAccount <= 0 {
		opts.MaxFoldersPerAccount = DefaultMaxFoldersPerAccount
	}
	if opts.MaxHeadersPerFolder <= 0 {
		opts.MaxHeadersPerFolder = DefaultMaxHeadersPerFolder
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = defaultSinkTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = discardLogger()
	}

	s := &Store{
		accounts:    make(map[string]map[string]*models.FolderCache),
		maxFolders:  opts.MaxFoldersPerAccount,
		maxHeaders:  opts.MaxHeadersPerFolder,
		now:         opts.Now,
		sink:        opts.Sink,
		sinkTimeout: opts.SinkTimeout,
		logger:      logger,
	}
	if opts.FilePath != "" {
		s.persister = NewPersister(opts.FilePath, opts.PersistDebounce, s.snapshot, logger)
	}
	return s
}

// Load replaces the in-memory state with the snapshot on disk, if any.
func (s *Store) Load() error {
	if s.persister == nil {
		return nil
	}
	accounts, err := s.persister.Load()
	if err != nil {
		return err
	}
	if accounts == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, folders := range accounts {
		for path, fc := range folders {
			if fc == nil {
				delete(folders, path)
				continue
			}
			if fc.Headers == nil {
				fc.Headers = make(map[int64]models.CachedHeader)
			}
			trimHeaders(fc, s.maxHeaders)
		}
		evictFolders(folders, s.maxFolders, "")
	}
	s.accounts = accounts
	return nil
}

// Get returns a copy of the folder cache, or nil if nothing is cached.
func (s *Store) Get(account, folder string) *models.FolderCache {
	s.mu.Lock()
	defer s.mu.Unlock()

	fc := s.folderLocked(account, folder)
	if fc == nil {
		return nil
	}
	fc.LastAccess = s.now()
	return fc.Clone()
}

// Set stores fc for the folder, applying both LRU caps.
func (s *Store) Set(account, folder string, fc *models.FolderCache) {
	if fc == nil {
		return
	}
	s.mu.Lock()
	s.setLocked(account, folder, fc.Clone())
	s.mu.Unlock()
	s.markDirty()
}

func (s *Store) setLocked(account, folder string, fc *models.FolderCache) {
	if fc.Headers == nil {
		fc.Headers = make(map[int64]models.CachedHeader)
	}
	if dropped := trimHeaders(fc, s.maxHeaders); dropped > 0 {
		s.logger.WithFields(logrus.Fields{"account": account, "folder": folder, "dropped": dropped}).
			Debug("Trimmed folder cache to header cap")
	}
	if fc.LastAccess.IsZero() {
		fc.LastAccess = s.now()
	}

	folders, ok := s.accounts[account]
	if !ok {
		folders = make(map[string]*models.FolderCache)
		s.accounts[account] = folders
	}
	folders[folder] = fc

	for _, evicted := range evictFolders(folders, s.maxFolders, folder) {
		s.logger.WithFields(logrus.Fields{"account": account, "folder": evicted}).Debug("Evicted folder from cache")
	}
}

// UpsertHeaders merges headers into the folder cache for the given epoch.
// A cache from a different UIDVALIDITY epoch is replaced, never merged.
// Headers are mirrored to the sink in the background.
func (s *Store) UpsertHeaders(account, folder string, headers []models.CachedHeader, uidValidity uint32) {
	now := s.now()
	accepted := make([]models.CachedHeader, 0, len(headers))

	s.mu.Lock()
	fc := s.folderLocked(account, folder)
	if fc == nil || fc.UIDValidity != uidValidity {
		fc = models.NewFolderCache(uidValidity)
	}
	for _, h := range headers {
		if h.UID <= 0 {
			continue
		}
		h = h.Clone()
		h.Flags = dedupeFlags(h.Flags)
		fc.Headers[h.UID] = h
		accepted = append(accepted, h.Clone())
	}
	fc.LastSync = now
	fc.LastAccess = now
	s.setLocked(account, folder, fc)
	s.mu.Unlock()

	s.markDirty()

	if len(accepted) > 0 {
		s.forward(account, folder, func(ctx context.Context) error {
			return s.sink.UpsertHeaders(ctx, account, folder, uidValidity, accepted)
		})
	}
}

// GetPage returns headers sorted by UID descending, starting at the 1-based
// position start. It returns nil when the folder is not cached or empty.
func (s *Store) GetPage(account, folder string, start, limit int) []models.CachedHeader {
	s.mu.Lock()
	defer s.mu.Unlock()

	fc := s.folderLocked(account, folder)
	if fc == nil || len(fc.Headers) == 0 {
		return nil
	}
	fc.LastAccess = s.now()

	uids := fc.SortedUIDs()
	from, to := PageBounds(len(uids), start, limit)
	page := make([]models.CachedHeader, 0, to-from)
	for _, uid := range uids[from:to] {
		page = append(page, fc.Headers[uid].Clone())
	}
	return page
}

// Count returns the number of cached headers for the folder.
func (s *Store) Count(account, folder string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fc := s.folderLocked(account, folder); fc != nil {
		return len(fc.Headers)
	}
	return 0
}

// UIDs returns the epoch and the set of cached UIDs for the folder.
func (s *Store) UIDs(account, folder string) (uint32, map[int64]struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fc := s.folderLocked(account, folder)
	if fc == nil {
		return 0, nil, false
	}
	uids := make(map[int64]struct{}, len(fc.Headers))
	for uid := range fc.Headers {
		uids[uid] = struct{}{}
	}
	return fc.UIDValidity, uids, true
}

// Lookup returns the cached headers for the given UIDs that are present.
func (s *Store) Lookup(account, folder string, uids []int64) map[int64]models.CachedHeader {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int64]models.CachedHeader, len(uids))
	fc := s.folderLocked(account, folder)
	if fc == nil {
		return out
	}
	for _, uid := range uids {
		if h, ok := fc.Headers[uid]; ok {
			out[uid] = h.Clone()
		}
	}
	return out
}

// RemoveUIDs drops the given UIDs and returns how many were present.
func (s *Store) RemoveUIDs(account, folder string, uids []int64) int {
	s.mu.Lock()
	removed := make([]int64, 0, len(uids))
	if fc := s.folderLocked(account, folder); fc != nil {
		for _, uid := range uids {
			if _, ok := fc.Headers[uid]; ok {
				delete(fc.Headers, uid)
				removed = append(removed, uid)
			}
		}
	}
	s.mu.Unlock()

	if len(removed) == 0 {
		return 0
	}
	s.markDirty()
	s.forward(account, folder, func(ctx context.Context) error {
		return s.sink.DeleteUIDs(ctx, account, folder, removed)
	})
	return len(removed)
}

// UpdateFlags replaces the flags of cached headers. UIDs that are not cached
// are ignored. It returns how many headers changed.
func (s *Store) UpdateFlags(account, folder string, updates map[int64][]string) int {
	s.mu.Lock()
	updated := 0
	if fc := s.folderLocked(account, folder); fc != nil {
		for uid, flags := range updates {
			h, ok := fc.Headers[uid]
			if !ok {
				continue
			}
			h.Flags = dedupeFlags(flags)
			fc.Headers[uid] = h
			updated++
		}
	}
	s.mu.Unlock()

	if updated > 0 {
		s.markDirty()
	}
	return updated
}

func (s *Store) InvalidateFolder(account, folder string) {
	s.mu.Lock()
	removed := false
	if folders, ok := s.accounts[account]; ok {
		if _, ok := folders[folder]; ok {
			delete(folders, folder)
			removed = true
		}
		if len(folders) == 0 {
			delete(s.accounts, account)
		}
	}
	s.mu.Unlock()

	if removed {
		s.markDirty()
	}
}

func (s *Store) InvalidateAccount(account string) {
	s.mu.Lock()
	_, removed := s.accounts[account]
	delete(s.accounts, account)
	s.mu.Unlock()

	if removed {
		s.markDirty()
	}
}

func (s *Store) InvalidateAll() {
	s.mu.Lock()
	s.accounts = make(map[string]map[string]*models.FolderCache)
	s.mu.Unlock()
	s.markDirty()
}

// Stats lists every cached folder, ordered by account then folder.
func (s *Store) Stats() []FolderStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats []FolderStats
	for account, folders := range s.accounts {
		for path, fc := range folders {
			stats = append(stats, FolderStats{
				Account:     account,
				Folder:      path,
				UIDValidity: fc.UIDValidity,
				Headers:     len(fc.Headers),
				LastSync:    fc.LastSync,
				LastAccess:  fc.LastAccess,
			})
		}
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Account != stats[j].Account {
			return stats[i].Account < stats[j].Account
		}
		return stats[i].Folder < stats[j].Folder
	})
	return stats
}

// Flush writes the current state to disk immediately.
func (s *Store) Flush() error {
	if s.persister == nil {
		return nil
	}
	return s.persister.Flush()
}

// Close flushes pending state and waits for in-flight repository writes.
func (s *Store) Close() error {
	var err error
	if s.persister != nil {
		err = s.persister.Close()
	}
	s.sinkWG.Wait()
	return err
}

func (s *Store) folderLocked(account, folder string) *models.FolderCache {
	folders, ok := s.accounts[account]
	if !ok {
		return nil
	}
	return folders[folder]
}

func (s *Store) markDirty() {
	if s.persister != nil {
		s.persister.MarkDirty()
	}
}

func (s *Store) forward(account, folder string, write func(ctx context.Context) error) {
	if s.sink == nil {
		return
	}
	s.sinkWG.Add(1)
	go func() {
		defer s.sinkWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.sinkTimeout)
		defer cancel()
		if err := write(ctx); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{"account": account, "folder": folder}).
				Warn("Failed to mirror header cache to repository")
		}
	}()
}

// snapshot deep-copies the whole map for the persister.
func (s *Store) snapshot() map[string]map[string]*models.FolderCache {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]map[string]*models.FolderCache, len(s.accounts))
	for account, folders := range s.accounts {
		copied := make(map[string]*models.FolderCache, len(folders))
		for path, fc := range folders {
			copied[path] = fc.Clone()
		}
		out[account] = copied
	}
	return out
}

// PageBounds converts a 1-based start and a limit into slice bounds over n items.
func PageBounds(n, start, limit int) (int, int) {
	if start < 1 {
		start = 1
	}
	if limit < 0 {
		limit = 0
	}
	from := start - 1
	if from > n {
		from = n
	}
	to := from + limit
	if to > n {
		to = n
	}
	return from, to
}

func dedupeFlags(flags []string) []string {
	if len(flags) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(flags))
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
