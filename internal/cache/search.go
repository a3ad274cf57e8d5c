package cache

import (
	"strings"
	"sync"
	"time"
)

const (
	DefaultSearchTTL        = 2 * time.Minute
	DefaultSearchMaxEntries = 50
)

type searchEntry struct {
	uids      []int64
	total     int
	timestamp time.Time
}

// SearchCache keeps ordered UID lists of recent searches for a short time.
// Entries expire after the TTL and the oldest entry is evicted once the global
// cap is reached. Nothing here is persisted.
type SearchCache struct {
	mu         sync.Mutex
	entries    map[string]*searchEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func NewSearchCache(ttl time.Duration, maxEntries int, now func() time.Time) *SearchCache {
	if ttl <= 0 {
		ttl = DefaultSearchTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultSearchMaxEntries
	}
	if now == nil {
		now = time.Now
	}
	return &SearchCache{
		entries:    make(map[string]*searchEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        now,
	}
}

// NormalizeQuery lowercases the query and collapses runs of whitespace.
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

func searchKey(account, folder, query string) string {
	return account + "\x00" + folder + "\x00" + NormalizeQuery(query)
}

func searchPrefix(account, folder string) string {
	if folder == "" {
		return account + "\x00"
	}
	return account + "\x00" + folder + "\x00"
}

// Get returns the cached UIDs for the search if the entry is still fresh.
func (c *SearchCache) Get(account, folder, query string) ([]int64, int, bool) {
	key := searchKey(account, folder, query)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, 0, false
	}
	if c.now().Sub(entry.timestamp) > c.ttl {
		delete(c.entries, key)
		return nil, 0, false
	}
	return append([]int64(nil), entry.uids...), entry.total, true
}

// Set stores a search result, evicting the oldest entry when full.
func (c *SearchCache) Set(account, folder, query string, uids []int64, total int) {
	key := searchKey(account, folder, query)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = &searchEntry{
		uids:      append([]int64(nil), uids...),
		total:     total,
		timestamp: c.now(),
	}
}

// Invalidate drops every entry for the folder, or for the whole account when
// folder is empty.
func (c *SearchCache) Invalidate(account, folder string) int {
	prefix := searchPrefix(account, folder)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *SearchCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*searchEntry)
	c.mu.Unlock()
}

func (c *SearchCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *SearchCache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.timestamp.Before(oldest) {
			oldestKey = key
			oldest = entry.timestamp
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
