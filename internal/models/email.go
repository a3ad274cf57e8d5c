package models

import (
	"sort"
	"time"
)

// Folder is a mailbox as reported by LIST, with its role derived from SPECIAL-USE attributes.
type Folder struct {
	Name       string   `json:"name"`
	Delimiter  string   `json:"delimiter,omitempty"`
	Role       string   `json:"role"`
	Attributes []string `json:"attributes,omitempty"`
}

type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// CachedHeader is the per-message summary kept in the folder cache.
// UID is negative only for synthetic placeholders built from sequence numbers,
// and such headers are never written to a cache.
type CachedHeader struct {
	UID           int64     `json:"uid"`
	MessageID     string    `json:"message_id"`
	Subject       string    `json:"subject"`
	From          []Address `json:"from"`
	To            []Address `json:"to"`
	Date          time.Time `json:"date"`
	Flags         []string  `json:"flags"`
	HasAttachment bool      `json:"has_attachment"`
}

// HasFlag reports whether the header carries the given flag.
func (h CachedHeader) HasFlag(flag string) bool {
	for _, f := range h.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with h.
func (h CachedHeader) Clone() CachedHeader {
	out := h
	out.From = append([]Address(nil), h.From...)
	out.To = append([]Address(nil), h.To...)
	out.Flags = append([]string(nil), h.Flags...)
	return out
}

// FolderCache holds the cached headers of one folder for one UIDVALIDITY epoch.
type FolderCache struct {
	UIDValidity uint32                 `json:"uid_validity"`
	Headers     map[int64]CachedHeader `json:"headers"`
	LastSync    time.Time              `json:"last_sync"`
	LastAccess  time.Time              `json:"last_access"`
}

// NewFolderCache returns an empty cache for the given epoch.
func NewFolderCache(uidValidity uint32) *FolderCache {
	return &FolderCache{
		UIDValidity: uidValidity,
		Headers:     make(map[int64]CachedHeader),
	}
}

// Clone deep-copies the folder cache.
func (fc *FolderCache) Clone() *FolderCache {
	if fc == nil {
		return nil
	}
	out := &FolderCache{
		UIDValidity: fc.UIDValidity,
		Headers:     make(map[int64]CachedHeader, len(fc.Headers)),
		LastSync:    fc.LastSync,
		LastAccess:  fc.LastAccess,
	}
	for uid, h := range fc.Headers {
		out.Headers[uid] = h.Clone()
	}
	return out
}

// SortedUIDs returns the cached UIDs, highest first.
func (fc *FolderCache) SortedUIDs() []int64 {
	uids := make([]int64, 0, len(fc.Headers))
	for uid := range fc.Headers {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	return uids
}

// Page is one slice of a folder listing or search result.
// Total counts every matching message on the server, not just this page.
type Page struct {
	Headers []CachedHeader `json:"headers"`
	Total   int            `json:"total"`
	Stale   bool           `json:"stale,omitempty"`
}
