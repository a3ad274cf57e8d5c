package cache

import (
	"sort"

	"github.com/ssabro/MailVista-sub002/internal/models"
)

// trimHeaders keeps the max newest headers by date (ties go to the higher UID)
// and returns how many were dropped.
func trimHeaders(fc *models.FolderCache, max int) int {
	if len(fc.Headers) <= max {
		return 0
	}

	headers := make([]models.CachedHeader, 0, len(fc.Headers))
	for _, h := range fc.Headers {
		headers = append(headers, h)
	}
	sort.Slice(headers, func(i, j int) bool {
		if !headers[i].Date.Equal(headers[j].Date) {
			return headers[i].Date.After(headers[j].Date)
		}
		return headers[i].UID > headers[j].UID
	})

	for _, h := range headers[max:] {
		delete(fc.Headers, h.UID)
	}
	return len(headers) - max
}

// evictFolders removes least recently accessed folders until at most max remain.
// The folder named keep is never chosen. It returns the evicted paths.
func evictFolders(folders map[string]*models.FolderCache, max int, keep string) []string {
	if len(folders) <= max {
		return nil
	}

	paths := make([]string, 0, len(folders))
	for path := range folders {
		if path != keep {
			paths = append(paths, path)
		}
	}
	sort.Slice(paths, func(i, j int) bool {
		a, b := folders[paths[i]].LastAccess, folders[paths[j]].LastAccess
		if !a.Equal(b) {
			return a.Before(b)
		}
		return paths[i] < paths[j]
	})

	var evicted []string
	for _, path := range paths {
		if len(folders) <= max {
			break
		}
		delete(folders, path)
		evicted = append(evicted, path)
	}
	return evicted
}
