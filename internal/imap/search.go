package imap

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
	"github.com/ssabro/MailVista-sub002/internal/cache"
	"github.com/ssabro/MailVista-sub002/internal/models"
)

// uidSorter is implemented by sortthread.SortClient.
type uidSorter interface {
	UidSort(sortCriteria []sortthread.SortCriterion, searchCriteria *imap.SearchCriteria) ([]uint32, error)
}

var newestFirst = []sortthread.SortCriterion{{Field: sortthread.SortDate, Reverse: true}}

// sorterFor returns a SORT-capable view of the session when the server
// advertises the SORT extension.
func sorterFor(sess Session) (uidSorter, bool) {
	if ok, err := sess.Support("SORT"); err != nil || !ok {
		return nil, false
	}
	switch c := sess.(type) {
	case *imapclient.Client:
		return sortthread.NewSortClient(c), true
	case uidSorter:
		return c, true
	}
	return nil, false
}

// Search runs a query against a folder and returns one page of matches.
// A folder: term in the query overrides the folder argument. Matching UIDs
// are cached for a short while so paging through results does not search again.
func (s *Service) Search(ctx context.Context, account, folder, query string, opts PageOptions) (*models.Page, error) {
	override, criteria, err := ParseSearchQuery(query)
	if err != nil {
		return nil, err
	}
	if override != "" {
		folder = override
	}
	if folder == "" {
		folder = "INBOX"
	}
	opts = s.normalize(opts)

	unlock := s.lockFolder(account, folder)
	defer unlock()

	var page *models.Page
	err = s.withConn(ctx, account, func(conn *Conn) error {
		var err error
		page, err = s.search(conn, account, folder, query, criteria, opts)
		return err
	})
	return page, err
}

func (s *Service) search(conn *Conn, account, folder, query string, criteria *imap.SearchCriteria, opts PageOptions) (*models.Page, error) {
	log := s.logger.WithFields(logrus.Fields{"account": account, "folder": folder})

	lock, err := conn.LockMailbox(folder, true)
	if err != nil {
		return nil, err
	}
	defer s.releaseLock(lock)

	uidValidity := lock.Status.UidValidity
	if cachedValidity, _, ok := s.store.UIDs(account, folder); ok && cachedValidity != uidValidity {
		log.Debug("UIDVALIDITY changed, discarding cached headers")
		s.InvalidateFolder(account, folder)
	}

	sess := conn.Session()
	uids, total, ok := s.searches.Get(account, folder, query)
	if !ok {
		uids, err = s.runSearch(sess, log, criteria)
		if err != nil {
			return nil, err
		}
		total = len(uids)
		s.searches.Set(account, folder, query, uids, total)
	}

	from, to := cache.PageBounds(len(uids), opts.Start, opts.Limit)
	pageUIDs := uids[from:to]

	cached := s.store.Lookup(account, folder, pageUIDs)
	var missing []uint32
	for _, uid := range pageUIDs {
		if _, ok := cached[uid]; !ok {
			missing = append(missing, uint32(uid))
		}
	}

	fetched := s.fetchHeaders(sess, log, missing)
	if len(fetched) > 0 {
		upserts := make([]models.CachedHeader, 0, len(fetched))
		for _, h := range fetched {
			upserts = append(upserts, h)
		}
		s.store.UpsertHeaders(account, folder, upserts, uidValidity)
	}

	headers := make([]models.CachedHeader, 0, len(pageUIDs))
	for _, uid := range pageUIDs {
		if h, ok := fetched[uid]; ok {
			headers = append(headers, h)
		} else if h, ok := cached[uid]; ok {
			headers = append(headers, h)
		}
	}

	return &models.Page{Headers: headers, Total: total}, nil
}

// runSearch returns matching UIDs newest first: by date when the server can
// sort, by UID otherwise.
func (s *Service) runSearch(sess Session, log *logrus.Entry, criteria *imap.SearchCriteria) ([]int64, error) {
	if sorter, ok := sorterFor(sess); ok {
		uids, err := sorter.UidSort(newestFirst, criteria)
		if err == nil {
			return validUIDs(uids), nil
		}
		log.WithError(err).Warn("SORT failed, falling back to SEARCH")
	}

	raw, err := sess.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	return sortDescending(validUIDs(raw)), nil
}
