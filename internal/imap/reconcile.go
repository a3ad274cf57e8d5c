package imap

import (
	"fmt"
	"sort"

	"github.com/emersion/go-imap"
	"github.com/sirupsen/logrus"
	"github.com/ssabro/MailVista-sub002/internal/cache"
	"github.com/ssabro/MailVista-sub002/internal/models"
)

type reconcileStats struct {
	UIDValidity    uint32
	Deleted        int
	Fetched        int
	FlagsRefreshed int
	Rollover       bool
}

// reconcile brings the cached copy of a folder in line with the server and
// builds the requested page. The caller holds the folder lock.
func (s *Service) reconcile(conn *Conn, account, folder string, opts PageOptions) (*models.Page, reconcileStats, error) {
	var stats reconcileStats
	log := s.logger.WithFields(logrus.Fields{"account": account, "folder": folder})

	lock, err := conn.LockMailbox(folder, true)
	if err != nil {
		return nil, stats, err
	}
	defer s.releaseLock(lock)

	status := lock.Status
	stats.UIDValidity = status.UidValidity

	if cachedValidity, _, ok := s.store.UIDs(account, folder); ok && cachedValidity != status.UidValidity {
		log.WithFields(logrus.Fields{"cached": cachedValidity, "server": status.UidValidity}).Debug("UIDVALIDITY changed, discarding cached headers")
		s.InvalidateFolder(account, folder)
		stats.Rollover = true
	}

	if status.Messages == 0 {
		if !opts.UnreadOnly {
			s.InvalidateFolder(account, folder)
		}
		return emptyPage(), stats, nil
	}

	sess := conn.Session()
	criteria := imap.NewSearchCriteria()
	if opts.UnreadOnly {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	raw, err := sess.UidSearch(criteria)
	if err != nil {
		return nil, stats, fmt.Errorf("failed to search folder %s: %w", folder, err)
	}

	serverUIDs := sortDescending(validUIDs(raw))
	if len(serverUIDs) == 0 {
		if opts.UnreadOnly {
			return emptyPage(), stats, nil
		}
		log.WithField("messages", status.Messages).Debug("Server returned no UIDs, falling back to sequence numbers")
		headers := s.fetchBySequence(sess, log, status.Messages, opts)
		return &models.Page{Headers: headers, Total: int(status.Messages)}, stats, nil
	}

	authoritative := make(map[int64]struct{}, len(serverUIDs))
	for _, uid := range serverUIDs {
		authoritative[uid] = struct{}{}
	}

	_, cached, _ := s.store.UIDs(account, folder)
	if cached == nil {
		cached = map[int64]struct{}{}
	}

	if !opts.UnreadOnly {
		var gone []int64
		for uid := range cached {
			if _, ok := authoritative[uid]; !ok {
				gone = append(gone, uid)
			}
		}
		if len(gone) > 0 {
			stats.Deleted = s.store.RemoveUIDs(account, folder, gone)
			for _, uid := range gone {
				delete(cached, uid)
			}
		}
	}

	from, to := cache.PageBounds(len(serverUIDs), opts.Start, opts.Limit)
	pageUIDs := serverUIDs[from:to]

	wanted := make(map[int64]struct{}, len(pageUIDs))
	for _, uid := range pageUIDs {
		wanted[uid] = struct{}{}
	}
	newest := serverUIDs
	if len(newest) > s.maxHeaders {
		newest = newest[:s.maxHeaders]
	}
	for _, uid := range newest {
		wanted[uid] = struct{}{}
	}

	var missing []uint32
	for _, uid := range serverUIDs {
		if _, ok := wanted[uid]; !ok {
			continue
		}
		if _, ok := cached[uid]; !ok {
			missing = append(missing, uint32(uid))
		}
	}
	var refresh []uint32
	for _, uid := range pageUIDs {
		if _, ok := cached[uid]; ok {
			refresh = append(refresh, uint32(uid))
		}
	}

	fetched := s.fetchHeaders(sess, log, missing)
	flags := s.fetchFlags(sess, log, refresh)

	// Always upsert, even with nothing new, so the epoch and LastSync are recorded.
	upserts := make([]models.CachedHeader, 0, len(fetched))
	for _, h := range fetched {
		upserts = append(upserts, h)
	}
	s.store.UpsertHeaders(account, folder, upserts, status.UidValidity)
	if len(flags) > 0 {
		stats.FlagsRefreshed = s.store.UpdateFlags(account, folder, flags)
	}
	stats.Fetched = len(fetched)
	if stats.Deleted+stats.Fetched > 0 {
		s.searches.Invalidate(account, folder)
	}

	fromCache := s.store.Lookup(account, folder, pageUIDs)
	headers := make([]models.CachedHeader, 0, len(pageUIDs))
	for _, uid := range pageUIDs {
		if h, ok := fetched[uid]; ok {
			headers = append(headers, h)
			continue
		}
		if h, ok := fromCache[uid]; ok {
			if f, ok := flags[uid]; ok {
				h.Flags = f
			}
			headers = append(headers, h)
		}
	}

	return &models.Page{Headers: headers, Total: len(serverUIDs)}, stats, nil
}

// fetchHeaders downloads headers in chunks. A failing chunk or a message the
// server could not parse is skipped so the rest of the page still renders.
func (s *Service) fetchHeaders(sess Session, log *logrus.Entry, uids []uint32) map[int64]models.CachedHeader {
	out := make(map[int64]models.CachedHeader, len(uids))

	for start := 0; start < len(uids); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(uids) {
			end = len(uids)
		}
		chunk := uids[start:end]

		messages, err := FetchMessageHeaders(sess, chunk)
		if err != nil {
			log.WithField("uid_count", len(chunk)).WithError(err).Warn("Failed to fetch header chunk, skipping")
			if isBrokenConnectionError(err) {
				break
			}
			continue
		}

		for _, msg := range messages {
			header, ok := ParseHeader(msg)
			if !ok || header.UID <= 0 {
				log.WithField("uid", msg.Uid).Warn("Skipping message without envelope")
				continue
			}
			out[header.UID] = header
		}
	}

	return out
}

func (s *Service) fetchFlags(sess Session, log *logrus.Entry, uids []uint32) map[int64][]string {
	out := make(map[int64][]string, len(uids))
	if len(uids) == 0 {
		return out
	}

	messages, err := FetchMessageFlags(sess, uids)
	if err != nil {
		log.WithField("uid_count", len(uids)).WithError(err).Warn("Failed to refresh flags")
	}
	for _, msg := range messages {
		if msg.Uid == 0 {
			continue
		}
		out[int64(msg.Uid)] = append([]string{}, msg.Flags...)
	}
	return out
}

// fetchBySequence builds a page from sequence numbers, newest first. Headers
// without a UID get the negated sequence number and are never cached.
func (s *Service) fetchBySequence(sess Session, log *logrus.Entry, total uint32, opts PageOptions) []models.CachedHeader {
	from, to := cache.PageBounds(int(total), opts.Start, opts.Limit)
	if from >= to {
		return []models.CachedHeader{}
	}
	// Position 1 is the highest sequence number.
	hi := total - uint32(from)
	lo := total - uint32(to) + 1

	messages, err := FetchSequenceRange(sess, lo, hi)
	if err != nil {
		log.WithError(err).Warn("Failed to fetch messages by sequence number")
	}

	sort.Slice(messages, func(i, j int) bool { return messages[i].SeqNum > messages[j].SeqNum })

	headers := make([]models.CachedHeader, 0, len(messages))
	for _, msg := range messages {
		header, ok := ParseHeader(msg)
		if !ok {
			log.WithField("seq", msg.SeqNum).Warn("Skipping message without envelope")
			continue
		}
		if msg.Uid == 0 {
			header.UID = -int64(msg.SeqNum)
		}
		headers = append(headers, header)
	}
	return headers
}

// validUIDs drops zero UIDs and duplicates, keeping server order.
func validUIDs(raw []uint32) []int64 {
	seen := make(map[uint32]struct{}, len(raw))
	out := make([]int64, 0, len(raw))
	for _, uid := range raw {
		if uid == 0 {
			continue
		}
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, int64(uid))
	}
	return out
}

func sortDescending(uids []int64) []int64 {
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	return uids
}

func emptyPage() *models.Page {
	return &models.Page{Headers: []models.CachedHeader{}, Total: 0}
}
