package imap

import (
	"context"
	"encoding/json"
	"time"

	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
)

// idleListenerSleep is the backoff duration after an error before retrying IDLE.
const idleListenerSleep = 10 * time.Second

const idleFolder = "INBOX"

// idleActivityCheck is how often a running IDLE loop checks that someone is
// still listening.
var idleActivityCheck = 5 * time.Second

// Notifier delivers push events to the clients watching an account.
type Notifier interface {
	Send(account string, payload []byte)
	ActiveConnections(account string) int
}

// MailboxChangedEvent is pushed when the server reports a change in INBOX.
type MailboxChangedEvent struct {
	Type    string `json:"type"`
	Account string `json:"account"`
	Folder  string `json:"folder"`
	Total   int    `json:"total"`
}

// StartIdleListener runs an IMAP IDLE loop for an account and pushes
// mailbox_changed events to the notifier. It listens on INBOX only, on a
// session of its own outside the pool.
// This function blocks until the context is canceled.
func (s *Service) StartIdleListener(ctx context.Context, account string, notifier Notifier) {
	log := s.logger.WithField("account", account)

	for {
		if ctx.Err() != nil {
			return
		}

		// If the account has no active WebSocket connections, avoid doing work.
		if notifier.ActiveConnections(account) == 0 {
			if !sleepCtx(ctx, idleListenerSleep) {
				return
			}
			continue
		}

		sess, err := s.pool.dial(ctx, account)
		if err != nil {
			log.WithError(err).Warn("IMAP IDLE: failed to open listener session")
			if !sleepCtx(ctx, idleListenerSleep) {
				return
			}
			continue
		}

		c, ok := sess.(*imapclient.Client)
		if !ok {
			log.Warn("IMAP IDLE: session does not support IDLE, listener stopped")
			_ = sess.Logout()
			return
		}

		s.runIdleLoop(ctx, account, c, notifier)
		_ = c.Logout()

		if !sleepCtx(ctx, idleListenerSleep) {
			return
		}
	}
}

// runIdleLoop runs the IDLE command and handles mailbox updates.
func (s *Service) runIdleLoop(ctx context.Context, account string, c *imapclient.Client, notifier Notifier) {
	log := s.logger.WithField("account", account)

	updates := make(chan imapclient.Update, 10)
	c.Updates = updates

	if _, err := c.Select(idleFolder, true); err != nil {
		log.WithError(err).Warn("IMAP IDLE: failed to select INBOX")
		return
	}

	idleClient := idle.NewClient(c)

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idleClient.IdleWithFallback(stop, 5*time.Second)
	}()

	ticker := time.NewTicker(idleActivityCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(stop)
			<-done
			return
		case <-ticker.C:
			if notifier.ActiveConnections(account) == 0 {
				log.Debug("IMAP IDLE: no listeners left, closing session")
				close(stop)
				<-done
				return
			}
		case err := <-done:
			if err != nil {
				log.WithError(err).Warn("IMAP IDLE: idle loop ended with error")
			}
			return
		case update := <-updates:
			if update == nil {
				continue
			}
			s.handleMailboxUpdate(ctx, account, update, notifier)
		}
	}
}

// handleMailboxUpdate refreshes INBOX and notifies clients when the server
// reports new or expunged messages there.
func (s *Service) handleMailboxUpdate(ctx context.Context, account string, update imapclient.Update, notifier Notifier) {
	switch u := update.(type) {
	case *imapclient.MailboxUpdate:
		if u.Mailbox == nil || u.Mailbox.Name != idleFolder {
			return
		}
	case *imapclient.ExpungeUpdate:
	default:
		return
	}

	s.searches.Invalidate(account, idleFolder)

	// The refresh runs in the background so the IDLE loop keeps draining updates.
	go func() {
		page, err := s.ListPage(ctx, account, idleFolder, PageOptions{Start: 1})
		if err != nil {
			s.logger.WithField("account", account).WithError(err).Warn("IMAP IDLE: failed to refresh INBOX")
			return
		}
		s.notifyMailboxChanged(account, idleFolder, page.Total, notifier)
	}()
}

func (s *Service) notifyMailboxChanged(account, folder string, total int, notifier Notifier) {
	payload, err := json.Marshal(MailboxChangedEvent{
		Type:    "mailbox_changed",
		Account: account,
		Folder:  folder,
		Total:   total,
	})
	if err != nil {
		s.logger.WithFields(logrus.Fields{"account": account}).WithError(err).Warn("IMAP IDLE: failed to marshal event")
		return
	}
	notifier.Send(account, payload)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
