package imap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/charset"
	"github.com/ssabro/MailVista-sub002/internal/models"
)

func init() {
	// Envelope subjects and names arrive in whatever charset the sender used.
	imap.CharsetReader = charset.Reader
}

// dialTimeout bounds the TCP connect and TLS handshake of a new session.
const dialTimeout = 5 * time.Second

var (
	// ErrAccountUnknown is returned when no account is configured for an email.
	ErrAccountUnknown = errors.New("account is not configured")
	errSessionClosed  = errors.New("IMAP session is closed")
)

// Session is the subset of *client.Client the cache engine talks to.
// Tests substitute a scripted implementation.
type Session interface {
	State() imap.ConnState
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	List(ref, name string, ch chan *imap.MailboxInfo) error
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	UidMove(seqset *imap.SeqSet, dest string) error
	Expunge(ch chan uint32) error
	Append(mbox string, flags []string, date time.Time, msg imap.Literal) error
	Create(name string) error
	Delete(name string) error
	Rename(existingName, newName string) error
	Noop() error
	Support(capability string) (bool, error)
	Logout() error
	LoggedOut() <-chan struct{}
}

var _ Session = (*client.Client)(nil)

// Dialer opens an authenticated session for an account.
type Dialer func(ctx context.Context, account string) (Session, error)

// PasswordSource resolves the IMAP password of an account.
type PasswordSource interface {
	Password(account string) (string, error)
}

// ConnectToIMAP connects to the IMAP server with a 5-second timeout.
// useTLS: true for implicit TLS (port 993), false for plain connections.
func ConnectToIMAP(server string, useTLS bool) (*client.Client, error) {
	dialer := &net.Dialer{
		Timeout: dialTimeout,
	}

	if useTLS {
		c, err := client.DialWithDialerTLS(dialer, server, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to dial with TLS: %w", err)
		}
		return c, nil
	}

	c, err := client.DialWithDialer(dialer, server)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	return c, nil
}

// Login authenticates with the IMAP server.
func Login(c *client.Client, username, password string) error {
	if err := c.Login(username, password); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	return nil
}

// NewAccountDialer returns a Dialer for the configured accounts. An inline
// password on the account wins over the password source.
func NewAccountDialer(accounts []models.Account, passwords PasswordSource) Dialer {
	byEmail := make(map[string]models.Account, len(accounts))
	for _, acct := range accounts {
		byEmail[strings.ToLower(acct.Email)] = acct
	}

	return func(ctx context.Context, account string) (Session, error) {
		acct, ok := byEmail[strings.ToLower(account)]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrAccountUnknown, account)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		password := acct.Password
		if password == "" {
			if passwords == nil {
				return nil, fmt.Errorf("no password available for %s", account)
			}
			var err error
			password, err = passwords.Password(acct.Email)
			if err != nil {
				return nil, fmt.Errorf("failed to get password for %s: %w", account, err)
			}
		}

		c, err := ConnectToIMAP(acct.Address(), acct.TLS)
		if err != nil {
			return nil, err
		}
		if err := Login(c, acct.LoginName(), password); err != nil {
			_ = c.Logout()
			return nil, err
		}
		return c, nil
	}
}

// isUsable reports whether a session can still run commands.
func isUsable(s Session) bool {
	select {
	case <-s.LoggedOut():
		return false
	default:
	}
	state := s.State()
	return state == imap.AuthenticatedState || state == imap.SelectedState
}

// isBrokenConnectionError reports whether err means the session itself is gone,
// as opposed to the server rejecting one command.
func isBrokenConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errSessionClosed) || errors.Is(err, client.ErrNotLoggedIn) || errors.Is(err, client.ErrAlreadyLoggedOut) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF")
}

// Conn is one pooled session. It is owned by whoever acquired it until it is
// handed back with Pool.Release or Pool.Remove.
type Conn struct {
	id      string
	account string
	session Session
	done    chan struct{}

	// Guarded by Pool.mu.
	inUse    bool
	lastUsed time.Time
	removed  bool

	lockMu sync.Mutex
	lock   *MailboxLock
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Account() string { return c.account }

// Session returns the underlying session. Only the current holder may use it.
func (c *Conn) Session() Session { return c.session }

// MailboxLock represents the mailbox currently selected on a Conn.
type MailboxLock struct {
	Path   string
	Status *imap.MailboxStatus

	conn     *Conn
	released bool
}

// LockMailbox selects path on the connection. Any previously held lock is
// released first, since a session has one selected mailbox at a time.
func (c *Conn) LockMailbox(path string, readOnly bool) (*MailboxLock, error) {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()

	if c.lock != nil {
		c.lock.released = true
		c.lock = nil
	}

	status, err := c.session.Select(path, readOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", path, err)
	}

	lock := &MailboxLock{Path: path, Status: status, conn: c}
	c.lock = lock
	return lock, nil
}

// Release gives the mailbox back. It is safe to call more than once.
func (l *MailboxLock) Release() error {
	if l == nil || l.conn == nil {
		return nil
	}
	c := l.conn
	c.lockMu.Lock()
	defer c.lockMu.Unlock()

	if l.released {
		return nil
	}
	l.released = true
	if c.lock == l {
		c.lock = nil
	}
	if c.session.State() == imap.LogoutState {
		return errSessionClosed
	}
	return nil
}

// releaseLock drops whatever lock the connection still holds.
func (c *Conn) releaseLock() error {
	c.lockMu.Lock()
	lock := c.lock
	c.lockMu.Unlock()
	return lock.Release()
}

func (c *Conn) heldLock() *MailboxLock {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	return c.lock
}
