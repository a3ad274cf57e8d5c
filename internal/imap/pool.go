package imap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxConnectionsPerAccount = 3
	DefaultIdleTimeout              = 5 * time.Minute
	DefaultAcquireTimeout           = 30 * time.Second
	DefaultSweepInterval            = 1 * time.Minute
)

var (
	// ErrAcquireTimeout is returned when no connection frees up in time.
	ErrAcquireTimeout = errors.New("pool acquire timeout")
	// ErrPoolClosed is returned to callers of a closed pool or closed account.
	ErrPoolClosed = errors.New("connection pool is closed")
)

// PoolOptions configures a Pool. Zero values fall back to the defaults above.
type PoolOptions struct {
	MaxPerAccount  int
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration
	SweepInterval  time.Duration
	Now            func() time.Time
}

// Pool bounds the number of IMAP sessions per account.
//
// Acquire hands out an idle session, opens a new one while the account is
// below its cap, or queues the caller FIFO until a session is released.
// Sessions that log out (server side or on error) are evicted as soon as it
// is noticed, and idle sessions are closed by a background sweep.
type Pool struct {
	dial   Dialer
	opts   PoolOptions
	logger *logrus.Logger

	mu       sync.Mutex
	accounts map[string]*accountSlots
	closed   bool

	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

type accountSlots struct {
	conns []*Conn
	// creating counts dials in flight, so concurrent acquires cannot both
	// see spare capacity and overshoot the cap.
	creating int
	waiters  []*waiter
}

type waiter struct {
	id uuid.UUID
	ch chan acquireResult
}

type acquireResult struct {
	conn *Conn
	err  error
}

// PoolStats is a snapshot of one account's connections.
type PoolStats struct {
	Open     int `json:"open"`
	InUse    int `json:"in_use"`
	Idle     int `json:"idle"`
	Creating int `json:"creating"`
	Waiting  int `json:"waiting"`
}

// NewPool creates a pool that opens sessions with dial.
func NewPool(dial Dialer, opts PoolOptions, logger *logrus.Logger) *Pool {
	if opts.MaxPerAccount <= 0 {
		opts.MaxPerAccount = DefaultMaxConnectionsPerAccount
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = discardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		dial:          dial,
		opts:          opts,
		logger:        logger,
		accounts:      make(map[string]*accountSlots),
		cleanupCtx:    ctx,
		cleanupCancel: cancel,
	}
	p.startCleanupGoroutine()
	return p
}

// Acquire returns a connection for account that the caller owns until it
// calls Release or Remove.
func (p *Pool) Acquire(ctx context.Context, account string) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	slots := p.slotsLocked(account)

	var stale []*Conn
	for _, conn := range slots.conns {
		if conn.inUse {
			continue
		}
		if !isUsable(conn.session) {
			stale = append(stale, conn)
			continue
		}
		conn.inUse = true
		conn.lastUsed = p.opts.Now()
		for _, s := range stale {
			p.removeLocked(slots, s)
		}
		p.mu.Unlock()
		return conn, nil
	}
	for _, s := range stale {
		p.removeLocked(slots, s)
	}

	if len(slots.conns)+slots.creating < p.opts.MaxPerAccount {
		slots.creating++
		p.mu.Unlock()
		return p.open(ctx, account, true)
	}

	w := &waiter{id: uuid.New(), ch: make(chan acquireResult, 1)}
	slots.waiters = append(slots.waiters, w)
	p.logger.WithFields(logrus.Fields{"account": account, "waiters": len(slots.waiters)}).
		Debug("Connection pool at capacity, queueing caller")
	p.mu.Unlock()

	return p.wait(ctx, account, w)
}

// Release returns a connection to the pool. A held mailbox lock is released
// first and an unusable session is removed instead of reused.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}
	if err := conn.releaseLock(); err != nil {
		p.logger.WithError(err).WithField("conn_id", conn.id).Debug("Ignoring mailbox lock release failure")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if conn.removed {
		return
	}
	slots := p.slotsLocked(conn.account)
	if p.closed || !isUsable(conn.session) {
		p.removeLocked(slots, conn)
		p.refillLocked(conn.account, slots)
		return
	}
	p.handOffLocked(slots, conn)
}

// Remove closes the connection's session and forgets it.
func (p *Pool) Remove(conn *Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn.removed {
		return
	}
	slots := p.slotsLocked(conn.account)
	p.removeLocked(slots, conn)
	p.refillLocked(conn.account, slots)
}

// CloseAll closes every session of account, or of every account when account
// is empty. Callers waiting on those accounts fail with ErrPoolClosed.
func (p *Pool) CloseAll(account string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, slots := range p.accounts {
		if account != "" && name != account {
			continue
		}
		p.closeSlotsLocked(name, slots)
	}
}

// Close shuts the pool down and waits for background work to finish.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		for name, slots := range p.accounts {
			p.closeSlotsLocked(name, slots)
		}
		p.mu.Unlock()

		p.cleanupCancel()
		p.wg.Wait()
	})
}

// Stats reports the pool state of one account.
func (p *Pool) Stats(account string) PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	slots, ok := p.accounts[account]
	if !ok {
		return PoolStats{}
	}
	stats := PoolStats{
		Open:     len(slots.conns),
		Creating: slots.creating,
		Waiting:  len(slots.waiters),
	}
	for _, conn := range slots.conns {
		if conn.inUse {
			stats.InUse++
		} else {
			stats.Idle++
		}
	}
	return stats
}

// open dials a new session for a slot the caller has already reserved.
// A dial failure is also delivered to the oldest waiter. Without claim the
// session goes to the oldest waiter under the same lock, or is parked idle.
func (p *Pool) open(ctx context.Context, account string, claim bool) (*Conn, error) {
	session, err := p.dial(ctx, account)

	p.mu.Lock()
	defer p.mu.Unlock()

	slots := p.slotsLocked(account)
	slots.creating--

	if err != nil {
		p.logger.WithError(err).WithField("account", account).Warn("Failed to open IMAP session")
		err = fmt.Errorf("failed to open IMAP session: %w", err)
		if w := slots.popWaiter(); w != nil {
			w.ch <- acquireResult{err: err}
		}
		return nil, err
	}

	if p.closed {
		p.closeSession(&Conn{account: account, session: session, done: make(chan struct{})})
		return nil, ErrPoolClosed
	}

	conn := &Conn{
		id:       uuid.NewString(),
		account:  account,
		session:  session,
		done:     make(chan struct{}),
		inUse:    claim,
		lastUsed: p.opts.Now(),
	}
	slots.conns = append(slots.conns, conn)
	p.watchLocked(conn)

	p.logger.WithFields(logrus.Fields{"account": account, "conn_id": conn.id, "open": len(slots.conns)}).
		Debug("Opened IMAP session")
	if !claim {
		p.handOffLocked(slots, conn)
	}
	return conn, nil
}

func (p *Pool) wait(ctx context.Context, account string, w *waiter) (*Conn, error) {
	timer := time.NewTimer(p.opts.AcquireTimeout)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		return res.conn, res.err
	case <-timer.C:
		return p.abandon(account, w, ErrAcquireTimeout)
	case <-ctx.Done():
		return p.abandon(account, w, ctx.Err())
	}
}

// abandon drops a waiter that gave up. If the waiter was already served in
// the meantime, the result it was handed wins.
func (p *Pool) abandon(account string, w *waiter, cause error) (*Conn, error) {
	p.mu.Lock()
	if slots, ok := p.accounts[account]; ok && slots.dropWaiter(w.id) {
		p.mu.Unlock()
		if errors.Is(cause, ErrAcquireTimeout) {
			p.logger.WithField("account", account).Warn("Timed out waiting for an IMAP connection")
		}
		return nil, cause
	}
	p.mu.Unlock()

	res := <-w.ch
	return res.conn, res.err
}

// handOffLocked gives conn to the oldest waiter, or parks it as idle.
func (p *Pool) handOffLocked(slots *accountSlots, conn *Conn) {
	conn.lastUsed = p.opts.Now()
	if w := slots.popWaiter(); w != nil {
		conn.inUse = true
		w.ch <- acquireResult{conn: conn}
		return
	}
	conn.inUse = false
}

// refillLocked opens a session for the head waiter when removing a
// connection left spare capacity behind.
func (p *Pool) refillLocked(account string, slots *accountSlots) {
	if p.closed || len(slots.waiters) == 0 || len(slots.conns)+slots.creating >= p.opts.MaxPerAccount {
		return
	}
	slots.creating++
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_, _ = p.open(p.cleanupCtx, account, false)
	}()
}

func (p *Pool) removeLocked(slots *accountSlots, conn *Conn) {
	if conn.removed {
		return
	}
	conn.removed = true
	close(conn.done)
	for i, c := range slots.conns {
		if c == conn {
			slots.conns = append(slots.conns[:i], slots.conns[i+1:]...)
			break
		}
	}
	p.logger.WithFields(logrus.Fields{"account": conn.account, "conn_id": conn.id}).Debug("Removed IMAP session from pool")
	p.closeSession(conn)
}

func (p *Pool) closeSlotsLocked(account string, slots *accountSlots) {
	for len(slots.conns) > 0 {
		p.removeLocked(slots, slots.conns[0])
	}
	for _, w := range slots.waiters {
		w.ch <- acquireResult{err: ErrPoolClosed}
	}
	slots.waiters = nil
	if slots.creating == 0 {
		delete(p.accounts, account)
	}
}

// closeSession logs out in the background so a slow server never stalls
// callers holding the pool lock.
func (p *Pool) closeSession(conn *Conn) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := conn.releaseLock(); err != nil {
			p.logger.WithError(err).WithField("conn_id", conn.id).Debug("Ignoring mailbox lock release failure")
		}
		select {
		case <-conn.session.LoggedOut():
			return
		default:
		}
		if err := conn.session.Logout(); err != nil {
			p.logger.WithError(err).WithField("account", conn.account).Debug("Logout of pooled session failed")
		}
	}()
}

// watchLocked evicts conn as soon as its session reports a logout.
func (p *Pool) watchLocked(conn *Conn) {
	loggedOut := conn.session.LoggedOut()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-loggedOut:
		case <-conn.done:
			return
		case <-p.cleanupCtx.Done():
			return
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if conn.removed {
			return
		}
		p.logger.WithFields(logrus.Fields{"account": conn.account, "conn_id": conn.id}).
			Info("IMAP session closed by server, evicting from pool")
		slots := p.slotsLocked(conn.account)
		p.removeLocked(slots, conn)
		p.refillLocked(conn.account, slots)
	}()
}

func (p *Pool) slotsLocked(account string) *accountSlots {
	slots, ok := p.accounts[account]
	if !ok {
		slots = &accountSlots{}
		p.accounts[account] = slots
	}
	return slots
}

func (s *accountSlots) popWaiter() *waiter {
	if len(s.waiters) == 0 {
		return nil
	}
	w := s.waiters[0]
	s.waiters = s.waiters[1:]
	return w
}

func (s *accountSlots) dropWaiter(id uuid.UUID) bool {
	for i, w := range s.waiters {
		if w.id == id {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return true
		}
	}
	return false
}
