package imap

import (
	"time"

	"github.com/sirupsen/logrus"
)

// startCleanupGoroutine runs a background goroutine that periodically closes idle connections.
// The goroutine stops when cleanupCtx is canceled (via Pool.Close()).
func (p *Pool) startCleanupGoroutine() {
	ticker := time.NewTicker(p.opts.SweepInterval)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-p.cleanupCtx.Done():
				return
			case <-ticker.C:
				p.cleanupIdleConnections()
			}
		}
	}()
}

// cleanupIdleConnections removes connections that have been idle longer than
// the idle timeout and returns how many were closed. Connections in use are
// never touched.
func (p *Pool) cleanupIdleConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.opts.Now()
	closed := 0
	for account, slots := range p.accounts {
		var toRemove []*Conn
		for _, conn := range slots.conns {
			if !conn.inUse && now.Sub(conn.lastUsed) > p.opts.IdleTimeout {
				toRemove = append(toRemove, conn)
			}
		}
		for _, conn := range toRemove {
			p.removeLocked(slots, conn)
			closed++
		}
		if len(toRemove) > 0 {
			p.logger.WithFields(logrus.Fields{"account": account, "closed": len(toRemove)}).
				Debug("Closed idle IMAP sessions")
		}
		// Remove empty sets
		if len(slots.conns) == 0 && len(slots.waiters) == 0 && slots.creating == 0 {
			delete(p.accounts, account)
		}
	}
	return closed
}
