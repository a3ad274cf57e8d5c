package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ssabro/MailVista-sub002/internal/models"
)

// CacheVersion is the on-disk snapshot format. Bump it whenever FolderCache or
// CachedHeader change shape, and register a migration from the old version if
// the old data can be carried forward.
const CacheVersion = 1

const DefaultPersistDebounce = 500 * time.Millisecond

type accountMap = map[string]map[string]*models.FolderCache

type snapshotFile struct {
	CacheVersion int        `json:"cacheVersion"`
	Accounts     accountMap `json:"accounts"`
}

// migration upgrades a snapshot from version v to v+1 in place.
type migration func(snap *snapshotFile) error

// migrations is keyed by the source version.
var migrations = map[int]migration{}

// planMigration returns the ordered steps from one version to another.
// ok is false when no complete chain exists and the snapshot must be wiped.
func planMigration(from, to int) (steps []migration, ok bool) {
	if from == to {
		return nil, true
	}
	if from > to {
		return nil, false
	}
	for v := from; v < to; v++ {
		step, found := migrations[v]
		if !found {
			return nil, false
		}
		steps = append(steps, step)
	}
	return steps, true
}

// Persister writes store snapshots to a JSON file from a single background
// goroutine. Mutations only mark the state dirty; the write happens once the
// state has been quiet for the debounce interval, or on Flush and Close.
type Persister struct {
	path     string
	debounce time.Duration
	snapshot func() accountMap
	logger   *logrus.Logger

	dirty     chan struct{}
	flushReq  chan chan error
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	writes    atomic.Int64
}

func NewPersister(path string, debounce time.Duration, snapshot func() accountMap, logger *logrus.Logger) *Persister {
	if debounce <= 0 {
		debounce = DefaultPersistDebounce
	}
	if logger == nil {
		logger = discardLogger()
	}
	p := &Persister{
		path:     path,
		debounce: debounce,
		snapshot: snapshot,
		logger:   logger,
		dirty:    make(chan struct{}, 1),
		flushReq: make(chan chan error),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

// MarkDirty schedules a write. It never blocks.
func (p *Persister) MarkDirty() {
	select {
	case p.dirty <- struct{}{}:
	default:
	}
}

// Flush writes the current snapshot synchronously.
func (p *Persister) Flush() error {
	reply := make(chan error, 1)
	select {
	case p.flushReq <- reply:
		return <-reply
	case <-p.done:
		return errors.New("persister is closed")
	}
}

// Close writes any pending state and stops the writer goroutine.
func (p *Persister) Close() error {
	p.closeOnce.Do(func() {
		close(p.stop)
		<-p.done
	})
	return p.closeErr
}

// Writes reports how many snapshots have been written.
func (p *Persister) Writes() int64 {
	return p.writes.Load()
}

func (p *Persister) run() {
	defer close(p.done)

	timer := time.NewTimer(p.debounce)
	timer.Stop()
	pending := false

	for {
		select {
		case <-p.dirty:
			pending = true
			timer.Reset(p.debounce)
		case <-timer.C:
			if pending {
				pending = false
				if err := p.write(); err != nil {
					p.logger.WithError(err).WithField("path", p.path).Warn("Failed to persist mail cache")
				}
			}
		case reply := <-p.flushReq:
			timer.Stop()
			pending = false
			reply <- p.write()
		case <-p.stop:
			timer.Stop()
			select {
			case <-p.dirty:
				pending = true
			default:
			}
			if pending {
				p.closeErr = p.write()
			}
			return
		}
	}
}

func (p *Persister) write() error {
	data, err := json.Marshal(snapshotFile{
		CacheVersion: CacheVersion,
		Accounts:     p.snapshot(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode cache snapshot: %w", err)
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(p.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write cache snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close cache snapshot: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace cache snapshot: %w", err)
	}

	p.writes.Add(1)
	return nil
}

// Load reads the snapshot file. A missing file yields nil. A corrupt file or
// one from a version with no migration path is deleted and also yields nil.
func (p *Persister) Load() (accountMap, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		p.logger.WithError(err).WithField("path", p.path).Warn("Mail cache snapshot is corrupt, discarding")
		p.wipe()
		return nil, nil
	}

	steps, ok := planMigration(snap.CacheVersion, CacheVersion)
	if !ok {
		p.logger.WithFields(logrus.Fields{
			"path":     p.path,
			"stored":   snap.CacheVersion,
			"expected": CacheVersion,
		}).Warn("Mail cache format changed, discarding snapshot")
		p.wipe()
		return nil, nil
	}
	for _, step := range steps {
		if err := step(&snap); err != nil {
			p.logger.WithError(err).Warn("Mail cache migration failed, discarding snapshot")
			p.wipe()
			return nil, nil
		}
	}

	if snap.Accounts == nil {
		snap.Accounts = make(accountMap)
	}
	return snap.Accounts, nil
}

func (p *Persister) wipe() {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.WithError(err).WithField("path", p.path).Warn("Failed to remove mail cache snapshot")
	}
}
