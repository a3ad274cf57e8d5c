package imap

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap"
	"github.com/sirupsen/logrus"
)

func uidSeqSet(uids []int64) (*imap.SeqSet, error) {
	if len(uids) == 0 {
		return nil, fmt.Errorf("no UIDs given")
	}
	seqSet := new(imap.SeqSet)
	for _, uid := range uids {
		if uid <= 0 {
			return nil, fmt.Errorf("invalid UID %d", uid)
		}
		seqSet.AddNum(uint32(uid))
	}
	return seqSet, nil
}

func flagValues(flags []string) []interface{} {
	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = f
	}
	return values
}

// SetFlags adds or removes flags on messages and mirrors the change in the cache.
func (s *Service) SetFlags(ctx context.Context, account, folder string, uids []int64, flags []string, add bool) error {
	seqSet, err := uidSeqSet(uids)
	if err != nil {
		return err
	}
	if len(flags) == 0 {
		return fmt.Errorf("no flags given")
	}

	var op imap.FlagsOp = imap.RemoveFlags
	if add {
		op = imap.AddFlags
	}

	unlock := s.lockFolder(account, folder)
	defer unlock()

	err = s.withConn(ctx, account, func(conn *Conn) error {
		lock, err := conn.LockMailbox(folder, false)
		if err != nil {
			return err
		}
		defer s.releaseLock(lock)

		if err := conn.Session().UidStore(seqSet, imap.FormatFlagsOp(op, true), flagValues(flags), nil); err != nil {
			return fmt.Errorf("failed to store flags: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	updates := make(map[int64][]string, len(uids))
	for uid, h := range s.store.Lookup(account, folder, uids) {
		updates[uid] = applyFlags(h.Flags, flags, add)
	}
	s.store.UpdateFlags(account, folder, updates)
	s.searches.Invalidate(account, folder)
	return nil
}

func applyFlags(current, changes []string, add bool) []string {
	remove := make(map[string]struct{}, len(changes))
	for _, f := range changes {
		remove[f] = struct{}{}
	}
	out := make([]string, 0, len(current)+len(changes))
	for _, f := range current {
		if _, ok := remove[f]; ok {
			continue
		}
		out = append(out, f)
	}
	if add {
		out = append(out, changes...)
	}
	return out
}

// MoveMessages moves messages to another folder. The moved headers leave the
// source cache; the destination picks them up on its next reconciliation.
func (s *Service) MoveMessages(ctx context.Context, account, folder, dest string, uids []int64) error {
	seqSet, err := uidSeqSet(uids)
	if err != nil {
		return err
	}

	unlock := s.lockFolder(account, folder)
	defer unlock()

	err = s.withConn(ctx, account, func(conn *Conn) error {
		lock, err := conn.LockMailbox(folder, false)
		if err != nil {
			return err
		}
		defer s.releaseLock(lock)

		if err := conn.Session().UidMove(seqSet, dest); err != nil {
			return fmt.Errorf("failed to move messages to %s: %w", dest, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.store.RemoveUIDs(account, folder, uids)
	s.searches.Invalidate(account, folder)
	s.searches.Invalidate(account, dest)
	return nil
}

// DeleteMessages marks messages \Deleted and expunges the folder.
func (s *Service) DeleteMessages(ctx context.Context, account, folder string, uids []int64) error {
	seqSet, err := uidSeqSet(uids)
	if err != nil {
		return err
	}

	unlock := s.lockFolder(account, folder)
	defer unlock()

	err = s.withConn(ctx, account, func(conn *Conn) error {
		lock, err := conn.LockMailbox(folder, false)
		if err != nil {
			return err
		}
		defer s.releaseLock(lock)

		sess := conn.Session()
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := sess.UidStore(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
			return fmt.Errorf("failed to mark messages deleted: %w", err)
		}
		if err := sess.Expunge(nil); err != nil {
			return fmt.Errorf("failed to expunge %s: %w", folder, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	removed := s.store.RemoveUIDs(account, folder, uids)
	s.searches.Invalidate(account, folder)
	s.logger.WithFields(logrus.Fields{"account": account, "folder": folder, "uid_count": len(uids), "cached_removed": removed}).Info("Deleted messages")
	return nil
}

// AppendMessage stores a raw message in a folder, for example a sent copy or a draft.
func (s *Service) AppendMessage(ctx context.Context, account, folder string, flags []string, date time.Time, raw []byte) error {
	if len(raw) == 0 {
		return fmt.Errorf("message is empty")
	}
	if date.IsZero() {
		date = time.Now()
	}

	err := s.withConn(ctx, account, func(conn *Conn) error {
		if err := conn.Session().Append(folder, flags, date, bytes.NewReader(raw)); err != nil {
			return fmt.Errorf("failed to append message to %s: %w", folder, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.searches.Invalidate(account, folder)
	return nil
}

// CreateFolder creates a mailbox.
func (s *Service) CreateFolder(ctx context.Context, account, name string) error {
	return s.withConn(ctx, account, func(conn *Conn) error {
		if err := conn.Session().Create(name); err != nil {
			return fmt.Errorf("failed to create folder %s: %w", name, err)
		}
		return nil
	})
}

// DeleteFolder deletes a mailbox and everything cached for it.
func (s *Service) DeleteFolder(ctx context.Context, account, name string) error {
	unlock := s.lockFolder(account, name)
	defer unlock()

	err := s.withConn(ctx, account, func(conn *Conn) error {
		if err := conn.Session().Delete(name); err != nil {
			return fmt.Errorf("failed to delete folder %s: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.dropFolder(ctx, account, name)
	return nil
}

// RenameFolder renames a mailbox. The old cache entry is dropped rather than
// moved since servers may assign a new UIDVALIDITY.
func (s *Service) RenameFolder(ctx context.Context, account, oldName, newName string) error {
	unlock := s.lockFolder(account, oldName)
	defer unlock()

	err := s.withConn(ctx, account, func(conn *Conn) error {
		if err := conn.Session().Rename(oldName, newName); err != nil {
			return fmt.Errorf("failed to rename folder %s: %w", oldName, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.dropFolder(ctx, account, oldName)
	s.searches.Invalidate(account, newName)
	return nil
}
