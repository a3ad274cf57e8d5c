package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/ssabro/MailVista-sub002/internal/models"
	_ "modernc.org/sqlite"
)

type sqliteMigration struct {
	version int
	sql     string
}

// sqliteMigrations must stay sequential starting from 1. Each one records its
// own version.
var sqliteMigrations = []sqliteMigration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	email      TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS folder_sync (
	account       TEXT NOT NULL REFERENCES accounts(email) ON DELETE CASCADE,
	folder        TEXT NOT NULL,
	uid_validity  INTEGER NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0,
	synced_at     INTEGER NOT NULL,
	PRIMARY KEY (account, folder)
);

CREATE TABLE IF NOT EXISTS message_headers (
	account        TEXT NOT NULL REFERENCES accounts(email) ON DELETE CASCADE,
	folder         TEXT NOT NULL,
	uid            INTEGER NOT NULL CHECK (uid > 0),
	uid_validity   INTEGER NOT NULL,
	message_id     TEXT NOT NULL DEFAULT '',
	subject        TEXT NOT NULL DEFAULT '',
	from_addresses TEXT NOT NULL DEFAULT '[]',
	to_addresses   TEXT NOT NULL DEFAULT '[]',
	sent_at        INTEGER,
	flags          TEXT NOT NULL DEFAULT '[]',
	has_attachment INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (account, folder, uid)
);

CREATE INDEX IF NOT EXISTS idx_message_headers_folder_uid
	ON message_headers (account, folder, uid DESC);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

// SQLiteRepository stores the header mirror in a local SQLite file.
type SQLiteRepository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// headerRow is the SQLite shape of a cached header.
type headerRow struct {
	UID           int64         `db:"uid"`
	MessageID     string        `db:"message_id"`
	Subject       string        `db:"subject"`
	From          string        `db:"from_addresses"`
	To            string        `db:"to_addresses"`
	SentAt        sql.NullInt64 `db:"sent_at"`
	Flags         string        `db:"flags"`
	HasAttachment bool          `db:"has_attachment"`
}

type folderSyncRow struct {
	Account      string `db:"account"`
	Folder       string `db:"folder"`
	UIDValidity  int64  `db:"uid_validity"`
	MessageCount int    `db:"message_count"`
	SyncedAt     int64  `db:"synced_at"`
}

// NewSQLiteRepository opens (or creates) the database at path, enables WAL
// mode and foreign keys, and applies pending migrations.
func NewSQLiteRepository(path string, logger *logrus.Logger) (*SQLiteRepository, error) {
	if logger == nil {
		logger = discardLogger()
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single connection keeps the pragmas in effect and serializes writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to run %s: %w", pragma, err)
		}
	}

	r := &SQLiteRepository{db: db, logger: logger}
	if err := r.runMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRepository) runMigrations() error {
	current := 0

	var tables int
	err := r.db.Get(&tables, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("failed to check schema_version table: %w", err)
	}
	if tables > 0 {
		if err := r.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
	}

	for _, m := range sqliteMigrations {
		if m.version <= current {
			continue
		}
		if _, err := r.db.Exec(m.sql); err != nil {
			return fmt.Errorf("failed to apply migration v%d: %w", m.version, err)
		}
		r.logger.WithField("version", m.version).Info("Applied database migration")
	}
	return nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) EnsureAccount(ctx context.Context, email string) error {
	return ensureSQLiteAccount(ctx, r.db, email)
}

func ensureSQLiteAccount(ctx context.Context, q sqlx.ExecerContext, email string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO accounts (email, created_at) VALUES (?, ?) ON CONFLICT (email) DO NOTHING`,
		email, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListAccounts(ctx context.Context) ([]string, error) {
	accounts := []string{}
	if err := r.db.SelectContext(ctx, &accounts, `SELECT email FROM accounts ORDER BY email`); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

func (r *SQLiteRepository) DeleteAccount(ctx context.Context, email string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE email = ?`, email)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpsertHeaders stores headers of one folder epoch, dropping rows of any
// other UIDVALIDITY first.
func (r *SQLiteRepository) UpsertHeaders(ctx context.Context, account, folder string, uidValidity uint32, headers []models.CachedHeader) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureSQLiteAccount(ctx, tx, account); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM message_headers WHERE account = ? AND folder = ? AND uid_validity <> ?`,
		account, folder, int64(uidValidity),
	); err != nil {
		return fmt.Errorf("failed to drop stale headers: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO message_headers (
			account, folder, uid, uid_validity,
			message_id, subject, from_addresses, to_addresses,
			sent_at, flags, has_attachment
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account, folder, uid) DO UPDATE SET
			uid_validity = excluded.uid_validity,
			message_id = excluded.message_id,
			subject = excluded.subject,
			from_addresses = excluded.from_addresses,
			to_addresses = excluded.to_addresses,
			sent_at = excluded.sent_at,
			flags = excluded.flags,
			has_attachment = excluded.has_attachment`)
	if err != nil {
		return fmt.Errorf("failed to prepare header upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, h := range headers {
		if h.UID <= 0 {
			continue
		}
		row, err := toHeaderRow(h)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			account, folder, row.UID, int64(uidValidity),
			row.MessageID, row.Subject, row.From, row.To,
			row.SentAt, row.Flags, row.HasAttachment,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert header %d: %w", h.UID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit headers: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) DeleteUIDs(ctx context.Context, account, folder string, uids []int64) error {
	if len(uids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`DELETE FROM message_headers WHERE account = ? AND folder = ? AND uid IN (?)`,
		account, folder, uids,
	)
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to delete headers: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) RecordFolderSync(ctx context.Context, state models.FolderSyncState) error {
	if state.SyncedAt.IsZero() {
		state.SyncedAt = time.Now()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureSQLiteAccount(ctx, tx, state.Account); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO folder_sync (account, folder, uid_validity, message_count, synced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account, folder) DO UPDATE SET
			uid_validity = excluded.uid_validity,
			message_count = excluded.message_count,
			synced_at = excluded.synced_at`,
		state.Account, state.Folder, int64(state.UIDValidity), state.MessageCount, state.SyncedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record folder sync: %w", err)
	}
	return tx.Commit()
}

func (r *SQLiteRepository) GetFolderSync(ctx context.Context, account, folder string) (*models.FolderSyncState, error) {
	var row folderSyncRow
	err := r.db.GetContext(ctx, &row, `
		SELECT account, folder, uid_validity, message_count, synced_at
		FROM folder_sync
		WHERE account = ? AND folder = ?`, account, folder)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFolderNotFound
		}
		return nil, fmt.Errorf("failed to get folder sync: %w", err)
	}
	state := row.toModel()
	return &state, nil
}

func (r *SQLiteRepository) ListFolderSyncs(ctx context.Context, account string) ([]models.FolderSyncState, error) {
	var rows []folderSyncRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT account, folder, uid_validity, message_count, synced_at
		FROM folder_sync
		WHERE account = ?
		ORDER BY folder`, account)
	if err != nil {
		return nil, fmt.Errorf("failed to list folder syncs: %w", err)
	}

	states := make([]models.FolderSyncState, 0, len(rows))
	for _, row := range rows {
		states = append(states, row.toModel())
	}
	return states, nil
}

func (r *SQLiteRepository) DeleteFolder(ctx context.Context, account, folder string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM message_headers WHERE account = ? AND folder = ?`, account, folder); err != nil {
		return fmt.Errorf("failed to delete folder headers: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM folder_sync WHERE account = ? AND folder = ?`, account, folder); err != nil {
		return fmt.Errorf("failed to delete folder sync: %w", err)
	}
	return tx.Commit()
}

func (r *SQLiteRepository) GetHeaders(ctx context.Context, account, folder string, offset, limit int) ([]models.CachedHeader, error) {
	var rows []headerRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT uid, message_id, subject, from_addresses, to_addresses, sent_at, flags, has_attachment
		FROM message_headers
		WHERE account = ? AND folder = ?
		ORDER BY uid DESC
		LIMIT ? OFFSET ?`, account, folder, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get headers: %w", err)
	}

	headers := make([]models.CachedHeader, 0, len(rows))
	for _, row := range rows {
		h, err := row.toModel()
		if err != nil {
			return nil, err
		}
		headers = append(headers, h)
	}
	return headers, nil
}

func (r *SQLiteRepository) CountHeaders(ctx context.Context, account, folder string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM message_headers WHERE account = ? AND folder = ?`, account, folder)
	if err != nil {
		return 0, fmt.Errorf("failed to count headers: %w", err)
	}
	return count, nil
}

func toHeaderRow(h models.CachedHeader) (headerRow, error) {
	from, err := json.Marshal(nonNilAddresses(h.From))
	if err != nil {
		return headerRow{}, fmt.Errorf("failed to marshal from of %d: %w", h.UID, err)
	}
	to, err := json.Marshal(nonNilAddresses(h.To))
	if err != nil {
		return headerRow{}, fmt.Errorf("failed to marshal to of %d: %w", h.UID, err)
	}
	flags, err := json.Marshal(nonNilFlags(h.Flags))
	if err != nil {
		return headerRow{}, fmt.Errorf("failed to marshal flags of %d: %w", h.UID, err)
	}

	row := headerRow{
		UID:           h.UID,
		MessageID:     h.MessageID,
		Subject:       h.Subject,
		From:          string(from),
		To:            string(to),
		Flags:         string(flags),
		HasAttachment: h.HasAttachment,
	}
	if sentAt := sentAtOrNil(h.Date); sentAt != nil {
		row.SentAt = sql.NullInt64{Int64: sentAt.Unix(), Valid: true}
	}
	return row, nil
}

func (row headerRow) toModel() (models.CachedHeader, error) {
	h := models.CachedHeader{
		UID:           row.UID,
		MessageID:     row.MessageID,
		Subject:       row.Subject,
		HasAttachment: row.HasAttachment,
	}
	if err := json.Unmarshal([]byte(row.From), &h.From); err != nil {
		return h, fmt.Errorf("failed to decode from of %d: %w", row.UID, err)
	}
	if err := json.Unmarshal([]byte(row.To), &h.To); err != nil {
		return h, fmt.Errorf("failed to decode to of %d: %w", row.UID, err)
	}
	if err := json.Unmarshal([]byte(row.Flags), &h.Flags); err != nil {
		return h, fmt.Errorf("failed to decode flags of %d: %w", row.UID, err)
	}
	if row.SentAt.Valid {
		h.Date = time.Unix(row.SentAt.Int64, 0).UTC()
	}
	return h, nil
}

func (row folderSyncRow) toModel() models.FolderSyncState {
	return models.FolderSyncState{
		Account:      row.Account,
		Folder:       row.Folder,
		UIDValidity:  uint32(row.UIDValidity),
		MessageCount: row.MessageCount,
		SyncedAt:     time.Unix(row.SyncedAt, 0).UTC(),
	}
}

var _ Repository = (*SQLiteRepository)(nil)
