package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/ssabro/MailVista-sub002/internal/models"
)

//go:embed migrations/*.up.sql
var postgresMigrations embed.FS

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PostgresRepository stores the header mirror in PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *logrus.Logger
}

// NewPostgresRepository applies pending migrations and returns a repository
// backed by pool. Close closes the pool.
func NewPostgresRepository(ctx context.Context, pool *pgxpool.Pool, logger *logrus.Logger) (*PostgresRepository, error) {
	if logger == nil {
		logger = discardLogger()
	}
	if err := runPostgresMigrations(ctx, pool, logger); err != nil {
		return nil, err
	}
	return &PostgresRepository{pool: pool, logger: logger}, nil
}

// runPostgresMigrations executes every embedded .up.sql file not yet recorded
// in schema_migrations, in filename order.
func runPostgresMigrations(ctx context.Context, pool *pgxpool.Pool, logger *logrus.Logger) error {
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	names, err := fs.Glob(postgresMigrations, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		var applied bool
		err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, name).Scan(&applied)
		if err != nil {
			return fmt.Errorf("failed to check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		sql, err := postgresMigrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(sql)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", name, err)
		}
		logger.WithField("migration", name).Info("Applied database migration")
	}

	return nil
}

// Close closes the underlying pool.
func (r *PostgresRepository) Close() error {
	CloseConnection(r.pool)
	return nil
}

// EnsureAccount records an account if it is not known yet.
func (r *PostgresRepository) EnsureAccount(ctx context.Context, email string) error {
	return ensurePostgresAccount(ctx, r.pool, email)
}

func ensurePostgresAccount(ctx context.Context, q execer, email string) error {
	_, err := q.Exec(ctx, `INSERT INTO accounts (email) VALUES ($1) ON CONFLICT (email) DO NOTHING`, email)
	if err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}
	return nil
}

// ListAccounts returns every recorded account, sorted by email.
func (r *PostgresRepository) ListAccounts(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT email FROM accounts ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	accounts, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan accounts: %w", err)
	}
	return accounts, nil
}

// DeleteAccount removes an account and, by cascade, everything stored for it.
func (r *PostgresRepository) DeleteAccount(ctx context.Context, email string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM accounts WHERE email = $1`, email)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpsertHeaders stores headers of one folder epoch. Rows left over from a
// different UIDVALIDITY are dropped first.
func (r *PostgresRepository) UpsertHeaders(ctx context.Context, account, folder string, uidValidity uint32, headers []models.CachedHeader) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := ensurePostgresAccount(ctx, tx, account); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			DELETE FROM message_headers
			WHERE account = $1 AND folder = $2 AND uid_validity <> $3
		`, account, folder, int64(uidValidity)); err != nil {
			return fmt.Errorf("failed to drop stale headers: %w", err)
		}

		batch := &pgx.Batch{}
		for _, h := range headers {
			if h.UID <= 0 {
				continue
			}
			batch.Queue(`
				INSERT INTO message_headers (
					account,
					folder,
					uid,
					uid_validity,
					message_id,
					subject,
					from_addresses,
					to_addresses,
					sent_at,
					flags,
					has_attachment
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				ON CONFLICT (account, folder, uid) DO UPDATE SET
					uid_validity = EXCLUDED.uid_validity,
					message_id = EXCLUDED.message_id,
					subject = EXCLUDED.subject,
					from_addresses = EXCLUDED.from_addresses,
					to_addresses = EXCLUDED.to_addresses,
					sent_at = EXCLUDED.sent_at,
					flags = EXCLUDED.flags,
					has_attachment = EXCLUDED.has_attachment
			`,
				account,
				folder,
				h.UID,
				int64(uidValidity),
				h.MessageID,
				h.Subject,
				nonNilAddresses(h.From),
				nonNilAddresses(h.To),
				sentAtOrNil(h.Date),
				nonNilFlags(h.Flags),
				h.HasAttachment,
			)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to upsert headers: %w", err)
		}
		return nil
	})
}

// DeleteUIDs removes headers by UID.
func (r *PostgresRepository) DeleteUIDs(ctx context.Context, account, folder string, uids []int64) error {
	if len(uids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		DELETE FROM message_headers
		WHERE account = $1 AND folder = $2 AND uid = ANY($3)
	`, account, folder, uids)
	if err != nil {
		return fmt.Errorf("failed to delete headers: %w", err)
	}
	return nil
}

// RecordFolderSync stores the outcome of a folder reconciliation.
func (r *PostgresRepository) RecordFolderSync(ctx context.Context, state models.FolderSyncState) error {
	if state.SyncedAt.IsZero() {
		state.SyncedAt = time.Now()
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := ensurePostgresAccount(ctx, tx, state.Account); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO folder_sync (account, folder, uid_validity, message_count, synced_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (account, folder) DO UPDATE SET
				uid_validity = EXCLUDED.uid_validity,
				message_count = EXCLUDED.message_count,
				synced_at = EXCLUDED.synced_at
		`, state.Account, state.Folder, int64(state.UIDValidity), state.MessageCount, state.SyncedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to record folder sync: %w", err)
		}
		return nil
	})
}

// GetFolderSync returns the recorded sync state of one folder.
func (r *PostgresRepository) GetFolderSync(ctx context.Context, account, folder string) (*models.FolderSyncState, error) {
	var state models.FolderSyncState
	var uidValidity int64
	err := r.pool.QueryRow(ctx, `
		SELECT account, folder, uid_validity, message_count, synced_at
		FROM folder_sync
		WHERE account = $1 AND folder = $2
	`, account, folder).Scan(&state.Account, &state.Folder, &uidValidity, &state.MessageCount, &state.SyncedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFolderNotFound
		}
		return nil, fmt.Errorf("failed to get folder sync: %w", err)
	}
	state.UIDValidity = uint32(uidValidity)
	return &state, nil
}

// ListFolderSyncs returns the sync state of every recorded folder of an account.
func (r *PostgresRepository) ListFolderSyncs(ctx context.Context, account string) ([]models.FolderSyncState, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT account, folder, uid_validity, message_count, synced_at
		FROM folder_sync
		WHERE account = $1
		ORDER BY folder
	`, account)
	if err != nil {
		return nil, fmt.Errorf("failed to list folder syncs: %w", err)
	}
	defer rows.Close()

	states := []models.FolderSyncState{}
	for rows.Next() {
		var state models.FolderSyncState
		var uidValidity int64
		if err := rows.Scan(&state.Account, &state.Folder, &uidValidity, &state.MessageCount, &state.SyncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan folder sync: %w", err)
		}
		state.UIDValidity = uint32(uidValidity)
		states = append(states, state)
	}
	return states, rows.Err()
}

// DeleteFolder removes the headers and sync state of a folder.
func (r *PostgresRepository) DeleteFolder(ctx context.Context, account, folder string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM message_headers WHERE account = $1 AND folder = $2`, account, folder); err != nil {
			return fmt.Errorf("failed to delete folder headers: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM folder_sync WHERE account = $1 AND folder = $2`, account, folder); err != nil {
			return fmt.Errorf("failed to delete folder sync: %w", err)
		}
		return nil
	})
}

// GetHeaders returns stored headers highest UID first.
func (r *PostgresRepository) GetHeaders(ctx context.Context, account, folder string, offset, limit int) ([]models.CachedHeader, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT
			uid,
			message_id,
			subject,
			from_addresses,
			to_addresses,
			sent_at,
			flags,
			has_attachment
		FROM message_headers
		WHERE account = $1 AND folder = $2
		ORDER BY uid DESC
		OFFSET $3
		LIMIT $4
	`, account, folder, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get headers: %w", err)
	}
	defer rows.Close()

	headers := []models.CachedHeader{}
	for rows.Next() {
		var h models.CachedHeader
		var sentAt *time.Time
		if err := rows.Scan(&h.UID, &h.MessageID, &h.Subject, &h.From, &h.To, &sentAt, &h.Flags, &h.HasAttachment); err != nil {
			return nil, fmt.Errorf("failed to scan header: %w", err)
		}
		if sentAt != nil {
			h.Date = *sentAt
		}
		headers = append(headers, h)
	}
	return headers, rows.Err()
}

// CountHeaders returns how many headers are stored for a folder.
func (r *PostgresRepository) CountHeaders(ctx context.Context, account, folder string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM message_headers WHERE account = $1 AND folder = $2
	`, account, folder).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count headers: %w", err)
	}
	return count, nil
}

var _ Repository = (*PostgresRepository)(nil)
