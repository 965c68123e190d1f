package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lunamail/syncd/internal/models"
)

// messagesSchema creates the metadata index. One row per message, scoped by
// account; (account, key) is the identity the upsert converges on.
const messagesSchema = `
CREATE TABLE IF NOT EXISTS messages (
	account         TEXT NOT NULL,
	key             TEXT NOT NULL,
	folder          TEXT NOT NULL,
	uid             BIGINT NOT NULL,
	subject         TEXT NOT NULL DEFAULT '',
	from_addresses  TEXT[] NOT NULL DEFAULT '{}',
	to_addresses    TEXT[] NOT NULL DEFAULT '{}',
	cc_addresses    TEXT[] NOT NULL DEFAULT '{}',
	date            TIMESTAMPTZ,
	message_id      TEXT NOT NULL DEFAULT '',
	in_reply_to     TEXT NOT NULL DEFAULT '',
	flags           TEXT[] NOT NULL DEFAULT '{}',
	server_date     TIMESTAMPTZ,
	size            BIGINT NOT NULL DEFAULT 0,
	retrieved       BOOLEAN NOT NULL DEFAULT FALSE,
	thread_msg      TEXT[],
	is_thread_child TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (account, key)
);

CREATE INDEX IF NOT EXISTS idx_messages_folder_date
	ON messages (account, folder, date DESC NULLS LAST);
`

// accountsSchema backs the account registry.
const accountsSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	"user"     TEXT PRIMARY KEY,
	password   TEXT NOT NULL,
	folders    JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// EnsureSchema creates all tables and indexes if missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{messagesSchema, accountsSchema} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// PostgresStore is the pgx-backed metadata store for one account.
type PostgresStore struct {
	pool    *pgxpool.Pool
	account string
}

// NewPostgresStore creates a store scoped to one account. Callers go
// through Manager.Open rather than constructing stores ad hoc.
func NewPostgresStore(pool *pgxpool.Pool, account string) *PostgresStore {
	return &PostgresStore{pool: pool, account: account}
}

// UpsertMessage inserts the record, converging on an update of the same
// key when it already exists. ON CONFLICT makes the insert-or-update
// atomic; the key can never appear twice.
func (s *PostgresStore) UpsertMessage(ctx context.Context, rec *models.MessageRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (
			account, key, folder, uid,
			subject, from_addresses, to_addresses, cc_addresses,
			date, message_id, in_reply_to,
			flags, server_date, size, retrieved
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (account, key) DO UPDATE SET
			folder = EXCLUDED.folder,
			uid = EXCLUDED.uid,
			subject = EXCLUDED.subject,
			from_addresses = EXCLUDED.from_addresses,
			to_addresses = EXCLUDED.to_addresses,
			cc_addresses = EXCLUDED.cc_addresses,
			date = EXCLUDED.date,
			message_id = EXCLUDED.message_id,
			in_reply_to = EXCLUDED.in_reply_to,
			flags = EXCLUDED.flags,
			server_date = EXCLUDED.server_date,
			size = EXCLUDED.size,
			retrieved = messages.retrieved OR EXCLUDED.retrieved
	`,
		s.account,
		rec.Key,
		rec.Folder,
		int64(rec.UID),
		rec.Envelope.Subject,
		textArray(rec.Envelope.From),
		textArray(rec.Envelope.To),
		textArray(rec.Envelope.Cc),
		nullableTime(rec.Envelope.Date),
		rec.Envelope.MessageID,
		rec.Envelope.InReplyTo,
		textArray(rec.Flags),
		nullableTime(rec.ServerDate),
		int64(rec.Size),
		rec.Retrieved,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert message %s: %w", rec.Key, err)
	}
	return nil
}

const messageColumns = `
	key, folder, uid,
	subject, from_addresses, to_addresses, cc_addresses,
	date, message_id, in_reply_to,
	flags, server_date, size, retrieved,
	thread_msg, is_thread_child`

// FindByKey returns one record, or ErrMessageNotFound.
func (s *PostgresStore) FindByKey(ctx context.Context, key string) (*models.MessageRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE account = $1 AND key = $2
	`, s.account, key)

	rec, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", key, err)
	}
	return rec, nil
}

// FindByFolder lists a folder's records sorted by envelope date descending.
func (s *PostgresStore) FindByFolder(ctx context.Context, folderPath string, opts ListOptions) ([]*models.MessageRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // LIMIT ALL
	}

	columns := messageColumns
	if opts.HeadersOnly {
		columns = strings.Replace(columns, "thread_msg, is_thread_child",
			"NULL::text[] AS thread_msg, ''::text AS is_thread_child", 1)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+columns+`
		FROM messages
		WHERE account = $1 AND folder = $2
		ORDER BY date DESC NULLS LAST, uid DESC
		OFFSET $3 LIMIT NULLIF($4, -1)
	`, s.account, folderPath, opts.Skip, limit)

	if err != nil {
		return nil, fmt.Errorf("failed to list folder %s: %w", folderPath, err)
	}
	defer rows.Close()

	var records []*models.MessageRecord
	for rows.Next() {
		rec, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return records, nil
}

// CountByFolder returns the number of records stored for one folder.
func (s *PostgresStore) CountByFolder(ctx context.Context, folderPath string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages WHERE account = $1 AND folder = $2
	`, s.account, folderPath).Scan(&count)

	if err != nil {
		return 0, fmt.Errorf("failed to count folder %s: %w", folderPath, err)
	}
	return count, nil
}

// updatableColumns whitelists the columns UpdateFields may touch.
var updatableColumns = map[string]bool{
	"retrieved":       true,
	"flags":           true,
	"thread_msg":      true,
	"is_thread_child": true,
}

// UpdateFields applies a partial update to one record.
func (s *PostgresStore) UpdateFields(ctx context.Context, key string, fields Fields) error {
	if len(fields) == 0 {
		return nil
	}

	set := make([]string, 0, len(fields))
	args := []any{s.account, key}
	for column, value := range fields {
		if !updatableColumns[column] {
			return fmt.Errorf("field %q is not updatable", column)
		}
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET `+strings.Join(set, ", ")+`
		WHERE account = $1 AND key = $2
	`, args...)

	if err != nil {
		return fmt.Errorf("failed to update message %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// ThreadSnapshot returns (key, message-id, in-reply-to, date) for every
// record in the account.
func (s *PostgresStore) ThreadSnapshot(ctx context.Context) ([]models.ThreadRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, message_id, in_reply_to, COALESCE(date, 'epoch'::timestamptz)
		FROM messages
		WHERE account = $1
	`, s.account)

	if err != nil {
		return nil, fmt.Errorf("failed to snapshot threads: %w", err)
	}
	defer rows.Close()

	var records []models.ThreadRecord
	for rows.Next() {
		var rec models.ThreadRecord
		if err := rows.Scan(&rec.Key, &rec.MessageID, &rec.InReplyTo, &rec.Date); err != nil {
			return nil, fmt.Errorf("failed to scan thread record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating thread records: %w", err)
	}
	return records, nil
}

// ApplyThreads rewrites all thread annotations in one transaction: clear
// everything, then set roots and children from the new thread map.
func (s *PostgresStore) ApplyThreads(ctx context.Context, threads map[string][]string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin thread update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE messages SET thread_msg = NULL, is_thread_child = ''
		WHERE account = $1 AND (thread_msg IS NOT NULL OR is_thread_child <> '')
	`, s.account); err != nil {
		return fmt.Errorf("failed to clear thread annotations: %w", err)
	}

	for root, descendants := range threads {
		if _, err := tx.Exec(ctx, `
			UPDATE messages SET thread_msg = $3
			WHERE account = $1 AND key = $2
		`, s.account, root, textArray(descendants)); err != nil {
			return fmt.Errorf("failed to annotate thread root %s: %w", root, err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE messages SET is_thread_child = $3
			WHERE account = $1 AND key = ANY($2)
		`, s.account, textArray(descendants), root); err != nil {
			return fmt.Errorf("failed to annotate thread children of %s: %w", root, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit thread update: %w", err)
	}
	return nil
}

// PurgeFolder deletes every record of one folder.
func (s *PostgresStore) PurgeFolder(ctx context.Context, folderPath string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM messages WHERE account = $1 AND folder = $2
	`, s.account, folderPath)

	if err != nil {
		return fmt.Errorf("failed to purge folder %s: %w", folderPath, err)
	}
	return nil
}

// scanMessage reads one row in messageColumns order.
func scanMessage(row pgx.Row) (*models.MessageRecord, error) {
	var rec models.MessageRecord
	var uid, size int64
	var date, serverDate *time.Time
	var threadMsg []string
	var isThreadChild string

	err := row.Scan(
		&rec.Key,
		&rec.Folder,
		&uid,
		&rec.Envelope.Subject,
		&rec.Envelope.From,
		&rec.Envelope.To,
		&rec.Envelope.Cc,
		&date,
		&rec.Envelope.MessageID,
		&rec.Envelope.InReplyTo,
		&rec.Flags,
		&serverDate,
		&size,
		&rec.Retrieved,
		&threadMsg,
		&isThreadChild,
	)
	if err != nil {
		return nil, err
	}

	rec.UID = uint32(uid)
	rec.Size = uint32(size)
	if date != nil {
		rec.Envelope.Date = *date
	}
	if serverDate != nil {
		rec.ServerDate = *serverDate
	}
	rec.ThreadMsg = threadMsg
	rec.IsThreadChild = isThreadChild
	return &rec, nil
}

// textArray never hands pgx a nil slice so columns stay NOT NULL.
func textArray(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// nullableTime maps the zero time to NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
