// Package sqlite is the on-disk message store used by nodes.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lza051119/chat8/internal/core/domain"
	"github.com/lza051119/chat8/internal/core/ports"
	"github.com/lza051119/chat8/pkg/tracing"

	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	from_id       TEXT NOT NULL,
	to_id         TEXT NOT NULL,
	content       TEXT NOT NULL,
	message_type  TEXT NOT NULL DEFAULT 'text',
	method        TEXT NOT NULL DEFAULT '',
	encrypted     INTEGER NOT NULL DEFAULT 0,
	ts            INTEGER NOT NULL,
	destroy_after INTEGER,
	is_read       INTEGER NOT NULL DEFAULT 0,
	delivered     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (from_id, to_id, ts);
CREATE INDEX IF NOT EXISTS idx_messages_destroy ON messages (destroy_after) WHERE destroy_after IS NOT NULL;`

const columns = `id, from_id, to_id, content, message_type, method, encrypted, ts, destroy_after, is_read, delivered`

// MessageRepository stores messages in a SQLite file. Timestamps are kept as
// unix nanoseconds so ordering is done by the index.
type MessageRepository struct {
	db *sql.DB
}

var (
	_ ports.MessageRepository    = (*MessageRepository)(nil)
	_ ports.ExpiredMessagePurger = (*MessageRepository)(nil)
)

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*MessageRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; WAL lets readers proceed.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &MessageRepository{db: db}, nil
}

func (r *MessageRepository) Close() error {
	return r.db.Close()
}

func (r *MessageRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *MessageRepository) AddMessage(ctx context.Context, msg *domain.MessageRecord) error {
	ctx, span := tracing.TraceStore(ctx, "add_message", "sqlite")
	defer span.End()

	var destroy sql.NullInt64
	if msg.DestroyAfter != nil {
		destroy = sql.NullInt64{Int64: msg.DestroyAfter.UnixNano(), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO messages (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content=excluded.content,
			message_type=excluded.message_type,
			method=excluded.method,
			encrypted=excluded.encrypted,
			ts=excluded.ts,
			destroy_after=excluded.destroy_after,
			is_read=excluded.is_read,
			delivered=excluded.delivered`,
		msg.ID, string(msg.From), string(msg.To), msg.Content, msg.MessageType, string(msg.Method),
		msg.Encrypted, msg.Timestamp.UnixNano(), destroy, msg.Read, msg.Delivered)
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*domain.MessageRecord, error) {
	var (
		m       domain.MessageRecord
		from    string
		to      string
		method  string
		ts      int64
		destroy sql.NullInt64
	)
	if err := s.Scan(&m.ID, &from, &to, &m.Content, &m.MessageType, &method, &m.Encrypted, &ts, &destroy, &m.Read, &m.Delivered); err != nil {
		return nil, err
	}
	m.From = domain.PeerID(from)
	m.To = domain.PeerID(to)
	m.Method = domain.DeliveryMethod(method)
	m.Timestamp = time.Unix(0, ts).UTC()
	if destroy.Valid {
		t := time.Unix(0, destroy.Int64).UTC()
		m.DestroyAfter = &t
	}
	return &m, nil
}

func (r *MessageRepository) GetMessage(ctx context.Context, id string) (*domain.MessageRecord, error) {
	ctx, span := tracing.TraceStore(ctx, "get_message", "sqlite")
	defer span.End()

	msg, err := scanMessage(r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (r *MessageRepository) QueryMessages(ctx context.Context, owner, peer domain.PeerID, limit, offset int) ([]*domain.MessageRecord, error) {
	ctx, span := tracing.TraceStore(ctx, "query_messages", "sqlite")
	defer span.End()

	// Newest first for paging, then reversed.
	rows, err := r.db.QueryContext(ctx, `SELECT `+columns+` FROM messages
		WHERE (from_id = ? AND to_id = ?) OR (from_id = ? AND to_id = ?)
		ORDER BY ts DESC, id DESC
		LIMIT ? OFFSET ?`,
		string(owner), string(peer), string(peer), string(owner), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	out, err := collect(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *MessageRepository) MarkRead(ctx context.Context, id string) error {
	return r.exec(ctx, "mark_read", `UPDATE messages SET is_read = 1 WHERE id = ?`, id)
}

func (r *MessageRepository) MarkDelivered(ctx context.Context, id string) error {
	return r.exec(ctx, "mark_delivered", `UPDATE messages SET delivered = 1 WHERE id = ?`, id)
}

func (r *MessageRepository) DeleteMessage(ctx context.Context, id string) error {
	return r.exec(ctx, "delete_message", `DELETE FROM messages WHERE id = ?`, id)
}

func (r *MessageRepository) Undelivered(ctx context.Context, to domain.PeerID) ([]*domain.MessageRecord, error) {
	ctx, span := tracing.TraceStore(ctx, "undelivered", "sqlite")
	defer span.End()

	rows, err := r.db.QueryContext(ctx, `SELECT `+columns+` FROM messages
		WHERE to_id = ? AND delivered = 0 ORDER BY ts, id`, string(to))
	if err != nil {
		return nil, fmt.Errorf("query undelivered: %w", err)
	}
	return collect(rows)
}

func (r *MessageRepository) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, span := tracing.TraceStore(ctx, "purge_expired", "sqlite")
	defer span.End()

	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE destroy_after IS NOT NULL AND destroy_after <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// exec runs a single-row statement and maps zero affected rows to not found.
func (r *MessageRepository) exec(ctx context.Context, op, query string, args ...any) error {
	ctx, span := tracing.TraceStore(ctx, op, "sqlite")
	defer span.End()

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func collect(rows *sql.Rows) ([]*domain.MessageRecord, error) {
	defer rows.Close()
	var out []*domain.MessageRecord
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
