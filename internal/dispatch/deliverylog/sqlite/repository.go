// Package sqlite stores the delivery log in a local SQLite file in WAL mode,
// so the dispatcher can write while the API reads.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/egannguyen/storefront/internal/dispatch/deliverylog"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS deliveries (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id  TEXT    NOT NULL,
    event_type  TEXT    NOT NULL,
    stream_id   TEXT    NOT NULL DEFAULT '',
    handler     TEXT    NOT NULL,
    status      TEXT    NOT NULL,
    attempts    INTEGER NOT NULL DEFAULT 0,
    error       TEXT    NOT NULL DEFAULT '',
    trace_id    TEXT    NOT NULL DEFAULT '',
    span_id     TEXT    NOT NULL DEFAULT '',
    recorded_at TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deliveries_message_id ON deliveries(message_id, id);
CREATE INDEX IF NOT EXISTS idx_deliveries_stream_id ON deliveries(stream_id);
`

const timeLayout = "2006-01-02T15:04:05.999999999Z"

type Repository struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// Single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) Save(ctx context.Context, e *deliverylog.Entry) error {
	const q = `
		INSERT INTO deliveries
			(message_id, event_type, stream_id, handler, status, attempts, error, trace_id, span_id, recorded_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, q,
		e.MessageID, e.EventType, e.StreamID, e.Handler, string(e.Status), e.Attempts,
		e.Error, e.TraceID, e.SpanID, e.At.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save delivery of %q: %w", e.MessageID, err)
	}
	return nil
}

func (r *Repository) ListByMessage(ctx context.Context, messageID string) ([]deliverylog.Entry, error) {
	const q = `
		SELECT message_id, event_type, stream_id, handler, status, attempts, error, trace_id, span_id, recorded_at
		FROM   deliveries
		WHERE  message_id = ?
		ORDER  BY id`

	rows, err := r.db.QueryContext(ctx, q, messageID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list deliveries of %q: %w", messageID, err)
	}
	defer rows.Close()

	var out []deliverylog.Entry
	for rows.Next() {
		var (
			e  deliverylog.Entry
			at string
		)
		if err := rows.Scan(&e.MessageID, &e.EventType, &e.StreamID, &e.Handler, &e.Status, &e.Attempts, &e.Error, &e.TraceID, &e.SpanID, &at); err != nil {
			return nil, fmt.Errorf("sqlite: scan delivery: %w", err)
		}
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("sqlite: parse time %q: %w", at, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
