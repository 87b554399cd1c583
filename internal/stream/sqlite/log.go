package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"coalesce/internal/stream"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	stream TEXT NOT NULL,
	seq INTEGER NOT NULL,
	fields_json TEXT NOT NULL,
	appended_at_utc_ns INTEGER NOT NULL,
	PRIMARY KEY (stream, seq)
);

CREATE TABLE IF NOT EXISTS groups (
	stream TEXT NOT NULL,
	grp TEXT NOT NULL,
	cursor INTEGER NOT NULL DEFAULT 0,
	created_at_utc_ns INTEGER NOT NULL,
	PRIMARY KEY (stream, grp)
);

CREATE TABLE IF NOT EXISTS pending (
	stream TEXT NOT NULL,
	grp TEXT NOT NULL,
	seq INTEGER NOT NULL,
	consumer TEXT NOT NULL,
	delivered_at_utc_ns INTEGER NOT NULL,
	delivery_count INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (stream, grp, seq)
);

CREATE INDEX IF NOT EXISTS idx_pending_consumer ON pending(stream, grp, consumer, seq);

CREATE TRIGGER IF NOT EXISTS trg_entries_no_update
BEFORE UPDATE ON entries
BEGIN
	SELECT RAISE(ABORT, 'entries are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_entries_no_delete
BEFORE DELETE ON entries
BEGIN
	SELECT RAISE(ABORT, 'entries are append-only: DELETE forbidden');
END;
`

const defaultPollInterval = 250 * time.Millisecond

type Options struct {
	// PollInterval bounds the wait between reads when the stream is drained.
	PollInterval time.Duration
}

// Log is a file-backed stream.Log. One database holds every stream; ids are
// per-stream monotonic sequence numbers assigned at append time.
type Log struct {
	db   *sql.DB
	poll time.Duration
}

func NewLog(path string, opts Options) (*Log, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init stream schema: %w", err)
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Log{db: db, poll: poll}, nil
}

func (l *Log) Close() error { return l.db.Close() }

func (l *Log) Append(ctx context.Context, streamName string, fields map[string]string) (int64, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return 0, fmt.Errorf("marshal fields: %w", err)
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM entries WHERE stream = ?`, streamName).Scan(&seq); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entries(stream, seq, fields_json, appended_at_utc_ns) VALUES(?, ?, ?, ?)`,
		streamName, seq, string(raw), time.Now().UTC().UnixNano()); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

func (l *Log) EnsureGroup(ctx context.Context, streamName, group string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO groups(stream, grp, cursor, created_at_utc_ns) VALUES(?, ?, 0, ?)
		 ON CONFLICT(stream, grp) DO NOTHING`,
		streamName, group, time.Now().UTC().UnixNano())
	return err
}

func (l *Log) Consume(ctx context.Context, streamName, group, consumer string, h stream.Handler) error {
	if err := l.EnsureGroup(ctx, streamName, group); err != nil {
		return fmt.Errorf("ensure group %s/%s: %w", streamName, group, err)
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		entry, ok, err := l.nextDelivery(ctx, streamName, group, consumer)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read %s/%s: %w", streamName, group, err)
		}
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(l.poll):
			}
			continue
		}
		if err := h(ctx, entry); err != nil {
			return fmt.Errorf("handle entry %d on %s: %w", entry.ID, streamName, err)
		}
		if err := l.ack(ctx, streamName, group, entry.ID); err != nil {
			return fmt.Errorf("ack entry %d on %s: %w", entry.ID, streamName, err)
		}
	}
}

// nextDelivery claims one entry for the consumer: its own oldest pending
// entry first (a same-named restart resumes stranded deliveries), otherwise
// the next entry past the group cursor. Claiming advances the cursor and
// records the pending row in the same transaction, so no two consumers in a
// group receive the same undelivered entry.
func (l *Log) nextDelivery(ctx context.Context, streamName, group, consumer string) (stream.Entry, bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return stream.Entry{}, false, err
	}
	defer tx.Rollback()

	var seq int64
	var raw string
	err = tx.QueryRowContext(ctx, `
SELECT p.seq, e.fields_json
FROM pending p JOIN entries e ON e.stream = p.stream AND e.seq = p.seq
WHERE p.stream = ? AND p.grp = ? AND p.consumer = ?
ORDER BY p.seq LIMIT 1`, streamName, group, consumer).Scan(&seq, &raw)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx,
			`UPDATE pending SET delivery_count = delivery_count + 1, delivered_at_utc_ns = ?
			 WHERE stream = ? AND grp = ? AND seq = ?`,
			time.Now().UTC().UnixNano(), streamName, group, seq); err != nil {
			return stream.Entry{}, false, err
		}
		return l.finishClaim(tx, streamName, seq, raw)
	case err != sql.ErrNoRows:
		return stream.Entry{}, false, err
	}

	var cursor int64
	if err := tx.QueryRowContext(ctx,
		`SELECT cursor FROM groups WHERE stream = ? AND grp = ?`, streamName, group).Scan(&cursor); err != nil {
		if err == sql.ErrNoRows {
			return stream.Entry{}, false, fmt.Errorf("unknown group %q on stream %q", group, streamName)
		}
		return stream.Entry{}, false, err
	}

	err = tx.QueryRowContext(ctx,
		`SELECT seq, fields_json FROM entries WHERE stream = ? AND seq > ? ORDER BY seq LIMIT 1`,
		streamName, cursor).Scan(&seq, &raw)
	if err == sql.ErrNoRows {
		return stream.Entry{}, false, nil
	}
	if err != nil {
		return stream.Entry{}, false, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE groups SET cursor = ? WHERE stream = ? AND grp = ?`, seq, streamName, group); err != nil {
		return stream.Entry{}, false, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pending(stream, grp, seq, consumer, delivered_at_utc_ns) VALUES(?, ?, ?, ?, ?)`,
		streamName, group, seq, consumer, time.Now().UTC().UnixNano()); err != nil {
		return stream.Entry{}, false, err
	}
	return l.finishClaim(tx, streamName, seq, raw)
}

func (l *Log) finishClaim(tx *sql.Tx, streamName string, seq int64, raw string) (stream.Entry, bool, error) {
	var fields map[string]string
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return stream.Entry{}, false, fmt.Errorf("unmarshal entry %d fields: %w", seq, err)
	}
	if err := tx.Commit(); err != nil {
		return stream.Entry{}, false, err
	}
	return stream.Entry{ID: seq, Stream: streamName, Fields: fields}, true, nil
}

func (l *Log) ack(ctx context.Context, streamName, group string, seq int64) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM pending WHERE stream = ? AND grp = ? AND seq = ?`, streamName, group, seq)
	return err
}

// Length reports how many entries a stream holds.
func (l *Log) Length(ctx context.Context, streamName string) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE stream = ?`, streamName).Scan(&n)
	return n, err
}

// PendingCount reports delivered-but-unacknowledged entries for a group.
func (l *Log) PendingCount(ctx context.Context, streamName, group string) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending WHERE stream = ? AND grp = ?`, streamName, group).Scan(&n)
	return n, err
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	// One connection serializes writers; readers queue behind busy_timeout.
	db.SetMaxOpenConns(1)
	return db, nil
}
