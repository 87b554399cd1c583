package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"coalesce/internal/domain"
	"coalesce/internal/store"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id TEXT PRIMARY KEY,
	key TEXT NOT NULL UNIQUE,
	state TEXT NOT NULL CHECK (state IN ('PROCESSING','COMPLETED','FAILED')),
	created_at_utc_ns INTEGER NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS waiting_parties (
	request_id TEXT NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
	party_id TEXT NOT NULL,
	created_at_utc_ns INTEGER NOT NULL,
	PRIMARY KEY (request_id, party_id)
);

CREATE TABLE IF NOT EXISTS results (
	id TEXT PRIMARY KEY,
	key TEXT NOT NULL UNIQUE,
	content TEXT NOT NULL,
	created_at_utc_ns INTEGER NOT NULL
);
`

// Store is the SQLite engine. SQLite transactions are serializable, which is
// exactly the isolation the create/join race requires.
type Store struct {
	db *sql.DB
}

func NewStore(path string) (*Store, error) {
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
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init store schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) LookupCompleted(ctx context.Context, key string) (domain.Request, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, key, state, created_at_utc_ns, updated_at_utc_ns FROM requests WHERE key = ? AND state = ?`,
		key, domain.StateCompleted)
	return scanRequest(row)
}

func (s *Store) LookupCachedResult(ctx context.Context, key string) (domain.CachedResult, bool, error) {
	var r domain.CachedResult
	var createdNs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT key, content, created_at_utc_ns FROM results WHERE key = ?`, key).
		Scan(&r.Key, &r.Content, &createdNs)
	if err == sql.ErrNoRows {
		return domain.CachedResult{}, false, nil
	}
	if err != nil {
		return domain.CachedResult{}, false, err
	}
	r.CreatedAt = time.Unix(0, createdNs).UTC()
	return r, true, nil
}

func (s *Store) JoinIfProcessing(ctx context.Context, key, partyID string) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	var requestID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM requests WHERE key = ? AND state = ?`, key, domain.StateProcessing).Scan(&requestID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO waiting_parties(request_id, party_id, created_at_utc_ns) VALUES(?, ?, ?)
		 ON CONFLICT(request_id, party_id) DO NOTHING`,
		requestID, partyID, time.Now().UTC().UnixNano()); err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return requestID, true, nil
}

func (s *Store) CreateNew(ctx context.Context, key, partyID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	now := time.Now().UTC().UnixNano()
	requestID := uuid.NewString()
	// Attempt the insert outright; the UNIQUE(key) constraint turns a race
	// into one winner and one ErrConflict.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO requests(id, key, state, created_at_utc_ns, updated_at_utc_ns) VALUES(?, ?, ?, ?, ?)`,
		requestID, key, domain.StateProcessing, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return "", store.ErrConflict
		}
		return "", err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO waiting_parties(request_id, party_id, created_at_utc_ns) VALUES(?, ?, ?)`,
		requestID, partyID, now); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return requestID, nil
}

func (s *Store) Resolve(ctx context.Context, requestID string, outcome domain.RequestState) ([]string, error) {
	if !outcome.Terminal() {
		return nil, fmt.Errorf("resolve outcome %q is not terminal", outcome)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var state domain.RequestState
	err = tx.QueryRowContext(ctx, `SELECT state FROM requests WHERE id = ?`, requestID).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("resolve %q: %w", requestID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if state.Terminal() {
		// Already resolved; parties were drained then. No double fanout.
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE requests SET state = ?, updated_at_utc_ns = ? WHERE id = ?`,
		outcome, time.Now().UTC().UnixNano(), requestID); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx,
		`DELETE FROM waiting_parties WHERE request_id = ? RETURNING party_id`, requestID)
	if err != nil {
		return nil, err
	}
	var parties []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		parties = append(parties, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return parties, nil
}

func (s *Store) UpsertResult(ctx context.Context, key, content string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO results(id, key, content, created_at_utc_ns) VALUES(?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET content = excluded.content, created_at_utc_ns = excluded.created_at_utc_ns
WHERE results.content != excluded.content`,
		uuid.NewString(), key, content, time.Now().UTC().UnixNano())
	return err
}

func (s *Store) RequestIDByKey(ctx context.Context, key string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM requests WHERE key = ?`, key).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func scanRequest(row *sql.Row) (domain.Request, bool, error) {
	var r domain.Request
	var createdNs, updatedNs int64
	err := row.Scan(&r.ID, &r.Key, &r.State, &createdNs, &updatedNs)
	if err == sql.ErrNoRows {
		return domain.Request{}, false, nil
	}
	if err != nil {
		return domain.Request{}, false, err
	}
	r.CreatedAt = time.Unix(0, createdNs).UTC()
	r.UpdatedAt = time.Unix(0, updatedNs).UTC()
	return r, true, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
