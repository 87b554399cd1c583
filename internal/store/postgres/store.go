// Package postgres is the PostgreSQL engine for the dedup/state store. Every
// multi-step operation runs at SERIALIZABLE isolation, so racing callers on
// one key resolve to one winner and explicit conflicts for the rest.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"coalesce/internal/domain"
	"coalesce/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id UUID PRIMARY KEY,
	key TEXT NOT NULL UNIQUE,
	state TEXT NOT NULL CHECK (state IN ('PROCESSING','COMPLETED','FAILED')),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS waiting_parties (
	request_id UUID NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
	party_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (request_id, party_id)
);

CREATE TABLE IF NOT EXISTS results (
	id UUID PRIMARY KEY,
	key TEXT NOT NULL UNIQUE,
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

type Store struct {
	db *sql.DB
}

func NewStore(connectionString string) (*Store, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init store schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

func (s *Store) LookupCompleted(ctx context.Context, key string) (domain.Request, bool, error) {
	var r domain.Request
	err := s.db.QueryRowContext(ctx,
		`SELECT id, key, state, created_at, updated_at FROM requests WHERE key = $1 AND state = $2`,
		key, domain.StateCompleted).Scan(&r.ID, &r.Key, &r.State, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Request{}, false, nil
	}
	if err != nil {
		return domain.Request{}, false, err
	}
	return r, true, nil
}

func (s *Store) LookupCachedResult(ctx context.Context, key string) (domain.CachedResult, bool, error) {
	var r domain.CachedResult
	err := s.db.QueryRowContext(ctx,
		`SELECT key, content, created_at FROM results WHERE key = $1`, key).
		Scan(&r.Key, &r.Content, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.CachedResult{}, false, nil
	}
	if err != nil {
		return domain.CachedResult{}, false, err
	}
	return r, true, nil
}

func (s *Store) JoinIfProcessing(ctx context.Context, key, partyID string) (string, bool, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	var requestID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM requests WHERE key = $1 AND state = $2`, key, domain.StateProcessing).Scan(&requestID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO waiting_parties(request_id, party_id) VALUES($1, $2)
		 ON CONFLICT (request_id, party_id) DO NOTHING`, requestID, partyID); err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return "", false, store.ErrConflict
		}
		return "", false, err
	}
	return requestID, true, nil
}

func (s *Store) CreateNew(ctx context.Context, key, partyID string) (string, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	requestID := uuid.NewString()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO requests(id, key, state) VALUES($1, $2, $3)`,
		requestID, key, domain.StateProcessing)
	if err != nil {
		if isUniqueViolation(err) {
			return "", store.ErrConflict
		}
		return "", err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO waiting_parties(request_id, party_id) VALUES($1, $2)`, requestID, partyID); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err) || isUniqueViolation(err) {
			return "", store.ErrConflict
		}
		return "", err
	}
	return requestID, nil
}

func (s *Store) Resolve(ctx context.Context, requestID string, outcome domain.RequestState) ([]string, error) {
	if !outcome.Terminal() {
		return nil, fmt.Errorf("resolve outcome %q is not terminal", outcome)
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var state domain.RequestState
	err = tx.QueryRowContext(ctx, `SELECT state FROM requests WHERE id = $1`, requestID).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("resolve %q: %w", requestID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if state.Terminal() {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE requests SET state = $1, updated_at = now() WHERE id = $2`, outcome, requestID); err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx,
		`DELETE FROM waiting_parties WHERE request_id = $1 RETURNING party_id`, requestID)
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
INSERT INTO results(id, key, content) VALUES($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET content = EXCLUDED.content, created_at = now()
WHERE results.content != EXCLUDED.content`,
		uuid.NewString(), key, content)
	return err
}

func (s *Store) RequestIDByKey(ctx context.Context, key string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM requests WHERE key = $1`, key).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "40001"
}
