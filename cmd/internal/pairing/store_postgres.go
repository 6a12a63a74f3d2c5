package pairing

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "pairgate").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("pairing: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("pairing: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "pairgate",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("pairing: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema and sessions table if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("pairing: nil store")
	}
	sessions := pgIdent(s.schema, "sessions")
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  session_id       TEXT PRIMARY KEY,
  phone            TEXT NOT NULL DEFAULT '',
  state            TEXT NOT NULL,
  code_deadline    TIMESTAMPTZ NULL,
  credentials_path TEXT NOT NULL DEFAULT '',
  archive_path     TEXT NOT NULL DEFAULT '',
  archive_size     BIGINT NOT NULL DEFAULT 0,
  archive_checksum TEXT NOT NULL DEFAULT '',
  display_name     TEXT NOT NULL DEFAULT '',
  number           TEXT NOT NULL DEFAULT '',
  group_count      INTEGER NOT NULL DEFAULT 0,
  last_error       TEXT NOT NULL DEFAULT '',
  started_at       TIMESTAMPTZ NOT NULL,
  updated_at       TIMESTAMPTZ NOT NULL,
  connected_at     TIMESTAMPTZ NULL,
  ended_at         TIMESTAMPTZ NULL
);

CREATE INDEX IF NOT EXISTS %s ON %s (updated_at DESC);
`,
		pgx.Identifier{s.schema}.Sanitize(),
		sessions,
		pgx.Identifier{"idx_sessions_updated_at"}.Sanitize(), sessions,
	)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("pairing: ensure schema: %w", err)
	}
	return nil
}

// Upsert writes rec, replacing the previous row for the session.
func (s *PostgresStore) Upsert(ctx context.Context, rec Record) error {
	if s == nil || s.pool == nil {
		return errors.New("pairing: nil store")
	}
	if strings.TrimSpace(rec.SessionID) == "" {
		return opError("pairing.Store.Upsert", ErrInvalidRequest, "missing session id")
	}

	started := rec.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	sessions := pgIdent(s.schema, "sessions")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+sessions+` (
		     session_id, phone, state, code_deadline, credentials_path,
		     archive_path, archive_size, archive_checksum,
		     display_name, number, group_count, last_error,
		     started_at, updated_at, connected_at, ended_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (session_id) DO UPDATE SET
		     phone = EXCLUDED.phone,
		     state = EXCLUDED.state,
		     code_deadline = EXCLUDED.code_deadline,
		     credentials_path = EXCLUDED.credentials_path,
		     archive_path = EXCLUDED.archive_path,
		     archive_size = EXCLUDED.archive_size,
		     archive_checksum = EXCLUDED.archive_checksum,
		     display_name = EXCLUDED.display_name,
		     number = EXCLUDED.number,
		     group_count = EXCLUDED.group_count,
		     last_error = EXCLUDED.last_error,
		     started_at = EXCLUDED.started_at,
		     updated_at = EXCLUDED.updated_at,
		     connected_at = EXCLUDED.connected_at,
		     ended_at = EXCLUDED.ended_at`,
		rec.SessionID, rec.Phone, rec.State.String(), nullTime(rec.CodeDeadline), rec.CredentialsPath,
		rec.ArchivePath, rec.ArchiveSize, rec.ArchiveChecksum,
		rec.DisplayName, rec.Number, rec.Groups, rec.LastError,
		started, updated, nullTime(rec.ConnectedAt), nullTime(rec.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("pairing: upsert session: %w", err)
	}
	return nil
}

const recordColumns = `session_id, phone, state, code_deadline, credentials_path,
       archive_path, archive_size, archive_checksum,
       display_name, number, group_count, last_error,
       started_at, updated_at, connected_at, ended_at`

// Get returns the stored record for sessionID.
func (s *PostgresStore) Get(ctx context.Context, sessionID string) (Record, error) {
	if s == nil || s.pool == nil {
		return Record{}, errors.New("pairing: nil store")
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM `+pgIdent(s.schema, "sessions")+` WHERE session_id = $1`,
		sessionID,
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, opError("pairing.Store.Get", ErrNotFound, "%s", sessionID)
		}
		return Record{}, err
	}
	return rec, nil
}

// List returns up to limit records ordered by updated_at DESC.
func (s *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("pairing: nil store")
	}
	limit = clampListLimit(limit)

	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM `+pgIdent(s.schema, "sessions")+`
		  ORDER BY updated_at DESC, session_id ASC
		  LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec                            Record
		state                          string
		deadline, connectedAt, endedAt *time.Time
	)
	if err := row.Scan(
		&rec.SessionID, &rec.Phone, &state, &deadline, &rec.CredentialsPath,
		&rec.ArchivePath, &rec.ArchiveSize, &rec.ArchiveChecksum,
		&rec.DisplayName, &rec.Number, &rec.Groups, &rec.LastError,
		&rec.StartedAt, &rec.UpdatedAt, &connectedAt, &endedAt,
	); err != nil {
		return Record{}, err
	}
	st, err := ParseState(state)
	if err != nil {
		return Record{}, err
	}
	rec.State = st
	rec.CodeDeadline = derefTime(deadline)
	rec.ConnectedAt = derefTime(connectedAt)
	rec.EndedAt = derefTime(endedAt)
	return rec, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
