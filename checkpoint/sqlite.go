package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	conversation_id TEXT NOT NULL,
	step_id         TEXT NOT NULL,
	sequence        INTEGER NOT NULL,
	state           BLOB NOT NULL,
	metadata        BLOB,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, step_id)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_sequence ON checkpoints(conversation_id, sequence);
`

// SQLiteStore persists checkpoints in a SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint database: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating checkpoint schema: %w", err)
	}

	return &SQLiteStore{db: db, opts: buildOptions(opts)}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	now := s.opts.now().UnixNano()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (conversation_id, step_id, sequence, state, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, step_id) DO UPDATE SET
			sequence   = excluded.sequence,
			state      = excluded.state,
			metadata   = excluded.metadata,
			updated_at = excluded.updated_at`,
		rec.ConversationID, rec.StepID, rec.Sequence, rec.State, rec.Metadata, now, now,
	)
	if err != nil {
		return fmt.Errorf("saving checkpoint %s/%s: %w", rec.ConversationID, rec.StepID, err)
	}
	return nil
}

func (s *SQLiteStore) GetLatest(ctx context.Context, conversationID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, step_id, sequence, state, metadata, created_at, updated_at
		FROM checkpoints
		WHERE conversation_id = ?
		ORDER BY sequence DESC
		LIMIT 1`, conversationID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("loading latest checkpoint for %s: %w", conversationID, err)
	}
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context, conversationID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, step_id, sequence, state, metadata, created_at, updated_at
		FROM checkpoints
		WHERE conversation_id = ?
		ORDER BY sequence ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints for %s: %w", conversationID, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec              Record
		created, updated int64
	)
	if err := row.Scan(&rec.ConversationID, &rec.StepID, &rec.Sequence, &rec.State, &rec.Metadata, &created, &updated); err != nil {
		return Record{}, err
	}
	rec.CreatedAt = time.Unix(0, created)
	rec.UpdatedAt = time.Unix(0, updated)
	return rec, nil
}
