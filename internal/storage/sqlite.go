package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"condorbot/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id         TEXT PRIMARY KEY,
	bot_id     TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	state      TEXT NOT NULL,
	data       TEXT NOT NULL,
	version    INTEGER NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_bot_id ON positions(bot_id);
CREATE INDEX IF NOT EXISTS idx_positions_state ON positions(state);
`

// SQLiteStore is the Store implementation backed by a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates if needed) the database at path.
// Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") && !strings.Contains(dsn, ":memory:") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// SavePosition inserts or updates the position with optimistic locking.
func (s *SQLiteStore) SavePosition(ctx context.Context, p *models.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position %s: %w", p.ID, err)
	}
	now := time.Now().UTC()

	if p.Version == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO positions (id, bot_id, symbol, state, data, version, updated_at)
			 VALUES (?, ?, ?, ?, ?, 1, ?)`,
			p.ID, p.BotID, p.Symbol, string(p.State), string(data), now)
		if err != nil {
			return fmt.Errorf("insert position %s: %w", p.ID, err)
		}
		p.Version = 1
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE positions SET bot_id = ?, symbol = ?, state = ?, data = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		p.BotID, p.Symbol, string(p.State), string(data), now, p.ID, p.Version)
	if err != nil {
		return fmt.Errorf("update position %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", p.ID, err)
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM positions WHERE id = ?`, p.ID).Scan(&exists); err == nil && exists == 0 {
			return ErrNotFound
		}
		return ErrStaleWrite
	}
	p.Version++
	return nil
}

// GetPosition returns the position with the given ID.
func (s *SQLiteStore) GetPosition(ctx context.Context, id string) (*models.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data, version FROM positions WHERE id = ?`, id)
	return scanPosition(row)
}

// ListActive returns positions that may still hold capital at the broker.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]*models.Position, error) {
	states := []any{
		string(models.StatePendingOpen), string(models.StatePartiallyOpen),
		string(models.StateOpen), string(models.StatePendingClose),
		string(models.StatePartiallyClosed), string(models.StateOrphaned),
	}
	q := `SELECT data, version FROM positions WHERE state IN (?, ?, ?, ?, ?, ?) ORDER BY updated_at`
	return s.queryPositions(ctx, q, states...)
}

// ListByBot returns every position for botID, any state.
func (s *SQLiteStore) ListByBot(ctx context.Context, botID string) ([]*models.Position, error) {
	return s.queryPositions(ctx,
		`SELECT data, version FROM positions WHERE bot_id = ? ORDER BY updated_at`, botID)
}

// ListByState returns every position in the given state.
func (s *SQLiteStore) ListByState(ctx context.Context, state models.PositionState) ([]*models.Position, error) {
	return s.queryPositions(ctx,
		`SELECT data, version FROM positions WHERE state = ? ORDER BY updated_at`, string(state))
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) queryPositions(ctx context.Context, query string, args ...any) ([]*models.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Position
	for rows.Next() {
		var data string
		var version int64
		if err := rows.Scan(&data, &version); err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}
		p, err := unmarshalPosition(data, version)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*models.Position, error) {
	var data string
	var version int64
	if err := row.Scan(&data, &version); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan position: %w", err)
	}
	return unmarshalPosition(data, version)
}

func unmarshalPosition(data string, version int64) (*models.Position, error) {
	var p models.Position
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("unmarshal position: %w", err)
	}
	// The column is authoritative: the JSON blob was serialized before the
	// version bump.
	p.Version = version
	return &p, nil
}

var _ Store = (*SQLiteStore)(nil)
