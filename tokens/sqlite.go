package tokens

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS available_tokens (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	token TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS unavailable_tokens (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	token      TEXT NOT NULL UNIQUE,
	retired_at TEXT NOT NULL
);
`

// SQLiteStore keeps both lists in a single SQLite database. Retired tokens
// carry a retirement timestamp for auditing.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open token db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init token schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) column(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListAvailable returns available tokens in insertion order.
func (s *SQLiteStore) ListAvailable(ctx context.Context) ([]string, error) {
	out, err := s.column(ctx, `SELECT token FROM available_tokens
		WHERE token NOT IN (SELECT token FROM unavailable_tokens) ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list available: %w", err)
	}
	return out, nil
}

// ListUnavailable returns retired tokens in retirement order.
func (s *SQLiteStore) ListUnavailable(ctx context.Context) ([]string, error) {
	out, err := s.column(ctx, `SELECT token FROM unavailable_tokens ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list unavailable: %w", err)
	}
	return out, nil
}

// MarkUnavailable moves token to the retired table in one transaction.
func (s *SQLiteStore) MarkUnavailable(ctx context.Context, token string) error {
	token = normalize(token)
	if token == "" {
		return ErrEmptyToken
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO unavailable_tokens (token, retired_at) VALUES (?, ?)`,
		token, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("retire token: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM available_tokens WHERE token = ?`, token); err != nil {
		return fmt.Errorf("remove token: %w", err)
	}
	return tx.Commit()
}

// Append adds token to the available table.
func (s *SQLiteStore) Append(ctx context.Context, token string) error {
	token = normalize(token)
	if token == "" {
		return ErrEmptyToken
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM unavailable_tokens WHERE token = ?`, token).Scan(&n); err != nil {
		return fmt.Errorf("check retired: %w", err)
	}
	if n > 0 {
		return ErrRetired
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO available_tokens (token) VALUES (?)`, token); err != nil {
		return fmt.Errorf("append token: %w", err)
	}
	return tx.Commit()
}

// RetiredAt returns when token was retired, or false if it never was.
func (s *SQLiteStore) RetiredAt(ctx context.Context, token string) (time.Time, bool, error) {
	var ts string
	err := s.db.QueryRowContext(ctx,
		`SELECT retired_at FROM unavailable_tokens WHERE token = ?`, normalize(token)).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
