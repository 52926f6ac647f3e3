package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/bcmsync/internal/slot"
	"github.com/hyperengineering/bcmsync/internal/types"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the local SQLite database. It serves as a slot.Slot
// backend and holds the dead-letter table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get implements slot.Slot.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM slots WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", slot.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get slot %q: %w", key, err)
	}
	return value, nil
}

// Set implements slot.Slot.
func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO slots (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now)
	if err != nil {
		return fmt.Errorf("set slot %q: %w", key, err)
	}
	return nil
}

// Remove implements slot.Slot.
func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM slots WHERE key = ?", key); err != nil {
		return fmt.Errorf("remove slot %q: %w", key, err)
	}
	return nil
}

// DeadLetter records a mutation that will no longer be retried. Recording
// the same mutation id again replaces the earlier entry.
func (s *SQLiteStore) DeadLetter(ctx context.Context, m types.QueuedMutation, reason string) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mutation: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (mutation_id, kind, target, mutation, reason, dead_lettered_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(mutation_id) DO UPDATE SET
			mutation = excluded.mutation,
			reason = excluded.reason,
			dead_lettered_at = excluded.dead_lettered_at
	`, m.ID, string(m.Kind), m.Target, string(data), reason, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns dead letters oldest first. limit <= 0 means no limit.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context, limit int) ([]types.DeadLetter, error) {
	query := "SELECT id, mutation, reason, dead_lettered_at FROM dead_letters ORDER BY id ASC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	letters := []types.DeadLetter{}
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, *dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}

	return letters, nil
}

// GetDeadLetter returns a single dead letter or ErrNotFound.
func (s *SQLiteStore) GetDeadLetter(ctx context.Context, id int64) (*types.DeadLetter, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, mutation, reason, dead_lettered_at FROM dead_letters WHERE id = ?", id)
	dl, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return dl, nil
}

// DeleteDeadLetter removes a dead letter, returning ErrNotFound if absent.
func (s *SQLiteStore) DeleteDeadLetter(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM dead_letters WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountDeadLetters returns the number of stored dead letters.
func (s *SQLiteStore) CountDeadLetters(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_letters").Scan(&count); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row rowScanner) (*types.DeadLetter, error) {
	var (
		dl       types.DeadLetter
		mutation string
		at       string
	)
	if err := row.Scan(&dl.ID, &mutation, &dl.Reason, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan dead letter: %w", err)
	}
	if err := json.Unmarshal([]byte(mutation), &dl.Mutation); err != nil {
		return nil, fmt.Errorf("decode dead letter %d: %w", dl.ID, err)
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return nil, fmt.Errorf("parse dead_lettered_at: %w", err)
	}
	dl.DeadLetteredAt = t
	return &dl, nil
}
