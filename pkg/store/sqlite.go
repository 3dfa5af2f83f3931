package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"proxypool/internal/database"
)

// SQLiteBackend keeps the pool in the proxies table of a local SQLite file.
type SQLiteBackend struct {
	db *database.DB
}

func NewSQLiteBackend(db *database.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

func (s *SQLiteBackend) InsertIfAbsent(ctx context.Context, member string, score int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO proxies (address, score) VALUES (?, ?) ON CONFLICT(address) DO NOTHING`,
		member, score)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteBackend) Set(ctx context.Context, member string, score int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proxies (address, score) VALUES (?, ?)
		ON CONFLICT(address) DO UPDATE SET score = excluded.score, updated_at = CURRENT_TIMESTAMP`,
		member, score)
	return err
}

// IncrementAndEvict runs the update and the conditional delete in one
// transaction. The first statement is a write, so SQLite takes the write lock
// up front and the busy timeout applies instead of a deadlock error.
func (s *SQLiteBackend) IncrementAndEvict(ctx context.Context, member string, delta, floor int) (int, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var score int
	err = tx.QueryRowContext(ctx, `
		UPDATE proxies SET score = score + ?, updated_at = CURRENT_TIMESTAMP
		WHERE address = ? RETURNING score`,
		delta, member).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrNotFound
	}
	if err != nil {
		return 0, false, err
	}

	evicted := false
	if score <= floor {
		if _, err := tx.ExecContext(ctx, `DELETE FROM proxies WHERE address = ?`, member); err != nil {
			return 0, false, err
		}
		evicted = true
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return score, evicted, nil
}

func (s *SQLiteBackend) Remove(ctx context.Context, member string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM proxies WHERE address = ?`, member)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteBackend) ScoreOf(ctx context.Context, member string) (int, bool, error) {
	var score int
	err := s.db.QueryRowContext(ctx, `SELECT score FROM proxies WHERE address = ?`, member).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

func (s *SQLiteBackend) Cardinality(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM proxies`).Scan(&n)
	return n, err
}

func (s *SQLiteBackend) RangeByScore(ctx context.Context, min, max int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address FROM proxies WHERE score BETWEEN ? AND ? ORDER BY score`, min, max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, fmt.Errorf("failed to scan proxy row: %w", err)
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

// Scan uses the rowid as a keyset cursor. A short page means the end of the
// table was reached and the cursor resets to 0.
func (s *SQLiteBackend) Scan(ctx context.Context, cursor uint64, count int64) ([]string, uint64, error) {
	if count <= 0 {
		count = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT rowid, address FROM proxies WHERE rowid > ? ORDER BY rowid LIMIT ?`,
		int64(cursor), count)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		members []string
		last    int64
	)
	for rows.Next() {
		var member string
		if err := rows.Scan(&last, &member); err != nil {
			return nil, 0, fmt.Errorf("failed to scan proxy row: %w", err)
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if int64(len(members)) < count {
		return members, 0, nil
	}
	return members, uint64(last), nil
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
