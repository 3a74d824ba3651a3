package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	bucket TEXT NOT NULL,
	key    TEXT NOT NULL,
	value  BLOB NOT NULL,
	PRIMARY KEY (bucket, key)
);
`

type sqliteBackend struct {
	db *sql.DB
}

func NewSQLiteBackend(path string) (Backend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("store db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers; sqlite would otherwise
	// return SQLITE_BUSY under concurrent compare-and-swap.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &sqliteBackend{db: db}, nil
}

func (s *sqliteBackend) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	if !knownBucket(bucket) {
		return nil, false, ErrUnknownBucket
	}
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM records WHERE bucket = ? AND key = ?`, bucket, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *sqliteBackend) Put(ctx context.Context, bucket, key string, value []byte) error {
	if !knownBucket(bucket) {
		return ErrUnknownBucket
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (bucket, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value`,
		bucket, key, value)
	return err
}

// Scan reads the whole bucket before invoking fn so callbacks can write
// through the same single connection.
func (s *sqliteBackend) Scan(ctx context.Context, bucket string, fn func(key string, value []byte) error) error {
	if !knownBucket(bucket) {
		return ErrUnknownBucket
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM records WHERE bucket = ? ORDER BY key`, bucket)
	if err != nil {
		return err
	}
	type row struct {
		key   string
		value []byte
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.key, &r.value); err != nil {
			_ = rows.Close()
			return err
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	if err := rows.Close(); err != nil {
		return err
	}
	for _, r := range all {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r.key, r.value); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteBackend) CompareAndSwap(ctx context.Context, bucket, key string, prev, next []byte) (bool, error) {
	if !knownBucket(bucket) {
		return false, ErrUnknownBucket
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var current []byte
	exists := true
	err = tx.QueryRowContext(ctx, `SELECT value FROM records WHERE bucket = ? AND key = ?`, bucket, key).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return false, err
	}
	if !casMatches(current, exists, prev) {
		return false, nil
	}
	switch {
	case next == nil:
		_, err = tx.ExecContext(ctx, `DELETE FROM records WHERE bucket = ? AND key = ?`, bucket, key)
	case exists:
		_, err = tx.ExecContext(ctx, `UPDATE records SET value = ? WHERE bucket = ? AND key = ?`, next, bucket, key)
	default:
		_, err = tx.ExecContext(ctx, `INSERT INTO records (bucket, key, value) VALUES (?, ?, ?)`, bucket, key, bytes.Clone(next))
	}
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteBackend) Name() string {
	return BackendSQLite
}

func (s *sqliteBackend) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
