// Package sqlite provides a storage adapter backed by an embedded SQLite
// database. Records are stored one row per property with JSON-encoded
// values, so partial saves update only the touched rows.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"smartobject/pkg/object"
)

// Store implements object.Storage on a SQLite database file.
type Store struct {
	db    *sql.DB
	table string
	path  string
}

// Option configures a Store.
type Option func(*Store)

// WithTable overrides the default table name.
func WithTable(name string) Option {
	return func(s *Store) { s.table = name }
}

// New opens (creating if needed) the database at path and ensures the
// property table exists.
func New(path string, opts ...Option) (*Store, error) {
	if path == "" {
		path = "smartobject.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &Store{db: db, table: "objects", path: path}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		pk TEXT NOT NULL,
		prop TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (pk, prop)
	)`, s.table)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create table %s: %w", s.table, err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// GeneratesKeys implements object.Storage.
func (s *Store) GeneratesKeys() bool { return false }

// Load implements object.Storage.
func (s *Store) Load(ctx context.Context, pk any) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT prop, value FROM %s WHERE pk = ?`, s.table), keyOf(pk))
	if err != nil {
		return nil, fmt.Errorf("select record: %w", err)
	}
	defer func() { _ = rows.Close() }()
	data := make(map[string]any)
	for rows.Next() {
		var prop, raw string
		if err := rows.Scan(&prop, &raw); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		v, err := decodeValue(raw)
		if err != nil {
			return nil, err
		}
		data[prop] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, object.NotFoundError{Storage: "sqlite", PK: pk}
	}
	return data, nil
}

// LoadAll implements object.Storage, grouping rows back into records.
func (s *Store) LoadAll(ctx context.Context, fn func(object.Record) error) error {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT pk, prop, value FROM %s ORDER BY pk`, s.table))
	if err != nil {
		return fmt.Errorf("select records: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var (
		recs    []object.Record
		current string
		data    map[string]any
	)
	flush := func() {
		if data != nil {
			recs = append(recs, object.Record{Data: data, Info: current})
		}
	}
	for rows.Next() {
		var pk, prop, raw string
		if err := rows.Scan(&pk, &prop, &raw); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		if data == nil || pk != current {
			flush()
			current = pk
			data = make(map[string]any)
		}
		v, err := decodeValue(raw)
		if err != nil {
			return err
		}
		data[prop] = v
	}
	flush()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Save implements object.Storage. Only the modified subset is written when
// the record already exists; otherwise the full data is inserted.
func (s *Store) Save(ctx context.Context, pk any, data, modified map[string]any) (any, error) {
	if pk == nil {
		return nil, object.LookupError{Storage: "sqlite", Msg: "save without primary key"}
	}
	key := keyOf(pk)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	var n int
	if err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE pk = ?`, s.table), key).Scan(&n); err != nil {
		return nil, fmt.Errorf("count: %w", err)
	}
	props := data
	if n > 0 && len(modified) < len(data) {
		props = modified
	}
	for prop, value := range props {
		raw, err := encodeValue(value)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (pk, prop, value) VALUES (?, ?, ?)
			 ON CONFLICT (pk, prop) DO UPDATE SET value = excluded.value`, s.table),
			key, prop, raw); err != nil {
			return nil, fmt.Errorf("upsert %s: %w", prop, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return pk, nil
}

// Delete implements object.Storage.
func (s *Store) Delete(ctx context.Context, pk any, _ []string) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE pk = ?`, s.table), keyOf(pk))
	return err
}

// GetProp implements object.Storage.
func (s *Store) GetProp(ctx context.Context, pk any, prop string) (any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE pk = ? AND prop = ?`, s.table),
		keyOf(pk), prop).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select prop: %w", err)
	}
	return decodeValue(raw)
}

// SetProp implements object.Storage. The record must have been saved at
// least once; property rows are not created for unknown keys.
func (s *Store) SetProp(ctx context.Context, pk any, prop string, value any) error {
	key := keyOf(pk)
	var n int
	if err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE pk = ?`, s.table), key).Scan(&n); err != nil {
		return fmt.Errorf("count: %w", err)
	}
	if n == 0 {
		return object.LookupError{Storage: "sqlite", Msg: fmt.Sprintf("object %v not saved yet", pk)}
	}
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (pk, prop, value) VALUES (?, ?, ?)
		 ON CONFLICT (pk, prop) DO UPDATE SET value = excluded.value`, s.table),
		key, prop, raw)
	return err
}

// Purge implements object.Storage; row deletes are immediate.
func (s *Store) Purge(context.Context) (int, error) { return 0, nil }

// Cleanup implements object.Storage.
func (s *Store) Cleanup(ctx context.Context, live []any) (int, error) {
	keep := make(map[string]struct{}, len(live))
	for _, pk := range live {
		keep[keyOf(pk)] = struct{}{}
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT DISTINCT pk FROM %s`, s.table))
	if err != nil {
		return 0, fmt.Errorf("select keys: %w", err)
	}
	var stale []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan: %w", err)
		}
		if _, ok := keep[pk]; !ok {
			stale = append(stale, pk)
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, pk := range stale {
		if _, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE pk = ?`, s.table), pk); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

func keyOf(pk any) string { return fmt.Sprint(pk) }

func encodeValue(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode value: %w", err)
	}
	return string(b), nil
}

func decodeValue(raw string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

var _ object.Storage = (*Store)(nil)
