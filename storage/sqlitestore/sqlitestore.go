// Package sqlitestore provides a SQLite implementation of storage.Store.
//
// Examples:
//
//	store, err := sqlitestore.New("file:oauthdispatch.db", sqlitestore.WithPrefix("od_"))
//
//	store, err := sqlitestore.New(":memory:")
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/dpup/oauthdispatch/errors"
	"github.com/dpup/oauthdispatch/storage"
	"github.com/mattn/go-sqlite3"
)

// Option is a functional option for configuring the store.
type Option func(*store)

// DefaultPrefix is prepended to table names unless WithPrefix overrides it.
const DefaultPrefix = "oauthdispatch_"

// sharedTable holds every model without a dedicated table, after the prefix.
const sharedTable = "store"

// WithPrefix sets a prefix for all table names. Defaults to DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *store) {
		s.prefix = prefix
	}
}

// New opens a sqlite database and creates the default table.
func New(dsn string, opts ...Option) (storage.Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.WrapPrefix(err, "sqlitestore: open", 0)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers, which sqlite requires anyway.
	db.SetMaxOpenConns(1)

	s := &store{db: db, prefix: DefaultPrefix, tables: map[string]bool{}}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.createTable(s.defaultTable(), true); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

type store struct {
	db     *sql.DB
	prefix string

	mu     sync.RWMutex
	tables map[string]bool // models with a dedicated table
}

func (s *store) defaultTable() string {
	return s.prefix + sharedTable
}

// InitModel creates a dedicated table for the model.
func (s *store) InitModel(model storage.Model) error {
	name := storage.Name(model)
	if err := s.createTable(s.prefix+name, false); err != nil {
		return err
	}
	s.mu.Lock()
	s.tables[name] = true
	s.mu.Unlock()
	return nil
}

// target returns the table for the model and, for the shared table, the
// entity_type condition that scopes rows to the model.
func (s *store) target(model any) (table string, shared bool, name string) {
	name = storage.Name(model)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tables[name] {
		return s.prefix + name, false, name
	}
	return s.defaultTable(), true, name
}

func (s *store) where(shared bool, name string, id string) (string, []any) {
	if shared {
		return "id = ? AND entity_type = ?", []any{id, name}
	}
	return "id = ?", []any{id}
}

func (s *store) Create(ctx context.Context, models ...storage.Model) error {
	return s.write(ctx, models, func(tx *sql.Tx, m storage.Model, value string) error {
		table, shared, name := s.target(m)
		var err error
		if shared {
			_, err = tx.ExecContext(ctx, "INSERT INTO "+table+" (id, entity_type, value) VALUES (?, ?, ?)", m.PK(), name, value)
		} else {
			_, err = tx.ExecContext(ctx, "INSERT INTO "+table+" (id, value) VALUES (?, ?)", m.PK(), value)
		}
		return err
	})
}

func (s *store) Update(ctx context.Context, models ...storage.Model) error {
	return s.write(ctx, models, func(tx *sql.Tx, m storage.Model, value string) error {
		table, shared, name := s.target(m)
		cond, args := s.where(shared, name, m.PK())
		res, err := tx.ExecContext(ctx,
			"UPDATE "+table+" SET value = ?, updated_at = CURRENT_TIMESTAMP WHERE "+cond,
			append([]any{value}, args...)...)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

func (s *store) Upsert(ctx context.Context, models ...storage.Model) error {
	return s.write(ctx, models, func(tx *sql.Tx, m storage.Model, value string) error {
		table, shared, name := s.target(m)
		var err error
		if shared {
			_, err = tx.ExecContext(ctx, `INSERT INTO `+table+` (id, entity_type, value) VALUES (?, ?, ?)
				ON CONFLICT(id, entity_type) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
				m.PK(), name, value)
		} else {
			_, err = tx.ExecContext(ctx, `INSERT INTO `+table+` (id, value) VALUES (?, ?)
				ON CONFLICT(id) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
				m.PK(), value)
		}
		return err
	})
}

// write runs fn for every model inside one transaction.
func (s *store) write(ctx context.Context, models []storage.Model, fn func(*sql.Tx, storage.Model, string) error) error {
	values := make([]string, len(models))
	for i, m := range models {
		v, err := json.Marshal(m)
		if err != nil {
			return errors.WrapPrefix(storage.ErrInvalidModel, err.Error(), 0)
		}
		values[i] = string(v)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateError(err)
	}
	for i, m := range models {
		if err := fn(tx, m, values[i]); err != nil {
			tx.Rollback()
			return translateError(err)
		}
	}
	return translateError(tx.Commit())
}

func (s *store) Read(ctx context.Context, id string, model storage.Model) error {
	if err := storage.ValidateReceiver(model); err != nil {
		return err
	}
	table, shared, name := s.target(model)
	cond, args := s.where(shared, name, id)

	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM "+table+" WHERE "+cond, args...).Scan(&value)
	if err != nil {
		return translateError(err)
	}
	if err := json.Unmarshal(value, model); err != nil {
		return errors.WrapPrefix(storage.ErrInvalidModel, err.Error(), 0)
	}
	return nil
}

func (s *store) Delete(ctx context.Context, model storage.Model) error {
	table, shared, name := s.target(model)
	cond, args := s.where(shared, name, model.PK())

	res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE "+cond, args...)
	if err != nil {
		return translateError(err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return errors.Mark(storage.ErrNotFound, 0)
	}
	return nil
}

func (s *store) List(ctx context.Context, models any, filter storage.Model) error {
	slice, err := storage.ListTarget(models, filter)
	if err != nil {
		return err
	}
	elemType := slice.Type().Elem()

	query, args := s.buildListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return translateError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var value []byte
		if err := rows.Scan(&value); err != nil {
			return translateError(err)
		}
		elem := reflect.New(elemType)
		if err := json.Unmarshal(value, elem.Interface()); err != nil {
			return errors.WrapPrefix(storage.ErrInvalidModel, err.Error(), 0)
		}
		slice.Set(reflect.Append(slice, elem.Elem()))
	}
	return translateError(rows.Err())
}

func (s *store) Exists(ctx context.Context, id string, model storage.Model) (bool, error) {
	table, shared, name := s.target(model)
	cond, args := s.where(shared, name, id)

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE "+cond, args...).Scan(&count); err != nil {
		return false, translateError(err)
	}
	return count > 0, nil
}

func (s *store) Close() error {
	return s.db.Close()
}

func (s *store) createTable(table string, shared bool) error {
	var ddl string
	if shared {
		ddl = `CREATE TABLE IF NOT EXISTS ` + table + ` (
			id TEXT,
			entity_type TEXT,
			value TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (id, entity_type)
		)`
	} else {
		ddl = `CREATE TABLE IF NOT EXISTS ` + table + ` (
			id TEXT PRIMARY KEY,
			value TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`
	}
	if _, err := s.db.Exec(ddl); err != nil {
		return errors.WrapPrefix(err, "sqlitestore: create table "+table, 0)
	}
	return nil
}

func (s *store) buildListQuery(filter storage.Model) (string, []any) {
	table, shared, name := s.target(filter)

	var clauses []string
	var params []any
	if shared {
		clauses = append(clauses, "entity_type = ?")
		params = append(params, name)
	}
	for _, f := range storage.FilterFields(filter) {
		clauses = append(clauses, fmt.Sprintf("json_extract(value, '$.%s') = ?", f.Name))
		params = append(params, f.Normalized())
	}

	query := "SELECT value FROM " + table
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	return query + " ORDER BY id", params
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, storage.ErrNotFound) {
		return errors.Mark(storage.ErrNotFound, 1)
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code {
		case sqlite3.ErrNotFound:
			return errors.Mark(storage.ErrNotFound, 1)
		case sqlite3.ErrConstraint:
			return errors.Mark(storage.ErrAlreadyExists, 1)
		}
	}
	return errors.Wrap(err, 1)
}
