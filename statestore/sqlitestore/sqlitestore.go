// Package sqlitestore keeps state in a single SQLite table. Conditional writes
// are single statements guarded by the row's version column, so SQLite's
// write lock makes them atomic across processes sharing the database file.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-sqlite3"
	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/corral/statestore"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key     TEXT PRIMARY KEY,
	value   BLOB NOT NULL,
	version TEXT NOT NULL
);`

// Store is a statestore.Store over a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" is accepted
// for tests but is private to the process.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create db directory")
		}
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000", path)
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite3")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, q := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;", schema} {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "init %q", strings.TrimSpace(q))
		}
	}
	log.Infof("Opened sqlite state store at %s", path)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// classify maps driver errors onto the statestore taxonomy. BUSY and LOCKED
// are transient, anything else is returned wrapped.
func classify(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return statestore.Unavailable(op, key, err)
	}
	return errors.Wrapf(err, "sqlite %s %s", op, key)
}

func newVersion() (statestore.Version, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return statestore.NoVersion, err
	}
	return statestore.Version(id.String()), nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, statestore.Version, error) {
	var value []byte
	var version string
	err := s.db.QueryRowContext(ctx, `SELECT value, version FROM kv WHERE key = ?`, key).Scan(&value, &version)
	if err == sql.ErrNoRows {
		return nil, statestore.NoVersion, statestore.ErrNotFound
	} else if err != nil {
		return nil, statestore.NoVersion, classify("get", key, err)
	}
	return value, statestore.Version(version), nil
}

func (s *Store) PutIfMatch(ctx context.Context, key string, value []byte, v statestore.Version) (statestore.Version, error) {
	newV, err := newVersion()
	if err != nil {
		return statestore.NoVersion, err
	}
	var res sql.Result
	if v == statestore.NoVersion {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO kv (key, value, version) VALUES (?, ?, ?) ON CONFLICT(key) DO NOTHING`,
			key, value, string(newV))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE kv SET value = ?, version = ? WHERE key = ? AND version = ?`,
			value, string(newV), key, string(v))
	}
	if err != nil {
		return statestore.NoVersion, classify("put", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return statestore.NoVersion, classify("put", key, err)
	}
	if affected != 1 {
		return statestore.NoVersion, statestore.ErrConflict
	}
	return newV, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv WHERE key >= ? ORDER BY key`, prefix)
	if err != nil {
		return nil, classify("list", prefix, err)
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, classify("list", prefix, err)
		}
		if !strings.HasPrefix(k, prefix) {
			break
		}
		keys = append(keys, k)
	}
	return keys, classify("list", prefix, rows.Err())
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return classify("delete", key, err)
}
