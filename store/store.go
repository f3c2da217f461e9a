// Package store is the durable, per-account SQLite store: config,
// contacts, chats, chat membership (current and past), messages,
// jobs, peer states, keypairs, tokens, and locations.
//
// A single *Store wraps a small crawshaw.io/sqlite connection pool.
// Every mutating operation uses parameterized statements; string
// formatting of SQL is forbidden, following the teacher's convention
// in spilldb/db.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// ErrNoConnection is returned by any operation attempted on a closed
// or not-yet-opened Store, so callers can degrade cleanly during
// shutdown instead of panicking or blocking forever on a dead pool.
var ErrNoConnection = fmt.Errorf("store: no connection (closed or not opened)")

// poolSize is deliberately small: spec.md caps the per-account pool at
// 4 connections, one writer plus a few concurrent readers. The
// teacher's multi-tenant spilldb.Server pool is 24 wide because it
// serves every user from one process; an account store is
// single-tenant so that headroom is unnecessary.
const poolSize = 4

type Store struct {
	pool *sqlitex.Pool
}

// Open opens (creating if necessary) the SQLite database at dbfile,
// creates the schema (initConn), runs any pending migrations, and
// returns a ready Store.
func Open(dbfile string) (*Store, error) {
	conn, err := sqlite.OpenConn(dbfile, 0)
	if err != nil {
		return nil, fmt.Errorf("store.Open: init open: %v", err)
	}
	if err := initConn(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store.Open: init: %v", err)
	}
	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store.Open: migrate: %v", err)
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("store.Open: init close: %v", err)
	}

	pool, err := sqlitex.Open(dbfile, 0, poolSize)
	if err != nil {
		return nil, fmt.Errorf("store.Open: pool: %v", err)
	}
	return &Store{pool: pool}, nil
}

func initConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA secure_delete=ON;",
		"PRAGMA busy_timeout=10000;",
	}
	for _, p := range pragmas {
		if err := sqlitex.ExecTransient(conn, p, nil); err != nil {
			return err
		}
	}
	if err := sqlitex.ExecScript(conn, createSQL); err != nil {
		return err
	}
	return nil
}

func (s *Store) Close() error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Close()
}

// Get checks out a connection from the pool, blocking until ctx is
// done or one becomes free. It returns nil, ErrNoConnection if the
// store is closed or ctx is already cancelled.
func (s *Store) Get(ctx context.Context) (*sqlite.Conn, error) {
	if s.pool == nil {
		return nil, ErrNoConnection
	}
	conn := s.pool.Get(ctx)
	if conn == nil {
		return nil, ErrNoConnection
	}
	return conn, nil
}

func (s *Store) Put(conn *sqlite.Conn) {
	if s.pool != nil && conn != nil {
		s.pool.Put(conn)
	}
}

// WithConn is a convenience wrapper that checks a connection out of
// the pool, runs fn, and always returns it, even on panic.
func (s *Store) WithConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.Get(ctx)
	if err != nil {
		return err
	}
	defer s.Put(conn)
	return fn(conn)
}

// WithTx is WithConn plus a savepoint around fn, rolled back if fn
// (or the commit itself) returns an error, following the teacher's
// defer sqlitex.Save(conn)(&err) idiom.
func (s *Store) WithTx(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	return s.WithConn(ctx, func(conn *sqlite.Conn) (err error) {
		defer sqlitex.Save(conn)(&err)
		return fn(conn)
	})
}

// ---- scalar config get/set ----

func GetConfig(conn *sqlite.Conn, key string) (value string, ok bool, err error) {
	stmt := conn.Prep("SELECT Value FROM Config WHERE Key = $key;")
	stmt.SetText("$key", key)
	hasRow, err := stmt.Step()
	if err != nil {
		return "", false, err
	}
	if !hasRow {
		stmt.Reset()
		return "", false, nil
	}
	value = stmt.GetText("Value")
	stmt.Reset()
	return value, true, nil
}

func SetConfig(conn *sqlite.Conn, key, value string) error {
	stmt := conn.Prep("INSERT INTO Config (Key, Value) VALUES ($key, $value) " +
		"ON CONFLICT(Key) DO UPDATE SET Value=excluded.Value;")
	stmt.SetText("$key", key)
	stmt.SetText("$value", value)
	_, err := stmt.Step()
	return err
}

func GetConfigInt(conn *sqlite.Conn, key string, def int64) (int64, error) {
	v, ok, err := GetConfig(conn, key)
	if err != nil || !ok {
		return def, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def, nil
	}
	return n, nil
}

func SetConfigInt(conn *sqlite.Conn, key string, value int64) error {
	return SetConfig(conn, key, strconv.FormatInt(value, 10))
}

func GetConfigBool(conn *sqlite.Conn, key string, def bool) (bool, error) {
	v, ok, err := GetConfig(conn, key)
	if err != nil || !ok {
		return def, err
	}
	return v == "1" || strings.EqualFold(v, "true"), nil
}

func SetConfigBool(conn *sqlite.Conn, key string, value bool) error {
	if value {
		return SetConfig(conn, key, "1")
	}
	return SetConfig(conn, key, "0")
}

// Exists reports whether a row matching query (which must return
// exactly one column) exists; query's only placeholder is $1.
func Exists(conn *sqlite.Conn, query string, arg interface{}) (bool, error) {
	stmt := conn.Prep(query)
	switch v := arg.(type) {
	case int64:
		stmt.SetInt64("$1", v)
	case string:
		stmt.SetText("$1", v)
	default:
		return false, fmt.Errorf("store.Exists: unsupported arg type %T", arg)
	}
	hasRow, err := stmt.Step()
	stmt.Reset()
	return hasRow, err
}

func nowUnix() int64 { return time.Now().Unix() }
