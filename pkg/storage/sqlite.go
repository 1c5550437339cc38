package storage

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteBackend implements Backend on a single SQLite table keyed by
// (bucket, key). BLOB comparison in SQLite is memcmp, so key order
// matches the other backends.
type SQLiteBackend struct {
	db    *sql.DB
	seqMu sync.Mutex
}

// NewSQLiteBackend opens or creates the database. ":memory:" is accepted.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if dbPath == ":memory:" {
		// Each connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}

	backend := &SQLiteBackend{db: db}
	if err := backend.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return backend, nil
}

func (sb *SQLiteBackend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		bucket TEXT NOT NULL,
		key BLOB NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY (bucket, key)
	) WITHOUT ROWID;
	`
	_, err := sb.db.Exec(schema)
	return err
}

func (sb *SQLiteBackend) Name() string {
	return string(KindSQLite)
}

func (sb *SQLiteBackend) Close() error {
	return sb.db.Close()
}

func (sb *SQLiteBackend) Get(bucket string, key []byte) ([]byte, error) {
	var value []byte
	err := sb.db.QueryRow("SELECT value FROM kv WHERE bucket = ? AND key = ?", bucket, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%x: %w", bucket, key, err)
	}
	return value, nil
}

func (sb *SQLiteBackend) Scan(bucket string, prefix []byte, fn func(key, value []byte) error) error {
	var (
		rows *sql.Rows
		err  error
	)
	if prefix == nil {
		prefix = []byte{}
	}
	if end := prefixEnd(prefix); end != nil {
		rows, err = sb.db.Query(
			"SELECT key, value FROM kv WHERE bucket = ? AND key >= ? AND key < ? ORDER BY key",
			bucket, prefix, end)
	} else {
		rows, err = sb.db.Query(
			"SELECT key, value FROM kv WHERE bucket = ? AND key >= ? ORDER BY key",
			bucket, prefix)
	}
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", bucket, err)
	}

	// Collect first so fn may call back into the backend
	type kv struct{ k, v []byte }
	var entries []kv
	for rows.Next() {
		var e kv
		if err := rows.Scan(&e.k, &e.v); err != nil {
			rows.Close()
			return err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, e := range entries {
		if err := fn(e.k, e.v); err != nil {
			return err
		}
	}
	return nil
}

func (sb *SQLiteBackend) Apply(batch *Batch) error {
	tx, err := sb.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, op := range batch.Ops {
		switch op.Kind {
		case OpPut:
			_, err = tx.Exec(
				"INSERT INTO kv (bucket, key, value) VALUES (?, ?, ?) ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value",
				op.Bucket, op.Key, op.Value)
		case OpDelete:
			_, err = tx.Exec("DELETE FROM kv WHERE bucket = ? AND key = ?", op.Bucket, op.Key)
		}
		if err != nil {
			return fmt.Errorf("failed to apply %s/%x: %w", op.Bucket, op.Key, err)
		}
	}
	return tx.Commit()
}

func (sb *SQLiteBackend) NextSequence(name string) (uint64, error) {
	sb.seqMu.Lock()
	defer sb.seqMu.Unlock()

	var next uint64
	data, err := sb.Get(BucketSequences, []byte(name))
	switch {
	case errors.Is(err, ErrKeyNotFound):
	case err != nil:
		return 0, err
	case len(data) == 8:
		next = binary.BigEndian.Uint64(data)
	}
	next++

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	batch := &Batch{}
	batch.Put(BucketSequences, []byte(name), buf)
	if err := sb.Apply(batch); err != nil {
		return 0, fmt.Errorf("failed to advance sequence %s: %w", name, err)
	}
	return next, nil
}
