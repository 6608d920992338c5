package entitystore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"gbfs-go/internal/entitystore/migrations"
	"gbfs-go/internal/gbfs"
)

// SQLiteStore implements gbfs.EntityStore on a SQLite database. Records
// live in the entities table and their tags in entity_tags, one row per
// tag, so a conjunction of predicates is a grouped match over entity_tags.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ gbfs.EntityStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at path, creating it if needed, and
// migrates it to the latest schema. path can be a file path or ":memory:".
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// OpenConnection opens and configures a SQLite connection with appropriate
// PRAGMAs. The pool is limited to one connection: SQLite serializes
// writers anyway, and an in-memory database exists per connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return db, nil
}

func (s *SQLiteStore) CreateEntities(ctx context.Context, creates []gbfs.EntityCreate) ([]string, error) {
	if err := validateCreates(creates); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	keys := make([]string, len(creates))
	for i, c := range creates {
		key := newKey()
		var exp sql.NullInt64
		if e := expiresAt(now, c.TTL); !e.IsZero() {
			exp = sql.NullInt64{Int64: e.UnixMilli(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO entities (key, payload, created_at, expires_at) VALUES (?, ?, ?, ?)",
			key, nonNil(c.Payload), now.UnixMilli(), exp); err != nil {
			return nil, fmt.Errorf("inserting entity: %w", err)
		}
		for tag, value := range c.Tags {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO entity_tags (entity_key, tag, value) VALUES (?, ?, ?)",
				key, tag, value); err != nil {
				return nil, fmt.Errorf("inserting tag %s: %w", tag, err)
			}
		}
		keys[i] = key
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing entities: %w", err)
	}
	return keys, nil
}

func (s *SQLiteStore) QueryEntities(ctx context.Context, filter gbfs.Filter) ([]gbfs.Entity, error) {
	if err := beginQuery(ctx, filter); err != nil {
		return nil, err
	}

	matched, args := matchedCTE(dedupe(filter.Predicates()), s.now().UnixMilli())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		matched+" SELECT e.key, e.payload FROM entities e JOIN matched m ON m.key = e.key", args...)
	if err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}
	var out []gbfs.Entity
	index := make(map[string]int)
	for rows.Next() {
		var e gbfs.Entity
		if err := rows.Scan(&e.Key, &e.Payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		e.Tags = make(map[string]string)
		index[e.Key] = len(out)
		out = append(out, e)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("reading entities: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}

	rows, err = tx.QueryContext(ctx,
		matched+" SELECT t.entity_key, t.tag, t.value FROM entity_tags t JOIN matched m ON m.key = t.entity_key", args...)
	if err != nil {
		return nil, fmt.Errorf("querying tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, tag, value string
		if err := rows.Scan(&key, &tag, &value); err != nil {
			return nil, fmt.Errorf("scanning tag: %w", err)
		}
		if i, ok := index[key]; ok {
			out[i].Tags[tag] = value
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading tags: %w", err)
	}
	return out, nil
}

// matchedCTE builds a "matched" common table expression selecting the
// keys of live entities that satisfy every predicate.
func matchedCTE(preds []gbfs.Predicate, nowMillis int64) (string, []any) {
	conds := make([]string, len(preds))
	args := make([]any, 0, 2*len(preds)+2)
	for i, p := range preds {
		conds[i] = "(t.tag = ? AND t.value = ?)"
		args = append(args, p.Tag, p.Value)
	}
	args = append(args, nowMillis, len(preds))

	q := "WITH matched AS (" +
		"SELECT t.entity_key AS key FROM entity_tags t " +
		"JOIN entities e ON e.key = t.entity_key " +
		"WHERE (" + strings.Join(conds, " OR ") + ") " +
		"AND (e.expires_at IS NULL OR e.expires_at > ?) " +
		"GROUP BY t.entity_key HAVING COUNT(*) = ?)"
	return q, args
}

// DeleteEntities removes the records in one transaction: either all of
// them are removed or none are.
func (s *SQLiteStore) DeleteEntities(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return ctx.Err()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "DELETE FROM entities WHERE key = ?")
	if err != nil {
		return fmt.Errorf("preparing delete: %w", err)
	}
	defer stmt.Close()

	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, k); err != nil {
			return fmt.Errorf("deleting entity %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}
	return nil
}

// PurgeExpired removes records whose TTL has elapsed and returns how many
// were removed. Expired records are already invisible to queries.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM entities WHERE expires_at IS NOT NULL AND expires_at <= ?", s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purging expired entities: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
