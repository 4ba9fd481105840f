package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQL stores records in a single table shared by every kind.
type SQL struct {
	db      *sql.DB
	dialect dialect
}

// OpenSQLite opens (and creates) a SQLite database at path. ":memory:" gives
// a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQL, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = ":memory:"
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, unavailable("open sqlite", err)
	}
	// One connection keeps :memory: databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	return initSQL(ctx, db, dialectSQLite)
}

func OpenPostgres(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, unavailable("open postgres", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	return initSQL(ctx, db, dialectPostgres)
}

func initSQL(ctx context.Context, db *sql.DB, d dialect) (*SQL, error) {
	s := &SQL{db: db, dialect: d}
	valueType := "BLOB"
	if d == dialectPostgres {
		valueType = "BYTEA"
	}
	schema := `CREATE TABLE IF NOT EXISTS records (
	kind TEXT NOT NULL,
	id TEXT NOT NULL,
	version BIGINT NOT NULL,
	value ` + valueType + ` NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (kind, id)
)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, unavailable("create schema", err)
	}
	return s, nil
}

func (s *SQL) Get(ctx context.Context, kind Kind, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT version, value, updated_at FROM records WHERE kind = ? AND id = ?`),
		string(kind), id,
	)
	entry := Entry{Kind: kind, ID: id}
	var updated int64
	if err := row.Scan(&entry.Version, &entry.Value, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, s.wrap("get", err)
	}
	entry.UpdatedAt = time.Unix(0, updated).UTC()
	return entry, nil
}

func (s *SQL) Put(ctx context.Context, kind Kind, id string, value []byte, expectedVersion int64) (int64, error) {
	now := time.Now().UTC().UnixNano()
	if value == nil {
		value = []byte{}
	}
	var (
		result sql.Result
		err    error
	)
	if expectedVersion == 0 {
		result, err = s.db.ExecContext(ctx,
			s.rebind(`INSERT INTO records (kind, id, version, value, updated_at) VALUES (?, ?, 1, ?, ?) ON CONFLICT (kind, id) DO NOTHING`),
			string(kind), id, value, now,
		)
	} else {
		result, err = s.db.ExecContext(ctx,
			s.rebind(`UPDATE records SET version = version + 1, value = ?, updated_at = ? WHERE kind = ? AND id = ? AND version = ?`),
			value, now, string(kind), id, expectedVersion,
		)
	}
	if err != nil {
		return 0, s.wrap("put", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, s.wrap("put", err)
	}
	if affected == 0 {
		return 0, ErrConflict
	}
	return expectedVersion + 1, nil
}

func (s *SQL) List(ctx context.Context, kind Kind) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT id, version, value, updated_at FROM records WHERE kind = ? ORDER BY id`),
		string(kind),
	)
	if err != nil {
		return nil, s.wrap("list", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry := Entry{Kind: kind}
		var updated int64
		if err := rows.Scan(&entry.ID, &entry.Version, &entry.Value, &updated); err != nil {
			return nil, s.wrap("list", err)
		}
		entry.UpdatedAt = time.Unix(0, updated).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("list", err)
	}
	return entries, nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}

// wrap leaves context errors alone so callers can tell cancellation from
// backend failure.
func (s *SQL) wrap(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return unavailable(op, err)
}

func (s *SQL) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var builder strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			builder.WriteString("$")
			builder.WriteString(strconv.Itoa(n))
			continue
		}
		builder.WriteRune(r)
	}
	return builder.String()
}
