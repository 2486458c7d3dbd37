package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"reflect"
	"regexp"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// sqliteTimeFormat is fixed width so stored timestamps compare lexically.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	*sqlStore
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer at a time; transactions would otherwise fail with SQLITE_BUSY
	// when upgrading their lock.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{
		sqlStore: &sqlStore{c: sqliteConn{sqliteQuerier{db}, db}},
		db:       db,
	}, nil
}

// Migrate creates the schema. Every statement is idempotent.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return eris.Wrap(err, "sqlite: migrate")
}

// Ping checks the database file is usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqlRunner is satisfied by both *sql.DB and *sql.Tx.
type sqlRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteQuerier struct {
	r sqlRunner
}

var dollarParam = regexp.MustCompile(`\$(\d+)`)

// rebind rewrites $n placeholders to SQLite's numbered ?n form, which keeps
// repeated parameters working.
func rebind(query string) string {
	return dollarParam.ReplaceAllString(query, "?${1}")
}

func (q sqliteQuerier) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := q.r.ExecContext(ctx, rebind(query), bindArgs(args)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q sqliteQuerier) query(ctx context.Context, query string, args ...any) (rows, error) {
	r, err := q.r.QueryContext(ctx, rebind(query), bindArgs(args)...)
	if err != nil {
		return nil, err
	}
	return sqliteRows{r}, nil
}

func (q sqliteQuerier) queryRow(ctx context.Context, query string, args ...any) row {
	return sqliteRow{q.r.QueryRowContext(ctx, rebind(query), bindArgs(args)...)}
}

type sqliteConn struct {
	sqliteQuerier
	db *sql.DB
}

func (c sqliteConn) inTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(sqliteQuerier{tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

type sqliteRows struct {
	*sql.Rows
}

func (r sqliteRows) Close() {
	_ = r.Rows.Close()
}

func (r sqliteRows) Scan(dest ...any) error {
	return scanTimes(r.Rows.Scan, dest)
}

type sqliteRow struct {
	r *sql.Row
}

func (r sqliteRow) Scan(dest ...any) error {
	return scanTimes(r.r.Scan, dest)
}

// scanTimes reads TEXT timestamps into time.Time and *time.Time targets.
func scanTimes(scan func(dest ...any) error, dest []any) error {
	targets := make([]any, len(dest))
	var fixups []func() error
	for i, d := range dest {
		switch p := d.(type) {
		case *time.Time:
			var s sql.NullString
			targets[i] = &s
			fixups = append(fixups, func() error {
				if !s.Valid || s.String == "" {
					*p = time.Time{}
					return nil
				}
				t, err := parseSQLiteTime(s.String)
				*p = t
				return err
			})
		case **time.Time:
			var s sql.NullString
			targets[i] = &s
			fixups = append(fixups, func() error {
				if !s.Valid || s.String == "" {
					*p = nil
					return nil
				}
				t, err := parseSQLiteTime(s.String)
				*p = &t
				return err
			})
		default:
			targets[i] = d
		}
	}
	if err := scan(targets...); err != nil {
		return err
	}
	for _, fix := range fixups {
		if err := fix(); err != nil {
			return err
		}
	}
	return nil
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeFormat, s)
	if err == nil {
		return t, nil
	}
	t, err = time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t.UTC(), nil
}

func bindArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = bindArg(a)
	}
	return out
}

// bindArg lowers a query argument to a value the driver stores natively.
func bindArg(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		return formatSQLiteTime(x)
	case *time.Time:
		if x == nil {
			return nil
		}
		return formatSQLiteTime(*x)
	case json.RawMessage:
		if x == nil {
			return nil
		}
		return []byte(x)
	case []byte:
		if x == nil {
			return nil
		}
		return x
	case string, int64, float64, bool:
		return x
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return bindArg(rv.Elem().Interface())
	case reflect.String:
		return rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Bool:
		return rv.Bool()
	}
	return v
}
