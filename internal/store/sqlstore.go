package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/coach-insights/internal/model"
)

// rows is the cursor surface shared by pgx.Rows and the sqlite adapter.
type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

type row interface {
	Scan(dest ...any) error
}

// querier runs SQL written with $n placeholders.
type querier interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	query(ctx context.Context, query string, args ...any) (rows, error)
	queryRow(ctx context.Context, query string, args ...any) row
}

// conn is a querier that can also open a transaction.
type conn interface {
	querier
	inTx(ctx context.Context, fn func(q querier) error) error
}

// sqlStore holds the queries both backends share. Backends differ only in
// how they bind arguments and scan timestamps.
type sqlStore struct {
	c conn
}

// argList accumulates arguments for queries assembled at runtime.
type argList []any

func (a *argList) add(v any) string {
	*a = append(*a, v)
	return "$" + strconv.Itoa(len(*a))
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

// notFoundOr turns a missed compare-and-set into ErrNotFound when the row
// is gone and into fallback otherwise.
func notFoundOr(ctx context.Context, q querier, table, id string, fallback error) error {
	var n int
	if err := q.queryRow(ctx, "SELECT COUNT(*) FROM "+table+" WHERE id = $1", id).Scan(&n); err != nil {
		return eris.Wrapf(err, "store: check %s %s", table, id)
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "store: %s %s", table, id)
	}
	return eris.Wrapf(fallback, "store: %s %s", table, id)
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal json")
	}
	return b, nil
}

func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return eris.Wrap(err, "store: unmarshal json")
	}
	return nil
}

// rawJSON returns nil for an empty payload so it is stored as NULL.
func rawJSON(m json.RawMessage) []byte {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}

// collect scans every row with fn and closes the cursor.
func collect[T any](r rows, fn func(row) (T, error)) ([]T, error) {
	defer r.Close()
	var out []T
	for r.Next() {
		v, err := fn(r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := r.Err(); err != nil {
		return nil, eris.Wrap(err, "store: iterate rows")
	}
	return out, nil
}

func (s *sqlStore) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := s.c.queryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "store: count")
	}
	return n, nil
}

func (s *sqlStore) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var ok bool
	if err := s.c.queryRow(ctx, "SELECT EXISTS("+query+")", args...).Scan(&ok); err != nil {
		return false, eris.Wrap(err, "store: exists")
	}
	return ok, nil
}
