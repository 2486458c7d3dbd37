package store

import (
	"context"
	"embed"
	"errors"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers the pgx5:// driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/coach-insights/internal/db"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	*sqlStore
	pool       db.Pool
	connString string
	closeFn    func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements are prepared on every new connection. Each is named by
// its own SQL so pgx picks the prepared form when the query text matches.
var preparedStatements = []string{
	qGetArtifact,
	qTransitionArtifact,
	qFailArtifact,
	qGetDraft,
	qInsertDraft,
	qInsertEvent,
	qInsertResolution,
	qListRateLimits,
	qAdjustRateLimit,
	qRenewRateLimit,
	qInsertUsage,
	qSumUsage,
	qGetServiceHealth,
	qCountVerdicts,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for _, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, sql, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %.40s", sql)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresStore(pool, connString, pool.Close), nil
}

func newPostgresStore(pool db.Pool, connString string, closeFn func()) *PostgresStore {
	return &PostgresStore{
		sqlStore:   &sqlStore{c: pgConn{pgQuerier{pool}, pool}},
		pool:       pool,
		connString: connString,
		closeFn:    closeFn,
	}
}

// Ping checks the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	var one int
	return eris.Wrap(s.pool.QueryRow(ctx, "SELECT 1").Scan(&one), "postgres: ping")
}

// Migrate applies the embedded migrations with golang-migrate.
func (s *PostgresStore) Migrate(_ context.Context) error {
	if s.connString == "" {
		return eris.New("postgres: migrate: no connection string")
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return eris.Wrap(err, "postgres: migrate: open source")
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(s.connString))
	if err != nil {
		return eris.Wrap(err, "postgres: migrate: init")
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return eris.Wrap(err, "postgres: migrate: up")
	}
	version, dirty, _ := m.Version()
	zap.L().Info("postgres: schema migrated", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// migrateURL points a postgres:// URL at the golang-migrate pgx/v5 driver.
func migrateURL(connString string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(connString, prefix) {
			return "pgx5://" + strings.TrimPrefix(connString, prefix)
		}
	}
	return connString
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// pgRunner is the query surface shared by the pool and pgx.Tx.
type pgRunner interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgQuerier struct {
	r pgRunner
}

func (q pgQuerier) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := q.r.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q pgQuerier) query(ctx context.Context, query string, args ...any) (rows, error) {
	r, err := q.r.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (q pgQuerier) queryRow(ctx context.Context, query string, args ...any) row {
	return q.r.QueryRow(ctx, query, args...)
}

type pgConn struct {
	pgQuerier
	pool db.Pool
}

func (c pgConn) inTx(ctx context.Context, fn func(q querier) error) error {
	return db.InTx(ctx, c.pool, func(tx pgx.Tx) error {
		return fn(pgQuerier{tx})
	})
}
