// Package postgres opens the audit database and applies its schema.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/crabzie/clusterforge/config/storage/postgresql/migrations"
	config "github.com/crabzie/clusterforge/config/utils"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	zaptracer "github.com/jackc/pgx-zap"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"go.uber.org/zap"
)

// DB is the audit pool plus a dollar-placeholder builder for the
// telemetry repository.
type DB struct {
	*pgxpool.Pool
	QueryBuilder *squirrel.StatementBuilderType
	url          string
	log          *zap.Logger
}

// poolConfig sizes the pool from cfg and routes query traces to zap at
// debug level. Statements run unprepared so pgbouncer can sit in front.
func poolConfig(cfg *config.DB, logger *zap.Logger) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("parse audit db url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger:   zaptracer.NewLogger(logger.Named("pgx")),
		LogLevel: tracelog.LogLevelDebug,
	}
	pc.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec
	pc.ConnConfig.StatementCacheCapacity = 0
	return pc, nil
}

// New connects to the audit database and fails fast when it is unreachable.
func New(ctx context.Context, cfg *config.DB, logger *zap.Logger) (*DB, error) {
	pc, err := poolConfig(cfg, logger)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("open audit pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("reach audit db %s:%s: %w", cfg.Host, cfg.Port, err)
	}

	builder := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
	logger.Info("Audit database connected",
		zap.String("host", cfg.Host),
		zap.String("name", cfg.Name),
		zap.Int32("max_conns", pc.MaxConns))

	return &DB{Pool: pool, QueryBuilder: &builder, url: cfg.URL(), log: logger}, nil
}

// Migrate brings the schema to the newest embedded version. An already
// current schema is not an error.
func (db *DB) Migrate() error {
	src, err := iofs.New(migrations.MigrationsFS, ".")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, db.url)
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}
	defer m.Close()

	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
	case err != nil:
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}
	db.log.Info("Audit schema ready", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}
