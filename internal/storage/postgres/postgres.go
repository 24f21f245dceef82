// Package postgres provides Postgres-backed implementations of the pipeline
// stores. Every store shares one pgx pool created by NewPool.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config controls the shared Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// querier is the pool surface the stores use. pgxmock satisfies it in tests.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPool opens a pgx connection pool using cfg.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// Stores bundles every Postgres-backed store over one pool.
type Stores struct {
	Feeds        *FeedStore
	Articles     *ArticleStore
	Analyses     *AnalysisStore
	Cleaned      *CleanedStore
	Enhancements *EnhancementStore
	Runs         *RunStore
}

// NewStores builds the full store set on top of db.
func NewStores(db querier) *Stores {
	return &Stores{
		Feeds:        NewFeedStore(db),
		Articles:     NewArticleStore(db),
		Analyses:     NewAnalysisStore(db),
		Cleaned:      NewCleanedStore(db),
		Enhancements: NewEnhancementStore(db),
		Runs:         NewRunStore(db),
	}
}
