package server

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/outboxd/pkg/composables"
	"github.com/iota-uz/outboxd/pkg/configuration"
	"github.com/iota-uz/outboxd/pkg/outbox"
	"github.com/iota-uz/outboxd/pkg/outbox/postgres"
)

// OpenPool connects to the configured database and applies RLS enforcement.
func OpenPool(ctx context.Context, conf *configuration.Configuration) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(conf.Database.Opts)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if conf.Database.MaxConns > 0 {
		cfg.MaxConns = conf.Database.MaxConns
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db connect failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping failed: %w", err)
	}
	composables.SetRLSEnforced(conf.RLSEnforce == "enforce")
	return pool, nil
}

// OpenStore returns the Postgres outbox store, migrating first when migrate is
// set. Migrations only create the default table, so migrate is refused for
// any other OUTBOX_TABLE.
func OpenStore(ctx context.Context, conf *configuration.Configuration, pool *pgxpool.Pool, migrate bool, logger *logrus.Logger) (*postgres.Store, error) {
	table, err := postgres.ParseIdentifier(conf.Outbox.Table)
	if err != nil {
		return nil, err
	}
	if migrate {
		if !postgres.IsMigratedTable(table) {
			return nil, fmt.Errorf("%w: migrations create %s, not %s", outbox.ErrInvalidConfig, postgres.DefaultTable, postgres.TableLabel(table))
		}
		if err := postgres.Migrate(ctx, pool, logger.WithField("component", "outbox")); err != nil {
			return nil, err
		}
	}
	return postgres.NewStore(pool, table)
}

// OpenRedis returns nil when no alert sink is configured.
func OpenRedis(conf *configuration.Configuration) (*redis.Client, error) {
	if !conf.Redis.AlertEnabled || conf.Redis.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(conf.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}
