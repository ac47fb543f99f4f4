package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/iota-uz/outboxd/internal/server"
	"github.com/iota-uz/outboxd/pkg/configuration"
)

type session struct {
	conf *configuration.Configuration
	rt   *server.Runtime
	// pool is nil when the session runs on a non-Postgres store.
	pool  *pgxpool.Pool
	close func()
}

type opener func(ctx context.Context) (*session, error)

func openPostgres(ctx context.Context) (*session, error) {
	conf := configuration.Use()
	logger := conf.Logger()
	pool, err := server.OpenPool(ctx, conf)
	if err != nil {
		return nil, withCode(exitDB, err)
	}
	store, err := server.OpenStore(ctx, conf, pool, false, logger)
	if err != nil {
		pool.Close()
		return nil, withCode(exitUsage, err)
	}
	rt, err := server.NewRuntime(server.RuntimeOptions{Configuration: conf, Logger: logger, Store: store})
	if err != nil {
		pool.Close()
		return nil, withCode(exitUsage, err)
	}
	return &session{conf: conf, rt: rt, pool: pool, close: pool.Close}, nil
}

func newRootCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "outboxctl",
		Short:         "Operate the transactional outbox: flush, retry, cleanup, stats, migrate",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newFlushCmd(open))
	cmd.AddCommand(newRetryCmd(open))
	cmd.AddCommand(newCleanupCmd(open))
	cmd.AddCommand(newStatsCmd(open))
	cmd.AddCommand(newMigrateCmd(open))
	return cmd
}

func Execute() {
	if err := newRootCmd(openPostgres).Execute(); err != nil {
		code := exitCode(err)
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(code)
	}
}
