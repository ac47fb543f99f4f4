package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/iota-uz/outboxd/internal/server"
	"github.com/iota-uz/outboxd/pkg/configuration"
	"github.com/iota-uz/outboxd/pkg/logging"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			configuration.Use().Unload()
			log.Println(r)
			debug.PrintStack()
			os.Exit(1)
		}
	}()

	conf := configuration.Use()
	defer conf.Unload()
	logger := conf.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if conf.OpenTelemetry.Enabled {
		tracingCleanup := logging.SetupTracing(ctx, conf.OpenTelemetry.ServiceName, conf.OpenTelemetry.TempoURL)
		defer tracingCleanup()
		logger.Info("OpenTelemetry tracing enabled, exporting to Tempo at " + conf.OpenTelemetry.TempoURL)
	}

	pool, err := server.OpenPool(ctx, conf)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer pool.Close()

	store, err := server.OpenStore(ctx, conf, pool, conf.Outbox.AutoMigrate, logger)
	if err != nil {
		log.Fatalf("failed to open outbox store: %v", err)
	}
	rdb, err := server.OpenRedis(conf)
	if err != nil {
		log.Fatalf("failed to open redis: %v", err)
	}
	opts := server.RuntimeOptions{Configuration: conf, Logger: logger, Store: store}
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
		opts.Redis = rdb
	}
	rt, err := server.NewRuntime(opts)
	if err != nil {
		log.Fatalf("failed to build outbox runtime: %v", err)
	}

	httpServer := server.Default(&server.DefaultOptions{
		Logger:        logger,
		Configuration: conf,
		Runtime:       rt,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.RunBackground(gctx) })
	g.Go(func() error {
		logger.WithField("addr", conf.SocketAddress).Info("ops server listening")
		return httpServer.Serve(gctx, conf.SocketAddress)
	})

	logger.WithField("worker_id", rt.Engine.WorkerID()).
		WithField("table", store.Table()).
		WithField("event_types", rt.Types.Names()).
		Info("outboxd started")

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("outboxd stopped")
		os.Exit(1)
	}
	logger.Info("outboxd stopped")
}
