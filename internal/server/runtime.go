package server

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iota-uz/outboxd/modules/quota"
	"github.com/iota-uz/outboxd/pkg/alerts"
	"github.com/iota-uz/outboxd/pkg/configuration"
	"github.com/iota-uz/outboxd/pkg/eventbus"
	"github.com/iota-uz/outboxd/pkg/outbox"
)

type RuntimeOptions struct {
	Configuration *configuration.Configuration
	Logger        *logrus.Logger
	Store         outbox.Store
	// Redis receives exhausted-record alerts when set.
	Redis redis.Cmdable
}

// Runtime is the assembled outbox stack shared by outboxd and outboxctl.
type Runtime struct {
	Store     outbox.Store
	Types     *outbox.TypeRegistry
	Bus       *eventbus.Bus
	Engine    *outbox.Engine
	Relay     *outbox.Relay
	Cleaner   *outbox.Cleaner
	Requeuer  *outbox.Requeuer
	Publisher *outbox.Publisher
	Quota     *quota.Module

	conf   *configuration.Configuration
	logger *logrus.Entry
}

func PolicyFromConfig(o configuration.OutboxOptions) (outbox.Policy, error) {
	mode, err := outbox.ParseFailureMode(o.HandlerFailureMode)
	if err != nil {
		return outbox.Policy{}, err
	}
	return outbox.Policy{
		EscalationThreshold: o.EscalationThreshold,
		MaxAttempts:         o.MaxAttempts,
		BaseBackoff:         o.RequeueBaseBackoff,
		MaxBackoff:          o.RequeueMaxBackoff,
		JitterMax:           o.RequeueJitterMax,
		FailureMode:         mode,
	}, nil
}

// PayloadCodec returns the codec the engine decodes stored payloads with.
func PayloadCodec(o configuration.OutboxOptions) outbox.Codec {
	if o.StrictPayloads {
		return outbox.StrictJSONCodec
	}
	return outbox.JSONCodec
}

func NewRuntime(opts RuntimeOptions) (*Runtime, error) {
	conf := opts.Configuration
	if conf == nil {
		return nil, errors.New("configuration is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "outbox")

	policy, err := PolicyFromConfig(conf.Outbox)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Store:  opts.Store,
		Types:  outbox.NewTypeRegistry(),
		Bus:    eventbus.New(logger),
		Quota:  quota.NewModule(),
		conf:   conf,
		logger: log,
	}

	rt.Publisher, err = outbox.NewPublisher(rt.Store, rt.Types, outbox.PublisherOptions{})
	if err != nil {
		return nil, err
	}
	if err := rt.Quota.Register(rt.Types, rt.Bus, rt.Publisher, logger); err != nil {
		return nil, err
	}

	escalators := outbox.MultiEscalator{outbox.LogEscalator{Logger: log}}
	if opts.Redis != nil && conf.Redis.AlertEnabled {
		escalators = append(escalators, alerts.NewRedisStreamEscalator(opts.Redis, alerts.RedisStreamOptions{
			Stream: conf.Redis.AlertStream,
			MaxLen: conf.Redis.AlertMaxLen,
			Logger: log,
		}))
	}

	rt.Engine, err = outbox.NewEngine(rt.Store, rt.Types, rt.Bus, outbox.EngineOptions{
		BatchSize:       conf.Outbox.RelayBatchSize,
		LeaseTTL:        conf.Outbox.RelayLeaseTTL,
		HandlerTimeout:  conf.Outbox.HandlerTimeout,
		LastErrorMaxLen: conf.Outbox.LastErrorMaxBytes,
		Codec:           PayloadCodec(conf.Outbox),
		Policy:          policy,
		Escalator:       escalators,
		Logger:          log,
	})
	if err != nil {
		return nil, err
	}
	rt.Relay, err = outbox.NewRelay(rt.Engine, outbox.RelayOptions{
		PollInterval:      conf.Outbox.RelayPollInterval,
		PerTenant:         conf.Outbox.RelayPerTenant,
		TenantConcurrency: conf.Outbox.RelayTenantConcurrency,
		MaxBatchesPerTick: conf.Outbox.RelayMaxBatchesPerTick,
		Logger:            log.WithField("worker_id", rt.Engine.WorkerID()),
	})
	if err != nil {
		return nil, err
	}
	rt.Cleaner, err = outbox.NewCleaner(rt.Store, outbox.CleanerOptions{
		Enabled:   conf.Outbox.CleanerEnabled,
		Interval:  conf.Outbox.CleanerInterval,
		Retention: conf.Outbox.CleanerRetention,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	if conf.Outbox.RequeueEnabled {
		rt.Requeuer, err = outbox.NewRequeuer(rt.Store, outbox.RequeuerOptions{
			Enabled:   true,
			Interval:  conf.Outbox.RequeueInterval,
			BatchSize: conf.Outbox.RelayBatchSize,
			Policy:    policy,
			Logger:    log,
		})
		if err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// RunBackground runs the relay, cleaner and requeuer until ctx is done or one of them fails.
func (rt *Runtime) RunBackground(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if rt.conf.Outbox.RelayEnabled {
		g.Go(func() error { return ignoreCanceled(rt.Relay.Run(ctx)) })
	} else {
		rt.logger.Info("outbox: relay disabled")
	}
	g.Go(func() error { return ignoreCanceled(rt.Cleaner.Run(ctx)) })
	if rt.Requeuer != nil {
		g.Go(func() error { return ignoreCanceled(rt.Requeuer.Run(ctx)) })
	}
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
