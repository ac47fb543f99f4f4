package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Relay triggers the engine on a timer and on demand.
type Relay struct {
	engine  *Engine
	tenants TenantLister
	stats   StatsReader
	opts    RelayOptions

	mu   sync.Mutex
	turn int
}

func NewRelay(engine *Engine, opts RelayOptions) (*Relay, error) {
	if engine == nil {
		return nil, invalidConfig("engine is required")
	}
	opts.setDefaults()
	if opts.PollInterval < 0 {
		return nil, invalidConfig("poll interval must not be negative")
	}
	if opts.TenantConcurrency < 1 {
		return nil, invalidConfig("tenant concurrency must be >= 1")
	}
	if opts.MaxBatchesPerTick < 1 {
		return nil, invalidConfig("max batches per tick must be >= 1")
	}
	r := &Relay{engine: engine, opts: opts}
	if lister, ok := engine.Store().(TenantLister); ok {
		r.tenants = lister
	}
	if opts.PerTenant && r.tenants == nil {
		return nil, invalidConfig("per-tenant relay requires a store that lists pending tenants")
	}
	if stats, ok := engine.Store().(StatsReader); ok {
		r.stats = stats
	}
	return r, nil
}

func (r *Relay) Run(ctx context.Context) error {
	if ctx == nil {
		return invalidConfig("ctx is required")
	}

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	var lastObserved time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if r.stats != nil && time.Since(lastObserved) >= r.opts.ObserveQueueDepthEvery {
			lastObserved = time.Now()
			r.observeQueueDepth(ctx)
		}

		res, err := r.Flush(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			r.opts.Logger.WithError(err).Warn("outbox: relay tick failed")
			continue
		}
		if res.Fetched > 0 {
			r.opts.Logger.WithFields(logrus.Fields{
				"fetched":   res.Fetched,
				"processed": res.Processed,
				"failed":    res.Failed,
				"exhausted": res.Exhausted,
			}).Debug("outbox: relay tick")
		}
	}
}

// Flush runs one dispatch cycle immediately.
func (r *Relay) Flush(ctx context.Context) (Result, error) {
	if r.opts.PerTenant {
		return r.flushTenants(ctx)
	}
	return r.drain(ctx, r.engine.ProcessPending)
}

// FlushTenant runs one dispatch cycle for a single tenant.
func (r *Relay) FlushTenant(ctx context.Context, tenantID uuid.UUID) (Result, error) {
	return r.drain(ctx, func(ctx context.Context) (Result, error) {
		return r.engine.ProcessPendingForTenant(ctx, tenantID)
	})
}

func (r *Relay) drain(ctx context.Context, pass func(context.Context) (Result, error)) (Result, error) {
	var total Result
	for i := 0; i < r.opts.MaxBatchesPerTick; i++ {
		res, err := pass(ctx)
		total.Add(res)
		if err != nil {
			return total, err
		}
		if res.Fetched < r.engine.opts.BatchSize {
			break
		}
	}
	return total, nil
}

func (r *Relay) flushTenants(ctx context.Context) (Result, error) {
	tenants, err := r.tenants.ListPendingTenants(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(tenants) == 0 {
		return Result{}, nil
	}

	var (
		mu    sync.Mutex
		total Result
		errs  []error
		g     errgroup.Group
	)
	g.SetLimit(r.opts.TenantConcurrency)
	for _, tenantID := range r.tenantOrder(tenants) {
		g.Go(func() error {
			res, err := r.FlushTenant(ctx, tenantID)
			mu.Lock()
			defer mu.Unlock()
			total.Add(res)
			if err != nil {
				r.opts.Logger.WithError(err).WithField("tenant_id", tenantID.String()).Warn("outbox: tenant dispatch failed")
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return total, errors.Join(errs...)
}

// tenantOrder rotates the starting tenant between cycles so no tenant is always served last.
func (r *Relay) tenantOrder(tenants []uuid.UUID) []uuid.UUID {
	r.mu.Lock()
	start := r.turn % len(tenants)
	r.turn++
	r.mu.Unlock()

	ordered := make([]uuid.UUID, 0, len(tenants))
	ordered = append(ordered, tenants[start:]...)
	ordered = append(ordered, tenants[:start]...)
	return ordered
}

func (r *Relay) observeQueueDepth(ctx context.Context) {
	counts, err := r.stats.CountByStatus(ctx, nil)
	if err != nil {
		r.opts.Logger.WithError(err).Debug("outbox: queue depth query failed")
		return
	}
	m := getMetrics()
	for _, s := range []Status{StatusPending, StatusProcessed, StatusFailed} {
		m.records.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
