package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Result summarizes one engine pass.
type Result struct {
	Fetched   int
	Processed int
	Failed    int
	// Exhausted counts records escalated during this pass; they are also counted in Failed.
	Exhausted int
	// Skipped counts claimed records left untouched because the pass was cancelled.
	Skipped int
}

func (r *Result) Add(other Result) {
	r.Fetched += other.Fetched
	r.Processed += other.Processed
	r.Failed += other.Failed
	r.Exhausted += other.Exhausted
	r.Skipped += other.Skipped
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeFailed
	outcomeExhausted
)

// Engine claims pending records and delivers them to their handlers.
type Engine struct {
	store    Store
	resolver Resolver
	handlers HandlerRegistry
	opts     EngineOptions
	m        *metrics
}

func NewEngine(store Store, resolver Resolver, handlers HandlerRegistry, opts EngineOptions) (*Engine, error) {
	if store == nil {
		return nil, invalidConfig("store is required")
	}
	if resolver == nil {
		return nil, invalidConfig("resolver is required")
	}
	if handlers == nil {
		return nil, invalidConfig("handler registry is required")
	}
	opts.setDefaults()
	if opts.BatchSize < 1 {
		return nil, invalidConfig("batch size must be >= 1")
	}
	if opts.LeaseTTL < 0 || opts.HandlerTimeout < 0 {
		return nil, invalidConfig("durations must not be negative")
	}
	if err := opts.Policy.validate(); err != nil {
		return nil, err
	}
	opts.Logger = opts.Logger.WithField("worker_id", opts.WorkerID)
	return &Engine{
		store:    store,
		resolver: resolver,
		handlers: handlers,
		opts:     opts,
		m:        getMetrics(),
	}, nil
}

func (e *Engine) WorkerID() string {
	return e.opts.WorkerID
}

func (e *Engine) Store() Store {
	return e.store
}

func (e *Engine) Policy() Policy {
	return e.opts.Policy
}

// ProcessPending runs one pass over the oldest pending records of all tenants.
func (e *Engine) ProcessPending(ctx context.Context) (Result, error) {
	return e.process(ctx, nil)
}

// ProcessPendingForTenant runs one pass restricted to tenantID.
func (e *Engine) ProcessPendingForTenant(ctx context.Context, tenantID uuid.UUID) (Result, error) {
	if tenantID == uuid.Nil {
		return Result{}, invalidConfig("tenant id is required")
	}
	return e.process(ctx, &tenantID)
}

func (e *Engine) process(ctx context.Context, tenantID *uuid.UUID) (Result, error) {
	if ctx == nil {
		return Result{}, invalidConfig("ctx is required")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	attrs := []attribute.KeyValue{attribute.String("outbox.worker_id", e.opts.WorkerID)}
	if tenantID != nil {
		attrs = append(attrs, attribute.String("outbox.tenant_id", tenantID.String()))
	}
	ctx, span := e.opts.Tracer.Start(ctx, "outbox.process_pending", trace.WithAttributes(attrs...))
	defer span.End()

	records, err := e.store.FetchPending(ctx, FetchOptions{
		BatchSize: e.opts.BatchSize,
		TenantID:  tenantID,
		WorkerID:  e.opts.WorkerID,
		LeaseTTL:  e.opts.LeaseTTL,
		Now:       e.opts.Now().UTC(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch pending")
		return Result{}, fmt.Errorf("outbox fetch pending: %w", err)
	}

	res := Result{Fetched: len(records)}
	span.SetAttributes(attribute.Int("outbox.fetched", len(records)))

	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			res.Skipped = len(records) - i
			e.releaseClaims(ctx, records[i:])
			return res, err
		}

		out, err := e.dispatchRecord(ctx, rec)
		if err != nil {
			e.releaseClaims(ctx, records[i+1:])
			res.Skipped = len(records) - i - 1
			span.RecordError(err)
			span.SetStatus(codes.Error, "persist record")
			return res, err
		}
		switch out {
		case outcomeProcessed:
			res.Processed++
		case outcomeFailed:
			res.Failed++
		case outcomeExhausted:
			res.Failed++
			res.Exhausted++
		}
	}

	span.SetAttributes(
		attribute.Int("outbox.processed", res.Processed),
		attribute.Int("outbox.failed", res.Failed),
	)
	return res, nil
}

func (e *Engine) dispatchRecord(ctx context.Context, rec *Record) (outcome, error) {
	ctx, span := e.opts.Tracer.Start(ctx, "outbox.dispatch_record", trace.WithAttributes(
		attribute.String("outbox.record_id", rec.ID.String()),
		attribute.String("outbox.tenant_id", rec.TenantID.String()),
		attribute.String("outbox.event_type", rec.EventType),
		attribute.Int("outbox.attempt", rec.Attempt()),
	))
	defer span.End()

	start := time.Now()
	label, deliveryErr := e.deliver(ctx, rec)
	// Outcome of started work is persisted even if the pass is being cancelled.
	persistCtx := context.WithoutCancel(ctx)
	now := e.opts.Now()
	logger := e.opts.Logger.WithFields(recordFields(rec))

	if deliveryErr == nil {
		if err := rec.MarkProcessed(now); err != nil {
			return 0, err
		}
		if err := e.store.Update(persistCtx, rec); err != nil {
			return 0, fmt.Errorf("outbox update record %s: %w", rec.ID, err)
		}
		e.observe(label, resultProcessed, start)
		logger.Debug("outbox: record processed")
		return outcomeProcessed, nil
	}

	span.RecordError(deliveryErr)
	span.SetStatus(codes.Error, "delivery failed")

	before := rec.RetryCount
	if err := rec.MarkFailed(now, lastErrorText(deliveryErr, e.opts.LastErrorMaxLen)); err != nil {
		return 0, err
	}
	if err := e.store.Update(persistCtx, rec); err != nil {
		return 0, fmt.Errorf("outbox update record %s: %w", rec.ID, err)
	}
	e.observe(label, resultFailed, start)
	logger.WithError(deliveryErr).WithField("retry_count", rec.RetryCount).Warn("outbox: record delivery failed")

	if !e.opts.Policy.Escalates(before, rec.RetryCount) {
		return outcomeFailed, nil
	}
	e.m.exhaustedTotal.WithLabelValues(label).Inc()
	e.opts.Escalator.Exhausted(persistCtx, rec.Clone(), deliveryErr)
	return outcomeExhausted, nil
}

// deliver resolves, decodes and hands the record to its handlers. The returned
// label is the resolved type name used for metrics.
func (e *Engine) deliver(ctx context.Context, rec *Record) (string, error) {
	et, err := e.resolver.Resolve(rec.EventType)
	if err != nil {
		e.m.resolutionFailures.Inc()
		var rerr *ResolutionError
		if !errors.As(err, &rerr) {
			err = &ResolutionError{EventType: rec.EventType, Err: err}
		}
		return unresolvedLabel, err
	}

	event := et.New()
	if err := e.opts.Codec.Unmarshal(rec.Payload, event); err != nil {
		return et.Name, &DecodeError{EventType: et.Name, Err: err}
	}

	handlers := e.handlers.HandlersFor(et.Shape)
	if len(handlers) == 0 {
		return et.Name, nil
	}

	if e.opts.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.HandlerTimeout)
		defer cancel()
	}

	meta := &Meta{
		RecordID:   rec.ID,
		TenantID:   rec.TenantID,
		EventType:  rec.EventType,
		Resolved:   et.Name,
		OccurredAt: rec.OccurredAt,
		Attempt:    rec.Attempt(),
	}

	var errs []error
	for i, h := range handlers {
		if err := invokeHandler(ctx, h, meta, event); err != nil {
			herr := &HandlerError{Handler: h.Name(), Index: i, Err: err}
			if e.opts.Policy.FailureMode == StopOnFirstError {
				return et.Name, herr
			}
			errs = append(errs, herr)
		}
	}
	return et.Name, errors.Join(errs...)
}

func invokeHandler(ctx context.Context, h Handler, meta *Meta, event any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h.Handle(ctx, meta, event)
}

func (e *Engine) releaseClaims(ctx context.Context, records []*Record) {
	if len(records) == 0 {
		return
	}
	releaser, ok := e.store.(ClaimReleaser)
	if !ok {
		return
	}
	ids := make([]uuid.UUID, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	if err := releaser.ReleaseClaims(context.WithoutCancel(ctx), e.opts.WorkerID, ids); err != nil {
		e.opts.Logger.WithError(err).WithField("count", len(ids)).Warn("outbox: failed to release claims")
	}
}

func (e *Engine) observe(label, result string, start time.Time) {
	e.m.dispatchTotal.WithLabelValues(label, result).Inc()
	e.m.dispatchLatency.WithLabelValues(result).Observe(time.Since(start).Seconds())
}
