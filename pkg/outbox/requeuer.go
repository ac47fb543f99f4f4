package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type requeueStore interface {
	Store
	FailedLister
}

// Requeuer moves Failed records back to Pending once their backoff has
// elapsed, until they reach Policy.MaxAttempts.
type Requeuer struct {
	store requeueStore
	opts  RequeuerOptions

	mu sync.Mutex
}

func NewRequeuer(store Store, opts RequeuerOptions) (*Requeuer, error) {
	if store == nil {
		return nil, invalidConfig("store is required")
	}
	rs, ok := store.(requeueStore)
	if !ok {
		return nil, fmt.Errorf("%w: requeue needs ListFailed", ErrUnsupportedStore)
	}
	opts.setDefaults()
	if err := opts.Policy.validate(); err != nil {
		return nil, err
	}
	if opts.BatchSize < 1 {
		return nil, invalidConfig("batch size must be >= 1")
	}
	return &Requeuer{store: rs, opts: opts}, nil
}

func (q *Requeuer) Run(ctx context.Context) error {
	if ctx == nil {
		return invalidConfig("ctx is required")
	}
	if !q.opts.Enabled {
		return nil
	}

	ticker := time.NewTicker(q.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if _, err := q.RequeueOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			q.opts.Logger.WithError(err).Warn("outbox: requeue tick failed")
		}
	}
}

// RequeueOnce resets eligible Failed records and returns how many were reset.
func (q *Requeuer) RequeueOnce(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	failed, err := q.store.ListFailed(ctx, FailedQuery{
		Limit:         q.opts.BatchSize,
		MaxRetryCount: q.opts.Policy.MaxAttempts,
	})
	if err != nil {
		return 0, err
	}

	now := q.opts.Now()
	n := 0
	for _, rec := range failed {
		if !q.opts.Policy.CanRequeue(rec) {
			continue
		}
		if now.Before(q.opts.Policy.NextAttemptAt(rec, q.opts.Rand)) {
			continue
		}
		if err := rec.ResetToPending(false); err != nil {
			return n, err
		}
		if err := q.store.Update(ctx, rec); err != nil {
			return n, fmt.Errorf("outbox requeue record %s: %w", rec.ID, err)
		}
		n++
		q.opts.Logger.WithFields(recordFields(rec)).Info("outbox: record requeued")
	}
	if n > 0 {
		getMetrics().requeueTotal.Add(float64(n))
	}
	return n, nil
}

// Retry is the operator reset: a Failed record goes back to Pending with its
// retry counter zeroed. Pending records are returned unchanged.
func Retry(ctx context.Context, store Store, id uuid.UUID) (*Record, error) {
	reader, ok := store.(RecordReader)
	if !ok {
		return nil, fmt.Errorf("%w: retry needs Get", ErrUnsupportedStore)
	}
	rec, err := reader.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusPending {
		return rec, nil
	}
	if err := rec.ResetToPending(true); err != nil {
		return nil, err
	}
	if err := store.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("outbox retry record %s: %w", rec.ID, err)
	}
	getMetrics().requeueTotal.Inc()
	return rec, nil
}
