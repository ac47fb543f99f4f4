// Package memory is an in-process outbox store for tests and single-binary tools.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iota-uz/outboxd/pkg/outbox"
)

type Option func(*Store)

// WithoutClaims makes FetchPending ignore leases, so concurrent passes can
// receive the same record.
func WithoutClaims() Option {
	return func(s *Store) {
		s.claims = false
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

type Store struct {
	mu      sync.Mutex
	records map[uuid.UUID]*outbox.Record
	claims  bool
	now     func() time.Time
}

var (
	_ outbox.Store         = (*Store)(nil)
	_ outbox.TenantLister  = (*Store)(nil)
	_ outbox.RecordReader  = (*Store)(nil)
	_ outbox.FailedLister  = (*Store)(nil)
	_ outbox.ClaimReleaser = (*Store)(nil)
	_ outbox.StatsReader   = (*Store)(nil)
)

func New(opts ...Option) *Store {
	s := &Store{
		records: map[uuid.UUID]*outbox.Record{},
		claims:  true,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Append(ctx context.Context, rec *outbox.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Status != outbox.StatusPending {
		return fmt.Errorf("%w: appended records must be pending", outbox.ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("%w: %s", outbox.ErrDuplicateRecord, rec.ID)
	}
	cp := rec.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	cp.ClaimedBy = nil
	cp.ClaimedUntil = nil
	s.records[cp.ID] = cp
	return nil
}

func (s *Store) FetchPending(ctx context.Context, opts outbox.FetchOptions) ([]*outbox.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		return nil, nil
	}
	now := opts.Now
	if now.IsZero() {
		now = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]*outbox.Record, 0)
	for _, rec := range s.records {
		if rec.Status != outbox.StatusPending {
			continue
		}
		if opts.TenantID != nil && rec.TenantID != *opts.TenantID {
			continue
		}
		if s.claims && leased(rec, now) {
			continue
		}
		candidates = append(candidates, rec)
	}
	sortOldestFirst(candidates)
	if len(candidates) > opts.BatchSize {
		candidates = candidates[:opts.BatchSize]
	}

	out := make([]*outbox.Record, 0, len(candidates))
	for _, rec := range candidates {
		if s.claims {
			worker := opts.WorkerID
			until := now.Add(opts.LeaseTTL)
			rec.ClaimedBy = &worker
			rec.ClaimedUntil = &until
		}
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, rec *outbox.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[rec.ID]
	if !ok {
		return fmt.Errorf("%w: %s", outbox.ErrRecordNotFound, rec.ID)
	}
	stored.Status = rec.Status
	stored.ProcessedAt = cloneTime(rec.ProcessedAt)
	stored.LastError = cloneString(rec.LastError)
	stored.RetryCount = rec.RetryCount
	stored.LastAttemptAt = cloneTime(rec.LastAttemptAt)
	stored.ClaimedBy = nil
	stored.ClaimedUntil = nil
	return nil
}

func (s *Store) CleanupProcessed(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.records {
		if rec.Status == outbox.StatusProcessed && rec.ProcessedAt != nil && rec.ProcessedAt.Before(before) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*outbox.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", outbox.ErrRecordNotFound, id)
	}
	return rec.Clone(), nil
}

func (s *Store) ListPendingTenants(ctx context.Context) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	oldest := map[uuid.UUID]time.Time{}
	for _, rec := range s.records {
		if rec.Status != outbox.StatusPending {
			continue
		}
		if t, ok := oldest[rec.TenantID]; !ok || rec.OccurredAt.Before(t) {
			oldest[rec.TenantID] = rec.OccurredAt
		}
	}
	out := make([]uuid.UUID, 0, len(oldest))
	for id := range oldest {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := oldest[out[i]], oldest[out[j]]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].String() < out[j].String()
	})
	return out, nil
}

func (s *Store) ListFailed(ctx context.Context, q outbox.FailedQuery) ([]*outbox.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*outbox.Record, 0)
	for _, rec := range s.records {
		if rec.Status != outbox.StatusFailed {
			continue
		}
		if q.TenantID != nil && rec.TenantID != *q.TenantID {
			continue
		}
		if q.MaxRetryCount > 0 && rec.RetryCount >= q.MaxRetryCount {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].LastAttemptAt, out[j].LastAttemptAt
		switch {
		case ai == nil && aj == nil:
			return out[i].ID.String() < out[j].ID.String()
		case ai == nil:
			return true
		case aj == nil:
			return false
		case !ai.Equal(*aj):
			return ai.Before(*aj)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	for i, rec := range out {
		out[i] = rec.Clone()
	}
	return out, nil
}

func (s *Store) ReleaseClaims(ctx context.Context, workerID string, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		rec, ok := s.records[id]
		if !ok || rec.ClaimedBy == nil || *rec.ClaimedBy != workerID {
			continue
		}
		rec.ClaimedBy = nil
		rec.ClaimedUntil = nil
	}
	return nil
}

func (s *Store) CountByStatus(ctx context.Context, tenantID *uuid.UUID) (map[outbox.Status]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[outbox.Status]int64{}
	for _, rec := range s.records {
		if tenantID != nil && rec.TenantID != *tenantID {
			continue
		}
		out[rec.Status]++
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// leased reports whether rec is under an unexpired claim. The holder is not
// exempt: two passes of one worker must not share a record either.
func leased(rec *outbox.Record, now time.Time) bool {
	if rec.ClaimedBy == nil || rec.ClaimedUntil == nil {
		return false
	}
	return rec.ClaimedUntil.After(now)
}

func sortOldestFirst(recs []*outbox.Record) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.Before(b.OccurredAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
