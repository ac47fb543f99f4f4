package outbox

import (
	"context"
	"reflect"
	"time"

	"github.com/google/uuid"
)

type FetchOptions struct {
	BatchSize int
	// TenantID restricts the fetch to one tenant when set.
	TenantID *uuid.UUID
	// WorkerID and LeaseTTL describe the claim placed on returned records.
	WorkerID string
	LeaseTTL time.Duration
	Now      time.Time
}

// Store persists outbox records.
//
// FetchPending returns Pending records oldest first and claims them for
// opts.WorkerID until opts.Now+opts.LeaseTTL. Records under any unexpired
// claim are skipped, including claims of the same worker. Update persists delivery state and clears the claim.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	FetchPending(ctx context.Context, opts FetchOptions) ([]*Record, error)
	Update(ctx context.Context, rec *Record) error
	CleanupProcessed(ctx context.Context, before time.Time) (int64, error)
}

type TenantLister interface {
	ListPendingTenants(ctx context.Context) ([]uuid.UUID, error)
}

type RecordReader interface {
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
}

type FailedQuery struct {
	Limit    int
	TenantID *uuid.UUID
	// MaxRetryCount, when positive, limits results to RetryCount < MaxRetryCount.
	MaxRetryCount int
}

type FailedLister interface {
	ListFailed(ctx context.Context, q FailedQuery) ([]*Record, error)
}

type ClaimReleaser interface {
	ReleaseClaims(ctx context.Context, workerID string, ids []uuid.UUID) error
}

type StatsReader interface {
	CountByStatus(ctx context.Context, tenantID *uuid.UUID) (map[Status]int64, error)
}

// Meta describes the record an event was decoded from.
type Meta struct {
	RecordID   uuid.UUID
	TenantID   uuid.UUID
	EventType  string
	Resolved   string
	OccurredAt time.Time
	Attempt    int
}

type Handler interface {
	Name() string
	Handle(ctx context.Context, meta *Meta, event any) error
}

// HandlerRegistry returns the handlers subscribed to shape, in registration order.
type HandlerRegistry interface {
	HandlersFor(shape reflect.Type) []Handler
}

type Resolver interface {
	Resolve(eventType string) (EventType, error)
}
