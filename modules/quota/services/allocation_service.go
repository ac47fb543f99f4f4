package services

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/iota-uz/outboxd/modules/quota/domain/events"
	"github.com/iota-uz/outboxd/pkg/composables"
	"github.com/iota-uz/outboxd/pkg/outbox"
	"github.com/iota-uz/outboxd/pkg/serrors"
)

var (
	ErrInvalidSeats = serrors.NewError("QUOTA_INVALID_SEATS", "seats must be positive", "")
	ErrInvalidPlan  = serrors.NewError("QUOTA_INVALID_PLAN", "plan is required", "")
)

// TxRunner runs fn inside a tenant-scoped transaction carried by the callback ctx.
type TxRunner func(ctx context.Context, fn func(context.Context) error) error

type AllocationService struct {
	publisher *outbox.Publisher
	inTx      TxRunner
}

func NewAllocationService(publisher *outbox.Publisher, inTx TxRunner) *AllocationService {
	if inTx == nil {
		inTx = composables.InTenantTx
	}
	return &AllocationService{publisher: publisher, inTx: inTx}
}

// AllocateServiceAccount records the allocation event in the caller's tenant
// transaction. The returned record is Pending until the relay dispatches it.
func (s *AllocationService) AllocateServiceAccount(ctx context.Context, tenantID, accountID uuid.UUID, plan string, seats int) (*outbox.Record, error) {
	plan = strings.TrimSpace(plan)
	if plan == "" {
		return nil, ErrInvalidPlan
	}
	if seats <= 0 {
		return nil, ErrInvalidSeats
	}
	return s.publish(ctx, tenantID, &events.ServiceAccountAllocatedV1{
		AccountID: accountID,
		Plan:      plan,
		Seats:     seats,
	})
}

func (s *AllocationService) ReleaseQuota(ctx context.Context, tenantID, accountID uuid.UUID, seats int, reason string) (*outbox.Record, error) {
	if seats <= 0 {
		return nil, ErrInvalidSeats
	}
	return s.publish(ctx, tenantID, &events.QuotaReleasedV1{
		AccountID: accountID,
		Seats:     seats,
		Reason:    strings.TrimSpace(reason),
	})
}

func (s *AllocationService) publish(ctx context.Context, tenantID uuid.UUID, event any) (*outbox.Record, error) {
	var rec *outbox.Record
	ctx = composables.WithTenantID(ctx, tenantID)
	err := s.inTx(ctx, func(txCtx context.Context) error {
		var err error
		rec, err = s.publisher.Publish(txCtx, tenantID, event)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}
