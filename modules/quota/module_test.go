package quota_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/outboxd/modules/quota"
	"github.com/iota-uz/outboxd/modules/quota/services"
	"github.com/iota-uz/outboxd/pkg/eventbus"
	"github.com/iota-uz/outboxd/pkg/outbox"
	"github.com/iota-uz/outboxd/pkg/outbox/memory"
)

func passthroughTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

type env struct {
	store   *memory.Store
	engine  *outbox.Engine
	module  *quota.Module
	service *services.AllocationService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.New()
	types := outbox.NewTypeRegistry()
	bus := eventbus.New(nil)
	publisher, err := outbox.NewPublisher(store, types, outbox.PublisherOptions{})
	require.NoError(t, err)

	m := quota.NewModule()
	require.NoError(t, m.Register(types, bus, publisher, nil))
	require.NotNil(t, m.Allocation)

	engine, err := outbox.NewEngine(store, types, bus, outbox.EngineOptions{})
	require.NoError(t, err)
	return &env{
		store:   store,
		engine:  engine,
		module:  m,
		service: services.NewAllocationService(publisher, passthroughTx),
	}
}

func TestQuota_AllocateAndRelease(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	tenantID, accountID := uuid.New(), uuid.New()

	rec, err := e.service.AllocateServiceAccount(ctx, tenantID, accountID, "team", 5)
	require.NoError(t, err)
	require.Equal(t, "Quota.Events.ServiceAccountAllocated", rec.EventType)
	require.Equal(t, outbox.StatusPending, rec.Status)
	require.Zero(t, e.module.Usage.Seats(tenantID, accountID))

	res, err := e.engine.ProcessPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)
	require.Equal(t, 5, e.module.Usage.Seats(tenantID, accountID))

	_, err = e.service.ReleaseQuota(ctx, tenantID, accountID, 2, "downgrade")
	require.NoError(t, err)
	_, err = e.engine.ProcessPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, e.module.Usage.Seats(tenantID, accountID))
}

func TestQuota_OverReleaseFailsRecord(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	tenantID, accountID := uuid.New(), uuid.New()

	rec, err := e.service.ReleaseQuota(ctx, tenantID, accountID, 1, "")
	require.NoError(t, err)

	res, err := e.engine.ProcessPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)

	got, err := e.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusFailed, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastError)
	require.Contains(t, *got.LastError, "released more seats than allocated")
}

func TestQuota_LegacyIdentifiersResolve(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	tenantID, accountID := uuid.New(), uuid.New()

	legacy, err := outbox.NewRecord(tenantID, "Quota.ServiceAccountAllocatedEvent",
		[]byte(`{"accountId":"`+accountID.String()+`","plan":"solo","seats":2}`), time.Now())
	require.NoError(t, err)
	require.NoError(t, e.store.Append(ctx, legacy))

	qualified, err := outbox.NewRecord(tenantID, "Quota.Events.QuotaReleased, Quota.Contracts",
		[]byte(`{"accountId":"`+accountID.String()+`","seats":1}`), time.Now().Add(time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, e.store.Append(ctx, qualified))

	res, err := e.engine.ProcessPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Processed)
	require.Equal(t, 1, e.module.Usage.Seats(tenantID, accountID))
}

func TestAllocationService_Validates(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.service.AllocateServiceAccount(ctx, uuid.New(), uuid.New(), " ", 1)
	require.ErrorIs(t, err, services.ErrInvalidPlan)
	_, err = e.service.AllocateServiceAccount(ctx, uuid.New(), uuid.New(), "team", 0)
	require.ErrorIs(t, err, services.ErrInvalidSeats)
	_, err = e.service.ReleaseQuota(ctx, uuid.New(), uuid.New(), -1, "")
	require.ErrorIs(t, err, services.ErrInvalidSeats)
	_, err = e.service.AllocateServiceAccount(ctx, uuid.Nil, uuid.New(), "team", 1)
	require.ErrorIs(t, err, outbox.ErrInvalidRecord)
	require.Zero(t, e.store.Len())
}
