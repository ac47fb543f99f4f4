package outbox_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/outboxd/pkg/eventbus"
	"github.com/iota-uz/outboxd/pkg/outbox"
)

func TestCleaner_CleanOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	old := f.append(t, uuid.New(), "Sales.Events.OrderCreated", `{}`, 0)
	fresh := f.append(t, uuid.New(), "Sales.Events.OrderCreated", `{}`, 0)
	pending := f.append(t, uuid.New(), "Sales.Events.OrderCreated", `{}`, 0)

	require.NoError(t, old.MarkProcessed(now.Add(-10*24*time.Hour)))
	require.NoError(t, f.store.Update(context.Background(), old))
	require.NoError(t, fresh.MarkProcessed(now.Add(-time.Hour)))
	require.NoError(t, f.store.Update(context.Background(), fresh))

	cleaner, err := outbox.NewCleaner(f.store, outbox.CleanerOptions{
		Retention: 7 * 24 * time.Hour,
		Now:       func() time.Time { return now },
	})
	require.NoError(t, err)

	n, err := cleaner.CleanOnce(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = f.store.Get(context.Background(), old.ID)
	require.ErrorIs(t, err, outbox.ErrRecordNotFound)
	require.Equal(t, outbox.StatusProcessed, f.get(t, fresh.ID).Status)
	require.Equal(t, outbox.StatusPending, f.get(t, pending.ID).Status)
}

func TestCleaner_RunDisabledReturnsImmediately(t *testing.T) {
	t.Parallel()

	cleaner, err := outbox.NewCleaner(newFixture(t).store, outbox.CleanerOptions{})
	require.NoError(t, err)
	require.NoError(t, cleaner.Run(context.Background()))
}

func TestRequeuer_RespectsBackoffAndMaxAttempts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	eventbus.On(f.bus, func(_ context.Context, _ *outbox.Meta, _ *orderCreated) error {
		return errors.New("flaky")
	})
	rec := f.append(t, uuid.New(), "Sales.Events.OrderCreated", `{"orderId":"o"}`, 0)

	clock := time.Now()
	engine := f.engine(t, outbox.EngineOptions{Now: func() time.Time { return clock }})
	requeuer, err := outbox.NewRequeuer(f.store, outbox.RequeuerOptions{
		Enabled: true,
		Policy:  outbox.Policy{BaseBackoff: time.Second, JitterMax: time.Millisecond},
		Rand:    rand.New(rand.NewSource(1)),
		Now:     func() time.Time { return clock },
	})
	require.NoError(t, err)

	_, err = engine.ProcessPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, f.get(t, rec.ID).RetryCount)

	n, err := requeuer.RequeueOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n, "backoff has not elapsed")

	for attempt := 2; attempt <= 3; attempt++ {
		clock = clock.Add(time.Minute)
		n, err = requeuer.RequeueOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, outbox.StatusPending, f.get(t, rec.ID).Status)

		_, err = engine.ProcessPending(context.Background())
		require.NoError(t, err)
		require.Equal(t, attempt, f.get(t, rec.ID).RetryCount)
	}

	clock = clock.Add(time.Hour)
	n, err = requeuer.RequeueOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n, "records at max attempts stay failed")
	require.Equal(t, outbox.StatusFailed, f.get(t, rec.ID).Status)
}

func TestRetry_OperatorResetZeroesRetryCount(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.append(t, uuid.New(), "Unknown.Bogus.Type", `{}`, 4)
	_, err := f.engine(t, outbox.EngineOptions{}).ProcessPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, f.get(t, rec.ID).RetryCount)

	got, err := outbox.Retry(context.Background(), f.store, rec.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusPending, got.Status)
	require.Equal(t, 0, got.RetryCount)
	require.Equal(t, 0, f.get(t, rec.ID).RetryCount)

	_, err = outbox.Retry(context.Background(), f.store, uuid.New())
	require.ErrorIs(t, err, outbox.ErrRecordNotFound)
}

func TestRetry_ProcessedRecordIsRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.append(t, uuid.New(), "Sales.Events.OrderCreated", `{"orderId":"o"}`, 0)
	_, err := f.engine(t, outbox.EngineOptions{}).ProcessPending(context.Background())
	require.NoError(t, err)

	_, err = outbox.Retry(context.Background(), f.store, rec.ID)
	require.ErrorIs(t, err, outbox.ErrInvalidTransition)
}

func TestPublisher_AppendsEncodedEvent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	publisher, err := outbox.NewPublisher(f.store, f.types, outbox.PublisherOptions{})
	require.NoError(t, err)

	tenantID := uuid.New()
	occurred := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	rec, err := publisher.Publish(context.Background(), tenantID, &orderCreated{OrderID: "o-5"}, outbox.WithOccurredAt(occurred))
	require.NoError(t, err)

	got := f.get(t, rec.ID)
	require.Equal(t, "Sales.Events.OrderCreated", got.EventType)
	require.Equal(t, tenantID, got.TenantID)
	require.Equal(t, occurred, got.OccurredAt)
	require.JSONEq(t, `{"orderId":"o-5"}`, string(got.Payload))
	require.Equal(t, outbox.StatusPending, got.Status)

	var delivered string
	eventbus.On(f.bus, func(_ context.Context, _ *outbox.Meta, e *orderCreated) error {
		delivered = e.OrderID
		return nil
	})
	_, err = f.engine(t, outbox.EngineOptions{}).ProcessPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, "o-5", delivered)
}

func TestPublisher_RejectsUnregisteredEvents(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	publisher, err := outbox.NewPublisher(f.store, f.types, outbox.PublisherOptions{})
	require.NoError(t, err)

	type adHoc struct{}
	_, err = publisher.Publish(context.Background(), uuid.New(), adHoc{})
	require.ErrorIs(t, err, outbox.ErrUnregisteredEvent)
	require.Equal(t, 0, f.store.Len())
}
