package outbox

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewRecord_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewRecord(uuid.Nil, "X", []byte(`{}`), time.Now())
	require.ErrorIs(t, err, ErrInvalidRecord)

	_, err = NewRecord(uuid.New(), "  ", []byte(`{}`), time.Now())
	require.ErrorIs(t, err, ErrInvalidRecord)

	_, err = NewRecord(uuid.New(), "X", nil, time.Now())
	require.ErrorIs(t, err, ErrInvalidRecord)

	rec, err := NewRecord(uuid.New(), "X", []byte(`{}`), time.Time{})
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)
	require.False(t, rec.OccurredAt.IsZero())
	require.NoError(t, rec.Validate())
}

func TestRecord_Transitions(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rec, err := NewRecord(uuid.New(), "X", []byte(`{}`), now)
	require.NoError(t, err)

	require.NoError(t, rec.MarkFailed(now, "boom"))
	require.Equal(t, StatusFailed, rec.Status)
	require.Equal(t, 1, rec.RetryCount)
	require.Equal(t, "boom", *rec.LastError)
	require.Nil(t, rec.ProcessedAt)
	require.NoError(t, rec.Validate())

	require.ErrorIs(t, rec.MarkProcessed(now), ErrInvalidTransition)
	require.ErrorIs(t, rec.MarkFailed(now, "again"), ErrInvalidTransition)

	require.NoError(t, rec.ResetToPending(false))
	require.Equal(t, StatusPending, rec.Status)
	require.Equal(t, 1, rec.RetryCount)

	require.NoError(t, rec.MarkProcessed(now.Add(time.Minute)))
	require.Equal(t, StatusProcessed, rec.Status)
	require.NotNil(t, rec.ProcessedAt)
	require.Nil(t, rec.LastError)
	require.Equal(t, 1, rec.RetryCount)
	require.NoError(t, rec.Validate())

	require.ErrorIs(t, rec.ResetToPending(true), ErrInvalidTransition)
	require.ErrorIs(t, rec.MarkFailed(now, "late"), ErrInvalidTransition)
}

func TestRecord_OperatorResetZeroesRetryCount(t *testing.T) {
	t.Parallel()

	rec, err := NewRecord(uuid.New(), "X", []byte(`{}`), time.Now())
	require.NoError(t, err)
	rec.RetryCount = 4
	require.NoError(t, rec.MarkFailed(time.Now(), "boom"))
	require.NoError(t, rec.ResetToPending(true))
	require.Equal(t, 0, rec.RetryCount)
}

func TestRecord_ValidateProcessedAtInvariant(t *testing.T) {
	t.Parallel()

	rec, err := NewRecord(uuid.New(), "X", []byte(`{}`), time.Now())
	require.NoError(t, err)
	now := time.Now()
	rec.ProcessedAt = &now
	require.ErrorIs(t, rec.Validate(), ErrInvalidRecord)
}

func TestRecord_CloneIsDeep(t *testing.T) {
	t.Parallel()

	rec, err := NewRecord(uuid.New(), "X", []byte(`{"a":1}`), time.Now())
	require.NoError(t, err)
	require.NoError(t, rec.MarkFailed(time.Now(), "boom"))

	cp := rec.Clone()
	cp.Payload[0] = '['
	*cp.LastError = "changed"
	require.Equal(t, byte('{'), rec.Payload[0])
	require.Equal(t, "boom", *rec.LastError)
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Status{"pending": StatusPending, "Processed": StatusProcessed, "2": StatusFailed} {
		got, err := ParseStatus(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseStatus("dead")
	require.Error(t, err)
}
