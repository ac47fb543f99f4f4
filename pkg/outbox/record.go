package outbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status int16

const (
	StatusPending   Status = 0
	StatusProcessed Status = 1
	StatusFailed    Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessed:
		return "processed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int16(s))
	}
}

func (s Status) IsValid() bool {
	return s == StatusPending || s == StatusProcessed || s == StatusFailed
}

func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "0":
		return StatusPending, nil
	case "processed", "1":
		return StatusProcessed, nil
	case "failed", "2":
		return StatusFailed, nil
	default:
		return 0, fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, s)
	}
}

// Record is one outbox row: a serialized integration event plus its delivery state.
type Record struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	EventType  string
	Payload    []byte
	OccurredAt time.Time
	CreatedAt  time.Time

	Status        Status
	ProcessedAt   *time.Time
	LastError     *string
	RetryCount    int
	LastAttemptAt *time.Time

	ClaimedBy    *string
	ClaimedUntil *time.Time
}

func NewRecord(tenantID uuid.UUID, eventType string, payload []byte, occurredAt time.Time) (*Record, error) {
	if tenantID == uuid.Nil {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidRecord)
	}
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, fmt.Errorf("%w: event type is required", ErrInvalidRecord)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidRecord)
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	return &Record{
		ID:         uuid.New(),
		TenantID:   tenantID,
		EventType:  eventType,
		Payload:    append([]byte(nil), payload...),
		OccurredAt: occurredAt.UTC(),
		Status:     StatusPending,
	}, nil
}

// Validate checks the invariants a store relies on when persisting r.
func (r *Record) Validate() error {
	switch {
	case r == nil:
		return fmt.Errorf("%w: record is nil", ErrInvalidRecord)
	case r.ID == uuid.Nil:
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	case r.TenantID == uuid.Nil:
		return fmt.Errorf("%w: tenant id is required", ErrInvalidRecord)
	case strings.TrimSpace(r.EventType) == "":
		return fmt.Errorf("%w: event type is required", ErrInvalidRecord)
	case !r.Status.IsValid():
		return fmt.Errorf("%w: invalid status %d", ErrInvalidRecord, r.Status)
	case r.RetryCount < 0:
		return fmt.Errorf("%w: negative retry count", ErrInvalidRecord)
	case (r.ProcessedAt != nil) != (r.Status == StatusProcessed):
		return fmt.Errorf("%w: processed_at must be set iff status is processed", ErrInvalidRecord)
	}
	return nil
}

func (r *Record) MarkProcessed(now time.Time) error {
	if r.Status != StatusPending {
		return invalidTransition(r.Status, StatusProcessed)
	}
	now = now.UTC()
	r.Status = StatusProcessed
	r.ProcessedAt = &now
	r.LastError = nil
	r.LastAttemptAt = &now
	return nil
}

func (r *Record) MarkFailed(now time.Time, lastError string) error {
	if r.Status != StatusPending {
		return invalidTransition(r.Status, StatusFailed)
	}
	now = now.UTC()
	r.Status = StatusFailed
	r.LastError = &lastError
	r.RetryCount++
	r.LastAttemptAt = &now
	return nil
}

// ResetToPending moves a Failed record back into the dispatch queue. The retry
// counter is only zeroed on operator request.
func (r *Record) ResetToPending(resetRetryCount bool) error {
	if r.Status != StatusFailed {
		return invalidTransition(r.Status, StatusPending)
	}
	r.Status = StatusPending
	if resetRetryCount {
		r.RetryCount = 0
	}
	return nil
}

// Attempt is the 1-based number of the delivery attempt about to run.
func (r *Record) Attempt() int {
	return r.RetryCount + 1
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Payload = append([]byte(nil), r.Payload...)
	cp.ProcessedAt = cloneTime(r.ProcessedAt)
	cp.LastAttemptAt = cloneTime(r.LastAttemptAt)
	cp.ClaimedUntil = cloneTime(r.ClaimedUntil)
	cp.LastError = cloneString(r.LastError)
	cp.ClaimedBy = cloneString(r.ClaimedBy)
	return &cp
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
