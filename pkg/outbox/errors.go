package outbox

import (
	"fmt"

	"github.com/iota-uz/outboxd/pkg/serrors"
)

var (
	ErrInvalidConfig      = serrors.NewError("OUTBOX_INVALID_CONFIG", "invalid outbox configuration", "")
	ErrInvalidRecord      = serrors.NewError("OUTBOX_INVALID_RECORD", "invalid outbox record", "")
	ErrInvalidTransition  = serrors.NewError("OUTBOX_INVALID_TRANSITION", "invalid outbox status transition", "")
	ErrRecordNotFound     = serrors.NewError("OUTBOX_RECORD_NOT_FOUND", "outbox record not found", "")
	ErrDuplicateRecord    = serrors.NewError("OUTBOX_DUPLICATE_RECORD", "outbox record already exists", "")
	ErrUnknownEventType   = serrors.NewError("OUTBOX_UNKNOWN_EVENT_TYPE", "unknown event type", "")
	ErrAmbiguousEventType = serrors.NewError("OUTBOX_AMBIGUOUS_EVENT_TYPE", "ambiguous event type", "")
	ErrEventTypeConflict  = serrors.NewError("OUTBOX_EVENT_TYPE_CONFLICT", "event type already registered", "")
	ErrUnregisteredEvent  = serrors.NewError("OUTBOX_UNREGISTERED_EVENT", "event shape is not registered", "")
	ErrHandlerPanic       = serrors.NewError("OUTBOX_HANDLER_PANIC", "handler panicked", "")
	ErrUnsupportedStore   = serrors.NewError("OUTBOX_UNSUPPORTED_STORE", "store does not support this operation", "")
)

func invalidConfig(msg string, args ...any) error {
	return fmt.Errorf("%w: "+msg, append([]any{ErrInvalidConfig}, args...)...)
}

func invalidTransition(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// ResolutionError reports that a stored event type identifier could not be
// mapped to a registered event shape.
type ResolutionError struct {
	EventType  string
	Candidates []string
	Err        error
}

func (e *ResolutionError) Error() string {
	if len(e.Candidates) > 0 {
		return fmt.Sprintf("event type resolution failed for %q: %v (candidates: %v)", e.EventType, e.Err, e.Candidates)
	}
	return fmt.Sprintf("event type resolution failed for %q: %v", e.EventType, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// DecodeError reports a payload that does not fit the resolved shape.
type DecodeError struct {
	EventType string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode payload as %s: %v", e.EventType, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// HandlerError reports a failure of the handler at Index.
type HandlerError struct {
	Handler string
	Index   int
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler #%d (%s): %v", e.Index, e.Handler, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
