package outbox

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Escalator is notified once per record when it reaches the escalation threshold.
type Escalator interface {
	Exhausted(ctx context.Context, rec *Record, cause error)
}

type EscalatorFunc func(ctx context.Context, rec *Record, cause error)

func (f EscalatorFunc) Exhausted(ctx context.Context, rec *Record, cause error) {
	f(ctx, rec, cause)
}

// LogEscalator writes a critical entry for exhausted records.
type LogEscalator struct {
	Logger *logrus.Entry
}

func (e LogEscalator) Exhausted(_ context.Context, rec *Record, cause error) {
	logger := e.Logger
	if logger == nil {
		logger = logrusNop()
	}
	logger.WithError(cause).WithFields(recordFields(rec)).
		WithField("severity", "critical").
		Error("outbox: record exhausted retries")
}

// MultiEscalator notifies every escalator in order.
type MultiEscalator []Escalator

func (m MultiEscalator) Exhausted(ctx context.Context, rec *Record, cause error) {
	for _, e := range m {
		if e != nil {
			e.Exhausted(ctx, rec, cause)
		}
	}
}
