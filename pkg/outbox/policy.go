package outbox

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

type FailureMode int

const (
	// StopOnFirstError stops invoking handlers for a record after the first failure.
	StopOnFirstError FailureMode = iota
	// RunAll invokes every handler and joins the failures.
	RunAll
)

func (m FailureMode) String() string {
	switch m {
	case StopOnFirstError:
		return "stop_on_first_error"
	case RunAll:
		return "run_all"
	default:
		return fmt.Sprintf("failure_mode(%d)", int(m))
	}
}

func ParseFailureMode(s string) (FailureMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stop_on_first_error", "stop", "first":
		return StopOnFirstError, nil
	case "run_all", "all":
		return RunAll, nil
	default:
		return 0, invalidConfig("unknown handler failure mode %q", s)
	}
}

// Policy holds the retry and escalation parameters shared by the engine and the requeuer.
type Policy struct {
	EscalationThreshold int
	// MaxAttempts bounds automatic requeues; records at or above it stay Failed.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	JitterMax   time.Duration
	FailureMode FailureMode
}

func DefaultPolicy() Policy {
	p := Policy{}
	p.setDefaults()
	return p
}

func (p *Policy) setDefaults() {
	if p.EscalationThreshold == 0 {
		p.EscalationThreshold = 3
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = p.EscalationThreshold
	}
	if p.BaseBackoff == 0 {
		p.BaseBackoff = 1 * time.Second
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = 60 * time.Second
	}
	if p.JitterMax == 0 {
		p.JitterMax = 200 * time.Millisecond
	}
}

func (p Policy) validate() error {
	if p.EscalationThreshold < 1 {
		return invalidConfig("escalation threshold must be >= 1")
	}
	if p.MaxAttempts < 1 {
		return invalidConfig("max attempts must be >= 1")
	}
	if p.BaseBackoff < 0 || p.MaxBackoff < 0 || p.JitterMax < 0 {
		return invalidConfig("backoff durations must not be negative")
	}
	if p.FailureMode != StopOnFirstError && p.FailureMode != RunAll {
		return invalidConfig("unknown handler failure mode %d", p.FailureMode)
	}
	return nil
}

// Escalates reports whether a record whose retry count moved from before to
// after has just reached the escalation threshold.
func (p Policy) Escalates(before, after int) bool {
	return before < p.EscalationThreshold && after >= p.EscalationThreshold
}

func (p Policy) CanRequeue(rec *Record) bool {
	return rec.Status == StatusFailed && rec.RetryCount < p.MaxAttempts
}

// NextAttemptAt is the earliest time a Failed record may be requeued.
func (p Policy) NextAttemptAt(rec *Record, r *rand.Rand) time.Time {
	var last time.Time
	if rec.LastAttemptAt != nil {
		last = *rec.LastAttemptAt
	}
	return last.Add(backoff(rec.RetryCount, p.BaseBackoff, p.MaxBackoff) + jitter(r, p.JitterMax))
}
