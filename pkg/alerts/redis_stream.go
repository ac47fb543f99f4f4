// Package alerts forwards exhausted outbox records to external sinks.
package alerts

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/outboxd/pkg/outbox"
)

const DefaultStream = "outbox:exhausted"

type RedisStreamOptions struct {
	Stream string
	// MaxLen trims the stream approximately; zero keeps everything.
	MaxLen  int64
	Timeout time.Duration
	Logger  *logrus.Entry
}

func (o *RedisStreamOptions) setDefaults() {
	if o.Stream == "" {
		o.Stream = DefaultStream
	}
	if o.MaxLen == 0 {
		o.MaxLen = 10000
	}
	if o.Timeout == 0 {
		o.Timeout = 2 * time.Second
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		o.Logger = logrus.NewEntry(l)
	}
}

// RedisStreamEscalator appends one entry per exhausted record to a Redis stream.
type RedisStreamEscalator struct {
	client redis.Cmdable
	opts   RedisStreamOptions
}

var _ outbox.Escalator = (*RedisStreamEscalator)(nil)

func NewRedisStreamEscalator(client redis.Cmdable, opts RedisStreamOptions) *RedisStreamEscalator {
	opts.setDefaults()
	return &RedisStreamEscalator{client: client, opts: opts}
}

func (e *RedisStreamEscalator) Exhausted(ctx context.Context, rec *outbox.Record, cause error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	values := map[string]any{
		"record_id":   rec.ID.String(),
		"tenant_id":   rec.TenantID.String(),
		"event_type":  rec.EventType,
		"retry_count": strconv.Itoa(rec.RetryCount),
		"occurred_at": rec.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if cause != nil {
		values["error"] = cause.Error()
	}
	if rec.LastAttemptAt != nil {
		values["last_attempt_at"] = rec.LastAttemptAt.UTC().Format(time.RFC3339Nano)
	}

	args := &redis.XAddArgs{
		Stream: e.opts.Stream,
		Values: values,
	}
	if e.opts.MaxLen > 0 {
		args.MaxLen = e.opts.MaxLen
		args.Approx = true
	}
	if err := e.client.XAdd(ctx, args).Err(); err != nil {
		e.opts.Logger.WithError(err).WithFields(logrus.Fields{
			"stream":    e.opts.Stream,
			"record_id": rec.ID.String(),
		}).Warn("alerts: failed to publish exhausted record")
	}
}
