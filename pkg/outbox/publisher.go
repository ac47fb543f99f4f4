package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Publisher encodes integration events and appends them to the store. Callers
// run Publish inside the transaction of their domain write.
type Publisher struct {
	store Store
	types *TypeRegistry
	opts  PublisherOptions
	m     *metrics
}

func NewPublisher(store Store, types *TypeRegistry, opts PublisherOptions) (*Publisher, error) {
	if store == nil {
		return nil, invalidConfig("store is required")
	}
	if types == nil {
		return nil, invalidConfig("type registry is required")
	}
	opts.setDefaults()
	return &Publisher{store: store, types: types, opts: opts, m: getMetrics()}, nil
}

type PublishOption func(*publishConfig)

type publishConfig struct {
	occurredAt time.Time
}

func WithOccurredAt(t time.Time) PublishOption {
	return func(c *publishConfig) {
		c.occurredAt = t
	}
}

func (p *Publisher) Publish(ctx context.Context, tenantID uuid.UUID, event any, opts ...PublishOption) (*Record, error) {
	cfg := publishConfig{occurredAt: p.opts.Now()}
	for _, o := range opts {
		o(&cfg)
	}

	name, err := p.types.NameOf(event)
	if err != nil {
		return nil, err
	}
	payload, err := p.opts.Codec.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("outbox encode %s: %w", name, err)
	}
	rec, err := NewRecord(tenantID, name, payload, cfg.occurredAt)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = p.opts.Now().UTC()
	if err := p.store.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("outbox append %s: %w", name, err)
	}
	p.m.appendTotal.WithLabelValues(name).Inc()
	return rec, nil
}
