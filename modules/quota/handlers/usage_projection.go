package handlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/outboxd/modules/quota/domain/events"
	"github.com/iota-uz/outboxd/pkg/eventbus"
	"github.com/iota-uz/outboxd/pkg/outbox"
	"github.com/iota-uz/outboxd/pkg/serrors"
)

var ErrOverRelease = serrors.NewError("QUOTA_OVER_RELEASE", "released more seats than allocated", "")

type usageKey struct {
	tenantID  uuid.UUID
	accountID uuid.UUID
}

// UsageProjection keeps per-account seat usage in memory. Applying an event is
// idempotent per record id, so redelivered records do not double count.
type UsageProjection struct {
	mu      sync.Mutex
	seats   map[usageKey]int
	applied map[uuid.UUID]struct{}
	logger  *logrus.Logger
}

func NewUsageProjection(logger *logrus.Logger) *UsageProjection {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &UsageProjection{
		seats:   make(map[usageKey]int),
		applied: make(map[uuid.UUID]struct{}),
		logger:  logger,
	}
}

// RegisterUsageProjection subscribes p to the quota events on bus.
func RegisterUsageProjection(bus *eventbus.Bus, p *UsageProjection) {
	eventbus.OnNamed(bus, "quota.usage.allocated", p.onAllocated)
	eventbus.OnNamed(bus, "quota.usage.released", p.onReleased)
}

func (p *UsageProjection) onAllocated(_ context.Context, meta *outbox.Meta, e *events.ServiceAccountAllocatedV1) error {
	if e.Seats <= 0 {
		return fmt.Errorf("allocation for %s has non-positive seats %d", e.AccountID, e.Seats)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.applied[meta.RecordID]; ok {
		return nil
	}
	p.seats[usageKey{meta.TenantID, e.AccountID}] += e.Seats
	p.applied[meta.RecordID] = struct{}{}
	return nil
}

func (p *UsageProjection) onReleased(_ context.Context, meta *outbox.Meta, e *events.QuotaReleasedV1) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.applied[meta.RecordID]; ok {
		return nil
	}
	key := usageKey{meta.TenantID, e.AccountID}
	if p.seats[key] < e.Seats {
		return ErrOverRelease.WithTemplateData(map[string]string{
			"account_id": e.AccountID.String(),
		})
	}
	p.seats[key] -= e.Seats
	if p.seats[key] == 0 {
		delete(p.seats, key)
	}
	p.applied[meta.RecordID] = struct{}{}
	p.logger.WithFields(logrus.Fields{
		"tenant_id":  meta.TenantID,
		"account_id": e.AccountID,
		"seats":      e.Seats,
		"reason":     e.Reason,
	}).Debug("quota released")
	return nil
}

func (p *UsageProjection) Seats(tenantID, accountID uuid.UUID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seats[usageKey{tenantID, accountID}]
}
