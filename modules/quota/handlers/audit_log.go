package handlers

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/iota-uz/outboxd/modules/quota/domain/events"
	"github.com/iota-uz/outboxd/pkg/eventbus"
	"github.com/iota-uz/outboxd/pkg/outbox"
)

func RegisterAuditLog(bus *eventbus.Bus, logger *logrus.Logger) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	eventbus.OnNamed(bus, "quota.audit.allocated", func(_ context.Context, meta *outbox.Meta, e *events.ServiceAccountAllocatedV1) error {
		logger.WithFields(logrus.Fields{
			"tenant_id":  meta.TenantID,
			"record_id":  meta.RecordID,
			"account_id": e.AccountID,
			"plan":       e.Plan,
			"seats":      e.Seats,
			"attempt":    meta.Attempt,
		}).Info("service account allocated")
		return nil
	})
}
