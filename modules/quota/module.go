// Package quota is a small producer/consumer module: its service appends
// allocation events through the outbox and its handlers project seat usage.
package quota

import (
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/outboxd/modules/quota/domain/events"
	"github.com/iota-uz/outboxd/modules/quota/handlers"
	"github.com/iota-uz/outboxd/modules/quota/services"
	"github.com/iota-uz/outboxd/pkg/eventbus"
	"github.com/iota-uz/outboxd/pkg/outbox"
)

type Module struct {
	Usage      *handlers.UsageProjection
	Allocation *services.AllocationService
}

func NewModule() *Module {
	return &Module{}
}

// Register wires the module's events, subscribers and service.
func (m *Module) Register(types *outbox.TypeRegistry, bus *eventbus.Bus, publisher *outbox.Publisher, logger *logrus.Logger) error {
	if err := events.Register(types); err != nil {
		return err
	}
	m.Usage = handlers.NewUsageProjection(logger)
	handlers.RegisterUsageProjection(bus, m.Usage)
	handlers.RegisterAuditLog(bus, logger)
	if publisher != nil {
		m.Allocation = services.NewAllocationService(publisher, nil)
	}
	return nil
}

func (m *Module) Name() string {
	return "quota"
}
