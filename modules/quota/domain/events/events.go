// Package events holds the integration events the quota module emits through the outbox.
package events

import (
	"github.com/google/uuid"

	"github.com/iota-uz/outboxd/pkg/outbox"
)

const (
	ServiceAccountAllocatedName = "Quota.Events.ServiceAccountAllocated"
	QuotaReleasedName           = "Quota.Events.QuotaReleased"
)

type ServiceAccountAllocatedV1 struct {
	AccountID uuid.UUID `json:"accountId"`
	Plan      string    `json:"plan"`
	Seats     int       `json:"seats"`
}

type QuotaReleasedV1 struct {
	AccountID uuid.UUID `json:"accountId"`
	Seats     int       `json:"seats"`
	Reason    string    `json:"reason,omitempty"`
}

// Register adds the quota events to types. Legacy identifiers written by older
// producers stay resolvable through aliases.
func Register(types *outbox.TypeRegistry) error {
	if err := outbox.Register[ServiceAccountAllocatedV1](types,
		ServiceAccountAllocatedName,
		"Quota.ServiceAccountAllocatedEvent",
	); err != nil {
		return err
	}
	return outbox.Register[QuotaReleasedV1](types,
		QuotaReleasedName,
		"Quota.QuotaReleasedEvent",
	)
}
