package registry

import (
	"context"

	"github.com/google/uuid"
)

// DeviceIdentity is the registry's view of a registered device. The
// active-assignment-id set is the registration gate: a device resolved
// with an empty set is known but not in active service.
type DeviceIdentity struct {
	ID                  uuid.UUID   `json:"id"`
	Token               string      `json:"token"`
	DeviceTypeID        uuid.UUID   `json:"device_type_id"`
	ActiveAssignmentIDs []uuid.UUID `json:"active_assignment_ids"`
}

// ActiveAssignment links a device to a context in which its events are
// currently meaningful.
type ActiveAssignment struct {
	ID        uuid.UUID `json:"id"`
	DeviceID  uuid.UUID `json:"device_id"`
	ContextID string    `json:"context_id"`
	Status    string    `json:"status"`
}

// Client is the lookup surface the validation pipeline consumes.
// DeviceByToken returns (nil, nil) when the token resolves to no
// identity; errors are reserved for lookup failures.
type Client interface {
	DeviceByToken(ctx context.Context, token string) (*DeviceIdentity, error)
	ActiveAssignments(ctx context.Context, deviceID uuid.UUID) ([]ActiveAssignment, error)
}
