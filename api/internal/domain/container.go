package domain

import "time"

// Container statuses.
const (
	ContainerAvailable = "available"
	ContainerInUse     = "in_use"
	ContainerLost      = "lost"
)

// Container is a reusable food container. A container has a holder if and
// only if its status is in_use.
type Container struct {
	ID             string    `json:"id"`
	Type           string    `json:"container_type"`
	Status         string    `json:"status"`
	OwnerCompanyID string    `json:"current_owner_company_id"`
	HolderClientID *string   `json:"current_holder_client_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HeldBy reports whether clientID currently holds the container.
func (c Container) HeldBy(clientID string) bool {
	return c.HolderClientID != nil && *c.HolderClientID == clientID
}

// Consistent reports whether the holder/status invariant holds.
func (c Container) Consistent() bool {
	if c.Status == ContainerInUse {
		return c.HolderClientID != nil && *c.HolderClientID != ""
	}
	return c.HolderClientID == nil
}

// ContainerUpdate carries the mutable container fields written by a
// lifecycle transition. UpdatedAt is stamped by the repository.
type ContainerUpdate struct {
	ID             string
	Status         string
	OwnerCompanyID string
	HolderClientID *string
}
