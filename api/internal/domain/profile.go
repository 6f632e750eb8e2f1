package domain

import "time"

// Profile roles.
const (
	RoleClient     = "client"
	RoleEntreprise = "entreprise"
)

// Profile is the application-level view of a user: a client collecting
// NutCoins or an operator acting for a company.
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	NutCoins  int       `json:"nut_coins"`
	CompanyID *string   `json:"company_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsClient reports whether the profile can hold containers.
func (p Profile) IsClient() bool {
	return p.Role == RoleClient
}

// IsOperator reports whether the profile scans on behalf of a company.
func (p Profile) IsOperator() bool {
	return p.Role == RoleEntreprise
}

// ValidRole reports whether role is a known profile role.
func ValidRole(role string) bool {
	return role == RoleClient || role == RoleEntreprise
}
