package domain

import "time"

// Company is a partner that lends containers and rewards their return.
type Company struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	UserID              string    `json:"user_id"`
	PointsPerDeconsigne int       `json:"points_per_deconsigne"`
	CreatedAt           time.Time `json:"created_at"`
}
