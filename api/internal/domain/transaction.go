package domain

import "time"

// Transaction types.
const (
	TransactionConsigne   = "consigne"
	TransactionDeconsigne = "deconsigne"
)

// Transaction is an immutable ledger entry written once per completed
// consigne or deconsigne.
type Transaction struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	ContainerID   string    `json:"container_id"`
	ClientID      string    `json:"client_id"`
	CompanyID     string    `json:"company_id"`
	NutCoinsDelta int       `json:"nut_coins_delta"`
	Timestamp     time.Time `json:"timestamp"`
}
