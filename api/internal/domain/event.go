package domain

import "time"

// Change event types, named after the row operation that produced them.
const (
	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
)

// Tables observed by realtime subscribers.
const (
	TableContainers   = "containers"
	TableTransactions = "transactions"
)

// ChangeEvent notifies subscribers that a row changed. It carries enough
// scope to route it; subscribers re-fetch rather than apply it.
type ChangeEvent struct {
	Table     string    `json:"table"`
	Type      string    `json:"type"`
	RecordID  string    `json:"record_id"`
	CompanyID string    `json:"company_id,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	At        time.Time `json:"at"`
}

// Topics returns the subscription topics the event is delivered to.
func (e ChangeEvent) Topics() []string {
	topics := make([]string, 0, 2)
	if e.CompanyID != "" {
		topics = append(topics, CompanyTopic(e.CompanyID))
	}
	if e.ClientID != "" {
		topics = append(topics, ClientTopic(e.ClientID))
	}
	return topics
}

// CompanyTopic names the realtime topic of a company.
func CompanyTopic(companyID string) string { return "company:" + companyID }

// ClientTopic names the realtime topic of a client.
func ClientTopic(clientID string) string { return "client:" + clientID }
