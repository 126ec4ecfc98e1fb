package websocket

import (
	"encoding/json"
	"time"

	"github.com/creditline/creditline-backend/internal/domain"
)

// AllLoans is the topic that receives the events of every loan
const AllLoans = "*"

// Event represents a WebSocket event message sent to clients
// Format: { id, type, loanId, payload, timestamp }
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	LoanID    string      `json:"loanId"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEvent converts a committed ledger event into its wire form
func NewEvent(e domain.LedgerEvent) Event {
	return Event{
		ID:        e.ID,
		Type:      string(e.Type),
		LoanID:    e.LoanID,
		Payload:   e.Payload,
		Timestamp: e.OccurredAt,
	}
}

// ToJSON serializes the event to JSON bytes
func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Topics returns the hub topics an event is delivered to
func (e Event) Topics() []string {
	if e.LoanID == "" {
		return []string{AllLoans}
	}
	return []string{e.LoanID, AllLoans}
}
