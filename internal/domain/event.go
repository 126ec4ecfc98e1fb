package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LedgerEventType names a ledger fact published after commit
type LedgerEventType string

const (
	EventLoanCreated       LedgerEventType = "loan.created"
	EventPaymentRecorded   LedgerEventType = "payment.recorded"
	EventPaymentReversed   LedgerEventType = "payment.reversed"
	EventLoanStatusChanged LedgerEventType = "loan.status_changed"
)

// LedgerEvent is a committed ledger fact
type LedgerEvent struct {
	ID         string          `json:"id"`
	Type       LedgerEventType `json:"type"`
	LoanID     string          `json:"loanId"`
	Payload    interface{}     `json:"payload"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// NewLedgerEvent creates an event with a fresh ID
func NewLedgerEvent(eventType LedgerEventType, loanID string, payload interface{}, at time.Time) LedgerEvent {
	return LedgerEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		LoanID:     loanID,
		Payload:    payload,
		OccurredAt: at.UTC(),
	}
}

// StatusChange is the payload of loan.status_changed
type StatusChange struct {
	LoanID  string     `json:"loanId"`
	From    LoanStatus `json:"from"`
	To      LoanStatus `json:"to"`
	Version int64      `json:"version"`
}

// EventPublisher delivers committed ledger events to subscribers.
// Publishing happens after commit, so a failure never rolls anything back.
type EventPublisher interface {
	Publish(ctx context.Context, event LedgerEvent) error
}
