package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/creditline/creditline-backend/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_Publish(t *testing.T) {
	hub := NewHub()
	client := newFakeClient("client-1", "loan-1")
	hub.Register(client)

	var publisher domain.EventPublisher = hub
	event := domain.NewLedgerEvent(domain.EventLoanStatusChanged, "loan-1", domain.StatusChange{
		LoanID:  "loan-1",
		From:    domain.LoanStatusActive,
		To:      domain.LoanStatusDelinquent,
		Version: 4,
	}, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, publisher.Publish(context.Background(), event))

	require.Equal(t, 1, client.received())

	var decoded struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		LoanID  string `json:"loanId"`
		Payload struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(client.messages[0], &decoded))
	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, "loan.status_changed", decoded.Type)
	assert.Equal(t, "loan-1", decoded.LoanID)
	assert.Equal(t, "active", decoded.Payload.From)
	assert.Equal(t, "delinquent", decoded.Payload.To)
}
