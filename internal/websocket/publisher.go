package websocket

import (
	"context"

	"github.com/creditline/creditline-backend/internal/domain"
)

// Ensure Hub implements domain.EventPublisher
var _ domain.EventPublisher = (*Hub)(nil)

// Publish implements domain.EventPublisher by broadcasting the event to
// subscribers of its loan and of AllLoans. Delivery never fails the caller.
func (h *Hub) Publish(_ context.Context, event domain.LedgerEvent) error {
	h.Broadcast(NewEvent(event))
	return nil
}
