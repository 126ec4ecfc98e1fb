// Package messaging delivers committed ledger events to downstream consumers.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/creditline/creditline-backend/internal/domain"
	"github.com/creditline/creditline-backend/internal/metrics"
	"github.com/rs/zerolog"
)

// Sink is a named event destination
type Sink struct {
	Name      string
	Publisher domain.EventPublisher
}

// FanoutPublisher delivers each event to every sink. A failing sink does not
// stop delivery to the others.
type FanoutPublisher struct {
	sinks   []Sink
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewFanoutPublisher creates a FanoutPublisher. Sinks with a nil publisher are skipped.
func NewFanoutPublisher(m *metrics.Metrics, logger zerolog.Logger, sinks ...Sink) *FanoutPublisher {
	active := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s.Publisher != nil {
			active = append(active, s)
		}
	}
	return &FanoutPublisher{
		sinks:   active,
		metrics: m,
		logger:  logger.With().Str("component", "event_fanout").Logger(),
	}
}

// Publish implements domain.EventPublisher
func (p *FanoutPublisher) Publish(ctx context.Context, event domain.LedgerEvent) error {
	var errs []error
	for _, s := range p.sinks {
		if err := s.Publisher.Publish(ctx, event); err != nil {
			p.metrics.ObservePublishFailure(s.Name)
			p.logger.Warn().
				Err(err).
				Str("sink", s.Name).
				Str("event_id", event.ID).
				Str("loan_id", event.LoanID).
				Msg("Sink rejected ledger event")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Sinks returns the names of the active sinks
func (p *FanoutPublisher) Sinks() []string {
	names := make([]string, len(p.sinks))
	for i, s := range p.sinks {
		names[i] = s.Name
	}
	return names
}

// NoopPublisher drops every event. Used when no broker is configured.
type NoopPublisher struct{}

// Publish implements domain.EventPublisher
func (NoopPublisher) Publish(context.Context, domain.LedgerEvent) error { return nil }

// encodeEvent is the wire format shared by all brokers
func encodeEvent(event domain.LedgerEvent) ([]byte, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	return body, nil
}
