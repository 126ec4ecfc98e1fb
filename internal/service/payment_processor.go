package service

import (
	"context"
	"errors"
	"time"

	"github.com/creditline/creditline-backend/internal/domain"
	"github.com/creditline/creditline-backend/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// publishTimeout bounds event delivery after a commit
const publishTimeout = 5 * time.Second

// RecordPaymentInput contains input for recording a payment
type RecordPaymentInput struct {
	LoanID         string
	Amount         decimal.Decimal
	IdempotencyKey string
	RecordedBy     string
}

// ReversePaymentInput contains input for reversing a payment
type ReversePaymentInput struct {
	LoanID         string
	PaymentID      string
	IdempotencyKey string
	RecordedBy     string
}

// PaymentResult is what a caller learns about a recorded payment or reversal
type PaymentResult struct {
	LoanID    string            `json:"loanId"`
	PaymentID string            `json:"paymentId"`
	Balance   decimal.Decimal   `json:"balance"`
	Status    domain.LoanStatus `json:"status"`
	Version   int64             `json:"version"`
	Replayed  bool              `json:"replayed"`
	AppliedAt time.Time         `json:"appliedAt"`
}

// PaymentRecordedPayload is the payload of payment.recorded and payment.reversed
type PaymentRecordedPayload struct {
	PaymentID         string             `json:"paymentId"`
	Kind              domain.PaymentKind `json:"kind"`
	ReversesPaymentID *string            `json:"reversesPaymentId,omitempty"`
	Balance           decimal.Decimal    `json:"balance"`
	Status            domain.LoanStatus  `json:"status"`
	Version           int64              `json:"version"`
}

// PaymentProcessor is the entry point for external callers that change a
// loan's financial state
type PaymentProcessor struct {
	ledger    *BalanceLedger
	publisher domain.EventPublisher
	clock     domain.Clock
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewPaymentProcessor creates a new PaymentProcessor
func NewPaymentProcessor(ledger *BalanceLedger, publisher domain.EventPublisher, clock domain.Clock, m *metrics.Metrics, logger zerolog.Logger) *PaymentProcessor {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &PaymentProcessor{
		ledger:    ledger,
		publisher: publisher,
		clock:     clock,
		metrics:   m,
		logger:    logger.With().Str("component", "payment_processor").Logger(),
	}
}

// RecordPayment applies a payment. Retrying with the same idempotency key is
// always safe and returns the original outcome.
func (p *PaymentProcessor) RecordPayment(ctx context.Context, input RecordPaymentInput) (*PaymentResult, error) {
	if input.LoanID == "" {
		return nil, domain.NewValidationError("loanId", "is required")
	}

	result, err := p.ledger.ApplyPayment(ctx, input.LoanID, input.Amount, input.IdempotencyKey, input.RecordedBy)
	p.observe(string(domain.PaymentKindPayment), result, err)
	if err != nil {
		return nil, err
	}

	if result.Accepted {
		p.publishCommitted(ctx, domain.EventPaymentRecorded, result)
	}
	return toPaymentResult(result), nil
}

// ReversePayment appends a compensating entry for an earlier payment
func (p *PaymentProcessor) ReversePayment(ctx context.Context, input ReversePaymentInput) (*PaymentResult, error) {
	if input.LoanID == "" {
		return nil, domain.NewValidationError("loanId", "is required")
	}
	if input.PaymentID == "" {
		return nil, domain.NewValidationError("paymentId", "is required")
	}

	result, err := p.ledger.ApplyReversal(ctx, input.LoanID, input.PaymentID, input.IdempotencyKey, input.RecordedBy)
	p.observe(string(domain.PaymentKindReversal), result, err)
	if err != nil {
		return nil, err
	}

	if result.Accepted {
		p.publishCommitted(ctx, domain.EventPaymentReversed, result)
	}
	return toPaymentResult(result), nil
}

func (p *PaymentProcessor) publishCommitted(ctx context.Context, eventType domain.LedgerEventType, result *ApplyResult) {
	now := p.clock.Now()
	p.publish(ctx, domain.NewLedgerEvent(eventType, result.LoanID, PaymentRecordedPayload{
		PaymentID:         result.Payment.ID,
		Kind:              result.Payment.Kind,
		ReversesPaymentID: result.Payment.ReversesPaymentID,
		Balance:           result.NewBalance,
		Status:            result.Status,
		Version:           result.Version,
	}, now))

	if result.StatusChanged() {
		p.metrics.ObserveTransition(string(result.PreviousStatus), string(result.Status))
		p.publish(ctx, statusChangedEvent(result, now))
	}
}

func (p *PaymentProcessor) publish(ctx context.Context, event domain.LedgerEvent) {
	publishDetached(ctx, p.publisher, p.logger, event)
}

// publishDetached delivers an event detached from the request's cancellation.
// The mutation is already committed, so failures are only logged.
func publishDetached(ctx context.Context, publisher domain.EventPublisher, logger zerolog.Logger, event domain.LedgerEvent) {
	if publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := publisher.Publish(pubCtx, event); err != nil {
		logger.Warn().
			Err(err).
			Str("event_type", string(event.Type)).
			Str("loan_id", event.LoanID).
			Msg("Failed to publish ledger event")
	}
}

func (p *PaymentProcessor) observe(kind string, result *ApplyResult, err error) {
	switch {
	case err == nil && result.Replayed:
		p.metrics.ObserveMutation(kind, metrics.OutcomeReplayed, result.Attempts)
	case err == nil:
		p.metrics.ObserveMutation(kind, metrics.OutcomeAccepted, result.Attempts)
	case errors.Is(err, domain.ErrConcurrencyExhausted):
		p.metrics.ObserveMutation(kind, metrics.OutcomeExhausted, 0)
	case errors.Is(err, domain.ErrRepository):
		p.metrics.ObserveMutation(kind, metrics.OutcomeFailed, 0)
	default:
		p.metrics.ObserveMutation(kind, metrics.OutcomeRejected, 0)
	}
}

func statusChangedEvent(result *ApplyResult, at time.Time) domain.LedgerEvent {
	return domain.NewLedgerEvent(domain.EventLoanStatusChanged, result.LoanID, domain.StatusChange{
		LoanID:  result.LoanID,
		From:    result.PreviousStatus,
		To:      result.Status,
		Version: result.Version,
	}, at)
}

func toPaymentResult(result *ApplyResult) *PaymentResult {
	out := &PaymentResult{
		LoanID:   result.LoanID,
		Balance:  result.NewBalance,
		Status:   result.Status,
		Version:  result.Version,
		Replayed: result.Replayed,
	}
	if result.Payment != nil {
		out.PaymentID = result.Payment.ID
		out.AppliedAt = result.Payment.AppliedAt
	}
	return out
}
