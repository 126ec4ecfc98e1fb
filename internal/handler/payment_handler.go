package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/creditline/creditline-backend/internal/domain"
	"github.com/creditline/creditline-backend/internal/middleware"
	"github.com/creditline/creditline-backend/internal/service"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// IdempotencyKeyHeader carries the caller supplied idempotency key
const IdempotencyKeyHeader = "Idempotency-Key"

// PaymentHandler handles ledger write requests
type PaymentHandler struct {
	processor *service.PaymentProcessor
}

// NewPaymentHandler creates a new PaymentHandler
func NewPaymentHandler(processor *service.PaymentProcessor) *PaymentHandler {
	return &PaymentHandler{processor: processor}
}

// RecordPaymentRequest represents the record payment request body
type RecordPaymentRequest struct {
	Amount         string `json:"amount" validate:"required,decimal"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// ReversePaymentRequest represents the reverse payment request body
type ReversePaymentRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
}

// PaymentResponse represents a ledger entry in API responses
type PaymentResponse struct {
	ID                string  `json:"id"`
	LoanID            string  `json:"loanId"`
	Kind              string  `json:"kind"`
	Amount            string  `json:"amount"`
	BalanceAfter      string  `json:"balanceAfter"`
	IdempotencyKey    string  `json:"idempotencyKey"`
	ReversesPaymentID *string `json:"reversesPaymentId,omitempty"`
	RecordedBy        string  `json:"recordedBy,omitempty"`
	AppliedAt         string  `json:"appliedAt"`
}

// PaymentResultResponse is returned by ledger writes
type PaymentResultResponse struct {
	LoanID    string `json:"loanId"`
	PaymentID string `json:"paymentId"`
	Balance   string `json:"balance"`
	Status    string `json:"status"`
	Version   int64  `json:"version"`
	Replayed  bool   `json:"replayed"`
	AppliedAt string `json:"appliedAt"`
}

// RecordPayment handles POST /api/v1/loans/:id/payments
// @Summary Record a payment against a loan
// @Description Retrying with the same Idempotency-Key returns the original outcome with status 200.
// @Tags payments
// @Accept json
// @Produce json
// @Param id path string true "Loan ID"
// @Param Idempotency-Key header string false "Idempotency key (or idempotencyKey in the body)"
// @Param request body RecordPaymentRequest true "Payment"
// @Success 201 {object} PaymentResultResponse
// @Success 200 {object} PaymentResultResponse
// @Failure 400 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Failure 409 {object} ProblemDetails
// @Failure 429 {object} ProblemDetails
// @Failure 503 {object} ProblemDetails
// @Security BearerAuth
// @Router /loans/{id}/payments [post]
func (h *PaymentHandler) RecordPayment(c echo.Context) error {
	var req RecordPaymentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	amount, _ := decimal.NewFromString(strings.TrimSpace(req.Amount))

	result, err := h.processor.RecordPayment(c.Request().Context(), service.RecordPaymentInput{
		LoanID:         c.Param("id"),
		Amount:         amount,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		RecordedBy:     middleware.GetSubject(c),
	})
	if err != nil {
		return respondError(c, err, "record payment")
	}

	log.Info().
		Str("loan_id", result.LoanID).
		Str("payment_id", result.PaymentID).
		Bool("replayed", result.Replayed).
		Msg("Payment recorded")

	return c.JSON(writeStatus(result), toPaymentResultResponse(result))
}

// ReversePayment handles POST /api/v1/loans/:id/payments/:paymentId/reversal
// @Summary Reverse an earlier payment with a compensating entry
// @Tags payments
// @Accept json
// @Produce json
// @Param id path string true "Loan ID"
// @Param paymentId path string true "Payment ID"
// @Param Idempotency-Key header string false "Idempotency key (or idempotencyKey in the body)"
// @Success 201 {object} PaymentResultResponse
// @Success 200 {object} PaymentResultResponse
// @Failure 400 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Failure 409 {object} ProblemDetails
// @Failure 503 {object} ProblemDetails
// @Security BearerAuth
// @Router /loans/{id}/payments/{paymentId}/reversal [post]
func (h *PaymentHandler) ReversePayment(c echo.Context) error {
	var req ReversePaymentRequest
	if c.Request().ContentLength != 0 {
		if err := bindAndValidate(c, &req); err != nil {
			return err
		}
	}

	result, err := h.processor.ReversePayment(c.Request().Context(), service.ReversePaymentInput{
		LoanID:         c.Param("id"),
		PaymentID:      c.Param("paymentId"),
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		RecordedBy:     middleware.GetSubject(c),
	})
	if err != nil {
		return respondError(c, err, "reverse payment")
	}

	log.Info().
		Str("loan_id", result.LoanID).
		Str("payment_id", result.PaymentID).
		Bool("replayed", result.Replayed).
		Msg("Payment reversed")

	return c.JSON(writeStatus(result), toPaymentResultResponse(result))
}

// idempotencyKey prefers the header over the body field
func idempotencyKey(c echo.Context, bodyKey string) string {
	if key := strings.TrimSpace(c.Request().Header.Get(IdempotencyKeyHeader)); key != "" {
		return key
	}
	return strings.TrimSpace(bodyKey)
}

func writeStatus(result *service.PaymentResult) int {
	if result.Replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

func toPaymentResultResponse(result *service.PaymentResult) PaymentResultResponse {
	return PaymentResultResponse{
		LoanID:    result.LoanID,
		PaymentID: result.PaymentID,
		Balance:   money(result.Balance),
		Status:    string(result.Status),
		Version:   result.Version,
		Replayed:  result.Replayed,
		AppliedAt: result.AppliedAt.Format(time.RFC3339),
	}
}

func toPaymentResponse(p *domain.Payment) PaymentResponse {
	return PaymentResponse{
		ID:                p.ID,
		LoanID:            p.LoanID,
		Kind:              string(p.Kind),
		Amount:            money(p.Amount),
		BalanceAfter:      money(p.BalanceAfter),
		IdempotencyKey:    p.IdempotencyKey,
		ReversesPaymentID: p.ReversesPaymentID,
		RecordedBy:        p.RecordedBy,
		AppliedAt:         p.AppliedAt.Format(time.RFC3339),
	}
}
