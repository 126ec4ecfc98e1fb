package handler

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/creditline/creditline-backend/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodePaymentResult(t *testing.T, body []byte) PaymentResultResponse {
	t.Helper()
	var response PaymentResultResponse
	require.NoError(t, json.Unmarshal(body, &response))
	return response
}

func TestRecordPayment_Success(t *testing.T) {
	f := newHandlerFixture(t)
	loan := f.createLoan(t)

	c, rec := f.newContext(http.MethodPost, "/", `{"amount":"400.00","idempotencyKey":"visit-1"}`, map[string]string{"id": loan.ID})
	require.NoError(t, f.paymentH.RecordPayment(c))
	assert.Equal(t, http.StatusCreated, rec.Code)

	response := decodePaymentResult(t, rec.Body.Bytes())
	assert.NotEmpty(t, response.PaymentID)
	assert.Equal(t, "800.00", response.Balance)
	assert.Equal(t, "active", response.Status)
	assert.Equal(t, int64(2), response.Version)
	assert.False(t, response.Replayed)

	entries, err := f.repo.ListPayments(c.Request().Context(), loan.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, testCollector, entries[0].RecordedBy)
}

func TestRecordPayment_ReplayReturnsOK(t *testing.T) {
	f := newHandlerFixture(t)
	loan := f.createLoan(t)
	body := `{"amount":"400.00","idempotencyKey":"visit-1"}`

	c, rec := f.newContext(http.MethodPost, "/", body, map[string]string{"id": loan.ID})
	require.NoError(t, f.paymentH.RecordPayment(c))
	first := decodePaymentResult(t, rec.Body.Bytes())

	c, rec = f.newContext(http.MethodPost, "/", body, map[string]string{"id": loan.ID})
	require.NoError(t, f.paymentH.RecordPayment(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	second := decodePaymentResult(t, rec.Body.Bytes())
	assert.True(t, second.Replayed)
	assert.Equal(t, first.PaymentID, second.PaymentID)
	assert.Equal(t, first.Balance, second.Balance)

	loanAfter, err := f.repo.ReadLoan(c.Request().Context(), loan.ID)
	require.NoError(t, err)
	assert.Equal(t, "800.00", money(loanAfter.OutstandingBalance))
}

func TestRecordPayment_HeaderKeyWins(t *testing.T) {
	f := newHandlerFixture(t)
	loan := f.createLoan(t)

	c, rec := f.newContext(http.MethodPost, "/", `{"amount":"100","idempotencyKey":"body-key"}`, map[string]string{"id": loan.ID})
	c.Request().Header.Set(IdempotencyKeyHeader, "header-key")
	require.NoError(t, f.paymentH.RecordPayment(c))
	require.Equal(t, http.StatusCreated, rec.Code)

	entries, err := f.repo.ListPayments(c.Request().Context(), loan.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "header-key", entries[0].IdempotencyKey)
}

func TestRecordPayment_Overpayment(t *testing.T) {
	f := newHandlerFixture(t)
	loan := f.createLoan(t)

	c, rec := f.newContext(http.MethodPost, "/", `{"amount":"1200.01","idempotencyKey":"k1"}`, map[string]string{"id": loan.ID})
	require.NoError(t, f.paymentH.RecordPayment(c))
	assert.Equal(t, http.StatusConflict, rec.Code)

	var problem ProblemDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, ErrorTypeConflict, problem.Type)
}

func TestRecordPayment_AlreadyPaid(t *testing.T) {
	f := newHandlerFixture(t)
	loan := f.createLoan(t)
	f.pay(t, loan.ID, "1200", "k1")

	c, rec := f.newContext(http.MethodPost, "/", `{"amount":"1","idempotencyKey":"k2"}`, map[string]string{"id": loan.ID})
	require.NoError(t, f.paymentH.RecordPayment(c))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRecordPayment_ContentionExhausted(t *testing.T) {
	f := newHandlerFixture(t)
	loan := f.createLoan(t)
	f.repo.InjectConflicts(10)

	c, rec := f.newContext(http.MethodPost, "/", `{"amount":"100","idempotencyKey":"k1"}`, map[string]string{"id": loan.ID})
	require.NoError(t, f.paymentH.RecordPayment(c))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRecordPayment_ValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{name: "missing amount", body: `{"idempotencyKey":"k1"}`, field: "amount"},
		{name: "non decimal amount", body: `{"amount":"abc","idempotencyKey":"k1"}`, field: "amount"},
		{name: "zero amount", body: `{"amount":"0","idempotencyKey":"k1"}`, field: "amount"},
		{name: "sub cent amount", body: `{"amount":"1.001","idempotencyKey":"k1"}`, field: "amount"},
		{name: "missing key", body: `{"amount":"10"}`, field: "idempotencyKey"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture(t)
			loan := f.createLoan(t)

			c, rec := f.newContext(http.MethodPost, "/", tt.body, map[string]string{"id": loan.ID})
			require.NoError(t, f.paymentH.RecordPayment(c))
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var problem ProblemDetails
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
			require.NotEmpty(t, problem.Errors)
			assert.Equal(t, tt.field, problem.Errors[0].Field)
		})
	}
}

func TestRecordPayment_UnknownLoan(t *testing.T) {
	f := newHandlerFixture(t)

	c, rec := f.newContext(http.MethodPost, "/", `{"amount":"10","idempotencyKey":"k1"}`, map[string]string{"id": "missing"})
	require.NoError(t, f.paymentH.RecordPayment(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecordPayment_RepositoryFailure(t *testing.T) {
	f := newHandlerFixture(t)
	loan := f.createLoan(t)
	f.repo.WriteErr = assert.AnError

	c, rec := f.newContext(http.MethodPost, "/", `{"amount":"10","idempotencyKey":"k1"}`, map[string]string{"id": loan.ID})
	require.NoError(t, f.paymentH.RecordPayment(c))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}

func TestReversePayment(t *testing.T) {
	f := newHandlerFixture(t)
	loan := f.createLoan(t)
	paid := f.pay(t, loan.ID, "400", "k1")

	params := map[string]string{"id": loan.ID, "paymentId": paid.PaymentID}
	c, rec := f.newContext(http.MethodPost, "/", "", params)
	c.Request().Header.Set(IdempotencyKeyHeader, "undo-1")
	require.NoError(t, f.paymentH.ReversePayment(c))
	assert.Equal(t, http.StatusCreated, rec.Code)

	response := decodePaymentResult(t, rec.Body.Bytes())
	assert.Equal(t, "1200.00", response.Balance)
	assert.NotEqual(t, paid.PaymentID, response.PaymentID)

	// replay with the same key
	c, rec = f.newContext(http.MethodPost, "/", `{"idempotencyKey":"undo-1"}`, params)
	require.NoError(t, f.paymentH.ReversePayment(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Len(t, f.publisher.EventsOfType(domain.EventPaymentReversed), 1)
}

func TestReversePayment_UnknownPayment(t *testing.T) {
	f := newHandlerFixture(t)
	loan := f.createLoan(t)

	c, rec := f.newContext(http.MethodPost, "/", `{"idempotencyKey":"undo-1"}`, map[string]string{"id": loan.ID, "paymentId": "nope"})
	require.NoError(t, f.paymentH.ReversePayment(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
