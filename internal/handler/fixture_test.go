package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/creditline/creditline-backend/internal/domain"
	"github.com/creditline/creditline-backend/internal/middleware"
	"github.com/creditline/creditline-backend/internal/service"
	"github.com/creditline/creditline-backend/internal/testutil"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	testClientID  = "client-1"
	testCollector = "auth0|collector-1"
)

var testNow = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

type handlerFixture struct {
	e         *echo.Echo
	repo      *testutil.MockLedgerRepository
	clock     *testutil.FixedClock
	publisher *testutil.RecordingPublisher
	loans     *service.LoanService
	processor *service.PaymentProcessor
	loanH     *LoanHandler
	paymentH  *PaymentHandler
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	e := echo.New()
	e.Validator = middleware.NewRequestValidator()

	f := &handlerFixture{
		e:         e,
		repo:      testutil.NewMockLedgerRepository(),
		clock:     testutil.NewFixedClock(testNow),
		publisher: testutil.NewRecordingPublisher(),
	}
	logger := zerolog.Nop()
	ledger := service.NewBalanceLedger(f.repo, f.clock, service.RetryPolicy{MaxAttempts: 3})
	f.loans = service.NewLoanService(f.repo, testutil.NewMockClientRepository(testClientID), ledger, f.publisher, f.clock, nil, logger)
	f.processor = service.NewPaymentProcessor(ledger, f.publisher, f.clock, nil, logger)
	f.loanH = NewLoanHandler(f.loans, service.NewReconciliationService(f.repo))
	f.paymentH = NewPaymentHandler(f.processor)
	return f
}

// createLoan creates 1000 at 20% over 3 weekly installments (1200 payable)
func (f *handlerFixture) createLoan(t *testing.T) *domain.Loan {
	t.Helper()
	loan, err := f.loans.CreateLoan(context.Background(), service.CreateLoanInput{
		ClientID:         testClientID,
		Principal:        decimal.RequireFromString("1000"),
		InterestRate:     decimal.RequireFromString("20"),
		InstallmentCount: 3,
		Frequency:        "weekly",
		StartDate:        testNow,
	})
	require.NoError(t, err)
	return loan
}

func (f *handlerFixture) pay(t *testing.T, loanID, amount, key string) *service.PaymentResult {
	t.Helper()
	result, err := f.processor.RecordPayment(context.Background(), service.RecordPaymentInput{
		LoanID:         loanID,
		Amount:         decimal.RequireFromString(amount),
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	return result
}

// newContext builds an authenticated echo context with path params set
func (f *handlerFixture) newContext(method, target, body string, params map[string]string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := f.e.NewContext(req, rec)
	setupAuthContext(c, testCollector)

	names := make([]string, 0, len(params))
	values := make([]string, 0, len(params))
	for k, v := range params {
		names = append(names, k)
		values = append(values, v)
	}
	c.SetParamNames(names...)
	c.SetParamValues(values...)
	return c, rec
}

// setupAuthContext stores the subject the auth middleware would have set
func setupAuthContext(c echo.Context, subject string) {
	ctx := context.WithValue(c.Request().Context(), middleware.SubjectKey, subject)
	c.SetRequest(c.Request().WithContext(ctx))
}
