package handler

import (
	"net/http"
	"time"

	"github.com/creditline/creditline-backend/internal/domain"
	"github.com/creditline/creditline-backend/internal/service"
	"github.com/creditline/creditline-backend/internal/util"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// LoanHandler handles loan-related HTTP requests
type LoanHandler struct {
	loanService    *service.LoanService
	reconciliation *service.ReconciliationService
}

// NewLoanHandler creates a new LoanHandler
func NewLoanHandler(loanService *service.LoanService, reconciliation *service.ReconciliationService) *LoanHandler {
	return &LoanHandler{loanService: loanService, reconciliation: reconciliation}
}

// CreateLoanRequest represents the create loan request body
type CreateLoanRequest struct {
	ClientID         string `json:"clientId" validate:"required"`
	Principal        string `json:"principal" validate:"required,decimal"`
	InterestRate     string `json:"interestRate" validate:"required,decimal"`
	InstallmentCount int    `json:"installmentCount" validate:"required"`
	Frequency        string `json:"frequency" validate:"required"`
	StartDate        string `json:"startDate" validate:"required,date"`
}

// LoanResponse represents a loan in API responses
type LoanResponse struct {
	ID                 string   `json:"id"`
	ClientID           string   `json:"clientId"`
	Principal          string   `json:"principal"`
	InterestRate       string   `json:"interestRate"`
	InstallmentCount   int      `json:"installmentCount"`
	Frequency          string   `json:"frequency"`
	TotalPayable       string   `json:"totalPayable"`
	InstallmentAmount  string   `json:"installmentAmount"`
	OutstandingBalance string   `json:"outstandingBalance"`
	Status             string   `json:"status"`
	StartDate          string   `json:"startDate"`
	DueDates           []string `json:"dueDates"`
	Version            int64    `json:"version"`
	CreatedAt          string   `json:"createdAt"`
}

// InstallmentResponse is one row of a loan schedule
type InstallmentResponse struct {
	Number  int    `json:"number"`
	DueDate string `json:"dueDate"`
	Amount  string `json:"amount"`
	Paid    bool   `json:"paid"`
	Overdue bool   `json:"overdue"`
}

// LoanStateResponse represents the current state of a loan
type LoanStateResponse struct {
	Loan             LoanResponse          `json:"loan"`
	Balance          string                `json:"balance"`
	Status           string                `json:"status"`
	TotalPaid        string                `json:"totalPaid"`
	PaidInstallments int                   `json:"paidInstallments"`
	NextDueDate      *string               `json:"nextDueDate,omitempty"`
	Schedule         []InstallmentResponse `json:"schedule"`
}

// StatusResponse reports a status maintenance outcome
type StatusResponse struct {
	LoanID         string `json:"loanId"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previousStatus"`
	Changed        bool   `json:"changed"`
	Version        int64  `json:"version"`
}

// CreateLoan handles POST /api/v1/loans
// @Summary Create a loan
// @Tags loans
// @Accept json
// @Produce json
// @Param request body CreateLoanRequest true "Loan terms"
// @Success 201 {object} LoanResponse
// @Failure 400 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Security BearerAuth
// @Router /loans [post]
func (h *LoanHandler) CreateLoan(c echo.Context) error {
	var req CreateLoanRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	principal, _ := decimal.NewFromString(req.Principal)
	interestRate, _ := decimal.NewFromString(req.InterestRate)
	startDate, _ := util.ParseDate(req.StartDate)

	loan, err := h.loanService.CreateLoan(c.Request().Context(), service.CreateLoanInput{
		ClientID:         req.ClientID,
		Principal:        principal,
		InterestRate:     interestRate,
		InstallmentCount: req.InstallmentCount,
		Frequency:        req.Frequency,
		StartDate:        startDate,
	})
	if err != nil {
		return respondError(c, err, "create loan")
	}

	log.Info().Str("loan_id", loan.ID).Msg("Loan created")

	return c.JSON(http.StatusCreated, toLoanResponse(loan))
}

// GetLoanState handles GET /api/v1/loans/:id
// @Summary Get balance, status and schedule of a loan
// @Tags loans
// @Produce json
// @Param id path string true "Loan ID"
// @Success 200 {object} LoanStateResponse
// @Failure 404 {object} ProblemDetails
// @Security BearerAuth
// @Router /loans/{id} [get]
func (h *LoanHandler) GetLoanState(c echo.Context) error {
	state, err := h.loanService.GetLoanState(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err, "get loan")
	}
	return c.JSON(http.StatusOK, toLoanStateResponse(state))
}

// ListPayments handles GET /api/v1/loans/:id/payments
// @Summary List ledger entries of a loan in applied order
// @Tags payments
// @Produce json
// @Param id path string true "Loan ID"
// @Success 200 {array} PaymentResponse
// @Failure 404 {object} ProblemDetails
// @Security BearerAuth
// @Router /loans/{id}/payments [get]
func (h *LoanHandler) ListPayments(c echo.Context) error {
	payments, err := h.loanService.ListPayments(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err, "list payments")
	}

	response := make([]PaymentResponse, len(payments))
	for i, p := range payments {
		response[i] = toPaymentResponse(p)
	}
	return c.JSON(http.StatusOK, response)
}

// Reevaluate handles POST /api/v1/loans/:id/reevaluate
// @Summary Re-run delinquency evaluation for a loan
// @Tags loans
// @Produce json
// @Param id path string true "Loan ID"
// @Success 200 {object} StatusResponse
// @Failure 404 {object} ProblemDetails
// @Failure 503 {object} ProblemDetails
// @Security BearerAuth
// @Router /loans/{id}/reevaluate [post]
func (h *LoanHandler) Reevaluate(c echo.Context) error {
	result, err := h.loanService.Reevaluate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err, "reevaluate loan")
	}
	return c.JSON(http.StatusOK, toStatusResponse(result))
}

// Reclassify handles POST /api/v1/loans/:id/reclassify
// @Summary Move a caught-up delinquent loan back to active
// @Tags loans
// @Produce json
// @Param id path string true "Loan ID"
// @Success 200 {object} StatusResponse
// @Failure 400 {object} ProblemDetails
// @Failure 409 {object} ProblemDetails
// @Security BearerAuth
// @Router /loans/{id}/reclassify [post]
func (h *LoanHandler) Reclassify(c echo.Context) error {
	result, err := h.loanService.Reclassify(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err, "reclassify loan")
	}
	return c.JSON(http.StatusOK, toStatusResponse(result))
}

// Reconcile handles GET /api/v1/loans/:id/reconciliation
// @Summary Audit a loan against its ledger
// @Tags loans
// @Produce json
// @Param id path string true "Loan ID"
// @Success 200 {object} service.ReconciliationReport
// @Failure 404 {object} ProblemDetails
// @Security BearerAuth
// @Router /loans/{id}/reconciliation [get]
func (h *LoanHandler) Reconcile(c echo.Context) error {
	report, err := h.reconciliation.ReconcileLoan(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err, "reconcile loan")
	}
	return c.JSON(http.StatusOK, report)
}

func money(d decimal.Decimal) string {
	return d.StringFixed(domain.CurrencyPlaces)
}

func toLoanResponse(loan *domain.Loan) LoanResponse {
	dueDates := make([]string, len(loan.DueDates))
	for i, d := range loan.DueDates {
		dueDates[i] = util.FormatDate(d)
	}
	return LoanResponse{
		ID:                 loan.ID,
		ClientID:           loan.ClientID,
		Principal:          money(loan.Principal),
		InterestRate:       loan.InterestRate.String(),
		InstallmentCount:   loan.InstallmentCount,
		Frequency:          string(loan.Frequency),
		TotalPayable:       money(loan.TotalPayable),
		InstallmentAmount:  money(loan.InstallmentAmount),
		OutstandingBalance: money(loan.OutstandingBalance),
		Status:             string(loan.Status),
		StartDate:          util.FormatDate(loan.StartDate),
		DueDates:           dueDates,
		Version:            loan.Version,
		CreatedAt:          loan.CreatedAt.Format(time.RFC3339),
	}
}

func toLoanStateResponse(state *service.LoanState) LoanStateResponse {
	schedule := make([]InstallmentResponse, len(state.Schedule))
	for i, inst := range state.Schedule {
		schedule[i] = InstallmentResponse{
			Number:  inst.Number,
			DueDate: util.FormatDate(inst.DueDate),
			Amount:  money(inst.Amount),
			Paid:    inst.Paid,
			Overdue: inst.Overdue,
		}
	}

	resp := LoanStateResponse{
		Loan:             toLoanResponse(state.Loan),
		Balance:          money(state.Balance),
		Status:           string(state.Status),
		TotalPaid:        money(state.TotalPaid),
		PaidInstallments: state.PaidInstallments,
		Schedule:         schedule,
	}
	if state.NextDueDate != nil {
		next := util.FormatDate(*state.NextDueDate)
		resp.NextDueDate = &next
	}
	return resp
}

func toStatusResponse(result *service.StatusResult) StatusResponse {
	return StatusResponse{
		LoanID:         result.LoanID,
		Status:         string(result.Status),
		PreviousStatus: string(result.PreviousStatus),
		Changed:        result.Changed,
		Version:        result.Version,
	}
}
