package service

import (
	"context"
	"strings"
	"time"

	"github.com/creditline/creditline-backend/internal/domain"
	"github.com/creditline/creditline-backend/internal/metrics"
	"github.com/creditline/creditline-backend/internal/util"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// LoanService handles loan creation, read projections and status maintenance
type LoanService struct {
	ledgerRepo domain.LedgerRepository
	clientRepo domain.ClientRepository
	ledger     *BalanceLedger
	publisher  domain.EventPublisher
	clock      domain.Clock
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// NewLoanService creates a new LoanService
func NewLoanService(
	ledgerRepo domain.LedgerRepository,
	clientRepo domain.ClientRepository,
	ledger *BalanceLedger,
	publisher domain.EventPublisher,
	clock domain.Clock,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *LoanService {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &LoanService{
		ledgerRepo: ledgerRepo,
		clientRepo: clientRepo,
		ledger:     ledger,
		publisher:  publisher,
		clock:      clock,
		metrics:    m,
		logger:     logger.With().Str("component", "loan_service").Logger(),
	}
}

// CreateLoanInput contains input for creating a loan
type CreateLoanInput struct {
	ClientID         string
	Principal        decimal.Decimal
	InterestRate     decimal.Decimal
	InstallmentCount int
	Frequency        string
	StartDate        time.Time
}

// CreateLoan computes the schedule and persists a new active loan
func (s *LoanService) CreateLoan(ctx context.Context, input CreateLoanInput) (*domain.Loan, error) {
	clientID := strings.TrimSpace(input.ClientID)
	if clientID == "" {
		return nil, domain.NewValidationError("clientId", "is required")
	}

	frequency, err := domain.ParseFrequency(input.Frequency)
	if err != nil {
		return nil, err
	}

	schedule, err := domain.ComputeSchedule(domain.ScheduleInput{
		Principal:        input.Principal,
		InterestRate:     input.InterestRate,
		InstallmentCount: input.InstallmentCount,
		Frequency:        frequency,
		StartDate:        input.StartDate,
	})
	if err != nil {
		return nil, err
	}

	exists, err := s.clientRepo.ClientExists(ctx, clientID)
	if err != nil {
		return nil, domain.WrapRepositoryError("client exists", err)
	}
	if !exists {
		return nil, &domain.NotFoundError{Resource: "client", ID: clientID}
	}

	now := s.clock.Now()
	loan := &domain.Loan{
		ID:                 uuid.New().String(),
		ClientID:           clientID,
		Principal:          input.Principal,
		InterestRate:       input.InterestRate,
		InstallmentCount:   input.InstallmentCount,
		Frequency:          frequency,
		TotalPayable:       schedule.TotalPayable,
		InstallmentAmount:  schedule.InstallmentAmount,
		OutstandingBalance: schedule.TotalPayable,
		Status:             domain.LoanStatusActive,
		StartDate:          util.DateOnly(input.StartDate),
		DueDates:           schedule.DueDates(),
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.ledgerRepo.CreateLoan(ctx, loan); err != nil {
		return nil, err
	}

	publishDetached(ctx, s.publisher, s.logger, domain.NewLedgerEvent(domain.EventLoanCreated, loan.ID, loan, now))
	return loan, nil
}

// InstallmentState is one schedule row of a loan state projection
type InstallmentState struct {
	Number  int             `json:"number"`
	DueDate time.Time       `json:"dueDate"`
	Amount  decimal.Decimal `json:"amount"`
	Paid    bool            `json:"paid"`
	Overdue bool            `json:"overdue"`
}

// LoanState is the read-only projection of a loan
type LoanState struct {
	Loan             *domain.Loan       `json:"loan"`
	Balance          decimal.Decimal    `json:"balance"`
	Status           domain.LoanStatus  `json:"status"`
	TotalPaid        decimal.Decimal    `json:"totalPaid"`
	PaidInstallments int                `json:"paidInstallments"`
	NextDueDate      *time.Time         `json:"nextDueDate,omitempty"`
	Schedule         []InstallmentState `json:"schedule"`
}

// GetLoanState returns balance, status and schedule of a loan
func (s *LoanService) GetLoanState(ctx context.Context, loanID string) (*LoanState, error) {
	loan, err := s.ledgerRepo.ReadLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	return buildLoanState(loan, s.clock.Now()), nil
}

func buildLoanState(loan *domain.Loan, now time.Time) *LoanState {
	installments := loan.Installments()
	totalPaid := loan.TotalPaid()
	paid := domain.PaidInstallmentCount(installments, totalPaid)

	schedule := make([]InstallmentState, len(installments))
	for i, inst := range installments {
		isPaid := i < paid
		schedule[i] = InstallmentState{
			Number:  inst.Number,
			DueDate: inst.DueDate,
			Amount:  inst.Amount,
			Paid:    isPaid,
			Overdue: !isPaid && util.IsPastDate(inst.DueDate, now),
		}
	}

	state := &LoanState{
		Loan:             loan,
		Balance:          loan.OutstandingBalance,
		Status:           loan.Status,
		TotalPaid:        totalPaid,
		PaidInstallments: paid,
		Schedule:         schedule,
	}
	if next, ok := domain.NextUnpaidDueDate(installments, paid); ok && !loan.IsPaid() {
		state.NextDueDate = &next
	}
	return state
}

// ListPayments returns the ledger entries of a loan in applied order
func (s *LoanService) ListPayments(ctx context.Context, loanID string) ([]*domain.Payment, error) {
	if _, err := s.ledgerRepo.ReadLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return s.ledgerRepo.ListPayments(ctx, loanID)
}

// StatusResult reports the outcome of a status maintenance operation
type StatusResult struct {
	LoanID         string            `json:"loanId"`
	Status         domain.LoanStatus `json:"status"`
	PreviousStatus domain.LoanStatus `json:"previousStatus"`
	Changed        bool              `json:"changed"`
	Version        int64             `json:"version"`
}

// Reevaluate runs the state machine against the clock and persists a changed status
func (s *LoanService) Reevaluate(ctx context.Context, loanID string) (*StatusResult, error) {
	result, err := s.ledger.TransitionStatus(ctx, loanID, func(loan *domain.Loan, now time.Time) (domain.LoanStatus, error) {
		return domain.EvaluateStatus(loan.Status, domain.StatusInputFor(loan, loan.OutstandingBalance, now)), nil
	})
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, result)
	return toStatusResult(result), nil
}

// Reclassify moves a caught-up delinquent loan back to active
func (s *LoanService) Reclassify(ctx context.Context, loanID string) (*StatusResult, error) {
	result, err := s.ledger.TransitionStatus(ctx, loanID, func(loan *domain.Loan, now time.Time) (domain.LoanStatus, error) {
		if err := domain.CanReclassify(loan, now); err != nil {
			return "", err
		}
		return domain.LoanStatusActive, nil
	})
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, result)
	return toStatusResult(result), nil
}

func (s *LoanService) afterTransition(ctx context.Context, result *ApplyResult) {
	if !result.StatusChanged() {
		return
	}
	s.metrics.ObserveTransition(string(result.PreviousStatus), string(result.Status))
	publishDetached(ctx, s.publisher, s.logger, statusChangedEvent(result, s.clock.Now()))
}

func toStatusResult(result *ApplyResult) *StatusResult {
	return &StatusResult{
		LoanID:         result.LoanID,
		Status:         result.Status,
		PreviousStatus: result.PreviousStatus,
		Changed:        result.StatusChanged(),
		Version:        result.Version,
	}
}
