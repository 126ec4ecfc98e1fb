package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creditline/creditline-backend/internal/domain"
	"github.com/google/uuid"
)

// ledgerData is the state held by MockLedgerRepository. Transactions work on a
// clone and swap it in on commit.
type ledgerData struct {
	loans    map[string]*domain.Loan
	payments map[string][]*domain.Payment
}

func newLedgerData() *ledgerData {
	return &ledgerData{
		loans:    make(map[string]*domain.Loan),
		payments: make(map[string][]*domain.Payment),
	}
}

func (d *ledgerData) clone() *ledgerData {
	c := newLedgerData()
	for id, loan := range d.loans {
		c.loans[id] = copyLoan(loan)
	}
	for id, payments := range d.payments {
		c.payments[id] = append([]*domain.Payment(nil), payments...)
	}
	return c
}

func copyLoan(l *domain.Loan) *domain.Loan {
	c := *l
	c.DueDates = append([]time.Time(nil), l.DueDates...)
	return &c
}

func copyPayment(p *domain.Payment) *domain.Payment {
	c := *p
	return &c
}

// MockLedgerRepository is an in-memory domain.LedgerRepository with real
// version-conditioned writes and all-or-nothing transactions
type MockLedgerRepository struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	data *ledgerData

	injectedConflicts int64
	writeAttempts     int64

	ReadLoanFn        func(id string) (*domain.Loan, error)
	ListOpenLoanIDsFn func() ([]string, error)
	WriteErr          error
}

// NewMockLedgerRepository creates an empty MockLedgerRepository
func NewMockLedgerRepository() *MockLedgerRepository {
	return &MockLedgerRepository{data: newLedgerData()}
}

// InjectConflicts makes the next n version-conditioned writes lose their race
func (m *MockLedgerRepository) InjectConflicts(n int) {
	atomic.StoreInt64(&m.injectedConflicts, int64(n))
}

// WriteAttempts returns how many version-conditioned writes were attempted
func (m *MockLedgerRepository) WriteAttempts() int {
	return int(atomic.LoadInt64(&m.writeAttempts))
}

// AddLoan stores a loan directly, bypassing validation
func (m *MockLedgerRepository) AddLoan(loan *domain.Loan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.loans[loan.ID] = copyLoan(loan)
}

// AddPayment stores a ledger entry directly, bypassing the uniqueness checks
func (m *MockLedgerRepository) AddPayment(payment *domain.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.payments[payment.LoanID] = append(m.data.payments[payment.LoanID], copyPayment(payment))
}

// CreateLoan implements domain.LedgerRepository
func (m *MockLedgerRepository) CreateLoan(ctx context.Context, loan *domain.Loan) error {
	return m.WithinTx(ctx, func(tx domain.LedgerRepository) error {
		return tx.CreateLoan(ctx, loan)
	})
}

// ReadLoan implements domain.LedgerRepository
func (m *MockLedgerRepository) ReadLoan(ctx context.Context, id string) (*domain.Loan, error) {
	if m.ReadLoanFn != nil {
		return m.ReadLoanFn(id)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view(m.data).ReadLoan(ctx, id)
}

// WriteLoanIfVersion implements domain.LedgerRepository
func (m *MockLedgerRepository) WriteLoanIfVersion(ctx context.Context, id string, mutation domain.LoanMutation, expectedVersion int64) (bool, error) {
	var ok bool
	err := m.WithinTx(ctx, func(tx domain.LedgerRepository) error {
		var err error
		ok, err = tx.WriteLoanIfVersion(ctx, id, mutation, expectedVersion)
		return err
	})
	return ok, err
}

// InsertPaymentIfAbsent implements domain.LedgerRepository
func (m *MockLedgerRepository) InsertPaymentIfAbsent(ctx context.Context, payment *domain.Payment) (bool, *domain.Payment, error) {
	var inserted bool
	var existing *domain.Payment
	err := m.WithinTx(ctx, func(tx domain.LedgerRepository) error {
		var err error
		inserted, existing, err = tx.InsertPaymentIfAbsent(ctx, payment)
		return err
	})
	return inserted, existing, err
}

// FindPaymentByKey implements domain.LedgerRepository
func (m *MockLedgerRepository) FindPaymentByKey(ctx context.Context, loanID, key string) (*domain.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view(m.data).FindPaymentByKey(ctx, loanID, key)
}

// GetPayment implements domain.LedgerRepository
func (m *MockLedgerRepository) GetPayment(ctx context.Context, loanID, paymentID string) (*domain.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view(m.data).GetPayment(ctx, loanID, paymentID)
}

// FindReversal implements domain.LedgerRepository
func (m *MockLedgerRepository) FindReversal(ctx context.Context, loanID, paymentID string) (*domain.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view(m.data).FindReversal(ctx, loanID, paymentID)
}

// ListPayments implements domain.LedgerRepository
func (m *MockLedgerRepository) ListPayments(ctx context.Context, loanID string) ([]*domain.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view(m.data).ListPayments(ctx, loanID)
}

// ListOpenLoanIDs implements domain.LedgerRepository
func (m *MockLedgerRepository) ListOpenLoanIDs(ctx context.Context) ([]string, error) {
	if m.ListOpenLoanIDsFn != nil {
		return m.ListOpenLoanIDsFn()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view(m.data).ListOpenLoanIDs(ctx)
}

// WithinTx implements domain.LedgerRepository. Writers are serialised; fn sees a
// private snapshot that replaces the stored state only when fn succeeds.
func (m *MockLedgerRepository) WithinTx(ctx context.Context, fn func(tx domain.LedgerRepository) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	snapshot := m.data.clone()
	m.mu.RUnlock()

	if err := fn(m.view(snapshot)); err != nil {
		return err
	}

	m.mu.Lock()
	m.data = snapshot
	m.mu.Unlock()
	return nil
}

func (m *MockLedgerRepository) view(data *ledgerData) *ledgerTx {
	return &ledgerTx{parent: m, data: data}
}

// ledgerTx operates on one ledgerData without locking
type ledgerTx struct {
	parent *MockLedgerRepository
	data   *ledgerData
}

func (t *ledgerTx) CreateLoan(_ context.Context, loan *domain.Loan) error {
	if t.parent.WriteErr != nil {
		return domain.WrapRepositoryError("create loan", t.parent.WriteErr)
	}
	if loan.ID == "" {
		loan.ID = uuid.New().String()
	}
	if _, exists := t.data.loans[loan.ID]; exists {
		return domain.WrapRepositoryError("create loan", fmt.Errorf("duplicate loan id %s", loan.ID))
	}
	t.data.loans[loan.ID] = copyLoan(loan)
	return nil
}

func (t *ledgerTx) ReadLoan(_ context.Context, id string) (*domain.Loan, error) {
	loan, ok := t.data.loans[id]
	if !ok {
		return nil, &domain.NotFoundError{Resource: "loan", ID: id}
	}
	return copyLoan(loan), nil
}

func (t *ledgerTx) WriteLoanIfVersion(_ context.Context, id string, mutation domain.LoanMutation, expectedVersion int64) (bool, error) {
	atomic.AddInt64(&t.parent.writeAttempts, 1)
	if t.parent.WriteErr != nil {
		return false, domain.WrapRepositoryError("write loan", t.parent.WriteErr)
	}
	loan, ok := t.data.loans[id]
	if !ok {
		return false, &domain.NotFoundError{Resource: "loan", ID: id}
	}
	if n := atomic.LoadInt64(&t.parent.injectedConflicts); n > 0 {
		atomic.AddInt64(&t.parent.injectedConflicts, -1)
		return false, nil
	}
	if loan.Version != expectedVersion {
		return false, nil
	}
	updated := copyLoan(loan)
	updated.OutstandingBalance = mutation.OutstandingBalance
	updated.Status = mutation.Status
	updated.UpdatedAt = mutation.UpdatedAt
	updated.Version++
	t.data.loans[id] = updated
	return true, nil
}

func (t *ledgerTx) InsertPaymentIfAbsent(_ context.Context, payment *domain.Payment) (bool, *domain.Payment, error) {
	if t.parent.WriteErr != nil {
		return false, nil, domain.WrapRepositoryError("insert payment", t.parent.WriteErr)
	}
	for _, p := range t.data.payments[payment.LoanID] {
		if p.IdempotencyKey == payment.IdempotencyKey {
			return false, copyPayment(p), nil
		}
		if payment.ReversesPaymentID != nil && p.ReversesPaymentID != nil && *p.ReversesPaymentID == *payment.ReversesPaymentID {
			return false, nil, domain.WrapRepositoryError("insert payment", fmt.Errorf("payment %s already reversed", *payment.ReversesPaymentID))
		}
	}
	if payment.ID == "" {
		payment.ID = uuid.New().String()
	}
	t.data.payments[payment.LoanID] = append(t.data.payments[payment.LoanID], copyPayment(payment))
	return true, nil, nil
}

func (t *ledgerTx) FindPaymentByKey(_ context.Context, loanID, key string) (*domain.Payment, error) {
	for _, p := range t.data.payments[loanID] {
		if p.IdempotencyKey == key {
			return copyPayment(p), nil
		}
	}
	return nil, nil
}

func (t *ledgerTx) GetPayment(_ context.Context, loanID, paymentID string) (*domain.Payment, error) {
	for _, p := range t.data.payments[loanID] {
		if p.ID == paymentID {
			return copyPayment(p), nil
		}
	}
	return nil, &domain.NotFoundError{Resource: "payment", ID: paymentID}
}

func (t *ledgerTx) FindReversal(_ context.Context, loanID, paymentID string) (*domain.Payment, error) {
	for _, p := range t.data.payments[loanID] {
		if p.ReversesPaymentID != nil && *p.ReversesPaymentID == paymentID {
			return copyPayment(p), nil
		}
	}
	return nil, nil
}

func (t *ledgerTx) ListPayments(_ context.Context, loanID string) ([]*domain.Payment, error) {
	stored := t.data.payments[loanID]
	result := make([]*domain.Payment, len(stored))
	for i, p := range stored {
		result[i] = copyPayment(p)
	}
	return result, nil
}

func (t *ledgerTx) ListOpenLoanIDs(_ context.Context) ([]string, error) {
	var ids []string
	for id, loan := range t.data.loans {
		if loan.Status != domain.LoanStatusPaid {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *ledgerTx) WithinTx(_ context.Context, fn func(tx domain.LedgerRepository) error) error {
	return fn(t)
}

// MockClientRepository is a mock implementation of domain.ClientRepository
type MockClientRepository struct {
	Clients map[string]bool
	Err     error
}

// NewMockClientRepository creates a MockClientRepository knowing the given ids
func NewMockClientRepository(ids ...string) *MockClientRepository {
	m := &MockClientRepository{Clients: make(map[string]bool)}
	for _, id := range ids {
		m.Clients[id] = true
	}
	return m
}

// ClientExists implements domain.ClientRepository
func (m *MockClientRepository) ClientExists(_ context.Context, clientID string) (bool, error) {
	if m.Err != nil {
		return false, m.Err
	}
	return m.Clients[clientID], nil
}

// FixedClock is a settable domain.Clock
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedClock creates a clock frozen at now
func NewFixedClock(now time.Time) *FixedClock {
	return &FixedClock{now: now}
}

// Now implements domain.Clock
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock
func (c *FixedClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Advance moves the clock forward by d
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// RecordingPublisher is a domain.EventPublisher that keeps every event
type RecordingPublisher struct {
	mu     sync.Mutex
	events []domain.LedgerEvent
	Err    error
}

// NewRecordingPublisher creates a RecordingPublisher
func NewRecordingPublisher() *RecordingPublisher {
	return &RecordingPublisher{}
}

// Publish implements domain.EventPublisher
func (p *RecordingPublisher) Publish(_ context.Context, event domain.LedgerEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.Err
}

// Events returns a copy of the recorded events
func (p *RecordingPublisher) Events() []domain.LedgerEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.LedgerEvent(nil), p.events...)
}

// EventsOfType returns recorded events of one type
func (p *RecordingPublisher) EventsOfType(t domain.LedgerEventType) []domain.LedgerEvent {
	var result []domain.LedgerEvent
	for _, e := range p.Events() {
		if e.Type == t {
			result = append(result, e)
		}
	}
	return result
}

// MockReceiptRepository is a mock implementation of domain.ReceiptRepository
type MockReceiptRepository struct {
	mu       sync.Mutex
	Receipts []*domain.PaymentReceipt
	CreateFn func(receipt *domain.PaymentReceipt) error
}

// NewMockReceiptRepository creates a MockReceiptRepository
func NewMockReceiptRepository() *MockReceiptRepository {
	return &MockReceiptRepository{}
}

// CreateReceipt implements domain.ReceiptRepository
func (m *MockReceiptRepository) CreateReceipt(_ context.Context, receipt *domain.PaymentReceipt) error {
	if m.CreateFn != nil {
		return m.CreateFn(receipt)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if receipt.ID == "" {
		receipt.ID = uuid.New().String()
	}
	m.Receipts = append(m.Receipts, receipt)
	return nil
}

// ListReceipts implements domain.ReceiptRepository
func (m *MockReceiptRepository) ListReceipts(_ context.Context, loanID, paymentID string) ([]*domain.PaymentReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*domain.PaymentReceipt
	for _, r := range m.Receipts {
		if r.LoanID == loanID && r.PaymentID == paymentID {
			result = append(result, r)
		}
	}
	return result, nil
}

// MockReceiptStore is an in-memory storage.ReceiptStore
type MockReceiptStore struct {
	mu      sync.Mutex
	Objects map[string][]byte
	PutErr  error
}

// NewMockReceiptStore creates a MockReceiptStore
func NewMockReceiptStore() *MockReceiptStore {
	return &MockReceiptStore{Objects: make(map[string][]byte)}
}

// Put stores an object
func (m *MockReceiptStore) Put(_ context.Context, key string, data []byte, _ string) error {
	if m.PutErr != nil {
		return m.PutErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Objects[key] = append([]byte(nil), data...)
	return nil
}

// PresignGet returns a fake URL for an object
func (m *MockReceiptStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://receipts.test/" + key, nil
}

// Delete removes an object
func (m *MockReceiptStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Objects, key)
	return nil
}
