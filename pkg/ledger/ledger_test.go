package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanbook/pkg/events"
	"github.com/mcclellann/loanbook/pkg/metrics"
	"github.com/mcclellann/loanbook/pkg/models"
	"github.com/mcclellann/loanbook/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// MockStore is a simple in-memory implementation of store.LoanStorage for testing.
// It hands out copies so that callers cannot change stored state without saving.
type MockStore struct {
	mu         sync.Mutex
	loans      map[uuid.UUID]*models.Loan
	repayments []*models.ReceivedRepayment
	beforeSave func() // runs inside SaveRepayment before the version check
}

func NewMockStore() *MockStore {
	return &MockStore{loans: make(map[uuid.UUID]*models.Loan)}
}

func cloneLoan(l *models.Loan) *models.Loan {
	c := *l
	c.ScheduledRepayments = make([]*models.ScheduledRepayment, len(l.ScheduledRepayments))
	for i, sr := range l.ScheduledRepayments {
		cp := *sr
		c.ScheduledRepayments[i] = &cp
	}
	return &c
}

func (m *MockStore) CreateLoan(_ context.Context, loan *models.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loans[loan.ID] = cloneLoan(loan)
	return nil
}

func (m *MockStore) GetLoan(_ context.Context, id uuid.UUID) (*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneLoan(loan), nil
}

func (m *MockStore) GetLoansForUser(_ context.Context, userID string) ([]*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loans := []*models.Loan{}
	for _, l := range m.loans {
		if l.UserID == userID {
			loans = append(loans, cloneLoan(l))
		}
	}
	return loans, nil
}

func (m *MockStore) SaveRepayment(_ context.Context, loan *models.Loan, repayment *models.ReceivedRepayment) error {
	if m.beforeSave != nil {
		m.beforeSave()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.loans[loan.ID]
	if !ok {
		return store.ErrNotFound
	}
	if stored.Version != loan.Version {
		return store.ErrVersionConflict
	}
	saved := cloneLoan(loan)
	saved.Version++
	m.loans[loan.ID] = saved
	loan.Version++
	m.repayments = append(m.repayments, repayment)
	return nil
}

func (m *MockStore) GetReceivedRepayments(_ context.Context, loanID uuid.UUID) ([]*models.ReceivedRepayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.ReceivedRepayment{}
	for _, r := range m.repayments {
		if r.LoanID == loanID {
			out = append(out, r)
		}
	}
	return out, nil
}

// recordingPublisher keeps every published event, or fails when err is set.
type recordingPublisher struct {
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

var fixedNow = time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)

func newTestLedger(s *MockStore, opts ...Option) *Ledger {
	return NewLedger(s, append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

func outstandings(loan *models.Loan) []int64 {
	out := make([]int64, len(loan.ScheduledRepayments))
	for i, sr := range loan.ScheduledRepayments {
		out[i] = sr.Outstanding.Amount
	}
	return out
}

func assertOutstandings(t *testing.T, loan *models.Loan, want ...int64) {
	t.Helper()
	got := outstandings(loan)
	if len(got) != len(want) {
		t.Fatalf("Expected %d installments, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected installment outstandings %v, got %v", want, got)
			return
		}
	}
}

func TestIssueLoan(t *testing.T) {
	s := NewMockStore()
	l := newTestLedger(s)

	loan, err := l.IssueLoan(context.Background(), "user-1", 10000, models.CurrencySGD, 3, time.Date(2024, 1, 15, 16, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Failed to issue loan: %v", err)
	}

	if loan.Status != models.LoanStatusDue {
		t.Errorf("Expected status due, got %s", loan.Status)
	}
	if loan.Outstanding != loan.Amount {
		t.Errorf("Expected outstanding %v, got %v", loan.Amount, loan.Outstanding)
	}
	if !loan.ProcessedAt.Equal(date(2024, 1, 15)) {
		t.Errorf("Expected processed_at truncated to 2024-01-15, got %s", loan.ProcessedAt)
	}
	assertOutstandings(t, loan, 3333, 3333, 3334)

	stored, err := s.GetLoan(context.Background(), loan.ID)
	if err != nil {
		t.Fatalf("Loan was not stored: %v", err)
	}
	if len(stored.ScheduledRepayments) != 3 {
		t.Errorf("Expected 3 stored installments, got %d", len(stored.ScheduledRepayments))
	}
	for _, sr := range stored.ScheduledRepayments {
		if sr.LoanID != loan.ID {
			t.Errorf("Installment %d not attached to loan", sr.Sequence)
		}
	}
}

func TestIssueLoan_Rejected(t *testing.T) {
	s := NewMockStore()
	l := newTestLedger(s)
	ctx := context.Background()

	cases := []struct {
		name     string
		userID   string
		amount   int64
		currency models.Currency
		terms    int
		want     error
	}{
		{"terms below one", "user-1", 1000, models.CurrencySGD, 0, ErrInvalidSchedule},
		{"principal below terms", "user-1", 2, models.CurrencySGD, 3, ErrInvalidSchedule},
		{"zero amount", "user-1", 0, models.CurrencySGD, 3, ErrInvalidAmount},
		{"unknown currency", "user-1", 1000, models.Currency("XXX"), 3, ErrUnsupportedCurrency},
		{"no owner", "", 1000, models.CurrencySGD, 3, ErrMissingOwner},
	}
	for _, tc := range cases {
		_, err := l.IssueLoan(ctx, tc.userID, tc.amount, tc.currency, tc.terms, date(2024, 1, 15))
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	if len(s.loans) != 0 {
		t.Errorf("Expected no stored loans, got %d", len(s.loans))
	}
}

func TestApplyRepayment_FirstInstallment(t *testing.T) {
	s := NewMockStore()
	l := newTestLedger(s)
	ctx := context.Background()

	loan, _ := l.IssueLoan(ctx, "user-1", 5000, models.CurrencyVND, 3, date(2024, 1, 15))
	assertOutstandings(t, loan, 1666, 1666, 1668)

	repayment, err := l.ApplyRepayment(ctx, loan.ID, 1666, models.CurrencyVND, date(2024, 2, 15))
	if err != nil {
		t.Fatalf("Failed to apply repayment: %v", err)
	}
	if len(repayment.Allocations) != 1 || repayment.Allocations[0].ScheduledRepaymentID != loan.ScheduledRepayments[0].ID {
		t.Errorf("Expected a single allocation to the first installment, got %v", repayment.Allocations)
	}

	updated, _ := l.GetLoan(ctx, loan.ID)
	if updated.Outstanding.Amount != 3334 {
		t.Errorf("Expected outstanding 3334, got %d", updated.Outstanding.Amount)
	}
	assertOutstandings(t, updated, 0, 1666, 1668)
	if updated.ScheduledRepayments[0].Status != models.RepaymentStatusRepaid {
		t.Errorf("Expected first installment repaid, got %s", updated.ScheduledRepayments[0].Status)
	}
	for _, sr := range updated.ScheduledRepayments[1:] {
		if sr.Status != models.RepaymentStatusDue {
			t.Errorf("Installment %d should be untouched, got %s", sr.Sequence, sr.Status)
		}
	}
}

func TestApplyRepayment_SpansTwoInstallments(t *testing.T) {
	s := NewMockStore()
	l := newTestLedger(s)
	ctx := context.Background()

	loan, _ := l.IssueLoan(ctx, "user-1", 5000, models.CurrencyVND, 3, date(2024, 1, 15))

	repayment, err := l.ApplyRepayment(ctx, loan.ID, 1667, models.CurrencyVND, date(2024, 2, 15))
	if err != nil {
		t.Fatalf("Failed to apply repayment: %v", err)
	}
	if len(repayment.Allocations) != 2 {
		t.Fatalf("Expected 2 allocations, got %d", len(repayment.Allocations))
	}
	if repayment.Allocations[0].Amount.Amount != 1666 || repayment.Allocations[1].Amount.Amount != 1 {
		t.Errorf("Expected allocations [1666 1], got [%d %d]", repayment.Allocations[0].Amount.Amount, repayment.Allocations[1].Amount.Amount)
	}

	updated, _ := l.GetLoan(ctx, loan.ID)
	if updated.Outstanding.Amount != 3333 {
		t.Errorf("Expected loan outstanding to drop by exactly 1667, got %d", updated.Outstanding.Amount)
	}
	assertOutstandings(t, updated, 0, 1665, 1668)
	if updated.ScheduledRepayments[1].Status != models.RepaymentStatusPartial {
		t.Errorf("Expected second installment partial, got %s", updated.ScheduledRepayments[1].Status)
	}
}

func TestApplyRepayment_FullOutstanding(t *testing.T) {
	s := NewMockStore()
	l := newTestLedger(s)
	ctx := context.Background()

	loan, _ := l.IssueLoan(ctx, "user-1", 10000, models.CurrencySGD, 3, date(2024, 1, 15))
	if _, err := l.ApplyRepayment(ctx, loan.ID, 2000, models.CurrencySGD, date(2024, 2, 1)); err != nil {
		t.Fatalf("Failed to apply repayment: %v", err)
	}
	if _, err := l.ApplyRepayment(ctx, loan.ID, 8000, models.CurrencySGD, date(2024, 3, 1)); err != nil {
		t.Fatalf("Failed to apply repayment: %v", err)
	}

	updated, _ := l.GetLoan(ctx, loan.ID)
	if updated.Status != models.LoanStatusRepaid {
		t.Errorf("Expected loan repaid, got %s", updated.Status)
	}
	if !updated.Outstanding.IsZero() {
		t.Errorf("Expected zero outstanding, got %d", updated.Outstanding.Amount)
	}
	for _, sr := range updated.ScheduledRepayments {
		if sr.Status != models.RepaymentStatusRepaid || !sr.Outstanding.IsZero() {
			t.Errorf("Installment %d: expected repaid, got %s with %d", sr.Sequence, sr.Status, sr.Outstanding.Amount)
		}
	}
}

func TestApplyRepayment_RejectedLeavesNoState(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := NewMockStore()
	l := newTestLedger(s, WithMetrics(m))

	loan, _ := l.IssueLoan(ctx, "user-1", 10000, models.CurrencySGD, 3, date(2024, 1, 15))

	cases := []struct {
		name     string
		amount   int64
		currency models.Currency
		want     error
	}{
		{"currency mismatch", 1000, models.CurrencyVND, ErrCurrencyMismatch},
		{"overpayment", 10001, models.CurrencySGD, ErrOverpayment},
		{"zero amount", 0, models.CurrencySGD, ErrInvalidAmount},
		{"negative amount", -5, models.CurrencySGD, ErrInvalidAmount},
		{"unknown currency", 100, models.Currency("XXX"), ErrUnsupportedCurrency},
	}
	for _, tc := range cases {
		_, err := l.ApplyRepayment(ctx, loan.ID, tc.amount, tc.currency, date(2024, 2, 1))
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	updated, _ := l.GetLoan(ctx, loan.ID)
	if updated.Outstanding.Amount != 10000 || updated.Version != 0 {
		t.Errorf("Expected untouched loan, got outstanding %d version %d", updated.Outstanding.Amount, updated.Version)
	}
	assertOutstandings(t, updated, 3333, 3333, 3334)
	if len(s.repayments) != 0 {
		t.Errorf("Expected no recorded repayments, got %d", len(s.repayments))
	}
	if got := testutil.ToFloat64(m.RepaymentRejections.WithLabelValues("overpayment")); got != 1 {
		t.Errorf("Expected 1 overpayment rejection, got %v", got)
	}
}

func TestApplyRepayment_OverpaymentCredited(t *testing.T) {
	s := NewMockStore()
	l := newTestLedger(s, WithOverpaymentPolicy(OverpaymentCredit))
	ctx := context.Background()

	loan, _ := l.IssueLoan(ctx, "user-1", 10000, models.CurrencySGD, 3, date(2024, 1, 15))
	repayment, err := l.ApplyRepayment(ctx, loan.ID, 10500, models.CurrencySGD, date(2024, 2, 1))
	if err != nil {
		t.Fatalf("Failed to apply repayment: %v", err)
	}
	if repayment.Unallocated.Amount != 500 {
		t.Errorf("Expected 500 unallocated, got %d", repayment.Unallocated.Amount)
	}

	var allocated int64
	for _, a := range repayment.Allocations {
		allocated += a.Amount.Amount
	}
	if allocated+repayment.Unallocated.Amount != repayment.Amount.Amount {
		t.Errorf("Allocations %d plus unallocated %d do not add up to %d", allocated, repayment.Unallocated.Amount, repayment.Amount.Amount)
	}

	updated, _ := l.GetLoan(ctx, loan.ID)
	if updated.Status != models.LoanStatusRepaid {
		t.Errorf("Expected repaid loan, got %s", updated.Status)
	}
}

func TestApplyRepayment_ConcurrencyConflict(t *testing.T) {
	s := NewMockStore()
	l := newTestLedger(s)
	ctx := context.Background()

	loan, _ := l.IssueLoan(ctx, "user-1", 10000, models.CurrencySGD, 3, date(2024, 1, 15))

	// Another repayment commits between our read and our write.
	s.beforeSave = func() {
		s.beforeSave = nil
		if _, err := l.ApplyRepayment(ctx, loan.ID, 1000, models.CurrencySGD, date(2024, 2, 1)); err != nil {
			t.Errorf("Concurrent repayment failed: %v", err)
		}
	}

	_, err := l.ApplyRepayment(ctx, loan.ID, 500, models.CurrencySGD, date(2024, 2, 1))
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("Expected ErrConcurrencyConflict, got %v", err)
	}

	updated, _ := l.GetLoan(ctx, loan.ID)
	if updated.Outstanding.Amount != 9000 {
		t.Errorf("Only the concurrent repayment should count, got outstanding %d", updated.Outstanding.Amount)
	}
	if len(s.repayments) != 1 {
		t.Errorf("Expected 1 recorded repayment, got %d", len(s.repayments))
	}

	// Retrying after the conflict succeeds against fresh state.
	if _, err := l.ApplyRepayment(ctx, loan.ID, 500, models.CurrencySGD, date(2024, 2, 1)); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	updated, _ = l.GetLoan(ctx, loan.ID)
	assertOutstandings(t, updated, 1833, 3333, 3334)
}

func TestApplyRepayment_InvariantsHoldAfterEveryPayment(t *testing.T) {
	s := NewMockStore()
	l := newTestLedger(s)
	ctx := context.Background()

	loan, _ := l.IssueLoan(ctx, "user-1", 123457, models.CurrencySGD, 7, date(2024, 1, 31))
	payments := []int64{1, 17636, 20000, 5, 40000, 30000, 15815}

	seen := map[uuid.UUID]bool{}
	for _, p := range payments {
		repayment, err := l.ApplyRepayment(ctx, loan.ID, p, models.CurrencySGD, date(2024, 3, 1))
		if err != nil {
			t.Fatalf("Failed to apply repayment %d: %v", p, err)
		}
		if seen[repayment.ID] {
			t.Errorf("Repayment id %s reused", repayment.ID)
		}
		seen[repayment.ID] = true

		current, _ := l.GetLoan(ctx, loan.ID)
		if err := checkInvariants(current); err != nil {
			t.Fatalf("Invariants broken after paying %d: %v", p, err)
		}
	}

	final, _ := l.GetLoan(ctx, loan.ID)
	if final.Status != models.LoanStatusRepaid {
		t.Errorf("Expected repaid loan after paying the full principal, got %s with %d outstanding", final.Status, final.Outstanding.Amount)
	}

	history, _ := l.ListReceivedRepayments(ctx, loan.ID)
	if len(history) != len(payments) {
		t.Errorf("Expected %d received repayments, got %d", len(payments), len(history))
	}
}

func TestApplyRepayment_SamePaymentTwiceCreatesTwoFacts(t *testing.T) {
	s := NewMockStore()
	l := newTestLedger(s)
	ctx := context.Background()

	loan, _ := l.IssueLoan(ctx, "user-1", 9000, models.CurrencySGD, 3, date(2024, 1, 15))
	first, err := l.ApplyRepayment(ctx, loan.ID, 3000, models.CurrencySGD, date(2024, 2, 15))
	if err != nil {
		t.Fatalf("Failed to apply first repayment: %v", err)
	}
	second, err := l.ApplyRepayment(ctx, loan.ID, 3000, models.CurrencySGD, date(2024, 2, 15))
	if err != nil {
		t.Fatalf("Failed to apply second repayment: %v", err)
	}

	if first.ID == second.ID {
		t.Error("Expected distinct repayment facts")
	}
	if first.Allocations[0].ScheduledRepaymentID == second.Allocations[0].ScheduledRepaymentID {
		t.Error("Second repayment should settle the next installment")
	}
}

func TestApplyRepayment_LoanNotFound(t *testing.T) {
	l := newTestLedger(NewMockStore())
	_, err := l.ApplyRepayment(context.Background(), uuid.New(), 100, models.CurrencySGD, date(2024, 2, 1))
	if !errors.Is(err, ErrLoanNotFound) {
		t.Errorf("Expected ErrLoanNotFound, got %v", err)
	}
}

func TestLedger_PublishesEvents(t *testing.T) {
	s := NewMockStore()
	pub := &recordingPublisher{}
	l := newTestLedger(s, WithPublisher(pub))
	ctx := context.Background()

	loan, _ := l.IssueLoan(ctx, "user-1", 10000, models.CurrencySGD, 3, date(2024, 1, 15))
	l.ApplyRepayment(ctx, loan.ID, 100, models.CurrencySGD, date(2024, 2, 1))

	if len(pub.events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(pub.events))
	}
	if pub.events[0].Type != events.TypeLoanIssued || pub.events[1].Type != events.TypeRepaymentReceived {
		t.Errorf("Unexpected event types %s, %s", pub.events[0].Type, pub.events[1].Type)
	}
	if pub.events[1].Key != loan.ID.String() {
		t.Errorf("Expected events keyed by loan id, got %s", pub.events[1].Key)
	}
}

func TestLedger_PublishFailureDoesNotFailOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	l := newTestLedger(NewMockStore(), WithPublisher(&recordingPublisher{err: errors.New("broker down")}), WithMetrics(m))

	if _, err := l.IssueLoan(context.Background(), "user-1", 10000, models.CurrencySGD, 3, date(2024, 1, 15)); err != nil {
		t.Fatalf("Expected issuance to succeed, got %v", err)
	}
	if got := testutil.ToFloat64(m.EventPublishFailures); got != 1 {
		t.Errorf("Expected 1 publish failure, got %v", got)
	}
}

func TestListLoans(t *testing.T) {
	s := NewMockStore()
	l := newTestLedger(s)
	ctx := context.Background()

	l.IssueLoan(ctx, "user-1", 1000, models.CurrencySGD, 3, date(2024, 1, 15))
	l.IssueLoan(ctx, "user-1", 2000, models.CurrencyVND, 6, date(2024, 1, 15))
	l.IssueLoan(ctx, "user-2", 3000, models.CurrencySGD, 3, date(2024, 1, 15))

	loans, err := l.ListLoans(ctx, "user-1")
	if err != nil {
		t.Fatalf("Failed to list loans: %v", err)
	}
	if len(loans) != 2 {
		t.Errorf("Expected 2 loans for user-1, got %d", len(loans))
	}
}

func TestParseOverpaymentPolicy(t *testing.T) {
	for in, want := range map[string]OverpaymentPolicy{"": OverpaymentReject, "reject": OverpaymentReject, "credit": OverpaymentCredit} {
		got, err := ParseOverpaymentPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseOverpaymentPolicy(%q) = %s, %v; want %s", in, got, err, want)
		}
	}
	if _, err := ParseOverpaymentPolicy("refund"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}
