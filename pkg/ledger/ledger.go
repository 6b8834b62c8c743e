package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanbook/pkg/events"
	"github.com/mcclellann/loanbook/pkg/metrics"
	"github.com/mcclellann/loanbook/pkg/models"
	"github.com/mcclellann/loanbook/pkg/store"
)

// OverpaymentPolicy decides what happens to a repayment larger than the loan's outstanding amount.
type OverpaymentPolicy string

const (
	// OverpaymentReject refuses the whole repayment before anything is written.
	OverpaymentReject OverpaymentPolicy = "reject"
	// OverpaymentCredit settles the loan and records the excess as unallocated.
	OverpaymentCredit OverpaymentPolicy = "credit"
)

// ParseOverpaymentPolicy maps a configuration value to a policy. Empty means reject.
func ParseOverpaymentPolicy(s string) (OverpaymentPolicy, error) {
	switch OverpaymentPolicy(s) {
	case "", OverpaymentReject:
		return OverpaymentReject, nil
	case OverpaymentCredit:
		return OverpaymentCredit, nil
	}
	return "", fmt.Errorf("unknown overpayment policy %q", s)
}

// Ledger handles the business logic for loans and repayments.
type Ledger struct {
	storage   store.LoanStorage
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	policy    OverpaymentPolicy
	now       func() time.Time // Bookkeeping timestamps only; business dates come from callers
}

type Option func(*Ledger)

func WithPublisher(p events.Publisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithOverpaymentPolicy(p OverpaymentPolicy) Option {
	return func(l *Ledger) { l.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a new Ledger with a given storage implementation.
func NewLedger(s store.LoanStorage, opts ...Option) *Ledger {
	l := &Ledger{
		storage:   s,
		publisher: events.NopPublisher{},
		logger:    slog.Default(),
		policy:    OverpaymentReject,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// IssueLoan creates a loan for a user together with its full repayment schedule.
// The loan and its schedule are stored atomically.
func (l *Ledger) IssueLoan(ctx context.Context, userID string, amount int64, currency models.Currency, terms int, processedAt time.Time) (*models.Loan, error) {
	if userID == "" {
		return nil, ErrMissingOwner
	}
	if !currency.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, currency)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidAmount, amount)
	}

	principal := models.Money{Amount: amount, Currency: currency}
	processedAt = dateOnly(processedAt)
	schedule, err := GenerateSchedule(principal, terms, processedAt)
	if err != nil {
		return nil, err
	}

	now := l.now()
	loan := &models.Loan{
		ID:                  uuid.New(),
		UserID:              userID,
		Amount:              principal,
		Terms:               terms,
		Outstanding:         principal,
		Status:              models.LoanStatusDue,
		ProcessedAt:         processedAt,
		CreatedAt:           now,
		UpdatedAt:           now,
		ScheduledRepayments: schedule,
	}
	for _, sr := range schedule {
		sr.LoanID = loan.ID
	}
	if err := checkInvariants(loan); err != nil {
		return nil, err
	}

	if err := l.storage.CreateLoan(ctx, loan); err != nil {
		return nil, fmt.Errorf("failed to store loan: %w", err)
	}

	l.logger.InfoContext(ctx, "loan issued",
		"loan_id", loan.ID, "user_id", userID, "amount", principal.String(), "terms", terms)
	l.metrics.LoanIssued(currency)
	l.publish(ctx, events.Event{
		Type:       events.TypeLoanIssued,
		Key:        loan.ID.String(),
		OccurredAt: now,
		Payload:    loan,
	})
	return loan, nil
}

// ApplyRepayment records money received for a loan and allocates it to the
// loan's open installments, earliest due first. Allocation, installment and
// loan updates are persisted together or not at all. A concurrent repayment on
// the same loan makes this call fail with ErrConcurrencyConflict.
func (l *Ledger) ApplyRepayment(ctx context.Context, loanID uuid.UUID, amount int64, currency models.Currency, receivedAt time.Time) (*models.ReceivedRepayment, error) {
	if amount <= 0 {
		return nil, l.rejectRepayment(ctx, loanID, "invalid_amount", fmt.Errorf("%w: got %d", ErrInvalidAmount, amount))
	}
	if !currency.Valid() {
		return nil, l.rejectRepayment(ctx, loanID, "unsupported_currency", fmt.Errorf("%w: %q", ErrUnsupportedCurrency, currency))
	}

	loan, err := l.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}

	if currency != loan.Currency() {
		return nil, l.rejectRepayment(ctx, loanID, "currency_mismatch",
			fmt.Errorf("%w: got %s, loan is in %s", ErrCurrencyMismatch, currency, loan.Currency()))
	}
	if amount > loan.Outstanding.Amount && l.policy != OverpaymentCredit {
		return nil, l.rejectRepayment(ctx, loanID, "overpayment",
			fmt.Errorf("%w: got %d, outstanding %d", ErrOverpayment, amount, loan.Outstanding.Amount))
	}

	allocations, unallocated := allocate(loan, amount)
	if err := checkInvariants(loan); err != nil {
		return nil, err
	}

	now := l.now()
	loan.UpdatedAt = now
	repayment := &models.ReceivedRepayment{
		ID:          uuid.New(),
		LoanID:      loan.ID,
		Amount:      models.Money{Amount: amount, Currency: currency},
		Unallocated: models.Money{Amount: unallocated, Currency: currency},
		ReceivedAt:  dateOnly(receivedAt),
		CreatedAt:   now,
		Allocations: allocations,
	}
	for _, a := range allocations {
		a.ReceivedRepaymentID = repayment.ID
	}

	if err := l.storage.SaveRepayment(ctx, loan, repayment); err != nil {
		switch {
		case errors.Is(err, store.ErrVersionConflict):
			return nil, l.rejectRepayment(ctx, loanID, "conflict", ErrConcurrencyConflict)
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrLoanNotFound
		}
		return nil, fmt.Errorf("failed to store repayment: %w", err)
	}

	allocated := repayment.Amount.WithAmount(amount - unallocated)
	l.logger.InfoContext(ctx, "repayment applied",
		"loan_id", loan.ID, "repayment_id", repayment.ID, "amount", repayment.Amount.String(),
		"allocated", allocated.String(), "installments", len(allocations),
		"outstanding", loan.Outstanding.String(), "status", loan.Status)
	if unallocated > 0 {
		l.logger.InfoContext(ctx, "overpayment credited", "loan_id", loan.ID, "excess", repayment.Unallocated.String())
	}
	l.metrics.RepaymentApplied(allocated)
	l.publish(ctx, events.Event{
		Type:       events.TypeRepaymentReceived,
		Key:        loan.ID.String(),
		OccurredAt: now,
		Payload:    repayment,
	})
	return repayment, nil
}

// GetLoan retrieves a loan with its schedule.
func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrLoanNotFound
		}
		return nil, err
	}
	return loan, nil
}

// ListLoans retrieves all loans owned by a user.
func (l *Ledger) ListLoans(ctx context.Context, userID string) ([]*models.Loan, error) {
	return l.storage.GetLoansForUser(ctx, userID)
}

// ListReceivedRepayments retrieves the repayments received for a loan with their allocations.
func (l *Ledger) ListReceivedRepayments(ctx context.Context, loanID uuid.UUID) ([]*models.ReceivedRepayment, error) {
	return l.storage.GetReceivedRepayments(ctx, loanID)
}

func (l *Ledger) rejectRepayment(ctx context.Context, loanID uuid.UUID, reason string, err error) error {
	l.metrics.RepaymentRejected(reason)
	l.logger.WarnContext(ctx, "repayment rejected", "loan_id", loanID, "reason", reason, "error", err)
	return err
}

// publish runs after commit; a failure is logged and counted but does not undo the write.
func (l *Ledger) publish(ctx context.Context, e events.Event) {
	if err := l.publisher.Publish(ctx, e); err != nil {
		l.metrics.PublishFailed()
		l.logger.ErrorContext(ctx, "failed to publish event", "type", e.Type, "key", e.Key, "error", err)
	}
}
