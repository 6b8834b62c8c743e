package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/mcclellann/loanbook/pkg/models"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when a loan changed since it was read.
	ErrVersionConflict = errors.New("loan version conflict")
)

// LoanStorage persists loans, their schedules and the repayments received against them.
type LoanStorage interface {
	// CreateLoan inserts the loan and its full schedule in a single transaction.
	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	GetLoansForUser(ctx context.Context, userID string) ([]*models.Loan, error)

	// SaveRepayment records the repayment with its allocations and writes the loan's
	// balances and schedule, all or nothing. loan.Version must match the stored
	// version; on success it is incremented.
	SaveRepayment(ctx context.Context, loan *models.Loan, repayment *models.ReceivedRepayment) error
	GetReceivedRepayments(ctx context.Context, loanID uuid.UUID) ([]*models.ReceivedRepayment, error)
}

// CardStorage persists debit cards and their transactions.
type CardStorage interface {
	CreateDebitCard(ctx context.Context, card *models.DebitCard) error
	GetDebitCard(ctx context.Context, id uuid.UUID) (*models.DebitCard, error)
	GetDebitCardsForUser(ctx context.Context, userID string) ([]*models.DebitCard, error)
	UpdateDebitCard(ctx context.Context, card *models.DebitCard) error
	DeleteDebitCard(ctx context.Context, id uuid.UUID) error

	CreateDebitCardTransaction(ctx context.Context, transaction *models.DebitCardTransaction) error
	GetDebitCardTransaction(ctx context.Context, id uuid.UUID) (*models.DebitCardTransaction, error)
	GetTransactionsForDebitCard(ctx context.Context, cardID uuid.UUID) ([]*models.DebitCardTransaction, error)
}

// Storage defines the interface for database operations.
type Storage interface {
	LoanStorage
	CardStorage
	Close() error
}
