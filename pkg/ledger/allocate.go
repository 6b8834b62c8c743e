package ledger

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/mcclellann/loanbook/pkg/models"
)

// allocate applies amount to the loan's open installments, earliest due first,
// settling each one fully before moving on. It updates installment and loan
// balances and statuses in place and returns the allocations made together
// with whatever part of amount was left over.
func allocate(loan *models.Loan, amount int64) ([]*models.RepaymentAllocation, int64) {
	open := make([]*models.ScheduledRepayment, 0, len(loan.ScheduledRepayments))
	for _, sr := range loan.ScheduledRepayments {
		if sr.Status != models.RepaymentStatusRepaid {
			open = append(open, sr)
		}
	}
	slices.SortFunc(open, func(a, b *models.ScheduledRepayment) int {
		if c := a.DueDate.Compare(b.DueDate); c != 0 {
			return c
		}
		return cmp.Compare(a.Sequence, b.Sequence)
	})

	remaining := amount
	var allocations []*models.RepaymentAllocation
	for _, sr := range open {
		if remaining == 0 {
			break
		}
		applied := min(remaining, sr.Outstanding.Amount)
		if applied == 0 {
			continue
		}

		sr.Outstanding.Amount -= applied
		if sr.Outstanding.IsZero() {
			sr.Status = models.RepaymentStatusRepaid
		} else {
			sr.Status = models.RepaymentStatusPartial
		}
		remaining -= applied

		allocations = append(allocations, &models.RepaymentAllocation{
			ID:                   uuid.New(),
			ScheduledRepaymentID: sr.ID,
			Amount:               sr.Amount.WithAmount(applied),
		})
	}

	loan.Outstanding.Amount -= amount - remaining
	if loan.Outstanding.IsZero() {
		loan.Status = models.LoanStatusRepaid
	}
	return allocations, remaining
}

// checkInvariants verifies that the loan's aggregate state agrees with its schedule.
func checkInvariants(loan *models.Loan) error {
	if len(loan.ScheduledRepayments) != loan.Terms {
		return fmt.Errorf("%w: %d installments for %d terms", ErrInvariantViolation, len(loan.ScheduledRepayments), loan.Terms)
	}

	var total, outstanding int64
	for _, sr := range loan.ScheduledRepayments {
		if sr.Amount.Currency != loan.Currency() || sr.Outstanding.Currency != loan.Currency() {
			return fmt.Errorf("%w: installment %d in %s on a %s loan", ErrInvariantViolation, sr.Sequence, sr.Amount.Currency, loan.Currency())
		}
		if sr.Outstanding.Amount < 0 || sr.Outstanding.Amount > sr.Amount.Amount {
			return fmt.Errorf("%w: installment %d outstanding %d outside [0, %d]", ErrInvariantViolation, sr.Sequence, sr.Outstanding.Amount, sr.Amount.Amount)
		}
		if want := installmentStatus(sr); sr.Status != want {
			return fmt.Errorf("%w: installment %d is %s, expected %s", ErrInvariantViolation, sr.Sequence, sr.Status, want)
		}
		total += sr.Amount.Amount
		outstanding += sr.Outstanding.Amount
	}

	if total != loan.Amount.Amount {
		return fmt.Errorf("%w: installments sum to %d, principal is %d", ErrInvariantViolation, total, loan.Amount.Amount)
	}
	if outstanding != loan.Outstanding.Amount {
		return fmt.Errorf("%w: installments outstanding %d, loan outstanding %d", ErrInvariantViolation, outstanding, loan.Outstanding.Amount)
	}
	if repaid := loan.Outstanding.IsZero(); repaid != (loan.Status == models.LoanStatusRepaid) {
		return fmt.Errorf("%w: loan status %s with outstanding %d", ErrInvariantViolation, loan.Status, loan.Outstanding.Amount)
	}
	return nil
}

func installmentStatus(sr *models.ScheduledRepayment) models.RepaymentStatus {
	switch {
	case sr.Outstanding.IsZero():
		return models.RepaymentStatusRepaid
	case sr.Outstanding.Amount < sr.Amount.Amount:
		return models.RepaymentStatusPartial
	default:
		return models.RepaymentStatusDue
	}
}
