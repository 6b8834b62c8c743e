package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanbook/pkg/models"
)

// GenerateSchedule splits principal into terms monthly installments. Every
// installment gets principal/terms; the last one also takes the remainder, so
// the installments always sum to the principal.
func GenerateSchedule(principal models.Money, terms int, start time.Time) ([]*models.ScheduledRepayment, error) {
	if terms < 1 {
		return nil, fmt.Errorf("%w: terms must be at least 1, got %d", ErrInvalidSchedule, terms)
	}
	if principal.Amount < int64(terms) {
		return nil, fmt.Errorf("%w: principal %d is less than terms %d", ErrInvalidSchedule, principal.Amount, terms)
	}

	base := principal.Amount / int64(terms)
	remainder := principal.Amount - base*int64(terms)

	schedule := make([]*models.ScheduledRepayment, 0, terms)
	for i := 1; i <= terms; i++ {
		amount := base
		if i == terms {
			amount += remainder
		}
		schedule = append(schedule, &models.ScheduledRepayment{
			ID:          uuid.New(),
			Sequence:    i,
			Amount:      principal.WithAmount(amount),
			Outstanding: principal.WithAmount(amount),
			DueDate:     addMonths(start, i),
			Status:      models.RepaymentStatusDue,
		})
	}
	return schedule, nil
}

// addMonths moves t forward by n calendar months, clamping to the last day of
// the target month (Jan 31 + 1 month = Feb 28 or 29). time.AddDate would roll
// over into the following month instead.
func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	firstOfTarget := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(firstOfTarget.Year(), firstOfTarget.Month(), t.Location()); d > last {
		d = last
	}
	hh, mm, ss := t.Clock()
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// dateOnly truncates t to midnight UTC of its calendar day.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
