package models

import (
	"time"

	"github.com/google/uuid"
)

type LoanStatus string

const (
	LoanStatusDue    LoanStatus = "due"
	LoanStatusRepaid LoanStatus = "repaid"
)

type RepaymentStatus string

const (
	RepaymentStatusDue     RepaymentStatus = "due"
	RepaymentStatusPartial RepaymentStatus = "partial"
	RepaymentStatusRepaid  RepaymentStatus = "repaid"
)

type Loan struct {
	ID                  uuid.UUID             `json:"id"`
	UserID              string                `json:"user_id"` // Owner reference from the identity layer
	Amount              Money                 `json:"amount"`  // Principal
	Terms               int                   `json:"terms"`
	Outstanding         Money                 `json:"outstanding"`
	Status              LoanStatus            `json:"status"`
	ProcessedAt         time.Time             `json:"processed_at"`
	Version             int64                 `json:"-"` // Optimistic concurrency token
	CreatedAt           time.Time             `json:"created_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
	ScheduledRepayments []*ScheduledRepayment `json:"scheduled_repayments"`
}

// Currency returns the currency every money value on the loan is expressed in.
func (l *Loan) Currency() Currency {
	return l.Amount.Currency
}

type ScheduledRepayment struct {
	ID          uuid.UUID       `json:"id"`
	LoanID      uuid.UUID       `json:"loan_id"`
	Sequence    int             `json:"sequence"` // 1-based position within the schedule
	Amount      Money           `json:"amount"`
	Outstanding Money           `json:"outstanding"`
	DueDate     time.Time       `json:"due_date"`
	Status      RepaymentStatus `json:"status"`
}

// ReceivedRepayment is the fact that money arrived for a loan. Allocations
// record where it went; Unallocated holds any credited excess.
type ReceivedRepayment struct {
	ID          uuid.UUID              `json:"id"`
	LoanID      uuid.UUID              `json:"loan_id"`
	Amount      Money                  `json:"amount"`
	Unallocated Money                  `json:"unallocated"`
	ReceivedAt  time.Time              `json:"received_at"`
	CreatedAt   time.Time              `json:"created_at"`
	Allocations []*RepaymentAllocation `json:"allocations"`
}

type RepaymentAllocation struct {
	ID                   uuid.UUID `json:"id"`
	ReceivedRepaymentID  uuid.UUID `json:"received_repayment_id"`
	ScheduledRepaymentID uuid.UUID `json:"scheduled_repayment_id"`
	Amount               Money     `json:"amount"`
}

type DebitCard struct {
	ID             uuid.UUID  `json:"id"`
	UserID         string     `json:"user_id"`
	Number         string     `json:"number"`
	Type           string     `json:"type"`
	ExpirationDate time.Time  `json:"expiration_date"`
	DisabledAt     *time.Time `json:"disabled_at,omitempty"`
	IsActive       bool       `json:"is_active"` // Derived from DisabledAt, never stored
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type DebitCardTransaction struct {
	ID          uuid.UUID `json:"id"`
	DebitCardID uuid.UUID `json:"debit_card_id"`
	Amount      Money     `json:"amount"`
	CreatedAt   time.Time `json:"created_at"`
}
