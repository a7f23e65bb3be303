package operations

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Operation is a double-entry posting. Amount is always non-negative; a
// negative input swaps the debit and credit legs during normalization.
// Closed operations belong to a closed period and never change again.
type Operation struct {
	ID        int64
	DebitID   int64
	CreditID  int64
	Amount    decimal.Decimal
	Timepoint time.Time
	Author    string
	Comment   string
	Closed    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IntervalPayment stretches an operation's amount over an inclusive date
// range for day-proportional allocation.
type IntervalPayment struct {
	OperationID int64
	FirstDay    time.Time
	LastDay     time.Time
}

// PostingInput carries everything a collaborator supplies when posting.
// SourceModule/SourceRef give payroll and statement imports idempotency;
// Closed is reserved for the period closure engine's synthetic postings.
type PostingInput struct {
	DebitID   int64     `validate:"required"`
	CreditID  int64     `validate:"required"`
	Amount    decimal.Decimal
	Timepoint time.Time `validate:"required"`
	Author    string    `validate:"required"`
	Comment   string
	Closed    bool

	SourceModule string
	SourceRef    uuid.UUID

	PayFirstDay *time.Time
	PayLastDay  *time.Time
}

// UpdateInput mutates an open operation. Nil fields keep current values.
type UpdateInput struct {
	DebitID   *int64
	CreditID  *int64
	Amount    *decimal.Decimal
	Timepoint *time.Time
	Comment   *string
}
