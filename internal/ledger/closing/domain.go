package closing

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/crewbase/crewbase/internal/ledger/accounts"
)

var validate = validator.New()

// PeriodCloseDocument records one closed accounting sub-period. Documents
// form a strictly contiguous, non-overlapping sequence: a new document's
// FirstDay equals the latest document's LastDay plus one day. Created flips
// to true only after every closing posting of the run has been written.
type PeriodCloseDocument struct {
	ID        int64
	FirstDay  time.Time
	LastDay   time.Time
	Author    string
	Created   bool
	CreatedAt time.Time
}

// SheetPeriodClose links a document to one synthetic closing operation it
// produced, enabling exact reversal.
type SheetPeriodClose struct {
	DocumentID  int64
	OperationID int64
}

// CloseInput bundles the parameters of one closure run.
type CloseInput struct {
	FirstDay time.Time `validate:"required"`
	LastDay  time.Time `validate:"required"`
	Author   string    `validate:"required"`
}

// Validate ensures the close input is coherent.
func (in CloseInput) Validate() error {
	if err := validate.Struct(in); err != nil {
		return err
	}
	if in.LastDay.Before(in.FirstDay) {
		return errors.New("closing: first day cannot be after last day")
	}
	return nil
}

// CustomerLedger is the closing roster of one customer sub-ledger: the
// operational leaves to measure and the 90.x chain accounts to zero.
type CustomerLedger struct {
	Customer        string
	CostLeaves      []accounts.Account // under 20.<customer>, measured ranged
	InventoryLeaves []accounts.Account // under 10.<customer>, measured ranged
	RevenueLeaves   []accounts.Account // under 90.1.<customer>, zeroed by credit turnover
	VAT             *accounts.Account  // 90.3.<customer>, zeroed by debit turnover
	CostOfSales     accounts.Account   // 90.2.<customer>
	ProfitLoss      accounts.Account   // 90.9.<customer>
}

// AdminLedger is the closing roster of one administrative cost type.
type AdminLedger struct {
	Name          string
	ExpenseLeaves []accounts.Account // under 26.<name>, measured by debit turnover
	CostOfSales   accounts.Account
	ProfitLoss    accounts.Account
}

// EntityLedger is the closing roster of one legal entity.
type EntityLedger struct {
	Name          string
	ExpenseLeaves []accounts.Account // under 25.<name>, measured by debit turnover
	CostOfSales   accounts.Account
	ProfitLoss    accounts.Account
}

// BankLedger is the closing roster of one bank: the leaves under its
// cost-of-sales account, zeroed directly into the global root.
type BankLedger struct {
	Name           string
	CostOfSalesTop accounts.Account
	Leaves         []accounts.Account
}
