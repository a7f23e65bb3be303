package interval

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crewbase/crewbase/internal/ledger/shared"
)

// Leg is one side of a posting as seen from the queried account's subtree.
// PayFirstDay/PayLastDay are set when the operation carries an interval
// payment.
type Leg struct {
	OperationID int64
	Side        shared.Side
	Amount      decimal.Decimal
	Timepoint   time.Time
	PayFirstDay *time.Time
	PayLastDay  *time.Time
}

// Totals aggregates one account's activity over a date range.
type Totals struct {
	Debit  decimal.Decimal
	Credit decimal.Decimal
}

// Saldo is debit minus credit, rounded to two decimals.
func (t Totals) Saldo() decimal.Decimal {
	return t.Debit.Sub(t.Credit).Round(2)
}

// Repository fetches the legs that can contribute to a ranged aggregate:
// plain postings dated inside the range plus interval payments whose pay
// range intersects it.
type Repository interface {
	Legs(ctx context.Context, accountID int64, firstDay, lastDay time.Time, exclude []int64) ([]Leg, error)
}

// Allocator computes day-prorated saldo over arbitrary date ranges. This
// path bypasses the turnover cache entirely: it is range-parameterized and
// called rarely relative to point balance checks, so it recomputes from the
// posting table every time.
type Allocator struct {
	repo Repository
}

func NewAllocator(repo Repository) *Allocator {
	return &Allocator{repo: repo}
}

// Totals sums direct and prorated contributions per side over [firstDay,
// lastDay]. Operations listed in exclude are skipped.
func (a *Allocator) Totals(ctx context.Context, accountID int64, firstDay, lastDay time.Time, exclude ...int64) (Totals, error) {
	legs, err := a.repo.Legs(ctx, accountID, firstDay, lastDay, exclude)
	if err != nil {
		return Totals{}, err
	}
	return Prorate(legs, firstDay, lastDay), nil
}

// Saldo returns the day-prorated saldo over the range.
func (a *Allocator) Saldo(ctx context.Context, accountID int64, firstDay, lastDay time.Time, exclude ...int64) (decimal.Decimal, error) {
	totals, err := a.Totals(ctx, accountID, firstDay, lastDay, exclude...)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return totals.Saldo(), nil
}

// Turnover returns one side's ranged total, rounded to two decimals.
func (a *Allocator) Turnover(ctx context.Context, accountID int64, side shared.Side, firstDay, lastDay time.Time, exclude ...int64) (decimal.Decimal, error) {
	totals, err := a.Totals(ctx, accountID, firstDay, lastDay, exclude...)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if side == shared.SideCredit {
		return totals.Credit.Round(2), nil
	}
	return totals.Debit.Round(2), nil
}

// Prorate folds legs into ranged totals. A leg without an interval payment
// counts fully when its business date falls inside the range; a leg with
// one contributes amount * overlapDays / totalDays, and drops out entirely
// at zero overlap.
func Prorate(legs []Leg, firstDay, lastDay time.Time) Totals {
	firstDay, lastDay = shared.Day(firstDay), shared.Day(lastDay)
	var totals Totals
	for _, leg := range legs {
		amount, ok := prorateLeg(leg, firstDay, lastDay)
		if !ok {
			continue
		}
		if leg.Side == shared.SideCredit {
			totals.Credit = totals.Credit.Add(amount)
		} else {
			totals.Debit = totals.Debit.Add(amount)
		}
	}
	return totals
}

func prorateLeg(leg Leg, firstDay, lastDay time.Time) (decimal.Decimal, bool) {
	if leg.PayFirstDay == nil || leg.PayLastDay == nil {
		day := shared.Day(leg.Timepoint)
		if day.Before(firstDay) || day.After(lastDay) {
			return decimal.Decimal{}, false
		}
		return leg.Amount, true
	}
	total := shared.DaysBetween(*leg.PayFirstDay, *leg.PayLastDay)
	overlap := shared.OverlapDays(*leg.PayFirstDay, *leg.PayLastDay, firstDay, lastDay)
	if total <= 0 || overlap <= 0 {
		return decimal.Decimal{}, false
	}
	return leg.Amount.Mul(decimal.NewFromInt(int64(overlap))).Div(decimal.NewFromInt(int64(total))), true
}
