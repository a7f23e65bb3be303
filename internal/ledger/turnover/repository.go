package turnover

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/crewbase/crewbase/internal/ledger/shared"
)

// Repository recomputes turnover from the posting table on a cache miss.
type Repository interface {
	SumSide(ctx context.Context, accountID int64, side shared.Side) (decimal.Decimal, error)
}

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

// SumSide totals the side's amounts over the account and every non-closed
// descendant.
func (r *repository) SumSide(ctx context.Context, accountID int64, side shared.Side) (decimal.Decimal, error) {
	column := "debit_id"
	if side == shared.SideCredit {
		column = "credit_id"
	}
	var sum decimal.Decimal
	err := r.db.QueryRow(ctx, `SELECT COALESCE(SUM(o.amount), 0)
FROM operations o
JOIN accounts a ON a.id = o.`+column+`
WHERE a.id = $1
   OR (a.full_name LIKE (SELECT full_name FROM accounts WHERE id=$1) || '`+shared.NameSeparator+`%' AND NOT a.closed)`,
		accountID).Scan(&sum)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return sum, nil
}
