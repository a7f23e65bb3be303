package interval

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crewbase/crewbase/internal/ledger/shared"
)

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

// LegsSQL fetches both legs of every operation that can contribute to a
// ranged aggregate for the account's subtree. Shared with the period
// closure repository, which needs the identical query inside its own
// transaction.
const LegsSQL = `WITH target AS (
  SELECT id, full_name FROM accounts WHERE id=$1
), subtree AS (
  SELECT a.id FROM accounts a, target t
  WHERE a.id = t.id OR (a.full_name LIKE t.full_name || '` + shared.NameSeparator + `%' AND NOT a.closed)
)
SELECT o.id, sides.side, o.amount, o.timepoint, ip.first_day, ip.last_day
FROM operations o
JOIN LATERAL (
  SELECT 'debit'::text AS side, o.debit_id AS account_id
  UNION ALL
  SELECT 'credit'::text, o.credit_id
) sides ON sides.account_id IN (SELECT id FROM subtree)
LEFT JOIN interval_payments ip ON ip.operation_id = o.id
WHERE o.id <> ALL($4)
  AND (
    (ip.operation_id IS NULL AND o.timepoint::date BETWEEN $2 AND $3)
    OR (ip.operation_id IS NOT NULL AND ip.first_day <= $3 AND ip.last_day >= $2)
  )
ORDER BY o.id`

func (r *repository) Legs(ctx context.Context, accountID int64, firstDay, lastDay time.Time, exclude []int64) ([]Leg, error) {
	if exclude == nil {
		exclude = []int64{}
	}
	rows, err := r.db.Query(ctx, LegsSQL, accountID, shared.Day(firstDay), shared.Day(lastDay), exclude)
	if err != nil {
		return nil, err
	}
	return CollectLegs(rows)
}

// CollectLegs scans LegsSQL rows.
func CollectLegs(rows pgx.Rows) ([]Leg, error) {
	defer rows.Close()
	var legs []Leg
	for rows.Next() {
		var leg Leg
		var side string
		if err := rows.Scan(&leg.OperationID, &side, &leg.Amount, &leg.Timepoint, &leg.PayFirstDay, &leg.PayLastDay); err != nil {
			return nil, err
		}
		leg.Side = shared.Side(side)
		legs = append(legs, leg)
	}
	return legs, rows.Err()
}
