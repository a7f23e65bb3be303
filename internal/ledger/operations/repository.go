package operations

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crewbase/crewbase/internal/ledger/accounts"
	"github.com/crewbase/crewbase/internal/ledger/shared"
	"github.com/crewbase/crewbase/internal/platform/db"
)

// Repository encapsulates DB operations for postings.
type Repository interface {
	Get(ctx context.Context, id int64) (Operation, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes posting operations available within a transaction,
// plus the chart and period lookups posting validation needs in the same
// transaction context.
type TxRepository interface {
	GetAccount(ctx context.Context, id int64) (accounts.Account, error)
	HasChildren(ctx context.Context, id int64) (bool, error)
	AncestorIDs(ctx context.Context, id int64) ([]int64, error)
	InClosedPeriod(ctx context.Context, at time.Time) (bool, error)

	GetOperationForUpdate(ctx context.Context, id int64) (Operation, error)
	InsertOperation(ctx context.Context, op Operation) (Operation, error)
	UpdateOperation(ctx context.Context, op Operation) error
	DeleteOperation(ctx context.Context, id int64) error

	GetIntervalPayment(ctx context.Context, operationID int64) (*IntervalPayment, error)
	UpsertIntervalPayment(ctx context.Context, operationID int64, firstDay, lastDay time.Time) error
	DeleteIntervalPayment(ctx context.Context, operationID int64) error

	LinkSource(ctx context.Context, module string, ref uuid.UUID, operationID int64) error
}

const operationColumns = `id, debit_id, credit_id, amount, timepoint, author, comment, closed, created_at, updated_at`

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

// NewTxRepository wraps an open transaction; the period closure engine uses
// it to route closing postings through the same validation path.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

func (r *repository) Get(ctx context.Context, id int64) (Operation, error) {
	return scanOperation(r.db.QueryRow(ctx, `SELECT `+operationColumns+` FROM operations WHERE id=$1`, id))
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

// GetAccount duplicates the accounts repo lookup; posting validation needs
// it inside this transaction context.
func (r *txRepository) GetAccount(ctx context.Context, id int64) (accounts.Account, error) {
	return accounts.NewTxRepository(r.tx).Get(ctx, id)
}

func (r *txRepository) HasChildren(ctx context.Context, id int64) (bool, error) {
	return accounts.NewTxRepository(r.tx).HasChildren(ctx, id)
}

func (r *txRepository) AncestorIDs(ctx context.Context, id int64) ([]int64, error) {
	rows, err := r.tx.Query(ctx, `WITH RECURSIVE chain AS (
  SELECT parent_id FROM accounts WHERE id=$1
  UNION ALL
  SELECT a.parent_id FROM accounts a JOIN chain c ON a.id = c.parent_id
)
SELECT parent_id FROM chain WHERE parent_id IS NOT NULL`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *txRepository) InClosedPeriod(ctx context.Context, at time.Time) (bool, error) {
	var inside bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (
  SELECT 1 FROM period_close_documents WHERE created AND $1::date BETWEEN first_day AND last_day
)`, shared.Day(at)).Scan(&inside)
	return inside, err
}

func (r *txRepository) GetOperationForUpdate(ctx context.Context, id int64) (Operation, error) {
	return scanOperation(r.tx.QueryRow(ctx, `SELECT `+operationColumns+` FROM operations WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) InsertOperation(ctx context.Context, op Operation) (Operation, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO operations (debit_id, credit_id, amount, timepoint, author, comment, closed)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id, created_at, updated_at`,
		op.DebitID, op.CreditID, op.Amount, op.Timepoint, op.Author, op.Comment, op.Closed)
	if err := row.Scan(&op.ID, &op.CreatedAt, &op.UpdatedAt); err != nil {
		return Operation{}, err
	}
	return op, nil
}

func (r *txRepository) UpdateOperation(ctx context.Context, op Operation) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE operations
SET debit_id=$2, credit_id=$3, amount=$4, timepoint=$5, comment=$6, updated_at=NOW() WHERE id=$1`,
		op.ID, op.DebitID, op.CreditID, op.Amount, op.Timepoint, op.Comment)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrOperationNotFound
	}
	return nil
}

func (r *txRepository) DeleteOperation(ctx context.Context, id int64) error {
	cmd, err := r.tx.Exec(ctx, `DELETE FROM operations WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrOperationNotFound
	}
	return nil
}

func (r *txRepository) GetIntervalPayment(ctx context.Context, operationID int64) (*IntervalPayment, error) {
	var ip IntervalPayment
	err := r.tx.QueryRow(ctx, `SELECT operation_id, first_day, last_day FROM interval_payments WHERE operation_id=$1`, operationID).
		Scan(&ip.OperationID, &ip.FirstDay, &ip.LastDay)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &ip, nil
}

func (r *txRepository) UpsertIntervalPayment(ctx context.Context, operationID int64, firstDay, lastDay time.Time) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO interval_payments (operation_id, first_day, last_day)
VALUES ($1,$2,$3) ON CONFLICT (operation_id) DO UPDATE SET first_day=EXCLUDED.first_day, last_day=EXCLUDED.last_day`,
		operationID, shared.Day(firstDay), shared.Day(lastDay))
	return err
}

func (r *txRepository) DeleteIntervalPayment(ctx context.Context, operationID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM interval_payments WHERE operation_id=$1`, operationID)
	return err
}

func (r *txRepository) LinkSource(ctx context.Context, module string, ref uuid.UUID, operationID int64) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO source_links (source_module, source_ref, operation_id) VALUES ($1,$2,$3)`, module, ref, operationID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return shared.ErrSourceConflict
		}
		return err
	}
	return nil
}

func scanOperation(row pgx.Row) (Operation, error) {
	var op Operation
	err := row.Scan(&op.ID, &op.DebitID, &op.CreditID, &op.Amount, &op.Timepoint, &op.Author, &op.Comment, &op.Closed, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Operation{}, shared.ErrOperationNotFound
		}
		return Operation{}, err
	}
	return op, nil
}
