package accounts

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crewbase/crewbase/internal/ledger/shared"
	"github.com/crewbase/crewbase/internal/platform/db"
)

// Repository encapsulates DB operations for the chart of accounts.
type Repository interface {
	Get(ctx context.Context, id int64) (Account, error)
	GetByFullName(ctx context.Context, fullName string) (Account, error)
	List(ctx context.Context) ([]Account, error)
	Subtree(ctx context.Context, id int64) ([]Account, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes chart operations available within a transaction.
type TxRepository interface {
	Get(ctx context.Context, id int64) (Account, error)
	GetForUpdate(ctx context.Context, id int64) (Account, error)
	GetByFullName(ctx context.Context, fullName string) (Account, error)
	ChildByName(ctx context.Context, parentID *int64, name string) (Account, error)
	Children(ctx context.Context, id int64) ([]Account, error)
	HasChildren(ctx context.Context, id int64) (bool, error)
	Insert(ctx context.Context, a Account) (Account, error)
	UpdateNames(ctx context.Context, id int64, name, fullName string) error
	UpdateParent(ctx context.Context, id int64, parentID *int64) error
}

const accountColumns = `id, name, full_name, parent_id, closed, created_at, updated_at`

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

// NewTxRepository wraps an open transaction so other modules can compose
// chart operations into their own units of work.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

func (r *repository) Get(ctx context.Context, id int64) (Account, error) {
	return scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id))
}

func (r *repository) GetByFullName(ctx context.Context, fullName string) (Account, error) {
	return scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE full_name=$1`, fullName))
}

func (r *repository) List(ctx context.Context) ([]Account, error) {
	rows, err := r.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY full_name`)
	if err != nil {
		return nil, err
	}
	return collectAccounts(rows)
}

func (r *repository) Subtree(ctx context.Context, id int64) ([]Account, error) {
	rows, err := r.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts
WHERE id=$1 OR full_name LIKE (SELECT full_name FROM accounts WHERE id=$1) || '`+shared.NameSeparator+`%'
ORDER BY full_name`, id)
	if err != nil {
		return nil, err
	}
	return collectAccounts(rows)
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) Get(ctx context.Context, id int64) (Account, error) {
	return scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id))
}

func (r *txRepository) GetForUpdate(ctx context.Context, id int64) (Account, error) {
	return scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) GetByFullName(ctx context.Context, fullName string) (Account, error) {
	return scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE full_name=$1`, fullName))
}

func (r *txRepository) ChildByName(ctx context.Context, parentID *int64, name string) (Account, error) {
	if parentID == nil {
		return scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE parent_id IS NULL AND name=$1`, name))
	}
	return scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE parent_id=$1 AND name=$2`, *parentID, name))
}

func (r *txRepository) Children(ctx context.Context, id int64) ([]Account, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE parent_id=$1 ORDER BY name`, id)
	if err != nil {
		return nil, err
	}
	return collectAccounts(rows)
}

func (r *txRepository) HasChildren(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE parent_id=$1)`, id).Scan(&exists)
	return exists, err
}

func (r *txRepository) Insert(ctx context.Context, a Account) (Account, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO accounts (name, full_name, parent_id, closed)
VALUES ($1,$2,$3,$4) RETURNING id, created_at, updated_at`, a.Name, a.FullName, a.ParentID, a.Closed)
	if err := row.Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, shared.ErrDuplicateSibling
		}
		return Account{}, err
	}
	return a, nil
}

func (r *txRepository) UpdateNames(ctx context.Context, id int64, name, fullName string) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE accounts SET name=$2, full_name=$3, updated_at=NOW() WHERE id=$1`, id, name, fullName)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrAccountNotFound
	}
	return nil
}

func (r *txRepository) UpdateParent(ctx context.Context, id int64, parentID *int64) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE accounts SET parent_id=$2, updated_at=NOW() WHERE id=$1`, id, parentID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrAccountNotFound
	}
	return nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Name, &a.FullName, &a.ParentID, &a.Closed, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, shared.ErrAccountNotFound
		}
		return Account{}, err
	}
	return a, nil
}

func collectAccounts(rows pgx.Rows) ([]Account, error) {
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Name, &a.FullName, &a.ParentID, &a.Closed, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}
