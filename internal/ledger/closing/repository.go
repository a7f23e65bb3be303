package closing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/crewbase/crewbase/internal/ledger/accounts"
	"github.com/crewbase/crewbase/internal/ledger/interval"
	"github.com/crewbase/crewbase/internal/ledger/operations"
	"github.com/crewbase/crewbase/internal/ledger/shared"
	"github.com/crewbase/crewbase/internal/platform/db"
)

// pgLockNotAvailable is raised by FOR UPDATE NOWAIT under contention.
const pgLockNotAvailable = "55P03"

// Repository encapsulates DB operations for period closure.
type Repository interface {
	ListDocuments(ctx context.Context) ([]PeriodCloseDocument, error)
	GetDocument(ctx context.Context, id int64) (PeriodCloseDocument, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes everything one closure transaction needs: the
// posting pipeline (embedded), the document and sheet tables, the closing
// rosters, and transaction-local balance reads that see staged rows.
type TxRepository interface {
	operations.TxRepository

	LockGlobalRoot(ctx context.Context) (accounts.Account, error)
	LatestDocument(ctx context.Context) (*PeriodCloseDocument, error)
	OverlapExists(ctx context.Context, firstDay, lastDay time.Time) (bool, error)
	HasUnreconciled(ctx context.Context, firstDay, lastDay time.Time) (bool, error)

	InsertDocument(ctx context.Context, firstDay, lastDay time.Time, author string) (PeriodCloseDocument, error)
	MarkDocumentCreated(ctx context.Context, id int64) error
	GetDocumentForUpdate(ctx context.Context, id int64) (PeriodCloseDocument, error)
	DeleteDocument(ctx context.Context, id int64) error

	InsertSheetRow(ctx context.Context, documentID, operationID int64) error
	SheetOperationIDs(ctx context.Context, documentID int64) ([]int64, error)
	DeleteSheetRows(ctx context.Context, documentID int64) error
	DeleteOperations(ctx context.Context, ids []int64) error
	AccountIDsForOperations(ctx context.Context, ids []int64) ([]int64, error)
	BulkCloseOperations(ctx context.Context, until time.Time) (int64, error)
	BulkReopenOperations(ctx context.Context, firstDay, lastDay time.Time) (int64, error)

	CustomerLedgers(ctx context.Context) ([]CustomerLedger, error)
	AdminLedgers(ctx context.Context) ([]AdminLedger, error)
	EntityLedgers(ctx context.Context) ([]EntityLedger, error)
	BankLedgers(ctx context.Context) ([]BankLedger, error)

	Legs(ctx context.Context, accountID int64, firstDay, lastDay time.Time) ([]interval.Leg, error)
	SaldoInTx(ctx context.Context, accountID int64) (decimal.Decimal, error)
}

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const documentColumns = `id, first_day, last_day, author, created, created_at`

func (r *repository) ListDocuments(ctx context.Context) ([]PeriodCloseDocument, error) {
	rows, err := r.db.Query(ctx, `SELECT `+documentColumns+` FROM period_close_documents ORDER BY first_day`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []PeriodCloseDocument
	for rows.Next() {
		var d PeriodCloseDocument
		if err := rows.Scan(&d.ID, &d.FirstDay, &d.LastDay, &d.Author, &d.Created, &d.CreatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (r *repository) GetDocument(ctx context.Context, id int64) (PeriodCloseDocument, error) {
	return scanDocument(r.db.QueryRow(ctx, `SELECT `+documentColumns+` FROM period_close_documents WHERE id=$1`, id))
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{TxRepository: operations.NewTxRepository(tx), tx: tx})
	})
}

type txRepository struct {
	operations.TxRepository
	tx pgx.Tx
}

// LockGlobalRoot takes the exclusive row lock serializing closures. NOWAIT
// fails fast instead of queueing so concurrent close attempts never
// deadlock.
func (r *txRepository) LockGlobalRoot(ctx context.Context) (accounts.Account, error) {
	row := r.tx.QueryRow(ctx, `SELECT id, name, full_name, parent_id, closed, created_at, updated_at
FROM accounts WHERE full_name=$1 FOR UPDATE NOWAIT`, shared.ProfitLossRoot)
	var a accounts.Account
	err := row.Scan(&a.ID, &a.Name, &a.FullName, &a.ParentID, &a.Closed, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
			return accounts.Account{}, shared.ErrLockUnavailable
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return accounts.Account{}, shared.ErrAccountNotFound
		}
		return accounts.Account{}, err
	}
	return a, nil
}

func (r *txRepository) LatestDocument(ctx context.Context) (*PeriodCloseDocument, error) {
	doc, err := scanDocument(r.tx.QueryRow(ctx, `SELECT `+documentColumns+` FROM period_close_documents ORDER BY last_day DESC LIMIT 1`))
	if err != nil {
		if errors.Is(err, shared.ErrDocumentNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &doc, nil
}

func (r *txRepository) OverlapExists(ctx context.Context, firstDay, lastDay time.Time) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (
  SELECT 1 FROM period_close_documents WHERE first_day <= $2 AND last_day >= $1
)`, shared.Day(firstDay), shared.Day(lastDay)).Scan(&exists)
	return exists, err
}

// HasUnreconciled is the reconciliation gate: every timesheet in range must
// be covered by a closed reconciliation for the same customer and either
// the same location or a location-independent one.
func (r *txRepository) HasUnreconciled(ctx context.Context, firstDay, lastDay time.Time) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (
  SELECT 1 FROM timesheets t
  WHERE t.work_date BETWEEN $1 AND $2
    AND NOT EXISTS (
      SELECT 1 FROM reconciliations r
      WHERE r.closed
        AND r.customer_id = t.customer_id
        AND (r.location_id IS NULL OR r.location_id = t.location_id)
        AND t.work_date BETWEEN r.first_day AND r.last_day
    )
)`, shared.Day(firstDay), shared.Day(lastDay)).Scan(&exists)
	return exists, err
}

func (r *txRepository) InsertDocument(ctx context.Context, firstDay, lastDay time.Time, author string) (PeriodCloseDocument, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO period_close_documents (first_day, last_day, author, created)
VALUES ($1,$2,$3,false) RETURNING `+documentColumns, shared.Day(firstDay), shared.Day(lastDay), author)
	return scanDocument(row)
}

func (r *txRepository) MarkDocumentCreated(ctx context.Context, id int64) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE period_close_documents SET created=true WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrDocumentNotFound
	}
	return nil
}

func (r *txRepository) GetDocumentForUpdate(ctx context.Context, id int64) (PeriodCloseDocument, error) {
	return scanDocument(r.tx.QueryRow(ctx, `SELECT `+documentColumns+` FROM period_close_documents WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) DeleteDocument(ctx context.Context, id int64) error {
	cmd, err := r.tx.Exec(ctx, `DELETE FROM period_close_documents WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrDocumentNotFound
	}
	return nil
}

func (r *txRepository) InsertSheetRow(ctx context.Context, documentID, operationID int64) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO sheet_period_closes (document_id, operation_id) VALUES ($1,$2)`, documentID, operationID)
	return err
}

func (r *txRepository) SheetOperationIDs(ctx context.Context, documentID int64) ([]int64, error) {
	rows, err := r.tx.Query(ctx, `SELECT operation_id FROM sheet_period_closes WHERE document_id=$1 ORDER BY operation_id`, documentID)
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

func (r *txRepository) DeleteSheetRows(ctx context.Context, documentID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM sheet_period_closes WHERE document_id=$1`, documentID)
	return err
}

func (r *txRepository) DeleteOperations(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.tx.Exec(ctx, `DELETE FROM interval_payments WHERE operation_id = ANY($1)`, ids); err != nil {
		return err
	}
	_, err := r.tx.Exec(ctx, `DELETE FROM operations WHERE id = ANY($1)`, ids)
	return err
}

func (r *txRepository) AccountIDsForOperations(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.tx.Query(ctx, `SELECT DISTINCT account_id FROM (
  SELECT debit_id AS account_id FROM operations WHERE id = ANY($1)
  UNION
  SELECT credit_id FROM operations WHERE id = ANY($1)
) legs`, ids)
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

func (r *txRepository) BulkCloseOperations(ctx context.Context, until time.Time) (int64, error) {
	cmd, err := r.tx.Exec(ctx, `UPDATE operations SET closed=true, updated_at=NOW() WHERE NOT closed AND timepoint <= $1`, until)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func (r *txRepository) BulkReopenOperations(ctx context.Context, firstDay, lastDay time.Time) (int64, error) {
	cmd, err := r.tx.Exec(ctx, `UPDATE operations SET closed=false, updated_at=NOW()
WHERE closed AND timepoint >= $1 AND timepoint <= $2`, shared.Day(firstDay), shared.EndOfDay(lastDay))
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

// Legs duplicates the interval repository query; closure needs it inside
// this transaction so staged rows are visible.
func (r *txRepository) Legs(ctx context.Context, accountID int64, firstDay, lastDay time.Time) ([]interval.Leg, error) {
	rows, err := r.tx.Query(ctx, interval.LegsSQL, accountID, shared.Day(firstDay), shared.Day(lastDay), []int64{})
	if err != nil {
		return nil, err
	}
	return interval.CollectLegs(rows)
}

// SaldoInTx reads an account's saldo through the transaction, bypassing the
// turnover cache, so closing entries staged earlier in the run are counted.
func (r *txRepository) SaldoInTx(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	var debit, credit decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT
  COALESCE((SELECT SUM(amount) FROM operations WHERE debit_id=$1), 0),
  COALESCE((SELECT SUM(amount) FROM operations WHERE credit_id=$1), 0)`, accountID).Scan(&debit, &credit)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return debit.Sub(credit), nil
}

func (r *txRepository) CustomerLedgers(ctx context.Context) ([]CustomerLedger, error) {
	names, err := r.masterNames(ctx, `SELECT name FROM customers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	atx := accounts.NewTxRepository(r.tx)
	var ledgers []CustomerLedger
	for _, name := range names {
		costLeaves, err := r.leavesUnder(ctx, "20"+shared.NameSeparator+name)
		if err != nil {
			return nil, err
		}
		inventoryLeaves, err := r.leavesUnder(ctx, "10"+shared.NameSeparator+name)
		if err != nil {
			return nil, err
		}
		revenueLeaves, err := r.leavesUnder(ctx, "90"+shared.NameSeparator+"1"+shared.NameSeparator+name)
		if err != nil {
			return nil, err
		}
		vat, err := r.leafByFullName(ctx, "90"+shared.NameSeparator+"3"+shared.NameSeparator+name)
		if err != nil {
			return nil, err
		}
		// A customer joins the roster when any of its chart nodes exist; a
		// revenue-only customer still closes its 90.1/90.3 chain.
		if len(costLeaves) == 0 && len(inventoryLeaves) == 0 && len(revenueLeaves) == 0 && vat == nil {
			continue
		}
		cos, err := accounts.EnsureWithTx(ctx, atx, "90", "2", name)
		if err != nil {
			return nil, err
		}
		pl, err := accounts.EnsureWithTx(ctx, atx, "90", "9", name)
		if err != nil {
			return nil, err
		}
		ledgers = append(ledgers, CustomerLedger{
			Customer:        name,
			CostLeaves:      costLeaves,
			InventoryLeaves: inventoryLeaves,
			RevenueLeaves:   revenueLeaves,
			VAT:             vat,
			CostOfSales:     cos,
			ProfitLoss:      pl,
		})
	}
	return ledgers, nil
}

func (r *txRepository) AdminLedgers(ctx context.Context) ([]AdminLedger, error) {
	names, err := r.masterNames(ctx, `SELECT name FROM admin_cost_types ORDER BY name`)
	if err != nil {
		return nil, err
	}
	atx := accounts.NewTxRepository(r.tx)
	var ledgers []AdminLedger
	for _, name := range names {
		expenseLeaves, err := r.leavesUnder(ctx, "26"+shared.NameSeparator+name)
		if err != nil {
			return nil, err
		}
		if len(expenseLeaves) == 0 {
			continue
		}
		cos, err := accounts.EnsureWithTx(ctx, atx, "90", "2", name)
		if err != nil {
			return nil, err
		}
		pl, err := accounts.EnsureWithTx(ctx, atx, "90", "9", name)
		if err != nil {
			return nil, err
		}
		ledgers = append(ledgers, AdminLedger{Name: name, ExpenseLeaves: expenseLeaves, CostOfSales: cos, ProfitLoss: pl})
	}
	return ledgers, nil
}

func (r *txRepository) EntityLedgers(ctx context.Context) ([]EntityLedger, error) {
	names, err := r.masterNames(ctx, `SELECT name FROM legal_entities ORDER BY name`)
	if err != nil {
		return nil, err
	}
	atx := accounts.NewTxRepository(r.tx)
	var ledgers []EntityLedger
	for _, name := range names {
		expenseLeaves, err := r.leavesUnder(ctx, "25"+shared.NameSeparator+name)
		if err != nil {
			return nil, err
		}
		if len(expenseLeaves) == 0 {
			continue
		}
		cos, err := accounts.EnsureWithTx(ctx, atx, "90", "2", name)
		if err != nil {
			return nil, err
		}
		pl, err := accounts.EnsureWithTx(ctx, atx, "90", "9", name)
		if err != nil {
			return nil, err
		}
		ledgers = append(ledgers, EntityLedger{Name: name, ExpenseLeaves: expenseLeaves, CostOfSales: cos, ProfitLoss: pl})
	}
	return ledgers, nil
}

func (r *txRepository) BankLedgers(ctx context.Context) ([]BankLedger, error) {
	rows, err := r.tx.Query(ctx, `SELECT b.name, a.id, a.name, a.full_name, a.parent_id, a.closed, a.created_at, a.updated_at
FROM banks b JOIN accounts a ON a.id = b.cos_account_id ORDER BY b.name`)
	if err != nil {
		return nil, err
	}
	type bankRow struct {
		name string
		acct accounts.Account
	}
	var banks []bankRow
	for rows.Next() {
		var b bankRow
		if err := rows.Scan(&b.name, &b.acct.ID, &b.acct.Name, &b.acct.FullName, &b.acct.ParentID, &b.acct.Closed, &b.acct.CreatedAt, &b.acct.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		banks = append(banks, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var ledgers []BankLedger
	for _, b := range banks {
		leaves, err := r.leavesUnder(ctx, b.acct.FullName)
		if err != nil {
			return nil, err
		}
		ledgers = append(ledgers, BankLedger{Name: b.name, CostOfSalesTop: b.acct, Leaves: leaves})
	}
	return ledgers, nil
}

func (r *txRepository) masterNames(ctx context.Context, query string) ([]string, error) {
	rows, err := r.tx.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// leavesUnder lists the non-closed leaf accounts at or below the full name.
func (r *txRepository) leavesUnder(ctx context.Context, fullName string) ([]accounts.Account, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, name, full_name, parent_id, closed, created_at, updated_at
FROM accounts a
WHERE (a.full_name = $1 OR a.full_name LIKE $1 || '`+shared.NameSeparator+`%')
  AND NOT a.closed
  AND NOT EXISTS (SELECT 1 FROM accounts c WHERE c.parent_id = a.id)
ORDER BY a.full_name`, fullName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []accounts.Account
	for rows.Next() {
		var a accounts.Account
		if err := rows.Scan(&a.ID, &a.Name, &a.FullName, &a.ParentID, &a.Closed, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *txRepository) leafByFullName(ctx context.Context, fullName string) (*accounts.Account, error) {
	leaves, err := r.leavesUnder(ctx, fullName)
	if err != nil {
		return nil, err
	}
	for i := range leaves {
		if leaves[i].FullName == fullName {
			return &leaves[i], nil
		}
	}
	return nil, nil
}

func scanDocument(row pgx.Row) (PeriodCloseDocument, error) {
	var d PeriodCloseDocument
	err := row.Scan(&d.ID, &d.FirstDay, &d.LastDay, &d.Author, &d.Created, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PeriodCloseDocument{}, shared.ErrDocumentNotFound
		}
		return PeriodCloseDocument{}, err
	}
	return d, nil
}

func collectIDs(rows pgx.Rows) ([]int64, error) {
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
