package operations

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/crewbase/crewbase/internal/ledger/accounts"
	"github.com/crewbase/crewbase/internal/ledger/shared"
)

type memoryLedger struct {
	accounts   map[int64]accounts.Account
	operations map[int64]Operation
	intervals  map[int64]IntervalPayment
	sources    map[string]int64
	closedThru *time.Time
	nextID     int64
}

type memoryLedgerTx struct {
	repo *memoryLedger
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{
		accounts:   make(map[int64]accounts.Account),
		operations: make(map[int64]Operation),
		intervals:  make(map[int64]IntervalPayment),
		sources:    make(map[string]int64),
	}
}

func (r *memoryLedger) addAccount(fullName string, parentID *int64) accounts.Account {
	r.nextID++
	name := fullName
	if parentID != nil {
		name = fullName[len(r.accounts[*parentID].FullName)+1:]
	}
	a := accounts.Account{ID: r.nextID, Name: name, FullName: fullName, ParentID: parentID}
	r.accounts[a.ID] = a
	return a
}

func (r *memoryLedger) Get(ctx context.Context, id int64) (Operation, error) {
	op, ok := r.operations[id]
	if !ok {
		return Operation{}, shared.ErrOperationNotFound
	}
	return op, nil
}

func (r *memoryLedger) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryLedgerTx{repo: r})
}

func (tx *memoryLedgerTx) GetAccount(ctx context.Context, id int64) (accounts.Account, error) {
	a, ok := tx.repo.accounts[id]
	if !ok {
		return accounts.Account{}, shared.ErrAccountNotFound
	}
	return a, nil
}

func (tx *memoryLedgerTx) HasChildren(ctx context.Context, id int64) (bool, error) {
	for _, a := range tx.repo.accounts {
		if a.ParentID != nil && *a.ParentID == id {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryLedgerTx) AncestorIDs(ctx context.Context, id int64) ([]int64, error) {
	var ids []int64
	current := tx.repo.accounts[id]
	for current.ParentID != nil {
		ids = append(ids, *current.ParentID)
		current = tx.repo.accounts[*current.ParentID]
	}
	return ids, nil
}

func (tx *memoryLedgerTx) InClosedPeriod(ctx context.Context, at time.Time) (bool, error) {
	if tx.repo.closedThru == nil {
		return false, nil
	}
	return !shared.Day(at).After(*tx.repo.closedThru), nil
}

func (tx *memoryLedgerTx) GetOperationForUpdate(ctx context.Context, id int64) (Operation, error) {
	return tx.repo.Get(ctx, id)
}

func (tx *memoryLedgerTx) InsertOperation(ctx context.Context, op Operation) (Operation, error) {
	tx.repo.nextID++
	op.ID = tx.repo.nextID
	op.CreatedAt = time.Now()
	op.UpdatedAt = op.CreatedAt
	tx.repo.operations[op.ID] = op
	return op, nil
}

func (tx *memoryLedgerTx) UpdateOperation(ctx context.Context, op Operation) error {
	if _, ok := tx.repo.operations[op.ID]; !ok {
		return shared.ErrOperationNotFound
	}
	tx.repo.operations[op.ID] = op
	return nil
}

func (tx *memoryLedgerTx) DeleteOperation(ctx context.Context, id int64) error {
	if _, ok := tx.repo.operations[id]; !ok {
		return shared.ErrOperationNotFound
	}
	delete(tx.repo.operations, id)
	return nil
}

func (tx *memoryLedgerTx) GetIntervalPayment(ctx context.Context, operationID int64) (*IntervalPayment, error) {
	ip, ok := tx.repo.intervals[operationID]
	if !ok {
		return nil, nil
	}
	return &ip, nil
}

func (tx *memoryLedgerTx) UpsertIntervalPayment(ctx context.Context, operationID int64, firstDay, lastDay time.Time) error {
	tx.repo.intervals[operationID] = IntervalPayment{OperationID: operationID, FirstDay: shared.Day(firstDay), LastDay: shared.Day(lastDay)}
	return nil
}

func (tx *memoryLedgerTx) DeleteIntervalPayment(ctx context.Context, operationID int64) error {
	delete(tx.repo.intervals, operationID)
	return nil
}

func (tx *memoryLedgerTx) LinkSource(ctx context.Context, module string, ref uuid.UUID, operationID int64) error {
	key := module + ":" + ref.String()
	if _, ok := tx.repo.sources[key]; ok {
		return shared.ErrSourceConflict
	}
	tx.repo.sources[key] = operationID
	return nil
}

type bumpRecorder struct {
	ids []int64
}

func (b *bumpRecorder) Bump(ctx context.Context, accountIDs ...int64) {
	b.ids = append(b.ids, accountIDs...)
}

func fixture(t *testing.T) (*memoryLedger, *Service, *bumpRecorder, accounts.Account, accounts.Account) {
	t.Helper()
	repo := newMemoryLedger()
	bumper := &bumpRecorder{}
	svc := NewService(repo, bumper, nil)

	costRoot := repo.addAccount("20", nil)
	customer := repo.addAccount("20.Acme", &costRoot.ID)
	costLeaf := repo.addAccount("20.Acme.Hours", &customer.ID)
	bankRoot := repo.addAccount("51", nil)
	bankLeaf := repo.addAccount("51.Main", &bankRoot.ID)
	return repo, svc, bumper, costLeaf, bankLeaf
}

func testInput(debit, credit accounts.Account, amount string) PostingInput {
	return PostingInput{
		DebitID:   debit.ID,
		CreditID:  credit.ID,
		Amount:    decimal.RequireFromString(amount),
		Timepoint: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		Author:    "tester",
	}
}

func TestPostStoresNormalizedOperation(t *testing.T) {
	repo, svc, _, cost, bank := fixture(t)

	op, err := svc.Post(context.Background(), testInput(cost, bank, "150.005"))
	require.NoError(t, err)
	require.Equal(t, cost.ID, op.DebitID)
	require.Equal(t, bank.ID, op.CreditID)
	require.Equal(t, "150.01", op.Amount.StringFixed(2))
	require.Len(t, repo.operations, 1)
}

func TestPostNegativeAmountSwapsLegs(t *testing.T) {
	_, svc, _, cost, bank := fixture(t)

	op, err := svc.Post(context.Background(), testInput(cost, bank, "-75"))
	require.NoError(t, err)
	require.Equal(t, bank.ID, op.DebitID)
	require.Equal(t, cost.ID, op.CreditID)
	require.Equal(t, "75.00", op.Amount.StringFixed(2))
}

func TestPostRejectsControlAccount(t *testing.T) {
	repo, svc, _, _, bank := fixture(t)
	customer, _ := repo.GetByFull("20.Acme")

	_, err := svc.Post(context.Background(), testInput(customer, bank, "10"))
	require.ErrorIs(t, err, shared.ErrControlAccount)
}

func TestPostRejectsSameAccountBothLegs(t *testing.T) {
	_, svc, _, cost, _ := fixture(t)

	_, err := svc.Post(context.Background(), testInput(cost, cost, "10"))
	require.Error(t, err)
}

func TestPostIntoClosedPeriod(t *testing.T) {
	repo, svc, _, cost, bank := fixture(t)
	boundary := shared.Day(time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC))
	repo.closedThru = &boundary

	_, err := svc.Post(context.Background(), testInput(cost, bank, "10"))
	require.ErrorIs(t, err, shared.ErrPeriodLocked)

	// After the boundary the period lock releases.
	in := testInput(cost, bank, "10")
	in.Timepoint = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	_, err = svc.Post(context.Background(), in)
	require.NoError(t, err)
}

func TestPostNonClosableRootsIgnorePeriodLock(t *testing.T) {
	repo, svc, _, _, bank := fixture(t)
	boundary := shared.Day(time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC))
	repo.closedThru = &boundary

	miscRoot := repo.addAccount("76", nil)
	misc := repo.addAccount("76.Misc", &miscRoot.ID)

	_, err := svc.Post(context.Background(), testInput(misc, bank, "10"))
	require.NoError(t, err)
}

func TestPostClosedFlagBypassesPeriodLock(t *testing.T) {
	repo, svc, _, cost, bank := fixture(t)
	boundary := shared.Day(time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC))
	repo.closedThru = &boundary

	in := testInput(cost, bank, "10")
	in.Closed = true
	op, err := svc.Post(context.Background(), in)
	require.NoError(t, err)
	require.True(t, op.Closed)
}

func TestPostBumpsLegsAndAncestors(t *testing.T) {
	repo, svc, bumper, cost, bank := fixture(t)

	_, err := svc.Post(context.Background(), testInput(cost, bank, "10"))
	require.NoError(t, err)

	costRoot, _ := repo.GetByFull("20")
	customer, _ := repo.GetByFull("20.Acme")
	bankRoot, _ := repo.GetByFull("51")
	require.ElementsMatch(t, []int64{cost.ID, customer.ID, costRoot.ID, bank.ID, bankRoot.ID}, bumper.ids)
}

func TestPostIntervalPayment(t *testing.T) {
	repo, svc, _, cost, bank := fixture(t)

	first := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(2026, 5, 31, 0, 0, 0, 0, time.UTC)
	in := testInput(cost, bank, "900")
	in.PayFirstDay = &first
	in.PayLastDay = &last

	op, err := svc.Post(context.Background(), in)
	require.NoError(t, err)
	require.Contains(t, repo.intervals, op.ID)

	// Half-specified range rejects.
	bad := testInput(cost, bank, "900")
	bad.PayFirstDay = &first
	_, err = svc.Post(context.Background(), bad)
	require.Error(t, err)

	// Inverted range rejects.
	bad = testInput(cost, bank, "900")
	bad.PayFirstDay = &last
	bad.PayLastDay = &first
	_, err = svc.Post(context.Background(), bad)
	require.Error(t, err)
}

func TestPostSourceLinkIdempotency(t *testing.T) {
	_, svc, _, cost, bank := fixture(t)

	ref := uuid.New()
	in := testInput(cost, bank, "10")
	in.SourceModule = "payroll"
	in.SourceRef = ref
	_, err := svc.Post(context.Background(), in)
	require.NoError(t, err)

	_, err = svc.Post(context.Background(), in)
	require.ErrorIs(t, err, shared.ErrSourceConflict)
}

func TestUpdateRevalidatesAndBumpsBothLegSets(t *testing.T) {
	repo, svc, bumper, cost, bank := fixture(t)

	op, err := svc.Post(context.Background(), testInput(cost, bank, "10"))
	require.NoError(t, err)
	bumper.ids = nil

	miscRoot := repo.addAccount("76", nil)
	misc := repo.addAccount("76.Misc", &miscRoot.ID)
	amount := decimal.RequireFromString("-25")
	updated, err := svc.Update(context.Background(), op.ID, UpdateInput{CreditID: &misc.ID, Amount: &amount})
	require.NoError(t, err)
	// Negative amount swapped the legs again.
	require.Equal(t, misc.ID, updated.DebitID)
	require.Equal(t, cost.ID, updated.CreditID)
	require.Equal(t, "25.00", updated.Amount.StringFixed(2))

	require.Contains(t, bumper.ids, bank.ID)
	require.Contains(t, bumper.ids, misc.ID)
}

func TestUpdateRejectsClosedOperation(t *testing.T) {
	_, svc, _, cost, bank := fixture(t)

	in := testInput(cost, bank, "10")
	in.Closed = true
	op, err := svc.Post(context.Background(), in)
	require.NoError(t, err)

	comment := "late edit"
	_, err = svc.Update(context.Background(), op.ID, UpdateInput{Comment: &comment})
	require.ErrorIs(t, err, shared.ErrOperationClosed)

	err = svc.Delete(context.Background(), op.ID)
	require.ErrorIs(t, err, shared.ErrOperationClosed)
}

func TestDeleteRemovesIntervalPayment(t *testing.T) {
	repo, svc, _, cost, bank := fixture(t)

	first := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	in := testInput(cost, bank, "310")
	in.PayFirstDay = &first
	in.PayLastDay = &last
	op, err := svc.Post(context.Background(), in)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), op.ID))
	require.Empty(t, repo.operations)
	require.Empty(t, repo.intervals)
}

// GetByFull is a test helper lookup by full name.
func (r *memoryLedger) GetByFull(fullName string) (accounts.Account, bool) {
	for _, a := range r.accounts {
		if a.FullName == fullName {
			return a, true
		}
	}
	return accounts.Account{}, false
}
