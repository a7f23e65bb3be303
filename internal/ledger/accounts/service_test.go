package accounts

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crewbase/crewbase/internal/ledger/shared"
)

type memoryChartRepo struct {
	accounts map[int64]Account
	nextID   int64
}

type memoryChartTx struct {
	repo *memoryChartRepo
}

func newMemoryChartRepo() *memoryChartRepo {
	return &memoryChartRepo{accounts: make(map[int64]Account)}
}

func (r *memoryChartRepo) Get(ctx context.Context, id int64) (Account, error) {
	a, ok := r.accounts[id]
	if !ok {
		return Account{}, shared.ErrAccountNotFound
	}
	return a, nil
}

func (r *memoryChartRepo) GetByFullName(ctx context.Context, fullName string) (Account, error) {
	for _, a := range r.accounts {
		if a.FullName == fullName {
			return a, nil
		}
	}
	return Account{}, shared.ErrAccountNotFound
}

func (r *memoryChartRepo) List(ctx context.Context) ([]Account, error) {
	out := make([]Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out, nil
}

func (r *memoryChartRepo) Subtree(ctx context.Context, id int64) ([]Account, error) {
	root, ok := r.accounts[id]
	if !ok {
		return nil, nil
	}
	var out []Account
	for _, a := range r.accounts {
		if a.ID == id || strings.HasPrefix(a.FullName, root.FullName+shared.NameSeparator) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out, nil
}

func (r *memoryChartRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryChartTx{repo: r})
}

func (tx *memoryChartTx) Get(ctx context.Context, id int64) (Account, error) {
	return tx.repo.Get(ctx, id)
}

func (tx *memoryChartTx) GetForUpdate(ctx context.Context, id int64) (Account, error) {
	return tx.repo.Get(ctx, id)
}

func (tx *memoryChartTx) GetByFullName(ctx context.Context, fullName string) (Account, error) {
	return tx.repo.GetByFullName(ctx, fullName)
}

func (tx *memoryChartTx) ChildByName(ctx context.Context, parentID *int64, name string) (Account, error) {
	for _, a := range tx.repo.accounts {
		if sameParent(a.ParentID, parentID) && a.Name == name {
			return a, nil
		}
	}
	return Account{}, shared.ErrAccountNotFound
}

func (tx *memoryChartTx) Children(ctx context.Context, id int64) ([]Account, error) {
	var out []Account
	for _, a := range tx.repo.accounts {
		if a.ParentID != nil && *a.ParentID == id {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (tx *memoryChartTx) HasChildren(ctx context.Context, id int64) (bool, error) {
	for _, a := range tx.repo.accounts {
		if a.ParentID != nil && *a.ParentID == id {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryChartTx) Insert(ctx context.Context, a Account) (Account, error) {
	if _, err := tx.ChildByName(ctx, a.ParentID, a.Name); err == nil {
		return Account{}, shared.ErrDuplicateSibling
	}
	tx.repo.nextID++
	a.ID = tx.repo.nextID
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	tx.repo.accounts[a.ID] = a
	return a, nil
}

func (tx *memoryChartTx) UpdateNames(ctx context.Context, id int64, name, fullName string) error {
	a, ok := tx.repo.accounts[id]
	if !ok {
		return shared.ErrAccountNotFound
	}
	a.Name = name
	a.FullName = fullName
	tx.repo.accounts[id] = a
	return nil
}

func (tx *memoryChartTx) UpdateParent(ctx context.Context, id int64, parentID *int64) error {
	a, ok := tx.repo.accounts[id]
	if !ok {
		return shared.ErrAccountNotFound
	}
	a.ParentID = parentID
	tx.repo.accounts[id] = a
	return nil
}

type recordingBumper struct {
	ids []int64
}

func (b *recordingBumper) Bump(ctx context.Context, accountIDs ...int64) {
	b.ids = append(b.ids, accountIDs...)
}

func TestCreateDerivesFullName(t *testing.T) {
	repo := newMemoryChartRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	root, err := svc.Create(ctx, "20", nil)
	require.NoError(t, err)
	require.Equal(t, "20", root.FullName)

	child, err := svc.Create(ctx, "Acme", &root.ID)
	require.NoError(t, err)
	require.Equal(t, "20.Acme", child.FullName)

	leaf, err := svc.Create(ctx, "Hours", &child.ID)
	require.NoError(t, err)
	require.Equal(t, "20.Acme.Hours", leaf.FullName)
}

func TestCreateRejectsDuplicateSibling(t *testing.T) {
	repo := newMemoryChartRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	root, err := svc.Create(ctx, "20", nil)
	require.NoError(t, err)
	_, err = svc.Create(ctx, "Acme", &root.ID)
	require.NoError(t, err)

	_, err = svc.Create(ctx, "Acme", &root.ID)
	require.ErrorIs(t, err, shared.ErrDuplicateSibling)
}

func TestCreateRejectsSeparatorInName(t *testing.T) {
	repo := newMemoryChartRepo()
	svc := NewService(repo, nil, nil)

	_, err := svc.Create(context.Background(), "20.Acme", nil)
	require.Error(t, err)
	_, err = svc.Create(context.Background(), "  ", nil)
	require.Error(t, err)
}

func TestEnsureCreatesMissingPathOnce(t *testing.T) {
	repo := newMemoryChartRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	first, err := svc.Ensure(ctx, "90", "2", "Acme")
	require.NoError(t, err)
	require.Equal(t, "90.2.Acme", first.FullName)

	again, err := svc.Ensure(ctx, "90", "2", "Acme")
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Len(t, repo.accounts, 3)
}

func TestMoveRenameCascadesFullNames(t *testing.T) {
	repo := newMemoryChartRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	root, err := svc.Create(ctx, "20", nil)
	require.NoError(t, err)
	customer, err := svc.Create(ctx, "Acme", &root.ID)
	require.NoError(t, err)
	leaf, err := svc.Create(ctx, "Hours", &customer.ID)
	require.NoError(t, err)

	newName := "AcmeCorp"
	moved, err := svc.Move(ctx, customer.ID, MoveInput{Name: &newName})
	require.NoError(t, err)
	require.Equal(t, "20.AcmeCorp", moved.FullName)

	reloaded, err := svc.Get(ctx, leaf.ID)
	require.NoError(t, err)
	require.Equal(t, "20.AcmeCorp.Hours", reloaded.FullName)
}

func TestMoveReparentBumpsBothChains(t *testing.T) {
	repo := newMemoryChartRepo()
	bumper := &recordingBumper{}
	svc := NewService(repo, bumper, nil)
	ctx := context.Background()

	oldRoot, err := svc.Create(ctx, "20", nil)
	require.NoError(t, err)
	newRoot, err := svc.Create(ctx, "26", nil)
	require.NoError(t, err)
	account, err := svc.Create(ctx, "Acme", &oldRoot.ID)
	require.NoError(t, err)

	moved, err := svc.Move(ctx, account.ID, MoveInput{ParentID: &newRoot.ID})
	require.NoError(t, err)
	require.Equal(t, "26.Acme", moved.FullName)

	require.Contains(t, bumper.ids, account.ID)
	require.Contains(t, bumper.ids, oldRoot.ID)
	require.Contains(t, bumper.ids, newRoot.ID)
}

func TestMoveRejectsOwnSubtree(t *testing.T) {
	repo := newMemoryChartRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	root, err := svc.Create(ctx, "20", nil)
	require.NoError(t, err)
	child, err := svc.Create(ctx, "Acme", &root.ID)
	require.NoError(t, err)

	_, err = svc.Move(ctx, root.ID, MoveInput{ParentID: &child.ID})
	require.Error(t, err)
}

func TestMoveToRootDetaches(t *testing.T) {
	repo := newMemoryChartRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	root, err := svc.Create(ctx, "20", nil)
	require.NoError(t, err)
	child, err := svc.Create(ctx, "Standalone", &root.ID)
	require.NoError(t, err)

	moved, err := svc.Move(ctx, child.ID, MoveInput{ToRoot: true})
	require.NoError(t, err)
	require.Nil(t, moved.ParentID)
	require.Equal(t, "Standalone", moved.FullName)
}

func TestAncestorsFromParentToRoot(t *testing.T) {
	repo := newMemoryChartRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	root, err := svc.Create(ctx, "20", nil)
	require.NoError(t, err)
	mid, err := svc.Create(ctx, "Acme", &root.ID)
	require.NoError(t, err)
	leaf, err := svc.Create(ctx, "Hours", &mid.ID)
	require.NoError(t, err)

	chain, err := svc.Ancestors(ctx, leaf.ID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.Equal(t, mid.ID, chain[0].ID)
	require.Equal(t, root.ID, chain[1].ID)
}

func TestDescendantsPreorderWithDepth(t *testing.T) {
	repo := newMemoryChartRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	root, err := svc.Create(ctx, "20", nil)
	require.NoError(t, err)
	a, err := svc.Create(ctx, "Alpha", &root.ID)
	require.NoError(t, err)
	_, err = svc.Create(ctx, "Hours", &a.ID)
	require.NoError(t, err)
	_, err = svc.Create(ctx, "Beta", &root.ID)
	require.NoError(t, err)

	nodes, err := svc.Descendants(ctx, root.ID, true)
	require.NoError(t, err)

	var names []string
	var depths []int
	for _, n := range nodes {
		names = append(names, n.FullName)
		depths = append(depths, n.Depth)
	}
	require.Equal(t, []string{"20", "20.Alpha", "20.Alpha.Hours", "20.Beta"}, names)
	require.Equal(t, []int{0, 1, 2, 1}, depths)

	withoutSelf, err := svc.Descendants(ctx, root.ID, false)
	require.NoError(t, err)
	require.Len(t, withoutSelf, 3)
}
