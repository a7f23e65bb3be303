package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/crewbase/crewbase/internal/ledger/shared"
)

// Invalidator receives the account ids whose cached turnover became stale.
type Invalidator interface {
	Bump(ctx context.Context, accountIDs ...int64)
}

// Service owns the hierarchical chart of accounts: naming, traversal, and
// the cascading full-name maintenance that keeps materialized paths correct.
type Service struct {
	repo   Repository
	bumper Invalidator
	logger *slog.Logger
}

func NewService(repo Repository, bumper Invalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, bumper: bumper, logger: logger}
}

// MoveInput selects what changes during a rename or reparent. Nil fields
// keep the current value; ToRoot detaches the account from its parent.
type MoveInput struct {
	Name     *string
	ParentID *int64
	ToRoot   bool
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("accounts: name required")
	}
	if strings.Contains(name, shared.NameSeparator) {
		return fmt.Errorf("accounts: name must not contain %q", shared.NameSeparator)
	}
	return nil
}

// Get loads a single account.
func (s *Service) Get(ctx context.Context, id int64) (Account, error) {
	return s.repo.Get(ctx, id)
}

// GetByFullName loads an account by its materialized path.
func (s *Service) GetByFullName(ctx context.Context, fullName string) (Account, error) {
	return s.repo.GetByFullName(ctx, fullName)
}

// Create adds a new leaf account under parentID (root level when nil).
// A sibling with the same name rejects with shared.ErrDuplicateSibling.
func (s *Service) Create(ctx context.Context, name string, parentID *int64) (Account, error) {
	if err := validateName(name); err != nil {
		return Account{}, err
	}
	var created Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		parentFull := ""
		if parentID != nil {
			parent, err := tx.GetForUpdate(ctx, *parentID)
			if err != nil {
				return err
			}
			parentFull = parent.FullName
		}
		if _, err := tx.ChildByName(ctx, parentID, name); err == nil {
			return shared.ErrDuplicateSibling
		} else if !errors.Is(err, shared.ErrAccountNotFound) {
			return err
		}
		var err error
		created, err = tx.Insert(ctx, Account{Name: name, FullName: ChildFullName(parentFull, name), ParentID: parentID})
		return err
	})
	if err != nil {
		return Account{}, err
	}
	return created, nil
}

// Ensure resolves the account at the given path from the root, creating any
// missing nodes on the way. Collaborators use it to pin chart nodes by name.
func (s *Service) Ensure(ctx context.Context, path ...string) (Account, error) {
	if len(path) == 0 {
		return Account{}, errors.New("accounts: path required")
	}
	for _, segment := range path {
		if err := validateName(segment); err != nil {
			return Account{}, err
		}
	}
	var ensured Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		ensured, err = EnsureWithTx(ctx, tx, path...)
		return err
	})
	if err != nil {
		return Account{}, err
	}
	return ensured, nil
}

// EnsureWithTx walks the path inside an open transaction, inserting missing
// nodes, and returns the terminal account. Exposed so period closure can
// pin chart chains inside its own unit of work.
func EnsureWithTx(ctx context.Context, tx TxRepository, path ...string) (Account, error) {
	var parent *Account
	for _, segment := range path {
		var parentID *int64
		parentFull := ""
		if parent != nil {
			parentID = &parent.ID
			parentFull = parent.FullName
		}
		node, err := tx.ChildByName(ctx, parentID, segment)
		if errors.Is(err, shared.ErrAccountNotFound) {
			node, err = tx.Insert(ctx, Account{Name: segment, FullName: ChildFullName(parentFull, segment), ParentID: parentID})
		}
		if err != nil {
			return Account{}, err
		}
		parent = &node
	}
	return *parent, nil
}

// Move renames and/or reparents an account and re-derives the full name of
// every descendant in breadth order within the same transaction. This is the
// only operation that may touch a control account directly.
func (s *Service) Move(ctx context.Context, id int64, in MoveInput) (Account, error) {
	if in.Name == nil && in.ParentID == nil && !in.ToRoot {
		return Account{}, errors.New("accounts: nothing to change")
	}
	if in.Name != nil {
		if err := validateName(*in.Name); err != nil {
			return Account{}, err
		}
	}
	var moved Account
	var bumpIDs []int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		name := account.Name
		if in.Name != nil {
			name = *in.Name
		}
		parentID := account.ParentID
		if in.ToRoot {
			parentID = nil
		} else if in.ParentID != nil {
			parentID = in.ParentID
		}
		parentFull := ""
		if parentID != nil {
			parent, err := tx.Get(ctx, *parentID)
			if err != nil {
				return err
			}
			if parent.ID == account.ID || strings.HasPrefix(parent.FullName, account.FullName+shared.NameSeparator) {
				return errors.New("accounts: cannot move an account under its own subtree")
			}
			parentFull = parent.FullName
		}
		if sibling, err := tx.ChildByName(ctx, parentID, name); err == nil && sibling.ID != account.ID {
			return shared.ErrDuplicateSibling
		} else if err != nil && !errors.Is(err, shared.ErrAccountNotFound) {
			return err
		}

		reparented := !sameParent(account.ParentID, parentID)
		if reparented {
			bumpIDs = append(bumpIDs, account.ID)
			ids, err := ancestorIDsWithTx(ctx, tx, account.ParentID)
			if err != nil {
				return err
			}
			bumpIDs = append(bumpIDs, ids...)
			ids, err = ancestorIDsWithTx(ctx, tx, parentID)
			if err != nil {
				return err
			}
			bumpIDs = append(bumpIDs, ids...)
		}

		account.Name = name
		account.ParentID = parentID
		account.FullName = ChildFullName(parentFull, name)
		if err := tx.UpdateNames(ctx, account.ID, account.Name, account.FullName); err != nil {
			return err
		}
		if reparented {
			if err := tx.UpdateParent(ctx, account.ID, parentID); err != nil {
				return err
			}
		}
		moved = account

		// Breadth-order cascade so each child sees its parent's new path.
		queue := []Account{account}
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]
			children, err := tx.Children(ctx, node.ID)
			if err != nil {
				return err
			}
			for _, child := range children {
				child.FullName = ChildFullName(node.FullName, child.Name)
				if err := tx.UpdateNames(ctx, child.ID, child.Name, child.FullName); err != nil {
					return err
				}
				queue = append(queue, child)
			}
		}
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	if s.bumper != nil && len(bumpIDs) > 0 {
		s.bumper.Bump(ctx, bumpIDs...)
	}
	s.logger.Info("account moved", slog.Int64("account_id", moved.ID), slog.String("full_name", moved.FullName))
	return moved, nil
}

// Ancestors returns the chain from the immediate parent up to and including
// the root, the order cache invalidation propagates in.
func (s *Service) Ancestors(ctx context.Context, id int64) ([]Account, error) {
	account, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var chain []Account
	for account.ParentID != nil {
		account, err = s.repo.Get(ctx, *account.ParentID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, account)
	}
	return chain, nil
}

// Descendants returns the subtree of id in preorder. Each node carries a
// depth counter that advances only when descending into a node that itself
// has children; a leaf inherits its parent's level plus one, which keeps
// report indentation stable when siblings mix leaves and sub-trees.
func (s *Service) Descendants(ctx context.Context, id int64, includeSelf bool) ([]Node, error) {
	subtree, err := s.repo.Subtree(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(subtree) == 0 {
		return nil, shared.ErrAccountNotFound
	}
	byParent := make(map[int64][]Account)
	var root Account
	for _, a := range subtree {
		if a.ID == id {
			root = a
			continue
		}
		if a.ParentID != nil {
			byParent[*a.ParentID] = append(byParent[*a.ParentID], a)
		}
	}
	for _, children := range byParent {
		sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
	}

	var out []Node
	type frame struct {
		account Account
		depth   int
	}
	// Explicit stack instead of recursion; deep charts stay bounded.
	stack := []frame{{account: root, depth: 0}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.account.ID != id || includeSelf {
			out = append(out, Node{Account: top.account, Depth: top.depth})
		}
		children := byParent[top.account.ID]
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, frame{account: children[i], depth: top.depth + 1})
		}
	}
	return out, nil
}

func sameParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func ancestorIDsWithTx(ctx context.Context, tx TxRepository, start *int64) ([]int64, error) {
	var ids []int64
	for start != nil {
		node, err := tx.Get(ctx, *start)
		if err != nil {
			return nil, err
		}
		ids = append(ids, node.ID)
		start = node.ParentID
	}
	return ids, nil
}
