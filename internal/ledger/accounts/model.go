package accounts

import (
	"time"

	"github.com/crewbase/crewbase/internal/ledger/shared"
)

// Account models a chart of accounts node. FullName is the materialized path
// from the root to this node joined by shared.NameSeparator and is kept
// consistent on every rename or reparent.
type Account struct {
	ID        int64
	Name      string
	FullName  string
	ParentID  *int64
	Closed    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsRoot reports whether the account has no parent.
func (a Account) IsRoot() bool {
	return a.ParentID == nil
}

// ChildFullName derives the full name of a child named name under parent.
// An empty parent full name yields a root-level name.
func ChildFullName(parentFullName, name string) string {
	if parentFullName == "" {
		return name
	}
	return parentFullName + shared.NameSeparator + name
}

// Node is an account annotated with its indentation depth inside a
// Descendants traversal.
type Node struct {
	Account
	Depth int
}
