package shared

import "errors"

var (
	// ErrControlAccount indicates a posting against a non-leaf account.
	ErrControlAccount = errors.New("ledger: account has children and cannot be posted to")
	// ErrPeriodLocked indicates a write into an already-closed period.
	ErrPeriodLocked = errors.New("ledger: period is closed for posting")
	// ErrOperationClosed indicates an edit of an operation frozen by period closure.
	ErrOperationClosed = errors.New("ledger: operation is closed")
	// ErrContiguity indicates a close range that does not follow the previous one.
	ErrContiguity = errors.New("ledger: close range must start the day after the last closed period")
	// ErrAlreadyClosed indicates a close range overlapping a closed period.
	ErrAlreadyClosed = errors.New("ledger: range already closed")
	// ErrUnreconciledPeriod indicates unsigned timesheets inside the close range.
	ErrUnreconciledPeriod = errors.New("ledger: range contains unreconciled timesheets")
	// ErrLockUnavailable indicates a concurrent period closure holds the root lock.
	ErrLockUnavailable = errors.New("ledger: close already in progress")
	// ErrAccountNotFound indicates a missing chart-of-accounts node.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrOperationNotFound indicates a missing posting.
	ErrOperationNotFound = errors.New("ledger: operation not found")
	// ErrDocumentNotFound indicates a missing period close document.
	ErrDocumentNotFound = errors.New("ledger: close document not found")
	// ErrDuplicateSibling indicates a name collision under the same parent.
	ErrDuplicateSibling = errors.New("ledger: sibling account with this name already exists")
	// ErrSourceConflict indicates the source reference is already linked.
	ErrSourceConflict = errors.New("ledger: source already linked to an operation")
)
