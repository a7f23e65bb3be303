package shared

import (
	"strings"
	"time"
)

// Side selects the debit or credit leg of a posting.
type Side string

const (
	SideDebit  Side = "debit"
	SideCredit Side = "credit"
)

// NameSeparator joins account names into full names ("90.2.Acme").
const NameSeparator = "."

// ClosableRoots lists root account codes that reject postings into closed
// periods. Accounts under any other root stay postable regardless of closure.
var ClosableRoots = []string{"20", "26", "90", "99"}

// ProfitLossRoot is the single global profit/loss root every period closure
// settles into.
const ProfitLossRoot = "99"

// RootName returns the first segment of a full account name.
func RootName(fullName string) string {
	if i := strings.Index(fullName, NameSeparator); i >= 0 {
		return fullName[:i]
	}
	return fullName
}

// RootClosable reports whether the account's root participates in the
// posting-time period lock. The root name is matched by prefix so "20" also
// covers a root named "20 Production".
func RootClosable(fullName string) bool {
	root := RootName(fullName)
	for _, code := range ClosableRoots {
		if strings.HasPrefix(root, code) {
			return true
		}
	}
	return false
}

// Day truncates a timestamp to midnight UTC.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// EndOfDay returns the last instant of the supplied day; closing operations
// are dated here so they sort after every ordinary posting of the period.
func EndOfDay(t time.Time) time.Time {
	return Day(t).Add(24*time.Hour - time.Nanosecond)
}

// DaysBetween counts inclusive days from first to last. Zero when the range
// is inverted.
func DaysBetween(first, last time.Time) int {
	first, last = Day(first), Day(last)
	if last.Before(first) {
		return 0
	}
	return int(last.Sub(first).Hours()/24) + 1
}

// OverlapDays returns the inclusive length of the intersection of [aFirst,
// aLast] and [bFirst, bLast].
func OverlapDays(aFirst, aLast, bFirst, bLast time.Time) int {
	first := aFirst
	if bFirst.After(first) {
		first = bFirst
	}
	last := aLast
	if bLast.Before(last) {
		last = bLast
	}
	return DaysBetween(first, last)
}
