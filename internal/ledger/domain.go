// Package ledger keeps per-sub-account budget balances consistent while
// purchase orders and invoices move through their lifecycles. A sub-account
// is the finest-grained budget bucket and carries three balances: budgeted
// (planned), committed (reserved by approved but not yet invoiced purchase
// orders) and actual (realised by paid invoices).
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// SubAccount holds the balances for one budget bucket. It is identified by
// (AccountID, SubAccountID) within a project and is mutated only through the
// Store adjustment operations.
type SubAccount struct {
	ProjectID    string
	AccountID    string
	SubAccountID string
	Name         string
	Budgeted     decimal.Decimal
	Committed    decimal.Decimal
	Actual       decimal.Decimal
	UpdatedAt    time.Time
}

var (
	// ErrSubAccountNotFound indicates the referenced sub-account does not
	// exist in the project's account structure.
	ErrSubAccountNotFound = errors.New("ledger: sub-account not found")
	// ErrNegativeAmount indicates an adjustment was called with a negative
	// magnitude. Directions are expressed by the operation, not the sign.
	ErrNegativeAmount = errors.New("ledger: amount must not be negative")
)

// ClampNonNegative is the balance floor policy applied uniformly by every
// decrease operation: the resulting balance is max(0, current-amount).
// It absorbs drift from historical data but also silently masks mismatched
// commit/release pairs, so it is named here rather than buried in call sites.
func ClampNonNegative(current, amount decimal.Decimal) decimal.Decimal {
	next := current.Sub(amount)
	if next.IsNegative() {
		return decimal.Zero
	}
	return next
}
