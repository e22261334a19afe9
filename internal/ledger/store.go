package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store exposes the ledger adjustment operations. Every mutation is a single
// atomic update keyed by (projectID, subAccountID); callers never read a
// balance and write back a value computed client-side, so two concurrent
// transitions touching the same sub-account cannot overwrite each other.
//
// Decreases clamp at zero per ClampNonNegative. No cross-sub-account
// invariant is checked at write time; consistency is advisory and enforced
// only by callers applying matched commit/release pairs.
type Store interface {
	Get(ctx context.Context, projectID, subAccountID string) (SubAccount, error)
	ListByProject(ctx context.Context, projectID string) ([]SubAccount, error)
	IncreaseCommitted(ctx context.Context, projectID, subAccountID string, amount decimal.Decimal) error
	DecreaseCommitted(ctx context.Context, projectID, subAccountID string, amount decimal.Decimal) error
	IncreaseActual(ctx context.Context, projectID, subAccountID string, amount decimal.Decimal) error
	DecreaseActual(ctx context.Context, projectID, subAccountID string, amount decimal.Decimal) error
}
