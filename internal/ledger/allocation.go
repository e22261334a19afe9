package ledger

import "github.com/shopspring/decimal"

// AllocationLine is the minimal view of a line item the allocation engine
// needs: where the money goes and how large the item's original slice is.
type AllocationLine struct {
	SubAccountID string
	BaseAmount   decimal.Decimal
}

// Share is one line's portion of an allocated delta.
type Share struct {
	SubAccountID string
	Amount       decimal.Decimal
}

// Allocate distributes a parent-level base-amount delta across line items in
// proportion to each item's share of the parent's base amount:
//
//	share_i = delta * (line_i.BaseAmount / parentBase)
//
// The parent base is the sum of the line base amounts as they stand now;
// items retain their original allocation weight regardless of how much has
// already been invoiced. When the parent base is zero every share is zero.
//
// Per-item rounding is not corrected across lines: the shares may sum to
// something within money.Epsilon of delta rather than exactly delta. That
// residue is accepted for this domain and asserted, not patched, in tests.
func Allocate(delta decimal.Decimal, lines []AllocationLine) []Share {
	shares := make([]Share, 0, len(lines))

	parentBase := decimal.Zero
	for _, line := range lines {
		parentBase = parentBase.Add(line.BaseAmount)
	}

	for _, line := range lines {
		share := Share{SubAccountID: line.SubAccountID}
		if !parentBase.IsZero() {
			share.Amount = delta.Mul(line.BaseAmount).Div(parentBase)
		}
		shares = append(shares, share)
	}
	return shares
}
