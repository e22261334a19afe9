// Package invoicing governs the invoice lifecycle and the actualization of
// committed budget: paying an invoice turns committed amounts into actual
// spend on each item's sub-account, and cancelling a paid invoice reverses
// it. Overdue is a derived state, discovered lazily when invoices are read.
package invoicing

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/greenlight-erp/greenlight/internal/ledger"
	"github.com/greenlight-erp/greenlight/internal/money"
)

// Status enumerates invoice lifecycle states.
type Status string

const (
	StatusPendingApproval Status = "pending_approval"
	StatusPending         Status = "pending"
	StatusPaid            Status = "paid"
	StatusOverdue         Status = "overdue"
	StatusCancelled       Status = "cancelled"
	StatusRejected        Status = "rejected"
)

// LineItem is one budget line of an invoice. As with purchase orders,
// BaseAmount is computed once when the line is authored and is the
// authoritative figure for all ledger movements afterwards.
type LineItem struct {
	ID           string
	Description  string
	SubAccountID string
	Quantity     decimal.Decimal
	UnitPrice    decimal.Decimal
	BaseAmount   decimal.Decimal
	VATRate      decimal.Decimal
	IRPFRate     decimal.Decimal
	VATAmount    decimal.Decimal
	IRPFAmount   decimal.Decimal
	TotalAmount  decimal.Decimal
}

// Invoice is the invoice document. POID links it to a purchase order; when
// set, paying the invoice also realizes that order's commitment and updates
// its invoiced bookkeeping.
type Invoice struct {
	ID           string
	Number       string
	ProjectID    string
	SupplierID   string
	POID         string
	Status       Status
	Items        []LineItem
	BaseAmount   decimal.Decimal
	VATAmount    decimal.Decimal
	IRPFAmount   decimal.Decimal
	TotalAmount  decimal.Decimal
	IssueDate    time.Time
	DueDate      time.Time
	PaidAt       time.Time
	CancelReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// InvoiceListItem is the flattened row returned by list queries.
type InvoiceListItem struct {
	ID          string
	Number      string
	ProjectID   string
	SupplierID  string
	POID        string
	Status      Status
	TotalAmount decimal.Decimal
	DueDate     time.Time
	CreatedAt   time.Time
}

// ListFilters narrows list queries.
type ListFilters struct {
	Status     string
	SupplierID string
	POID       string
	Search     string
	SortBy     string
	SortDir    string
}

var (
	// ErrInvalidState occurs when an action violates the status workflow.
	ErrInvalidState = errors.New("invoicing: invalid state transition")
	// ErrNotFound indicates the invoice is missing.
	ErrNotFound = errors.New("invoicing: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("invoicing: invalid input")
	// ErrReasonRequired indicates a cancellation without reason.
	ErrReasonRequired = errors.New("invoicing: reason required")
	// ErrDuplicateNumber indicates the invoice number is already taken.
	ErrDuplicateNumber = errors.New("invoicing: duplicate invoice number")
)

// DeriveStatus returns the status an invoice should present at the given
// instant. A pending invoice past its due date reads as overdue; every other
// status passes through unchanged. Pure function, no side effects; the write
// back of the derived value is the read path's job.
func DeriveStatus(inv Invoice, now time.Time) Status {
	if inv.Status == StatusPending && !inv.DueDate.IsZero() && inv.DueDate.Before(now) {
		return StatusOverdue
	}
	return inv.Status
}

// Payable reports whether the invoice can be marked paid: pending or already
// flipped to overdue. Overdue invoices stay payable, they are simply late.
func (inv *Invoice) Payable(now time.Time) bool {
	derived := DeriveStatus(*inv, now)
	return derived == StatusPending || derived == StatusOverdue
}

// Deletable reports whether the invoice can be removed outright. Only states
// with no ledger footprint qualify.
func (inv *Invoice) Deletable() bool {
	return inv.Status == StatusPendingApproval || inv.Status == StatusRejected
}

// DeriveAmounts fills the computed fields of a line from quantity, unit
// price and rates.
func (li *LineItem) DeriveAmounts() {
	li.BaseAmount = money.Round(li.Quantity.Mul(li.UnitPrice))
	li.VATAmount = money.Percent(li.BaseAmount, li.VATRate)
	li.IRPFAmount = money.Percent(li.BaseAmount, li.IRPFRate)
	li.TotalAmount = li.BaseAmount.Add(li.VATAmount).Sub(li.IRPFAmount)
}

// RecomputeTotals refreshes the denormalized header sums from the items.
func (inv *Invoice) RecomputeTotals() {
	inv.BaseAmount = decimal.Zero
	inv.VATAmount = decimal.Zero
	inv.IRPFAmount = decimal.Zero
	inv.TotalAmount = decimal.Zero
	for _, item := range inv.Items {
		inv.BaseAmount = inv.BaseAmount.Add(item.BaseAmount)
		inv.VATAmount = inv.VATAmount.Add(item.VATAmount)
		inv.IRPFAmount = inv.IRPFAmount.Add(item.IRPFAmount)
		inv.TotalAmount = inv.TotalAmount.Add(item.TotalAmount)
	}
}

// actualizeAdjustments maps the items to the ledger movements of a payment:
// each item's base amount becomes actual spend, and when the invoice is
// linked to an order the same amount leaves committed. Items are taken at
// their own base amount, not reallocated proportionally.
func (inv *Invoice) actualizeAdjustments() []ledger.Adjustment {
	linked := inv.POID != ""
	adjs := make([]ledger.Adjustment, 0, len(inv.Items))
	for _, item := range inv.Items {
		if !item.BaseAmount.IsPositive() {
			continue
		}
		adj := ledger.Adjustment{SubAccountID: item.SubAccountID, Actual: item.BaseAmount}
		if linked {
			adj.Committed = item.BaseAmount.Neg()
		}
		adjs = append(adjs, adj)
	}
	return adjs
}

// reverseAdjustments maps the items to the ledger movements of cancelling a
// paid invoice. Committed is restored only when the linked order is still
// open (restoreCommitted); a closed or cancelled order keeps it released.
func (inv *Invoice) reverseAdjustments(restoreCommitted bool) []ledger.Adjustment {
	adjs := make([]ledger.Adjustment, 0, len(inv.Items))
	for _, item := range inv.Items {
		if !item.BaseAmount.IsPositive() {
			continue
		}
		adj := ledger.Adjustment{SubAccountID: item.SubAccountID, Actual: item.BaseAmount.Neg()}
		if restoreCommitted {
			adj.Committed = item.BaseAmount
		}
		adjs = append(adjs, adj)
	}
	return adjs
}
