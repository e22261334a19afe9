// Package procurement governs the purchase order lifecycle and its effect on
// the budget commitment ledger. Approval reserves budget (committed), close
// releases whatever was not invoiced, reopen restores it, cancel releases
// everything, and modify sends the order back to draft for a new revision.
package procurement

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/greenlight-erp/greenlight/internal/ledger"
	"github.com/greenlight-erp/greenlight/internal/money"
)

// Status enumerates purchase order lifecycle states.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

// LineItem is one budget line of a purchase order. BaseAmount is computed
// once from quantity and unit price when the line is authored and is the
// authoritative figure afterwards; it is never re-derived opportunistically.
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

// ModificationEntry records one modify-revision of an approved order.
type ModificationEntry struct {
	PreviousVersion int
	Reason          string
	UserID          string
	Date            time.Time
}

// PurchaseOrder is the order document with embedded items and denormalized
// totals. InvoicedAmount accumulates the base amount of paid invoices linked
// to this order; RemainingAmount = BaseAmount - InvoicedAmount is the still
// open (committed) portion.
type PurchaseOrder struct {
	ID              string
	Number          string
	ProjectID       string
	SupplierID      string
	Version         int
	Status          Status
	Items           []LineItem
	BaseAmount      decimal.Decimal
	VATAmount       decimal.Decimal
	IRPFAmount      decimal.Decimal
	TotalAmount     decimal.Decimal
	InvoicedAmount  decimal.Decimal
	RemainingAmount decimal.Decimal
	CancelReason    string
	ApprovedBy      string
	ApprovedAt      time.Time
	History         []ModificationEntry
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// POListItem is the flattened row returned by list queries.
type POListItem struct {
	ID          string
	Number      string
	ProjectID   string
	SupplierID  string
	Version     int
	Status      Status
	TotalAmount decimal.Decimal
	CreatedAt   time.Time
}

// ListFilters narrows list queries.
type ListFilters struct {
	Status     string
	SupplierID string
	Search     string
	SortBy     string
	SortDir    string
}

var (
	// ErrInvalidState occurs when an action violates the status workflow.
	ErrInvalidState = errors.New("procurement: invalid state transition")
	// ErrNotFound indicates the purchase order is missing.
	ErrNotFound = errors.New("procurement: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("procurement: invalid input")
	// ErrReasonRequired indicates a cancellation or modification without reason.
	ErrReasonRequired = errors.New("procurement: reason required")
	// ErrDuplicateNumber indicates the order number is already taken.
	ErrDuplicateNumber = errors.New("procurement: duplicate order number")
)

// DeriveAmounts fills the computed fields of a line from quantity, unit
// price and rates: base = qty x price, vat/irpf from their rates,
// total = base + vat - irpf.
func (li *LineItem) DeriveAmounts() {
	li.BaseAmount = money.Round(li.Quantity.Mul(li.UnitPrice))
	li.VATAmount = money.Percent(li.BaseAmount, li.VATRate)
	li.IRPFAmount = money.Percent(li.BaseAmount, li.IRPFRate)
	li.TotalAmount = li.BaseAmount.Add(li.VATAmount).Sub(li.IRPFAmount)
}

// RecomputeTotals refreshes the denormalized header sums from the items.
func (po *PurchaseOrder) RecomputeTotals() {
	po.BaseAmount = decimal.Zero
	po.VATAmount = decimal.Zero
	po.IRPFAmount = decimal.Zero
	po.TotalAmount = decimal.Zero
	for _, item := range po.Items {
		po.BaseAmount = po.BaseAmount.Add(item.BaseAmount)
		po.VATAmount = po.VATAmount.Add(item.VATAmount)
		po.IRPFAmount = po.IRPFAmount.Add(item.IRPFAmount)
		po.TotalAmount = po.TotalAmount.Add(item.TotalAmount)
	}
}

// Remaining returns the not-yet-invoiced base portion, floored at zero.
func (po *PurchaseOrder) Remaining() decimal.Decimal {
	remaining := po.BaseAmount.Sub(po.InvoicedAmount)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// AllocationLines projects the items into the allocation engine's view.
func (po *PurchaseOrder) AllocationLines() []ledger.AllocationLine {
	lines := make([]ledger.AllocationLine, 0, len(po.Items))
	for _, item := range po.Items {
		lines = append(lines, ledger.AllocationLine{SubAccountID: item.SubAccountID, BaseAmount: item.BaseAmount})
	}
	return lines
}
