package invoicing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/greenlight-erp/greenlight/internal/ledger"
	"github.com/greenlight-erp/greenlight/internal/procurement"
	"github.com/greenlight-erp/greenlight/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, id string) (Invoice, error)
	ListInvoices(ctx context.Context, projectID string, limit, offset int, filters ListFilters) ([]InvoiceListItem, int, error)
}

// TxRepository exposes the single-document write operations.
type TxRepository interface {
	CreateInvoice(ctx context.Context, inv Invoice) error
	ReplaceItems(ctx context.Context, invoiceID string, items []LineItem) error
	UpdateStatus(ctx context.Context, id string, status Status) error
	SetPaid(ctx context.Context, id string, paidAt time.Time) error
	ClearPaid(ctx context.Context, id string) error
	SetCancellation(ctx context.Context, id, reason string) error
	SetTotals(ctx context.Context, inv Invoice) error
	DeleteInvoice(ctx context.Context, id string) error
}

// PurchaseOrderPort is the procurement surface the invoicing side needs:
// read the linked order's state and keep its invoiced bookkeeping current.
// Implemented by procurement.Service.
type PurchaseOrderPort interface {
	Get(ctx context.Context, poID string) (procurement.PurchaseOrder, error)
	RecordInvoiced(ctx context.Context, poID string, base decimal.Decimal) error
	RevertInvoiced(ctx context.Context, poID string, base decimal.Decimal) error
}

// ReauthPort is the password challenge gate required before reversing a paid
// invoice.
type ReauthPort interface {
	Reauthenticate(ctx context.Context, userID, password string) error
}

// AuditPort records ledger-affecting transitions.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Credential carries the caller identity and the re-authentication password.
type Credential struct {
	UserID   string
	Password string
}

// Service orchestrates the invoice state machine. Like the order side, the
// per-item sub-account pass runs first under the reconciliation runner and
// the invoice document is written only after the pass completes; the two are
// not one transaction.
type Service struct {
	repo    RepositoryPort
	orders  PurchaseOrderPort
	runner  *ledger.Runner
	reauth  ReauthPort
	audit   AuditPort
	clock   shared.Clock
	logger  *slog.Logger
	overdue singleflight.Group
}

// NewService constructs the Service.
func NewService(repo RepositoryPort, orders PurchaseOrderPort, runner *ledger.Runner, reauth ReauthPort, audit AuditPort, clock shared.Clock, logger *slog.Logger) *Service {
	return &Service{repo: repo, orders: orders, runner: runner, reauth: reauth, audit: audit, clock: clock, logger: logger}
}

// CreateInvoiceInput describes the creation payload.
type CreateInvoiceInput struct {
	Number     string
	ProjectID  string
	SupplierID string
	POID       string
	IssueDate  time.Time
	DueDate    time.Time
	Items      []LineItemInput
}

// LineItemInput describes one invoice line.
type LineItemInput struct {
	Description  string
	SubAccountID string
	Quantity     decimal.Decimal
	UnitPrice    decimal.Decimal
	VATRate      decimal.Decimal
	IRPFRate     decimal.Decimal
}

// Create persists a new invoice awaiting approval. When the invoice links a
// purchase order, the order must exist; its state is only checked at payment
// time, an invoice may be registered against an order in any state.
func (s *Service) Create(ctx context.Context, input CreateInvoiceInput, actorID string) (Invoice, error) {
	items, err := buildItems(input.Items)
	if err != nil {
		return Invoice{}, err
	}
	if input.ProjectID == "" {
		return Invoice{}, fmt.Errorf("%w: project required", ErrValidation)
	}
	if input.POID != "" {
		if _, err := s.orders.Get(ctx, input.POID); err != nil {
			return Invoice{}, fmt.Errorf("%w: unknown purchase order", ErrValidation)
		}
	}
	if input.Number == "" {
		input.Number = generateNumber("INV")
	}

	now := s.clock.Now()
	issueDate := input.IssueDate
	if issueDate.IsZero() {
		issueDate = now
	}
	dueDate := input.DueDate
	if dueDate.IsZero() {
		dueDate = issueDate.AddDate(0, 0, 30)
	}

	inv := Invoice{
		ID:         uuid.NewString(),
		Number:     input.Number,
		ProjectID:  input.ProjectID,
		SupplierID: input.SupplierID,
		POID:       input.POID,
		Status:     StatusPendingApproval,
		Items:      items,
		IssueDate:  issueDate,
		DueDate:    dueDate,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	inv.RecomputeTotals()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.CreateInvoice(ctx, inv)
	})
	if err != nil {
		return Invoice{}, err
	}
	s.recordAudit(ctx, actorID, "INVOICE_CREATE", inv.ID, map[string]any{"number": inv.Number, "total": inv.TotalAmount})
	return inv, nil
}

// UpdatePending replaces the items of an invoice still awaiting approval.
func (s *Service) UpdatePending(ctx context.Context, invoiceID string, inputs []LineItemInput, actorID string) (Invoice, error) {
	inv, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	if inv.Status != StatusPendingApproval {
		return Invoice{}, ErrInvalidState
	}
	items, err := buildItems(inputs)
	if err != nil {
		return Invoice{}, err
	}
	inv.Items = items
	inv.RecomputeTotals()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.ReplaceItems(ctx, inv.ID, inv.Items); err != nil {
			return err
		}
		return tx.SetTotals(ctx, inv)
	})
	if err != nil {
		return Invoice{}, err
	}
	s.recordAudit(ctx, actorID, "INVOICE_UPDATE", inv.ID, map[string]any{"total": inv.TotalAmount})
	return inv, nil
}

// Get returns one invoice. A pending invoice past its due date is flipped to
// overdue before being returned; the read path owns this transition.
func (s *Service) Get(ctx context.Context, invoiceID string) (Invoice, error) {
	inv, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	if derived := DeriveStatus(inv, s.clock.Now()); derived != inv.Status {
		s.flipOverdue(ctx, inv.ID)
		inv.Status = derived
	}
	return inv, nil
}

// List returns invoices for a project. Every pending row whose due date has
// passed is rewritten to overdue before the page is returned.
func (s *Service) List(ctx context.Context, projectID string, limit, offset int, filters ListFilters) ([]InvoiceListItem, int, error) {
	rows, total, err := s.repo.ListInvoices(ctx, projectID, limit, offset, filters)
	if err != nil {
		return nil, 0, err
	}
	now := s.clock.Now()
	for i, row := range rows {
		if row.Status == StatusPending && !row.DueDate.IsZero() && row.DueDate.Before(now) {
			s.flipOverdue(ctx, row.ID)
			rows[i].Status = StatusOverdue
		}
	}
	return rows, total, nil
}

// flipOverdue persists the pending to overdue transition. Concurrent reads
// of the same invoice collapse into a single write; a failed write is logged
// and the derived status is still presented to the caller.
func (s *Service) flipOverdue(ctx context.Context, invoiceID string) {
	_, err, _ := s.overdue.Do(invoiceID, func() (any, error) {
		return nil, s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return tx.UpdateStatus(ctx, invoiceID, StatusOverdue)
		})
	})
	if err != nil {
		s.logger.Warn("overdue write back", slog.String("invoice_id", invoiceID), slog.Any("error", err))
	}
}

// Approve releases an invoice from the approval queue into pending. No
// ledger effect: budget moves only at payment.
func (s *Service) Approve(ctx context.Context, invoiceID, actorID string) error {
	return s.statusOnly(ctx, invoiceID, actorID, StatusPendingApproval, StatusPending, "INVOICE_APPROVE")
}

// Reject declines an invoice awaiting approval.
func (s *Service) Reject(ctx context.Context, invoiceID, actorID string) error {
	return s.statusOnly(ctx, invoiceID, actorID, StatusPendingApproval, StatusRejected, "INVOICE_REJECT")
}

func (s *Service) statusOnly(ctx context.Context, invoiceID, actorID string, from, to Status, action string) error {
	inv, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	if inv.Status != from {
		return ErrInvalidState
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateStatus(ctx, invoiceID, to)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, action, invoiceID, map[string]any{"number": inv.Number})
	return nil
}

// Pay marks a pending or overdue invoice paid and actualizes the ledger:
// each item's base amount becomes actual spend on its sub-account, and when
// the invoice links a purchase order the same amount leaves committed and is
// accumulated onto the order's invoiced total.
func (s *Service) Pay(ctx context.Context, invoiceID, actorID string) error {
	inv, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if !inv.Payable(now) {
		return ErrInvalidState
	}

	res := s.runner.Apply(ctx, inv.ProjectID, inv.actualizeAdjustments())

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateStatus(ctx, invoiceID, StatusPaid); err != nil {
			return err
		}
		return tx.SetPaid(ctx, invoiceID, now)
	})
	if err != nil {
		return err
	}

	if inv.POID != "" {
		if err := s.orders.RecordInvoiced(ctx, inv.POID, inv.BaseAmount); err != nil {
			// The invoice is paid and the ledger moved; a failed order
			// bookkeeping update is drift, not grounds to unwind.
			s.logger.Error("record invoiced on order", slog.String("po_id", inv.POID), slog.Any("error", err))
		}
	}
	s.recordAudit(ctx, actorID, "INVOICE_PAY", invoiceID, auditMeta(inv.Number, inv.BaseAmount, res))
	return nil
}

// Cancel voids an invoice. A paid invoice requires the cancellation reason
// and a password challenge, and its ledger movements are reversed: actual
// spend comes back off each sub-account, and the commitment is restored only
// while the linked order is still approved. Unpaid invoices cancel with no
// ledger effect.
func (s *Service) Cancel(ctx context.Context, invoiceID string, cred Credential, reason string) error {
	if reason == "" {
		return ErrReasonRequired
	}
	inv, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}

	switch inv.Status {
	case StatusPaid:
		return s.cancelPaid(ctx, inv, cred, reason)
	case StatusPendingApproval, StatusPending, StatusOverdue:
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			if err := tx.UpdateStatus(ctx, invoiceID, StatusCancelled); err != nil {
				return err
			}
			return tx.SetCancellation(ctx, invoiceID, reason)
		})
		if err != nil {
			return err
		}
		s.recordAudit(ctx, cred.UserID, "INVOICE_CANCEL", invoiceID, map[string]any{"number": inv.Number, "reason": reason})
		return nil
	default:
		return ErrInvalidState
	}
}

func (s *Service) cancelPaid(ctx context.Context, inv Invoice, cred Credential, reason string) error {
	if err := s.reauth.Reauthenticate(ctx, cred.UserID, cred.Password); err != nil {
		return err
	}

	restoreCommitted := false
	if inv.POID != "" {
		po, err := s.orders.Get(ctx, inv.POID)
		if err != nil {
			return fmt.Errorf("load linked order: %w", err)
		}
		restoreCommitted = po.Status == procurement.StatusApproved
	}

	res := s.runner.Apply(ctx, inv.ProjectID, inv.reverseAdjustments(restoreCommitted))

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateStatus(ctx, inv.ID, StatusCancelled); err != nil {
			return err
		}
		if err := tx.SetCancellation(ctx, inv.ID, reason); err != nil {
			return err
		}
		return tx.ClearPaid(ctx, inv.ID)
	})
	if err != nil {
		return err
	}

	if inv.POID != "" {
		if err := s.orders.RevertInvoiced(ctx, inv.POID, inv.BaseAmount); err != nil {
			s.logger.Error("revert invoiced on order", slog.String("po_id", inv.POID), slog.Any("error", err))
		}
	}
	s.recordAudit(ctx, cred.UserID, "INVOICE_CANCEL", inv.ID, auditMeta(inv.Number, inv.BaseAmount.Neg(), res))
	return nil
}

// Delete removes an invoice outright. Allowed only while it has no ledger
// footprint: awaiting approval or rejected.
func (s *Service) Delete(ctx context.Context, invoiceID, actorID string) error {
	inv, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	if !inv.Deletable() {
		return ErrInvalidState
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeleteInvoice(ctx, invoiceID)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "INVOICE_DELETE", invoiceID, map[string]any{"number": inv.Number})
	return nil
}

func buildItems(inputs []LineItemInput) ([]LineItem, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: minimal 1 line", ErrValidation)
	}
	items := make([]LineItem, 0, len(inputs))
	for _, in := range inputs {
		if in.SubAccountID == "" || !in.Quantity.IsPositive() || in.UnitPrice.IsNegative() {
			return nil, ErrValidation
		}
		item := LineItem{
			ID:           uuid.NewString(),
			Description:  in.Description,
			SubAccountID: in.SubAccountID,
			Quantity:     in.Quantity,
			UnitPrice:    in.UnitPrice,
			VATRate:      in.VATRate,
			IRPFRate:     in.IRPFRate,
		}
		item.DeriveAmounts()
		items = append(items, item)
	}
	return items, nil
}

func auditMeta(number string, delta decimal.Decimal, res ledger.Result) map[string]any {
	return map[string]any{
		"number":        number,
		"actual_delta":  delta.String(),
		"items_applied": res.Applied,
		"items_skipped": res.Skipped,
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID, action, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "invoice", EntityID: entityID, Meta: meta}); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
