package procurement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/greenlight-erp/greenlight/internal/ledger"
	"github.com/greenlight-erp/greenlight/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPO(ctx context.Context, id string) (PurchaseOrder, error)
	ListPOs(ctx context.Context, projectID string, limit, offset int, filters ListFilters) ([]POListItem, int, error)
}

// TxRepository exposes the single-document write operations.
type TxRepository interface {
	CreatePO(ctx context.Context, po PurchaseOrder) error
	ReplaceItems(ctx context.Context, poID string, items []LineItem) error
	UpdateStatus(ctx context.Context, id string, status Status) error
	SetApproval(ctx context.Context, id string, approvedBy string, approvedAt time.Time) error
	ClearApproval(ctx context.Context, id string) error
	SetAmounts(ctx context.Context, id string, invoiced, remaining decimal.Decimal) error
	SetTotals(ctx context.Context, po PurchaseOrder) error
	SetCancellation(ctx context.Context, id, reason string) error
	AppendModification(ctx context.Context, id string, newVersion int, entry ModificationEntry) error
}

// ReauthPort is the password challenge gate required before destructive
// transitions. Close, reopen and cancel all pass through it.
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

// Service orchestrates the purchase order state machine.
//
// Ledger-affecting transitions follow a fixed order: the per-item
// sub-account pass runs first under the reconciliation runner's isolation
// policy, and the order document is written only after the pass completes.
// The two are not one transaction: a partial pass followed by a successful
// status write is accepted behaviour and is surfaced through the audit meta.
type Service struct {
	repo   RepositoryPort
	runner *ledger.Runner
	reauth ReauthPort
	audit  AuditPort
	clock  shared.Clock
	logger *slog.Logger
}

// NewService constructs the Service.
func NewService(repo RepositoryPort, runner *ledger.Runner, reauth ReauthPort, audit AuditPort, clock shared.Clock, logger *slog.Logger) *Service {
	return &Service{repo: repo, runner: runner, reauth: reauth, audit: audit, clock: clock, logger: logger}
}

// CreatePOInput describes the creation payload.
type CreatePOInput struct {
	Number     string
	ProjectID  string
	SupplierID string
	Items      []LineItemInput
}

// LineItemInput describes one order line.
type LineItemInput struct {
	Description  string
	SubAccountID string
	Quantity     decimal.Decimal
	UnitPrice    decimal.Decimal
	VATRate      decimal.Decimal
	IRPFRate     decimal.Decimal
}

// Create persists a new purchase order in draft, version 1.
func (s *Service) Create(ctx context.Context, input CreatePOInput, actorID string) (PurchaseOrder, error) {
	items, err := buildItems(input.Items)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if input.ProjectID == "" {
		return PurchaseOrder{}, fmt.Errorf("%w: project required", ErrValidation)
	}
	if input.Number == "" {
		input.Number = generateNumber("PO")
	}

	now := s.clock.Now()
	po := PurchaseOrder{
		ID:         uuid.NewString(),
		Number:     input.Number,
		ProjectID:  input.ProjectID,
		SupplierID: input.SupplierID,
		Version:    1,
		Status:     StatusDraft,
		Items:      items,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	po.RecomputeTotals()
	po.RemainingAmount = po.BaseAmount

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.CreatePO(ctx, po)
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, actorID, "PO_CREATE", po.ID, map[string]any{"number": po.Number, "total": po.TotalAmount})
	return po, nil
}

// UpdateDraft replaces the items of a draft order and refreshes its totals.
func (s *Service) UpdateDraft(ctx context.Context, poID string, inputs []LineItemInput, actorID string) (PurchaseOrder, error) {
	po, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if po.Status != StatusDraft {
		return PurchaseOrder{}, ErrInvalidState
	}
	items, err := buildItems(inputs)
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Items = items
	po.RecomputeTotals()
	po.RemainingAmount = po.Remaining()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.ReplaceItems(ctx, po.ID, po.Items); err != nil {
			return err
		}
		return tx.SetTotals(ctx, po)
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, actorID, "PO_UPDATE", po.ID, map[string]any{"version": po.Version, "total": po.TotalAmount})
	return po, nil
}

// Get returns one purchase order with items and history.
func (s *Service) Get(ctx context.Context, poID string) (PurchaseOrder, error) {
	return s.repo.GetPO(ctx, poID)
}

// List returns purchase orders for a project.
func (s *Service) List(ctx context.Context, projectID string, limit, offset int, filters ListFilters) ([]POListItem, int, error) {
	return s.repo.ListPOs(ctx, projectID, limit, offset, filters)
}

// Submit moves a draft order into the approval queue.
func (s *Service) Submit(ctx context.Context, poID, actorID string) error {
	po, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return err
	}
	if po.Status != StatusDraft {
		return ErrInvalidState
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateStatus(ctx, poID, StatusPending)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "PO_SUBMIT", poID, map[string]any{"number": po.Number})
	return nil
}

// Reject declines a pending order. No budget was committed yet.
func (s *Service) Reject(ctx context.Context, poID, actorID string) error {
	po, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return err
	}
	if po.Status != StatusPending {
		return ErrInvalidState
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateStatus(ctx, poID, StatusRejected)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "PO_REJECT", poID, map[string]any{"number": po.Number})
	return nil
}

// Approve commits the order's open base amount into the ledger: each item's
// sub-account gains its proportional share of (base - invoiced) as committed
// budget. The approval workflow itself (steps, sign-off chain) lives outside
// this core; Approve is its terminal effect.
func (s *Service) Approve(ctx context.Context, poID, actorID string) error {
	po, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return err
	}
	if po.Status != StatusPending {
		return ErrInvalidState
	}

	remaining := po.Remaining()
	res := s.runner.Apply(ctx, po.ProjectID, commitAdjustments(ledger.Allocate(remaining, po.AllocationLines())))

	now := s.clock.Now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateStatus(ctx, poID, StatusApproved); err != nil {
			return err
		}
		if err := tx.SetApproval(ctx, poID, actorID, now); err != nil {
			return err
		}
		return tx.SetAmounts(ctx, poID, po.InvoicedAmount, remaining)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "PO_APPROVE", poID, auditMeta(po.Number, remaining, res))
	return nil
}

// Close releases the unused commitment of an approved order: if anything
// remains uninvoiced it is allocated as a committed decrease across the
// items, then the order is marked closed with remaining zeroed.
func (s *Service) Close(ctx context.Context, poID string, cred Credential) error {
	if err := s.reauth.Reauthenticate(ctx, cred.UserID, cred.Password); err != nil {
		return err
	}
	po, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return err
	}
	if po.Status != StatusApproved {
		return ErrInvalidState
	}

	remaining := po.Remaining()
	var res ledger.Result
	if remaining.IsPositive() {
		res = s.runner.Apply(ctx, po.ProjectID, releaseAdjustments(ledger.Allocate(remaining, po.AllocationLines())))
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateStatus(ctx, poID, StatusClosed); err != nil {
			return err
		}
		return tx.SetAmounts(ctx, poID, po.InvoicedAmount, decimal.Zero)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, cred.UserID, "PO_CLOSE", poID, auditMeta(po.Number, remaining.Neg(), res))
	return nil
}

// Reopen restores a closed order to approved and re-commits the still open
// portion, recomputed from the current invoiced amount.
func (s *Service) Reopen(ctx context.Context, poID string, cred Credential) error {
	if err := s.reauth.Reauthenticate(ctx, cred.UserID, cred.Password); err != nil {
		return err
	}
	po, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return err
	}
	if po.Status != StatusClosed {
		return ErrInvalidState
	}

	remaining := po.Remaining()
	var res ledger.Result
	if remaining.IsPositive() {
		res = s.runner.Apply(ctx, po.ProjectID, commitAdjustments(ledger.Allocate(remaining, po.AllocationLines())))
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateStatus(ctx, poID, StatusApproved); err != nil {
			return err
		}
		return tx.SetAmounts(ctx, poID, po.InvoicedAmount, remaining)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, cred.UserID, "PO_REOPEN", poID, auditMeta(po.Number, remaining, res))
	return nil
}

// Cancel voids an approved order. The full base amount is released from the
// committed balances unconditionally, regardless of how much was invoiced.
func (s *Service) Cancel(ctx context.Context, poID string, cred Credential, reason string) error {
	if reason == "" {
		return ErrReasonRequired
	}
	if err := s.reauth.Reauthenticate(ctx, cred.UserID, cred.Password); err != nil {
		return err
	}
	po, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return err
	}
	if po.Status != StatusApproved {
		return ErrInvalidState
	}

	res := s.runner.Apply(ctx, po.ProjectID, releaseAdjustments(ledger.Allocate(po.BaseAmount, po.AllocationLines())))

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateStatus(ctx, poID, StatusCancelled); err != nil {
			return err
		}
		if err := tx.SetCancellation(ctx, poID, reason); err != nil {
			return err
		}
		return tx.SetAmounts(ctx, poID, po.InvoicedAmount, decimal.Zero)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, cred.UserID, "PO_CANCEL", poID, auditMeta(po.Number, po.BaseAmount.Neg(), res))
	return nil
}

// Modify sends an approved order back to draft for a new revision: version
// is bumped, a history entry records the previous version, and the approval
// metadata is cleared. The ledger is untouched; the caller re-approves to
// re-commit.
func (s *Service) Modify(ctx context.Context, poID, actorID, reason string) error {
	if reason == "" {
		return ErrReasonRequired
	}
	po, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return err
	}
	if po.Status != StatusApproved {
		return ErrInvalidState
	}

	entry := ModificationEntry{
		PreviousVersion: po.Version,
		Reason:          reason,
		UserID:          actorID,
		Date:            s.clock.Now(),
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateStatus(ctx, poID, StatusDraft); err != nil {
			return err
		}
		if err := tx.ClearApproval(ctx, poID); err != nil {
			return err
		}
		return tx.AppendModification(ctx, poID, po.Version+1, entry)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "PO_MODIFY", poID, map[string]any{"number": po.Number, "previous_version": po.Version, "reason": reason})
	return nil
}

// RecordInvoiced accumulates a paid invoice's base amount onto the order.
// Called by the invoicing module after its ledger pass.
func (s *Service) RecordInvoiced(ctx context.Context, poID string, base decimal.Decimal) error {
	po, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return err
	}
	invoiced := po.InvoicedAmount.Add(base)
	remaining := po.BaseAmount.Sub(invoiced)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetAmounts(ctx, poID, invoiced, remaining)
	})
}

// RevertInvoiced rolls back a cancelled invoice's base amount, floored at
// zero. Remaining is recomputed only while the order is still approved; a
// closed or cancelled order keeps its released (zero) remaining.
func (s *Service) RevertInvoiced(ctx context.Context, poID string, base decimal.Decimal) error {
	po, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return err
	}
	invoiced := po.InvoicedAmount.Sub(base)
	if invoiced.IsNegative() {
		invoiced = decimal.Zero
	}
	remaining := po.RemainingAmount
	if po.Status == StatusApproved {
		remaining = po.BaseAmount.Sub(invoiced)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetAmounts(ctx, poID, invoiced, remaining)
	})
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

// commitAdjustments maps allocation shares to committed increases.
func commitAdjustments(shares []ledger.Share) []ledger.Adjustment {
	adjs := make([]ledger.Adjustment, 0, len(shares))
	for _, share := range shares {
		adjs = append(adjs, ledger.Adjustment{SubAccountID: share.SubAccountID, Committed: share.Amount})
	}
	return adjs
}

// releaseAdjustments maps allocation shares to committed decreases.
func releaseAdjustments(shares []ledger.Share) []ledger.Adjustment {
	adjs := make([]ledger.Adjustment, 0, len(shares))
	for _, share := range shares {
		adjs = append(adjs, ledger.Adjustment{SubAccountID: share.SubAccountID, Committed: share.Amount.Neg()})
	}
	return adjs
}

func auditMeta(number string, delta decimal.Decimal, res ledger.Result) map[string]any {
	return map[string]any{
		"number":          number,
		"committed_delta": delta.String(),
		"items_applied":   res.Applied,
		"items_skipped":   res.Skipped,
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID, action, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "purchase_order", EntityID: entityID, Meta: meta}); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
