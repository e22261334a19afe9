package invoicing

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/greenlight-erp/greenlight/internal/identity"
	"github.com/greenlight-erp/greenlight/internal/ledger"
	"github.com/greenlight-erp/greenlight/internal/procurement"
	"github.com/greenlight-erp/greenlight/internal/shared"
)

type memoryInvoiceRepo struct {
	invoices map[string]Invoice
}

type memoryInvoiceTx struct {
	repo *memoryInvoiceRepo
}

func newMemoryInvoiceRepo() *memoryInvoiceRepo {
	return &memoryInvoiceRepo{invoices: make(map[string]Invoice)}
}

func (r *memoryInvoiceRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryInvoiceTx{repo: r})
}

func (r *memoryInvoiceRepo) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	inv, ok := r.invoices[id]
	if !ok {
		return Invoice{}, ErrNotFound
	}
	return inv, nil
}

func (r *memoryInvoiceRepo) ListInvoices(ctx context.Context, projectID string, limit, offset int, filters ListFilters) ([]InvoiceListItem, int, error) {
	var items []InvoiceListItem
	for _, inv := range r.invoices {
		if inv.ProjectID != projectID {
			continue
		}
		items = append(items, InvoiceListItem{
			ID: inv.ID, Number: inv.Number, ProjectID: inv.ProjectID, SupplierID: inv.SupplierID,
			POID: inv.POID, Status: inv.Status, TotalAmount: inv.TotalAmount, DueDate: inv.DueDate,
		})
	}
	return items, len(items), nil
}

func (t *memoryInvoiceTx) CreateInvoice(ctx context.Context, inv Invoice) error {
	t.repo.invoices[inv.ID] = inv
	return nil
}

func (t *memoryInvoiceTx) ReplaceItems(ctx context.Context, invoiceID string, items []LineItem) error {
	inv := t.repo.invoices[invoiceID]
	inv.Items = append([]LineItem(nil), items...)
	t.repo.invoices[invoiceID] = inv
	return nil
}

func (t *memoryInvoiceTx) UpdateStatus(ctx context.Context, id string, status Status) error {
	inv, ok := t.repo.invoices[id]
	if !ok {
		return ErrNotFound
	}
	inv.Status = status
	t.repo.invoices[id] = inv
	return nil
}

func (t *memoryInvoiceTx) SetPaid(ctx context.Context, id string, paidAt time.Time) error {
	inv := t.repo.invoices[id]
	inv.PaidAt = paidAt
	t.repo.invoices[id] = inv
	return nil
}

func (t *memoryInvoiceTx) ClearPaid(ctx context.Context, id string) error {
	inv := t.repo.invoices[id]
	inv.PaidAt = time.Time{}
	t.repo.invoices[id] = inv
	return nil
}

func (t *memoryInvoiceTx) SetCancellation(ctx context.Context, id, reason string) error {
	inv := t.repo.invoices[id]
	inv.CancelReason = reason
	t.repo.invoices[id] = inv
	return nil
}

func (t *memoryInvoiceTx) SetTotals(ctx context.Context, inv Invoice) error {
	stored := t.repo.invoices[inv.ID]
	stored.BaseAmount = inv.BaseAmount
	stored.VATAmount = inv.VATAmount
	stored.IRPFAmount = inv.IRPFAmount
	stored.TotalAmount = inv.TotalAmount
	t.repo.invoices[inv.ID] = stored
	return nil
}

func (t *memoryInvoiceTx) DeleteInvoice(ctx context.Context, id string) error {
	if _, ok := t.repo.invoices[id]; !ok {
		return ErrNotFound
	}
	delete(t.repo.invoices, id)
	return nil
}

// stubOrders holds one purchase order and tracks the invoiced bookkeeping
// the invoicing side pushes onto it.
type stubOrders struct {
	order       procurement.PurchaseOrder
	recorded    decimal.Decimal
	reverted    decimal.Decimal
	recordCalls int
	revertCalls int
}

func (s *stubOrders) Get(ctx context.Context, poID string) (procurement.PurchaseOrder, error) {
	if poID != s.order.ID {
		return procurement.PurchaseOrder{}, procurement.ErrNotFound
	}
	return s.order, nil
}

func (s *stubOrders) RecordInvoiced(ctx context.Context, poID string, base decimal.Decimal) error {
	s.recorded = s.recorded.Add(base)
	s.recordCalls++
	return nil
}

func (s *stubOrders) RevertInvoiced(ctx context.Context, poID string, base decimal.Decimal) error {
	s.reverted = s.reverted.Add(base)
	s.revertCalls++
	return nil
}

type stubReauth struct {
	password string
	calls    int
}

func (s *stubReauth) Reauthenticate(ctx context.Context, userID, password string) error {
	s.calls++
	if password != s.password {
		return identity.ErrReauthFailed
	}
	return nil
}

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

type testEnv struct {
	svc    *Service
	repo   *memoryInvoiceRepo
	store  *ledger.MemoryStore
	orders *stubOrders
	reauth *stubReauth
	clock  shared.FixedClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := ledger.NewMemoryStore()
	// Approved PO for 1000 already committed 600/400 across A and B.
	store.Seed(ledger.SubAccount{ProjectID: "prj-1", AccountID: "acc-1", SubAccountID: "A", Budgeted: dec("5000"), Committed: dec("600")})
	store.Seed(ledger.SubAccount{ProjectID: "prj-1", AccountID: "acc-1", SubAccountID: "B", Budgeted: dec("5000"), Committed: dec("400")})

	orders := &stubOrders{order: procurement.PurchaseOrder{
		ID: "po-1", ProjectID: "prj-1", Status: procurement.StatusApproved,
		BaseAmount: dec("1000"), RemainingAmount: dec("1000"),
	}}
	repo := newMemoryInvoiceRepo()
	reauth := &stubReauth{password: "pw"}
	clock := shared.FixedClock{At: time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)}
	runner := ledger.NewRunner(store, slog.Default())
	svc := NewService(repo, orders, runner, reauth, nil, clock, slog.Default())
	return &testEnv{svc: svc, repo: repo, store: store, orders: orders, reauth: reauth, clock: clock}
}

func (e *testEnv) balance(t *testing.T, subAccountID string) ledger.SubAccount {
	t.Helper()
	sa, err := e.store.Get(context.Background(), "prj-1", subAccountID)
	require.NoError(t, err)
	return sa
}

func (e *testEnv) createPendingInvoice(t *testing.T, poID string) Invoice {
	t.Helper()
	ctx := context.Background()
	inv, err := e.svc.Create(ctx, CreateInvoiceInput{
		ProjectID:  "prj-1",
		SupplierID: "sup-1",
		POID:       poID,
		DueDate:    e.clock.At.AddDate(0, 1, 0),
		Items: []LineItemInput{
			{Description: "camera rental", SubAccountID: "A", Quantity: dec("1"), UnitPrice: dec("600"), VATRate: dec("21")},
			{Description: "lighting crew", SubAccountID: "B", Quantity: dec("1"), UnitPrice: dec("400"), VATRate: dec("21"), IRPFRate: dec("15")},
		},
	}, "u-1")
	require.NoError(t, err)
	require.NoError(t, e.svc.Approve(ctx, inv.ID, "boss"))
	updated, err := e.svc.Get(ctx, inv.ID)
	require.NoError(t, err)
	return updated
}

func TestCreateStartsAwaitingApproval(t *testing.T) {
	env := newTestEnv(t)
	inv, err := env.svc.Create(context.Background(), CreateInvoiceInput{
		ProjectID: "prj-1",
		Items:     []LineItemInput{{SubAccountID: "A", Quantity: dec("2"), UnitPrice: dec("50"), VATRate: dec("21")}},
	}, "u-1")
	require.NoError(t, err)

	require.Equal(t, StatusPendingApproval, inv.Status)
	require.True(t, inv.BaseAmount.Equal(dec("100")))
	require.True(t, inv.TotalAmount.Equal(dec("121")))
	// Default due date is 30 days out.
	require.Equal(t, env.clock.At.AddDate(0, 0, 30), inv.DueDate)
}

func TestCreateRejectsUnknownOrder(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Create(context.Background(), CreateInvoiceInput{
		ProjectID: "prj-1",
		POID:      "po-missing",
		Items:     []LineItemInput{{SubAccountID: "A", Quantity: dec("1"), UnitPrice: dec("10")}},
	}, "u-1")
	require.ErrorIs(t, err, ErrValidation)
}

func TestPayActualizesLinkedInvoice(t *testing.T) {
	env := newTestEnv(t)
	inv := env.createPendingInvoice(t, "po-1")
	ctx := context.Background()

	require.NoError(t, env.svc.Pay(ctx, inv.ID, "u-1"))

	a := env.balance(t, "A")
	require.True(t, a.Actual.Equal(dec("600")))
	require.True(t, a.Committed.IsZero())
	b := env.balance(t, "B")
	require.True(t, b.Actual.Equal(dec("400")))
	require.True(t, b.Committed.IsZero())

	paid, err := env.svc.Get(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, paid.Status)
	require.Equal(t, env.clock.At, paid.PaidAt)

	require.Equal(t, 1, env.orders.recordCalls)
	require.True(t, env.orders.recorded.Equal(dec("1000")))
}

func TestPayWithoutOrderLeavesCommittedAlone(t *testing.T) {
	env := newTestEnv(t)
	inv := env.createPendingInvoice(t, "")

	require.NoError(t, env.svc.Pay(context.Background(), inv.ID, "u-1"))

	a := env.balance(t, "A")
	require.True(t, a.Actual.Equal(dec("600")))
	require.True(t, a.Committed.Equal(dec("600")))
	require.Zero(t, env.orders.recordCalls)
}

func TestPayRequiresPendingOrOverdue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv, err := env.svc.Create(ctx, CreateInvoiceInput{
		ProjectID: "prj-1",
		Items:     []LineItemInput{{SubAccountID: "A", Quantity: dec("1"), UnitPrice: dec("100")}},
	}, "u-1")
	require.NoError(t, err)

	require.ErrorIs(t, env.svc.Pay(ctx, inv.ID, "u-1"), ErrInvalidState)
}

func TestPayOverdueInvoice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv, err := env.svc.Create(ctx, CreateInvoiceInput{
		ProjectID: "prj-1",
		DueDate:   env.clock.At.AddDate(0, 0, -5),
		Items:     []LineItemInput{{SubAccountID: "A", Quantity: dec("1"), UnitPrice: dec("100")}},
	}, "u-1")
	require.NoError(t, err)
	require.NoError(t, env.svc.Approve(ctx, inv.ID, "boss"))

	// Reading flips it to overdue; it stays payable.
	got, err := env.svc.Get(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusOverdue, got.Status)

	require.NoError(t, env.svc.Pay(ctx, inv.ID, "u-1"))
	paid, err := env.svc.Get(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, paid.Status)
}

func TestListFlipsOverdueAndWritesBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv, err := env.svc.Create(ctx, CreateInvoiceInput{
		ProjectID: "prj-1",
		DueDate:   env.clock.At.AddDate(0, 0, -1),
		Items:     []LineItemInput{{SubAccountID: "A", Quantity: dec("1"), UnitPrice: dec("100")}},
	}, "u-1")
	require.NoError(t, err)
	require.NoError(t, env.svc.Approve(ctx, inv.ID, "boss"))

	rows, total, err := env.svc.List(ctx, "prj-1", 20, 0, ListFilters{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, StatusOverdue, rows[0].Status)

	// The derived status was persisted, not just presented.
	stored, err := env.repo.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusOverdue, stored.Status)
}

func TestCancelPaidReversesAndRestoresCommitment(t *testing.T) {
	env := newTestEnv(t)
	inv := env.createPendingInvoice(t, "po-1")
	ctx := context.Background()

	require.NoError(t, env.svc.Pay(ctx, inv.ID, "u-1"))
	require.NoError(t, env.svc.Cancel(ctx, inv.ID, Credential{UserID: "u-1", Password: "pw"}, "duplicate billing"))

	// Back to the pre-payment balances: the order is still approved, so the
	// commitment is restored.
	a := env.balance(t, "A")
	require.True(t, a.Actual.IsZero())
	require.True(t, a.Committed.Equal(dec("600")))
	b := env.balance(t, "B")
	require.True(t, b.Actual.IsZero())
	require.True(t, b.Committed.Equal(dec("400")))

	cancelled, err := env.svc.Get(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Equal(t, "duplicate billing", cancelled.CancelReason)
	require.True(t, cancelled.PaidAt.IsZero())
	require.Equal(t, 1, env.orders.revertCalls)
	require.True(t, env.orders.reverted.Equal(dec("1000")))
}

func TestCancelPaidClosedOrderLeavesCommitmentReleased(t *testing.T) {
	env := newTestEnv(t)
	inv := env.createPendingInvoice(t, "po-1")
	ctx := context.Background()

	require.NoError(t, env.svc.Pay(ctx, inv.ID, "u-1"))
	env.orders.order.Status = procurement.StatusClosed

	require.NoError(t, env.svc.Cancel(ctx, inv.ID, Credential{UserID: "u-1", Password: "pw"}, "late void"))

	// Actual comes back off, but the released commitment stays released.
	a := env.balance(t, "A")
	require.True(t, a.Actual.IsZero())
	require.True(t, a.Committed.IsZero())
}

func TestCancelPaidRequiresReauth(t *testing.T) {
	env := newTestEnv(t)
	inv := env.createPendingInvoice(t, "po-1")
	ctx := context.Background()

	require.NoError(t, env.svc.Pay(ctx, inv.ID, "u-1"))

	err := env.svc.Cancel(ctx, inv.ID, Credential{UserID: "u-1", Password: "wrong"}, "oops")
	require.ErrorIs(t, err, identity.ErrReauthFailed)

	// Nothing reversed.
	still, err := env.svc.Get(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, still.Status)
	require.True(t, env.balance(t, "A").Actual.Equal(dec("600")))
}

func TestCancelRequiresReason(t *testing.T) {
	env := newTestEnv(t)
	inv := env.createPendingInvoice(t, "po-1")

	err := env.svc.Cancel(context.Background(), inv.ID, Credential{UserID: "u-1", Password: "pw"}, "")
	require.ErrorIs(t, err, ErrReasonRequired)
}

func TestCancelUnpaidHasNoLedgerEffect(t *testing.T) {
	env := newTestEnv(t)
	inv := env.createPendingInvoice(t, "po-1")
	ctx := context.Background()

	require.NoError(t, env.svc.Cancel(ctx, inv.ID, Credential{UserID: "u-1"}, "wrong supplier"))

	a := env.balance(t, "A")
	require.True(t, a.Actual.IsZero())
	require.True(t, a.Committed.Equal(dec("600")))
	// No password challenge for an invoice that never touched the ledger.
	require.Zero(t, env.reauth.calls)
}

func TestCancelTerminalStatesRejected(t *testing.T) {
	env := newTestEnv(t)
	inv := env.createPendingInvoice(t, "po-1")
	ctx := context.Background()
	cred := Credential{UserID: "u-1", Password: "pw"}

	require.NoError(t, env.svc.Cancel(ctx, inv.ID, cred, "first"))
	require.ErrorIs(t, env.svc.Cancel(ctx, inv.ID, cred, "again"), ErrInvalidState)
}

func TestDeleteOnlyWithoutLedgerFootprint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inv, err := env.svc.Create(ctx, CreateInvoiceInput{
		ProjectID: "prj-1",
		Items:     []LineItemInput{{SubAccountID: "A", Quantity: dec("1"), UnitPrice: dec("100")}},
	}, "u-1")
	require.NoError(t, err)

	require.NoError(t, env.svc.Delete(ctx, inv.ID, "u-1"))
	_, err = env.svc.Get(ctx, inv.ID)
	require.ErrorIs(t, err, ErrNotFound)

	pending := env.createPendingInvoice(t, "")
	require.ErrorIs(t, env.svc.Delete(ctx, pending.ID, "u-1"), ErrInvalidState)
}

func TestDeleteRejectedInvoice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv, err := env.svc.Create(ctx, CreateInvoiceInput{
		ProjectID: "prj-1",
		Items:     []LineItemInput{{SubAccountID: "A", Quantity: dec("1"), UnitPrice: dec("100")}},
	}, "u-1")
	require.NoError(t, err)
	require.NoError(t, env.svc.Reject(ctx, inv.ID, "boss"))

	require.NoError(t, env.svc.Delete(ctx, inv.ID, "u-1"))
}

func TestPaySkipsUnknownSubAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv, err := env.svc.Create(ctx, CreateInvoiceInput{
		ProjectID: "prj-1",
		DueDate:   env.clock.At.AddDate(0, 1, 0),
		Items: []LineItemInput{
			{SubAccountID: "A", Quantity: dec("1"), UnitPrice: dec("300")},
			{SubAccountID: "ghost", Quantity: dec("1"), UnitPrice: dec("200")},
		},
	}, "u-1")
	require.NoError(t, err)
	require.NoError(t, env.svc.Approve(ctx, inv.ID, "boss"))

	// The pass skips the unknown sub-account; the payment still lands.
	require.NoError(t, env.svc.Pay(ctx, inv.ID, "u-1"))

	paid, err := env.svc.Get(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, paid.Status)
	require.True(t, env.balance(t, "A").Actual.Equal(dec("300")))
}
