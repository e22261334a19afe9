package invoicing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/greenlight-erp/greenlight/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for invoices.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ RepositoryPort = (*Repository)(nil)

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps the callback in a repeatable-read transaction. The scope is a
// single invoice document; ledger writes never share it.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// GetInvoice returns an invoice with its items.
func (r *Repository) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, number, project_id, supplier_id, COALESCE(po_id, ''), status,
			base_amount, vat_amount, irpf_amount, total_amount,
			issue_date, due_date, paid_at, COALESCE(cancel_reason, ''),
			created_at, updated_at
		FROM invoices WHERE id = $1`, id)

	var inv Invoice
	var paidAt *time.Time
	err := row.Scan(&inv.ID, &inv.Number, &inv.ProjectID, &inv.SupplierID, &inv.POID, &inv.Status,
		&inv.BaseAmount, &inv.VATAmount, &inv.IRPFAmount, &inv.TotalAmount,
		&inv.IssueDate, &inv.DueDate, &paidAt, &inv.CancelReason,
		&inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, ErrNotFound
		}
		return Invoice{}, fmt.Errorf("invoicing: get invoice: %w", err)
	}
	if paidAt != nil {
		inv.PaidAt = *paidAt
	}

	inv.Items, err = r.itemsFor(ctx, id)
	if err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

func (r *Repository) itemsFor(ctx context.Context, invoiceID string) ([]LineItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, description, sub_account_id, quantity, unit_price,
			base_amount, vat_rate, irpf_rate, vat_amount, irpf_amount, total_amount
		FROM invoice_items WHERE invoice_id = $1 ORDER BY position`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("invoicing: load items: %w", err)
	}
	defer rows.Close()

	var items []LineItem
	for rows.Next() {
		var item LineItem
		if err := rows.Scan(&item.ID, &item.Description, &item.SubAccountID, &item.Quantity, &item.UnitPrice,
			&item.BaseAmount, &item.VATRate, &item.IRPFRate, &item.VATAmount, &item.IRPFAmount, &item.TotalAmount); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListInvoices returns invoices for a project with filters and paging.
func (r *Repository) ListInvoices(ctx context.Context, projectID string, limit, offset int, filters ListFilters) ([]InvoiceListItem, int, error) {
	where := ` WHERE i.project_id = $1`
	args := []any{projectID}
	argNum := 2

	if filters.Status != "" {
		where += fmt.Sprintf(` AND i.status = $%d`, argNum)
		args = append(args, filters.Status)
		argNum++
	}
	if filters.SupplierID != "" {
		where += fmt.Sprintf(` AND i.supplier_id = $%d`, argNum)
		args = append(args, filters.SupplierID)
		argNum++
	}
	if filters.POID != "" {
		where += fmt.Sprintf(` AND i.po_id = $%d`, argNum)
		args = append(args, filters.POID)
		argNum++
	}
	if filters.Search != "" {
		where += fmt.Sprintf(` AND i.number ILIKE $%d`, argNum)
		args = append(args, "%"+filters.Search+"%")
		argNum++
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM invoices i`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataSQL := `SELECT i.id, i.number, i.project_id, i.supplier_id, COALESCE(i.po_id, ''), i.status, i.total_amount, i.due_date, i.created_at
		FROM invoices i` + where
	dataSQL += ` ORDER BY ` + sortOrderInvoice(filters.SortBy, filters.SortDir)
	dataSQL += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, argNum, argNum+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []InvoiceListItem
	for rows.Next() {
		var item InvoiceListItem
		if err := rows.Scan(&item.ID, &item.Number, &item.ProjectID, &item.SupplierID, &item.POID, &item.Status, &item.TotalAmount, &item.DueDate, &item.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// sortOrderInvoice returns a safe ORDER BY clause for list queries.
func sortOrderInvoice(sortBy, sortDir string) string {
	dir := "DESC"
	if sortDir == "asc" {
		dir = "ASC"
	}
	switch sortBy {
	case "number":
		return "i.number " + dir
	case "status":
		return "i.status " + dir
	case "due_date":
		return "i.due_date " + dir
	case "total":
		return "i.total_amount " + dir
	default:
		return "i.created_at DESC"
	}
}

func (t *txRepo) CreateInvoice(ctx context.Context, inv Invoice) error {
	var poID any
	if inv.POID != "" {
		poID = inv.POID
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO invoices (id, number, project_id, supplier_id, po_id, status,
			base_amount, vat_amount, irpf_amount, total_amount,
			issue_date, due_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		inv.ID, inv.Number, inv.ProjectID, inv.SupplierID, poID, inv.Status,
		inv.BaseAmount, inv.VATAmount, inv.IRPFAmount, inv.TotalAmount,
		inv.IssueDate, inv.DueDate, inv.CreatedAt, inv.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateNumber
		}
		return fmt.Errorf("invoicing: insert invoice: %w", err)
	}
	return t.ReplaceItems(ctx, inv.ID, inv.Items)
}

func (t *txRepo) ReplaceItems(ctx context.Context, invoiceID string, items []LineItem) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM invoice_items WHERE invoice_id = $1`, invoiceID); err != nil {
		return fmt.Errorf("invoicing: clear items: %w", err)
	}
	for pos, item := range items {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO invoice_items (id, invoice_id, position, description, sub_account_id, quantity, unit_price,
				base_amount, vat_rate, irpf_rate, vat_amount, irpf_amount, total_amount)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			item.ID, invoiceID, pos, item.Description, item.SubAccountID, item.Quantity, item.UnitPrice,
			item.BaseAmount, item.VATRate, item.IRPFRate, item.VATAmount, item.IRPFAmount, item.TotalAmount)
		if err != nil {
			return fmt.Errorf("invoicing: insert item: %w", err)
		}
	}
	return nil
}

func (t *txRepo) UpdateStatus(ctx context.Context, id string, status Status) error {
	tag, err := t.tx.Exec(ctx, `UPDATE invoices SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("invoicing: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) SetPaid(ctx context.Context, id string, paidAt time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE invoices SET paid_at = $2, updated_at = NOW() WHERE id = $1`, id, paidAt)
	return err
}

func (t *txRepo) ClearPaid(ctx context.Context, id string) error {
	_, err := t.tx.Exec(ctx, `UPDATE invoices SET paid_at = NULL, updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (t *txRepo) SetCancellation(ctx context.Context, id, reason string) error {
	_, err := t.tx.Exec(ctx, `UPDATE invoices SET cancel_reason = $2, updated_at = NOW() WHERE id = $1`, id, reason)
	return err
}

func (t *txRepo) SetTotals(ctx context.Context, inv Invoice) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE invoices
		SET base_amount = $2, vat_amount = $3, irpf_amount = $4, total_amount = $5, updated_at = NOW()
		WHERE id = $1`,
		inv.ID, inv.BaseAmount, inv.VATAmount, inv.IRPFAmount, inv.TotalAmount)
	return err
}

func (t *txRepo) DeleteInvoice(ctx context.Context, id string) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM invoice_items WHERE invoice_id = $1`, id); err != nil {
		return fmt.Errorf("invoicing: delete items: %w", err)
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM invoices WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("invoicing: delete invoice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
