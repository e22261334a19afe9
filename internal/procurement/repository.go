package procurement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/greenlight-erp/greenlight/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for purchase orders.
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
// single order document (header, items, history rows); ledger writes never
// share it.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// GetPO returns a purchase order with items and modification history.
func (r *Repository) GetPO(ctx context.Context, id string) (PurchaseOrder, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, number, project_id, supplier_id, version, status,
			base_amount, vat_amount, irpf_amount, total_amount,
			invoiced_amount, remaining_amount,
			COALESCE(cancel_reason, ''), COALESCE(approved_by, ''), approved_at,
			created_at, updated_at
		FROM purchase_orders WHERE id = $1`, id)

	var po PurchaseOrder
	var approvedAt *time.Time
	err := row.Scan(&po.ID, &po.Number, &po.ProjectID, &po.SupplierID, &po.Version, &po.Status,
		&po.BaseAmount, &po.VATAmount, &po.IRPFAmount, &po.TotalAmount,
		&po.InvoicedAmount, &po.RemainingAmount,
		&po.CancelReason, &po.ApprovedBy, &approvedAt,
		&po.CreatedAt, &po.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, ErrNotFound
		}
		return PurchaseOrder{}, fmt.Errorf("procurement: get order: %w", err)
	}
	if approvedAt != nil {
		po.ApprovedAt = *approvedAt
	}

	po.Items, err = r.itemsFor(ctx, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.History, err = r.historyFor(ctx, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	return po, nil
}

func (r *Repository) itemsFor(ctx context.Context, poID string) ([]LineItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, description, sub_account_id, quantity, unit_price,
			base_amount, vat_rate, irpf_rate, vat_amount, irpf_amount, total_amount
		FROM po_items WHERE po_id = $1 ORDER BY position`, poID)
	if err != nil {
		return nil, fmt.Errorf("procurement: load items: %w", err)
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

func (r *Repository) historyFor(ctx context.Context, poID string) ([]ModificationEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT previous_version, reason, user_id, occurred_at
		FROM po_modifications WHERE po_id = $1 ORDER BY occurred_at`, poID)
	if err != nil {
		return nil, fmt.Errorf("procurement: load history: %w", err)
	}
	defer rows.Close()

	var history []ModificationEntry
	for rows.Next() {
		var entry ModificationEntry
		if err := rows.Scan(&entry.PreviousVersion, &entry.Reason, &entry.UserID, &entry.Date); err != nil {
			return nil, err
		}
		history = append(history, entry)
	}
	return history, rows.Err()
}

// ListPOs returns purchase orders for a project with filters and paging.
func (r *Repository) ListPOs(ctx context.Context, projectID string, limit, offset int, filters ListFilters) ([]POListItem, int, error) {
	countSQL := `SELECT COUNT(*) FROM purchase_orders p WHERE p.project_id = $1`
	args := []any{projectID}
	argNum := 2

	if filters.Status != "" {
		countSQL += fmt.Sprintf(` AND p.status = $%d`, argNum)
		args = append(args, filters.Status)
		argNum++
	}
	if filters.SupplierID != "" {
		countSQL += fmt.Sprintf(` AND p.supplier_id = $%d`, argNum)
		args = append(args, filters.SupplierID)
		argNum++
	}
	if filters.Search != "" {
		countSQL += fmt.Sprintf(` AND p.number ILIKE $%d`, argNum)
		args = append(args, "%"+filters.Search+"%")
		argNum++
	}

	var total int
	if err := r.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataSQL := `SELECT p.id, p.number, p.project_id, p.supplier_id, p.version, p.status, p.total_amount, p.created_at
		FROM purchase_orders p WHERE p.project_id = $1`
	args2 := []any{projectID}
	argNum2 := 2
	if filters.Status != "" {
		dataSQL += fmt.Sprintf(` AND p.status = $%d`, argNum2)
		args2 = append(args2, filters.Status)
		argNum2++
	}
	if filters.SupplierID != "" {
		dataSQL += fmt.Sprintf(` AND p.supplier_id = $%d`, argNum2)
		args2 = append(args2, filters.SupplierID)
		argNum2++
	}
	if filters.Search != "" {
		dataSQL += fmt.Sprintf(` AND p.number ILIKE $%d`, argNum2)
		args2 = append(args2, "%"+filters.Search+"%")
		argNum2++
	}
	dataSQL += ` ORDER BY ` + sortOrderPO(filters.SortBy, filters.SortDir)
	dataSQL += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, argNum2, argNum2+1)
	args2 = append(args2, limit, offset)

	rows, err := r.pool.Query(ctx, dataSQL, args2...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []POListItem
	for rows.Next() {
		var item POListItem
		if err := rows.Scan(&item.ID, &item.Number, &item.ProjectID, &item.SupplierID, &item.Version, &item.Status, &item.TotalAmount, &item.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// sortOrderPO returns a safe ORDER BY clause for list queries.
func sortOrderPO(sortBy, sortDir string) string {
	dir := "DESC"
	if sortDir == "asc" {
		dir = "ASC"
	}
	switch sortBy {
	case "number":
		return "p.number " + dir
	case "status":
		return "p.status " + dir
	case "total":
		return "p.total_amount " + dir
	default:
		return "p.created_at DESC"
	}
}

func (t *txRepo) CreatePO(ctx context.Context, po PurchaseOrder) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO purchase_orders (id, number, project_id, supplier_id, version, status,
			base_amount, vat_amount, irpf_amount, total_amount, invoiced_amount, remaining_amount,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		po.ID, po.Number, po.ProjectID, po.SupplierID, po.Version, po.Status,
		po.BaseAmount, po.VATAmount, po.IRPFAmount, po.TotalAmount, po.InvoicedAmount, po.RemainingAmount,
		po.CreatedAt, po.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateNumber
		}
		return fmt.Errorf("procurement: insert order: %w", err)
	}
	return t.ReplaceItems(ctx, po.ID, po.Items)
}

func (t *txRepo) ReplaceItems(ctx context.Context, poID string, items []LineItem) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM po_items WHERE po_id = $1`, poID); err != nil {
		return fmt.Errorf("procurement: clear items: %w", err)
	}
	for pos, item := range items {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO po_items (id, po_id, position, description, sub_account_id, quantity, unit_price,
				base_amount, vat_rate, irpf_rate, vat_amount, irpf_amount, total_amount)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			item.ID, poID, pos, item.Description, item.SubAccountID, item.Quantity, item.UnitPrice,
			item.BaseAmount, item.VATRate, item.IRPFRate, item.VATAmount, item.IRPFAmount, item.TotalAmount)
		if err != nil {
			return fmt.Errorf("procurement: insert item: %w", err)
		}
	}
	return nil
}

func (t *txRepo) UpdateStatus(ctx context.Context, id string, status Status) error {
	tag, err := t.tx.Exec(ctx, `UPDATE purchase_orders SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("procurement: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) SetApproval(ctx context.Context, id string, approvedBy string, approvedAt time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE purchase_orders SET approved_by = $2, approved_at = $3, updated_at = NOW() WHERE id = $1`, id, approvedBy, approvedAt)
	return err
}

func (t *txRepo) ClearApproval(ctx context.Context, id string) error {
	_, err := t.tx.Exec(ctx, `UPDATE purchase_orders SET approved_by = NULL, approved_at = NULL, updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (t *txRepo) SetAmounts(ctx context.Context, id string, invoiced, remaining decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `UPDATE purchase_orders SET invoiced_amount = $2, remaining_amount = $3, updated_at = NOW() WHERE id = $1`, id, invoiced, remaining)
	return err
}

func (t *txRepo) SetTotals(ctx context.Context, po PurchaseOrder) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE purchase_orders
		SET base_amount = $2, vat_amount = $3, irpf_amount = $4, total_amount = $5,
			remaining_amount = $6, updated_at = NOW()
		WHERE id = $1`,
		po.ID, po.BaseAmount, po.VATAmount, po.IRPFAmount, po.TotalAmount, po.RemainingAmount)
	return err
}

func (t *txRepo) SetCancellation(ctx context.Context, id, reason string) error {
	_, err := t.tx.Exec(ctx, `UPDATE purchase_orders SET cancel_reason = $2, updated_at = NOW() WHERE id = $1`, id, reason)
	return err
}

func (t *txRepo) AppendModification(ctx context.Context, id string, newVersion int, entry ModificationEntry) error {
	if _, err := t.tx.Exec(ctx, `UPDATE purchase_orders SET version = $2, updated_at = NOW() WHERE id = $1`, id, newVersion); err != nil {
		return fmt.Errorf("procurement: bump version: %w", err)
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO po_modifications (po_id, previous_version, reason, user_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5)`,
		id, entry.PreviousVersion, entry.Reason, entry.UserID, entry.Date)
	return err
}
