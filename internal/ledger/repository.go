package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository is the PostgreSQL-backed Store. Adjustments are single UPDATE
// statements so the read-modify-write happens inside the database; the
// clamp mirrors ClampNonNegative via GREATEST(0, ...).
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// Get returns one sub-account.
func (r *Repository) Get(ctx context.Context, projectID, subAccountID string) (SubAccount, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT project_id, account_id, sub_account_id, name, budgeted, committed, actual, updated_at
		FROM sub_accounts
		WHERE project_id = $1 AND sub_account_id = $2`, projectID, subAccountID)
	var sa SubAccount
	if err := row.Scan(&sa.ProjectID, &sa.AccountID, &sa.SubAccountID, &sa.Name, &sa.Budgeted, &sa.Committed, &sa.Actual, &sa.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SubAccount{}, ErrSubAccountNotFound
		}
		return SubAccount{}, fmt.Errorf("ledger: get sub-account: %w", err)
	}
	return sa, nil
}

// ListByProject returns every sub-account in the project ordered by account.
func (r *Repository) ListByProject(ctx context.Context, projectID string) ([]SubAccount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT project_id, account_id, sub_account_id, name, budgeted, committed, actual, updated_at
		FROM sub_accounts
		WHERE project_id = $1
		ORDER BY account_id, sub_account_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list sub-accounts: %w", err)
	}
	defer rows.Close()

	var accounts []SubAccount
	for rows.Next() {
		var sa SubAccount
		if err := rows.Scan(&sa.ProjectID, &sa.AccountID, &sa.SubAccountID, &sa.Name, &sa.Budgeted, &sa.Committed, &sa.Actual, &sa.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, sa)
	}
	return accounts, rows.Err()
}

// IncreaseCommitted adds amount to the committed balance.
func (r *Repository) IncreaseCommitted(ctx context.Context, projectID, subAccountID string, amount decimal.Decimal) error {
	return r.adjust(ctx, projectID, subAccountID, amount,
		`UPDATE sub_accounts SET committed = committed + $3, updated_at = NOW() WHERE project_id = $1 AND sub_account_id = $2`)
}

// DecreaseCommitted subtracts amount from the committed balance, floored at zero.
func (r *Repository) DecreaseCommitted(ctx context.Context, projectID, subAccountID string, amount decimal.Decimal) error {
	return r.adjust(ctx, projectID, subAccountID, amount,
		`UPDATE sub_accounts SET committed = GREATEST(0, committed - $3), updated_at = NOW() WHERE project_id = $1 AND sub_account_id = $2`)
}

// IncreaseActual adds amount to the actual balance.
func (r *Repository) IncreaseActual(ctx context.Context, projectID, subAccountID string, amount decimal.Decimal) error {
	return r.adjust(ctx, projectID, subAccountID, amount,
		`UPDATE sub_accounts SET actual = actual + $3, updated_at = NOW() WHERE project_id = $1 AND sub_account_id = $2`)
}

// DecreaseActual subtracts amount from the actual balance, floored at zero.
func (r *Repository) DecreaseActual(ctx context.Context, projectID, subAccountID string, amount decimal.Decimal) error {
	return r.adjust(ctx, projectID, subAccountID, amount,
		`UPDATE sub_accounts SET actual = GREATEST(0, actual - $3), updated_at = NOW() WHERE project_id = $1 AND sub_account_id = $2`)
}

func (r *Repository) adjust(ctx context.Context, projectID, subAccountID string, amount decimal.Decimal, query string) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	tag, err := r.pool.Exec(ctx, query, projectID, subAccountID, amount)
	if err != nil {
		return fmt.Errorf("ledger: adjust sub-account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubAccountNotFound
	}
	return nil
}
