package ledger

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store used by tests and local tooling. It
// applies the same ClampNonNegative policy as the SQL repository.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*SubAccount
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*SubAccount)}
}

var _ Store = (*MemoryStore)(nil)

// Seed registers a sub-account.
func (m *MemoryStore) Seed(sa SubAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := sa
	m.accounts[m.key(sa.ProjectID, sa.SubAccountID)] = &copied
}

func (m *MemoryStore) key(projectID, subAccountID string) string {
	return projectID + "/" + subAccountID
}

// Get returns one sub-account.
func (m *MemoryStore) Get(ctx context.Context, projectID, subAccountID string) (SubAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sa, ok := m.accounts[m.key(projectID, subAccountID)]
	if !ok {
		return SubAccount{}, ErrSubAccountNotFound
	}
	return *sa, nil
}

// ListByProject returns every sub-account in the project.
func (m *MemoryStore) ListByProject(ctx context.Context, projectID string) ([]SubAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var accounts []SubAccount
	for _, sa := range m.accounts {
		if sa.ProjectID == projectID {
			accounts = append(accounts, *sa)
		}
	}
	return accounts, nil
}

// IncreaseCommitted adds amount to the committed balance.
func (m *MemoryStore) IncreaseCommitted(ctx context.Context, projectID, subAccountID string, amount decimal.Decimal) error {
	return m.mutate(projectID, subAccountID, amount, func(sa *SubAccount) {
		sa.Committed = sa.Committed.Add(amount)
	})
}

// DecreaseCommitted subtracts amount from the committed balance, floored at zero.
func (m *MemoryStore) DecreaseCommitted(ctx context.Context, projectID, subAccountID string, amount decimal.Decimal) error {
	return m.mutate(projectID, subAccountID, amount, func(sa *SubAccount) {
		sa.Committed = ClampNonNegative(sa.Committed, amount)
	})
}

// IncreaseActual adds amount to the actual balance.
func (m *MemoryStore) IncreaseActual(ctx context.Context, projectID, subAccountID string, amount decimal.Decimal) error {
	return m.mutate(projectID, subAccountID, amount, func(sa *SubAccount) {
		sa.Actual = sa.Actual.Add(amount)
	})
}

// DecreaseActual subtracts amount from the actual balance, floored at zero.
func (m *MemoryStore) DecreaseActual(ctx context.Context, projectID, subAccountID string, amount decimal.Decimal) error {
	return m.mutate(projectID, subAccountID, amount, func(sa *SubAccount) {
		sa.Actual = ClampNonNegative(sa.Actual, amount)
	})
}

func (m *MemoryStore) mutate(projectID, subAccountID string, amount decimal.Decimal, apply func(*SubAccount)) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sa, ok := m.accounts[m.key(projectID, subAccountID)]
	if !ok {
		return ErrSubAccountNotFound
	}
	apply(sa)
	return nil
}
