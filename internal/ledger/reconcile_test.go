package ledger

import (
	"context"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestStore() *MemoryStore {
	store := NewMemoryStore()
	store.Seed(SubAccount{ProjectID: "prj-1", AccountID: "acc-1", SubAccountID: "A", Budgeted: dec("5000")})
	store.Seed(SubAccount{ProjectID: "prj-1", AccountID: "acc-1", SubAccountID: "B", Budgeted: dec("3000")})
	return store
}

func TestRunnerAppliesAdjustments(t *testing.T) {
	store := newTestStore()
	runner := NewRunner(store, slog.Default())
	ctx := context.Background()

	res := runner.Apply(ctx, "prj-1", []Adjustment{
		{SubAccountID: "A", Committed: dec("600")},
		{SubAccountID: "B", Committed: dec("400")},
	})
	require.Equal(t, 2, res.Applied)
	require.Zero(t, res.Skipped)

	a, err := store.Get(ctx, "prj-1", "A")
	require.NoError(t, err)
	require.True(t, a.Committed.Equal(dec("600")))

	// Pay: commitment becomes realised spend.
	res = runner.Apply(ctx, "prj-1", []Adjustment{
		{SubAccountID: "A", Committed: dec("-600"), Actual: dec("600")},
		{SubAccountID: "B", Committed: dec("-400"), Actual: dec("400")},
	})
	require.Equal(t, 2, res.Applied)

	a, err = store.Get(ctx, "prj-1", "A")
	require.NoError(t, err)
	require.True(t, a.Committed.IsZero())
	require.True(t, a.Actual.Equal(dec("600")))
}

func TestRunnerIsolatesPerItemFailures(t *testing.T) {
	store := newTestStore()
	runner := NewRunner(store, slog.Default())
	ctx := context.Background()

	res := runner.Apply(ctx, "prj-1", []Adjustment{
		{SubAccountID: "A", Committed: dec("100")},
		{SubAccountID: "missing", Committed: dec("50")},
		{SubAccountID: "B", Committed: dec("200")},
	})

	// The missing sub-account is logged and skipped, the rest still land.
	require.Equal(t, 2, res.Applied)
	require.Equal(t, 1, res.Skipped)
	require.True(t, res.Partial())

	b, err := store.Get(ctx, "prj-1", "B")
	require.NoError(t, err)
	require.True(t, b.Committed.Equal(dec("200")))
}

func TestDecreaseClampsAtZero(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	require.NoError(t, store.IncreaseCommitted(ctx, "prj-1", "A", dec("100")))
	require.NoError(t, store.DecreaseCommitted(ctx, "prj-1", "A", dec("100000")))
	require.NoError(t, store.IncreaseActual(ctx, "prj-1", "A", dec("10")))
	require.NoError(t, store.DecreaseActual(ctx, "prj-1", "A", dec("99")))

	a, err := store.Get(ctx, "prj-1", "A")
	require.NoError(t, err)
	require.True(t, a.Committed.IsZero(), "committed clamped, got %s", a.Committed)
	require.True(t, a.Actual.IsZero(), "actual clamped, got %s", a.Actual)
}

func TestAdjustRejectsNegativeMagnitude(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	err := store.IncreaseCommitted(ctx, "prj-1", "A", dec("-5"))
	require.ErrorIs(t, err, ErrNegativeAmount)
}

func TestClampNonNegative(t *testing.T) {
	require.True(t, ClampNonNegative(dec("10"), dec("4")).Equal(dec("6")))
	require.True(t, ClampNonNegative(dec("10"), dec("15")).IsZero())
	require.True(t, ClampNonNegative(decimal.Zero, dec("1")).IsZero())
}
