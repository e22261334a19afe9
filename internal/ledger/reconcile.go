package ledger

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
)

// Adjustment is one sub-account's signed balance deltas within a
// reconciliation pass. A zero field leaves that balance untouched.
type Adjustment struct {
	SubAccountID string
	Committed    decimal.Decimal
	Actual       decimal.Decimal
}

// Result summarises a reconciliation pass.
type Result struct {
	Applied int
	Skipped int
}

// Partial reports whether some adjustments were skipped while others landed.
func (r Result) Partial() bool {
	return r.Skipped > 0 && r.Applied > 0
}

// Runner applies the per-item sub-account adjustment pass executed on a
// purchase order or invoice state transition.
//
// Failures are isolated per item: a sub-account that cannot be adjusted is
// logged and skipped, and the pass continues with the remaining items. This
// best-effort policy favours forward progress over all-or-nothing atomicity;
// the caller writes the parent status only after the pass completes, so a
// total failure leaves the entity untouched while a partial failure leaves
// the skipped sub-accounts behind. Callers record the Result in the audit
// trail rather than rolling anything back.
type Runner struct {
	store    Store
	logger   *slog.Logger
	observer func(projectID string, applied, skipped int)
}

// NewRunner constructs a Runner.
func NewRunner(store Store, logger *slog.Logger) *Runner {
	return &Runner{store: store, logger: logger}
}

// WithObserver registers a callback invoked after every pass with its
// outcome, typically a metrics sink. Returns the runner for chaining.
func (r *Runner) WithObserver(fn func(projectID string, applied, skipped int)) *Runner {
	r.observer = fn
	return r
}

// Apply executes the adjustment pass for one project. It never returns an
// error; skipped items are visible in the Result.
func (r *Runner) Apply(ctx context.Context, projectID string, adjustments []Adjustment) Result {
	var res Result
	for _, adj := range adjustments {
		if err := r.applyOne(ctx, projectID, adj); err != nil {
			res.Skipped++
			r.logger.Warn("reconciliation: adjustment skipped",
				slog.String("project_id", projectID),
				slog.String("sub_account_id", adj.SubAccountID),
				slog.String("committed_delta", adj.Committed.String()),
				slog.String("actual_delta", adj.Actual.String()),
				slog.Any("error", err))
			continue
		}
		res.Applied++
	}
	if r.observer != nil {
		r.observer(projectID, res.Applied, res.Skipped)
	}
	return res
}

func (r *Runner) applyOne(ctx context.Context, projectID string, adj Adjustment) error {
	if !adj.Committed.IsZero() {
		if adj.Committed.IsPositive() {
			if err := r.store.IncreaseCommitted(ctx, projectID, adj.SubAccountID, adj.Committed); err != nil {
				return err
			}
		} else {
			if err := r.store.DecreaseCommitted(ctx, projectID, adj.SubAccountID, adj.Committed.Neg()); err != nil {
				return err
			}
		}
	}
	if !adj.Actual.IsZero() {
		if adj.Actual.IsPositive() {
			if err := r.store.IncreaseActual(ctx, projectID, adj.SubAccountID, adj.Actual); err != nil {
				return err
			}
		} else {
			if err := r.store.DecreaseActual(ctx, projectID, adj.SubAccountID, adj.Actual.Neg()); err != nil {
				return err
			}
		}
	}
	return nil
}
