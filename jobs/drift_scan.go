package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	jobmetrics "github.com/greenlight-erp/greenlight/internal/jobs"
)

// DriftScanJob inspects sub-account balances for commitment drift: the
// by-product of the per-item best-effort reconciliation policy, where a
// partially failed pass leaves the parent document updated while some
// sub-accounts were never adjusted.
//
// The scan is advisory. It logs and counts findings; it never adjusts a
// balance. Repairing drift is a bookkeeping decision, not a scheduler's.
type DriftScanJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewDriftScanJob initialises the drift scan handler.
func NewDriftScanJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *DriftScanJob {
	return &DriftScanJob{
		Pool:    pool,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

type overrunFinding struct {
	ProjectID    string
	SubAccountID string
	Budgeted     float64
	Committed    float64
	Actual       float64
}

type mismatchFinding struct {
	ProjectID      string
	TotalCommitted float64
	TotalRemaining float64
}

// Handle executes the drift scan logic.
func (j *DriftScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("drift scan: handler not configured")
	}
	var payload DriftScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	start := j.now()
	tracker := j.metrics().Track(TaskLedgerDriftScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	if payload.ProjectID != "" {
		logger = logger.With(slog.String("project_id", payload.ProjectID))
	}
	logger.Info("starting ledger drift scan")

	printer := message.NewPrinter(language.English)

	overruns, err := j.scanOverruns(ctx, payload.ProjectID)
	if err != nil {
		resultErr = err
		logger.Error("overrun scan failed", slog.Any("error", err))
		return resultErr
	}
	for _, f := range overruns {
		logger.Warn("sub-account over budget",
			slog.String("project_id", f.ProjectID),
			slog.String("sub_account_id", f.SubAccountID),
			slog.String("budgeted", printer.Sprintf("%.2f", f.Budgeted)),
			slog.String("committed", printer.Sprintf("%.2f", f.Committed)),
			slog.String("actual", printer.Sprintf("%.2f", f.Actual)),
		)
		j.metrics().AddDrift("overrun", f.ProjectID, 1)
	}

	mismatches, err := j.scanCommitmentMismatch(ctx, payload.ProjectID)
	if err != nil {
		resultErr = err
		logger.Error("commitment scan failed", slog.Any("error", err))
		return resultErr
	}
	for _, f := range mismatches {
		logger.Warn("committed total diverges from open order remainder",
			slog.String("project_id", f.ProjectID),
			slog.String("total_committed", printer.Sprintf("%.2f", f.TotalCommitted)),
			slog.String("total_remaining", printer.Sprintf("%.2f", f.TotalRemaining)),
			slog.String("delta", printer.Sprintf("%.2f", f.TotalCommitted-f.TotalRemaining)),
		)
		j.metrics().AddDrift("commitment_mismatch", f.ProjectID, 1)
	}

	logger.Info("completed ledger drift scan",
		slog.Int("overruns", len(overruns)),
		slog.Int("mismatches", len(mismatches)),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *DriftScanJob) scanOverruns(ctx context.Context, projectID string) ([]overrunFinding, error) {
	if j.Pool == nil {
		return nil, errors.New("drift scan: pool not configured")
	}
	query := `
		SELECT project_id, sub_account_id,
			budgeted::double precision, committed::double precision, actual::double precision
		FROM sub_accounts
		WHERE committed + actual > budgeted`
	args := []any{}
	if projectID != "" {
		query += ` AND project_id = $1`
		args = append(args, projectID)
	}
	rows, err := j.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []overrunFinding
	for rows.Next() {
		var f overrunFinding
		if err := rows.Scan(&f.ProjectID, &f.SubAccountID, &f.Budgeted, &f.Committed, &f.Actual); err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// scanCommitmentMismatch compares each project's committed total against the
// open remainder of its approved orders. The two track each other through
// the approve/close/reopen/pay flows; a gap beyond rounding tolerance points
// at a partially applied pass.
func (j *DriftScanJob) scanCommitmentMismatch(ctx context.Context, projectID string) ([]mismatchFinding, error) {
	if j.Pool == nil {
		return nil, errors.New("drift scan: pool not configured")
	}
	query := `
		SELECT s.project_id, s.total_committed, COALESCE(p.total_remaining, 0)
		FROM (
			SELECT project_id, SUM(committed)::double precision AS total_committed
			FROM sub_accounts GROUP BY project_id
		) s
		LEFT JOIN (
			SELECT project_id, SUM(remaining_amount)::double precision AS total_remaining
			FROM purchase_orders WHERE status = 'approved' GROUP BY project_id
		) p USING (project_id)
		WHERE ABS(s.total_committed - COALESCE(p.total_remaining, 0)) > 0.01`
	args := []any{}
	if projectID != "" {
		query += ` AND s.project_id = $1`
		args = append(args, projectID)
	}
	rows, err := j.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []mismatchFinding
	for rows.Next() {
		var f mismatchFinding
		if err := rows.Scan(&f.ProjectID, &f.TotalCommitted, &f.TotalRemaining); err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

func (j *DriftScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerDriftScan))
	}
	return slog.Default().With(slog.String("job", TaskLedgerDriftScan))
}

func (j *DriftScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return jobmetrics.NewMetrics(nil)
}

func (j *DriftScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
