package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerDriftScan is the task type for the advisory drift scan.
	TaskLedgerDriftScan = "ledger:drift_scan"
)

// DriftScanPayload narrows a drift scan to one project. Empty means all.
type DriftScanPayload struct {
	ProjectID string `json:"projectId,omitempty"`
}

// NewDriftScanTask constructs an Asynq task.
func NewDriftScanTask(payload DriftScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerDriftScan, data), nil
}
