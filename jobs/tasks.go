package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTurnoverWarmup pre-populates the turnover cache for hot accounts.
	TaskTurnoverWarmup = "ledger:turnover_warmup"
	// TaskLedgerIntegrity scans the ledger for structural inconsistencies.
	TaskLedgerIntegrity = "ledger:integrity"
)

// TurnoverWarmupPayload scopes a warmup run to a set of chart roots. An
// empty list means every root.
type TurnoverWarmupPayload struct {
	Roots []string `json:"roots,omitempty"`
}

// NewTurnoverWarmupTask constructs an Asynq task.
func NewTurnoverWarmupTask(payload TurnoverWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTurnoverWarmup, data), nil
}

// LedgerIntegrityPayload configures an integrity scan.
type LedgerIntegrityPayload struct {
	// Repair requests fixing derivable inconsistencies (stale full names)
	// instead of only reporting them.
	Repair bool `json:"repair,omitempty"`
}

// NewLedgerIntegrityTask constructs an Asynq task.
func NewLedgerIntegrityTask(payload LedgerIntegrityPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, data), nil
}
