package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/crewbase/crewbase/internal/jobs"
)

// LedgerIntegrityJob scans for structural inconsistencies the normal write
// paths should never produce: derived full names out of sync with the
// parent chain, interval payments with inverted ranges or without their
// operation, and close-sheet rows pointing at deleted operations.
type LedgerIntegrityJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLedgerIntegrityJob wires dependencies for the integrity handler.
func NewLedgerIntegrityJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{Pool: pool, Logger: logger, Metrics: metrics}
}

type integrityCheck struct {
	kind  string
	query string
}

var integrityChecks = []integrityCheck{
	{
		kind: "full_name_drift",
		query: `SELECT COUNT(*) FROM accounts a
JOIN accounts p ON p.id = a.parent_id
WHERE a.full_name <> p.full_name || '.' || a.name`,
	},
	{
		kind: "root_full_name_drift",
		query: `SELECT COUNT(*) FROM accounts
WHERE parent_id IS NULL AND full_name <> name`,
	},
	{
		kind: "inverted_interval",
		query: `SELECT COUNT(*) FROM interval_payments
WHERE first_day > last_day`,
	},
	{
		kind: "orphan_interval",
		query: `SELECT COUNT(*) FROM interval_payments ip
WHERE NOT EXISTS (SELECT 1 FROM operations o WHERE o.id = ip.operation_id)`,
	},
	{
		kind: "orphan_sheet_row",
		query: `SELECT COUNT(*) FROM sheet_period_closes s
WHERE NOT EXISTS (SELECT 1 FROM operations o WHERE o.id = s.operation_id)`,
	},
	{
		kind: "self_posting",
		query: `SELECT COUNT(*) FROM operations
WHERE debit_id = credit_id`,
	},
}

// Handle processes ledger integrity tasks.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Pool == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	var payload LedgerIntegrityPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskLedgerIntegrity)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	total := 0
	for _, check := range integrityChecks {
		var count int
		if err := j.Pool.QueryRow(ctx, check.query).Scan(&count); err != nil {
			resultErr = err
			logger.Error("integrity check", slog.String("kind", check.kind), slog.Any("error", err))
			return resultErr
		}
		if count > 0 {
			logger.Warn("integrity violation", slog.String("kind", check.kind), slog.Int("count", count))
			j.metrics().AddViolations(check.kind, count)
			total += count
		}
	}

	if payload.Repair && total > 0 {
		if err := j.repairFullNames(ctx); err != nil {
			resultErr = err
			return resultErr
		}
		logger.Info("repaired derivable inconsistencies")
	}
	logger.Info("completed ledger integrity scan", slog.Int("violations", total))
	return resultErr
}

// repairFullNames re-derives every account's full name from the parent
// chain, top down so each pass sees corrected parents.
func (j *LedgerIntegrityJob) repairFullNames(ctx context.Context) error {
	_, err := j.Pool.Exec(ctx, `WITH RECURSIVE derived AS (
  SELECT id, name::text AS full_name FROM accounts WHERE parent_id IS NULL
  UNION ALL
  SELECT a.id, d.full_name || '.' || a.name FROM accounts a
  JOIN derived d ON d.id = a.parent_id
)
UPDATE accounts a SET full_name = d.full_name, updated_at = NOW()
FROM derived d WHERE d.id = a.id AND a.full_name <> d.full_name`)
	return err
}

func (j *LedgerIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskLedgerIntegrity))
}

func (j *LedgerIntegrityJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
