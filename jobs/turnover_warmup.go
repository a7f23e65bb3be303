package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/crewbase/crewbase/internal/ledger/accounts"
	"github.com/crewbase/crewbase/internal/ledger/shared"
	"github.com/crewbase/crewbase/internal/ledger/turnover"
	jobmetrics "github.com/crewbase/crewbase/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// TurnoverWarmupJob pre-populates the turnover cache so the first balance
// read after an invalidation does not pay the recompute cost.
type TurnoverWarmupJob struct {
	Turnover *turnover.Service
	Accounts accounts.Repository
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewTurnoverWarmupJob wires dependencies for the warmup handler.
func NewTurnoverWarmupJob(turnoverSvc *turnover.Service, accountRepo accounts.Repository, logger *slog.Logger, metrics *jobmetrics.Metrics) *TurnoverWarmupJob {
	return &TurnoverWarmupJob{
		Turnover: turnoverSvc,
		Accounts: accountRepo,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes turnover warmup tasks.
func (j *TurnoverWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Turnover == nil || j.Accounts == nil {
		return errors.New("turnover warmup: handler not configured")
	}
	var payload TurnoverWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	roots := payload.Roots
	if len(roots) == 0 {
		roots = shared.ClosableRoots
	}

	tracker := j.metrics().Track(TaskTurnoverWarmup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	started := j.now()
	logger.Info("starting turnover warmup", slog.Int("roots", len(roots)))

	warmed := 0
	for _, root := range roots {
		rootAccount, err := j.Accounts.GetByFullName(ctx, root)
		if err != nil {
			if errors.Is(err, shared.ErrAccountNotFound) {
				continue
			}
			resultErr = err
			return resultErr
		}
		subtree, err := j.Accounts.Subtree(ctx, rootAccount.ID)
		if err != nil {
			resultErr = err
			return resultErr
		}
		if err := j.warmAccounts(ctx, subtree); err != nil {
			resultErr = err
			logger.Error("warm subtree", slog.String("root", root), slog.Any("error", err))
			return resultErr
		}
		warmed += len(subtree)
	}

	logger.Info("completed turnover warmup", slog.Int("accounts", warmed), slog.Duration("duration", time.Since(started)))
	return resultErr
}

// warmAccounts computes both turnover sides for each account with bounded
// parallelism. The cache does the actual storing.
func (j *TurnoverWarmupJob) warmAccounts(ctx context.Context, list []accounts.Account) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, account := range list {
		account := account
		g.Go(func() error {
			warmCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
			defer cancel()
			if _, err := j.Turnover.Turnover(warmCtx, account.ID, shared.SideDebit); err != nil {
				return err
			}
			_, err := j.Turnover.Turnover(warmCtx, account.ID, shared.SideCredit)
			return err
		})
	}
	return g.Wait()
}

func (j *TurnoverWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskTurnoverWarmup))
	}
	return slog.Default().With(slog.String("job", TaskTurnoverWarmup))
}

func (j *TurnoverWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *TurnoverWarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
