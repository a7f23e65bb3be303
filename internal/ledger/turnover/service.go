package turnover

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/crewbase/crewbase/internal/ledger/shared"
	"github.com/crewbase/crewbase/internal/observability"
)

// Service serves point-in-time turnover and saldo aggregates through the
// generation-tagged cache. Reads and generation bumps are not linearized
// against each other; a race only ever costs an extra recomputation because
// a miss recomputes from the posting table.
type Service struct {
	kv      KV
	repo    Repository
	ttl     time.Duration
	metrics *observability.Metrics
	logger  *slog.Logger
	group   singleflight.Group
}

func NewService(kv KV, repo Repository, ttl time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{kv: kv, repo: repo, ttl: ttl, metrics: metrics, logger: logger}
}

// Turnover returns the all-history sum of one side of the account,
// including its non-closed descendants.
func (s *Service) Turnover(ctx context.Context, accountID int64, side shared.Side) (decimal.Decimal, error) {
	gen, err := s.generation(ctx, accountID)
	if err != nil {
		// Cache unavailable: fall through to the source of truth.
		s.logger.Warn("turnover cache generation read failed", slog.Int64("account_id", accountID), slog.Any("error", err))
		return s.repo.SumSide(ctx, accountID, side)
	}
	key := valueKey(accountID, side, gen)
	if raw, ok, err := s.kv.Get(ctx, key); err == nil && ok {
		if value, perr := decimal.NewFromString(raw); perr == nil {
			s.metrics.CacheHit(string(side))
			return value, nil
		}
	}
	s.metrics.CacheMiss(string(side))

	value, err, _ := s.group.Do(key, func() (any, error) {
		sum, err := s.repo.SumSide(ctx, accountID, side)
		if err != nil {
			return decimal.Decimal{}, err
		}
		if err := s.kv.Set(ctx, key, sum.String(), s.ttl); err != nil {
			s.logger.Warn("turnover cache store failed", slog.String("key", key), slog.Any("error", err))
		}
		return sum, nil
	})
	if err != nil {
		return decimal.Decimal{}, err
	}
	return value.(decimal.Decimal), nil
}

// Saldo is debit turnover minus credit turnover, derived from the two
// cached sides.
func (s *Service) Saldo(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	debit, err := s.Turnover(ctx, accountID, shared.SideDebit)
	if err != nil {
		return decimal.Decimal{}, err
	}
	credit, err := s.Turnover(ctx, accountID, shared.SideCredit)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return debit.Sub(credit), nil
}

// Bump increments the generation of every listed account, making all their
// cached entries unreachable. Old entries are not deleted; they expire via
// the TTL. Failures are logged and swallowed: the cache is best-effort and
// entries self-heal when the TTL lapses.
func (s *Service) Bump(ctx context.Context, accountIDs ...int64) {
	for _, id := range accountIDs {
		if _, err := s.kv.Incr(ctx, generationKey(id)); err != nil {
			s.logger.Warn("turnover cache bump failed", slog.Int64("account_id", id), slog.Any("error", err))
		}
	}
}

// generation reads the account's current generation tag, lazily creating it
// at 1 on first use.
func (s *Service) generation(ctx context.Context, accountID int64) (int64, error) {
	key := generationKey(accountID)
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if ok {
		if gen, perr := strconv.ParseInt(raw, 10, 64); perr == nil && gen > 0 {
			return gen, nil
		}
	}
	if _, err := s.kv.SetNX(ctx, key, "1"); err != nil {
		return 0, err
	}
	// Another writer may have bumped in between; an extra miss is fine.
	return 1, nil
}
