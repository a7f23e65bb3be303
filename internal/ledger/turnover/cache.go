package turnover

import (
	"context"
	"fmt"
	"time"

	"github.com/crewbase/crewbase/internal/ledger/shared"
)

// DefaultTTL bounds how long an orphaned cache entry can linger after its
// generation moved on.
const DefaultTTL = 6 * time.Hour

// KV is the minimal key-value surface the generation scheme needs. Redis
// satisfies it in production; miniredis in tests. The store is best-effort:
// every operation may fail without affecting ledger correctness, because a
// miss always recomputes from the source of truth.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
}

func generationKey(accountID int64) string {
	return fmt.Sprintf("ledger:account:%d:gen", accountID)
}

// valueKey embeds the account's current generation, so bumping the
// generation orphans stale entries instead of deleting them.
func valueKey(accountID int64, side shared.Side, generation int64) string {
	return fmt.Sprintf("ledger:turnover:%d:%s:g%d", accountID, side, generation)
}
