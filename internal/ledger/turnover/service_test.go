package turnover

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/crewbase/crewbase/internal/ledger/shared"
	"github.com/crewbase/crewbase/internal/platform/cache"
)

type stubSums struct {
	sums  map[string]decimal.Decimal
	calls int
}

func (s *stubSums) SumSide(ctx context.Context, accountID int64, side shared.Side) (decimal.Decimal, error) {
	s.calls++
	return s.sums[sumKey(accountID, side)], nil
}

func sumKey(accountID int64, side shared.Side) string {
	return string(side) + ":" + strconv.FormatInt(accountID, 10)
}

func testService(t *testing.T) (*Service, *stubSums, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := &stubSums{sums: make(map[string]decimal.Decimal)}
	svc := NewService(cache.NewKV(client), repo, time.Hour, nil, nil)
	return svc, repo, mr
}

func TestTurnoverCachesRecomputedValue(t *testing.T) {
	svc, repo, _ := testService(t)
	ctx := context.Background()
	repo.sums[sumKey(7, shared.SideDebit)] = decimal.RequireFromString("128.50")

	first, err := svc.Turnover(ctx, 7, shared.SideDebit)
	require.NoError(t, err)
	require.Equal(t, "128.50", first.StringFixed(2))
	require.Equal(t, 1, repo.calls)

	// Second read is served from the cache.
	second, err := svc.Turnover(ctx, 7, shared.SideDebit)
	require.NoError(t, err)
	require.True(t, first.Equal(second))
	require.Equal(t, 1, repo.calls)
}

func TestBumpOrphansCachedEntries(t *testing.T) {
	svc, repo, mr := testService(t)
	ctx := context.Background()
	repo.sums[sumKey(7, shared.SideDebit)] = decimal.RequireFromString("100")

	_, err := svc.Turnover(ctx, 7, shared.SideDebit)
	require.NoError(t, err)

	repo.sums[sumKey(7, shared.SideDebit)] = decimal.RequireFromString("250")
	svc.Bump(ctx, 7)

	after, err := svc.Turnover(ctx, 7, shared.SideDebit)
	require.NoError(t, err)
	require.Equal(t, "250.00", after.StringFixed(2))
	require.Equal(t, 2, repo.calls)

	// The stale generation-1 entry is orphaned, not deleted.
	require.True(t, mr.Exists("ledger:turnover:7:debit:g1"))
	require.True(t, mr.Exists("ledger:turnover:7:debit:g2"))
}

func TestSaldoIsDebitMinusCredit(t *testing.T) {
	svc, repo, _ := testService(t)
	ctx := context.Background()
	repo.sums[sumKey(3, shared.SideDebit)] = decimal.RequireFromString("400")
	repo.sums[sumKey(3, shared.SideCredit)] = decimal.RequireFromString("150.25")

	saldo, err := svc.Saldo(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, "249.75", saldo.StringFixed(2))
}

func TestTurnoverFallsBackWhenCacheDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := &stubSums{sums: map[string]decimal.Decimal{
		sumKey(9, shared.SideCredit): decimal.RequireFromString("42"),
	}}
	svc := NewService(cache.NewKV(client), repo, time.Hour, nil, nil)

	mr.Close()

	value, err := svc.Turnover(context.Background(), 9, shared.SideCredit)
	require.NoError(t, err)
	require.Equal(t, "42.00", value.StringFixed(2))
}

func TestValueKeysExpire(t *testing.T) {
	svc, repo, mr := testService(t)
	ctx := context.Background()
	repo.sums[sumKey(5, shared.SideDebit)] = decimal.RequireFromString("10")

	_, err := svc.Turnover(ctx, 5, shared.SideDebit)
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)

	_, err = svc.Turnover(ctx, 5, shared.SideDebit)
	require.NoError(t, err)
	require.Equal(t, 2, repo.calls)
}
