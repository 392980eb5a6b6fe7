package ledger_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tapcash/engagement-service/internal/apperr"
	"tapcash/engagement-service/internal/db"
	"tapcash/engagement-service/internal/ledger"
)

// newPostgresLedger needs TEST_DATABASE_URL pointing at a disposable database.
func newPostgresLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, db.Migrate(url, zap.NewNop()))
	pool, err := db.NewPostgresPool(ctx, url, db.PoolOptions{MaxConns: 16})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `TRUNCATE operation_leases, completion_claims, completion_records, user_balances, withdrawal_transactions`)
	require.NoError(t, err)

	return ledger.New(ledger.NewPostgresStore(pool), zap.NewNop())
}

func TestPostgres_ConcurrentDuplicateInsert(t *testing.T) {
	l := newPostgresLedger(t)
	ctx := context.Background()

	const n = 12
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.RecordCompletion(ctx, completion(42, "pg-user", "0.50"))
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.Equal(t, apperr.ReasonAlreadyCompleted, apperr.ReasonOf(err))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)

	earned, err := l.EarnedBalance(ctx, "pg-user")
	require.NoError(t, err)
	assert.True(t, earned.Equal(d("0.50")), "earned = %s", earned)
}

func TestPostgres_WithdrawalRoundTrip(t *testing.T) {
	l := newPostgresLedger(t)
	ctx := context.Background()

	for i := 1; i <= 20; i++ {
		_, err := l.RecordCompletion(ctx, completion(uint64(i), "pg-user", "0.50"))
		require.NoError(t, err, fmt.Sprintf("job %d", i))
	}
	snap, err := l.PendingSnapshot(ctx, "pg-user")
	require.NoError(t, err)
	assert.True(t, snap.Total.Equal(d("10")))

	_, err = l.ApplyWithdrawal(ctx, ledger.WithdrawalRequest{
		UserID: "pg-user", WalletAddress: "0xabc", RecordIDs: snap.RecordIDs, Amount: snap.Total, SourceRef: "0xfeed",
	})
	require.NoError(t, err)

	bal, err := l.Balance(ctx, "pg-user", d("10"))
	require.NoError(t, err)
	assert.True(t, bal.Earned.IsZero())
	assert.True(t, bal.Spendable.Equal(d("10")))

	_, err = l.RecordCompletion(ctx, completion(1, "pg-user", "0.50"))
	assert.Equal(t, apperr.ReasonAlreadyCompleted, apperr.ReasonOf(err))
}

func TestPostgres_StaleSnapshotRollsBack(t *testing.T) {
	l := newPostgresLedger(t)
	ctx := context.Background()

	_, err := l.RecordCompletion(ctx, completion(1, "pg-user", "10"))
	require.NoError(t, err)
	snap, err := l.PendingSnapshot(ctx, "pg-user")
	require.NoError(t, err)

	_, err = l.ApplyWithdrawal(ctx, ledger.WithdrawalRequest{
		UserID: "pg-user", RecordIDs: snap.RecordIDs, Amount: d("11"), SourceRef: "0x1",
	})
	assert.True(t, apperr.IsInvariant(err))

	earned, err := l.EarnedBalance(ctx, "pg-user")
	require.NoError(t, err)
	assert.True(t, earned.Equal(d("10")))
}

func TestPostgres_Leases(t *testing.T) {
	l := newPostgresLedger(t)
	ctx := context.Background()

	s1, err := l.AcquireLease(ctx, "pg-user", "0xabc", ledger.LeaseSettle, time.Minute)
	require.NoError(t, err)
	s2, err := l.AcquireLease(ctx, "pg-user", "0xabc", ledger.LeaseSettle, time.Minute)
	require.NoError(t, err)

	_, err = l.AcquireLease(ctx, "pg-user", "0xabc", ledger.LeaseWithdraw, time.Minute)
	assert.ErrorIs(t, err, ledger.ErrLeaseHeld)

	l.ReleaseLease(ctx, s1)
	l.ReleaseLease(ctx, s2)
	w, err := l.AcquireLease(ctx, "pg-user", "0xabc", ledger.LeaseWithdraw, time.Minute)
	require.NoError(t, err)
	_, err = l.AcquireLease(ctx, "pg-user", "0xabc", ledger.LeaseSettle, time.Minute)
	assert.ErrorIs(t, err, ledger.ErrLeaseHeld)
	l.ReleaseLease(ctx, w)

	// A lease left behind by a crashed process lapses.
	_, err = l.AcquireLease(ctx, "pg-user", "0xabc", ledger.LeaseWithdraw, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = l.AcquireLease(ctx, "pg-user", "0xabc", ledger.LeaseSettle, time.Minute)
	require.NoError(t, err)
}
