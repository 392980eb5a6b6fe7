package engine_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tapcash/engagement-service/internal/apperr"
	"tapcash/engagement-service/internal/chain"
	"tapcash/engagement-service/internal/counts"
	"tapcash/engagement-service/internal/engine"
	"tapcash/engagement-service/internal/engine/enginetest"
	"tapcash/engagement-service/internal/events"
	"tapcash/engagement-service/internal/scoring"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestNewCaller(t *testing.T) {
	c, err := engine.NewCaller(" u1 ", enginetest.Worker.Hex())
	require.NoError(t, err)
	assert.Equal(t, "u1", c.UserID)
	assert.Equal(t, enginetest.Worker, c.Wallet)

	for _, tc := range []struct{ user, wallet string }{
		{"", enginetest.Worker.Hex()},
		{"u1", "not-an-address"},
		{"u1", "0x0000000000000000000000000000000000000000"},
	} {
		_, err := engine.NewCaller(tc.user, tc.wallet)
		assert.ErrorIs(t, err, engine.ErrUnauthenticated, "user=%q wallet=%q", tc.user, tc.wallet)
	}
}

// Eligible claim, baseline 5, after 6: high confidence pass and 0.50 credited.
func TestFlow_ClaimScenario(t *testing.T) {
	ctx := context.Background()
	env := enginetest.New()
	env.PutLikeJob(1, "0.50")
	env.Counts.Set(enginetest.ContentRef, counts.Counts{Likes: 5}, counts.Counts{Likes: 6})
	caller := env.Caller()

	dec, err := env.Service.Eligibility(ctx, caller, 1)
	require.NoError(t, err)
	assert.True(t, dec.Eligible)

	start, err := env.Service.StartVerification(ctx, caller, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), start.BaselineCounts[chain.CounterLikes])
	assert.NotEmpty(t, start.Instructions)

	res, err := env.Service.SubmitVerification(ctx, caller, 1, nil)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, scoring.ConfidenceHigh, res.Confidence)
	assert.Equal(t, 90, res.Score)
	require.NotNil(t, res.RewardAmount)
	assert.True(t, res.RewardAmount.Equal(d("0.50")))
	require.NotNil(t, res.NewEarnedBalance)
	assert.True(t, res.NewEarnedBalance.Equal(d("0.50")))
	assert.False(t, res.Withdrawable)

	evs := env.Events.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeCompletionRecorded, evs[0].Type)
	assert.Equal(t, "0.50", evs[0].Amount)

	// Single use: the session is gone.
	_, err = env.Service.SubmitVerification(ctx, caller, 1, nil)
	assert.Equal(t, apperr.ReasonSessionNotFound, apperr.ReasonOf(err))

	// And the pair can never be claimed again.
	dec, err = env.Service.Eligibility(ctx, caller, 1)
	require.NoError(t, err)
	assert.Equal(t, apperr.ReasonAlreadyCompleted, dec.ReasonCode)
}

func TestFlow_NoIncrease(t *testing.T) {
	ctx := context.Background()
	env := enginetest.New()
	env.PutLikeJob(1, "0.50")
	env.Counts.Set(enginetest.ContentRef, counts.Counts{Likes: 5})
	caller := env.Caller()

	_, err := env.Service.StartVerification(ctx, caller, 1)
	require.NoError(t, err)

	res, err := env.Service.SubmitVerification(ctx, caller, 1, nil)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, apperr.ReasonNoCountIncrease, res.ReasonCode)
	assert.Nil(t, res.RewardAmount)
	assert.Equal(t, 0, env.LedgerStore.RecordCount(caller.UserID))
	assert.Equal(t, 1, env.Sessions.Len(), "session retained for retry")
	assert.Equal(t, 0, env.Chain.Calls("completeJob"))
	assert.Empty(t, env.Events.Events())
}

func TestFlow_WithdrawThreshold(t *testing.T) {
	ctx := context.Background()
	env := enginetest.New()
	env.PutLikeJob(1, "9.99")
	env.PutLikeJob(2, "0.01")
	caller := env.Caller()

	complete := func(jobID uint64) {
		t.Helper()
		env.Counts.Set(enginetest.ContentRef, counts.Counts{Likes: 10}, counts.Counts{Likes: 11})
		_, err := env.Service.StartVerification(ctx, caller, jobID)
		require.NoError(t, err)
		res, err := env.Service.SubmitVerification(ctx, caller, jobID, nil)
		require.NoError(t, err)
		require.True(t, res.Passed)
	}

	complete(1)
	_, err := env.Service.Withdraw(ctx, caller)
	assert.Equal(t, apperr.ReasonBelowThreshold, apperr.ReasonOf(err))

	complete(2)
	bal, err := env.Service.Balance(ctx, caller)
	require.NoError(t, err)
	assert.True(t, bal.Earned.Equal(d("10.00")))
	assert.True(t, bal.Withdrawable)

	w, err := env.Service.Withdraw(ctx, caller)
	require.NoError(t, err)
	assert.True(t, w.Amount.Equal(d("10.00")))
	assert.True(t, w.NewBalance.Earned.IsZero())
	assert.True(t, w.NewBalance.Spendable.Equal(d("10.00")))
	assert.NotEmpty(t, w.SourceRef)

	txs, err := env.Service.Withdrawals(ctx, caller)
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	evs := env.Events.Events()
	require.Len(t, evs, 3)
	assert.Equal(t, events.TypeWithdrawalConfirmed, evs[2].Type)
	assert.Equal(t, "10.00", evs[2].Amount)
}

func TestFlow_SelfClaimRejectedAtStart(t *testing.T) {
	env := enginetest.New()
	env.PutLikeJob(1, "0.50")

	_, err := env.Service.StartVerification(context.Background(),
		engine.Caller{UserID: "creator", Wallet: enginetest.Creator}, 1)
	assert.Equal(t, apperr.ReasonSelfClaim, apperr.ReasonOf(err))
	assert.Equal(t, 0, env.Counts.Reads())
}

// The user acts once. A transient contract failure must not cost them the
// claim: resubmitting against the same baseline pays exactly once.
func TestFlow_ContractFailureThenResubmit(t *testing.T) {
	ctx := context.Background()
	env := enginetest.New()
	env.PutLikeJob(1, "0.50")
	env.Counts.Set(enginetest.ContentRef, counts.Counts{Likes: 5}, counts.Counts{Likes: 6})
	caller := env.Caller()

	_, err := env.Service.StartVerification(ctx, caller, 1)
	require.NoError(t, err)
	env.Chain.FailNext("completeJob", 1)
	_, err = env.Service.SubmitVerification(ctx, caller, 1, nil)
	assert.True(t, apperr.IsTransient(err))
	assert.Equal(t, 0, env.LedgerStore.RecordCount(caller.UserID))
	assert.Equal(t, 1, env.Sessions.Len(), "session kept for resubmission")

	res, err := env.Service.SubmitVerification(ctx, caller, 1, nil)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	require.NotNil(t, res.RewardAmount)
	assert.True(t, res.RewardAmount.Equal(d("0.50")))
	assert.Equal(t, 1, env.LedgerStore.RecordCount(caller.UserID))
	assert.Equal(t, 2, env.Chain.Calls("completeJob"))

	_, err = env.Service.SubmitVerification(ctx, caller, 1, nil)
	assert.Equal(t, apperr.ReasonSessionNotFound, apperr.ReasonOf(err))
}

// A ledger failure after the chain accepted the completion is not retried
// through the session: the chain already counts it.
func TestFlow_LedgerFailureAfterChainNotResubmittable(t *testing.T) {
	ctx := context.Background()
	env := enginetest.New()
	env.PutLikeJob(1, "0.50")
	env.Counts.Set(enginetest.ContentRef, counts.Counts{Likes: 5}, counts.Counts{Likes: 6})
	caller := env.Caller()

	_, err := env.Service.StartVerification(ctx, caller, 1)
	require.NoError(t, err)
	env.LedgerStore.FailNext("InsertCompletion", 1)
	_, err = env.Service.SubmitVerification(ctx, caller, 1, nil)
	assert.True(t, apperr.IsInvariant(err))
	assert.Equal(t, 0, env.Sessions.Len())
}
