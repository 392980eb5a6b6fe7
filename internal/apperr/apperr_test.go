package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRejectCarriesGuidance(t *testing.T) {
	r := Reject(ReasonNoCountIncrease)
	assert.Equal(t, ReasonNoCountIncrease, r.Code)
	assert.Equal(t, "count did not increase, confirm the action and retry", r.Message)

	wrapped := fmt.Errorf("submit: %w", r)
	assert.True(t, IsRejection(wrapped))
	assert.Equal(t, ReasonNoCountIncrease, ReasonOf(wrapped))
	assert.False(t, IsTransient(wrapped))
	assert.False(t, IsInvariant(wrapped))
}

func TestGuidanceFallsBackToCode(t *testing.T) {
	assert.Equal(t, "something_new", Guidance("something_new"))
	assert.Equal(t, "", ReasonOf(errors.New("plain")))
}

func TestTransient(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("start: %w", Transient("counts.GetCounts", cause))

	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsRejection(err))
	assert.Contains(t, err.Error(), "counts.GetCounts")
}

func TestInvariant(t *testing.T) {
	err := Invariant("withdraw", "contract paid out but ledger write failed", errors.New("tx aborted"))
	assert.True(t, IsInvariant(err))
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "ledger write failed")
	assert.Contains(t, err.Error(), "tx aborted")

	bare := Invariant("withdraw", "sum mismatch", nil)
	assert.Equal(t, "invariant violated in withdraw: sum mismatch", bare.Error())
	assert.Nil(t, errors.Unwrap(bare))
}

func TestEveryReasonHasGuidance(t *testing.T) {
	for _, code := range []string{
		ReasonJobNotFound, ReasonJobInactive, ReasonJobFull, ReasonSelfClaim,
		ReasonAlreadyCompleted, ReasonSessionNotFound, ReasonSessionExpired, ReasonSessionPending,
		ReasonMultipleConcurrent, ReasonNoCountIncrease, ReasonCountRegression, ReasonZeroBaseline,
		ReasonClientFailed, ReasonUnconfirmedLowConfidence, ReasonInvalidClientAssertion,
		ReasonBelowThreshold, ReasonOnChainMismatch, ReasonInvalidActionType,
	} {
		assert.NotEqual(t, code, Guidance(code), "no guidance for %s", code)
	}
}
