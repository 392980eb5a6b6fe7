package validator_test

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tapcash/engagement-service/internal/apperr"
	"tapcash/engagement-service/internal/chain"
	"tapcash/engagement-service/internal/validator"
)

var (
	creator  = common.HexToAddress("0xC0FFEE0000000000000000000000000000000001")
	claimant = common.HexToAddress("0xBEEF000000000000000000000000000000000002")
)

func openJob() chain.Job {
	return chain.Job{
		ID:               1,
		Creator:          creator,
		ActionType:       chain.ActionLike,
		ContentRef:       "https://x.com/a/status/1",
		PricePerAction:   decimal.RequireFromString("0.50"),
		MaxActions:       10,
		CompletedActions: 3,
		Active:           true,
	}
}

func newValidator(t *testing.T, job chain.Job) (*validator.JobValidator, *chain.MemoryOracle) {
	t.Helper()
	o := chain.NewMemoryOracle()
	o.PutJob(job)
	return validator.New(o, zap.NewNop()), o
}

func TestCanClaim_Eligible(t *testing.T) {
	v, _ := newValidator(t, openJob())

	d, err := v.CanClaim(context.Background(), 1, claimant)
	require.NoError(t, err)
	assert.True(t, d.Eligible)
	assert.Empty(t, d.ReasonCode)
	assert.Equal(t, uint64(3), d.Job.CompletedActions)
	assert.NoError(t, d.Err())
}

func TestCanClaim_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*chain.Job)
		who    common.Address
		want   string
	}{
		{"unknown job", func(j *chain.Job) { j.Creator = common.Address{} }, claimant, apperr.ReasonJobNotFound},
		{"inactive", func(j *chain.Job) { j.Active = false }, claimant, apperr.ReasonJobInactive},
		{"full", func(j *chain.Job) { j.CompletedActions = 10 }, claimant, apperr.ReasonJobFull},
		{"self claim", func(j *chain.Job) {}, creator, apperr.ReasonSelfClaim},
		{"bad action", func(j *chain.Job) { j.ActionType = "share" }, claimant, apperr.ReasonInvalidActionType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			job := openJob()
			tc.mutate(&job)
			v, _ := newValidator(t, job)

			d, err := v.CanClaim(context.Background(), 1, tc.who)
			require.NoError(t, err)
			assert.False(t, d.Eligible)
			assert.Equal(t, tc.want, d.ReasonCode)
			assert.Equal(t, tc.want, apperr.ReasonOf(d.Err()))
		})
	}
}

// Inactive is reported before full, and full before self-claim.
func TestCanClaim_RejectionOrder(t *testing.T) {
	job := openJob()
	job.Active = false
	job.CompletedActions = job.MaxActions
	v, _ := newValidator(t, job)

	d, err := v.CanClaim(context.Background(), 1, creator)
	require.NoError(t, err)
	assert.Equal(t, apperr.ReasonJobInactive, d.ReasonCode)

	job.Active = true
	v, _ = newValidator(t, job)
	d, err = v.CanClaim(context.Background(), 1, creator)
	require.NoError(t, err)
	assert.Equal(t, apperr.ReasonJobFull, d.ReasonCode)
}

func TestCanClaim_AlreadyCompleted(t *testing.T) {
	v, o := newValidator(t, openJob())
	o.MarkCompleted(1, claimant)

	d, err := v.CanClaim(context.Background(), 1, claimant)
	require.NoError(t, err)
	assert.Equal(t, apperr.ReasonAlreadyCompleted, d.ReasonCode)
}

func TestCanClaim_UnavailableIsTransient(t *testing.T) {
	for _, method := range []string{"getJob", "hasUserCompleted"} {
		t.Run(method, func(t *testing.T) {
			v, o := newValidator(t, openJob())
			o.FailNext(method, 1)

			d, err := v.CanClaim(context.Background(), 1, claimant)
			require.Error(t, err)
			assert.True(t, apperr.IsTransient(err))
			assert.False(t, apperr.IsRejection(err))
			assert.Equal(t, apperr.ReasonValidationUnavailable, d.ReasonCode)
		})
	}
}

func TestCanClaim_Repeatable(t *testing.T) {
	v, o := newValidator(t, openJob())
	for i := 0; i < 3; i++ {
		d, err := v.CanClaim(context.Background(), 1, claimant)
		require.NoError(t, err)
		assert.True(t, d.Eligible)
	}
	job, _ := o.GetJob(context.Background(), 1)
	assert.Equal(t, uint64(3), job.CompletedActions, "CanClaim must not mutate contract state")
}

func TestRequire(t *testing.T) {
	job := openJob()
	job.Active = false
	v, _ := newValidator(t, job)

	_, err := v.Require(context.Background(), 1, claimant)
	assert.Equal(t, apperr.ReasonJobInactive, apperr.ReasonOf(err))
}
