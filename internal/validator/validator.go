// Package validator turns raw contract state into a claim-eligibility decision.
// It only reads; calling it twice in a row is always safe.
package validator

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"tapcash/engagement-service/internal/apperr"
	"tapcash/engagement-service/internal/chain"
)

// Decision is the outcome of CanClaim. Job is populated whenever the contract
// answered, even for rejections.
type Decision struct {
	Eligible   bool
	ReasonCode string
	Job        chain.Job
}

// Err returns the Rejection for an ineligible decision, or nil.
func (d Decision) Err() error {
	if d.Eligible {
		return nil
	}
	return apperr.Reject(d.ReasonCode)
}

// JobValidator is stateless; construct one per process and share it.
type JobValidator struct {
	contract chain.ContractOracle
	log      *zap.Logger
}

// New returns a JobValidator reading from contract.
func New(contract chain.ContractOracle, log *zap.Logger) *JobValidator {
	return &JobValidator{contract: contract, log: log}
}

// CanClaim checks, in order: existence, active flag, capacity, self-claim and
// prior completion. Oracle I/O failures are returned as transient errors
// rather than as an ineligible decision.
func (v *JobValidator) CanClaim(ctx context.Context, jobID uint64, claimant common.Address) (Decision, error) {
	job, err := v.contract.GetJob(ctx, jobID)
	if err != nil {
		v.log.Warn("getJob failed", zap.Uint64("job_id", jobID), zap.Error(err))
		return Decision{ReasonCode: apperr.ReasonValidationUnavailable}, apperr.Transient("validator.getJob", err)
	}

	if reason := precheck(job, claimant); reason != "" {
		return Decision{ReasonCode: reason, Job: job}, nil
	}

	done, err := v.contract.HasUserCompleted(ctx, jobID, claimant)
	if err != nil {
		v.log.Warn("hasUserCompleted failed", zap.Uint64("job_id", jobID), zap.Error(err))
		return Decision{ReasonCode: apperr.ReasonValidationUnavailable, Job: job},
			apperr.Transient("validator.hasUserCompleted", err)
	}
	if done {
		return Decision{ReasonCode: apperr.ReasonAlreadyCompleted, Job: job}, nil
	}

	return Decision{Eligible: true, Job: job}, nil
}

// Require is CanClaim folded into a single error: nil when eligible, a
// Rejection when not, a transient error when the contract is unreachable.
func (v *JobValidator) Require(ctx context.Context, jobID uint64, claimant common.Address) (chain.Job, error) {
	d, err := v.CanClaim(ctx, jobID, claimant)
	if err != nil {
		return chain.Job{}, err
	}
	if !d.Eligible {
		return d.Job, fmt.Errorf("job %d: %w", jobID, d.Err())
	}
	return d.Job, nil
}

func precheck(job chain.Job, claimant common.Address) string {
	switch {
	case !job.Exists():
		return apperr.ReasonJobNotFound
	case !job.Active:
		return apperr.ReasonJobInactive
	case !job.HasCapacity():
		return apperr.ReasonJobFull
	case job.Creator == claimant:
		return apperr.ReasonSelfClaim
	case job.ActionType.Counter() == "":
		return apperr.ReasonInvalidActionType
	}
	return ""
}
