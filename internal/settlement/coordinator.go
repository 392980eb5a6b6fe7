// Package settlement turns a passing verification into an on-chain completion
// plus a ledger credit, and cashes accumulated credits out.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tapcash/engagement-service/internal/apperr"
	"tapcash/engagement-service/internal/chain"
	"tapcash/engagement-service/internal/ledger"
	"tapcash/engagement-service/internal/metrics"
	"tapcash/engagement-service/internal/scoring"
	"tapcash/engagement-service/internal/validator"
)

// Eligibility is the part of validator.JobValidator the coordinator needs.
type Eligibility interface {
	CanClaim(ctx context.Context, jobID uint64, claimant common.Address) (validator.Decision, error)
}

// Claim identifies the completion being settled.
type Claim struct {
	UserID   string
	Claimant common.Address
	JobID    uint64
}

// Settlement is the result of a successful Settle.
type Settlement struct {
	Record        ledger.CompletionRecord
	TxRef         string
	RewardAmount  decimal.Decimal
	EarnedBalance decimal.Decimal
	Withdrawable  bool
	// BalanceUnavailable is set when the completion was recorded but the
	// follow-up balance read failed.
	BalanceUnavailable bool
}

// Withdrawal is the result of a successful Withdraw.
type Withdrawal struct {
	Transaction ledger.WithdrawalTransaction
	Amount      decimal.Decimal
	Balance     ledger.Balance
}

// Coordinator is stateless apart from its collaborators.
type Coordinator struct {
	eligibility Eligibility
	contract    chain.ContractOracle
	ledger      *ledger.Ledger
	threshold   decimal.Decimal
	metrics     *metrics.Collector
	log         *zap.Logger
	leaseTTL    time.Duration
}

// DefaultLeaseTTL bounds how long a crashed settlement or withdrawal can
// block the user. It must exceed the time a contract transaction takes to
// be mined.
const DefaultLeaseTTL = 5 * time.Minute

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLeaseTTL overrides DefaultLeaseTTL.
func WithLeaseTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.leaseTTL = d
		}
	}
}

// NewCoordinator wires a Coordinator. m may be nil.
func NewCoordinator(e Eligibility, contract chain.ContractOracle, l *ledger.Ledger, threshold decimal.Decimal, m *metrics.Collector, log *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{eligibility: e, contract: contract, ledger: l, threshold: threshold, metrics: m, log: log, leaseTTL: DefaultLeaseTTL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Threshold is the minimum earned balance for a withdrawal.
func (c *Coordinator) Threshold() decimal.Decimal { return c.threshold }

// Settle records a completion for a passing outcome. The contract call is
// made once; a failure leaves no record and is returned as transient.
//
// Settle holds a settle lease from before the contract call until the record
// is written, so a withdrawal never drains an on-chain credit whose ledger
// record does not exist yet.
func (c *Coordinator) Settle(ctx context.Context, claim Claim, outcome scoring.Outcome) (Settlement, error) {
	if !outcome.Passed {
		return Settlement{}, fmt.Errorf("settle job %d: outcome %q did not pass", claim.JobID, outcome.ReasonCode)
	}
	log := c.log.With(zap.String("user_id", claim.UserID), zap.Uint64("job_id", claim.JobID))

	lease, err := c.ledger.AcquireLease(ctx, claim.UserID, claim.Claimant.Hex(), ledger.LeaseSettle, c.leaseTTL)
	if err != nil {
		log.Info("settlement deferred", zap.Error(err))
		return Settlement{}, err
	}
	defer c.ledger.ReleaseLease(ctx, lease)

	// The job may have filled or closed while the user was verifying.
	d, err := c.eligibility.CanClaim(ctx, claim.JobID, claim.Claimant)
	if err != nil {
		c.metrics.RecordOracleError("contract", "canClaim")
		return Settlement{}, err
	}
	if !d.Eligible {
		log.Info("claim no longer eligible", zap.String("reason_code", d.ReasonCode))
		return Settlement{}, d.Err()
	}

	txRef, err := c.contract.CompleteJob(ctx, claim.JobID, claim.Claimant)
	if err != nil {
		c.metrics.RecordOracleError("contract", "completeJob")
		log.Warn("completeJob failed", zap.Error(err))
		return Settlement{}, apperr.Transient("chain.completeJob", err)
	}

	reward := d.Job.PricePerAction
	rec, err := c.ledger.RecordCompletion(ctx, ledger.CompletionInput{
		JobID:             claim.JobID,
		UserID:            claim.UserID,
		WalletAddress:     claim.Claimant.Hex(),
		RewardAmount:      reward,
		VerificationScore: outcome.Score,
		ReasonCode:        outcome.ReasonCode,
	})
	if apperr.ReasonOf(err) == apperr.ReasonAlreadyCompleted {
		c.metrics.RecordDuplicateCompletion()
		return Settlement{}, err
	}
	if err != nil {
		c.metrics.RecordInvariant("settlement.recordCompletion")
		log.Error("contract completed but ledger write failed",
			zap.String("tx_ref", txRef), zap.String("reward", reward.String()),
			zap.Bool("operator_attention", true), zap.Error(err))
		return Settlement{}, apperr.Invariant("settlement.recordCompletion",
			fmt.Sprintf("completion %s confirmed on chain but not recorded", txRef), err)
	}
	c.metrics.RecordCompletion()

	s := Settlement{Record: rec, TxRef: txRef, RewardAmount: reward}
	earned, err := c.ledger.EarnedBalance(ctx, claim.UserID)
	if err != nil {
		log.Warn("earned balance read failed after completion", zap.Error(err))
		s.BalanceUnavailable = true
		return s, nil
	}
	s.EarnedBalance = earned
	s.Withdrawable = earned.GreaterThanOrEqual(c.threshold)

	log.Info("completion settled",
		zap.String("tx_ref", txRef), zap.String("reward", reward.String()),
		zap.String("earned", earned.String()), zap.Int("score", outcome.Score))
	return s, nil
}

// Withdraw cashes out the user's pending records.
//
// A withdraw lease excludes every settlement for the user, so nothing can be
// credited on chain between the snapshot and withdrawFor, which drains the
// whole on-chain balance. The snapshot ids are still what ApplyWithdrawal
// clears and checks. No database lock is held across oracle I/O.
func (c *Coordinator) Withdraw(ctx context.Context, userID string, wallet common.Address) (Withdrawal, error) {
	log := c.log.With(zap.String("user_id", userID))

	lease, err := c.ledger.AcquireLease(ctx, userID, wallet.Hex(), ledger.LeaseWithdraw, c.leaseTTL)
	if err != nil {
		log.Info("withdrawal deferred", zap.Error(err))
		return Withdrawal{}, err
	}
	defer c.ledger.ReleaseLease(ctx, lease)

	snap, err := c.ledger.PendingSnapshot(ctx, userID)
	if err != nil {
		return Withdrawal{}, err
	}
	if snap.Total.LessThan(c.threshold) {
		log.Info("withdrawal below threshold",
			zap.String("earned", snap.Total.String()), zap.String("threshold", c.threshold.String()))
		return Withdrawal{}, apperr.Reject(apperr.ReasonBelowThreshold)
	}

	onchain, err := c.contract.GetOnChainEarnings(ctx, wallet)
	if err != nil {
		c.metrics.RecordOracleError("contract", "getUserEarnings")
		return Withdrawal{}, apperr.Transient("chain.getUserEarnings", err)
	}
	if onchain.AvailableForWithdrawal.LessThan(snap.Total) {
		c.metrics.RecordDivergence()
		log.Warn("off-chain earnings exceed on-chain availability",
			zap.String("off_chain", snap.Total.String()),
			zap.String("on_chain", onchain.AvailableForWithdrawal.String()))
		return Withdrawal{}, apperr.Reject(apperr.ReasonOnChainMismatch)
	}
	if onchain.AvailableForWithdrawal.GreaterThan(snap.Total) {
		// withdrawFor pays the surplus too; the ledger only knows the snapshot.
		log.Warn("on-chain availability exceeds off-chain earnings",
			zap.String("off_chain", snap.Total.String()),
			zap.String("on_chain", onchain.AvailableForWithdrawal.String()))
	}

	txRef, err := c.contract.SubmitWithdrawal(ctx, wallet)
	if err != nil {
		c.metrics.RecordOracleError("contract", "withdrawFor")
		c.metrics.RecordWithdrawal(string(ledger.WithdrawalFailed), 0)
		if _, ferr := c.ledger.RecordFailedWithdrawal(ctx, userID, snap.Total, failureRef(err)); ferr != nil {
			log.Warn("could not record failed withdrawal", zap.Error(ferr))
		}
		log.Warn("withdrawFor failed", zap.Error(err))
		return Withdrawal{}, apperr.Transient("chain.withdrawFor", err)
	}

	wtx, err := c.ledger.ApplyWithdrawal(ctx, ledger.WithdrawalRequest{
		UserID:        userID,
		WalletAddress: wallet.Hex(),
		RecordIDs:     snap.RecordIDs,
		Amount:        snap.Total,
		SourceRef:     txRef,
	})
	if err != nil {
		c.metrics.RecordInvariant("settlement.applyWithdrawal")
		log.Error("withdrawal confirmed on chain but ledger not updated",
			zap.String("tx_ref", txRef), zap.String("amount", snap.Total.String()),
			zap.Bool("operator_attention", true), zap.Error(err))
		if apperr.IsInvariant(err) {
			return Withdrawal{}, err
		}
		return Withdrawal{}, apperr.Invariant("settlement.applyWithdrawal",
			fmt.Sprintf("withdrawal %s confirmed on chain but not applied", txRef), err)
	}
	amount, _ := snap.Total.Float64()
	c.metrics.RecordWithdrawal(string(ledger.WithdrawalConfirmed), amount)

	w := Withdrawal{Transaction: wtx, Amount: snap.Total}
	if bal, err := c.ledger.Balance(ctx, userID, c.threshold); err != nil {
		log.Warn("balance read failed after withdrawal", zap.Error(err))
	} else {
		w.Balance = bal
	}

	log.Info("withdrawal confirmed", zap.String("tx_ref", txRef), zap.String("amount", snap.Total.String()))
	return w, nil
}

// failureRef is stored as the source_ref of a failed withdrawal.
func failureRef(err error) string {
	switch {
	case errors.Is(err, chain.ErrContractReverted):
		return "failed:reverted"
	case errors.Is(err, chain.ErrOracleUnavailable):
		return "failed:unavailable"
	}
	return "failed:unknown"
}
