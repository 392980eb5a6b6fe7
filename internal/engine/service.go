// Package engine is the caller-facing surface of the engagement engine.
// It is transport-agnostic: both httpapi and grpcserver call into Service.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tapcash/engagement-service/internal/apperr"
	"tapcash/engagement-service/internal/events"
	"tapcash/engagement-service/internal/ledger"
	"tapcash/engagement-service/internal/metrics"
	"tapcash/engagement-service/internal/money"
	"tapcash/engagement-service/internal/scoring"
	"tapcash/engagement-service/internal/settlement"
	"tapcash/engagement-service/internal/validator"
	"tapcash/engagement-service/internal/verification"
)

// ─── Caller ──────────────────────────────────────────────────────────────────

// ErrUnauthenticated is returned when the caller identity is incomplete.
var ErrUnauthenticated = errors.New("caller identity missing or invalid")

// Caller is the authenticated user making a request.
type Caller struct {
	UserID string
	Wallet common.Address
}

// NewCaller validates raw identity values from a transport.
func NewCaller(userID, wallet string) (Caller, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || !common.IsHexAddress(wallet) {
		return Caller{}, ErrUnauthenticated
	}
	addr := common.HexToAddress(wallet)
	if addr == (common.Address{}) {
		return Caller{}, ErrUnauthenticated
	}
	return Caller{UserID: userID, Wallet: addr}, nil
}

// ─── Results ─────────────────────────────────────────────────────────────────

// SubmitResult is returned by SubmitVerification. A failed verification is a
// normal result with Passed=false and a reason code.
type SubmitResult struct {
	Passed           bool
	ReasonCode       string
	Confidence       scoring.Confidence
	Score            int
	RewardAmount     *decimal.Decimal
	NewEarnedBalance *decimal.Decimal
	Withdrawable     bool
	TxRef            string
}

// WithdrawResult is returned by Withdraw.
type WithdrawResult struct {
	Amount     decimal.Decimal
	NewBalance ledger.Balance
	SourceRef  string
}

// ─── Service ─────────────────────────────────────────────────────────────────

// Service wires validator, sessions, settlement and ledger together.
type Service struct {
	validator *validator.JobValidator
	sessions  *verification.Manager
	coord     *settlement.Coordinator
	ledger    *ledger.Ledger
	publisher events.Publisher
	metrics   *metrics.Collector
	log       *zap.Logger
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Validator   *validator.JobValidator
	Sessions    *verification.Manager
	Coordinator *settlement.Coordinator
	Ledger      *ledger.Ledger
	Publisher   events.Publisher
	Metrics     *metrics.Collector
	Log         *zap.Logger
}

// NewService returns a configured Service. A nil Publisher drops events.
func NewService(d Deps) *Service {
	pub := d.Publisher
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{
		validator: d.Validator,
		sessions:  d.Sessions,
		coord:     d.Coordinator,
		ledger:    d.Ledger,
		publisher: pub,
		metrics:   d.Metrics,
		log:       d.Log,
	}
}

// Eligibility reports whether caller may claim jobID right now.
func (s *Service) Eligibility(ctx context.Context, caller Caller, jobID uint64) (validator.Decision, error) {
	return s.validator.CanClaim(ctx, jobID, caller.Wallet)
}

// StartVerification captures the baseline for caller on jobID.
func (s *Service) StartVerification(ctx context.Context, caller Caller, jobID uint64) (verification.StartResult, error) {
	res, err := s.sessions.Start(ctx, verification.StartRequest{UserID: caller.UserID, JobID: jobID, Claimant: caller.Wallet})
	if err != nil {
		return verification.StartResult{}, err
	}
	s.metrics.RecordSessionStarted()
	return res, nil
}

// SubmitVerification checks the delta and, on a pass, settles the completion.
func (s *Service) SubmitVerification(ctx context.Context, caller Caller, jobID uint64, client *scoring.ClientAssertion) (SubmitResult, error) {
	v, err := s.sessions.Verify(ctx, verification.VerifyRequest{UserID: caller.UserID, JobID: jobID, Client: client})
	if err != nil {
		return SubmitResult{}, err
	}
	out := v.Outcome
	s.metrics.RecordVerification(out.Passed, out.ReasonCode, out.Score)

	res := SubmitResult{
		Passed:     out.Passed,
		ReasonCode: out.ReasonCode,
		Confidence: out.Confidence,
		Score:      out.Score,
	}
	if !out.Passed {
		return res, nil
	}

	st, err := s.coord.Settle(ctx, settlement.Claim{UserID: caller.UserID, Claimant: caller.Wallet, JobID: jobID}, out)
	if err != nil {
		// Nothing was credited, so the user may resubmit the same action.
		if apperr.IsTransient(err) {
			if rerr := s.sessions.Restore(ctx, v.Session); rerr != nil {
				s.log.Warn("could not restore session after settlement failure",
					zap.String("user_id", caller.UserID), zap.Uint64("job_id", jobID), zap.Error(rerr))
			}
		}
		return SubmitResult{}, err
	}
	res.RewardAmount = &st.RewardAmount
	res.TxRef = st.TxRef
	if !st.BalanceUnavailable {
		res.NewEarnedBalance = &st.EarnedBalance
		res.Withdrawable = st.Withdrawable
	}

	// Publish EVENT_COMPLETION_RECORDED (non-fatal)
	ev := events.Event{
		Type:      events.TypeCompletionRecorded,
		UserID:    caller.UserID,
		JobID:     jobID,
		Amount:    money.Format(st.RewardAmount),
		TxRef:     st.TxRef,
		Score:     out.Score,
		Timestamp: time.Now().UTC(),
	}
	if res.NewEarnedBalance != nil {
		ev.Balance = money.Format(st.EarnedBalance)
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.Warn("publish EVENT_COMPLETION_RECORDED failed", zap.Error(err))
	}
	return res, nil
}

// Withdraw cashes out caller's earned balance.
func (s *Service) Withdraw(ctx context.Context, caller Caller) (WithdrawResult, error) {
	w, err := s.coord.Withdraw(ctx, caller.UserID, caller.Wallet)
	if err != nil {
		return WithdrawResult{}, err
	}

	// Publish EVENT_WITHDRAWAL_CONFIRMED (non-fatal)
	ev := events.Event{
		Type:      events.TypeWithdrawalConfirmed,
		UserID:    caller.UserID,
		Amount:    money.Format(w.Amount),
		Balance:   money.Format(w.Balance.Spendable),
		TxRef:     w.Transaction.SourceRef,
		Timestamp: time.Now().UTC(),
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.Warn("publish EVENT_WITHDRAWAL_CONFIRMED failed", zap.Error(err))
	}

	return WithdrawResult{Amount: w.Amount, NewBalance: w.Balance, SourceRef: w.Transaction.SourceRef}, nil
}

// Balance returns caller's earned and spendable amounts.
func (s *Service) Balance(ctx context.Context, caller Caller) (ledger.Balance, error) {
	return s.ledger.Balance(ctx, caller.UserID, s.coord.Threshold())
}

// Withdrawals returns caller's withdrawal history, newest first.
func (s *Service) Withdrawals(ctx context.Context, caller Caller) ([]ledger.WithdrawalTransaction, error) {
	return s.ledger.Withdrawals(ctx, caller.UserID)
}

// Threshold is the configured withdrawal threshold.
func (s *Service) Threshold() decimal.Decimal { return s.coord.Threshold() }
