// Package ledger records completions exactly once per (job, user) and keeps
// the off-chain earned balance derived from those records.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tapcash/engagement-service/internal/apperr"
)

// ErrLeaseHeld is wrapped in the transient error returned when another
// settlement or withdrawal for the same user is in flight.
var ErrLeaseHeld = errors.New("another settlement operation is in progress for this user")

// CompletionInput is what the settlement flow knows when it records.
type CompletionInput struct {
	JobID             uint64
	UserID            string
	WalletAddress     string
	RewardAmount      decimal.Decimal
	VerificationScore int
	ReasonCode        string
}

// CompletionRecord is immutable once written.
type CompletionRecord struct {
	ID                string
	JobID             uint64
	UserID            string
	WalletAddress     string
	RewardAmount      decimal.Decimal
	CompletedAt       time.Time
	VerificationScore int
	ReasonCode        string
}

// Snapshot is the set of records a withdrawal will clear.
type Snapshot struct {
	UserID    string
	RecordIDs []string
	Total     decimal.Decimal
}

// WithdrawalStatus is confirmed or failed.
type WithdrawalStatus string

const (
	WithdrawalConfirmed WithdrawalStatus = "confirmed"
	WithdrawalFailed    WithdrawalStatus = "failed"
)

// WithdrawalRequest clears exactly RecordIDs and credits Amount.
type WithdrawalRequest struct {
	UserID        string
	WalletAddress string
	RecordIDs     []string
	Amount        decimal.Decimal
	SourceRef     string
}

// WithdrawalTransaction is immutable once written.
type WithdrawalTransaction struct {
	ID        string
	UserID    string
	Amount    decimal.Decimal
	SourceRef string
	Status    WithdrawalStatus
	CreatedAt time.Time
}

// Balance is a user's position in the ledger.
type Balance struct {
	UserID       string
	Earned       decimal.Decimal
	Spendable    decimal.Decimal
	Withdrawable bool
}

// Ledger applies the ledger rules on top of a Store.
type Ledger struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

// New returns a Ledger over store.
func New(store Store, log *zap.Logger) *Ledger {
	return &Ledger{store: store, log: log, now: time.Now}
}

// RecordCompletion inserts the record unless the pair was already claimed, in
// which case it returns an already_completed Rejection.
func (l *Ledger) RecordCompletion(ctx context.Context, in CompletionInput) (CompletionRecord, error) {
	if in.RewardAmount.IsNegative() {
		return CompletionRecord{}, fmt.Errorf("recordCompletion: negative reward %s", in.RewardAmount)
	}
	rec := CompletionRecord{
		ID:                uuid.NewString(),
		JobID:             in.JobID,
		UserID:            in.UserID,
		WalletAddress:     in.WalletAddress,
		RewardAmount:      in.RewardAmount,
		CompletedAt:       l.now().UTC(),
		VerificationScore: in.VerificationScore,
		ReasonCode:        in.ReasonCode,
	}

	inserted, err := l.store.InsertCompletion(ctx, rec)
	if err != nil {
		return CompletionRecord{}, apperr.Transient("ledger.insertCompletion", err)
	}
	if !inserted {
		l.log.Info("duplicate completion refused",
			zap.String("user_id", in.UserID), zap.Uint64("job_id", in.JobID))
		return CompletionRecord{}, apperr.Reject(apperr.ReasonAlreadyCompleted)
	}
	return rec, nil
}

// EarnedBalance sums the user's records on every call.
func (l *Ledger) EarnedBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	sum, err := l.store.SumEarned(ctx, userID)
	if err != nil {
		return decimal.Zero, apperr.Transient("ledger.sumEarned", err)
	}
	return sum, nil
}

// Withdrawable reports whether the earned balance meets threshold.
func (l *Ledger) Withdrawable(ctx context.Context, userID string, threshold decimal.Decimal) (bool, error) {
	earned, err := l.EarnedBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return earned.GreaterThanOrEqual(threshold), nil
}

// PendingSnapshot lists the records a withdrawal started now would clear.
func (l *Ledger) PendingSnapshot(ctx context.Context, userID string) (Snapshot, error) {
	recs, err := l.store.PendingRecords(ctx, userID)
	if err != nil {
		return Snapshot{}, apperr.Transient("ledger.pendingRecords", err)
	}
	snap := Snapshot{UserID: userID, RecordIDs: make([]string, 0, len(recs)), Total: decimal.Zero}
	for _, r := range recs {
		snap.RecordIDs = append(snap.RecordIDs, r.ID)
		snap.Total = snap.Total.Add(r.RewardAmount)
	}
	return snap, nil
}

// ApplyWithdrawal clears the snapshot, credits spendable and writes one
// confirmed WithdrawalTransaction, all or nothing. A snapshot that no longer
// matches the stored records is an invariant error and nothing is changed.
func (l *Ledger) ApplyWithdrawal(ctx context.Context, req WithdrawalRequest) (WithdrawalTransaction, error) {
	tx := WithdrawalTransaction{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Amount:    req.Amount,
		SourceRef: req.SourceRef,
		Status:    WithdrawalConfirmed,
		CreatedAt: l.now().UTC(),
	}
	err := l.store.ApplyWithdrawal(ctx, req, tx)
	if errors.Is(err, ErrSnapshotChanged) {
		return WithdrawalTransaction{}, apperr.Invariant("ledger.applyWithdrawal",
			fmt.Sprintf("snapshot of %d records for %s", len(req.RecordIDs), req.UserID), err)
	}
	if err != nil {
		return WithdrawalTransaction{}, apperr.Transient("ledger.applyWithdrawal", err)
	}
	return tx, nil
}

// RecordFailedWithdrawal writes a failed WithdrawalTransaction for audit.
func (l *Ledger) RecordFailedWithdrawal(ctx context.Context, userID string, amount decimal.Decimal, reason string) (WithdrawalTransaction, error) {
	tx := WithdrawalTransaction{
		ID:        uuid.NewString(),
		UserID:    userID,
		Amount:    amount,
		SourceRef: reason,
		Status:    WithdrawalFailed,
		CreatedAt: l.now().UTC(),
	}
	if err := l.store.InsertWithdrawal(ctx, tx); err != nil {
		return WithdrawalTransaction{}, apperr.Transient("ledger.insertWithdrawal", err)
	}
	return tx, nil
}

// Balance returns earned and spendable amounts together.
func (l *Ledger) Balance(ctx context.Context, userID string, threshold decimal.Decimal) (Balance, error) {
	earned, err := l.EarnedBalance(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	spendable, err := l.store.Spendable(ctx, userID)
	if err != nil {
		return Balance{}, apperr.Transient("ledger.spendable", err)
	}
	return Balance{
		UserID:       userID,
		Earned:       earned,
		Spendable:    spendable,
		Withdrawable: earned.GreaterThanOrEqual(threshold),
	}, nil
}

// Withdrawals lists a user's withdrawal history, newest first.
func (l *Ledger) Withdrawals(ctx context.Context, userID string) ([]WithdrawalTransaction, error) {
	txs, err := l.store.Withdrawals(ctx, userID)
	if err != nil {
		return nil, apperr.Transient("ledger.withdrawals", err)
	}
	return txs, nil
}

// AcquireLease claims the user for an operation of kind until ttl passes or
// the lease is released. A conflicting lease yields a transient error
// wrapping ErrLeaseHeld.
func (l *Ledger) AcquireLease(ctx context.Context, userID, wallet string, kind LeaseKind, ttl time.Duration) (Lease, error) {
	now := l.now().UTC()
	lease := Lease{
		ID:            uuid.NewString(),
		UserID:        userID,
		WalletAddress: wallet,
		Kind:          kind,
		AcquiredAt:    now,
		ExpiresAt:     now.Add(ttl),
	}
	ok, err := l.store.AcquireLease(ctx, lease)
	if err != nil {
		return Lease{}, apperr.Transient("ledger.acquireLease", err)
	}
	if !ok {
		l.log.Info("lease held by another operation",
			zap.String("user_id", userID), zap.String("kind", string(kind)))
		return Lease{}, apperr.Transient("ledger.acquireLease", ErrLeaseHeld)
	}
	return lease, nil
}

// ReleaseLease drops lease even if ctx is already cancelled. Failures are
// logged; the lease then lapses at its expiry.
func (l *Ledger) ReleaseLease(ctx context.Context, lease Lease) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.store.ReleaseLease(ctx, lease.UserID, lease.ID); err != nil {
		l.log.Warn("release lease failed", zap.String("user_id", lease.UserID),
			zap.String("kind", string(lease.Kind)), zap.Error(err))
	}
}

// UsersWithPending lists every user holding at least one record.
func (l *Ledger) UsersWithPending(ctx context.Context) ([]Holder, error) {
	hs, err := l.store.UsersWithPending(ctx)
	if err != nil {
		return nil, apperr.Transient("ledger.usersWithPending", err)
	}
	return hs, nil
}
