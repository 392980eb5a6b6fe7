package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrSnapshotChanged is returned by ApplyWithdrawal when the records to clear
// no longer match the snapshot the withdrawal was computed from.
var ErrSnapshotChanged = errors.New("pending records changed since snapshot")

// LeaseKind names the operation holding a lease.
type LeaseKind string

const (
	LeaseSettle   LeaseKind = "settle"
	LeaseWithdraw LeaseKind = "withdraw"
)

// Lease marks a settlement or withdrawal in flight for one user. Leases are
// rows, not database locks, so nothing stays locked across chain calls; an
// expired lease is ignored and swept by the next acquire.
type Lease struct {
	ID            string
	UserID        string
	WalletAddress string
	Kind          LeaseKind
	AcquiredAt    time.Time
	ExpiresAt     time.Time
}

// conflicts reports whether an existing lease of kind held blocks a new one
// of kind want. Settlements run side by side; a withdrawal runs alone.
func conflicts(held, want LeaseKind) bool {
	return held == LeaseWithdraw || want == LeaseWithdraw
}

// Holder is a user with at least one pending completion record.
type Holder struct {
	UserID        string
	WalletAddress string
}

// Store is the persistence port behind Ledger. Implementations must make
// InsertCompletion a conditional insert on (job, user) and ApplyWithdrawal a
// single atomic unit; both must serialize per user.
type Store interface {
	// InsertCompletion returns false, nil when the (job, user) pair was
	// already claimed, even if that earlier record has since been withdrawn.
	InsertCompletion(ctx context.Context, rec CompletionRecord) (bool, error)
	SumEarned(ctx context.Context, userID string) (decimal.Decimal, error)
	PendingRecords(ctx context.Context, userID string) ([]CompletionRecord, error)
	ApplyWithdrawal(ctx context.Context, req WithdrawalRequest, tx WithdrawalTransaction) error
	InsertWithdrawal(ctx context.Context, tx WithdrawalTransaction) error
	Spendable(ctx context.Context, userID string) (decimal.Decimal, error)
	Withdrawals(ctx context.Context, userID string) ([]WithdrawalTransaction, error)
	UsersWithPending(ctx context.Context) ([]Holder, error)
	// AcquireLease inserts l unless the user holds an unexpired conflicting
	// lease, in which case it returns false, nil.
	AcquireLease(ctx context.Context, l Lease) (bool, error)
	ReleaseLease(ctx context.Context, userID, leaseID string) error
}
