// Package chain is the read/write façade over the job contract, which is the
// single source of truth for job existence, capacity and per-user completion
// state.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ErrOracleUnavailable is wrapped by every I/O failure of a ContractOracle.
var ErrOracleUnavailable = errors.New("contract oracle unavailable")

// ErrContractReverted is returned when a write was mined but reverted.
var ErrContractReverted = errors.New("contract call reverted")

// ContractOracle is implemented by EthereumOracle and MemoryOracle.
type ContractOracle interface {
	GetJob(ctx context.Context, jobID uint64) (Job, error)
	HasUserCompleted(ctx context.Context, jobID uint64, user common.Address) (bool, error)
	CompleteJob(ctx context.Context, jobID uint64, claimant common.Address) (string, error)
	GetOnChainEarnings(ctx context.Context, user common.Address) (Earnings, error)
	SubmitWithdrawal(ctx context.Context, user common.Address) (string, error)
}

// ─── Action types ────────────────────────────────────────────────────────────

// ActionType is the engagement a job pays for.
type ActionType string

const (
	ActionLike    ActionType = "like"
	ActionRetweet ActionType = "retweet"
	ActionComment ActionType = "comment"
)

// Counter names reported by the counts oracle.
const (
	CounterLikes    = "likes"
	CounterRetweets = "retweets"
	CounterReplies  = "replies"
)

// onChainActions is the contract's uint8 encoding.
var onChainActions = []ActionType{ActionLike, ActionRetweet, ActionComment}

// ParseActionType converts a raw string to an ActionType.
func ParseActionType(s string) (ActionType, error) {
	a := ActionType(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionLike, ActionRetweet, ActionComment:
		return a, nil
	}
	return "", fmt.Errorf("unknown action type %q", s)
}

// ActionTypeFromIndex maps the contract's enum value.
func ActionTypeFromIndex(i uint8) (ActionType, error) {
	if int(i) >= len(onChainActions) {
		return "", fmt.Errorf("unknown on-chain action type %d", i)
	}
	return onChainActions[i], nil
}

// Counter returns the counter whose increase proves the action.
func (a ActionType) Counter() string {
	switch a {
	case ActionLike:
		return CounterLikes
	case ActionRetweet:
		return CounterRetweets
	case ActionComment:
		return CounterReplies
	}
	return ""
}

// Instructions is the text shown to the claimant before they act.
func (a ActionType) Instructions() string {
	switch a {
	case ActionLike:
		return "Open the post and tap Like, then come back and submit verification."
	case ActionRetweet:
		return "Open the post and Retweet it, then come back and submit verification."
	case ActionComment:
		return "Open the post and reply with a comment, then come back and submit verification."
	}
	return "Perform the requested action, then submit verification."
}

// ─── Job ─────────────────────────────────────────────────────────────────────

// Job mirrors the contract's job record. Read-only here.
type Job struct {
	ID               uint64
	Creator          common.Address
	ActionType       ActionType
	ContentRef       string
	PricePerAction   decimal.Decimal
	MaxActions       uint64
	CompletedActions uint64
	Active           bool
}

// Exists is false when the contract returned an empty slot.
func (j Job) Exists() bool { return j.Creator != (common.Address{}) }

// HasCapacity reports whether another completion fits.
func (j Job) HasCapacity() bool { return j.CompletedActions < j.MaxActions }

// Claimable is the eligibility predicate that does not need a completion lookup.
func (j Job) Claimable(claimant common.Address) bool {
	return j.Exists() && j.Active && j.HasCapacity() && j.Creator != claimant
}

// Earnings is the contract's view of a worker's balance.
type Earnings struct {
	TotalEarned            decimal.Decimal
	AvailableForWithdrawal decimal.Decimal
	TotalWithdrawn         decimal.Decimal
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrOracleUnavailable, err)
}
