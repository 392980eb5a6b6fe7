package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryOracle is an in-process stand-in for the job contract, used by tests
// and by single-process development runs.
type MemoryOracle struct {
	mu        sync.Mutex
	jobs      map[uint64]Job
	completed map[uint64]map[common.Address]bool
	earnings  map[common.Address]Earnings
	failNext  map[string]int
	calls     map[string]int
}

// NewMemoryOracle returns an empty contract.
func NewMemoryOracle() *MemoryOracle {
	return &MemoryOracle{
		jobs:      map[uint64]Job{},
		completed: map[uint64]map[common.Address]bool{},
		earnings:  map[common.Address]Earnings{},
		failNext:  map[string]int{},
		calls:     map[string]int{},
	}
}

// PutJob creates or replaces a job.
func (m *MemoryOracle) PutJob(job Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
}

// MarkCompleted records a completion without paying out, as if another
// worker's earlier transaction had landed.
func (m *MemoryOracle) MarkCompleted(jobID uint64, user common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markLocked(jobID, user)
}

// SetEarnings overrides a user's on-chain balance.
func (m *MemoryOracle) SetEarnings(user common.Address, e Earnings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.earnings[user] = e
}

// FailNext makes the next n calls of method fail as unavailable.
func (m *MemoryOracle) FailNext(method string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[method] = n
}

// Calls returns how many times method was invoked.
func (m *MemoryOracle) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MemoryOracle) enter(method string) error {
	m.calls[method]++
	if m.failNext[method] > 0 {
		m.failNext[method]--
		return unavailable(method, errors.New("injected failure"))
	}
	return nil
}

func (m *MemoryOracle) GetJob(_ context.Context, jobID uint64) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("getJob"); err != nil {
		return Job{}, err
	}
	// Unknown ids come back as an empty slot, like a contract mapping read.
	job, ok := m.jobs[jobID]
	if !ok {
		return Job{ID: jobID}, nil
	}
	return job, nil
}

func (m *MemoryOracle) HasUserCompleted(_ context.Context, jobID uint64, user common.Address) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("hasUserCompleted"); err != nil {
		return false, err
	}
	return m.completed[jobID][user], nil
}

func (m *MemoryOracle) CompleteJob(_ context.Context, jobID uint64, claimant common.Address) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("completeJob"); err != nil {
		return "", err
	}
	job, ok := m.jobs[jobID]
	switch {
	case !ok || !job.Exists():
		return "", fmt.Errorf("completeJob %d: job not found: %w", jobID, ErrContractReverted)
	case !job.Active || !job.HasCapacity():
		return "", fmt.Errorf("completeJob %d: job closed: %w", jobID, ErrContractReverted)
	case job.Creator == claimant:
		return "", fmt.Errorf("completeJob %d: creator cannot complete: %w", jobID, ErrContractReverted)
	case m.completed[jobID][claimant]:
		return "", fmt.Errorf("completeJob %d: already completed: %w", jobID, ErrContractReverted)
	}

	job.CompletedActions++
	m.jobs[jobID] = job
	m.markLocked(jobID, claimant)

	e := m.earnings[claimant]
	e.TotalEarned = e.TotalEarned.Add(job.PricePerAction)
	e.AvailableForWithdrawal = e.AvailableForWithdrawal.Add(job.PricePerAction)
	m.earnings[claimant] = e

	return txRef(), nil
}

func (m *MemoryOracle) GetOnChainEarnings(_ context.Context, user common.Address) (Earnings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("getUserEarnings"); err != nil {
		return Earnings{}, err
	}
	return m.earnings[user], nil
}

func (m *MemoryOracle) SubmitWithdrawal(_ context.Context, user common.Address) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("withdrawFor"); err != nil {
		return "", err
	}
	e := m.earnings[user]
	if e.AvailableForWithdrawal.LessThanOrEqual(decimal.Zero) {
		return "", fmt.Errorf("withdrawFor %s: nothing to withdraw: %w", user.Hex(), ErrContractReverted)
	}
	e.TotalWithdrawn = e.TotalWithdrawn.Add(e.AvailableForWithdrawal)
	e.AvailableForWithdrawal = decimal.Zero
	m.earnings[user] = e
	return txRef(), nil
}

func (m *MemoryOracle) markLocked(jobID uint64, user common.Address) {
	if m.completed[jobID] == nil {
		m.completed[jobID] = map[common.Address]bool{}
	}
	m.completed[jobID][user] = true
}

func txRef() string {
	id := uuid.New()
	return common.BytesToHash(append(id[:], id[:]...)).Hex()
}
