package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

type claimKey struct {
	jobID  uint64
	userID string
}

// MemoryStore is a mutex-guarded Store for tests and single-process runs.
// The single mutex gives the same per-user serialization the Postgres row
// lock gives.
type MemoryStore struct {
	mu          sync.Mutex
	claims      map[claimKey]bool
	records     map[string][]CompletionRecord
	spendable   map[string]decimal.Decimal
	withdrawals map[string][]WithdrawalTransaction
	leases      map[string][]Lease
	failNext    map[string]int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims:      map[claimKey]bool{},
		records:     map[string][]CompletionRecord{},
		spendable:   map[string]decimal.Decimal{},
		withdrawals: map[string][]WithdrawalTransaction{},
		leases:      map[string][]Lease{},
		failNext:    map[string]int{},
	}
}

// FailNext makes the next n calls of op fail. op is the Store method name,
// e.g. "InsertCompletion" or "ApplyWithdrawal".
func (m *MemoryStore) FailNext(op string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] = n
}

func (m *MemoryStore) fail(op string) error {
	if m.failNext[op] > 0 {
		m.failNext[op]--
		return fmt.Errorf("%s: %w", op, errors.New("injected store failure"))
	}
	return nil
}

func (m *MemoryStore) InsertCompletion(_ context.Context, rec CompletionRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertCompletion"); err != nil {
		return false, err
	}
	k := claimKey{jobID: rec.JobID, userID: rec.UserID}
	if m.claims[k] {
		return false, nil
	}
	m.claims[k] = true
	m.records[rec.UserID] = append(m.records[rec.UserID], rec)
	return true, nil
}

func (m *MemoryStore) SumEarned(_ context.Context, userID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SumEarned"); err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, r := range m.records[userID] {
		sum = sum.Add(r.RewardAmount)
	}
	return sum, nil
}

func (m *MemoryStore) PendingRecords(_ context.Context, userID string) ([]CompletionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("PendingRecords"); err != nil {
		return nil, err
	}
	return append([]CompletionRecord(nil), m.records[userID]...), nil
}

func (m *MemoryStore) ApplyWithdrawal(_ context.Context, req WithdrawalRequest, tx WithdrawalTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ApplyWithdrawal"); err != nil {
		return err
	}

	want := make(map[string]bool, len(req.RecordIDs))
	for _, id := range req.RecordIDs {
		want[id] = true
	}
	var (
		kept    []CompletionRecord
		deleted int
		sum     = decimal.Zero
	)
	for _, r := range m.records[req.UserID] {
		if want[r.ID] {
			deleted++
			sum = sum.Add(r.RewardAmount)
			continue
		}
		kept = append(kept, r)
	}
	if deleted != len(req.RecordIDs) || !sum.Equal(req.Amount) {
		return fmt.Errorf("deleted %d of %d records worth %s, expected %s: %w",
			deleted, len(req.RecordIDs), sum, req.Amount, ErrSnapshotChanged)
	}

	m.records[req.UserID] = kept
	m.spendable[req.UserID] = m.spendable[req.UserID].Add(req.Amount)
	m.withdrawals[req.UserID] = append(m.withdrawals[req.UserID], tx)
	return nil
}

func (m *MemoryStore) InsertWithdrawal(_ context.Context, tx WithdrawalTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertWithdrawal"); err != nil {
		return err
	}
	m.withdrawals[tx.UserID] = append(m.withdrawals[tx.UserID], tx)
	return nil
}

func (m *MemoryStore) Spendable(_ context.Context, userID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("Spendable"); err != nil {
		return decimal.Zero, err
	}
	return m.spendable[userID], nil
}

func (m *MemoryStore) Withdrawals(_ context.Context, userID string) ([]WithdrawalTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.withdrawals[userID]
	out := make([]WithdrawalTransaction, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		out = append(out, src[i])
	}
	return out, nil
}

func (m *MemoryStore) UsersWithPending(_ context.Context) ([]Holder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UsersWithPending"); err != nil {
		return nil, err
	}
	hs := make([]Holder, 0, len(m.records))
	for user, recs := range m.records {
		if len(recs) == 0 {
			continue
		}
		hs = append(hs, Holder{UserID: user, WalletAddress: recs[len(recs)-1].WalletAddress})
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i].UserID < hs[j].UserID })
	return hs, nil
}

// RecordCount returns how many pending records userID holds.
func (m *MemoryStore) RecordCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[userID])
}

func (m *MemoryStore) AcquireLease(_ context.Context, l Lease) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AcquireLease"); err != nil {
		return false, err
	}
	live := m.leases[l.UserID][:0]
	for _, held := range m.leases[l.UserID] {
		if held.ExpiresAt.After(l.AcquiredAt) {
			live = append(live, held)
		}
	}
	m.leases[l.UserID] = live
	for _, held := range live {
		if conflicts(held.Kind, l.Kind) {
			return false, nil
		}
	}
	m.leases[l.UserID] = append(live, l)
	return true, nil
}

func (m *MemoryStore) ReleaseLease(_ context.Context, userID, leaseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ReleaseLease"); err != nil {
		return err
	}
	held := m.leases[userID]
	for i := range held {
		if held[i].ID == leaseID {
			m.leases[userID] = append(held[:i], held[i+1:]...)
			break
		}
	}
	return nil
}

// LeaseCount counts the user's stored leases, expired ones included.
func (m *MemoryStore) LeaseCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases[userID])
}
