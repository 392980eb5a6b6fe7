package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"tapcash/engagement-service/internal/money"
)

// PostgresStore keeps the ledger in PostgreSQL. Amounts are stored as BIGINT
// micro-units.
//
// completion_claims is the uniqueness guard and is never deleted from;
// completion_records is the pending pool that a withdrawal clears. Both the
// completion insert and the withdrawal lock the user's user_balances row, so
// the two never interleave for the same user.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps a connected pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// lockBalance creates the user's balance row if needed and row-locks it for
// the rest of tx.
func lockBalance(ctx context.Context, tx pgx.Tx, userID, wallet string) (int64, error) {
	_, err := tx.Exec(ctx,
		`INSERT INTO user_balances (user_id, wallet_address)
		 VALUES ($1, $2)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, wallet)
	if err != nil {
		return 0, fmt.Errorf("ensure balance row: %w", err)
	}
	var spendable int64
	err = tx.QueryRow(ctx,
		`SELECT spendable_micros FROM user_balances WHERE user_id = $1 FOR UPDATE`,
		userID).Scan(&spendable)
	if err != nil {
		return 0, fmt.Errorf("lock balance row: %w", err)
	}
	return spendable, nil
}

func (s *PostgresStore) InsertCompletion(ctx context.Context, rec CompletionRecord) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("insertCompletion begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lockBalance(ctx, tx, rec.UserID, rec.WalletAddress); err != nil {
		return false, fmt.Errorf("insertCompletion: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO completion_claims (job_id, user_id, claimed_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (job_id, user_id) DO NOTHING`,
		int64(rec.JobID), rec.UserID, rec.CompletedAt)
	if err != nil {
		return false, fmt.Errorf("insertCompletion claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO completion_records
		   (id, job_id, user_id, wallet_address, reward_micros, verification_score, reason_code, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, int64(rec.JobID), rec.UserID, rec.WalletAddress,
		money.ToMicros(rec.RewardAmount), rec.VerificationScore, rec.ReasonCode, rec.CompletedAt)
	if err != nil {
		return false, fmt.Errorf("insertCompletion record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("insertCompletion commit: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) SumEarned(ctx context.Context, userID string) (decimal.Decimal, error) {
	var micros int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(reward_micros), 0)::BIGINT FROM completion_records WHERE user_id = $1`,
		userID).Scan(&micros)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sumEarned: %w", err)
	}
	return money.FromMicros(micros), nil
}

func (s *PostgresStore) PendingRecords(ctx context.Context, userID string) ([]CompletionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, job_id, user_id, wallet_address, reward_micros,
		        verification_score, reason_code, completed_at
		 FROM completion_records
		 WHERE user_id = $1
		 ORDER BY completed_at`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("pendingRecords query: %w", err)
	}
	defer rows.Close()

	recs := make([]CompletionRecord, 0)
	for rows.Next() {
		var (
			r      CompletionRecord
			jobID  int64
			micros int64
		)
		if err := rows.Scan(&r.ID, &jobID, &r.UserID, &r.WalletAddress, &micros,
			&r.VerificationScore, &r.ReasonCode, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("pendingRecords scan: %w", err)
		}
		r.JobID = uint64(jobID)
		r.RewardAmount = money.FromMicros(micros)
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pendingRecords rows: %w", err)
	}
	return recs, nil
}

// ApplyWithdrawal deletes exactly the snapshot records and checks both the
// row count and the summed amount before crediting. Any mismatch rolls back.
func (s *PostgresStore) ApplyWithdrawal(ctx context.Context, req WithdrawalRequest, wtx WithdrawalTransaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("applyWithdrawal begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lockBalance(ctx, tx, req.UserID, req.WalletAddress); err != nil {
		return fmt.Errorf("applyWithdrawal: %w", err)
	}

	var (
		deleted int64
		micros  int64
	)
	err = tx.QueryRow(ctx,
		`WITH del AS (
		   DELETE FROM completion_records
		   WHERE user_id = $1 AND id::text = ANY($2)
		   RETURNING reward_micros
		 )
		 SELECT COUNT(*), COALESCE(SUM(reward_micros), 0)::BIGINT FROM del`,
		req.UserID, req.RecordIDs).Scan(&deleted, &micros)
	if err != nil {
		return fmt.Errorf("applyWithdrawal delete: %w", err)
	}
	amount := money.ToMicros(req.Amount)
	if deleted != int64(len(req.RecordIDs)) || micros != amount {
		return fmt.Errorf("deleted %d of %d records worth %d, expected %d: %w",
			deleted, len(req.RecordIDs), micros, amount, ErrSnapshotChanged)
	}

	_, err = tx.Exec(ctx,
		`UPDATE user_balances
		 SET spendable_micros = spendable_micros + $1, updated_at = NOW()
		 WHERE user_id = $2`,
		amount, req.UserID)
	if err != nil {
		return fmt.Errorf("applyWithdrawal credit: %w", err)
	}

	if err := insertWithdrawal(ctx, tx, wtx); err != nil {
		return fmt.Errorf("applyWithdrawal: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) InsertWithdrawal(ctx context.Context, wtx WithdrawalTransaction) error {
	return insertWithdrawal(ctx, s.pool, wtx)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertWithdrawal(ctx context.Context, db execer, wtx WithdrawalTransaction) error {
	_, err := db.Exec(ctx,
		`INSERT INTO withdrawal_transactions (id, user_id, amount_micros, source_ref, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		wtx.ID, wtx.UserID, money.ToMicros(wtx.Amount), wtx.SourceRef, string(wtx.Status), wtx.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	return nil
}

func (s *PostgresStore) Spendable(ctx context.Context, userID string) (decimal.Decimal, error) {
	var micros int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT spendable_micros FROM user_balances WHERE user_id = $1), 0)::BIGINT`,
		userID).Scan(&micros)
	if err != nil {
		return decimal.Zero, fmt.Errorf("spendable: %w", err)
	}
	return money.FromMicros(micros), nil
}

func (s *PostgresStore) Withdrawals(ctx context.Context, userID string) ([]WithdrawalTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, user_id, amount_micros, source_ref, status, created_at
		 FROM withdrawal_transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("withdrawals query: %w", err)
	}
	defer rows.Close()

	txs := make([]WithdrawalTransaction, 0)
	for rows.Next() {
		var (
			w      WithdrawalTransaction
			micros int64
			status string
		)
		if err := rows.Scan(&w.ID, &w.UserID, &micros, &w.SourceRef, &status, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("withdrawals scan: %w", err)
		}
		w.Amount = money.FromMicros(micros)
		w.Status = WithdrawalStatus(status)
		txs = append(txs, w)
	}
	return txs, rows.Err()
}

func (s *PostgresStore) UsersWithPending(ctx context.Context) ([]Holder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, MAX(wallet_address)
		 FROM completion_records
		 GROUP BY user_id
		 ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("usersWithPending query: %w", err)
	}
	defer rows.Close()

	hs := make([]Holder, 0)
	for rows.Next() {
		var h Holder
		if err := rows.Scan(&h.UserID, &h.WalletAddress); err != nil {
			return nil, fmt.Errorf("usersWithPending scan: %w", err)
		}
		hs = append(hs, h)
	}
	return hs, rows.Err()
}

// AcquireLease sweeps the user's expired leases and inserts l when nothing
// conflicts, all under the balance row lock. The transaction is short; the
// lease row, not the lock, is what outlives it.
func (s *PostgresStore) AcquireLease(ctx context.Context, l Lease) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("acquireLease begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lockBalance(ctx, tx, l.UserID, l.WalletAddress); err != nil {
		return false, fmt.Errorf("acquireLease: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM operation_leases WHERE user_id = $1 AND expires_at <= $2`,
		l.UserID, l.AcquiredAt); err != nil {
		return false, fmt.Errorf("acquireLease sweep: %w", err)
	}

	var blocking int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM operation_leases
		 WHERE user_id = $1 AND (kind = 'withdraw' OR $2 = 'withdraw')`,
		l.UserID, string(l.Kind)).Scan(&blocking)
	if err != nil {
		return false, fmt.Errorf("acquireLease check: %w", err)
	}
	if blocking > 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO operation_leases (id, user_id, kind, acquired_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		l.ID, l.UserID, string(l.Kind), l.AcquiredAt, l.ExpiresAt); err != nil {
		return false, fmt.Errorf("acquireLease insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("acquireLease commit: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, userID, leaseID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM operation_leases WHERE user_id = $1 AND id = $2`, userID, leaseID)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
