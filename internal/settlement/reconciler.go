package settlement

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tapcash/engagement-service/internal/chain"
	"tapcash/engagement-service/internal/ledger"
	"tapcash/engagement-service/internal/metrics"
)

// Divergence is a user whose off-chain earned balance is not covered by the
// contract's available amount.
type Divergence struct {
	UserID   string
	Wallet   string
	OffChain decimal.Decimal
	OnChain  decimal.Decimal
}

// ReconcileReport summarises one pass.
type ReconcileReport struct {
	Checked   int
	Failed    int
	Diverged  []Divergence
	StartedAt time.Time
	Duration  time.Duration
}

// Reconciler compares every user's pending off-chain balance with the chain.
// It only reads and reports; it never changes either ledger.
type Reconciler struct {
	ledger      *ledger.Ledger
	contract    chain.ContractOracle
	concurrency int
	metrics     *metrics.Collector
	log         *zap.Logger
}

// NewReconciler wires a Reconciler. concurrency < 1 means 1.
func NewReconciler(l *ledger.Ledger, contract chain.ContractOracle, concurrency int, m *metrics.Collector, log *zap.Logger) *Reconciler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Reconciler{ledger: l, contract: contract, concurrency: concurrency, metrics: m, log: log}
}

// Run checks every user with pending records. A failure for one user is
// counted and logged and does not stop the pass.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	report := ReconcileReport{StartedAt: time.Now()}

	holders, err := r.ledger.UsersWithPending(ctx)
	if err != nil {
		return report, err
	}
	if len(holders) == 0 {
		r.log.Info("reconcile: no pending balances")
		report.Duration = time.Since(report.StartedAt)
		r.metrics.RecordReconcileRun()
		return report, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, h := range holders {
		h := h
		g.Go(func() error {
			div, diverged, err := r.check(gctx, h)
			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			if err != nil {
				report.Failed++
				r.log.Warn("reconcile: check failed", zap.String("user_id", h.UserID), zap.Error(err))
				return nil
			}
			if diverged {
				report.Diverged = append(report.Diverged, div)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	sort.Slice(report.Diverged, func(i, j int) bool { return report.Diverged[i].UserID < report.Diverged[j].UserID })

	report.Duration = time.Since(report.StartedAt)
	r.metrics.RecordReconcileRun()
	r.log.Info("reconcile: pass complete",
		zap.Int("checked", report.Checked), zap.Int("failed", report.Failed),
		zap.Int("diverged", len(report.Diverged)), zap.Duration("took", report.Duration))
	return report, nil
}

func (r *Reconciler) check(ctx context.Context, h ledger.Holder) (Divergence, bool, error) {
	earned, err := r.ledger.EarnedBalance(ctx, h.UserID)
	if err != nil {
		return Divergence{}, false, err
	}
	if !common.IsHexAddress(h.WalletAddress) {
		return Divergence{}, false, errInvalidWallet(h.WalletAddress)
	}
	onchain, err := r.contract.GetOnChainEarnings(ctx, common.HexToAddress(h.WalletAddress))
	if err != nil {
		r.metrics.RecordOracleError("contract", "getUserEarnings")
		return Divergence{}, false, err
	}
	if onchain.AvailableForWithdrawal.GreaterThanOrEqual(earned) {
		return Divergence{}, false, nil
	}

	r.metrics.RecordDivergence()
	r.log.Warn("reconcile: ledger divergence",
		zap.String("user_id", h.UserID), zap.String("wallet", h.WalletAddress),
		zap.String("off_chain", earned.String()),
		zap.String("on_chain", onchain.AvailableForWithdrawal.String()))
	return Divergence{
		UserID:   h.UserID,
		Wallet:   h.WalletAddress,
		OffChain: earned,
		OnChain:  onchain.AvailableForWithdrawal,
	}, true, nil
}

type errInvalidWallet string

func (e errInvalidWallet) Error() string { return "invalid wallet address " + string(e) }
