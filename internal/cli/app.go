package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"tapcash/engagement-service/internal/chain"
	"tapcash/engagement-service/internal/config"
	"tapcash/engagement-service/internal/counts"
	"tapcash/engagement-service/internal/db"
	"tapcash/engagement-service/internal/engine"
	"tapcash/engagement-service/internal/events"
	"tapcash/engagement-service/internal/ledger"
	"tapcash/engagement-service/internal/metrics"
	"tapcash/engagement-service/internal/settlement"
	"tapcash/engagement-service/internal/validator"
	"tapcash/engagement-service/internal/verification"
)

// app is the wired object graph shared by serve and reconcile.
type app struct {
	service    *engine.Service
	reconciler *settlement.Reconciler
	metrics    *metrics.Collector
	closers    []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = metrics.NewCollector(reg)
	}

	// ── Stores ───────────────────────────────────────────────────────────────
	var (
		ledgerStore ledger.Store
		sessions    verification.Store
		publisher   events.Publisher
	)
	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Store.Migrations {
			if err := db.Migrate(cfg.Store.DatabaseURL, log); err != nil {
				return nil, err
			}
		}
		log.Info("connecting to postgres")
		pool, err := db.NewPostgresPool(ctx, cfg.Store.DatabaseURL, db.PoolOptions{MaxConns: cfg.Store.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)

		log.Info("connecting to redis")
		rdb, err := db.NewRedisClient(ctx, cfg.Store.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })

		ledgerStore = ledger.NewPostgresStore(pool)
		sessions = verification.NewRedisStore(rdb)
		publisher = events.NewRedisPublisher(rdb)
	case "memory":
		log.Warn("using in-memory stores, state is lost on exit")
		ledgerStore = ledger.NewMemoryStore()
		sessions = verification.NewMemoryStore()
		publisher = events.Nop{}
	}

	// ── Oracles ──────────────────────────────────────────────────────────────
	var contract chain.ContractOracle
	switch cfg.Chain.Driver {
	case "ethereum":
		eth, err := chain.NewEthereumOracle(ctx, chain.EthereumConfig{
			RPCURL:          cfg.Chain.RPCURL,
			ContractAddress: cfg.Chain.ContractAddress,
			ChainID:         cfg.Chain.ChainID,
			SignerKey:       cfg.Chain.SignerKey,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("chain: %w", err)
		}
		a.closers = append(a.closers, eth.Close)
		contract = eth
	case "memory":
		contract = chain.NewMemoryOracle()
	}

	var countsOracle counts.Oracle
	switch cfg.Counts.Driver {
	case "http":
		countsOracle = counts.NewHTTPOracle(cfg.Counts.BaseURL, cfg.Counts.APIKey, cfg.Counts.Timeout.Duration, log)
	case "memory":
		countsOracle = counts.NewMemoryOracle()
	}

	// ── Engine ───────────────────────────────────────────────────────────────
	threshold, err := cfg.Threshold()
	if err != nil {
		return nil, err
	}
	l := ledger.New(ledgerStore, log)
	v := validator.New(contract, log)
	mgr := verification.NewManager(v, countsOracle, sessions, verification.Config{
		SessionTTL:                cfg.Verification.SessionTTL.Duration,
		StoreGrace:                cfg.Verification.StoreGrace.Duration,
		ResampleAttempts:          *cfg.Verification.ResampleAttempts,
		ResampleInterval:          cfg.Verification.ResampleInterval.Duration,
		RejectRestartWhilePending: cfg.Verification.RejectRestartWhilePending,
	}, log)
	coord := settlement.NewCoordinator(v, contract, l, threshold, a.metrics, log,
		settlement.WithLeaseTTL(cfg.Settlement.LeaseTTL.Duration))

	a.service = engine.NewService(engine.Deps{
		Validator:   v,
		Sessions:    mgr,
		Coordinator: coord,
		Ledger:      l,
		Publisher:   publisher,
		Metrics:     a.metrics,
		Log:         log,
	})
	a.reconciler = settlement.NewReconciler(l, contract, cfg.Reconcile.Concurrency, a.metrics, log)
	return a, nil
}
