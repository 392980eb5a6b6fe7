// Package enginetest builds an engine.Service over in-memory adapters for
// tests of the engine and its transports.
package enginetest

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tapcash/engagement-service/internal/chain"
	"tapcash/engagement-service/internal/counts"
	"tapcash/engagement-service/internal/engine"
	"tapcash/engagement-service/internal/events"
	"tapcash/engagement-service/internal/ledger"
	"tapcash/engagement-service/internal/metrics"
	"tapcash/engagement-service/internal/settlement"
	"tapcash/engagement-service/internal/validator"
	"tapcash/engagement-service/internal/verification"
)

// Fixed addresses used across transport tests.
var (
	Creator = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	Worker  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

// ContentRef is the post every fixture job points at.
const ContentRef = "https://x.com/tapcash/status/1"

// Env exposes the in-memory adapters behind Service.
type Env struct {
	Chain       *chain.MemoryOracle
	Counts      *counts.MemoryOracle
	Sessions    *verification.MemoryStore
	LedgerStore *ledger.MemoryStore
	Ledger      *ledger.Ledger
	Events      *events.Recorder
	Metrics     *metrics.Collector
	Registry    *prometheus.Registry
	Service     *engine.Service
}

// New returns an Env with a 10.00 withdrawal threshold and no re-sampling.
func New() *Env {
	log := zap.NewNop()
	e := &Env{
		Chain:       chain.NewMemoryOracle(),
		Counts:      counts.NewMemoryOracle(),
		Sessions:    verification.NewMemoryStore(),
		LedgerStore: ledger.NewMemoryStore(),
		Events:      &events.Recorder{},
		Registry:    prometheus.NewRegistry(),
	}
	e.Metrics = metrics.NewCollector(e.Registry)
	e.Ledger = ledger.New(e.LedgerStore, log)

	v := validator.New(e.Chain, log)
	cfg := verification.DefaultConfig()
	cfg.ResampleAttempts = 0
	sessions := verification.NewManager(v, e.Counts, e.Sessions, cfg, log,
		verification.WithWait(func(context.Context, time.Duration) error { return nil }))
	coord := settlement.NewCoordinator(v, e.Chain, e.Ledger, decimal.RequireFromString("10.00"), e.Metrics, log)

	e.Service = engine.NewService(engine.Deps{
		Validator:   v,
		Sessions:    sessions,
		Coordinator: coord,
		Ledger:      e.Ledger,
		Publisher:   e.Events,
		Metrics:     e.Metrics,
		Log:         log,
	})
	return e
}

// PutLikeJob adds an open like job paying price per action.
func (e *Env) PutLikeJob(id uint64, price string) {
	e.Chain.PutJob(chain.Job{
		ID:               id,
		Creator:          Creator,
		ActionType:       chain.ActionLike,
		ContentRef:       ContentRef,
		PricePerAction:   decimal.RequireFromString(price),
		MaxActions:       10,
		CompletedActions: 3,
		Active:           true,
	})
}

// Caller is the worker identity used by fixtures.
func (e *Env) Caller() engine.Caller {
	return engine.Caller{UserID: "user-1", Wallet: Worker}
}
