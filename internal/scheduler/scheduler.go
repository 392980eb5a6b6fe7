// Package scheduler wires up the cron job that periodically reconciles the
// off-chain ledger against the contract.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"tapcash/engagement-service/internal/settlement"
)

// Runner runs one reconciliation pass.
type Runner interface {
	Run(ctx context.Context) (settlement.ReconcileReport, error)
}

// Scheduler wraps robfig/cron and manages the reconcile loop.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	spec   string // cron spec, e.g. "@every 15m"
	log    *zap.Logger

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New creates a Scheduler that fires on spec.
func New(runner Runner, spec string, log *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		runner: runner,
		spec:   spec,
		log:    log,
	}
}

// Start registers the job and starts the scheduler. Also runs one pass
// immediately so divergences surface without waiting for the first tick.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.runReconcile(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}

	s.cron.Start()
	s.log.Info("reconcile cron started", zap.String("spec", s.spec))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runReconcile(ctx)
	}()
	return nil
}

// Stop shuts the scheduler down and waits for an in-flight pass.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.log.Info("reconcile cron stopped")
}

// runReconcile skips a tick while the previous pass is still running.
func (s *Scheduler) runReconcile(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn("previous reconcile pass still running, skipping tick")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	report, err := s.runner.Run(ctx)
	if err != nil {
		s.log.Warn("reconcile pass failed", zap.Error(err))
		return
	}
	s.log.Info("reconcile pass complete",
		zap.Int("checked", report.Checked),
		zap.Int("failed", report.Failed),
		zap.Int("diverged", len(report.Diverged)),
		zap.Duration("took", report.Duration))
}
