package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"tapcash/engagement-service/internal/settlement"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingRunner struct {
	runs  atomic.Int32
	err   error
	block chan struct{}
}

func (r *countingRunner) Run(ctx context.Context) (settlement.ReconcileReport, error) {
	r.runs.Add(1)
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
		}
	}
	return settlement.ReconcileReport{Checked: 1}, r.err
}

func TestStartRunsImmediately(t *testing.T) {
	r := &countingRunner{}
	s := New(r, "@every 1h", zap.NewNop())
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return r.runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestRunsOnSchedule(t *testing.T) {
	r := &countingRunner{}
	s := New(r, "@every 1s", zap.NewNop())
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return r.runs.Load() >= 2 }, 3*time.Second, 20*time.Millisecond)
	s.Stop()
}

func TestInvalidSpec(t *testing.T) {
	s := New(&countingRunner{}, "every so often", zap.NewNop())
	assert.Error(t, s.Start(context.Background()))
}

func TestRunnerErrorIsNotFatal(t *testing.T) {
	r := &countingRunner{err: errors.New("chain down")}
	s := New(r, "@every 1h", zap.NewNop())
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return r.runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	r := &countingRunner{block: make(chan struct{})}
	s := New(r, "@every 1h", zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return r.runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	s.runReconcile(context.Background())
	assert.Equal(t, int32(1), r.runs.Load())

	close(r.block)
	s.Stop()
}

func TestStopWaitsForCancelledPass(t *testing.T) {
	r := &countingRunner{block: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	s := New(r, "@every 1h", zap.NewNop())
	require.NoError(t, s.Start(ctx))
	assert.Eventually(t, func() bool { return r.runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	s.Stop()
}
