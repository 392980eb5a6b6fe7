package verification

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"tapcash/engagement-service/internal/apperr"
	"tapcash/engagement-service/internal/chain"
	"tapcash/engagement-service/internal/counts"
	"tapcash/engagement-service/internal/scoring"
	"tapcash/engagement-service/internal/validator"
)

// Eligibility is the part of validator.JobValidator the manager needs.
type Eligibility interface {
	CanClaim(ctx context.Context, jobID uint64, claimant common.Address) (validator.Decision, error)
}

// Config tunes session lifetime and re-sampling.
type Config struct {
	SessionTTL time.Duration
	// StoreGrace keeps an expired session readable so Verify can tell
	// "expired" apart from "never started".
	StoreGrace                time.Duration
	ResampleAttempts          int
	ResampleInterval          time.Duration
	RejectRestartWhilePending bool
}

// DefaultConfig matches the production defaults.
func DefaultConfig() Config {
	return Config{
		SessionTTL:       10 * time.Minute,
		StoreGrace:       time.Hour,
		ResampleAttempts: 2,
		ResampleInterval: time.Second,
	}
}

// StartRequest identifies who is starting verification on which job.
type StartRequest struct {
	UserID   string
	JobID    uint64
	Claimant common.Address
}

// StartResult is returned to the caller before they perform the action.
type StartResult struct {
	JobID          uint64
	ActionType     chain.ActionType
	ContentRef     string
	BaselineCounts map[string]int64
	Instructions   string
	ExpiresAt      time.Time
	Job            chain.Job
}

// VerifyRequest carries the phase-two evidence.
type VerifyRequest struct {
	UserID string
	JobID  uint64
	Client *scoring.ClientAssertion
}

// VerifyResult is the outcome plus the measurements behind it. A failing
// outcome is a result, not an error.
type VerifyResult struct {
	Outcome     scoring.Outcome
	State       State
	Session     Session
	AfterCounts map[string]int64
	Delta       int64
	Samples     int
}

// Manager owns sessions. It is safe for concurrent use; all shared state lives
// in the Store.
type Manager struct {
	eligibility Eligibility
	counts      counts.Oracle
	store       Store
	cfg         Config
	log         *zap.Logger
	now         func() time.Time
	wait        func(ctx context.Context, d time.Duration) error
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithWait overrides the pause between re-samples.
func WithWait(wait func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.wait = wait }
}

// NewManager wires a Manager.
func NewManager(e Eligibility, c counts.Oracle, store Store, cfg Config, log *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		eligibility: e,
		counts:      c,
		store:       store,
		cfg:         cfg,
		log:         log,
		now:         time.Now,
		wait:        sleepCtx,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start captures the baseline. The claim must currently be eligible.
func (m *Manager) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	key := Key{UserID: req.UserID, JobID: req.JobID}

	d, err := m.eligibility.CanClaim(ctx, req.JobID, req.Claimant)
	if err != nil {
		return StartResult{}, err
	}
	if !d.Eligible {
		return StartResult{}, d.Err()
	}
	job := d.Job

	now := m.now()
	current := StateNone
	if existing, err := m.store.Get(ctx, key); err == nil {
		current = existing.StateAt(now)
	} else if !errors.Is(err, ErrSessionNotFound) {
		return StartResult{}, apperr.Transient("session.get", err)
	}
	if current == StateExpired {
		current = StateNone
	}
	if m.cfg.RejectRestartWhilePending && current == StatePending {
		return StartResult{}, apperr.Reject(apperr.ReasonSessionPending)
	}
	if !IsTransitionAllowed(current, StatePending) {
		return StartResult{}, apperr.Invariant("verification.start", "session in state "+string(current), nil)
	}
	if current != StateNone {
		m.log.Info("restarting verification, previous baseline discarded",
			zap.String("user_id", req.UserID), zap.Uint64("job_id", req.JobID), zap.String("previous_state", string(current)))
	}

	baseline, err := m.counts.GetCounts(ctx, job.ContentRef)
	if err != nil {
		return StartResult{}, apperr.Transient("counts.getCounts", err)
	}
	if baseline.AllZero() {
		m.log.Warn("baseline counts are all zero", zap.Uint64("job_id", req.JobID), zap.String("content_ref", job.ContentRef))
	}

	s := Session{
		UserID:         req.UserID,
		JobID:          req.JobID,
		ContentRef:     job.ContentRef,
		ActionType:     job.ActionType,
		BaselineCounts: baseline.AsMap(),
		State:          StatePending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.cfg.SessionTTL),
	}
	if err := m.store.Put(ctx, s, m.cfg.SessionTTL+m.cfg.StoreGrace); err != nil {
		return StartResult{}, apperr.Transient("session.put", err)
	}

	m.log.Info("verification started",
		zap.String("user_id", req.UserID), zap.Uint64("job_id", req.JobID),
		zap.String("action_type", string(job.ActionType)), zap.Any("baseline", s.BaselineCounts))

	return StartResult{
		JobID:          req.JobID,
		ActionType:     job.ActionType,
		ContentRef:     job.ContentRef,
		BaselineCounts: s.BaselineCounts,
		Instructions:   job.ActionType.Instructions(),
		ExpiresAt:      s.ExpiresAt,
		Job:            job,
	}, nil
}

// Verify re-samples the counts and scores the delta. A passing session is
// consumed; a failing one stays until its deadline so Verify can be retried.
// The caller hands a consumed session back through Restore when the reward
// could not be settled.
func (m *Manager) Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	key := Key{UserID: req.UserID, JobID: req.JobID}

	s, err := m.store.Get(ctx, key)
	if errors.Is(err, ErrSessionNotFound) {
		return VerifyResult{}, apperr.Reject(apperr.ReasonSessionNotFound)
	}
	if err != nil {
		return VerifyResult{}, apperr.Transient("session.get", err)
	}
	if s.StateAt(m.now()) == StateExpired {
		return VerifyResult{State: StateExpired, Session: s}, apperr.Reject(apperr.ReasonSessionExpired)
	}

	counter := s.ActionType.Counter()
	if counter == "" {
		return VerifyResult{}, apperr.Reject(apperr.ReasonInvalidActionType)
	}

	after, delta, samples, err := m.sample(ctx, s, counter)
	if err != nil {
		return VerifyResult{}, err
	}

	outcome := scoring.Score(scoring.Input{
		Delta:    delta,
		Baseline: s.BaselineCounts,
		After:    after,
		Client:   req.Client,
	})
	res := VerifyResult{Outcome: outcome, Session: s, AfterCounts: after, Delta: delta, Samples: samples}

	fields := []zap.Field{
		zap.String("user_id", req.UserID), zap.Uint64("job_id", req.JobID),
		zap.Int64("delta", delta), zap.Int("score", outcome.Score), zap.String("reason_code", outcome.ReasonCode),
	}

	if !outcome.Passed {
		res.State = StateFailed
		s.State = StateFailed
		s.Attempts++
		// Keep the original deadline; a failed attempt never extends the window.
		// A session consumed or restarted since it was read is left as it is.
		if ttl := m.storeTTL(s); ttl > 0 {
			replaced, err := m.store.Replace(ctx, s, ttl)
			switch {
			case err != nil:
				m.log.Warn("could not record failed attempt", append(fields, zap.Error(err))...)
			case !replaced:
				m.log.Info("session changed during verification, failed attempt not recorded", fields...)
			}
		}
		m.log.Info("verification failed", fields...)
		return res, nil
	}

	consumed, err := m.store.Consume(ctx, key)
	if err != nil {
		return VerifyResult{}, apperr.Transient("session.consume", err)
	}
	if !consumed {
		// A concurrent Verify for the same session got there first.
		return VerifyResult{}, apperr.Reject(apperr.ReasonSessionNotFound)
	}
	res.State = StateVerified
	m.log.Info("verification passed", fields...)
	return res, nil
}

// Restore puts back a session consumed by a passing Verify whose settlement
// then failed, so Verify can be retried against the same baseline and
// deadline. A session started in the meantime is left alone.
func (m *Manager) Restore(ctx context.Context, s Session) error {
	ttl := m.storeTTL(s)
	if ttl <= 0 {
		return nil
	}
	restored, err := m.store.Restore(ctx, s, ttl)
	if err != nil {
		return apperr.Transient("session.restore", err)
	}
	fields := []zap.Field{zap.String("user_id", s.UserID), zap.Uint64("job_id", s.JobID)}
	if !restored {
		m.log.Info("session not restored, a newer one exists", fields...)
		return nil
	}
	m.log.Info("session restored for retry", fields...)
	return nil
}

// storeTTL is how long s stays readable. go-redis reads a negative expiry as
// KEEPTTL, so callers skip the write when it is not positive.
func (m *Manager) storeTTL(s Session) time.Duration {
	return s.ExpiresAt.Sub(m.now()) + m.cfg.StoreGrace
}

// sample reads the counts, re-reading up to ResampleAttempts more times while
// the delta is zero. Providers often lag a few seconds behind the action.
func (m *Manager) sample(ctx context.Context, s Session, counter string) (map[string]int64, int64, int, error) {
	base := s.BaselineCounts[counter]
	samples := 0
	for {
		c, err := m.counts.GetCounts(ctx, s.ContentRef)
		samples++
		if err != nil {
			return nil, 0, samples, apperr.Transient("counts.getCounts", err)
		}
		after := c.AsMap()
		delta := after[counter] - base
		if delta != 0 || samples > m.cfg.ResampleAttempts {
			return after, delta, samples, nil
		}
		if err := m.wait(ctx, m.cfg.ResampleInterval); err != nil {
			return nil, 0, samples, apperr.Transient("verification.resample", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
