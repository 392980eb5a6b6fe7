package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tapcash/engagement-service/internal/chain"
)

// ErrSessionNotFound is returned by a Store when no live session exists.
var ErrSessionNotFound = errors.New("verification session not found")

// Key identifies a session. At most one session exists per key.
type Key struct {
	UserID string
	JobID  uint64
}

func (k Key) String() string { return fmt.Sprintf("%s:%d", k.UserID, k.JobID) }

// Session is the baseline captured by Start and consumed by a passing Verify.
type Session struct {
	UserID         string           `json:"user_id"`
	JobID          uint64           `json:"job_id"`
	ContentRef     string           `json:"content_ref"`
	ActionType     chain.ActionType `json:"action_type"`
	BaselineCounts map[string]int64 `json:"baseline_counts"`
	State          State            `json:"state"`
	Attempts       int              `json:"attempts"`
	CreatedAt      time.Time        `json:"created_at"`
	ExpiresAt      time.Time        `json:"expires_at"`
}

// Key returns the session's store key.
func (s Session) Key() Key { return Key{UserID: s.UserID, JobID: s.JobID} }

// Expired reports whether now is past the deadline.
func (s Session) Expired(now time.Time) bool { return now.After(s.ExpiresAt) }

// StateAt returns EXPIRED once the deadline has passed, the stored state otherwise.
func (s Session) StateAt(now time.Time) State {
	if s.Expired(now) {
		return StateExpired
	}
	return s.State
}

// Store keeps sessions outside the process so verification survives restarts
// and works across instances.
//
// Put upserts and keeps the entry for ttl. Get returns ErrSessionNotFound when
// absent. Consume deletes the entry and reports whether this call was the one
// that removed it.
//
// Replace overwrites the entry only while it still holds the session started
// at s.CreatedAt. Restore writes s only when the key is empty. Both report
// whether they wrote.
type Store interface {
	Put(ctx context.Context, s Session, ttl time.Duration) error
	Get(ctx context.Context, key Key) (Session, error)
	Consume(ctx context.Context, key Key) (bool, error)
	Replace(ctx context.Context, s Session, ttl time.Duration) (bool, error)
	Restore(ctx context.Context, s Session, ttl time.Duration) (bool, error)
}
