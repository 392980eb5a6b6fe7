// Package events publishes ledger events on Redis pub/sub. Each event type is
// its own channel, named after the type.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	TypeCompletionRecorded  = "EVENT_COMPLETION_RECORDED"
	TypeWithdrawalConfirmed = "EVENT_WITHDRAWAL_CONFIRMED"
)

// Event is the JSON payload sent on the channel.
type Event struct {
	Type      string    `json:"type"`
	UserID    string    `json:"userId"`
	JobID     uint64    `json:"jobId,omitempty"`
	Amount    string    `json:"amount"`
	Balance   string    `json:"balance,omitempty"`
	TxRef     string    `json:"txRef,omitempty"`
	Score     int       `json:"score,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher sends events. Callers treat errors as non-fatal.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// RedisPublisher publishes on the channel named by Event.Type.
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher wraps a connected client.
func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Type, err)
	}
	if err := p.rdb.Publish(ctx, ev.Type, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
