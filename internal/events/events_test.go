package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tapcash/engagement-service/internal/events"
)

func TestEventJSONShape(t *testing.T) {
	ev := events.Event{
		Type:      events.TypeCompletionRecorded,
		UserID:    "u1",
		JobID:     7,
		Amount:    "0.50",
		Balance:   "3.00",
		TxRef:     "0xabc",
		Score:     90,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	b, err := json.Marshal(ev)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "EVENT_COMPLETION_RECORDED", got["type"])
	assert.Equal(t, "u1", got["userId"])
	assert.Equal(t, float64(7), got["jobId"])
	assert.Equal(t, "0.50", got["amount"])
	assert.Equal(t, "2026-01-02T03:04:05Z", got["timestamp"])
}

func TestWithdrawalEventOmitsJob(t *testing.T) {
	b, err := json.Marshal(events.Event{Type: events.TypeWithdrawalConfirmed, UserID: "u1", Amount: "10.00"})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "jobId")
}

func TestRecorder(t *testing.T) {
	var r events.Recorder
	require.NoError(t, r.Publish(context.Background(), events.Event{Type: events.TypeWithdrawalConfirmed}))
	require.NoError(t, events.Nop{}.Publish(context.Background(), events.Event{}))
	assert.Len(t, r.Events(), 1)
}
