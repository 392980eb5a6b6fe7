package verification_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tapcash/engagement-service/internal/chain"
	"tapcash/engagement-service/internal/verification"
)

// newRedisStore needs TEST_REDIS_URL pointing at a disposable database.
func newRedisStore(t *testing.T) *verification.RedisStore {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.FlushDB(context.Background()).Err())
	return verification.NewRedisStore(rdb)
}

func redisSession(created time.Time) verification.Session {
	return verification.Session{
		UserID: "u1", JobID: 1, ContentRef: contentRef, ActionType: chain.ActionLike,
		BaselineCounts: map[string]int64{chain.CounterLikes: 5},
		State:          verification.StatePending,
		CreatedAt:      created,
		ExpiresAt:      created.Add(10 * time.Minute),
	}
}

func TestRedisStore_ConsumeOnce(t *testing.T) {
	ctx := context.Background()
	store := newRedisStore(t)
	s := redisSession(time.Now().UTC())
	require.NoError(t, store.Put(ctx, s, time.Minute))

	ok, err := store.Consume(ctx, s.Key())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Consume(ctx, s.Key())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_ReplaceOnlySameSession(t *testing.T) {
	ctx := context.Background()
	store := newRedisStore(t)
	now := time.Now().UTC()
	s := redisSession(now)

	failed := s
	failed.State = verification.StateFailed
	ok, err := store.Replace(ctx, failed, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "absent key is not recreated")

	require.NoError(t, store.Put(ctx, s, time.Minute))
	ok, err = store.Replace(ctx, failed, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Put(ctx, redisSession(now.Add(time.Second)), time.Minute))
	ok, err = store.Replace(ctx, failed, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a restarted session is kept")

	got, err := store.Get(ctx, s.Key())
	require.NoError(t, err)
	assert.Equal(t, verification.StatePending, got.State)
}

func TestRedisStore_RestoreIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := newRedisStore(t)
	s := redisSession(time.Now().UTC())

	ok, err := store.Restore(ctx, s, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Restore(ctx, s, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}
