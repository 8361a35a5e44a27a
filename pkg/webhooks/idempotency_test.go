package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rentbill/pkg/errs"
)

func testClaimRelease(t *testing.T, store IdempotencyStore) {
	ctx := context.Background()

	won, err := store.Claim(ctx, "id:evt_1")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = store.Claim(ctx, "id:evt_1")
	require.NoError(t, err)
	assert.False(t, won, "second claim loses")

	require.NoError(t, store.Release(ctx, "id:evt_1"))
	won, err = store.Claim(ctx, "id:evt_1")
	require.NoError(t, err)
	assert.True(t, won, "released key can be claimed again")

	require.NoError(t, store.Confirm(ctx, "id:evt_1"))
	won, err = store.Claim(ctx, "id:evt_1")
	require.NoError(t, err)
	assert.False(t, won, "confirmed key stays taken")
}

func TestRedisIdempotency(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewRedisIdempotency(client, "test", time.Hour)
	testClaimRelease(t, store)

	assert.True(t, mr.Exists("test:id:evt_1"))
	assert.Equal(t, time.Hour, mr.TTL("test:id:evt_1"))

	won, err := store.Claim(context.Background(), "id:evt_2")
	require.NoError(t, err)
	require.True(t, won)
	assert.Equal(t, DefaultClaimTTL, mr.TTL("test:id:evt_2"), "unconfirmed claims are short lived")

	mr.FastForward(2 * time.Hour)
	won, err = store.Claim(context.Background(), "id:evt_1")
	require.NoError(t, err)
	assert.True(t, won, "claim expires after the ttl")
}

func TestRedisIdempotencyUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	_, err := NewRedisIdempotency(client, "", 0).Claim(context.Background(), "id:evt_1")
	assert.ErrorIs(t, err, errs.ErrStoreUnavailable)
	assert.True(t, errs.IsRetryable(err))
}

func TestMemoryIdempotency(t *testing.T) {
	testClaimRelease(t, NewMemoryIdempotency(10, time.Hour))

	store := NewMemoryIdempotency(2, time.Hour)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		won, err := store.Claim(ctx, k)
		require.NoError(t, err)
		assert.True(t, won)
	}
	won, _ := store.Claim(ctx, "a")
	assert.True(t, won, "oldest key is evicted past the size bound")
}

func TestMemoryIdempotencyClaimLapses(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := NewMemoryIdempotency(10, time.Hour)
	store.now = func() time.Time { return now }

	won, err := store.Claim(ctx, "a")
	require.NoError(t, err)
	require.True(t, won)
	won, err = store.Claim(ctx, "b")
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, store.Confirm(ctx, "b"))

	now = now.Add(DefaultClaimTTL + time.Second)
	won, _ = store.Claim(ctx, "a")
	assert.True(t, won, "unconfirmed claim lapsed")
	won, _ = store.Claim(ctx, "b")
	assert.False(t, won, "confirmed claim holds")
}
