package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisSetAndGet(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewRedis(db, 5*time.Minute)
	ctx := context.Background()

	want := payload(1)
	data, err := json.Marshal(want)
	require.NoError(t, err)

	mock.ExpectSet(redisKeyPrefix+"batman-1", data, 5*time.Minute).SetVal("OK")
	require.NoError(t, store.Set(ctx, "batman-1", want))

	mock.ExpectGet(redisKeyPrefix + "batman-1").SetVal(string(data))
	got, ok := store.Get(ctx, "batman-1")
	require.True(t, ok)
	assert.Equal(t, want, got)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisMissAndErrors(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewRedis(db, time.Minute)
	ctx := context.Background()

	mock.ExpectGet(redisKeyPrefix + "home-1").RedisNil()
	_, ok := store.Get(ctx, "home-1")
	assert.False(t, ok)

	mock.ExpectGet(redisKeyPrefix + "home-2").SetErr(errors.New("connection reset"))
	_, ok = store.Get(ctx, "home-2")
	assert.False(t, ok)

	mock.ExpectGet(redisKeyPrefix + "home-3").SetVal("{not json")
	_, ok = store.Get(ctx, "home-3")
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTieredBackfillFromRedisKeepsRemainingTTL(t *testing.T) {
	db, mock := redismock.NewClientMock()
	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	fast, err := NewMemory(10, 10*time.Minute, WithClock(clock.Now))
	require.NoError(t, err)
	tiered := NewTiered(fast, NewRedis(db, 10*time.Minute))
	ctx := context.Background()

	data, err := json.Marshal(payload(1))
	require.NoError(t, err)

	mock.ExpectGet(redisKeyPrefix + "batman-1").SetVal(string(data))
	mock.ExpectPTTL(redisKeyPrefix + "batman-1").SetVal(30 * time.Second)
	_, ok := tiered.Get(ctx, "batman-1")
	require.True(t, ok)

	remaining, _ := fast.TTL(ctx, "batman-1")
	assert.Equal(t, 30*time.Second, remaining)
	clock.Advance(31 * time.Second)
	_, ok = fast.Get(ctx, "batman-1")
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTieredSkipsBackfillWhenRedisTTLUnknown(t *testing.T) {
	db, mock := redismock.NewClientMock()
	fast, err := NewMemory(10, time.Minute)
	require.NoError(t, err)
	tiered := NewTiered(fast, NewRedis(db, time.Minute))
	ctx := context.Background()

	data, err := json.Marshal(payload(2))
	require.NoError(t, err)

	mock.ExpectGet(redisKeyPrefix + "batman-2").SetVal(string(data))
	mock.ExpectPTTL(redisKeyPrefix + "batman-2").SetErr(errors.New("connection reset"))
	_, ok := tiered.Get(ctx, "batman-2")
	require.True(t, ok)
	assert.Equal(t, 0, fast.Len())

	require.NoError(t, mock.ExpectationsWereMet())
}
