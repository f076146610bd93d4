package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withRedis(t *testing.T, action func(db *miniredis.Miniredis, client *Redis)) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()

	client := NewRedis("primary", DefaultRedisConfig(db.Addr()))
	defer func() { _ = client.Close() }()

	action(db, client)
}

func TestRedisPing(t *testing.T) {
	withRedis(t, func(_ *miniredis.Miniredis, client *Redis) {
		assert.NoError(t, client.Ping(context.Background()))
		assert.Equal(t, "primary", client.Name())
	})
}

func TestRedisWriteRead(t *testing.T) {
	withRedis(t, func(db *miniredis.Miniredis, client *Redis) {
		ctx := context.Background()

		require.NoError(t, client.Write(ctx, "concurrent:user:1", "user_data_1"))

		stored, err := db.Get("concurrent:user:1")
		require.NoError(t, err)
		assert.Equal(t, "user_data_1", stored)

		value, found, err := client.Read(ctx, "concurrent:user:1")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "user_data_1", value)
	})
}

func TestRedisReadMissingKey(t *testing.T) {
	withRedis(t, func(_ *miniredis.Miniredis, client *Redis) {
		value, found, err := client.Read(context.Background(), "missing")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Empty(t, value)
	})
}

func TestRedisCounters(t *testing.T) {
	withRedis(t, func(db *miniredis.Miniredis, client *Redis) {
		ctx := context.Background()
		require.NoError(t, db.Set("seckill:stock", "100"))

		n, err := client.Decr(ctx, "seckill:stock")
		require.NoError(t, err)
		assert.Equal(t, int64(99), n)

		n, err = client.Incr(ctx, "seckill:sold")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestRedisConnectionErrorIsClassified(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	addr := db.Addr()
	db.Close()

	config := DefaultRedisConfig(addr)
	config.DialTimeout = 200 * time.Millisecond
	client := NewRedis("replica", config)
	defer func() { _ = client.Close() }()

	err = client.Write(context.Background(), "k", "v")
	require.Error(t, err)
	assert.Equal(t, ClassConnection, Classify(err))

	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "replica", se.Endpoint)
	assert.Equal(t, "write", se.Op)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassNone, Classify(nil))
	assert.Equal(t, ClassConnection, Classify(ErrConnection))
	assert.Equal(t, ClassConnection, Classify(fmt.Errorf("dial: %w", ErrConnection)))
	assert.Equal(t, ClassOther, Classify(errors.New("WRONGTYPE Operation against a key")))
	assert.Equal(t, ClassConnection, Classify(errors.New("redis: client is closed")))
}

func TestWrapKeepsExistingStoreError(t *testing.T) {
	inner := Wrap("primary", "write", ErrConnection)
	outer := Wrap("other", "read", inner)
	assert.Same(t, inner, outer)
	assert.Nil(t, Wrap("primary", "write", nil))
	assert.Equal(t, "connection", ClassConnection.String())
}
