package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constProducer(v interface{}) Producer {
	return func(ctx context.Context, key string, args ...interface{}) (interface{}, error) {
		return v, nil
	}
}

func TestCacheMissInvokesProducer(t *testing.T) {
	c, err := New(time.Minute, 10)
	require.NoError(t, err)

	calls := 0
	producer := func(ctx context.Context, key string, args ...interface{}) (interface{}, error) {
		calls++
		return "value-" + key, nil
	}

	v, err := c.Get(context.Background(), "a", producer)
	require.NoError(t, err)
	assert.Equal(t, "value-a", v)

	v, err = c.Get(context.Background(), "a", producer)
	require.NoError(t, err)
	assert.Equal(t, "value-a", v)
	assert.Equal(t, 1, calls, "second Get for the same key must hit the cache, not re-invoke the producer")
}

func TestCacheNeverStoresNil(t *testing.T) {
	c, err := New(time.Minute, 10)
	require.NoError(t, err)

	calls := 0
	producer := func(ctx context.Context, key string, args ...interface{}) (interface{}, error) {
		calls++
		return nil, nil
	}
	_, _ = c.Get(context.Background(), "a", producer)
	_, _ = c.Get(context.Background(), "a", producer)
	assert.Equal(t, 2, calls, "a nil value must never be cached, so every Get re-invokes the producer")
}

func TestCacheExpiresOnTTL(t *testing.T) {
	c, err := New(10*time.Millisecond, 10)
	require.NoError(t, err)

	calls := 0
	producer := func(ctx context.Context, key string, args ...interface{}) (interface{}, error) {
		calls++
		return calls, nil
	}

	v, err := c.Get(context.Background(), "a", producer)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	time.Sleep(30 * time.Millisecond)

	v, err = c.Get(context.Background(), "a", producer)
	require.NoError(t, err)
	assert.Equal(t, 2, v, "an entry older than the TTL must be treated as a miss")
}

func TestCacheEvictsOldestInsertedOnOverflow(t *testing.T) {
	c, err := New(time.Minute, 3)
	require.NoError(t, err)

	for _, k := range []string{"a", "b", "c"} {
		_, err := c.Get(context.Background(), k, constProducer(k))
		require.NoError(t, err)
	}
	require.Equal(t, 3, c.Len())

	// Inserting a 4th distinct key must evict "a", the oldest inserted.
	_, err = c.Get(context.Background(), "d", constProducer("d"))
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())

	calls := 0
	_, err = c.Get(context.Background(), "a", func(ctx context.Context, key string, args ...interface{}) (interface{}, error) {
		calls++
		return "a-again", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "\"a\" must have been evicted and therefore re-produced")

	calls = 0
	_, err = c.Get(context.Background(), "d", func(ctx context.Context, key string, args ...interface{}) (interface{}, error) {
		calls++
		return "d-again", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, calls, "\"d\" is the most recently inserted key and must not have been evicted")
}

func TestCacheInvalidateRemovesSingleEntry(t *testing.T) {
	c, err := New(time.Minute, 10)
	require.NoError(t, err)

	_, _ = c.Get(context.Background(), "a", constProducer("1"))
	c.Invalidate("a")

	calls := 0
	_, _ = c.Get(context.Background(), "a", func(ctx context.Context, key string, args ...interface{}) (interface{}, error) {
		calls++
		return "2", nil
	})
	assert.Equal(t, 1, calls)
}
