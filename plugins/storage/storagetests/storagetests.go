// Package storagetests provides common acceptance tests for storage.Cache
// implementations.
package storagetests

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vlevchine/InGear/errors"
	"github.com/vlevchine/InGear/plugins/storage"
)

// Advance moves the cache's clock forward.
type Advance func(d time.Duration)

// Run exercises cache contract behavior. newCache must return an empty cache
// and a function that advances the clock the cache uses for TTLs.
//
//nolint:funlen // This is a test helper.
func Run(t *testing.T, newCache func(t *testing.T) (storage.Cache, Advance)) {
	t.Run("TestPutGetRoundTrip", func(t *testing.T) {
		c, _ := newCache(t)
		ctx := context.Background()

		fields := map[string]string{"sub": "alice", "refresh_token": "r-1"}
		require.NoError(t, c.Put(ctx, "k1", fields))
		require.NoError(t, c.Expire(ctx, "k1", time.Hour))

		got, err := c.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, fields, got)
	})

	t.Run("TestPutReplaces", func(t *testing.T) {
		c, _ := newCache(t)
		ctx := context.Background()

		require.NoError(t, c.Put(ctx, "k1", map[string]string{"a": "1", "b": "2"}))
		require.NoError(t, c.Put(ctx, "k1", map[string]string{"b": "3"}))

		got, err := c.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"b": "3"}, got)
	})

	t.Run("TestPutRejectsEmpty", func(t *testing.T) {
		c, _ := newCache(t)
		err := c.Put(context.Background(), "k1", nil)
		require.Error(t, err)
		assert.Equal(t, errors.Validation, errors.KindOf(err))
	})

	t.Run("TestGetMissing", func(t *testing.T) {
		c, _ := newCache(t)
		_, err := c.Get(context.Background(), "nope")
		require.ErrorIs(t, err, storage.ErrNotFound)
		assert.Equal(t, errors.NotFound, errors.KindOf(err))
	})

	t.Run("TestExpireMissing", func(t *testing.T) {
		c, _ := newCache(t)
		err := c.Expire(context.Background(), "nope", time.Minute)
		require.ErrorIs(t, err, storage.ErrNotConfirmed)
		assert.Equal(t, errors.Store, errors.KindOf(err))
	})

	t.Run("TestTTLElapses", func(t *testing.T) {
		c, advance := newCache(t)
		ctx := context.Background()

		require.NoError(t, c.Put(ctx, "k1", map[string]string{"a": "1"}))
		require.NoError(t, c.Expire(ctx, "k1", time.Hour))

		advance(59 * time.Minute)
		ok, err := c.Exists(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok, "record should survive until its TTL")

		advance(2 * time.Minute)
		ok, err = c.Exists(ctx, "k1")
		require.NoError(t, err)
		assert.False(t, ok, "record should be gone after its TTL")

		_, err = c.Get(ctx, "k1")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("TestPutClearsTTL", func(t *testing.T) {
		c, advance := newCache(t)
		ctx := context.Background()

		require.NoError(t, c.Put(ctx, "k1", map[string]string{"a": "1"}))
		require.NoError(t, c.Expire(ctx, "k1", time.Minute))
		require.NoError(t, c.Put(ctx, "k1", map[string]string{"a": "2"}))
		require.NoError(t, c.Expire(ctx, "k1", time.Hour))

		advance(5 * time.Minute)
		got, err := c.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "2", got["a"])
	})

	t.Run("TestDelete", func(t *testing.T) {
		c, _ := newCache(t)
		ctx := context.Background()

		require.NoError(t, c.Put(ctx, "k1", map[string]string{"a": "1"}))

		existed, err := c.Delete(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, existed)

		existed, err = c.Delete(ctx, "k1")
		require.NoError(t, err)
		assert.False(t, existed)

		ok, err := c.Exists(ctx, "k1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("TestGetReturnsCopy", func(t *testing.T) {
		c, _ := newCache(t)
		ctx := context.Background()

		require.NoError(t, c.Put(ctx, "k1", map[string]string{"a": "1"}))
		got, err := c.Get(ctx, "k1")
		require.NoError(t, err)
		got["a"] = "mutated"

		again, err := c.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "1", again["a"])
	})

	t.Run("TestConcurrentWritersLastWins", func(t *testing.T) {
		c, _ := newCache(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, c.Put(ctx, "shared", map[string]string{"writer": string(rune('a' + i))}))
			}()
		}
		wg.Wait()

		got, err := c.Get(ctx, "shared")
		require.NoError(t, err)
		assert.Len(t, got, 1, "writes replace, they never merge")
	})
}
