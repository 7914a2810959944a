package blobstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCached(t *testing.T, size int, maxBytes int64) *Cached {
	t.Helper()
	c, err := NewCached(newTestStore(t), size, maxBytes)
	require.NoError(t, err)
	return c
}

func TestCached_FetchPopulatesCache(t *testing.T) {
	ctx := context.Background()
	c := newTestCached(t, 4, 1024)

	key, err := c.Store(ctx, []byte("cached body"))
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())

	got, err := c.Fetch(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "cached body", string(got))
	assert.Equal(t, 1, c.Len())

	// Served from memory even when the file is gone behind the store's back.
	require.NoError(t, os.Remove(c.blobPath(key)))
	got, err = c.Fetch(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "cached body", string(got))
}

func TestCached_SkipsLargeBodies(t *testing.T) {
	ctx := context.Background()
	c := newTestCached(t, 4, 4)

	key, err := c.Store(ctx, []byte("longer than four"))
	require.NoError(t, err)

	_, err = c.Fetch(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestCached_DeleteEvicts(t *testing.T) {
	ctx := context.Background()
	c := newTestCached(t, 4, 1024)

	key, err := c.Store(ctx, []byte("evict me"))
	require.NoError(t, err)
	_, err = c.Fetch(ctx, key)
	require.NoError(t, err)

	require.NoError(t, c.Delete(ctx, key))
	assert.Equal(t, 0, c.Len())

	_, err = c.Fetch(ctx, key)
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestCached_DeleteAllPurges(t *testing.T) {
	ctx := context.Background()
	c := newTestCached(t, 4, 1024)

	for _, body := range []string{"x", "y"} {
		key, err := c.Store(ctx, []byte(body))
		require.NoError(t, err)
		_, err = c.Fetch(ctx, key)
		require.NoError(t, err)
	}
	require.Equal(t, 2, c.Len())

	require.NoError(t, c.DeleteAll(ctx))
	assert.Equal(t, 0, c.Len())

	count, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
