package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestFSStore_StoreAndFetch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	data := []byte("test attachment data")
	key, err := s.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, KeyForContent(data), key)

	got, err := s.Fetch(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	size, err := s.Size(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)
}

func TestFSStore_Open(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	key, err := s.Store(ctx, []byte("streamed"))
	require.NoError(t, err)

	r, err := s.Open(ctx, key)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "streamed", string(got))
}

func TestFSStore_Has(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	has, err := s.Has(ctx, KeyForContent([]byte("nope")))
	require.NoError(t, err)
	assert.False(t, has)

	key, err := s.Store(ctx, []byte("yes"))
	require.NoError(t, err)

	has, err = s.Has(ctx, key)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestFSStore_Store_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	k1, err := s.Store(ctx, []byte("same"))
	require.NoError(t, err)
	k2, err := s.Store(ctx, []byte("same"))
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestFSStore_Fetch_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Fetch(ctx, KeyForContent([]byte("missing")))
	assert.ErrorIs(t, err, ErrBlobNotFound)

	_, err = s.Open(ctx, KeyForContent([]byte("missing")))
	assert.ErrorIs(t, err, ErrBlobNotFound)

	_, err = s.Size(ctx, KeyForContent([]byte("missing")))
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestFSStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	key, err := s.Store(ctx, []byte("to delete"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, key))

	has, err := s.Has(ctx, key)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestFSStore_Delete_NonExistent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	assert.NoError(t, s.Delete(ctx, KeyForContent([]byte("never stored"))))
}

func TestFSStore_AllKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	keys, err := s.AllKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	want := map[Key]bool{}
	for _, body := range []string{"a", "b", "c"} {
		key, err := s.Store(ctx, []byte(body))
		require.NoError(t, err)
		want[key] = true
	}

	keys, err = s.AllKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 3)
	for _, k := range keys {
		assert.True(t, want[k], "unexpected key %s", k)
	}
}

func TestFSStore_AllKeys_IgnoresTempFiles(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	w, err := s.NewWriter()
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Append([]byte("in flight")))

	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "stray.txt"), []byte("x"), 0644))

	keys, err := s.AllKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFSStore_DeleteAll(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, body := range []string{"one", "two"} {
		_, err := s.Store(ctx, []byte(body))
		require.NoError(t, err)
	}

	require.NoError(t, s.DeleteAll(ctx))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// The store stays usable.
	_, err = s.Store(ctx, []byte("three"))
	require.NoError(t, err)
}

func TestFSStore_Layout(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	key, err := s.Store(ctx, []byte("foo"))
	require.NoError(t, err)

	h := key.String()
	_, err = os.Stat(filepath.Join(s.Root(), h[:2], h[2:]+".blob"))
	assert.NoError(t, err)
}
