package blobstore

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_Digests(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	w, err := s.NewWriter()
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append([]byte("foo")))
	assert.Empty(t, w.SHA1DigestString())
	require.NoError(t, w.Finish())

	assert.Equal(t, "sha1-C+7Hteo/D9vJXQ3UfzxbwnXaijM=", w.SHA1DigestString())
	assert.Equal(t, "md5-rL0Y20zC+Fzt72VPzMSk2A==", w.MD5DigestString())
	assert.Equal(t, int64(3), w.Length())

	key, err := w.Install()
	require.NoError(t, err)
	assert.Equal(t, KeyForContent([]byte("foo")), key)

	got, err := s.Fetch(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "foo", string(got))
}

func TestWriter_MultipleAppends(t *testing.T) {
	s := newTestStore(t)

	w, err := s.NewWriter()
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append([]byte("This is the body ")))
	_, err = w.Write([]byte("of attach1"))
	require.NoError(t, err)
	require.NoError(t, w.Finish())

	assert.Equal(t, "sha1-gOHUOBmIMoDCrMuGyaLWzf1hQTE=", w.SHA1DigestString())
	assert.Equal(t, int64(27), w.Length())
}

func TestWriter_ReadFrom(t *testing.T) {
	s := newTestStore(t)

	w, err := s.NewWriter()
	require.NoError(t, err)
	defer w.Close()

	body := strings.Repeat("x", 100_000)
	n, err := w.ReadFrom(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), n)

	require.NoError(t, w.Finish())
	assert.Equal(t, KeyForContent([]byte(body)), w.Key())
}

func TestWriter_FinishIdempotent(t *testing.T) {
	s := newTestStore(t)

	w, err := s.NewWriter()
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append([]byte("foo")))
	require.NoError(t, w.Finish())
	require.NoError(t, w.Finish())
	assert.Equal(t, "sha1-C+7Hteo/D9vJXQ3UfzxbwnXaijM=", w.SHA1DigestString())
}

func TestWriter_AppendAfterFinishPanics(t *testing.T) {
	s := newTestStore(t)

	w, err := s.NewWriter()
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Finish())

	assert.Panics(t, func() { _ = w.Append([]byte("late")) })
}

func TestWriter_InstallBeforeFinishPanics(t *testing.T) {
	s := newTestStore(t)

	w, err := s.NewWriter()
	require.NoError(t, err)
	defer w.Close()

	assert.Panics(t, func() { _, _ = w.Install() })
}

func TestWriter_InstallTwice(t *testing.T) {
	s := newTestStore(t)

	w, err := s.NewWriter()
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Append([]byte("twice")))
	require.NoError(t, w.Finish())

	k1, err := w.Install()
	require.NoError(t, err)
	k2, err := w.Install()
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.True(t, w.Installed())
}

func TestWriter_OpenTemp(t *testing.T) {
	s := newTestStore(t)

	w, err := s.NewWriter()
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Append([]byte("staged")))

	_, err = w.OpenTemp()
	assert.Error(t, err, "readable only after Finish")

	require.NoError(t, w.Finish())
	r, err := w.OpenTemp()
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "staged", string(data))

	count, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = w.Install()
	require.NoError(t, err)
	_, err = w.OpenTemp()
	assert.Error(t, err)
}

func TestWriter_CloseWithoutInstall(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	w, err := s.NewWriter()
	require.NoError(t, err)
	require.NoError(t, w.Append([]byte("abandoned")))
	require.NoError(t, w.Close())

	entries, err := os.ReadDir(s.tmpDir())
	require.NoError(t, err)
	assert.Empty(t, entries)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestWriter_InstallRemovesTempFile(t *testing.T) {
	s := newTestStore(t)

	w, err := s.NewWriter()
	require.NoError(t, err)
	require.NoError(t, w.Append([]byte("tidy")))
	require.NoError(t, w.Finish())
	_, err = w.Install()
	require.NoError(t, err)
	require.NoError(t, w.Close())

	entries, err := os.ReadDir(s.tmpDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriter_ConcurrentIdenticalInstalls(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const n = 8
	keys := make([]Key, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := s.NewWriter()
			if err != nil {
				errs[i] = err
				return
			}
			defer w.Close()
			if err := w.Append([]byte("shared content")); err != nil {
				errs[i] = err
				return
			}
			if err := w.Finish(); err != nil {
				errs[i] = err
				return
			}
			keys[i], errs[i] = w.Install()
		}()
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, keys[0], keys[i])
	}

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := s.Fetch(ctx, keys[0])
	require.NoError(t, err)
	assert.Equal(t, "shared content", string(got))
}
