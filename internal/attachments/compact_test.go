package attachments

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/revblob/internal/blobstore"
	"github.com/kilupskalvis/revblob/internal/dberr"
	"github.com/kilupskalvis/revblob/internal/store"
)

func TestCompact_Empty(t *testing.T) {
	f := newTestCoordinator(t, 0)

	result, err := f.c.Compact(context.Background(), CompactOptions{})
	require.NoError(t, err)
	assert.Equal(t, CompactResult{}, *result)
}

// buildHistory stores attach1 on rev1, copies it to rev2 and replaces it
// with attach2 on rev3.
func buildHistory(t *testing.T, f *fixture) (rev1Seq, rev3Seq int64) {
	t.Helper()
	ctx := context.Background()

	rev1 := f.putRevWithAttachment(t, "doc", "", "attach", attach1Body)
	rev2 := f.putRev(t, "doc", rev1.RevID, map[string]any{"n": 2})
	require.NoError(t, f.st.Update(ctx, func(tx store.Tx) error {
		return f.c.CopyAttachment(tx, "attach", rev1.Sequence, rev2.Sequence)
	}))
	rev3, err := f.c.UpdateAttachment(ctx, "attach", f.writer(t, attach2Body), "text/html", "", "doc", rev2.RevID)
	require.NoError(t, err)
	return rev1.Sequence, rev3.Sequence
}

func TestCompact_ReclaimsSupersededBlobs(t *testing.T) {
	ctx := context.Background()
	f := newTestCoordinator(t, 0)
	rev1Seq, rev3Seq := buildHistory(t, f)

	assert.Equal(t, 2, f.blobCount(t))

	result, err := f.c.Compact(ctx, CompactOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.RevisionsPruned)
	assert.Equal(t, 2, result.RowsDeleted)
	assert.Equal(t, 2, result.BlobsScanned)
	assert.Equal(t, 1, result.BlobsDeleted)
	assert.Equal(t, 1, result.ReferencedBlobs)

	keys, err := f.blobs.AllKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []blobstore.Key{blobstore.KeyForContent([]byte(attach2Body))}, keys)

	// Pruned rows are gone, so the old attachment is missing rather than corrupt.
	_, err = f.get(t, rev1Seq, "attach")
	assert.ErrorIs(t, err, dberr.ErrNotFound)

	att, err := f.get(t, rev3Seq, "attach")
	require.NoError(t, err)
	content, err := att.Content()
	require.NoError(t, err)
	assert.Equal(t, attach2Body, string(content))
}

func TestCompact_KeepsBlobsSharedWithRetainedRevisions(t *testing.T) {
	ctx := context.Background()
	f := newTestCoordinator(t, 0)
	rev1 := f.putRevWithAttachment(t, "doc", "", "a", attach1Body)
	_, err := f.c.UpdateAttachment(ctx, "b", f.writer(t, attach2Body), "", "", "doc", rev1.RevID)
	require.NoError(t, err)

	// Another document shares attach1's content.
	f.putRevWithAttachment(t, "other", "", "copy", attach1Body)

	result, err := f.c.Compact(ctx, CompactOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.BlobsDeleted)
	assert.Equal(t, 2, f.blobCount(t))
}

func TestCompact_DeletesOrphanBlobs(t *testing.T) {
	ctx := context.Background()
	f := newTestCoordinator(t, 0)
	f.putRevWithAttachment(t, "doc", "", "a", attach1Body)

	_, err := f.blobs.Store(ctx, []byte("orphan"))
	require.NoError(t, err)

	result, err := f.c.Compact(ctx, CompactOptions{Workers: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, result.BlobsDeleted)
	assert.Equal(t, 1, f.blobCount(t))
}

func TestCompact_DryRun(t *testing.T) {
	ctx := context.Background()
	f := newTestCoordinator(t, 0)
	rev1Seq, _ := buildHistory(t, f)

	result, err := f.c.Compact(ctx, CompactOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, 2, result.RevisionsPruned)
	assert.Equal(t, 2, result.RowsDeleted)
	assert.Equal(t, 1, result.BlobsDeleted)

	// Nothing changed.
	assert.Equal(t, 2, f.blobCount(t))
	att, err := f.get(t, rev1Seq, "attach")
	require.NoError(t, err)
	att.Body.Close()

	result, err = f.c.Compact(ctx, CompactOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.BlobsDeleted)
}

func TestCompact_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newTestCoordinator(t, 0)
	buildHistory(t, f)

	_, err := f.c.Compact(ctx, CompactOptions{})
	require.NoError(t, err)

	result, err := f.c.Compact(ctx, CompactOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.RevisionsPruned)
	assert.Equal(t, 0, result.RowsDeleted)
	assert.Equal(t, 0, result.BlobsDeleted)
	assert.Equal(t, 1, result.ReferencedBlobs)
}

func TestCompact_CanceledContext(t *testing.T) {
	f := newTestCoordinator(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.c.Compact(ctx, CompactOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}
