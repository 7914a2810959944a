package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/revblob/internal/blobstore"
	"github.com/kilupskalvis/revblob/internal/models"
)

var backends = []string{BackendBbolt, BackendSQLite}

// newTestStore opens a store of the given backend in a temp directory.
func newTestStore(t *testing.T, backend string) Store {
	t.Helper()
	st, err := Open(backend, filepath.Join(t.TempDir(), "revs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// forEachBackend runs fn once per backend as a subtest.
func forEachBackend(t *testing.T, fn func(t *testing.T, st Store)) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			fn(t, newTestStore(t, backend))
		})
	}
}

func putRev(t *testing.T, st Store, docID, revID string) *models.Revision {
	t.Helper()
	var rev *models.Revision
	require.NoError(t, st.Update(context.Background(), func(tx Tx) error {
		seq, err := tx.NextSequence()
		if err != nil {
			return err
		}
		rev = &models.Revision{
			DocID:      docID,
			RevID:      revID,
			Sequence:   seq,
			Generation: models.ParseGeneration(revID),
			Body:       map[string]any{"k": "v"},
		}
		return tx.PutRevision(rev)
	}))
	return rev
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open("leveldb", filepath.Join(t.TempDir(), "x"))
	assert.Error(t, err)
}

func TestStore_NextSequenceIncreases(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		var seqs []int64
		for range 3 {
			require.NoError(t, st.Update(context.Background(), func(tx Tx) error {
				seq, err := tx.NextSequence()
				seqs = append(seqs, seq)
				return err
			}))
		}
		assert.Equal(t, []int64{1, 2, 3}, seqs)
	})
}

func TestStore_ConcurrentUpdatesSerialize(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		putRev(t, st, "counter", "1-abc")

		const writers, perWriter = 8, 10
		var wg sync.WaitGroup
		errs := make(chan error, writers*perWriter)
		for range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range perWriter {
					errs <- st.Update(ctx, func(tx Tx) error {
						rev, err := tx.GetRevision("counter", "1-abc")
						if err != nil {
							return err
						}
						n, _ := rev.Body["n"].(float64)
						rev.Body["n"] = n + 1
						return tx.PutRevision(rev)
					})
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		require.NoError(t, st.View(ctx, func(tx Tx) error {
			rev, err := tx.GetRevision("counter", "1-abc")
			require.NoError(t, err)
			assert.Equal(t, float64(writers*perWriter), rev.Body["n"])
			return nil
		}))
	})
}

func TestStore_RevisionRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		rev := putRev(t, st, "doc1", "1-abc")

		require.NoError(t, st.View(ctx, func(tx Tx) error {
			got, err := tx.GetRevision("doc1", "1-abc")
			require.NoError(t, err)
			assert.Equal(t, rev.Sequence, got.Sequence)
			assert.Equal(t, "v", got.Body["k"])

			bySeq, err := tx.GetRevisionBySequence(rev.Sequence)
			require.NoError(t, err)
			assert.Equal(t, "1-abc", bySeq.RevID)

			_, err = tx.GetRevision("doc1", "1-nope")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = tx.GetRevisionBySequence(999)
			assert.ErrorIs(t, err, ErrNotFound)
			return nil
		}))
	})
}

func TestStore_ListRevisionsAndDocCount(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		putRev(t, st, "a", "1-x")
		putRev(t, st, "b", "1-y")
		putRev(t, st, "a", "2-z")

		require.NoError(t, st.View(ctx, func(tx Tx) error {
			revs, err := tx.ListRevisions("a")
			require.NoError(t, err)
			require.Len(t, revs, 2)
			assert.Equal(t, "1-x", revs[0].RevID)
			assert.Equal(t, "2-z", revs[1].RevID)

			count, err := tx.DocCount()
			require.NoError(t, err)
			assert.Equal(t, 2, count)

			var all []string
			require.NoError(t, tx.ForEachRevision(func(r *models.Revision) error {
				all = append(all, r.DocID+"/"+r.RevID)
				return nil
			}))
			assert.Equal(t, []string{"a/1-x", "b/1-y", "a/2-z"}, all)
			return nil
		}))
	})
}

func TestStore_DeleteRevision(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		rev := putRev(t, st, "doc", "1-a")

		require.NoError(t, st.Update(ctx, func(tx Tx) error {
			return tx.DeleteRevision(rev.Sequence)
		}))
		require.NoError(t, st.View(ctx, func(tx Tx) error {
			_, err := tx.GetRevision("doc", "1-a")
			assert.ErrorIs(t, err, ErrNotFound)
			count, err := tx.DocCount()
			require.NoError(t, err)
			assert.Equal(t, 0, count)
			return nil
		}))

		err := st.Update(ctx, func(tx Tx) error {
			return tx.DeleteRevision(rev.Sequence)
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func testRow(seq int64, name, body string) *models.AttachmentRow {
	return &models.AttachmentRow{
		Sequence:    seq,
		Name:        name,
		Key:         blobstore.KeyForContent([]byte(body)),
		ContentType: "text/plain",
		Length:      int64(len(body)),
		RevPos:      1,
	}
}

func TestStore_AttachmentRows(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		require.NoError(t, st.Update(ctx, func(tx Tx) error {
			for _, row := range []*models.AttachmentRow{
				testRow(1, "b", "bee"),
				testRow(1, "a", "ay"),
				testRow(2, "a", "ay"),
			} {
				if err := tx.PutAttachment(row); err != nil {
					return err
				}
			}
			return nil
		}))

		require.NoError(t, st.View(ctx, func(tx Tx) error {
			row, err := tx.GetAttachment(1, "b")
			require.NoError(t, err)
			assert.Equal(t, *testRow(1, "b", "bee"), *row)

			_, err = tx.GetAttachment(1, "c")
			assert.ErrorIs(t, err, ErrNotFound)

			rows, err := tx.ListAttachments(1)
			require.NoError(t, err)
			require.Len(t, rows, 2)
			assert.Equal(t, "a", rows[0].Name)
			assert.Equal(t, "b", rows[1].Name)

			var seen []int64
			require.NoError(t, tx.ForEachAttachment(func(r *models.AttachmentRow) error {
				seen = append(seen, r.Sequence)
				return nil
			}))
			assert.Equal(t, []int64{1, 1, 2}, seen)
			return nil
		}))
	})
}

func TestStore_EncodedAttachmentRow(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		row := testRow(4, "z", "zipped")
		row.Encoding = models.EncodingGzip
		row.EncodedLength = 30

		require.NoError(t, st.Update(ctx, func(tx Tx) error { return tx.PutAttachment(row) }))
		require.NoError(t, st.View(ctx, func(tx Tx) error {
			got, err := tx.GetAttachment(4, "z")
			require.NoError(t, err)
			assert.Equal(t, *row, *got)
			return nil
		}))
	})
}

func TestStore_DeleteAttachment(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.Update(ctx, func(tx Tx) error { return tx.PutAttachment(testRow(1, "a", "x")) }))

		require.NoError(t, st.Update(ctx, func(tx Tx) error { return tx.DeleteAttachment(1, "a") }))
		err := st.Update(ctx, func(tx Tx) error { return tx.DeleteAttachment(1, "a") })
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_UpdateRollsBackOnError(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		boom := assert.AnError

		err := st.Update(ctx, func(tx Tx) error {
			if err := tx.PutAttachment(testRow(1, "a", "x")); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		require.NoError(t, st.View(ctx, func(tx Tx) error {
			_, err := tx.GetAttachment(1, "a")
			assert.ErrorIs(t, err, ErrNotFound)
			return nil
		}))
	})
}

func TestStore_ViewRejectsWrites(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		err := st.View(context.Background(), func(tx Tx) error {
			return tx.PutAttachment(testRow(1, "a", "x"))
		})
		assert.ErrorIs(t, err, ErrNotWritable)
	})
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "revs.db")

			st, err := Open(backend, path)
			require.NoError(t, err)
			putRev(t, st, "doc", "1-a")
			require.NoError(t, st.Close())

			st, err = Open(backend, path)
			require.NoError(t, err)
			defer st.Close()

			require.NoError(t, st.View(ctx, func(tx Tx) error {
				_, err := tx.GetRevision("doc", "1-a")
				return err
			}))
			require.NoError(t, st.Update(ctx, func(tx Tx) error {
				seq, err := tx.NextSequence()
				assert.Equal(t, int64(2), seq)
				return err
			}))
		})
	}
}
