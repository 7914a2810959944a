package attachments

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kilupskalvis/revblob/internal/blobstore"
	"github.com/kilupskalvis/revblob/internal/dberr"
	"github.com/kilupskalvis/revblob/internal/models"
	"github.com/kilupskalvis/revblob/internal/revtree"
	"github.com/kilupskalvis/revblob/internal/store"
)

const defaultCompactWorkers = 4

var errDryRun = errors.New("dry run")

// CompactOptions controls a compaction pass.
type CompactOptions struct {
	// MaxDepth deletes non-leaf revisions this many generations below their
	// newest leaf. Zero keeps them and prunes only their bodies.
	MaxDepth int

	// Workers bounds concurrent blob deletions.
	Workers int

	// DryRun reports what would be reclaimed without changing anything.
	DryRun bool
}

// CompactResult contains the outcome of a compaction pass.
type CompactResult struct {
	RevisionsPruned int  `json:"revisions_pruned"`
	RowsDeleted     int  `json:"rows_deleted"`
	BlobsScanned    int  `json:"blobs_scanned"`
	BlobsDeleted    int  `json:"blobs_deleted"`
	ReferencedBlobs int  `json:"referenced_blobs"`
	DryRun          bool `json:"dry_run,omitempty"`
}

// Compact prunes revisions, drops the attachment rows of every revision that
// is no longer retained, then deletes every blob no remaining row references.
//
// Row pruning and the blob sweep each run in an exclusive transaction, so no
// attachment can be inserted between computing the reachable set and
// deleting blobs outside it.
func (c *Coordinator) Compact(ctx context.Context, opts CompactOptions) (*CompactResult, error) {
	if opts.Workers <= 0 {
		opts.Workers = defaultCompactWorkers
	}
	result := &CompactResult{DryRun: opts.DryRun}

	err := c.store.Update(ctx, func(tx store.Tx) error {
		pruned, err := revtree.Prune(tx, opts.MaxDepth)
		if err != nil {
			return err
		}
		result.RevisionsPruned = pruned

		retained, err := revtree.RetainedSequences(tx)
		if err != nil {
			return err
		}

		var dead []*models.AttachmentRow
		if err := tx.ForEachAttachment(func(row *models.AttachmentRow) error {
			if !retained[row.Sequence] {
				dead = append(dead, row)
			}
			return nil
		}); err != nil {
			return dberr.Internal("compact", err)
		}
		for _, row := range dead {
			if err := tx.DeleteAttachment(row.Sequence, row.Name); err != nil {
				return dberr.Internal("compact", fmt.Errorf("delete row %d/%s: %w", row.Sequence, row.Name, err))
			}
		}
		result.RowsDeleted = len(dead)

		if opts.DryRun {
			// Sweep against the pruned view, then discard it.
			if err := c.sweep(ctx, tx, opts, result); err != nil {
				return err
			}
			return errDryRun
		}
		return nil
	})
	if opts.DryRun && errors.Is(err, errDryRun) {
		c.logResult(result)
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	if err := c.store.Update(ctx, func(tx store.Tx) error {
		return c.sweep(ctx, tx, opts, result)
	}); err != nil {
		return nil, err
	}

	c.logResult(result)
	return result, nil
}

// sweep deletes every blob not referenced by a row visible in tx.
func (c *Coordinator) sweep(ctx context.Context, tx store.Tx, opts CompactOptions, result *CompactResult) error {
	reachable := make(map[blobstore.Key]bool)
	if err := tx.ForEachAttachment(func(row *models.AttachmentRow) error {
		reachable[row.Key] = true
		return nil
	}); err != nil {
		return dberr.Internal("compact", err)
	}
	result.ReferencedBlobs = len(reachable)

	keys, err := c.blobs.AllKeys(ctx)
	if err != nil {
		return dberr.Internal("compact", err)
	}
	result.BlobsScanned = len(keys)

	var unreachable []blobstore.Key
	for _, key := range keys {
		if !reachable[key] {
			unreachable = append(unreachable, key)
		}
	}
	if opts.DryRun {
		result.BlobsDeleted = len(unreachable)
		return nil
	}

	var deleted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, key := range unreachable {
		g.Go(func() error {
			if err := c.blobs.Delete(gctx, key); err != nil {
				c.logger.Warn("compact: failed to delete blob", "key", key.String(), "error", err)
				return fmt.Errorf("delete blob %s: %w", key, err)
			}
			deleted.Add(1)
			return nil
		})
	}
	err = g.Wait()
	result.BlobsDeleted = int(deleted.Load())
	if err != nil {
		return dberr.Internal("compact", err)
	}
	return nil
}

func (c *Coordinator) logResult(result *CompactResult) {
	c.logger.Info("compaction complete",
		"revisions_pruned", result.RevisionsPruned,
		"rows_deleted", result.RowsDeleted,
		"scanned", result.BlobsScanned,
		"referenced", result.ReferencedBlobs,
		"deleted", result.BlobsDeleted,
		"dry_run", result.DryRun,
	)
}
