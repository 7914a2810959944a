// Package attachments ties attachment rows in the row store to blob bodies
// in the blob store, and reclaims blobs no retained revision references.
package attachments

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/kilupskalvis/revblob/internal/blobstore"
	"github.com/kilupskalvis/revblob/internal/dberr"
	"github.com/kilupskalvis/revblob/internal/models"
	"github.com/kilupskalvis/revblob/internal/revtree"
	"github.com/kilupskalvis/revblob/internal/store"
)

// DefaultBigAttachmentThreshold is the body length at which attachments stop
// being inlined.
const DefaultBigAttachmentThreshold = 16384

// Options configures a Coordinator.
type Options struct {
	BigAttachmentThreshold int64
	Logger                 *slog.Logger
}

// Coordinator manages attachment rows and their blobs. Methods taking a
// store.Tx run inside the caller's transaction; UpdateAttachment and
// Compact open their own exclusive transaction.
type Coordinator struct {
	store     store.Store
	blobs     blobstore.BlobStore
	threshold int64
	logger    *slog.Logger
}

// NewCoordinator creates a Coordinator over st and blobs.
func NewCoordinator(st store.Store, blobs blobstore.BlobStore, opts Options) *Coordinator {
	if opts.BigAttachmentThreshold <= 0 {
		opts.BigAttachmentThreshold = DefaultBigAttachmentThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		store:     st,
		blobs:     blobs,
		threshold: opts.BigAttachmentThreshold,
		logger:    opts.Logger,
	}
}

// Threshold returns the big-attachment threshold in bytes.
func (c *Coordinator) Threshold() int64 {
	return c.threshold
}

// Blobs returns the underlying blob store.
func (c *Coordinator) Blobs() blobstore.BlobStore {
	return c.blobs
}

// Attachment is a resolved attachment row with an open body stream.
// Body carries the stored bytes, still encoded when Encoding is set.
type Attachment struct {
	models.AttachmentRow
	Body io.ReadCloser
}

// Content reads the stored body and closes it.
func (a *Attachment) Content() ([]byte, error) {
	defer a.Body.Close()
	data, err := io.ReadAll(a.Body)
	if err != nil {
		return nil, dberr.Internal("read attachment", err)
	}
	return data, nil
}

// Decoded reads the body, removes its encoding and closes it.
func (a *Attachment) Decoded() ([]byte, error) {
	data, err := a.Content()
	if err != nil {
		return nil, err
	}
	return decode(data, a.Encoding)
}

// InsertAttachment streams body into the blob store and records it as
// attachment name of seq.
func (c *Coordinator) InsertAttachment(ctx context.Context, tx store.Tx, body io.Reader, seq int64, name, contentType string, revpos int) (*models.AttachmentRow, error) {
	const op = "insert attachment"

	w, err := c.blobs.NewWriter()
	if err != nil {
		return nil, dberr.Internal(op, err)
	}
	defer w.Close()

	if _, err := w.ReadFrom(body); err != nil {
		return nil, dberr.Internal(op, err)
	}
	if err := w.Finish(); err != nil {
		return nil, dberr.Internal(op, err)
	}
	return c.InsertAttachmentWithWriter(ctx, tx, w, seq, name, contentType, models.EncodingNone, revpos)
}

// InsertAttachmentWithWriter installs a finished writer's blob and records it
// as attachment name of seq. The writer holds the body as stored, so for
// EncodingGzip it holds compressed bytes.
func (c *Coordinator) InsertAttachmentWithWriter(ctx context.Context, tx store.Tx, w *blobstore.Writer, seq int64, name, contentType string, enc models.Encoding, revpos int) (*models.AttachmentRow, error) {
	row, err := c.PrepareAttachment(w, seq, name, contentType, enc, revpos)
	if err != nil {
		return nil, err
	}
	if err := c.CommitAttachment(tx, w, row); err != nil {
		return nil, err
	}
	return row, nil
}

// PrepareAttachment finishes w and validates it against enc, returning the
// row CommitAttachment will store. Nothing is published, so a failure here
// leaves the blob store untouched.
func (c *Coordinator) PrepareAttachment(w *blobstore.Writer, seq int64, name, contentType string, enc models.Encoding, revpos int) (*models.AttachmentRow, error) {
	const op = "insert attachment"

	if name == "" {
		return nil, dberr.Invalid(op, "attachment name is empty")
	}
	ct, err := normalizeContentType(contentType)
	if err != nil {
		return nil, err
	}
	if err := w.Finish(); err != nil {
		return nil, dberr.Internal(op, err)
	}

	row := &models.AttachmentRow{
		Sequence:    seq,
		Name:        name,
		ContentType: ct,
		Length:      w.Length(),
		Encoding:    enc,
		RevPos:      revpos,
	}
	if enc != models.EncodingNone {
		r, err := w.OpenTemp()
		if err != nil {
			return nil, dberr.Internal(op, err)
		}
		decoded, err := decodedLength(r, enc)
		r.Close()
		if err != nil {
			return nil, err
		}
		row.EncodedLength = w.Length()
		row.Length = decoded
	}
	return row, nil
}

// CommitAttachment installs w's blob and stores row, which must come from
// PrepareAttachment with the same writer.
func (c *Coordinator) CommitAttachment(tx store.Tx, w *blobstore.Writer, row *models.AttachmentRow) error {
	const op = "insert attachment"

	key, err := w.Install()
	if err != nil {
		return dberr.Internal(op, err)
	}
	row.Key = key

	if err := tx.PutAttachment(row); err != nil {
		return dberr.Internal(op, err)
	}
	c.logger.Debug("attachment inserted", "seq", row.Sequence, "name", row.Name, "key", key.String())
	return nil
}

// CopyAttachment attaches the blob of fromSeq's row name to toSeq.
func (c *Coordinator) CopyAttachment(tx store.Tx, name string, fromSeq, toSeq int64) error {
	const op = "copy attachment"

	row, err := tx.GetAttachment(fromSeq, name)
	if errors.Is(err, store.ErrNotFound) {
		return dberr.NotFound(op, "no attachment %q on sequence %d", name, fromSeq)
	}
	if err != nil {
		return dberr.Internal(op, err)
	}
	row.Sequence = toSeq
	if err := tx.PutAttachment(row); err != nil {
		return dberr.Internal(op, err)
	}
	return nil
}

// CopyForward copies every attachment of fromSeq except the named one to toSeq.
func (c *Coordinator) CopyForward(tx store.Tx, fromSeq, toSeq int64, except string) error {
	rows, err := tx.ListAttachments(fromSeq)
	if err != nil {
		return dberr.Internal("copy attachments", err)
	}
	for _, row := range rows {
		if row.Name == except {
			continue
		}
		if err := c.CopyAttachment(tx, row.Name, fromSeq, toSeq); err != nil {
			return err
		}
	}
	return nil
}

// GetAttachment resolves attachment name of seq and opens its body.
// The caller must close Body.
func (c *Coordinator) GetAttachment(ctx context.Context, tx store.Tx, seq int64, name string) (*Attachment, error) {
	const op = "get attachment"

	row, err := tx.GetAttachment(seq, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, dberr.NotFound(op, "no attachment %q on sequence %d", name, seq)
	}
	if err != nil {
		return nil, dberr.Internal(op, err)
	}

	body, err := c.blobs.Open(ctx, row.Key)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return nil, dberr.Integrity(op, "attachment %q on sequence %d references missing blob %s", name, seq, row.Digest())
	}
	if err != nil {
		return nil, dberr.Internal(op, err)
	}
	return &Attachment{AttachmentRow: *row, Body: body}, nil
}

// AttachmentsDict builds the _attachments map of seq. It returns nil when
// the revision has no attachments.
func (c *Coordinator) AttachmentsDict(ctx context.Context, tx store.Tx, seq int64, opts models.ContentOptions) (map[string]*models.AttachmentEntry, error) {
	const op = "attachments dict"

	rows, err := tx.ListAttachments(seq)
	if err != nil {
		return nil, dberr.Internal(op, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	dict := make(map[string]*models.AttachmentEntry, len(rows))
	for _, row := range rows {
		switch {
		case !opts.Has(models.IncludeAttachments):
			dict[row.Name] = models.NewStubEntry(*row)
		case row.Length >= c.threshold && opts.Has(models.BigAttachmentsFollow):
			dict[row.Name] = models.NewFollowsEntry(*row)
		case row.Length >= c.threshold:
			dict[row.Name] = models.NewStubEntry(*row)
		default:
			data, err := c.blobs.Fetch(ctx, row.Key)
			if errors.Is(err, blobstore.ErrBlobNotFound) {
				return nil, dberr.Integrity(op, "attachment %q on sequence %d references missing blob %s", row.Name, seq, row.Digest())
			}
			if err != nil {
				return nil, dberr.Internal(op, err)
			}
			dict[row.Name] = models.NewInlineEntry(*row, data)
		}
	}
	return dict, nil
}

// UpdateAttachment creates a new revision of docID that sets or removes one
// attachment. A nil w removes the attachment called name. expectedRevID must
// be the document's current revision. The blob is installed only after the
// revision checks pass; on any failure nothing is committed.
func (c *Coordinator) UpdateAttachment(ctx context.Context, name string, w *blobstore.Writer, contentType, encoding, docID, expectedRevID string) (*models.Revision, error) {
	const op = "update attachment"

	if name == "" {
		return nil, dberr.Invalid(op, "attachment name is empty")
	}
	enc, err := models.ParseEncoding(encoding)
	if err != nil {
		return nil, err
	}
	if w != nil {
		if err := w.Finish(); err != nil {
			return nil, dberr.Internal(op, err)
		}
	}

	var rev *models.Revision
	err = c.store.Update(ctx, func(tx store.Tx) error {
		cur, err := revtree.CurrentRevision(tx, docID)
		if err != nil {
			return err
		}
		if cur.Deleted {
			return dberr.NotFound(op, "document %q is deleted", docID)
		}
		if expectedRevID != cur.RevID {
			return dberr.Conflict(op, "document %q is at %q, not %q", docID, cur.RevID, expectedRevID)
		}

		salt := "-" + name
		if w == nil {
			if _, err := tx.GetAttachment(cur.Sequence, name); errors.Is(err, store.ErrNotFound) {
				return dberr.NotFound(op, "document %q has no attachment %q", docID, name)
			} else if err != nil {
				return dberr.Internal(op, err)
			}
		} else {
			salt = "+" + name + ":" + w.SHA1DigestString()
		}

		rev, err = revtree.Put(tx, revtree.Request{
			DocID:       docID,
			ParentRevID: cur.RevID,
			Body:        cur.Body,
			Salt:        salt,
		})
		if err != nil {
			return err
		}

		if w != nil {
			if _, err := c.InsertAttachmentWithWriter(ctx, tx, w, rev.Sequence, name, contentType, enc, rev.Generation); err != nil {
				return err
			}
		}
		return c.CopyForward(tx, cur.Sequence, rev.Sequence, name)
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("attachment updated",
		"doc", docID, "rev", rev.RevID, "name", name, "deleted", w == nil)
	return rev, nil
}
