// Package database owns the row store, the blob store and the attachment
// coordinator of one revblob repository, and exposes document-level
// operations on top of them.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/kilupskalvis/revblob/internal/attachments"
	"github.com/kilupskalvis/revblob/internal/blobstore"
	"github.com/kilupskalvis/revblob/internal/config"
	"github.com/kilupskalvis/revblob/internal/dberr"
	"github.com/kilupskalvis/revblob/internal/models"
	"github.com/kilupskalvis/revblob/internal/revtree"
	"github.com/kilupskalvis/revblob/internal/store"
)

// Database is an open revblob repository.
type Database struct {
	cfg    *config.Config
	store  store.Store
	blobs  blobstore.BlobStore
	coord  *attachments.Coordinator
	logger *slog.Logger
}

// Open opens the repository described by cfg.
func Open(cfg *config.Config, logger *slog.Logger) (*Database, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.Backend, cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open row store: %w", err)
	}

	fs, err := blobstore.NewFSStore(cfg.AttachmentsPath())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	var blobs blobstore.BlobStore = fs
	if cfg.BlobCacheSize > 0 {
		cached, err := blobstore.NewCached(fs, cfg.BlobCacheSize, cfg.BlobCacheMaxBytes)
		if err != nil {
			st.Close()
			return nil, err
		}
		blobs = cached
	}

	db := &Database{
		cfg:    cfg,
		store:  st,
		blobs:  blobs,
		logger: logger,
		coord: attachments.NewCoordinator(st, blobs, attachments.Options{
			BigAttachmentThreshold: cfg.BigAttachmentThreshold,
			Logger:                 logger,
		}),
	}
	logger.Info("database opened", "root", cfg.Root(), "backend", cfg.Backend)
	return db, nil
}

// Close releases the row store.
func (db *Database) Close() error {
	db.logger.Info("database closed", "root", db.cfg.Root())
	return db.store.Close()
}

// Config returns the configuration the database was opened with.
func (db *Database) Config() *config.Config { return db.cfg }

// Blobs returns the blob store.
func (db *Database) Blobs() blobstore.BlobStore { return db.blobs }

// Attachments returns the attachment coordinator.
func (db *Database) Attachments() *attachments.Coordinator { return db.coord }

// NewWriter starts streaming an attachment body into the blob store.
func (db *Database) NewWriter() (*blobstore.Writer, error) {
	w, err := db.blobs.NewWriter()
	if err != nil {
		return nil, dberr.Internal("new writer", err)
	}
	return w, nil
}

// stagedAttachment is one _attachments entry read from caller properties.
type stagedAttachment struct {
	name        string
	contentType string
	encoding    models.Encoding
	writer      *blobstore.Writer // nil for stubs
}

// PutRevision creates a revision from properties. A reserved _attachments map
// may carry new bodies as base64 "data" (optionally gzip-encoded) or name
// attachments of the parent revision with "stub": true. Parent attachments
// not listed are dropped from the new revision.
func (db *Database) PutRevision(ctx context.Context, props map[string]any, parentRevID string, allowConflict bool) (*models.Revision, error) {
	req, err := revtree.RequestFromProps(props, parentRevID, allowConflict)
	if err != nil {
		return nil, err
	}

	staged, err := db.stageAttachments(props[models.PropAttachments])
	defer func() {
		for _, s := range staged {
			if s.writer != nil {
				s.writer.Close()
			}
		}
	}()
	if err != nil {
		return nil, err
	}
	req.Salt = attachmentSalt(staged)

	var rev *models.Revision
	err = db.store.Update(ctx, func(tx store.Tx) error {
		var created bool
		rev, created, err = revtree.Insert(tx, req)
		if err != nil || !created {
			return err
		}

		// Every body is validated before any blob is installed.
		rows := make([]*models.AttachmentRow, len(staged))
		for i, s := range staged {
			if s.writer == nil {
				continue
			}
			rows[i], err = db.coord.PrepareAttachment(s.writer, rev.Sequence, s.name, s.contentType, s.encoding, rev.Generation)
			if err != nil {
				return err
			}
		}

		var parent *models.Revision
		for i, s := range staged {
			if s.writer != nil {
				if err := db.coord.CommitAttachment(tx, s.writer, rows[i]); err != nil {
					return err
				}
				continue
			}
			if parent == nil {
				if rev.ParentRevID == "" {
					return dberr.NotFound("put revision", "stub %q has no parent revision to copy from", s.name)
				}
				parent, err = revtree.GetRevision(tx, rev.DocID, rev.ParentRevID)
				if err != nil {
					return err
				}
			}
			if err := db.coord.CopyAttachment(tx, s.name, parent.Sequence, rev.Sequence); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	db.logger.Debug("revision stored", "doc", rev.DocID, "rev", rev.RevID, "seq", rev.Sequence)
	return rev, nil
}

// stageAttachments streams every inline body into a finished writer so the
// write transaction only has to install them.
func (db *Database) stageAttachments(raw any) ([]stagedAttachment, error) {
	const op = "put revision"
	if raw == nil {
		return nil, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, dberr.Invalid(op, "_attachments: %v", err)
	}
	var inputs map[string]models.AttachmentInput
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, dberr.Invalid(op, "_attachments: %v", err)
	}

	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	staged := make([]stagedAttachment, 0, len(names))
	for _, name := range names {
		in := inputs[name]
		if exclusiveForms(in) > 1 {
			return staged, dberr.Invalid(op, "attachment %q: only one of stub, data and follows may be set", name)
		}
		switch {
		case in.Follows:
			return staged, dberr.Invalid(op, "attachment %q: follows bodies are not accepted here", name)
		case in.Stub:
			staged = append(staged, stagedAttachment{name: name})
		case in.Data != nil:
			enc, err := models.ParseEncoding(in.Encoding)
			if err != nil {
				return staged, err
			}
			w, err := db.NewWriter()
			if err != nil {
				return staged, err
			}
			staged = append(staged, stagedAttachment{
				name:        name,
				contentType: in.ContentType,
				encoding:    enc,
				writer:      w,
			})
			if err := w.Append(in.Data); err != nil {
				return staged, dberr.Internal(op, err)
			}
			if err := w.Finish(); err != nil {
				return staged, dberr.Internal(op, err)
			}
		default:
			return staged, dberr.Invalid(op, "attachment %q has neither data nor stub", name)
		}
	}
	return staged, nil
}

// exclusiveForms counts how many body forms in declares.
func exclusiveForms(in models.AttachmentInput) int {
	n := 0
	if in.Stub {
		n++
	}
	if in.Data != nil {
		n++
	}
	if in.Follows {
		n++
	}
	return n
}

// attachmentSalt folds attachment names and digests into the rev id.
func attachmentSalt(staged []stagedAttachment) string {
	var b strings.Builder
	for _, s := range staged {
		b.WriteString(s.name)
		b.WriteByte('=')
		if s.writer != nil {
			b.WriteString(s.writer.SHA1DigestString())
		} else {
			b.WriteString("stub")
		}
		b.WriteByte(';')
	}
	return b.String()
}

// GetRevision returns the properties of a revision including _id, _rev and,
// when the revision has any, _attachments. An empty revID selects the
// current revision.
func (db *Database) GetRevision(ctx context.Context, docID, revID string, opts models.ContentOptions) (map[string]any, error) {
	var props map[string]any
	err := db.store.View(ctx, func(tx store.Tx) error {
		rev, err := revtree.GetRevision(tx, docID, revID)
		if err != nil {
			return err
		}
		dict, err := db.coord.AttachmentsDict(ctx, tx, rev.Sequence, opts)
		if err != nil {
			return err
		}
		props = rev.Properties()
		if dict != nil {
			props[models.PropAttachments] = dict
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return props, nil
}

// GetAttachment opens attachment name of a revision. The caller must close
// the returned Body.
func (db *Database) GetAttachment(ctx context.Context, docID, revID, name string) (*attachments.Attachment, error) {
	var att *attachments.Attachment
	err := db.store.View(ctx, func(tx store.Tx) error {
		rev, err := revtree.GetRevision(tx, docID, revID)
		if err != nil {
			return err
		}
		att, err = db.coord.GetAttachment(ctx, tx, rev.Sequence, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return att, nil
}

// UpdateAttachment sets (w != nil) or removes (w == nil) one attachment of
// docID in a new revision.
func (db *Database) UpdateAttachment(ctx context.Context, name string, w *blobstore.Writer, contentType, encoding, docID, expectedRevID string) (*models.Revision, error) {
	return db.coord.UpdateAttachment(ctx, name, w, contentType, encoding, docID, expectedRevID)
}

// Compact prunes non-leaf revisions and deletes unreachable blobs.
func (db *Database) Compact(ctx context.Context, dryRun bool) (*attachments.CompactResult, error) {
	return db.coord.Compact(ctx, attachments.CompactOptions{
		MaxDepth: db.cfg.MaxRevDepth,
		Workers:  db.cfg.GCWorkers,
		DryRun:   dryRun,
	})
}

// DocCount returns the number of documents, including deleted ones.
func (db *Database) DocCount(ctx context.Context) (int, error) {
	var n int
	err := db.store.View(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.DocCount()
		return err
	})
	if err != nil {
		return 0, dberr.Internal("doc count", err)
	}
	return n, nil
}

// Leaves returns the rev ids of every leaf of a document.
func (db *Database) Leaves(ctx context.Context, docID string) ([]string, error) {
	var ids []string
	err := db.store.View(ctx, func(tx store.Tx) error {
		leaves, err := revtree.Leaves(tx, docID)
		if err != nil {
			return err
		}
		if len(leaves) == 0 {
			return dberr.NotFound("leaves", "document %q not found", docID)
		}
		for _, rev := range leaves {
			ids = append(ids, rev.RevID)
		}
		return nil
	})
	return ids, err
}
