// Package store provides the transactional row storage for revisions and
// attachment rows. Two backends are available: bbolt (the default) and SQLite.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilupskalvis/revblob/internal/models"
)

// Sentinel errors for expected conditions.
var (
	ErrNotFound    = errors.New("not found")
	ErrNotWritable = errors.New("transaction is read-only")
)

// Backend names accepted by Open.
const (
	BackendBbolt  = "bbolt"
	BackendSQLite = "sqlite"
)

// Store is a transactional row store. Update transactions are exclusive;
// View transactions may run concurrently with each other and with one Update.
type Store interface {
	// Update runs fn in a read-write transaction. The transaction commits if
	// fn returns nil and rolls back otherwise.
	Update(ctx context.Context, fn func(Tx) error) error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(Tx) error) error

	Close() error
}

// Tx is the set of row operations available inside a transaction.
// Mutating methods return ErrNotWritable inside View.
type Tx interface {
	// Revisions
	NextSequence() (int64, error)
	PutRevision(rev *models.Revision) error
	GetRevision(docID, revID string) (*models.Revision, error)
	GetRevisionBySequence(seq int64) (*models.Revision, error)
	ListRevisions(docID string) ([]*models.Revision, error)
	DeleteRevision(seq int64) error
	DocCount() (int, error)

	// ForEachRevision calls fn for every revision in sequence order.
	// fn must not modify the store.
	ForEachRevision(fn func(*models.Revision) error) error

	// Attachments
	PutAttachment(row *models.AttachmentRow) error
	GetAttachment(seq int64, name string) (*models.AttachmentRow, error)
	DeleteAttachment(seq int64, name string) error
	ListAttachments(seq int64) ([]*models.AttachmentRow, error)

	// ForEachAttachment calls fn for every attachment row ordered by
	// (sequence, name). fn must not modify the store.
	ForEachAttachment(fn func(*models.AttachmentRow) error) error
}

// Open opens or creates a store of the given backend at path.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", BackendBbolt:
		return NewBboltStore(path)
	case BackendSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
