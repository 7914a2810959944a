// Package revtree maintains the per-document revision trees stored in a store.Tx.
//
// Every revision names its parent. Revisions without children are leaves; the
// winning leaf of a document is its current revision. Only leaves keep their
// bodies once Prune has run.
package revtree

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/kilupskalvis/revblob/internal/dberr"
	"github.com/kilupskalvis/revblob/internal/models"
	"github.com/kilupskalvis/revblob/internal/store"
)

// Request describes a revision to create.
type Request struct {
	DocID         string // empty: generate a new id
	ParentRevID   string // empty: create the document
	Body          map[string]any
	Deleted       bool
	AllowConflict bool

	// Salt is mixed into the rev id. Callers use it for content that lives
	// outside the body, such as attachment digests.
	Salt string
}

// PutRevision creates a revision from a property map.
func PutRevision(tx store.Tx, props map[string]any, parentRevID string, allowConflict bool) (*models.Revision, error) {
	req, err := RequestFromProps(props, parentRevID, allowConflict)
	if err != nil {
		return nil, err
	}
	return Put(tx, req)
}

// RequestFromProps builds a Request from a property map. _id names the
// document (a new UUID when absent) and _deleted marks a tombstone. Other
// reserved keys are dropped from the body.
func RequestFromProps(props map[string]any, parentRevID string, allowConflict bool) (Request, error) {
	req := Request{
		ParentRevID:   parentRevID,
		Body:          models.StripReserved(props),
		AllowConflict: allowConflict,
	}
	if id, ok := props[models.PropID]; ok {
		s, ok := id.(string)
		if !ok {
			return req, dberr.Invalid("put revision", "_id must be a string")
		}
		req.DocID = s
	}
	if del, ok := props[models.PropDeleted].(bool); ok {
		req.Deleted = del
	}
	return req, nil
}

// Put creates a revision in tx.
func Put(tx store.Tx, req Request) (*models.Revision, error) {
	rev, _, err := Insert(tx, req)
	return rev, err
}

// Insert is Put that also reports whether a new revision was stored. An
// identical edit of the same parent returns the existing revision and false.
func Insert(tx store.Tx, req Request) (*models.Revision, bool, error) {
	const op = "put revision"

	docID := req.DocID
	if docID == "" {
		docID = uuid.NewString()
	}
	if strings.ContainsRune(docID, 0) {
		return nil, false, dberr.Invalid(op, "document id contains NUL")
	}

	revs, err := tx.ListRevisions(docID)
	if err != nil {
		return nil, false, dberr.Internal(op, err)
	}

	var parent *models.Revision
	if req.ParentRevID == "" {
		if cur := winner(revs); cur != nil {
			if !cur.Deleted {
				return nil, false, dberr.Conflict(op, "document %q already exists", docID)
			}
			// Recreating a deleted document extends the tombstone.
			parent = cur
		}
	} else {
		parent = find(revs, req.ParentRevID)
		if parent == nil {
			return nil, false, dberr.NotFound(op, "document %q has no revision %q", docID, req.ParentRevID)
		}
		if !req.AllowConflict && !isLeaf(revs, parent.RevID) {
			return nil, false, dberr.Conflict(op, "revision %q of %q is not current", req.ParentRevID, docID)
		}
	}

	rev := &models.Revision{
		DocID:      docID,
		Generation: 1,
		Deleted:    req.Deleted,
		Body:       req.Body,
	}
	if rev.Body == nil {
		rev.Body = map[string]any{}
	}
	if parent != nil {
		rev.Generation = parent.Generation + 1
		rev.ParentRevID = parent.RevID
	}
	rev.RevID, err = newRevID(rev, req.Salt)
	if err != nil {
		return nil, false, dberr.Invalid(op, "encode body: %v", err)
	}

	if existing := find(revs, rev.RevID); existing != nil {
		return existing, false, nil
	}

	rev.Sequence, err = tx.NextSequence()
	if err != nil {
		return nil, false, dberr.Internal(op, err)
	}
	if err := tx.PutRevision(rev); err != nil {
		return nil, false, dberr.Internal(op, err)
	}
	return rev, true, nil
}

// GetRevision returns a revision of a document. An empty revID selects the
// current revision. Deleted current revisions and pruned bodies are NotFound.
func GetRevision(tx store.Tx, docID, revID string) (*models.Revision, error) {
	const op = "get revision"
	if revID == "" {
		rev, err := CurrentRevision(tx, docID)
		if err != nil {
			return nil, err
		}
		if rev.Deleted {
			return nil, dberr.NotFound(op, "document %q is deleted", docID)
		}
		return rev, nil
	}

	rev, err := tx.GetRevision(docID, revID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, dberr.NotFound(op, "document %q has no revision %q", docID, revID)
	}
	if err != nil {
		return nil, dberr.Internal(op, err)
	}
	if rev.Pruned {
		return nil, dberr.NotFound(op, "revision %q of %q was compacted", revID, docID)
	}
	return rev, nil
}

// CurrentRevision returns the winning leaf of a document, which may be a
// tombstone. Live leaves win over deleted ones, then the highest generation,
// then the greater rev id.
func CurrentRevision(tx store.Tx, docID string) (*models.Revision, error) {
	revs, err := tx.ListRevisions(docID)
	if err != nil {
		return nil, dberr.Internal("current revision", err)
	}
	cur := winner(revs)
	if cur == nil {
		return nil, dberr.NotFound("current revision", "document %q not found", docID)
	}
	return cur, nil
}

// Leaves returns the leaf revisions of a document ordered by sequence.
func Leaves(tx store.Tx, docID string) ([]*models.Revision, error) {
	revs, err := tx.ListRevisions(docID)
	if err != nil {
		return nil, dberr.Internal("list leaves", err)
	}
	return leaves(revs), nil
}

// RetainedSequences returns the sequences whose revisions still have bodies.
func RetainedSequences(tx store.Tx) (map[int64]bool, error) {
	retained := make(map[int64]bool)
	err := tx.ForEachRevision(func(rev *models.Revision) error {
		if !rev.Pruned {
			retained[rev.Sequence] = true
		}
		return nil
	})
	if err != nil {
		return nil, dberr.Internal("retained sequences", err)
	}
	return retained, nil
}

// Prune drops the bodies of every non-leaf revision. When maxDepth > 0,
// non-leaf revisions at least maxDepth generations below their document's
// newest leaf are deleted outright. It returns how many revisions lost
// their body or were deleted.
func Prune(tx store.Tx, maxDepth int) (int, error) {
	const op = "prune revisions"

	byDoc := make(map[string][]*models.Revision)
	if err := tx.ForEachRevision(func(rev *models.Revision) error {
		byDoc[rev.DocID] = append(byDoc[rev.DocID], rev)
		return nil
	}); err != nil {
		return 0, dberr.Internal(op, err)
	}

	docIDs := make([]string, 0, len(byDoc))
	for id := range byDoc {
		docIDs = append(docIDs, id)
	}
	sort.Strings(docIDs)

	pruned := 0
	for _, docID := range docIDs {
		revs := byDoc[docID]
		parents := parentSet(revs)
		maxGen := 0
		for _, rev := range revs {
			if !parents[rev.RevID] && rev.Generation > maxGen {
				maxGen = rev.Generation
			}
		}

		for _, rev := range revs {
			if !parents[rev.RevID] {
				continue
			}
			if maxDepth > 0 && maxGen-rev.Generation >= maxDepth {
				if err := tx.DeleteRevision(rev.Sequence); err != nil {
					return pruned, dberr.Internal(op, err)
				}
				pruned++
				continue
			}
			if rev.Pruned {
				continue
			}
			rev.Pruned = true
			rev.Body = nil
			if err := tx.PutRevision(rev); err != nil {
				return pruned, dberr.Internal(op, err)
			}
			pruned++
		}
	}
	return pruned, nil
}

// newRevID derives "<generation>-<md5 hex>" from the parent rev id, the
// deleted flag, the canonical body and salt.
func newRevID(rev *models.Revision, salt string) (string, error) {
	body, err := json.Marshal(rev.Body)
	if err != nil {
		return "", err
	}
	h := md5.New()
	h.Write([]byte(rev.ParentRevID))
	h.Write([]byte{0})
	if rev.Deleted {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write(body)
	h.Write([]byte(salt))
	return fmt.Sprintf("%d-%s", rev.Generation, hex.EncodeToString(h.Sum(nil))), nil
}

func parentSet(revs []*models.Revision) map[string]bool {
	parents := make(map[string]bool, len(revs))
	for _, rev := range revs {
		if rev.ParentRevID != "" {
			parents[rev.ParentRevID] = true
		}
	}
	return parents
}

func leaves(revs []*models.Revision) []*models.Revision {
	parents := parentSet(revs)
	var out []*models.Revision
	for _, rev := range revs {
		if !parents[rev.RevID] {
			out = append(out, rev)
		}
	}
	return out
}

func isLeaf(revs []*models.Revision, revID string) bool {
	for _, rev := range revs {
		if rev.ParentRevID == revID {
			return false
		}
	}
	return true
}

func find(revs []*models.Revision, revID string) *models.Revision {
	for _, rev := range revs {
		if rev.RevID == revID {
			return rev
		}
	}
	return nil
}

func winner(revs []*models.Revision) *models.Revision {
	var best *models.Revision
	for _, rev := range leaves(revs) {
		if best == nil || beats(rev, best) {
			best = rev
		}
	}
	return best
}

func beats(a, b *models.Revision) bool {
	if a.Deleted != b.Deleted {
		return !a.Deleted
	}
	if a.Generation != b.Generation {
		return a.Generation > b.Generation
	}
	return a.RevID > b.RevID
}
