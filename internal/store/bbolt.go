package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kilupskalvis/revblob/internal/models"
)

// Bucket names used by the bbolt backend.
var (
	bucketRevs        = []byte("revs")        // seq -> revision JSON
	bucketDocs        = []byte("docs")        // doc_id \x00 rev_id -> seq
	bucketAttachments = []byte("attachments") // seq name -> attachment row JSON
)

// BboltStore implements Store using a single bbolt database file.
type BboltStore struct {
	db *bolt.DB
}

var _ Store = (*BboltStore)(nil)

// NewBboltStore opens or creates a bbolt database at the given path.
func NewBboltStore(dbPath string) (*BboltStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRevs, bucketDocs, bucketAttachments} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStore{db: db}, nil
}

// Close releases the bbolt database.
func (s *BboltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Update runs fn in an exclusive read-write transaction.
func (s *BboltStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// View runs fn in a read-only transaction.
func (s *BboltStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

type boltTx struct {
	tx *bolt.Tx
}

func seqKey(seq int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(seq))
	return k
}

func docKey(docID, revID string) []byte {
	k := make([]byte, 0, len(docID)+1+len(revID))
	k = append(k, docID...)
	k = append(k, 0)
	return append(k, revID...)
}

func attachmentKey(seq int64, name string) []byte {
	return append(seqKey(seq), name...)
}

func (t *boltTx) writable() error {
	if !t.tx.Writable() {
		return ErrNotWritable
	}
	return nil
}

func (t *boltTx) NextSequence() (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	seq, err := t.tx.Bucket(bucketRevs).NextSequence()
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return int64(seq), nil
}

func (t *boltTx) PutRevision(rev *models.Revision) error {
	if err := t.writable(); err != nil {
		return err
	}
	data, err := json.Marshal(rev)
	if err != nil {
		return fmt.Errorf("marshal revision: %w", err)
	}
	if err := t.tx.Bucket(bucketRevs).Put(seqKey(rev.Sequence), data); err != nil {
		return fmt.Errorf("store revision: %w", err)
	}
	if err := t.tx.Bucket(bucketDocs).Put(docKey(rev.DocID, rev.RevID), seqKey(rev.Sequence)); err != nil {
		return fmt.Errorf("index revision: %w", err)
	}
	return nil
}

func (t *boltTx) GetRevision(docID, revID string) (*models.Revision, error) {
	seq := t.tx.Bucket(bucketDocs).Get(docKey(docID, revID))
	if seq == nil {
		return nil, ErrNotFound
	}
	return t.getRevision(seq)
}

func (t *boltTx) GetRevisionBySequence(seq int64) (*models.Revision, error) {
	return t.getRevision(seqKey(seq))
}

func (t *boltTx) getRevision(key []byte) (*models.Revision, error) {
	data := t.tx.Bucket(bucketRevs).Get(key)
	if data == nil {
		return nil, ErrNotFound
	}
	rev := &models.Revision{}
	if err := json.Unmarshal(data, rev); err != nil {
		return nil, fmt.Errorf("unmarshal revision: %w", err)
	}
	return rev, nil
}

func (t *boltTx) ListRevisions(docID string) ([]*models.Revision, error) {
	prefix := append([]byte(docID), 0)
	var revs []*models.Revision
	c := t.tx.Bucket(bucketDocs).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		rev, err := t.getRevision(v)
		if err != nil {
			return nil, fmt.Errorf("load revision %s: %w", k[len(prefix):], err)
		}
		revs = append(revs, rev)
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i].Sequence < revs[j].Sequence })
	return revs, nil
}

func (t *boltTx) ForEachRevision(fn func(*models.Revision) error) error {
	return t.tx.Bucket(bucketRevs).ForEach(func(_, v []byte) error {
		rev := &models.Revision{}
		if err := json.Unmarshal(v, rev); err != nil {
			return fmt.Errorf("unmarshal revision: %w", err)
		}
		return fn(rev)
	})
}

func (t *boltTx) DeleteRevision(seq int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	rev, err := t.GetRevisionBySequence(seq)
	if err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketRevs).Delete(seqKey(seq)); err != nil {
		return fmt.Errorf("delete revision: %w", err)
	}
	if err := t.tx.Bucket(bucketDocs).Delete(docKey(rev.DocID, rev.RevID)); err != nil {
		return fmt.Errorf("unindex revision: %w", err)
	}
	return nil
}

func (t *boltTx) DocCount() (int, error) {
	count := 0
	var last []byte
	err := t.tx.Bucket(bucketDocs).ForEach(func(k, _ []byte) error {
		docID := k[:bytes.IndexByte(k, 0)]
		if last == nil || !bytes.Equal(docID, last) {
			count++
			last = append(last[:0], docID...)
		}
		return nil
	})
	return count, err
}

func (t *boltTx) PutAttachment(row *models.AttachmentRow) error {
	if err := t.writable(); err != nil {
		return err
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal attachment: %w", err)
	}
	if err := t.tx.Bucket(bucketAttachments).Put(attachmentKey(row.Sequence, row.Name), data); err != nil {
		return fmt.Errorf("store attachment: %w", err)
	}
	return nil
}

func (t *boltTx) GetAttachment(seq int64, name string) (*models.AttachmentRow, error) {
	data := t.tx.Bucket(bucketAttachments).Get(attachmentKey(seq, name))
	if data == nil {
		return nil, ErrNotFound
	}
	return unmarshalRow(data)
}

func (t *boltTx) DeleteAttachment(seq int64, name string) error {
	if err := t.writable(); err != nil {
		return err
	}
	b := t.tx.Bucket(bucketAttachments)
	key := attachmentKey(seq, name)
	if b.Get(key) == nil {
		return ErrNotFound
	}
	if err := b.Delete(key); err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}

func (t *boltTx) ListAttachments(seq int64) ([]*models.AttachmentRow, error) {
	prefix := seqKey(seq)
	var rows []*models.AttachmentRow
	c := t.tx.Bucket(bucketAttachments).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		row, err := unmarshalRow(v)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (t *boltTx) ForEachAttachment(fn func(*models.AttachmentRow) error) error {
	return t.tx.Bucket(bucketAttachments).ForEach(func(_, v []byte) error {
		row, err := unmarshalRow(v)
		if err != nil {
			return err
		}
		return fn(row)
	})
}

func unmarshalRow(data []byte) (*models.AttachmentRow, error) {
	row := &models.AttachmentRow{}
	if err := json.Unmarshal(data, row); err != nil {
		return nil, fmt.Errorf("unmarshal attachment: %w", err)
	}
	return row, nil
}
