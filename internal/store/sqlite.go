package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/kilupskalvis/revblob/internal/blobstore"
	"github.com/kilupskalvis/revblob/internal/models"
)

const sqliteSchema = `
	-- Revisions, one row per sequence
	CREATE TABLE IF NOT EXISTS revs (
		sequence INTEGER PRIMARY KEY,
		doc_id TEXT NOT NULL,
		rev_id TEXT NOT NULL,
		data JSON NOT NULL,
		UNIQUE(doc_id, rev_id)
	);

	-- Attachment rows, keyed by (sequence, name)
	CREATE TABLE IF NOT EXISTS attachments (
		sequence INTEGER NOT NULL,
		name TEXT NOT NULL,
		blob_key TEXT NOT NULL,
		content_type TEXT NOT NULL,
		length INTEGER NOT NULL,
		encoded_length INTEGER NOT NULL DEFAULT 0,
		encoding TEXT NOT NULL DEFAULT '',
		revpos INTEGER NOT NULL,
		PRIMARY KEY (sequence, name)
	);

	-- Monotonic counters
	CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	INSERT OR IGNORE INTO counters (name, value) VALUES ('sequence', 0);

	CREATE INDEX IF NOT EXISTS idx_revs_doc ON revs(doc_id);
	CREATE INDEX IF NOT EXISTS idx_attachments_key ON attachments(blob_key);
`

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serializes Update
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Update runs fn in a read-write transaction. Only one runs at a time.
func (s *SQLiteStore) Update(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run(ctx, true, fn)
}

// View runs fn in a transaction that rejects writes.
func (s *SQLiteStore) View(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *SQLiteStore) run(ctx context.Context, writable bool, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{ctx: ctx, tx: tx, writable: writable}); err != nil {
		return err
	}
	if !writable {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type sqlTx struct {
	ctx      context.Context
	tx       *sql.Tx
	writable bool
}

func (t *sqlTx) checkWritable() error {
	if !t.writable {
		return ErrNotWritable
	}
	return nil
}

func (t *sqlTx) NextSequence() (int64, error) {
	if err := t.checkWritable(); err != nil {
		return 0, err
	}
	var seq int64
	err := t.tx.QueryRowContext(t.ctx,
		"UPDATE counters SET value = value + 1 WHERE name = 'sequence' RETURNING value").Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return seq, nil
}

func (t *sqlTx) PutRevision(rev *models.Revision) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	data, err := json.Marshal(rev)
	if err != nil {
		return fmt.Errorf("marshal revision: %w", err)
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO revs (sequence, doc_id, rev_id, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(sequence) DO UPDATE SET doc_id = excluded.doc_id, rev_id = excluded.rev_id, data = excluded.data`,
		rev.Sequence, rev.DocID, rev.RevID, string(data),
	)
	if err != nil {
		return fmt.Errorf("store revision: %w", err)
	}
	return nil
}

func (t *sqlTx) GetRevision(docID, revID string) (*models.Revision, error) {
	return t.queryRevision("SELECT data FROM revs WHERE doc_id = ? AND rev_id = ?", docID, revID)
}

func (t *sqlTx) GetRevisionBySequence(seq int64) (*models.Revision, error) {
	return t.queryRevision("SELECT data FROM revs WHERE sequence = ?", seq)
}

func (t *sqlTx) queryRevision(query string, args ...any) (*models.Revision, error) {
	var data string
	err := t.tx.QueryRowContext(t.ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query revision: %w", err)
	}
	rev := &models.Revision{}
	if err := json.Unmarshal([]byte(data), rev); err != nil {
		return nil, fmt.Errorf("unmarshal revision: %w", err)
	}
	return rev, nil
}

func (t *sqlTx) ListRevisions(docID string) ([]*models.Revision, error) {
	return t.queryRevisions("SELECT data FROM revs WHERE doc_id = ? ORDER BY sequence", docID)
}

func (t *sqlTx) ForEachRevision(fn func(*models.Revision) error) error {
	revs, err := t.queryRevisions("SELECT data FROM revs ORDER BY sequence")
	if err != nil {
		return err
	}
	for _, rev := range revs {
		if err := fn(rev); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) queryRevisions(query string, args ...any) ([]*models.Revision, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query revisions: %w", err)
	}
	defer rows.Close()

	var revs []*models.Revision
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		rev := &models.Revision{}
		if err := json.Unmarshal([]byte(data), rev); err != nil {
			return nil, fmt.Errorf("unmarshal revision: %w", err)
		}
		revs = append(revs, rev)
	}
	return revs, rows.Err()
}

func (t *sqlTx) DeleteRevision(seq int64) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(t.ctx, "DELETE FROM revs WHERE sequence = ?", seq)
	if err != nil {
		return fmt.Errorf("delete revision: %w", err)
	}
	return requireAffected(res)
}

func (t *sqlTx) DocCount() (int, error) {
	var count int
	if err := t.tx.QueryRowContext(t.ctx, "SELECT COUNT(DISTINCT doc_id) FROM revs").Scan(&count); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return count, nil
}

func (t *sqlTx) PutAttachment(row *models.AttachmentRow) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT OR REPLACE INTO attachments
			(sequence, name, blob_key, content_type, length, encoded_length, encoding, revpos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.Sequence, row.Name, row.Key.String(), row.ContentType,
		row.Length, row.EncodedLength, string(row.Encoding), row.RevPos,
	)
	if err != nil {
		return fmt.Errorf("store attachment: %w", err)
	}
	return nil
}

const attachmentColumns = "sequence, name, blob_key, content_type, length, encoded_length, encoding, revpos"

func (t *sqlTx) GetAttachment(seq int64, name string) (*models.AttachmentRow, error) {
	rows, err := t.queryAttachments(
		"SELECT "+attachmentColumns+" FROM attachments WHERE sequence = ? AND name = ?", seq, name)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

func (t *sqlTx) DeleteAttachment(seq int64, name string) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(t.ctx, "DELETE FROM attachments WHERE sequence = ? AND name = ?", seq, name)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return requireAffected(res)
}

func (t *sqlTx) ListAttachments(seq int64) ([]*models.AttachmentRow, error) {
	return t.queryAttachments(
		"SELECT "+attachmentColumns+" FROM attachments WHERE sequence = ? ORDER BY name", seq)
}

func (t *sqlTx) ForEachAttachment(fn func(*models.AttachmentRow) error) error {
	rows, err := t.queryAttachments("SELECT " + attachmentColumns + " FROM attachments ORDER BY sequence, name")
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) queryAttachments(query string, args ...any) ([]*models.AttachmentRow, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attachments: %w", err)
	}
	defer rows.Close()

	var out []*models.AttachmentRow
	for rows.Next() {
		var (
			row      models.AttachmentRow
			key      string
			encoding string
		)
		if err := rows.Scan(&row.Sequence, &row.Name, &key, &row.ContentType,
			&row.Length, &row.EncodedLength, &encoding, &row.RevPos); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		row.Key, err = blobstore.KeyFromHex(key)
		if err != nil {
			return nil, fmt.Errorf("attachment %d/%s: %w", row.Sequence, row.Name, err)
		}
		row.Encoding = models.Encoding(encoding)
		out = append(out, &row)
	}
	return out, rows.Err()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
