package models

import (
	"encoding/json"

	"github.com/kilupskalvis/revblob/internal/blobstore"
	"github.com/kilupskalvis/revblob/internal/dberr"
)

// Encoding is the transfer encoding of a stored attachment body.
type Encoding string

const (
	EncodingNone Encoding = ""
	EncodingGzip Encoding = "gzip"
)

// ParseEncoding accepts "", "none", "identity" and "gzip".
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "", "none", "identity":
		return EncodingNone, nil
	case "gzip":
		return EncodingGzip, nil
	default:
		return EncodingNone, dberr.BadEncoding("parse encoding", "unknown attachment encoding %q", s)
	}
}

// AttachmentRow is the stored metadata of one attachment of one revision.
// Rows are keyed by (Sequence, Name).
type AttachmentRow struct {
	Sequence      int64         `json:"sequence"`
	Name          string        `json:"name"`
	Key           blobstore.Key `json:"key"`
	ContentType   string        `json:"content_type"`
	Length        int64         `json:"length"`
	EncodedLength int64         `json:"encoded_length,omitempty"`
	Encoding      Encoding      `json:"encoding,omitempty"`
	RevPos        int           `json:"revpos"`
}

// Digest returns the algorithm-tagged digest of the row's blob.
func (r *AttachmentRow) Digest() string {
	return r.Key.Digest()
}

// StoredLength is the number of bytes the blob occupies.
func (r *AttachmentRow) StoredLength() int64 {
	if r.Encoding != EncodingNone {
		return r.EncodedLength
	}
	return r.Length
}

type presentation uint8

const (
	presentStub presentation = iota
	presentData
	presentFollows
)

// AttachmentEntry is an attachment as it appears in a revision's
// _attachments map. Exactly one of stub, data or follows is emitted.
type AttachmentEntry struct {
	row  AttachmentRow
	kind presentation
	data []byte
}

// NewStubEntry describes an attachment without its body.
func NewStubEntry(row AttachmentRow) *AttachmentEntry {
	return &AttachmentEntry{row: row, kind: presentStub}
}

// NewInlineEntry carries the stored body inline.
func NewInlineEntry(row AttachmentRow, body []byte) *AttachmentEntry {
	return &AttachmentEntry{row: row, kind: presentData, data: body}
}

// NewFollowsEntry marks a body that is transferred separately.
func NewFollowsEntry(row AttachmentRow) *AttachmentEntry {
	return &AttachmentEntry{row: row, kind: presentFollows}
}

func (e *AttachmentEntry) Row() AttachmentRow { return e.row }
func (e *AttachmentEntry) IsStub() bool       { return e.kind == presentStub }
func (e *AttachmentEntry) IsFollows() bool    { return e.kind == presentFollows }

// Data returns the inline body, or nil for stubs and follows entries.
func (e *AttachmentEntry) Data() []byte {
	if e.kind != presentData {
		return nil
	}
	return e.data
}

type entryJSON struct {
	ContentType   string  `json:"content_type"`
	Digest        string  `json:"digest"`
	Length        int64   `json:"length"`
	RevPos        int     `json:"revpos"`
	Encoding      string  `json:"encoding,omitempty"`
	EncodedLength int64   `json:"encoded_length,omitempty"`
	Stub          bool    `json:"stub,omitempty"`
	Data          *[]byte `json:"data,omitempty"`
	Follows       bool    `json:"follows,omitempty"`
}

// MarshalJSON emits the wire form of the entry.
func (e *AttachmentEntry) MarshalJSON() ([]byte, error) {
	out := entryJSON{
		ContentType:   e.row.ContentType,
		Digest:        e.row.Digest(),
		Length:        e.row.Length,
		RevPos:        e.row.RevPos,
		Encoding:      string(e.row.Encoding),
		EncodedLength: e.row.EncodedLength,
	}
	switch e.kind {
	case presentData:
		data := e.data
		if data == nil {
			data = []byte{}
		}
		out.Data = &data
	case presentFollows:
		out.Follows = true
	default:
		out.Stub = true
	}
	return json.Marshal(out)
}

// AttachmentInput is one entry of an _attachments map supplied by a caller.
type AttachmentInput struct {
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
	Encoding    string `json:"encoding"`
	Stub        bool   `json:"stub"`
	Follows     bool   `json:"follows"`
	Digest      string `json:"digest"`
	RevPos      int    `json:"revpos"`
	Length      int64  `json:"length"`
}
