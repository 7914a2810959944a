// Package client is a Go client for the revblob-server HTTP API.
package client

import (
	"io"

	"github.com/kilupskalvis/revblob/internal/attachments"
)

// RevResponse is returned by every write that creates a revision.
type RevResponse struct {
	OK  bool   `json:"ok"`
	ID  string `json:"id"`
	Rev string `json:"rev"`
}

// Info contains summary information about the served database.
type Info struct {
	DocCount  int    `json:"doc_count"`
	BlobCount int    `json:"blob_count"`
	Backend   string `json:"backend"`
}

// BlobList is the admin listing of stored blobs, keyed by hex SHA-1.
type BlobList struct {
	Count int      `json:"count"`
	Keys  []string `json:"keys"`
}

// CompactResult mirrors the server's compaction report.
type CompactResult = attachments.CompactResult

// ErrorResponse is the structured error format returned by the server.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// AttachmentOptions describe an attachment upload.
type AttachmentOptions struct {
	ContentType string
	// Gzipped marks the body as already gzip-encoded.
	Gzipped bool
	// MD5 is sent as Content-MD5 so the server can verify the body.
	MD5 []byte
}

// Attachment is a downloaded attachment. The caller must close Body.
type Attachment struct {
	ContentType string
	Digest      string
	// Encoding is "gzip" only when the stored bytes were requested raw.
	Encoding string
	Body     io.ReadCloser
}
