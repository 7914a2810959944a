package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/kilupskalvis/revblob/internal/models"
)

// Client defines the contract for talking to a revblob-server.
type Client interface {
	Info(ctx context.Context) (*Info, error)

	PutDocument(ctx context.Context, docID string, props map[string]any, rev string, allowConflict bool) (*RevResponse, error)
	GetDocument(ctx context.Context, docID, rev string, opts models.ContentOptions) (map[string]any, error)

	PutAttachment(ctx context.Context, docID, name, rev string, body io.Reader, opts *AttachmentOptions) (*RevResponse, error)
	GetAttachment(ctx context.Context, docID, name, rev string, raw bool) (*Attachment, error)
	DeleteAttachment(ctx context.Context, docID, name, rev string) (*RevResponse, error)

	Compact(ctx context.Context, dryRun bool) (*CompactResult, error)
	ListBlobs(ctx context.Context) (*BlobList, error)
}

// HTTPClient implements Client over HTTP.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates a client for the server at baseURL. The token is only
// needed for the admin endpoints.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *HTTPClient) docURL(docID string, query url.Values) string {
	u := c.baseURL + "/db/" + url.PathEscape(docID)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// attachmentURL escapes each segment so names containing "/" keep their shape.
func (c *HTTPClient) attachmentURL(docID, name, rev string) string {
	segs := strings.Split(name, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	u := c.baseURL + "/db/" + url.PathEscape(docID) + "/" + strings.Join(segs, "/")
	if rev != "" {
		u += "?rev=" + url.QueryEscape(rev)
	}
	return u
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	return resp, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, url string, reqBody, respBody interface{}) error {
	var body io.Reader
	headers := map[string]string{"Content-Type": "application/json"}

	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.do(ctx, method, url, body, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// Info returns summary information about the database.
func (c *HTTPClient) Info(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/db", nil, &info); err != nil {
		return nil, fmt.Errorf("get info: %w", err)
	}
	return &info, nil
}

// PutDocument stores a new revision of a document. rev names the parent
// revision; when empty the server falls back to the body's _rev.
func (c *HTTPClient) PutDocument(ctx context.Context, docID string, props map[string]any, rev string, allowConflict bool) (*RevResponse, error) {
	q := url.Values{}
	if rev != "" {
		q.Set("rev", rev)
	}
	if allowConflict {
		q.Set("allow_conflict", "true")
	}

	var resp RevResponse
	if err := c.doJSON(ctx, http.MethodPut, c.docURL(docID, q), props, &resp); err != nil {
		return nil, fmt.Errorf("put document %s: %w", docID, err)
	}
	return &resp, nil
}

// GetDocument returns the properties of a revision, the current one when rev
// is empty.
func (c *HTTPClient) GetDocument(ctx context.Context, docID, rev string, opts models.ContentOptions) (map[string]any, error) {
	q := url.Values{}
	if rev != "" {
		q.Set("rev", rev)
	}
	if opts&models.IncludeAttachments != 0 {
		q.Set("attachments", "true")
	}
	if opts&models.BigAttachmentsFollow != 0 {
		q.Set("att_follows", "true")
	}

	var props map[string]any
	if err := c.doJSON(ctx, http.MethodGet, c.docURL(docID, q), nil, &props); err != nil {
		return nil, fmt.Errorf("get document %s: %w", docID, err)
	}
	return props, nil
}

// PutAttachment streams an attachment body to the server.
func (c *HTTPClient) PutAttachment(ctx context.Context, docID, name, rev string, body io.Reader, opts *AttachmentOptions) (*RevResponse, error) {
	if opts == nil {
		opts = &AttachmentOptions{}
	}
	headers := map[string]string{"Content-Type": "application/octet-stream"}
	if opts.ContentType != "" {
		headers["Content-Type"] = opts.ContentType
	}
	if opts.Gzipped {
		headers["Content-Encoding"] = "gzip"
	}
	if len(opts.MD5) > 0 {
		headers["Content-MD5"] = base64.StdEncoding.EncodeToString(opts.MD5)
	}

	resp, err := c.do(ctx, http.MethodPut, c.attachmentURL(docID, name, rev), body, headers)
	if err != nil {
		return nil, fmt.Errorf("put attachment %s/%s: %w", docID, name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}

	var rr RevResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &rr, nil
}

// GetAttachment streams an attachment from the server. Gzip-stored bodies are
// decoded unless raw is set.
func (c *HTTPClient) GetAttachment(ctx context.Context, docID, name, rev string, raw bool) (*Attachment, error) {
	// Asking for gzip explicitly stops the transport from decoding it for us.
	headers := map[string]string{"Accept-Encoding": "gzip"}

	resp, err := c.do(ctx, http.MethodGet, c.attachmentURL(docID, name, rev), nil, headers)
	if err != nil {
		return nil, fmt.Errorf("get attachment %s/%s: %w", docID, name, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	att := &Attachment{
		ContentType: resp.Header.Get("Content-Type"),
		Encoding:    resp.Header.Get("Content-Encoding"),
		Body:        resp.Body,
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		if d, err := strconv.Unquote(etag); err == nil {
			att.Digest = d
		}
	}

	if att.Encoding == "gzip" && !raw {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("decompress attachment %s/%s: %w", docID, name, err)
		}
		att.Encoding = ""
		att.Body = &gzipBody{Reader: gz, body: resp.Body}
	}
	return att, nil
}

// DeleteAttachment removes an attachment, creating a new revision.
func (c *HTTPClient) DeleteAttachment(ctx context.Context, docID, name, rev string) (*RevResponse, error) {
	var resp RevResponse
	if err := c.doJSON(ctx, http.MethodDelete, c.attachmentURL(docID, name, rev), nil, &resp); err != nil {
		return nil, fmt.Errorf("delete attachment %s/%s: %w", docID, name, err)
	}
	return &resp, nil
}

// Compact runs compaction on the server. Requires the admin token.
func (c *HTTPClient) Compact(ctx context.Context, dryRun bool) (*CompactResult, error) {
	u := c.baseURL + "/admin/compact"
	if dryRun {
		u += "?dry_run=true"
	}
	var result CompactResult
	if err := c.doJSON(ctx, http.MethodPost, u, nil, &result); err != nil {
		return nil, fmt.Errorf("compact: %w", err)
	}
	return &result, nil
}

// ListBlobs returns the keys of every stored blob. Requires the admin token.
func (c *HTTPClient) ListBlobs(ctx context.Context) (*BlobList, error) {
	var list BlobList
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/admin/blobs", nil, &list); err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	return &list, nil
}

type gzipBody struct {
	*gzip.Reader
	body io.ReadCloser
}

func (g *gzipBody) Close() error {
	g.Reader.Close()
	return g.body.Close()
}

// RemoteError represents a structured error from the server.
type RemoteError struct {
	Code    string
	Message string
	Status  int
	// RetryAfter is the server's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%d): %s: %s", e.Status, e.Code, e.Message)
}

func decodeError(resp *http.Response) error {
	re := &RemoteError{
		Code:    "unknown",
		Message: fmt.Sprintf("HTTP %d", resp.StatusCode),
		Status:  resp.StatusCode,
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		re.RetryAfter = time.Duration(secs) * time.Second
	}

	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
		re.Code = errResp.Error
		re.Message = errResp.Message
	}
	return re
}
