package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kilupskalvis/revblob/internal/blobstore"
	"github.com/kilupskalvis/revblob/internal/database"
	"github.com/kilupskalvis/revblob/internal/dberr"
	"github.com/kilupskalvis/revblob/internal/models"
)

// ServerConfig holds configurable limits for the server.
type ServerConfig struct {
	MaxRequestBody    int64  // bytes, for JSON endpoints
	MaxAttachmentSize int64  // bytes, for attachment uploads
	RequestsPerMinute int    // per-client rate limit, 0 disables
	AdminToken        string // for admin endpoints
	Webhooks          *WebhookNotifier
}

// DefaultServerConfig returns reasonable defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		MaxRequestBody:    16 * 1024 * 1024,  // 16MB
		MaxAttachmentSize: 512 * 1024 * 1024, // 512MB
		RequestsPerMinute: 600,
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type revResponse struct {
	OK  bool   `json:"ok"`
	ID  string `json:"id"`
	Rev string `json:"rev"`
}

type infoResponse struct {
	DocCount  int    `json:"doc_count"`
	BlobCount int    `json:"blob_count"`
	Backend   string `json:"backend"`
}

type blobsResponse struct {
	Count int             `json:"count"`
	Keys  []blobstore.Key `json:"keys"`
}

type api struct {
	db     *database.Database
	cfg    *ServerConfig
	logger *slog.Logger
}

// Handler creates the HTTP handler with all routes and middleware.
// The returned cleanup function stops background goroutines and should be
// called on server shutdown.
func Handler(db *database.Database, cfg *ServerConfig, logger *slog.Logger) (http.Handler, func()) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{db: db, cfg: cfg, logger: logger}

	rl := newRateLimiter(cfg.RequestsPerMinute)
	limited := func(h http.HandlerFunc) http.Handler {
		return rl.middleware(h)
	}

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", a.handleReadyz)

	// Admin endpoints
	if cfg.AdminToken != "" {
		adminMux := http.NewServeMux()
		adminMux.HandleFunc("POST /admin/compact", a.handleCompact)
		adminMux.HandleFunc("GET /admin/blobs", a.handleListBlobs)
		mux.Handle("/admin/", adminAuth(cfg.AdminToken, adminMux))
	}

	mux.Handle("GET /db", limited(a.handleInfo))

	// Documents
	mux.Handle("PUT /db/{doc}", limited(a.handlePutDocument))
	mux.Handle("GET /db/{doc}", limited(a.handleGetDocument))

	// Attachments
	mux.Handle("GET /db/{doc}/{attachment...}", limited(a.handleGetAttachment))
	mux.Handle("PUT /db/{doc}/{attachment...}", limited(a.handlePutAttachment))
	mux.Handle("DELETE /db/{doc}/{attachment...}", limited(a.handleDeleteAttachment))

	handler := applyMiddleware(mux,
		requestIDMiddleware,
		loggingMiddleware(logger),
		recoveryMiddleware(logger),
	)

	return handler, rl.Stop
}

// --- Document Handlers ---

func (a *api) handlePutDocument(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("doc")

	var props map[string]any
	if err := readJSON(w, r, a.cfg.MaxRequestBody, &props); err != nil {
		a.writeError(w, r, err)
		return
	}
	if props == nil {
		a.writeError(w, r, dberr.Invalid("put document", "body must be a JSON object"))
		return
	}
	if id, ok := props[models.PropID]; ok && id != docID {
		a.writeError(w, r, dberr.Invalid("put document", "_id %v does not match path %q", id, docID))
		return
	}
	props[models.PropID] = docID

	parent := r.URL.Query().Get("rev")
	if parent == "" {
		parent, _ = props[models.PropRev].(string)
	}
	allowConflict, _ := strconv.ParseBool(r.URL.Query().Get("allow_conflict"))

	rev, err := a.db.PutRevision(r.Context(), props, parent, allowConflict)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, &revResponse{OK: true, ID: rev.DocID, Rev: rev.RevID})
}

func (a *api) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var opts models.ContentOptions
	if on, _ := strconv.ParseBool(q.Get("attachments")); on {
		opts |= models.IncludeAttachments
	}
	if on, _ := strconv.ParseBool(q.Get("att_follows")); on {
		opts |= models.BigAttachmentsFollow
	}

	props, err := a.db.GetRevision(r.Context(), r.PathValue("doc"), q.Get("rev"), opts)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, props)
}

// --- Attachment Handlers ---

func (a *api) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	att, err := a.db.GetAttachment(r.Context(), r.PathValue("doc"), r.URL.Query().Get("rev"), r.PathValue("attachment"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	defer att.Body.Close()

	h := w.Header()
	h.Set("Content-Type", att.ContentType)
	h.Set("Content-Length", strconv.FormatInt(att.StoredLength(), 10))
	h.Set("ETag", strconv.Quote(att.Digest()))
	if att.Encoding == models.EncodingGzip {
		h.Set("Content-Encoding", "gzip")
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, att.Body); err != nil {
		// Headers already sent.
		a.logger.Warn("attachment stream interrupted", "doc", r.PathValue("doc"), "name", att.Name, "error", err, "request_id", requestID(r))
	}
}

func (a *api) handlePutAttachment(w http.ResponseWriter, r *http.Request) {
	const op = "put attachment"
	docID, name := r.PathValue("doc"), r.PathValue("attachment")

	var encoding string
	switch ce := r.Header.Get("Content-Encoding"); ce {
	case "", "identity":
	case "gzip":
		encoding = string(models.EncodingGzip)
	default:
		a.writeError(w, r, dberr.BadEncoding(op, "unsupported Content-Encoding %q", ce))
		return
	}

	writer, err := a.db.NewWriter()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	defer writer.Close()

	// The body is streamed to a temp file before any transaction starts.
	if _, err := writer.ReadFrom(http.MaxBytesReader(w, r.Body, a.cfg.MaxAttachmentSize)); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := writer.Finish(); err != nil {
		a.writeError(w, r, dberr.Internal(op, err))
		return
	}

	if want := r.Header.Get("Content-MD5"); want != "" {
		if got := base64.StdEncoding.EncodeToString(writer.MD5Sum()); got != want {
			a.writeError(w, r, dberr.Invalid(op, "Content-MD5 mismatch: body hashes to %s", got))
			return
		}
	}

	rev, err := a.db.UpdateAttachment(r.Context(), name, writer, r.Header.Get("Content-Type"), encoding, docID, r.URL.Query().Get("rev"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	a.cfg.Webhooks.NotifyAttachment(EventAttachmentUpdated, rev.DocID, rev.RevID, name, writer.SHA1DigestString())
	writeJSON(w, http.StatusCreated, &revResponse{OK: true, ID: rev.DocID, Rev: rev.RevID})
}

func (a *api) handleDeleteAttachment(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("attachment")
	rev, err := a.db.UpdateAttachment(r.Context(), name, nil, "", "", r.PathValue("doc"), r.URL.Query().Get("rev"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	a.cfg.Webhooks.NotifyAttachment(EventAttachmentDeleted, rev.DocID, rev.RevID, name, "")
	writeJSON(w, http.StatusOK, &revResponse{OK: true, ID: rev.DocID, Rev: rev.RevID})
}

// --- Info Handlers ---

func (a *api) handleInfo(w http.ResponseWriter, r *http.Request) {
	docs, err := a.db.DocCount(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	blobs, err := a.db.Blobs().Count(r.Context())
	if err != nil {
		a.writeError(w, r, dberr.Internal("count blobs", err))
		return
	}

	writeJSON(w, http.StatusOK, &infoResponse{
		DocCount:  docs,
		BlobCount: blobs,
		Backend:   a.db.Config().Backend,
	})
}

// --- Admin Handlers ---

func (a *api) handleCompact(w http.ResponseWriter, r *http.Request) {
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))

	result, err := a.db.Compact(r.Context(), dryRun)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !dryRun {
		a.cfg.Webhooks.NotifyCompacted(result.BlobsDeleted)
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *api) handleListBlobs(w http.ResponseWriter, r *http.Request) {
	keys, err := a.db.Blobs().AllKeys(r.Context())
	if err != nil {
		a.writeError(w, r, dberr.Internal("list blobs", err))
		return
	}
	if keys == nil {
		keys = []blobstore.Key{}
	}
	writeJSON(w, http.StatusOK, &blobsResponse{Count: len(keys), Keys: keys})
}

// --- Health Handlers ---

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (a *api) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := a.db.DocCount(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready: row store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// --- Helpers ---

// statusFor maps an error kind to an HTTP status.
func statusFor(kind dberr.Kind) int {
	switch kind {
	case dberr.KindNotFound:
		return http.StatusNotFound
	case dberr.KindConflict:
		return http.StatusConflict
	case dberr.KindBadEncoding, dberr.KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{
			Error:   "too_large",
			Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
		})
		return
	}

	kind := dberr.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "path", r.URL.Path, "kind", kind.String(), "error", err, "request_id", requestID(r))
	}
	writeJSON(w, status, errorBody{Error: kind.String(), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func readJSON(w http.ResponseWriter, r *http.Request, maxSize int64, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSize)).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return dberr.Invalid("decode body", "invalid JSON: %v", err)
	}
	return nil
}
