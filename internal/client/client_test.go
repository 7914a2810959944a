package client

import (
	"bytes"
	"crypto/md5"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/revblob/internal/config"
	"github.com/kilupskalvis/revblob/internal/database"
	"github.com/kilupskalvis/revblob/internal/models"
	"github.com/kilupskalvis/revblob/internal/server"
)

const (
	adminToken    = "client-admin-token"
	attach1Body   = "This is the body of attach1"
	attach1Digest = "sha1-gOHUOBmIMoDCrMuGyaLWzf1hQTE="
	attach2Body   = "<html>And this is attach2</html>"
)

func newTestClient(t *testing.T) *HTTPClient {
	t.Helper()

	cfg, err := config.InitializeAt(t.TempDir(), "")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := database.Open(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	scfg := server.DefaultServerConfig()
	scfg.AdminToken = adminToken
	h, cleanup := server.Handler(db, scfg, logger)
	t.Cleanup(cleanup)

	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return NewHTTPClient(ts.URL+"/", adminToken)
}

func readAll(t *testing.T, att *Attachment) string {
	t.Helper()
	defer att.Body.Close()
	data, err := io.ReadAll(att.Body)
	require.NoError(t, err)
	return string(data)
}

func TestHTTPClient_AttachmentLifecycle(t *testing.T) {
	ctx := t.Context()
	c := newTestClient(t)

	rev1, err := c.PutDocument(ctx, "doc1", map[string]any{"title": "hello"}, "", false)
	require.NoError(t, err)
	assert.True(t, rev1.OK)
	assert.Equal(t, "doc1", rev1.ID)
	assert.True(t, strings.HasPrefix(rev1.Rev, "1-"))

	sum := md5.Sum([]byte(attach1Body))
	rev2, err := c.PutAttachment(ctx, "doc1", "attach", rev1.Rev, strings.NewReader(attach1Body),
		&AttachmentOptions{ContentType: "text/plain", MD5: sum[:]})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rev2.Rev, "2-"))

	att, err := c.GetAttachment(ctx, "doc1", "attach", "", false)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", att.ContentType)
	assert.Equal(t, attach1Digest, att.Digest)
	assert.Empty(t, att.Encoding)
	assert.Equal(t, attach1Body, readAll(t, att))

	props, err := c.GetDocument(ctx, "doc1", "", 0)
	require.NoError(t, err)
	assert.Equal(t, rev2.Rev, props["_rev"])
	assert.Equal(t, "hello", props["title"])
	entry := props["_attachments"].(map[string]any)["attach"].(map[string]any)
	assert.Equal(t, true, entry["stub"])
	assert.Equal(t, attach1Digest, entry["digest"])

	// The old revision still serves the old body after a replace.
	rev3, err := c.PutAttachment(ctx, "doc1", "attach", rev2.Rev, strings.NewReader(attach2Body),
		&AttachmentOptions{ContentType: "text/html"})
	require.NoError(t, err)

	att, err = c.GetAttachment(ctx, "doc1", "attach", rev2.Rev, false)
	require.NoError(t, err)
	assert.Equal(t, attach1Body, readAll(t, att))

	list, err := c.ListBlobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, list.Count)

	result, err := c.Compact(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.BlobsDeleted)

	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, info.DocCount)
	assert.Equal(t, 1, info.BlobCount)
	assert.NotEmpty(t, info.Backend)

	rev4, err := c.DeleteAttachment(ctx, "doc1", "attach", rev3.Rev)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rev4.Rev, "4-"))

	_, err = c.GetAttachment(ctx, "doc1", "attach", "", false)
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusNotFound, re.Status)
	assert.Equal(t, "not_found", re.Code)
}

func TestHTTPClient_GzipAttachment(t *testing.T) {
	ctx := t.Context()
	c := newTestClient(t)

	rev, err := c.PutDocument(ctx, "doc", map[string]any{}, "", false)
	require.NoError(t, err)

	body := strings.Repeat("compressible text ", 200)
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err = gz.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	encoded := buf.Bytes()

	_, err = c.PutAttachment(ctx, "doc", "logs/today.txt", rev.Rev, bytes.NewReader(encoded),
		&AttachmentOptions{ContentType: "text/plain", Gzipped: true})
	require.NoError(t, err)

	att, err := c.GetAttachment(ctx, "doc", "logs/today.txt", "", false)
	require.NoError(t, err)
	assert.Empty(t, att.Encoding)
	assert.Equal(t, body, readAll(t, att))

	att, err = c.GetAttachment(ctx, "doc", "logs/today.txt", "", true)
	require.NoError(t, err)
	assert.Equal(t, "gzip", att.Encoding)
	assert.Equal(t, string(encoded), readAll(t, att))
}

func TestHTTPClient_Errors(t *testing.T) {
	ctx := t.Context()
	c := newTestClient(t)

	rev, err := c.PutDocument(ctx, "doc", map[string]any{"n": 1}, "", false)
	require.NoError(t, err)

	_, err = c.PutDocument(ctx, "doc", map[string]any{"n": 2}, "", false)
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusConflict, re.Status)
	assert.Equal(t, "conflict", re.Code)

	_, err = c.PutDocument(ctx, "doc", map[string]any{"n": 2}, "", true)
	require.NoError(t, err)

	bad := md5.Sum([]byte("something else"))
	_, err = c.PutAttachment(ctx, "doc", "a", rev.Rev, strings.NewReader(attach1Body), &AttachmentOptions{MD5: bad[:]})
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusBadRequest, re.Status)

	_, err = c.GetDocument(ctx, "missing", "", models.IncludeAttachments)
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusNotFound, re.Status)

	anon := NewHTTPClient(strings.TrimSuffix(c.baseURL, "/"), "")
	_, err = anon.Compact(ctx, true)
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusUnauthorized, re.Status)
	assert.False(t, isTransient(err))
}

func TestDecodeError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := NewHTTPClient(ts.URL, "").Info(t.Context())
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "unknown", re.Code)
	assert.Equal(t, http.StatusBadGateway, re.Status)
	assert.True(t, isTransient(err))
}
