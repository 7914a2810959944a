package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/revblob/internal/blobstore"
	"github.com/kilupskalvis/revblob/internal/dberr"
)

func testRow() AttachmentRow {
	return AttachmentRow{
		Sequence:    2,
		Name:        "attach",
		Key:         blobstore.KeyForContent([]byte("foo")),
		ContentType: "text/plain",
		Length:      3,
		RevPos:      1,
	}
}

func marshalEntry(t *testing.T, e *AttachmentEntry) map[string]any {
	t.Helper()
	raw, err := json.Marshal(e)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestAttachmentEntry_Stub(t *testing.T) {
	out := marshalEntry(t, NewStubEntry(testRow()))

	assert.Equal(t, true, out["stub"])
	assert.NotContains(t, out, "data")
	assert.NotContains(t, out, "follows")
	assert.Equal(t, "sha1-C+7Hteo/D9vJXQ3UfzxbwnXaijM=", out["digest"])
	assert.Equal(t, "text/plain", out["content_type"])
	assert.Equal(t, float64(3), out["length"])
	assert.Equal(t, float64(1), out["revpos"])
	assert.NotContains(t, out, "encoding")
}

func TestAttachmentEntry_Inline(t *testing.T) {
	out := marshalEntry(t, NewInlineEntry(testRow(), []byte("foo")))

	assert.Equal(t, "Zm9v", out["data"])
	assert.NotContains(t, out, "stub")
	assert.NotContains(t, out, "follows")
}

func TestAttachmentEntry_InlineEmptyBody(t *testing.T) {
	row := testRow()
	row.Length = 0
	out := marshalEntry(t, NewInlineEntry(row, nil))

	assert.Equal(t, "", out["data"])
	assert.NotContains(t, out, "stub")
}

func TestAttachmentEntry_Follows(t *testing.T) {
	e := NewFollowsEntry(testRow())
	out := marshalEntry(t, e)

	assert.Equal(t, true, out["follows"])
	assert.NotContains(t, out, "stub")
	assert.NotContains(t, out, "data")
	assert.True(t, e.IsFollows())
	assert.Nil(t, e.Data())
}

func TestAttachmentEntry_Encoded(t *testing.T) {
	row := testRow()
	row.Encoding = EncodingGzip
	row.EncodedLength = 23
	out := marshalEntry(t, NewStubEntry(row))

	assert.Equal(t, "gzip", out["encoding"])
	assert.Equal(t, float64(23), out["encoded_length"])
	assert.Equal(t, int64(23), row.StoredLength())
}

func TestParseEncoding(t *testing.T) {
	enc, err := ParseEncoding("")
	require.NoError(t, err)
	assert.Equal(t, EncodingNone, enc)

	enc, err = ParseEncoding("gzip")
	require.NoError(t, err)
	assert.Equal(t, EncodingGzip, enc)

	_, err = ParseEncoding("brotli")
	assert.ErrorIs(t, err, dberr.ErrBadEncoding)
}

func TestAttachmentRow_JSONRoundTripKeepsKey(t *testing.T) {
	row := testRow()
	raw, err := json.Marshal(row)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"key":"0beec7b5ea3f0fdbc95d0dd47f3c5bc275da8a33"`)

	var back AttachmentRow
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, row, back)
}

func TestParseGeneration(t *testing.T) {
	assert.Equal(t, 3, ParseGeneration("3-abc"))
	assert.Equal(t, 12, ParseGeneration("12-x"))
	assert.Equal(t, 0, ParseGeneration("bogus"))
	assert.Equal(t, 0, ParseGeneration("x-1"))
	assert.Equal(t, 0, ParseGeneration(""))
}

func TestContentOptions_Has(t *testing.T) {
	var opts ContentOptions
	assert.False(t, opts.Has(IncludeAttachments))

	opts = IncludeAttachments | BigAttachmentsFollow
	assert.True(t, opts.Has(IncludeAttachments))
	assert.True(t, opts.Has(BigAttachmentsFollow))
}

func TestStripReserved(t *testing.T) {
	body := StripReserved(map[string]any{"_id": "doc", "_rev": "1-a", "k": "v"})
	assert.Equal(t, map[string]any{"k": "v"}, body)
}
