package attachments

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/kilupskalvis/revblob/internal/dberr"
	"github.com/kilupskalvis/revblob/internal/models"
)

// DefaultContentType is used when a caller supplies none.
const DefaultContentType = "application/octet-stream"

// normalizeContentType lowercases the media type and keeps its parameters.
func normalizeContentType(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultContentType, nil
	}
	mediaType, params, err := mime.ParseMediaType(raw)
	if err != nil {
		return "", dberr.Invalid("content type", "invalid content type %q", raw)
	}
	return mime.FormatMediaType(strings.ToLower(mediaType), params), nil
}

// decodedLength returns the length of r's content after removing enc.
func decodedLength(r io.Reader, enc models.Encoding) (int64, error) {
	switch enc {
	case models.EncodingNone:
		return io.Copy(io.Discard, r)
	case models.EncodingGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return 0, dberr.BadEncoding("decode attachment", "invalid gzip body: %v", err)
		}
		defer zr.Close()
		n, err := io.Copy(io.Discard, zr)
		if err != nil {
			return 0, dberr.BadEncoding("decode attachment", "invalid gzip body: %v", err)
		}
		return n, nil
	default:
		return 0, dberr.BadEncoding("decode attachment", "unknown attachment encoding %q", enc)
	}
}

// decode removes enc from data.
func decode(data []byte, enc models.Encoding) ([]byte, error) {
	switch enc {
	case models.EncodingNone:
		return data, nil
	case models.EncodingGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, dberr.BadEncoding("decode attachment", "invalid gzip body: %v", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, dberr.BadEncoding("decode attachment", "invalid gzip body: %v", err)
		}
		return out, nil
	default:
		return nil, dberr.BadEncoding("decode attachment", "unknown attachment encoding %q", enc)
	}
}

// Gzip compresses data. Callers use it to store bodies with EncodingGzip.
func Gzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// GzipTo streams r compressed into w.
func GzipTo(w io.Writer, r io.Reader) error {
	zw := gzip.NewWriter(w)
	if _, err := io.Copy(zw, r); err != nil {
		zw.Close()
		return fmt.Errorf("gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	return nil
}
