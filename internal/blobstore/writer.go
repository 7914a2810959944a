package blobstore

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

var errWriterClosed = errors.New("blob writer closed")

// Writer streams a blob into an FSStore.
//
// Data is appended to a temp file while SHA-1 and MD5 digests accumulate.
// Finish fixes both digests; Install then publishes the temp file under the
// SHA-1 key. A Writer belongs to one goroutine for its whole life.
type Writer struct {
	store   *FSStore
	tmp     *os.File
	tmpPath string

	sha1   hash.Hash
	md5    hash.Hash
	length int64

	key    Key
	md5Sum []byte
	err    error

	finished  bool
	installed bool
}

func newWriter(s *FSStore) (*Writer, error) {
	f, err := os.CreateTemp(s.tmpDir(), "blob-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &Writer{
		store:   s,
		tmp:     f,
		tmpPath: f.Name(),
		sha1:    sha1.New(),
		md5:     md5.New(),
	}, nil
}

// Append adds p to the blob. It panics if called after Finish.
func (w *Writer) Append(p []byte) error {
	if w.finished {
		panic("blobstore: Append called after Finish")
	}
	if w.err != nil {
		return w.err
	}
	n, err := w.tmp.Write(p)
	w.sha1.Write(p[:n])
	w.md5.Write(p[:n])
	w.length += int64(n)
	if err != nil {
		w.err = fmt.Errorf("write temp blob: %w", err)
		return w.err
	}
	return nil
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	if err := w.Append(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ReadFrom appends everything read from r.
func (w *Writer) ReadFrom(r io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := w.Append(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// Finish finalizes the digests and flushes the temp file. No more data may be appended.
func (w *Writer) Finish() error {
	if w.finished {
		return w.err
	}
	w.finished = true
	copy(w.key[:], w.sha1.Sum(nil))
	w.md5Sum = w.md5.Sum(nil)
	if w.err != nil {
		return w.err
	}

	if err := w.tmp.Chmod(0444); err != nil {
		w.err = fmt.Errorf("chmod temp blob: %w", err)
	} else if err := w.tmp.Sync(); err != nil {
		w.err = fmt.Errorf("sync temp blob: %w", err)
	}
	if err := w.tmp.Close(); err != nil && w.err == nil {
		w.err = fmt.Errorf("close temp blob: %w", err)
	}
	w.tmp = nil
	return w.err
}

// Install publishes the blob under its key and returns the key. If a blob
// with that key already exists, the temp file is discarded instead. It
// panics if called before Finish.
func (w *Writer) Install() (Key, error) {
	if !w.finished {
		panic("blobstore: Install called before Finish")
	}
	if w.err != nil {
		return Key{}, w.err
	}
	if w.installed {
		return w.key, nil
	}

	dst := w.store.blobPath(w.key)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return Key{}, fmt.Errorf("create blob dir: %w", err)
	}

	// Link fails with EEXIST when the content is already stored, and never
	// exposes a partially written file.
	if err := os.Link(w.tmpPath, dst); err != nil && !errors.Is(err, fs.ErrExist) {
		return Key{}, fmt.Errorf("install blob %s: %w", w.key, err)
	}
	os.Remove(w.tmpPath)
	w.installed = true
	return w.key, nil
}

// OpenTemp opens the finished, not yet installed body for reading.
func (w *Writer) OpenTemp() (io.ReadCloser, error) {
	if !w.finished || w.installed {
		return nil, errors.New("blob writer: temp file is only readable between Finish and Install")
	}
	if w.err != nil {
		return nil, w.err
	}
	f, err := os.Open(w.tmpPath)
	if err != nil {
		return nil, fmt.Errorf("open temp blob: %w", err)
	}
	return f, nil
}

// Close releases the temp file. It is safe to call at any point, and a
// no-op after Install.
func (w *Writer) Close() error {
	if w.tmp != nil {
		w.tmp.Close()
		w.tmp = nil
	}
	if w.installed {
		return nil
	}
	if !w.finished {
		w.finished = true
		copy(w.key[:], w.sha1.Sum(nil))
		w.md5Sum = w.md5.Sum(nil)
	}
	if w.err == nil {
		w.err = errWriterClosed
	}
	if err := os.Remove(w.tmpPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove temp blob: %w", err)
	}
	return nil
}

// Key returns the blob key. Valid after Finish.
func (w *Writer) Key() Key {
	return w.key
}

// Length returns the number of bytes appended so far.
func (w *Writer) Length() int64 {
	return w.length
}

// Finished reports whether Finish has been called.
func (w *Writer) Finished() bool {
	return w.finished
}

// Installed reports whether the blob has been published.
func (w *Writer) Installed() bool {
	return w.installed
}

// SHA1DigestString returns e.g. "sha1-C+7Hteo/D9vJXQ3UfzxbwnXaijM=", or "" before Finish.
func (w *Writer) SHA1DigestString() string {
	if !w.finished {
		return ""
	}
	return w.key.Digest()
}

// MD5DigestString returns e.g. "md5-rL0Y20zC+Fzt72VPzMSk2A==", or "" before Finish.
func (w *Writer) MD5DigestString() string {
	if !w.finished {
		return ""
	}
	return "md5-" + base64.StdEncoding.EncodeToString(w.md5Sum)
}

// MD5Sum returns the raw MD5 digest. Valid after Finish.
func (w *Writer) MD5Sum() []byte {
	return w.md5Sum
}
