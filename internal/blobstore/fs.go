package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	blobExt    = ".blob"
	tmpDirName = "tmp"
)

var _ BlobStore = (*FSStore)(nil)

// FSStore implements BlobStore using the local filesystem.
// Blobs are stored in a two-level directory structure using the first two
// characters of the hex key as a prefix directory. In-flight writes live in
// a tmp directory under the same root so they can be hard-linked into place.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem-backed blob store rooted at the given directory.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(filepath.Join(root, tmpDirName), 0755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Root returns the directory the store lives in.
func (s *FSStore) Root() string {
	return s.root
}

// Store writes data under its key. Idempotent: storing existing content is a no-op.
func (s *FSStore) Store(_ context.Context, data []byte) (Key, error) {
	w, err := s.NewWriter()
	if err != nil {
		return Key{}, err
	}
	defer w.Close()

	if err := w.Append(data); err != nil {
		return Key{}, err
	}
	if err := w.Finish(); err != nil {
		return Key{}, err
	}
	return w.Install()
}

// Fetch reads a whole blob into memory.
func (s *FSStore) Fetch(_ context.Context, key Key) ([]byte, error) {
	data, err := os.ReadFile(s.blobPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, nil
}

// Open opens a blob for reading.
func (s *FSStore) Open(_ context.Context, key Key) (io.ReadCloser, error) {
	f, err := os.Open(s.blobPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("open blob %s: %w", key, err)
	}
	return f, nil
}

// Has checks whether a blob exists.
func (s *FSStore) Has(_ context.Context, key Key) (bool, error) {
	_, err := os.Stat(s.blobPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob %s: %w", key, err)
	}
	return true, nil
}

// Size returns the stored length of a blob.
func (s *FSStore) Size(_ context.Context, key Key) (int64, error) {
	info, err := os.Stat(s.blobPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrBlobNotFound
		}
		return 0, fmt.Errorf("stat blob %s: %w", key, err)
	}
	return info.Size(), nil
}

// Delete removes a blob.
func (s *FSStore) Delete(_ context.Context, key Key) error {
	if err := os.Remove(s.blobPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

// DeleteAll removes every blob. In-flight writers are left alone.
func (s *FSStore) DeleteAll(ctx context.Context) error {
	dirs, err := s.prefixDirs()
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.RemoveAll(filepath.Join(s.root, dir)); err != nil {
			return fmt.Errorf("delete blob dir %s: %w", dir, err)
		}
	}
	return nil
}

// AllKeys returns all blob keys in lexicographic order.
func (s *FSStore) AllKeys(ctx context.Context) ([]Key, error) {
	dirs, err := s.prefixDirs()
	if err != nil {
		return nil, err
	}

	var keys []Key
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(filepath.Join(s.root, dir))
		if err != nil {
			return nil, fmt.Errorf("read blob dir %s: %w", dir, err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, blobExt) {
				continue
			}
			key, err := KeyFromHex(dir + strings.TrimSuffix(name, blobExt))
			if err != nil {
				continue
			}
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Count returns the number of stored blobs.
func (s *FSStore) Count(ctx context.Context) (int, error) {
	keys, err := s.AllKeys(ctx)
	return len(keys), err
}

// NewWriter starts a streaming write into the store.
func (s *FSStore) NewWriter() (*Writer, error) {
	return newWriter(s)
}

// prefixDirs lists the two-character fan-out directories.
func (s *FSStore) prefixDirs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read blob root: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && len(e.Name()) == 2 && isHex(e.Name()) {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs, nil
}

// blobPath returns the filesystem path for a blob.
func (s *FSStore) blobPath(key Key) string {
	h := key.String()
	return filepath.Join(s.root, h[:2], h[2:]+blobExt)
}

func (s *FSStore) tmpDir() string {
	return filepath.Join(s.root, tmpDirName)
}

func isHex(s string) bool {
	for _, c := range s {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}
