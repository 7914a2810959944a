package blobstore

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

var _ BlobStore = (*Cached)(nil)

// Cached is an FSStore with a least-recently-used cache of blob bodies.
// Only Fetch results are cached, and only bodies up to maxBytes long.
// Writes and streams pass through to the underlying store.
type Cached struct {
	*FSStore
	c        *lru.Cache // Key->[]byte
	maxBytes int64
}

// NewCached wraps s with a cache holding up to size blobs of at most maxBytes each.
func NewCached(s *FSStore, size int, maxBytes int64) (*Cached, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create blob cache: %w", err)
	}
	return &Cached{FSStore: s, c: c, maxBytes: maxBytes}, nil
}

// Fetch returns a blob body, from the cache when possible.
// The returned slice is shared and must not be modified.
func (s *Cached) Fetch(ctx context.Context, key Key) ([]byte, error) {
	if v, ok := s.c.Get(key); ok {
		return v.([]byte), nil
	}
	data, err := s.FSStore.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) <= s.maxBytes {
		s.c.Add(key, data)
	}
	return data, nil
}

// Delete removes a blob and evicts it from the cache.
func (s *Cached) Delete(ctx context.Context, key Key) error {
	s.c.Remove(key)
	return s.FSStore.Delete(ctx, key)
}

// DeleteAll removes every blob and empties the cache.
func (s *Cached) DeleteAll(ctx context.Context) error {
	s.c.Purge()
	return s.FSStore.DeleteAll(ctx)
}

// Len returns the number of cached bodies.
func (s *Cached) Len() int {
	return s.c.Len()
}
