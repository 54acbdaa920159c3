// Package memory provides an in-memory implementation of storage.Store
// backed by github.com/hashicorp/golang-lru/v2.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ggoodman/portlink-go/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Store implements storage.Store in memory. When maxItems is reached the
// least recently used key is evicted. Pinned keys never count against
// maxItems and are never evicted. A byte quota, when set, rejects writes
// instead.
type Store struct {
	mu       sync.Mutex
	cache    *lru.Cache[string, []byte]
	pins     []string
	pinned   map[string][]byte
	maxBytes int
	used     int
	closed   bool
}

// Option configures a Store.
type Option func(*Store)

// WithMaxBytes caps the total size of stored values. Writes that would exceed
// it fail with storage.ErrQuotaExceeded.
func WithMaxBytes(n int) Option {
	return func(s *Store) { s.maxBytes = n }
}

// WithPinned keeps keys starting with any of the prefixes out of the LRU.
func WithPinned(prefixes ...string) Option {
	return func(s *Store) { s.pins = append(s.pins, prefixes...) }
}

// New creates a new in-memory store.
func New(maxItems int, opts ...Option) (*Store, error) {
	s := &Store{pinned: make(map[string][]byte)}
	cache, err := lru.NewWithEvict[string, []byte](maxItems, func(_ string, v []byte) {
		s.used -= len(v)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	s.cache = cache
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) isPinned(key string) bool {
	for _, p := range s.pins {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

func (s *Store) peek(key string) ([]byte, bool) {
	if v, ok := s.pinned[key]; ok {
		return v, true
	}
	return s.cache.Peek(key)
}

func (s *Store) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := s.pinned[k]; ok {
			out[k] = append([]byte(nil), v...)
		} else if v, ok := s.cache.Get(k); ok {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (s *Store) Set(ctx context.Context, items map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	if s.maxBytes > 0 {
		projected := s.used
		for k, v := range items {
			if old, ok := s.peek(k); ok {
				projected -= len(old)
			}
			projected += len(v)
		}
		if projected > s.maxBytes {
			return fmt.Errorf("%w: %d of %d bytes", storage.ErrQuotaExceeded, projected, s.maxBytes)
		}
	}
	for k, v := range items {
		s.remove(k)
		s.used += len(v)
		if s.isPinned(k) {
			s.pinned[k] = append([]byte(nil), v...)
			continue
		}
		s.cache.Add(k, append([]byte(nil), v...))
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	for _, k := range keys {
		s.remove(k)
	}
	return nil
}

func (s *Store) remove(key string) {
	if old, ok := s.pinned[key]; ok {
		s.used -= len(old)
		delete(s.pinned, key)
	}
	// Removal runs the evict callback, which releases the old size.
	s.cache.Remove(key)
}

// Keys lists the evictable keys oldest first, followed by the pinned keys
// in lexical order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	pinned := make([]string, 0, len(s.pinned))
	for k := range s.pinned {
		pinned = append(pinned, k)
	}
	sort.Strings(pinned)
	return append(s.cache.Keys(), pinned...)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
	s.pinned = map[string][]byte{}
	s.closed = true
	return nil
}

// Compile-time interface check
var _ storage.Store = (*Store)(nil)
