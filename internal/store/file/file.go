// Package file implements the development store backend: an in-memory map
// mirrored synchronously to a single local JSON file after every mutation, so
// state survives process restarts without any provisioned infrastructure.
//
// This backend is intended for development and single-process deployments
// only. Writes are serialised by a mutex within the process, but nothing
// protects the backing file from a second independent process — do not share
// one file between processes. The file is rewritten in full on every
// mutation, which is acceptable at development scale.
//
// TTL semantics drift from the networked backends in one documented way:
// expiry is emulated by storing the creation time and checking elapsed time
// on read. Expired entries are treated as absent and lazily dropped from
// memory, but they are not scrubbed from the file until the next mutation
// rewrites it. Acceptable for development only.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/recipegate/recipegate/internal/config"
	"github.com/recipegate/recipegate/internal/store"
)

func init() {
	store.Register("file", func(cfg *config.Config) (store.Store, error) {
		return New(cfg.Store.File.Path)
	})
}

// entry is one stored value plus the bookkeeping needed for read-time expiry.
type entry struct {
	Value      []byte    `json:"value"`
	CreatedAt  time.Time `json:"createdAt"`
	TTLSeconds int64     `json:"ttlSeconds,omitempty"`
}

func (e entry) expired(now time.Time) bool {
	return e.TTLSeconds > 0 && now.After(e.CreatedAt.Add(time.Duration(e.TTLSeconds)*time.Second))
}

// document is the on-disk layout: one JSON object with a top-level map per
// record kind, plus an "index" map for enumeration-index keys. Keys are
// routed to a map by their namespace prefix (the segment before the first
// colon), which keeps the file diffable by record kind during development.
type document struct {
	Recipes   map[string]entry `json:"recipes"`
	Purchases map[string]entry `json:"purchases"`
	Pending   map[string]entry `json:"pending"`
	Index     map[string]entry `json:"index,omitempty"`
}

// FileStore implements store.Store over a single mirrored JSON document.
type FileStore struct {
	path string

	mu     sync.Mutex
	loaded bool
	doc    document
}

// New creates a file-backed store mirroring to path. The file itself is
// loaded lazily on first access, so constructing the store never fails on a
// missing or empty file.
func New(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file store: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("file store: creating data directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Put writes value under key and rewrites the backing file.
func (s *FileStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	s.bucketFor(key)[key] = entry{
		Value:      stored,
		CreatedAt:  time.Now().UTC(),
		TTLSeconds: int64(ttl / time.Second),
	}
	return s.flush()
}

// Get returns the live value for key. Expired entries are dropped from the
// in-memory map and reported as absent; the file copy is left for the next
// mutation to scrub.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}

	bucket := s.bucketFor(key)
	e, ok := bucket[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	if e.expired(time.Now().UTC()) {
		delete(bucket, key)
		return nil, store.ErrNotFound
	}

	out := make([]byte, len(e.Value))
	copy(out, e.Value)
	return out, nil
}

// Delete removes key and rewrites the backing file. Absent keys are a no-op.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}

	bucket := s.bucketFor(key)
	if _, ok := bucket[key]; !ok {
		return nil
	}
	delete(bucket, key)
	return s.flush()
}

// ListKeys returns live keys beginning with prefix, up to limit (0 = all).
func (s *FileStore) ListKeys(ctx context.Context, prefix string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var keys []string
	for _, bucket := range []map[string]entry{s.doc.Recipes, s.doc.Purchases, s.doc.Pending, s.doc.Index} {
		for k, e := range bucket {
			if !strings.HasPrefix(k, prefix) || e.expired(now) {
				continue
			}
			keys = append(keys, k)
			if limit > 0 && len(keys) >= limit {
				return keys, nil
			}
		}
	}
	return keys, nil
}

// bucketFor routes a key to its top-level map by namespace prefix.
// Callers must hold s.mu.
func (s *FileStore) bucketFor(key string) map[string]entry {
	switch {
	case strings.HasPrefix(key, "purchase:"):
		return s.doc.Purchases
	case strings.HasPrefix(key, "pending:"):
		return s.doc.Pending
	case strings.HasPrefix(key, "index:"):
		return s.doc.Index
	default:
		return s.doc.Recipes
	}
}

// ensureLoaded reads the backing file into memory on first access.
// Callers must hold s.mu.
func (s *FileStore) ensureLoaded() error {
	if s.loaded {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: reading %s: %v", store.ErrUnavailable, s.path, err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.doc); err != nil {
			return fmt.Errorf("%w: parsing %s: %v", store.ErrUnavailable, s.path, err)
		}
	}

	if s.doc.Recipes == nil {
		s.doc.Recipes = make(map[string]entry)
	}
	if s.doc.Purchases == nil {
		s.doc.Purchases = make(map[string]entry)
	}
	if s.doc.Pending == nil {
		s.doc.Pending = make(map[string]entry)
	}
	if s.doc.Index == nil {
		s.doc.Index = make(map[string]entry)
	}

	s.loaded = true
	return nil
}

// flush rewrites the entire backing file. Callers must hold s.mu.
func (s *FileStore) flush() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding store document: %v", store.ErrUnavailable, err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("%w: writing %s: %v", store.ErrUnavailable, s.path, err)
	}
	return nil
}
