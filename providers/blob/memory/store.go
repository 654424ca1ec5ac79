// Package memory provides a deterministic in-memory blob store for tests
// and the local runner path.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/tiger/relay-telemetry-pipeline/internal/provider/contracts"
)

type object struct {
	data   []byte
	digest string
}

// Store holds blobs in memory with digest-aware idempotent puts.
type Store struct {
	mu      sync.Mutex
	objects map[string]object

	failNextPut int
	putCount    int
}

// NewStore returns an empty blob store.
func NewStore() *Store {
	return &Store{objects: make(map[string]object)}
}

// Put stores data under key. A matching existing digest is an idempotent
// no-op; a mismatch is a conflict.
func (s *Store) Put(_ context.Context, key string, data []byte, digest string) error {
	if key == "" {
		return fmt.Errorf("blob key is required")
	}
	if len(data) == 0 {
		return fmt.Errorf("blob data is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNextPut > 0 {
		s.failNextPut--
		return contracts.TransientError{Op: "blob put", Err: fmt.Errorf("injected failure")}
	}
	if existing, ok := s.objects[key]; ok {
		if existing.digest == digest {
			return nil
		}
		return contracts.ConflictError{Key: key, ExistingDigest: existing.digest, AttemptDigest: digest}
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	s.objects[key] = object{data: stored, digest: digest}
	s.putCount++
	return nil
}

// Get returns the blob stored under key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.objects[key]
	if !ok {
		return nil, contracts.NotFoundError{Kind: "blob", Key: key}
	}
	out := make([]byte, len(existing.data))
	copy(out, existing.data)
	return out, nil
}

// FailNextPuts makes the next n puts fail transiently.
func (s *Store) FailNextPuts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextPut = n
}

// PutCount returns how many distinct object writes succeeded.
func (s *Store) PutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putCount
}
