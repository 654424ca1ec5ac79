// Package memory provides a deterministic in-memory metadata/checkpoint
// store for tests and the local runner path.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/tiger/relay-telemetry-pipeline/api/archive"
	"github.com/tiger/relay-telemetry-pipeline/api/telemetry"
	"github.com/tiger/relay-telemetry-pipeline/internal/provider/contracts"
)

// Store holds archive index records and shard checkpoints in memory.
type Store struct {
	mu          sync.Mutex
	records     map[string]archive.Record
	checkpoints map[telemetry.ShardID]telemetry.Position

	failNextPut int
	failNextGet int
	putCount    int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		records:     make(map[string]archive.Record),
		checkpoints: make(map[telemetry.ShardID]telemetry.Position),
	}
}

// GetRecord returns the archive record for a session.
func (s *Store) GetRecord(_ context.Context, sessionID string) (archive.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNextGet > 0 {
		s.failNextGet--
		return archive.Record{}, contracts.TransientError{Op: "metadata get", Err: fmt.Errorf("injected failure")}
	}
	record, ok := s.records[sessionID]
	if !ok {
		return archive.Record{}, contracts.NotFoundError{Kind: "archive record", Key: sessionID}
	}
	return record, nil
}

// PutRecord stores an archive record.
func (s *Store) PutRecord(_ context.Context, record archive.Record) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("invalid archive record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNextPut > 0 {
		s.failNextPut--
		return contracts.TransientError{Op: "metadata put", Err: fmt.Errorf("injected failure")}
	}
	s.records[record.SessionID] = record
	s.putCount++
	return nil
}

// Load returns the stored checkpoint for a shard.
func (s *Store) Load(_ context.Context, shard telemetry.ShardID) (telemetry.Position, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	position, ok := s.checkpoints[shard]
	return position, ok, nil
}

// Save stores a shard checkpoint.
func (s *Store) Save(_ context.Context, shard telemetry.ShardID, position telemetry.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[shard] = position
	return nil
}

// FailNextGets makes the next n record reads fail transiently.
func (s *Store) FailNextGets(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextGet = n
}

// FailNextPuts makes the next n record writes fail transiently.
func (s *Store) FailNextPuts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextPut = n
}

// PutCount returns how many record writes succeeded.
func (s *Store) PutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putCount
}
