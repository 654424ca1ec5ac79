// Package memory provides a deterministic in-memory sharded stream for
// tests and the local runner path. Positions are decimal offsets into each
// shard's retained event slice.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/tiger/relay-telemetry-pipeline/api/telemetry"
	"github.com/tiger/relay-telemetry-pipeline/internal/provider/contracts"
)

// Stream holds ordered events per shard.
type Stream struct {
	limit int

	mu            sync.Mutex
	shards        map[telemetry.ShardID][]telemetry.Event
	order         []telemetry.ShardID
	failNextFetch map[telemetry.ShardID]int
}

// NewStream returns an empty stream with the given per-fetch event limit.
func NewStream(limit int) *Stream {
	if limit < 1 {
		limit = 512
	}
	return &Stream{
		limit:         limit,
		shards:        make(map[telemetry.ShardID][]telemetry.Event),
		failNextFetch: make(map[telemetry.ShardID]int),
	}
}

// Append adds events to the tail of a shard.
func (s *Stream) Append(shard telemetry.ShardID, events ...telemetry.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shards[shard]; !ok {
		s.order = append(s.order, shard)
	}
	s.shards[shard] = append(s.shards[shard], events...)
}

// ListShards returns shard ids in creation order.
func (s *Stream) ListShards(_ context.Context) ([]telemetry.ShardID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]telemetry.ShardID, len(s.order))
	copy(out, s.order)
	return out, nil
}

// Fetch returns the next batch after position. An empty batch with an
// unchanged position means the shard is currently drained.
func (s *Stream) Fetch(_ context.Context, shard telemetry.ShardID, position telemetry.Position) (telemetry.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.failNextFetch[shard]; n > 0 {
		s.failNextFetch[shard] = n - 1
		return telemetry.Batch{}, contracts.TransientError{Op: "stream fetch", Err: fmt.Errorf("injected failure")}
	}

	events, ok := s.shards[shard]
	if !ok {
		return telemetry.Batch{}, contracts.NotFoundError{Kind: "shard", Key: string(shard)}
	}

	start := 0
	if position != "" {
		parsed, err := strconv.Atoi(string(position))
		if err != nil || parsed < 0 {
			return telemetry.Batch{}, fmt.Errorf("invalid position %q for shard %s", position, shard)
		}
		start = parsed
	}
	if start > len(events) {
		start = len(events)
	}

	end := start + s.limit
	if end > len(events) {
		end = len(events)
	}

	batch := telemetry.Batch{
		Shard:  shard,
		Events: append([]telemetry.Event(nil), events[start:end]...),
		Next:   telemetry.Position(strconv.Itoa(end)),
	}
	if start == end && position != "" {
		batch.Next = position
	}
	return batch, nil
}

// FailNextFetches makes the next n fetches for a shard fail transiently.
func (s *Stream) FailNextFetches(shard telemetry.ShardID, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextFetch[shard] = n
}
