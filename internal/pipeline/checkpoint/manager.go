// Package checkpoint owns per-shard stream positions. The manager is the
// sole writer of checkpoint state: positions only advance, and only after
// the assembler layer has durably accepted the corresponding batch.
package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/tiger/relay-telemetry-pipeline/api/telemetry"
	"github.com/tiger/relay-telemetry-pipeline/internal/provider/contracts"
)

// Manager serializes checkpoint commits per shard and enforces that
// committed positions never decrease.
type Manager struct {
	store contracts.CheckpointStore

	mu        sync.Mutex
	committed map[telemetry.ShardID]telemetry.Position
}

// NewManager wraps a checkpoint store.
func NewManager(store contracts.CheckpointStore) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	return &Manager{
		store:     store,
		committed: make(map[telemetry.ShardID]telemetry.Position),
	}, nil
}

// Resume returns the last committed position for a shard, loading it from
// the store on first use. ok=false means the shard starts from the
// beginning of its retained window.
func (m *Manager) Resume(ctx context.Context, shard telemetry.ShardID) (telemetry.Position, bool, error) {
	if shard == "" {
		return "", false, fmt.Errorf("shard is required")
	}

	m.mu.Lock()
	if position, ok := m.committed[shard]; ok {
		m.mu.Unlock()
		return position, true, nil
	}
	m.mu.Unlock()

	position, ok, err := m.store.Load(ctx, shard)
	if err != nil {
		return "", false, fmt.Errorf("load checkpoint %s: %w", shard, err)
	}
	if !ok {
		return "", false, nil
	}

	m.mu.Lock()
	m.committed[shard] = position
	m.mu.Unlock()
	return position, true, nil
}

// Commit durably advances a shard's position. Positions at or behind the
// committed one are accepted as no-ops so redelivered batches stay cheap.
func (m *Manager) Commit(ctx context.Context, shard telemetry.ShardID, position telemetry.Position) error {
	if shard == "" {
		return fmt.Errorf("shard is required")
	}
	if position == "" {
		return fmt.Errorf("position is required")
	}

	m.mu.Lock()
	current, ok := m.committed[shard]
	if ok && !positionAfter(position, current) {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.store.Save(ctx, shard, position); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", shard, err)
	}

	m.mu.Lock()
	// Re-check under lock; a concurrent commit may have advanced further.
	if current, ok := m.committed[shard]; !ok || positionAfter(position, current) {
		m.committed[shard] = position
	}
	m.mu.Unlock()
	return nil
}

// Committed returns the in-memory committed position for a shard.
func (m *Manager) Committed(shard telemetry.ShardID) (telemetry.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	position, ok := m.committed[shard]
	return position, ok
}

// positionAfter orders opaque stream positions. Positions are decimal
// strings of arbitrary length (stream sequence numbers), so shorter strings
// order before longer ones.
func positionAfter(a, b telemetry.Position) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}
