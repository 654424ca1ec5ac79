package telemetry

import (
	"fmt"
	"strings"
)

// EventKind distinguishes relay payload frames from lifecycle frames.
type EventKind string

const (
	KindPayload    EventKind = "payload"
	KindSessionEnd EventKind = "session_end"
)

// SessionState is the assembler-owned session lifecycle state.
type SessionState string

const (
	StateNew        SessionState = "new"
	StateActive     SessionState = "active"
	StateFinalizing SessionState = "finalizing"
	StateArchived   SessionState = "archived"
	StateExpired    SessionState = "expired"
)

// ShardID identifies one independently-ordered stream partition.
type ShardID string

// Position is an opaque per-shard stream position. Empty means the
// beginning of the shard's retained window.
type Position string

// Event is one telemetry frame emitted by a game-hosting relay node.
// Events are immutable once emitted by the protocol layer.
type Event struct {
	SessionID    string    `json:"session_id"`
	Sequence     uint64    `json:"sequence"`
	Kind         EventKind `json:"kind"`
	Payload      []byte    `json:"payload,omitempty"`
	SourceID     string    `json:"source_id"`
	ObservedAtMS int64     `json:"observed_at_ms"`
}

// Batch is one ordered slice of events fetched from a shard.
type Batch struct {
	Shard  ShardID
	Events []Event
	Next   Position
}

// Validate enforces envelope requirements.
func (e Event) Validate() error {
	if strings.TrimSpace(e.SessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	if e.Kind != KindPayload && e.Kind != KindSessionEnd {
		return fmt.Errorf("invalid event kind: %q", e.Kind)
	}
	if e.Kind == KindPayload && len(e.Payload) == 0 {
		return fmt.Errorf("payload is required for kind=payload")
	}
	if strings.TrimSpace(e.SourceID) == "" {
		return fmt.Errorf("source_id is required")
	}
	if e.ObservedAtMS < 0 {
		return fmt.Errorf("observed_at_ms must be >= 0")
	}
	return nil
}

// Validate enforces known session states.
func (s SessionState) Validate() error {
	switch s {
	case StateNew, StateActive, StateFinalizing, StateArchived, StateExpired:
		return nil
	default:
		return fmt.Errorf("invalid session state: %q", s)
	}
}

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	return s == StateArchived || s == StateExpired
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to SessionState) bool {
	switch from {
	case StateNew:
		return to == StateActive
	case StateActive:
		return to == StateFinalizing
	case StateFinalizing:
		return to == StateArchived || to == StateExpired
	default:
		return false
	}
}
