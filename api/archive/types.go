package archive

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// FrameKind distinguishes finalized-log frame shapes.
type FrameKind string

const (
	FrameEvent FrameKind = "event"
	FrameGap   FrameKind = "gap"
	FrameEnd   FrameKind = "end"
)

// Frame is one entry of a finalized session log. Event frames carry the
// relay payload; gap frames mark sequence ranges lost beyond the reorder
// window; the end frame closes the log.
type Frame struct {
	Kind     FrameKind `json:"kind"`
	Sequence uint64    `json:"seq"`
	Payload  []byte    `json:"payload,omitempty"`
	GapFrom  uint64    `json:"gap_from,omitempty"`
	GapTo    uint64    `json:"gap_to,omitempty"`
}

// Record indexes one archived session. Immutable once written; the content
// hash is derived from the compressed bytes and never recomputed after the
// first successful upload.
type Record struct {
	SessionID      string `json:"session_id"`
	ContentHash    string `json:"content_hash"`
	CompressedSize int64  `json:"compressed_size"`
	StorageKey     string `json:"storage_key"`
	CreatedAtMS    int64  `json:"created_at_ms"`
}

// Validate enforces frame shape per kind.
func (f Frame) Validate() error {
	switch f.Kind {
	case FrameEvent:
		if len(f.Payload) == 0 {
			return fmt.Errorf("event frame requires payload")
		}
		if f.GapFrom != 0 || f.GapTo != 0 {
			return fmt.Errorf("event frame must not carry gap bounds")
		}
	case FrameGap:
		if f.GapFrom == 0 || f.GapTo < f.GapFrom {
			return fmt.Errorf("gap frame requires gap_from <= gap_to, both > 0")
		}
	case FrameEnd:
		if len(f.Payload) != 0 {
			return fmt.Errorf("end frame must not carry payload")
		}
	default:
		return fmt.Errorf("invalid frame kind: %q", f.Kind)
	}
	return nil
}

// Validate enforces index record requirements.
func (r Record) Validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	if len(r.ContentHash) != 64 {
		return fmt.Errorf("content_hash must be a hex sha-256 digest")
	}
	if r.CompressedSize < 1 {
		return fmt.Errorf("compressed_size must be >= 1")
	}
	if strings.TrimSpace(r.StorageKey) == "" {
		return fmt.Errorf("storage_key is required")
	}
	if r.CreatedAtMS < 0 {
		return fmt.Errorf("created_at_ms must be >= 0")
	}
	return nil
}

// EstimatedCost approximates resident bytes of a cached record.
func (r Record) EstimatedCost() int {
	return len(r.SessionID) + len(r.ContentHash) + len(r.StorageKey) + 24
}

// StorageKey derives the content-addressed blob key for a session log.
func StorageKey(sessionID, contentHash string) string {
	return fmt.Sprintf("games/%s/%s.log.zst", sessionID, contentHash)
}

// EncodeLog renders frames as deterministic JSONL in sequence order.
func EncodeLog(frames []Frame) ([]byte, error) {
	var buf bytes.Buffer
	for i, frame := range frames {
		if err := frame.Validate(); err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		line, err := json.Marshal(frame)
		if err != nil {
			return nil, fmt.Errorf("marshal frame %d: %w", i, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// DecodeLog parses a finalized JSONL session log.
func DecodeLog(data []byte) ([]Frame, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	frames := make([]Frame, 0, 64)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			return nil, fmt.Errorf("decode frame %d: %w", len(frames), err)
		}
		if err := frame.Validate(); err != nil {
			return nil, fmt.Errorf("frame %d: %w", len(frames), err)
		}
		frames = append(frames, frame)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan session log: %w", err)
	}
	return frames, nil
}
