package integration_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/tiger/relay-telemetry-pipeline/api/archive"
	"github.com/tiger/relay-telemetry-pipeline/api/telemetry"
	"github.com/tiger/relay-telemetry-pipeline/internal/gateway"
	"github.com/tiger/relay-telemetry-pipeline/internal/gateway/auth"
	"github.com/tiger/relay-telemetry-pipeline/internal/gateway/cache"
	"github.com/tiger/relay-telemetry-pipeline/internal/pipeline/archiver"
	"github.com/tiger/relay-telemetry-pipeline/internal/pipeline/assembler"
	"github.com/tiger/relay-telemetry-pipeline/internal/pipeline/checkpoint"
	"github.com/tiger/relay-telemetry-pipeline/internal/pipeline/tailer"
	"github.com/tiger/relay-telemetry-pipeline/internal/runtime/retry"
	blobmemory "github.com/tiger/relay-telemetry-pipeline/providers/blob/memory"
	metamemory "github.com/tiger/relay-telemetry-pipeline/providers/metadata/memory"
	streammemory "github.com/tiger/relay-telemetry-pipeline/providers/stream/memory"
)

var hmacKey = []byte("0123456789abcdef0123456789abcdef")

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 4, BaseInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

// pipeline wires stream -> tailer -> assembler -> archiver -> stores the
// way the consumer binary does, on in-memory providers.
type pipeline struct {
	stream   *streammemory.Stream
	blob     *blobmemory.Store
	meta     *metamemory.Store
	registry *assembler.Registry
	manager  *checkpoint.Manager
	consumer *tailer.Tailer
}

func startPipeline(t *testing.T, stream *streammemory.Stream, blob *blobmemory.Store, meta *metamemory.Store) *pipeline {
	t.Helper()

	arch, err := archiver.New(archiver.Config{
		BlobRetry:     fastPolicy(),
		MetadataRetry: fastPolicy(),
	}, blob, meta)
	if err != nil {
		t.Fatalf("archiver.New: %v", err)
	}
	t.Cleanup(func() { _ = arch.Close() })

	registry, err := assembler.NewRegistry(assembler.Config{ReorderWindow: 4}, arch, meta, fastPolicy())
	if err != nil {
		t.Fatalf("assembler.NewRegistry: %v", err)
	}
	registry.Start()
	t.Cleanup(registry.Close)

	manager, err := checkpoint.NewManager(meta)
	if err != nil {
		t.Fatalf("checkpoint.NewManager: %v", err)
	}
	consumer, err := tailer.New(tailer.Config{
		PollInterval: time.Millisecond,
		StreamRetry:  fastPolicy(),
	}, stream, registry, manager)
	if err != nil {
		t.Fatalf("tailer.New: %v", err)
	}
	if err := consumer.Start(context.Background()); err != nil {
		t.Fatalf("tailer.Start: %v", err)
	}
	t.Cleanup(consumer.Close)

	return &pipeline{stream: stream, blob: blob, meta: meta, registry: registry, manager: manager, consumer: consumer}
}

func payloadEvent(sessionID string, seq uint64) telemetry.Event {
	return telemetry.Event{
		SessionID:    sessionID,
		Sequence:     seq,
		Kind:         telemetry.KindPayload,
		Payload:      []byte(fmt.Sprintf("frame-%d", seq)),
		SourceID:     "relay-eu-1",
		ObservedAtMS: int64(seq),
	}
}

func endEvent(sessionID string, seq uint64) telemetry.Event {
	return telemetry.Event{
		SessionID:    sessionID,
		Sequence:     seq,
		Kind:         telemetry.KindSessionEnd,
		SourceID:     "relay-eu-1",
		ObservedAtMS: int64(seq),
	}
}

func waitRecord(t *testing.T, meta *metamemory.Store, sessionID string) archive.Record {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		record, err := meta.GetRecord(context.Background(), sessionID)
		if err == nil {
			return record
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session %s was never archived", sessionID)
	return archive.Record{}
}

func decodeArchivedLog(t *testing.T, blob *blobmemory.Store, record archive.Record) []archive.Frame {
	t.Helper()

	compressed, err := blob.Get(context.Background(), record.StorageKey)
	if err != nil {
		t.Fatalf("blob.Get: %v", err)
	}
	sum := sha256.Sum256(compressed)
	if digest := hex.EncodeToString(sum[:]); digest != record.ContentHash {
		t.Fatalf("digest mismatch: record %s, blob %s", record.ContentHash, digest)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("zstd.NewReader: %v", err)
	}
	defer decoder.Close()
	raw, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	frames, err := archive.DecodeLog(raw)
	if err != nil {
		t.Fatalf("DecodeLog: %v", err)
	}
	return frames
}

func TestStreamToArchiveEndToEnd(t *testing.T) {
	t.Parallel()

	stream := streammemory.NewStream(3)
	// Duplicated, reordered delivery of one session across one shard.
	stream.Append("shard-1",
		payloadEvent("game-1", 1),
		payloadEvent("game-1", 2),
		payloadEvent("game-1", 2),
		payloadEvent("game-1", 4),
		payloadEvent("game-1", 3),
		endEvent("game-1", 5),
	)
	// An unrelated session on a second shard.
	stream.Append("shard-2",
		payloadEvent("game-2", 1),
		endEvent("game-2", 2),
	)

	blob := blobmemory.NewStore()
	meta := metamemory.NewStore()
	p := startPipeline(t, stream, blob, meta)

	record := waitRecord(t, meta, "game-1")
	frames := decodeArchivedLog(t, blob, record)

	wantSequences := []uint64{1, 2, 3, 4, 5}
	if len(frames) != len(wantSequences) {
		t.Fatalf("frames = %+v, want %d entries", frames, len(wantSequences))
	}
	for i, frame := range frames {
		if frame.Sequence != wantSequences[i] {
			t.Fatalf("frame[%d] seq = %d, want %d", i, frame.Sequence, wantSequences[i])
		}
		wantKind := archive.FrameEvent
		if i == len(frames)-1 {
			wantKind = archive.FrameEnd
		}
		if frame.Kind != wantKind {
			t.Fatalf("frame[%d] kind = %s, want %s", i, frame.Kind, wantKind)
		}
	}

	waitRecord(t, meta, "game-2")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if position, ok := p.manager.Committed("shard-1"); ok && position == "6" {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if position, _ := p.manager.Committed("shard-1"); position != "6" {
		t.Fatalf("shard-1 checkpoint = %q, want 6", position)
	}
}

func TestRestartRedeliveryArchivesOnce(t *testing.T) {
	t.Parallel()

	events := []telemetry.Event{
		payloadEvent("game-1", 1),
		payloadEvent("game-1", 2),
		endEvent("game-1", 3),
	}

	stream := streammemory.NewStream(8)
	stream.Append("shard-1", events...)
	blob := blobmemory.NewStore()
	meta := metamemory.NewStore()

	first := startPipeline(t, stream, blob, meta)
	waitRecord(t, meta, "game-1")
	first.consumer.Close()
	first.registry.Close()

	// A crashed consumer that never committed its checkpoint re-reads the
	// shard from the beginning.
	fresh := metamemory.NewStore()
	if err := fresh.PutRecord(context.Background(), mustRecord(t, meta, "game-1")); err != nil {
		t.Fatalf("carry record: %v", err)
	}
	second := startPipeline(t, stream, blob, fresh)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if position, ok := second.manager.Committed("shard-1"); ok && position == "3" {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	if got := blob.PutCount(); got != 1 {
		t.Fatalf("distinct blob writes after redelivery = %d, want 1", got)
	}
	stats := second.registry.Stats()
	if stats.ArchivedSessions != 1 || stats.LiveSessions != 0 {
		t.Fatalf("stats = %+v, want the session recognized as archived", stats)
	}
}

func mustRecord(t *testing.T, meta *metamemory.Store, sessionID string) archive.Record {
	t.Helper()
	record, err := meta.GetRecord(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	return record
}

func TestGatewayOverArchivedAndLiveSessions(t *testing.T) {
	t.Parallel()

	stream := streammemory.NewStream(8)
	stream.Append("shard-1",
		payloadEvent("game-1", 1),
		payloadEvent("game-1", 2),
		endEvent("game-1", 3),
	)
	stream.Append("shard-1", payloadEvent("game-2", 1))

	blob := blobmemory.NewStore()
	meta := metamemory.NewStore()
	p := startPipeline(t, stream, blob, meta)
	waitRecord(t, meta, "game-1")

	verifier, err := auth.NewVerifier(hmacKey, nil)
	if err != nil {
		t.Fatalf("auth.NewVerifier: %v", err)
	}
	records, err := cache.New(cache.Config{MaxEntries: 16, MaxBytes: 1 << 20})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	service, err := gateway.New(gateway.Config{MetadataRetry: fastPolicy()}, verifier, records, meta, p.registry)
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}

	token, err := auth.Mint(hmacKey, "player-1", auth.ScopeSessionRead, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("auth.Mint: %v", err)
	}

	record, err := service.GetSession(context.Background(), token, "game-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if record.SessionID != "game-1" {
		t.Fatalf("record = %+v", record)
	}

	// game-2 never ended, so it is live and subscribable.
	deadline := time.Now().Add(3 * time.Second)
	var events <-chan telemetry.Event
	var cancel func()
	for time.Now().Before(deadline) {
		events, cancel, err = service.SubscribeSession(context.Background(), token, "game-2")
		if err == nil {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("SubscribeSession: %v", err)
	}
	defer cancel()

	select {
	case event := <-events:
		if event.SessionID != "game-2" || event.Sequence != 1 {
			t.Fatalf("event = %+v", event)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for backlog event")
	}
}
