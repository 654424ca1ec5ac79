package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tiger/relay-telemetry-pipeline/api/archive"
	"github.com/tiger/relay-telemetry-pipeline/api/telemetry"
	"github.com/tiger/relay-telemetry-pipeline/internal/gateway/auth"
	"github.com/tiger/relay-telemetry-pipeline/internal/gateway/cache"
	"github.com/tiger/relay-telemetry-pipeline/internal/pipeline/assembler"
	"github.com/tiger/relay-telemetry-pipeline/internal/provider/contracts"
	"github.com/tiger/relay-telemetry-pipeline/internal/runtime/retry"
	metamemory "github.com/tiger/relay-telemetry-pipeline/providers/metadata/memory"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func fixedNow() time.Time {
	return time.Unix(1_700_000_000, 0)
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

type trackingArchiver struct{}

func (a *trackingArchiver) ArchiveSession(_ context.Context, sessionID string, log []byte) (archive.Record, error) {
	return archive.Record{
		SessionID:      sessionID,
		ContentHash:    "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		CompressedSize: int64(len(log)),
		StorageKey:     archive.StorageKey(sessionID, "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"),
		CreatedAtMS:    1,
	}, nil
}

type harness struct {
	service  *Service
	meta     *metamemory.Store
	registry *assembler.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	meta := metamemory.NewStore()
	verifier, err := auth.NewVerifier(testKey, fixedNow)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	records, err := cache.New(cache.Config{MaxEntries: 16, MaxBytes: 1 << 20})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	registry, err := assembler.NewRegistry(assembler.Config{}, &trackingArchiver{}, meta, fastPolicy())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(registry.Close)

	service, err := New(Config{MetadataRetry: fastPolicy()}, verifier, records, meta, registry)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{service: service, meta: meta, registry: registry}
}

func (h *harness) seedRecord(t *testing.T, sessionID string) archive.Record {
	t.Helper()
	record := archive.Record{
		SessionID:      sessionID,
		ContentHash:    "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		CompressedSize: 10,
		StorageKey:     archive.StorageKey(sessionID, "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"),
		CreatedAtMS:    1,
	}
	if err := h.meta.PutRecord(context.Background(), record); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	return record
}

func readToken(t *testing.T) string {
	t.Helper()
	token, err := auth.Mint(testKey, "player-1", auth.ScopeSessionRead, fixedNow().Add(time.Hour))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return token
}

func TestGetSessionFound(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	want := h.seedRecord(t, "s1")

	got, err := h.service.GetSession(context.Background(), readToken(t), "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.StorageKey != want.StorageKey {
		t.Fatalf("record = %+v, want %+v", got, want)
	}
}

func TestGetSessionCachesFoundRecords(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seedRecord(t, "s1")
	token := readToken(t)

	if _, err := h.service.GetSession(context.Background(), token, "s1"); err != nil {
		t.Fatalf("first GetSession: %v", err)
	}

	// A persistent store outage is invisible for a cached session.
	h.meta.FailNextGets(100)
	if _, err := h.service.GetSession(context.Background(), token, "s1"); err != nil {
		t.Fatalf("cached GetSession: %v", err)
	}
}

func TestGetSessionNotFoundIsNotCached(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	token := readToken(t)

	_, err := h.service.GetSession(context.Background(), token, "s1")
	if !contracts.IsNotFound(err) {
		t.Fatalf("err = %v, want not-found", err)
	}

	// The session archives after the miss; the next call must see it.
	h.seedRecord(t, "s1")
	if _, err := h.service.GetSession(context.Background(), token, "s1"); err != nil {
		t.Fatalf("GetSession after archive: %v", err)
	}
}

func TestGetSessionRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seedRecord(t, "s1")
	h.meta.FailNextGets(2)

	if _, err := h.service.GetSession(context.Background(), readToken(t), "s1"); err != nil {
		t.Fatalf("GetSession: %v", err)
	}
}

func TestGetSessionUnavailableAfterBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seedRecord(t, "s1")
	h.meta.FailNextGets(100)

	_, err := h.service.GetSession(context.Background(), readToken(t), "s1")
	var unavailable UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want UnavailableError", err)
	}
}

func TestGetSessionRejectsBadTokens(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seedRecord(t, "s1")

	expired, err := auth.Mint(testKey, "player-1", auth.ScopeSessionRead, fixedNow().Add(-time.Minute))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	wrongScope, err := auth.Mint(testKey, "player-1", "session:write", fixedNow().Add(time.Hour))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	if _, err := h.service.GetSession(context.Background(), expired, "s1"); err == nil {
		t.Fatalf("expected rejection for expired token")
	} else {
		var unauthorized auth.UnauthorizedError
		if !errors.As(err, &unauthorized) {
			t.Fatalf("err = %v, want UnauthorizedError", err)
		}
	}

	_, err = h.service.GetSession(context.Background(), wrongScope, "s1")
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("err = %v, want ForbiddenError", err)
	}
}

func TestSubscribeSessionAuthBeforeLookup(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	expired, err := auth.Mint(testKey, "player-1", auth.ScopeSessionRead, fixedNow().Add(-time.Minute))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	// An expired token is rejected even for a session that does not exist,
	// so probing session ids without credentials is impossible.
	_, _, err = h.service.SubscribeSession(context.Background(), expired, "missing")
	var unauthorized auth.UnauthorizedError
	if !errors.As(err, &unauthorized) {
		t.Fatalf("err = %v, want UnauthorizedError", err)
	}
}

func TestSubscribeSessionLive(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	for seq := uint64(1); seq <= 2; seq++ {
		event := telemetry.Event{
			SessionID:    "s1",
			Sequence:     seq,
			Kind:         telemetry.KindPayload,
			Payload:      []byte(fmt.Sprintf("frame-%d", seq)),
			SourceID:     "relay-a",
			ObservedAtMS: int64(seq),
		}
		if err := h.registry.Accept(ctx, event); err != nil {
			t.Fatalf("accept seq=%d: %v", seq, err)
		}
	}

	ch, cancel, err := h.service.SubscribeSession(ctx, readToken(t), "s1")
	if err != nil {
		t.Fatalf("SubscribeSession: %v", err)
	}
	defer cancel()

	for want := uint64(1); want <= 2; want++ {
		select {
		case event := <-ch:
			if event.Sequence != want {
				t.Fatalf("event seq = %d, want %d", event.Sequence, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for backlog event %d", want)
		}
	}
}

func TestSubscribeSessionUnknown(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, _, err := h.service.SubscribeSession(context.Background(), readToken(t), "missing")
	if !contracts.IsNotFound(err) {
		t.Fatalf("err = %v, want not-found", err)
	}
}
