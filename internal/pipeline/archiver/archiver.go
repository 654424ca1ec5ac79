// Package archiver persists finalized session logs. Logs are compressed
// with zstd, content-addressed by the sha-256 of the compressed bytes, and
// indexed in the metadata store only after the blob upload succeeded. The
// content-addressed key makes redelivered finalizations idempotent: the
// same log lands on the same key with the same digest.
package archiver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/tiger/relay-telemetry-pipeline/api/archive"
	obs "github.com/tiger/relay-telemetry-pipeline/internal/observability/telemetry"
	"github.com/tiger/relay-telemetry-pipeline/internal/provider/contracts"
	"github.com/tiger/relay-telemetry-pipeline/internal/runtime/retry"
)

// Config bounds concurrent uploads and retry budgets.
type Config struct {
	Concurrency   int
	BlobRetry     retry.Policy
	MetadataRetry retry.Policy
	Now           func() time.Time
	Emitter       obs.Emitter
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 4
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Emitter == nil {
		c.Emitter = obs.NopEmitter{}
	}
	return c
}

// Archiver writes finalized session logs to blob storage and indexes them.
type Archiver struct {
	cfg     Config
	blob    contracts.BlobStore
	meta    contracts.MetadataStore
	encoder *zstd.Encoder
	slots   chan struct{}
}

// New constructs an archiver over the given stores.
func New(cfg Config, blob contracts.BlobStore, meta contracts.MetadataStore) (*Archiver, error) {
	if blob == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if meta == nil {
		return nil, fmt.Errorf("metadata store is required")
	}
	cfg = cfg.withDefaults()
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	return &Archiver{
		cfg:     cfg,
		blob:    blob,
		meta:    meta,
		encoder: encoder,
		slots:   make(chan struct{}, cfg.Concurrency),
	}, nil
}

// Close releases the shared compressor.
func (a *Archiver) Close() error {
	return a.encoder.Close()
}

// ArchiveSession compresses and uploads one finalized log, then writes its
// index record. The record is returned only after both writes succeeded, so
// a crash in between leaves an orphaned blob, never a dangling index entry.
func (a *Archiver) ArchiveSession(ctx context.Context, sessionID string, log []byte) (archive.Record, error) {
	if sessionID == "" {
		return archive.Record{}, fmt.Errorf("session id is required")
	}
	if len(log) == 0 {
		return archive.Record{}, fmt.Errorf("session log is empty")
	}

	select {
	case a.slots <- struct{}{}:
		defer func() { <-a.slots }()
	case <-ctx.Done():
		return archive.Record{}, ctx.Err()
	}

	compressed := a.encoder.EncodeAll(log, nil)
	sum := sha256.Sum256(compressed)
	digest := hex.EncodeToString(sum[:])
	key := archive.StorageKey(sessionID, digest)

	err := retry.Do(ctx, a.cfg.BlobRetry, func() error {
		return a.blob.Put(ctx, key, compressed, digest)
	})
	if err != nil {
		if contracts.IsConflict(err) {
			a.cfg.Emitter.EmitLog(obs.AlarmArchiveConflict, obs.SeverityError, err.Error(), obs.Correlation{SessionID: sessionID, StorageKey: key})
		}
		return archive.Record{}, fmt.Errorf("upload session log %s: %w", sessionID, err)
	}

	record := archive.Record{
		SessionID:      sessionID,
		ContentHash:    digest,
		CompressedSize: int64(len(compressed)),
		StorageKey:     key,
		CreatedAtMS:    a.cfg.Now().UnixMilli(),
	}
	err = retry.Do(ctx, a.cfg.MetadataRetry, func() error {
		return a.meta.PutRecord(ctx, record)
	})
	if err != nil {
		return archive.Record{}, fmt.Errorf("index session log %s: %w", sessionID, err)
	}
	return record, nil
}

// FetchSession loads and decompresses an archived session log by its index
// record.
func (a *Archiver) FetchSession(ctx context.Context, sessionID string) ([]archive.Frame, error) {
	var record archive.Record
	err := retry.Do(ctx, a.cfg.MetadataRetry, func() error {
		var getErr error
		record, getErr = a.meta.GetRecord(ctx, sessionID)
		return getErr
	})
	if err != nil {
		return nil, fmt.Errorf("lookup session %s: %w", sessionID, err)
	}

	var compressed []byte
	err = retry.Do(ctx, a.cfg.BlobRetry, func() error {
		var getErr error
		compressed, getErr = a.blob.Get(ctx, record.StorageKey)
		return getErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetch session log %s: %w", sessionID, err)
	}

	sum := sha256.Sum256(compressed)
	if digest := hex.EncodeToString(sum[:]); digest != record.ContentHash {
		return nil, fmt.Errorf("session log %s digest mismatch: stored %s, computed %s", sessionID, record.ContentHash, digest)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	defer decoder.Close()
	log, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress session log %s: %w", sessionID, err)
	}
	return archive.DecodeLog(log)
}
