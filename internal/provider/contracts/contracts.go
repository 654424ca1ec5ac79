// Package contracts defines the capability interfaces the pipeline consumes
// from concrete stream/blob/metadata providers, plus the shared error
// taxonomy providers normalize into.
package contracts

import (
	"context"
	"errors"
	"fmt"

	"github.com/tiger/relay-telemetry-pipeline/api/archive"
	"github.com/tiger/relay-telemetry-pipeline/api/telemetry"
)

// StreamProvider reads ordered event batches from a sharded stream.
type StreamProvider interface {
	ListShards(ctx context.Context) ([]telemetry.ShardID, error)
	Fetch(ctx context.Context, shard telemetry.ShardID, position telemetry.Position) (telemetry.Batch, error)
}

// CheckpointStore persists the last durably-consumed position per shard.
type CheckpointStore interface {
	Load(ctx context.Context, shard telemetry.ShardID) (telemetry.Position, bool, error)
	Save(ctx context.Context, shard telemetry.ShardID, position telemetry.Position) error
}

// BlobStore stores finalized session logs under content-addressed keys.
// Put is idempotent for an identical key+digest pair and returns a
// ConflictError when the key exists with a different digest.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, digest string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// MetadataStore holds archive index records keyed by session id.
type MetadataStore interface {
	GetRecord(ctx context.Context, sessionID string) (archive.Record, error)
	PutRecord(ctx context.Context, record archive.Record) error
}

// NotFoundError reports a missing key/record/session.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// ConflictError reports a content-hash mismatch at an existing blob key.
// This signals a scoping bug or hash collision and must be surfaced, never
// retried blindly.
type ConflictError struct {
	Key            string
	ExistingDigest string
	AttemptDigest  string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("blob %q exists with digest %s, attempted %s", e.Key, e.ExistingDigest, e.AttemptDigest)
}

// TransientError wraps an infrastructure failure worth retrying within the
// owning layer's budget.
type TransientError struct {
	Op  string
	Err error
}

func (e TransientError) Error() string {
	return fmt.Sprintf("transient %s failure: %v", e.Op, e.Err)
}

func (e TransientError) Unwrap() error { return e.Err }

// FatalError wraps a failure that exhausts recovery at this layer; the
// affected unit of work halts and relies on external supervision.
type FatalError struct {
	Op  string
	Err error
}

func (e FatalError) Error() string {
	return fmt.Sprintf("fatal %s failure: %v", e.Op, e.Err)
}

func (e FatalError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a missing-key outcome.
func IsNotFound(err error) bool {
	var notFound NotFoundError
	return errors.As(err, &notFound)
}

// IsConflict reports whether err is a digest conflict.
func IsConflict(err error) bool {
	var conflict ConflictError
	return errors.As(err, &conflict)
}

// IsTransient reports whether err is retryable within a bounded budget.
func IsTransient(err error) bool {
	var transient TransientError
	return errors.As(err, &transient)
}

// IsFatal reports whether err exhausted recovery at the owning layer.
func IsFatal(err error) bool {
	var fatal FatalError
	return errors.As(err, &fatal)
}
