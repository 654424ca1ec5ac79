// Package gateway is the edge read surface over archived and live
// sessions. Every operation authenticates before touching session state;
// reads go through the bounded record cache, then the metadata store under
// a bounded retry budget.
package gateway

import (
	"context"
	"fmt"

	"github.com/tiger/relay-telemetry-pipeline/api/archive"
	"github.com/tiger/relay-telemetry-pipeline/api/telemetry"
	"github.com/tiger/relay-telemetry-pipeline/internal/gateway/auth"
	"github.com/tiger/relay-telemetry-pipeline/internal/gateway/cache"
	obs "github.com/tiger/relay-telemetry-pipeline/internal/observability/telemetry"
	"github.com/tiger/relay-telemetry-pipeline/internal/pipeline/assembler"
	"github.com/tiger/relay-telemetry-pipeline/internal/provider/contracts"
	"github.com/tiger/relay-telemetry-pipeline/internal/runtime/retry"
)

// UnavailableError reports a dependency that stayed down past the retry
// budget. Callers should surface it as retryable.
type UnavailableError struct {
	Op  string
	Err error
}

func (e UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Op, e.Err)
}

func (e UnavailableError) Unwrap() error { return e.Err }

// Config bounds gateway dependency calls.
type Config struct {
	MetadataRetry retry.Policy
	Emitter       obs.Emitter
}

func (c Config) withDefaults() Config {
	if c.Emitter == nil {
		c.Emitter = obs.NopEmitter{}
	}
	return c
}

// Service is the edge gateway over the session archive and live sessions.
type Service struct {
	cfg      Config
	verifier *auth.Verifier
	records  *cache.Cache
	meta     contracts.MetadataStore
	sessions *assembler.Registry
}

// New constructs a gateway service.
func New(cfg Config, verifier *auth.Verifier, records *cache.Cache, meta contracts.MetadataStore, sessions *assembler.Registry) (*Service, error) {
	if verifier == nil {
		return nil, fmt.Errorf("token verifier is required")
	}
	if records == nil {
		return nil, fmt.Errorf("record cache is required")
	}
	if meta == nil {
		return nil, fmt.Errorf("metadata store is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		verifier: verifier,
		records:  records,
		meta:     meta,
		sessions: sessions,
	}, nil
}

// GetSession returns the archive index record for a session. Cache hits
// never touch the metadata store; only found records populate the cache, so
// a session archived after a miss is visible on the next call.
func (s *Service) GetSession(ctx context.Context, token, sessionID string) (archive.Record, error) {
	if _, err := s.verifier.Authorize(token, auth.ScopeSessionRead); err != nil {
		return archive.Record{}, err
	}
	if sessionID == "" {
		return archive.Record{}, contracts.NotFoundError{Kind: "session", Key: sessionID}
	}

	if record, ok := s.records.Get(sessionID); ok {
		return record, nil
	}

	var record archive.Record
	err := retry.Do(ctx, s.cfg.MetadataRetry, func() error {
		var getErr error
		record, getErr = s.meta.GetRecord(ctx, sessionID)
		return getErr
	})
	if err != nil {
		if contracts.IsNotFound(err) {
			return archive.Record{}, err
		}
		return archive.Record{}, UnavailableError{Op: "session lookup", Err: err}
	}

	s.records.Put(record)
	return record, nil
}

// SubscribeSession attaches a live listener to an in-flight session. The
// returned channel first replays the session's ordered backlog, then
// carries newly accepted events, and closes when the session reaches a
// terminal state. The cancel func detaches the listener.
func (s *Service) SubscribeSession(ctx context.Context, token, sessionID string) (<-chan telemetry.Event, func(), error) {
	if _, err := s.verifier.Authorize(token, auth.ScopeSessionRead); err != nil {
		return nil, nil, err
	}
	return s.sessions.Subscribe(ctx, sessionID)
}
