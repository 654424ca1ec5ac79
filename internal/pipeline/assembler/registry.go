// Package assembler reassembles each session's ordered event log from
// at-least-once shard delivery. One mailbox actor owns each session; the
// registry creates actors lazily, routes events, finalizes idle sessions,
// and recognizes already-archived sessions so redelivery is a no-op.
package assembler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tiger/relay-telemetry-pipeline/api/telemetry"
	obs "github.com/tiger/relay-telemetry-pipeline/internal/observability/telemetry"
	"github.com/tiger/relay-telemetry-pipeline/internal/provider/contracts"
	"github.com/tiger/relay-telemetry-pipeline/internal/runtime/retry"
)

// Config controls per-session reassembly behavior.
type Config struct {
	ReorderWindow    int
	IdleTimeout      time.Duration
	Grace            time.Duration
	SweepInterval    time.Duration
	MailboxCapacity  int
	SubscriberBuffer int
	Now              func() time.Time
	Emitter          obs.Emitter
}

func (c Config) withDefaults() Config {
	if c.ReorderWindow < 1 {
		c.ReorderWindow = 32
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.MailboxCapacity < 1 {
		c.MailboxCapacity = 64
	}
	if c.SubscriberBuffer < 1 {
		c.SubscriberBuffer = 256
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Emitter == nil {
		c.Emitter = obs.NopEmitter{}
	}
	return c
}

// Stats reports session lifecycle counters.
type Stats struct {
	LiveSessions     int
	ArchivedSessions int
	ExpiredSessions  int
}

// Registry owns every live session actor.
type Registry struct {
	cfg       Config
	archiver  Archiver
	meta      contracts.MetadataStore
	metaRetry retry.Policy

	mu       sync.Mutex
	actors   map[string]*actor
	archived map[string]struct{}
	expired  map[string]struct{}
	closed   bool

	baseCtx context.Context
	cancel  context.CancelFunc

	sweepStop chan struct{}
	sweepOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRegistry constructs a session registry. The metadata store is consulted
// once per unknown session to recognize archives from previous process lives.
func NewRegistry(cfg Config, archiver Archiver, meta contracts.MetadataStore, metaRetry retry.Policy) (*Registry, error) {
	if archiver == nil {
		return nil, fmt.Errorf("archiver is required")
	}
	if meta == nil {
		return nil, fmt.Errorf("metadata store is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:       cfg.withDefaults(),
		archiver:  archiver,
		meta:      meta,
		metaRetry: metaRetry,
		actors:    make(map[string]*actor),
		archived:  make(map[string]struct{}),
		expired:   make(map[string]struct{}),
		baseCtx:   ctx,
		cancel:    cancel,
		sweepStop: make(chan struct{}),
	}, nil
}

// Start launches the background sweeper that finalizes idle sessions and
// tears down terminal actors after the grace period.
func (r *Registry) Start() {
	r.sweepOnce.Do(func() {
		r.wg.Add(1)
		go r.sweepLoop()
	})
}

// Close stops the sweeper, cancels in-flight archival, and stops all actors.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.sweepStop)
		r.cancel()
		r.wg.Wait()

		r.mu.Lock()
		r.closed = true
		actors := make([]*actor, 0, len(r.actors))
		for _, a := range r.actors {
			actors = append(actors, a)
		}
		r.actors = make(map[string]*actor)
		r.mu.Unlock()

		for _, a := range actors {
			_ = a.send(context.Background(), stopMsg{})
			<-a.done
		}
	})
}

// HandleBatch routes every event of a shard batch to its session actor and
// returns once all of them are durably buffered. Only then may the caller
// commit the shard checkpoint.
func (r *Registry) HandleBatch(ctx context.Context, batch telemetry.Batch) error {
	for _, event := range batch.Events {
		if err := r.Accept(ctx, event); err != nil {
			return fmt.Errorf("accept event session=%s seq=%d: %w", event.SessionID, event.Sequence, err)
		}
	}
	return nil
}

// Accept routes one event to its session actor, creating it lazily.
// Acceptance means buffered, never archived: archival completion must not
// gate checkpoint advancement.
func (r *Registry) Accept(ctx context.Context, event telemetry.Event) error {
	for {
		a, noop, err := r.resolve(ctx, event.SessionID)
		if err != nil {
			return err
		}
		if noop {
			return nil
		}

		reply := make(chan error, 1)
		if err := a.send(ctx, ingestMsg{event: event, reply: reply}); err != nil {
			if err == errSessionClosed {
				// The actor was torn down between lookup and send; its
				// terminal outcome is now recorded, so route again.
				continue
			}
			return err
		}
		select {
		case err := <-reply:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// resolve returns the live actor for a session, or noop=true when the
// session already reached a terminal state in this or a previous process.
func (r *Registry) resolve(ctx context.Context, sessionID string) (*actor, bool, error) {
	if sessionID == "" {
		return nil, true, nil
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, false, fmt.Errorf("assembler registry is closed")
	}
	if a, ok := r.actors[sessionID]; ok {
		r.mu.Unlock()
		return a, false, nil
	}
	if _, ok := r.archived[sessionID]; ok {
		r.mu.Unlock()
		return nil, true, nil
	}
	if _, ok := r.expired[sessionID]; ok {
		r.mu.Unlock()
		return nil, true, nil
	}
	r.mu.Unlock()

	// Unknown session: consult the metadata store so sessions archived
	// before a crash are recognized instead of re-assembled.
	var found bool
	err := retry.Do(ctx, r.metaRetry, func() error {
		_, err := r.meta.GetRecord(ctx, sessionID)
		if err == nil {
			found = true
			return nil
		}
		if contracts.IsNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("lookup archived state %s: %w", sessionID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, fmt.Errorf("assembler registry is closed")
	}
	if a, ok := r.actors[sessionID]; ok {
		return a, false, nil
	}
	if found {
		r.archived[sessionID] = struct{}{}
		return nil, true, nil
	}
	a, err := newActor(sessionID, r.cfg, r.archiver, r.baseCtx, r.recordTerminal)
	if err != nil {
		return nil, false, err
	}
	r.actors[sessionID] = a
	return a, false, nil
}

// Subscribe registers a live listener on a session's actor. The returned
// cancel func deregisters the listener without affecting the session.
func (r *Registry) Subscribe(ctx context.Context, sessionID string) (<-chan telemetry.Event, func(), error) {
	r.mu.Lock()
	a, ok := r.actors[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, nil, contracts.NotFoundError{Kind: "live session", Key: sessionID}
	}

	id := uuid.NewString()
	reply := make(chan subscribeResult, 1)
	if err := a.send(ctx, subscribeMsg{id: id, reply: reply}); err != nil {
		return nil, nil, contracts.NotFoundError{Kind: "live session", Key: sessionID}
	}
	select {
	case result := <-reply:
		if result.err != nil {
			return nil, nil, contracts.NotFoundError{Kind: "live session", Key: sessionID}
		}
		cancel := func() {
			_ = a.send(context.Background(), unsubscribeMsg{id: id})
		}
		return result.ch, cancel, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// SessionState reports a session's lifecycle state, including terminal
// outcomes remembered after actor teardown.
func (r *Registry) SessionState(sessionID string) (telemetry.SessionState, bool) {
	r.mu.Lock()
	a, live := r.actors[sessionID]
	_, wasArchived := r.archived[sessionID]
	_, wasExpired := r.expired[sessionID]
	r.mu.Unlock()

	if live {
		reply := make(chan tickResult, 1)
		if err := a.send(context.Background(), tickMsg{now: time.Time{}, reply: reply}); err == nil {
			result := <-reply
			return result.state, true
		}
	}
	if wasArchived {
		return telemetry.StateArchived, true
	}
	if wasExpired {
		return telemetry.StateExpired, true
	}
	return "", false
}

// Stats returns lifecycle counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		LiveSessions:     len(r.actors),
		ArchivedSessions: len(r.archived),
		ExpiredSessions:  len(r.expired),
	}
}

func (r *Registry) recordTerminal(sessionID string, state telemetry.SessionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch state {
	case telemetry.StateArchived:
		r.archived[sessionID] = struct{}{}
	case telemetry.StateExpired:
		r.expired[sessionID] = struct{}{}
	}
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.sweepStop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep finalizes idle sessions and prunes terminal actors past grace.
func (r *Registry) sweep() {
	now := r.cfg.Now()

	r.mu.Lock()
	actors := make(map[string]*actor, len(r.actors))
	for id, a := range r.actors {
		actors[id] = a
	}
	r.mu.Unlock()

	for id, a := range actors {
		reply := make(chan tickResult, 1)
		if err := a.send(context.Background(), tickMsg{now: now, reply: reply}); err != nil {
			continue
		}
		result := <-reply
		if !result.state.Terminal() || result.terminalAt.IsZero() {
			continue
		}
		if now.Sub(result.terminalAt) < r.cfg.Grace {
			continue
		}

		r.mu.Lock()
		delete(r.actors, id)
		r.mu.Unlock()
		_ = a.send(context.Background(), stopMsg{})
		<-a.done
	}
}
