package assembler

import (
	"context"
	"errors"
	"time"

	"github.com/tiger/relay-telemetry-pipeline/api/archive"
	"github.com/tiger/relay-telemetry-pipeline/api/telemetry"
	obs "github.com/tiger/relay-telemetry-pipeline/internal/observability/telemetry"
)

// errSessionClosed reports a send to an actor whose goroutine has exited.
var errSessionClosed = errors.New("session actor is closed")

// Archiver persists one finalized session log and returns its index record.
type Archiver interface {
	ArchiveSession(ctx context.Context, sessionID string, log []byte) (archive.Record, error)
}

type ingestMsg struct {
	event telemetry.Event
	reply chan error
}

type subscribeMsg struct {
	id    string
	reply chan subscribeResult
}

type subscribeResult struct {
	ch  <-chan telemetry.Event
	err error
}

type unsubscribeMsg struct {
	id string
}

type tickMsg struct {
	now   time.Time
	reply chan tickResult
}

type tickResult struct {
	state      telemetry.SessionState
	terminalAt time.Time
}

type archiveDoneMsg struct {
	record archive.Record
	err    error
}

type stopMsg struct{}

// actor owns one session's reassembly state. All state below mailbox is
// goroutine-private; the run loop is the only reader and writer, which is
// what makes the dedup/gap logic race-free without locks.
type actor struct {
	id         string
	cfg        Config
	archiver   Archiver
	archiveCtx context.Context
	onTerminal func(sessionID string, state telemetry.SessionState)

	mailbox chan any
	done    chan struct{}

	life         *lifecycle
	next         uint64
	win          *window
	frames       []archive.Frame
	backlog      []telemetry.Event
	sawEnd       bool
	endSequence  uint64
	lastActivity time.Time
	terminalAt   time.Time
	listeners    map[string]chan telemetry.Event
}

func newActor(id string, cfg Config, archiver Archiver, archiveCtx context.Context, onTerminal func(string, telemetry.SessionState)) (*actor, error) {
	win, err := newWindow(cfg.ReorderWindow)
	if err != nil {
		return nil, err
	}
	a := &actor{
		id:           id,
		cfg:          cfg,
		archiver:     archiver,
		archiveCtx:   archiveCtx,
		onTerminal:   onTerminal,
		mailbox:      make(chan any, cfg.MailboxCapacity),
		done:         make(chan struct{}),
		life:         newLifecycle(),
		win:          win,
		frames:       make([]archive.Frame, 0, 64),
		lastActivity: cfg.Now(),
		listeners:    make(map[string]chan telemetry.Event),
	}
	go a.run()
	return a, nil
}

func (a *actor) send(ctx context.Context, msg any) error {
	select {
	case a.mailbox <- msg:
		return nil
	case <-a.done:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *actor) run() {
	defer close(a.done)
	for raw := range a.mailbox {
		switch msg := raw.(type) {
		case ingestMsg:
			msg.reply <- a.handleIngest(msg.event)
		case subscribeMsg:
			msg.reply <- a.handleSubscribe(msg.id)
		case unsubscribeMsg:
			a.dropListener(msg.id)
		case tickMsg:
			a.handleTick(msg.now)
			msg.reply <- tickResult{state: a.life.current(), terminalAt: a.terminalAt}
		case archiveDoneMsg:
			a.handleArchiveDone(msg)
		case stopMsg:
			a.closeListeners()
			return
		}
	}
}

func (a *actor) handleIngest(event telemetry.Event) error {
	// Terminal sessions accept everything as a no-op so redelivery after a
	// crash between archive commit and checkpoint commit stays cheap.
	if a.life.terminal() {
		return nil
	}

	if err := event.Validate(); err != nil {
		// A malformed frame must not stall the shard's checkpoint forever.
		a.cfg.Emitter.EmitLog("event_rejected", obs.SeverityWarn, err.Error(), a.correlation(event.Sequence))
		return nil
	}

	a.lastActivity = a.cfg.Now()

	if a.life.current() == telemetry.StateNew {
		if err := a.life.transition(telemetry.StateActive); err != nil {
			return err
		}
		a.next = event.Sequence
	}

	if a.life.current() == telemetry.StateFinalizing {
		// Late arrivals during finalization are beyond the closed log.
		a.cfg.Emitter.EmitMetric(obs.MetricDuplicatesDropped, 1, a.correlation(event.Sequence))
		return nil
	}

	switch {
	case event.Sequence < a.next:
		a.cfg.Emitter.EmitMetric(obs.MetricDuplicatesDropped, 1, a.correlation(event.Sequence))
	case event.Sequence == a.next:
		a.accept(event)
		if !a.sawEnd {
			for _, drained := range a.win.drainFrom(a.next) {
				a.accept(drained)
			}
		}
	case event.Kind == telemetry.KindSessionEnd:
		// An end ahead of the cursor closes the log now; holding it would
		// leave the session waiting on continuity that may never arrive.
		a.forceAdvance(event)
	case a.win.fits(a.next, event.Sequence):
		a.win.hold(event)
	default:
		a.forceAdvance(event)
	}

	if a.sawEnd && a.life.current() == telemetry.StateActive {
		a.finalize()
	}
	return nil
}

// accept appends an in-order event at the cursor and advances it.
func (a *actor) accept(event telemetry.Event) {
	if event.Kind == telemetry.KindSessionEnd {
		a.sawEnd = true
		a.endSequence = event.Sequence
		a.next = event.Sequence + 1
		return
	}
	a.frames = append(a.frames, archive.Frame{Kind: archive.FrameEvent, Sequence: event.Sequence, Payload: event.Payload})
	a.backlog = append(a.backlog, event)
	a.next = event.Sequence + 1
	a.cfg.Emitter.EmitMetric(obs.MetricEventsAccepted, 1, a.correlation(event.Sequence))
	a.fanOut(event)
}

// forceAdvance handles an arrival beyond the reorder window: everything
// still held before it is flushed in order, missing ranges become gap
// markers, and the cursor jumps past the arrival.
func (a *actor) forceAdvance(event telemetry.Event) {
	for _, held := range a.win.flushBefore(event.Sequence) {
		if held.Sequence > a.next {
			a.recordGap(a.next, held.Sequence-1)
		}
		a.accept(held)
	}
	if event.Sequence > a.next {
		a.recordGap(a.next, event.Sequence-1)
	}
	a.accept(event)
	if a.sawEnd {
		return
	}
	for _, drained := range a.win.drainFrom(a.next) {
		a.accept(drained)
	}
}

func (a *actor) recordGap(from, to uint64) {
	a.frames = append(a.frames, archive.Frame{Kind: archive.FrameGap, Sequence: from, GapFrom: from, GapTo: to})
	a.cfg.Emitter.EmitMetric(obs.MetricGapsRecorded, 1, a.correlation(from))
}

// finalize closes the log: remaining held events are flushed with gaps, an
// end frame is appended, and the encoded log is handed to the archiver.
func (a *actor) finalize() {
	if err := a.life.transition(telemetry.StateFinalizing); err != nil {
		a.cfg.Emitter.EmitLog("finalize_rejected", obs.SeverityError, err.Error(), a.correlation(a.next))
		return
	}

	// With an explicit end the log closes at the end event's sequence and
	// anything held beyond it is discarded; on inactivity timeout the log
	// closes wherever the cursor stopped.
	flushBound := ^uint64(0)
	if a.sawEnd {
		flushBound = a.endSequence
	}
	for _, held := range a.win.flushBefore(flushBound) {
		if held.Sequence > a.next {
			a.recordGap(a.next, held.Sequence-1)
		}
		a.accept(held)
	}
	endSeq := a.next
	if a.sawEnd {
		endSeq = a.endSequence
	}
	a.frames = append(a.frames, archive.Frame{Kind: archive.FrameEnd, Sequence: endSeq})

	log, err := archive.EncodeLog(a.frames)
	if err != nil {
		a.cfg.Emitter.EmitLog("finalize_encode_failed", obs.SeverityError, err.Error(), a.correlation(a.next))
		a.completeTerminal(telemetry.StateExpired)
		return
	}

	go func() {
		record, archiveErr := a.archiver.ArchiveSession(a.archiveCtx, a.id, log)
		select {
		case a.mailbox <- archiveDoneMsg{record: record, err: archiveErr}:
		case <-a.done:
		}
	}()
}

func (a *actor) handleArchiveDone(msg archiveDoneMsg) {
	if a.life.current() != telemetry.StateFinalizing {
		return
	}
	if msg.err != nil {
		a.cfg.Emitter.EmitLog(obs.AlarmSessionExpired, obs.SeverityError, msg.err.Error(), a.correlation(a.next))
		a.cfg.Emitter.EmitMetric(obs.MetricSessionsExpired, 1, a.correlation(a.next))
		a.completeTerminal(telemetry.StateExpired)
		return
	}
	correlation := a.correlation(a.next)
	correlation.StorageKey = msg.record.StorageKey
	a.cfg.Emitter.EmitMetric(obs.MetricSessionsArchived, 1, correlation)
	a.completeTerminal(telemetry.StateArchived)
}

func (a *actor) completeTerminal(state telemetry.SessionState) {
	if err := a.life.transition(state); err != nil {
		a.cfg.Emitter.EmitLog("terminal_transition_rejected", obs.SeverityError, err.Error(), a.correlation(a.next))
		return
	}
	a.terminalAt = a.cfg.Now()
	a.closeListeners()
	if a.onTerminal != nil {
		a.onTerminal(a.id, a.life.current())
	}
}

func (a *actor) handleTick(now time.Time) {
	if a.life.current() != telemetry.StateActive {
		return
	}
	if now.Sub(a.lastActivity) >= a.cfg.IdleTimeout {
		a.finalize()
	}
}

func (a *actor) handleSubscribe(id string) subscribeResult {
	if state := a.life.current(); state != telemetry.StateActive && state != telemetry.StateFinalizing {
		return subscribeResult{err: errSessionClosed}
	}
	ch := make(chan telemetry.Event, len(a.backlog)+a.cfg.SubscriberBuffer)
	for _, event := range a.backlog {
		ch <- event
	}
	a.listeners[id] = ch
	return subscribeResult{ch: ch}
}

func (a *actor) fanOut(event telemetry.Event) {
	for id, ch := range a.listeners {
		select {
		case ch <- event:
		default:
			// A subscriber that cannot keep up is dropped rather than
			// allowed to stall the session.
			a.dropListener(id)
		}
	}
}

func (a *actor) dropListener(id string) {
	if ch, ok := a.listeners[id]; ok {
		delete(a.listeners, id)
		close(ch)
	}
}

func (a *actor) closeListeners() {
	for id := range a.listeners {
		a.dropListener(id)
	}
}

func (a *actor) correlation(seq uint64) obs.Correlation {
	return obs.Correlation{SessionID: a.id, Sequence: seq}
}
