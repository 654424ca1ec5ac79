// Package telemetry is the pipeline's bounded, non-blocking observability
// channel. Components emit metric samples and log events with pipeline
// correlation; a saturated queue drops rather than blocks, so no ingest or
// gateway path ever stalls on observability.
package telemetry

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// MetricEventsAccepted counts events buffered by assemblers.
	MetricEventsAccepted = "events_accepted"
	// MetricDuplicatesDropped counts idempotent duplicate drops.
	MetricDuplicatesDropped = "duplicates_dropped"
	// MetricGapsRecorded counts gap markers forced past the reorder window.
	MetricGapsRecorded = "gaps_recorded"
	// MetricSessionsArchived counts sessions archived exactly once.
	MetricSessionsArchived = "sessions_archived"
	// MetricSessionsExpired counts sessions lost after archive retry exhaustion.
	MetricSessionsExpired = "sessions_expired"
	// MetricCacheEvictions counts gateway cache LRU evictions.
	MetricCacheEvictions = "cache_evictions"

	// AlarmShardHalted marks a shard whose tailing halted fatally.
	AlarmShardHalted = "shard_halted"
	// AlarmArchiveConflict marks a digest mismatch at an existing blob key.
	AlarmArchiveConflict = "archive_conflict"
	// AlarmSessionExpired marks non-fatal data loss for one session.
	AlarmSessionExpired = "session_expired"
)

// Severity aligns log events with the pipeline error taxonomy.
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Correlation carries the pipeline coordinates of one emission.
type Correlation struct {
	SessionID  string `json:"session_id,omitempty"`
	Shard      string `json:"shard,omitempty"`
	Sequence   uint64 `json:"sequence,omitempty"`
	StorageKey string `json:"storage_key,omitempty"`
}

// Event is the normalized emission envelope.
type Event struct {
	TimestampMS int64             `json:"timestamp_ms"`
	Correlation Correlation       `json:"correlation"`
	Metric      string            `json:"metric,omitempty"`
	Value       float64           `json:"value,omitempty"`
	Log         string            `json:"log,omitempty"`
	Severity    Severity          `json:"severity,omitempty"`
	Message     string            `json:"message,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Sink exports normalized telemetry events.
type Sink interface {
	Export(context.Context, Event) error
}

// Emitter is the non-blocking emission handle components hold.
type Emitter interface {
	EmitMetric(name string, value float64, correlation Correlation)
	EmitLog(name string, severity Severity, message string, correlation Correlation)
}

// NopEmitter discards every emission.
type NopEmitter struct{}

func (NopEmitter) EmitMetric(string, float64, Correlation)       {}
func (NopEmitter) EmitLog(string, Severity, string, Correlation) {}

// Config controls queue and export bounds.
type Config struct {
	QueueCapacity int
	ExportTimeout time.Duration
	Now           func() time.Time
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity < 1 {
		c.QueueCapacity = 256
	}
	if c.ExportTimeout <= 0 {
		c.ExportTimeout = 200 * time.Millisecond
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Stats reports pipeline counters.
type Stats struct {
	Enqueued       uint64
	Dropped        uint64
	Exported       uint64
	ExportFailures uint64
	QueueDepth     int
}

// Pipeline is a bounded background exporter implementing Emitter.
type Pipeline struct {
	sink Sink
	cfg  Config

	queue chan Event
	stop  chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	enqueued       atomic.Uint64
	dropped        atomic.Uint64
	exported       atomic.Uint64
	exportFailures atomic.Uint64
}

type discardSink struct{}

func (discardSink) Export(context.Context, Event) error { return nil }

// NewPipeline constructs and starts a telemetry pipeline.
func NewPipeline(sink Sink, cfg Config) *Pipeline {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = discardSink{}
	}
	p := &Pipeline{
		sink:  sink,
		cfg:   cfg,
		queue: make(chan Event, cfg.QueueCapacity),
		stop:  make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Close drains pending events and stops the background exporter.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		close(p.stop)
		p.wg.Wait()
	})
	return nil
}

// Stats returns a counter snapshot.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Enqueued:       p.enqueued.Load(),
		Dropped:        p.dropped.Load(),
		Exported:       p.exported.Load(),
		ExportFailures: p.exportFailures.Load(),
		QueueDepth:     len(p.queue),
	}
}

// EmitMetric enqueues a metric sample without blocking.
func (p *Pipeline) EmitMetric(name string, value float64, correlation Correlation) {
	p.enqueue(Event{
		TimestampMS: p.cfg.Now().UnixMilli(),
		Correlation: correlation,
		Metric:      strings.TrimSpace(name),
		Value:       value,
	})
}

// EmitLog enqueues a log event without blocking.
func (p *Pipeline) EmitLog(name string, severity Severity, message string, correlation Correlation) {
	p.enqueue(Event{
		TimestampMS: p.cfg.Now().UnixMilli(),
		Correlation: correlation,
		Log:         strings.TrimSpace(name),
		Severity:    severity,
		Message:     message,
	})
}

func (p *Pipeline) enqueue(event Event) {
	select {
	case p.queue <- event:
		p.enqueued.Add(1)
	default:
		p.dropped.Add(1)
	}
}

func (p *Pipeline) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stop:
			for {
				select {
				case event := <-p.queue:
					p.export(event)
				default:
					return
				}
			}
		case event := <-p.queue:
			p.export(event)
		}
	}
}

func (p *Pipeline) export(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ExportTimeout)
	defer cancel()
	if err := p.sink.Export(ctx, event); err != nil {
		p.exportFailures.Add(1)
		return
	}
	p.exported.Add(1)
}
