package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestPipelineExportsInOrder(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink()
	pipeline := NewPipeline(sink, Config{QueueCapacity: 8, Now: func() time.Time { return time.UnixMilli(42) }})

	pipeline.EmitMetric(MetricEventsAccepted, 3, Correlation{SessionID: "game-1", Shard: "shard-0001"})
	pipeline.EmitLog(AlarmSessionExpired, SeverityWarn, "archive retries exhausted", Correlation{SessionID: "game-1"})
	if err := pipeline.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	events := sink.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 exported events, got %d", len(events))
	}
	if events[0].Metric != MetricEventsAccepted || events[0].Value != 3 {
		t.Fatalf("unexpected metric event: %+v", events[0])
	}
	if events[0].TimestampMS != 42 {
		t.Fatalf("expected injected clock timestamp, got %d", events[0].TimestampMS)
	}
	if events[1].Log != AlarmSessionExpired || events[1].Severity != SeverityWarn {
		t.Fatalf("unexpected log event: %+v", events[1])
	}
	if got := sink.Metrics()[MetricEventsAccepted]; got != 3 {
		t.Fatalf("expected summed metric 3, got %v", got)
	}
}

type blockingSink struct {
	mu      sync.Mutex
	release chan struct{}
	seen    int
}

func (s *blockingSink) Export(ctx context.Context, _ Event) error {
	s.mu.Lock()
	s.seen++
	s.mu.Unlock()
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestPipelineDropsWhenSaturated(t *testing.T) {
	t.Parallel()

	sink := &blockingSink{release: make(chan struct{})}
	pipeline := NewPipeline(sink, Config{QueueCapacity: 1, ExportTimeout: 10 * time.Millisecond})
	defer pipeline.Close()

	for i := 0; i < 50; i++ {
		pipeline.EmitMetric(MetricGapsRecorded, 1, Correlation{})
	}
	stats := pipeline.Stats()
	if stats.Dropped == 0 {
		t.Fatalf("expected saturated queue to drop, got %+v", stats)
	}
	close(sink.release)
}

type failSink struct{}

func (failSink) Export(context.Context, Event) error { return errors.New("export down") }

func TestPipelineCountsExportFailures(t *testing.T) {
	t.Parallel()

	pipeline := NewPipeline(failSink{}, Config{QueueCapacity: 4})
	pipeline.EmitMetric(MetricCacheEvictions, 1, Correlation{})
	if err := pipeline.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}
	if pipeline.Stats().ExportFailures != 1 {
		t.Fatalf("expected one export failure, got %+v", pipeline.Stats())
	}
}

func TestJSONLSinkAppends(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "telemetry", "events.jsonl")
	sink, err := NewJSONLSink(path)
	if err != nil {
		t.Fatalf("new jsonl sink: %v", err)
	}
	event := Event{TimestampMS: 7, Metric: MetricSessionsArchived, Value: 1, Correlation: Correlation{SessionID: "game-9"}}
	if err := sink.Export(context.Background(), event); err != nil {
		t.Fatalf("export: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sink file: %v", err)
	}
	var decoded Event
	if err := json.Unmarshal(raw[:len(raw)-1], &decoded); err != nil {
		t.Fatalf("decode sink line: %v", err)
	}
	if decoded.Metric != MetricSessionsArchived || decoded.Correlation.SessionID != "game-9" {
		t.Fatalf("unexpected decoded event: %+v", decoded)
	}
}
