// rtp-consumer tails the relay telemetry stream, reassembles session logs,
// and archives finalized sessions to blob storage.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tiger/relay-telemetry-pipeline/internal/observability/telemetry"
	"github.com/tiger/relay-telemetry-pipeline/internal/pipeline/archiver"
	"github.com/tiger/relay-telemetry-pipeline/internal/pipeline/assembler"
	"github.com/tiger/relay-telemetry-pipeline/internal/pipeline/checkpoint"
	"github.com/tiger/relay-telemetry-pipeline/internal/pipeline/tailer"
	"github.com/tiger/relay-telemetry-pipeline/internal/runtime/config"
	"github.com/tiger/relay-telemetry-pipeline/providers/blob/s3"
	"github.com/tiger/relay-telemetry-pipeline/providers/metadata/dynamo"
	"github.com/tiger/relay-telemetry-pipeline/providers/stream/kinesis"
)

// EnvTelemetryPath optionally routes telemetry to an append-only JSONL file.
const EnvTelemetryPath = "RTP_TELEMETRY_PATH"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "rtp-consumer: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout io.Writer) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	emitter, cleanupTelemetry, err := setupTelemetry()
	if err != nil {
		return err
	}
	defer cleanupTelemetry()

	stream, err := kinesis.NewAdapter(kinesis.Config{
		Region:     cfg.AWSRegion,
		StreamName: cfg.StreamName,
		FetchLimit: cfg.StreamFetchLimit,
	})
	if err != nil {
		return fmt.Errorf("stream adapter: %w", err)
	}
	blob, err := s3.NewAdapter(s3.Config{Region: cfg.AWSRegion, Bucket: cfg.BlobBucket})
	if err != nil {
		return fmt.Errorf("blob adapter: %w", err)
	}
	meta, err := dynamo.NewAdapter(dynamo.Config{Region: cfg.AWSRegion, Table: cfg.MetadataTable})
	if err != nil {
		return fmt.Errorf("metadata adapter: %w", err)
	}

	arch, err := archiver.New(archiver.Config{
		Concurrency:   cfg.ArchiveConcurrency,
		BlobRetry:     cfg.BlobRetry,
		MetadataRetry: cfg.MetadataRetry,
		Emitter:       emitter,
	}, blob, meta)
	if err != nil {
		return fmt.Errorf("archiver: %w", err)
	}
	defer arch.Close()

	registry, err := assembler.NewRegistry(assembler.Config{
		ReorderWindow: cfg.ReorderWindow,
		IdleTimeout:   cfg.SessionIdleTimeout,
		Grace:         cfg.SessionGrace,
		Emitter:       emitter,
	}, arch, meta, cfg.MetadataRetry)
	if err != nil {
		return fmt.Errorf("assembler: %w", err)
	}
	registry.Start()
	defer registry.Close()

	manager, err := checkpoint.NewManager(meta)
	if err != nil {
		return fmt.Errorf("checkpoint manager: %w", err)
	}

	consumer, err := tailer.New(tailer.Config{
		StreamRetry: cfg.StreamRetry,
		Emitter:     emitter,
	}, stream, registry, manager)
	if err != nil {
		return fmt.Errorf("tailer: %w", err)
	}
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("start tailer: %w", err)
	}
	defer consumer.Close()

	fmt.Fprintf(stdout, "rtp-consumer: tailing stream %s\n", cfg.StreamName)
	<-ctx.Done()

	stats := registry.Stats()
	fmt.Fprintf(stdout, "rtp-consumer: shutting down (live=%d archived=%d expired=%d)\n",
		stats.LiveSessions, stats.ArchivedSessions, stats.ExpiredSessions)
	return nil
}

func setupTelemetry() (telemetry.Emitter, func(), error) {
	path := strings.TrimSpace(os.Getenv(EnvTelemetryPath))
	if path == "" {
		return telemetry.NopEmitter{}, func() {}, nil
	}
	sink, err := telemetry.NewJSONLSink(path)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry sink: %w", err)
	}
	pipeline := telemetry.NewPipeline(sink, telemetry.Config{})
	return pipeline, func() {
		_ = pipeline.Close()
		_ = sink.Close()
	}, nil
}
