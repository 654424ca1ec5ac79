// rtp-edge is the authenticated read surface over relay telemetry: it
// fetches archive index records and streams live session events. The bearer
// token is read from RTP_TOKEN.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tiger/relay-telemetry-pipeline/api/telemetry"
	"github.com/tiger/relay-telemetry-pipeline/internal/gateway"
	"github.com/tiger/relay-telemetry-pipeline/internal/gateway/auth"
	"github.com/tiger/relay-telemetry-pipeline/internal/gateway/cache"
	"github.com/tiger/relay-telemetry-pipeline/internal/pipeline/archiver"
	"github.com/tiger/relay-telemetry-pipeline/internal/pipeline/assembler"
	"github.com/tiger/relay-telemetry-pipeline/internal/pipeline/checkpoint"
	"github.com/tiger/relay-telemetry-pipeline/internal/pipeline/tailer"
	"github.com/tiger/relay-telemetry-pipeline/internal/provider/contracts"
	"github.com/tiger/relay-telemetry-pipeline/internal/runtime/config"
	"github.com/tiger/relay-telemetry-pipeline/providers/blob/s3"
	"github.com/tiger/relay-telemetry-pipeline/providers/metadata/dynamo"
	"github.com/tiger/relay-telemetry-pipeline/providers/stream/kinesis"
)

// EnvToken carries the caller's bearer token.
const EnvToken = "RTP_TOKEN"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "rtp-edge: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printUsage(stdout)
		return nil
	}

	switch args[0] {
	case "get-session":
		if len(args) != 2 {
			return fmt.Errorf("usage: rtp-edge get-session <session-id>")
		}
		return runGetSession(ctx, args[1], stdout)
	case "subscribe":
		if len(args) != 2 {
			return fmt.Errorf("usage: rtp-edge subscribe <session-id>")
		}
		return runSubscribe(ctx, args[1], stdout)
	default:
		printUsage(stdout)
		return fmt.Errorf("unsupported command %q", args[0])
	}
}

func printUsage(stdout io.Writer) {
	fmt.Fprintln(stdout, "rtp-edge commands:")
	fmt.Fprintln(stdout, "  get-session <session-id>   fetch the archive index record")
	fmt.Fprintln(stdout, "  subscribe <session-id>     stream live session events as JSONL")
}

type edge struct {
	service  *gateway.Service
	registry *assembler.Registry
	consumer *tailer.Tailer
	cleanup  func()
}

func buildEdge(withLive bool) (*edge, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	if len(cfg.TokenHMACKey) == 0 {
		return nil, fmt.Errorf("%s is required", config.EnvTokenHMACKey)
	}

	verifier, err := auth.NewVerifier(cfg.TokenHMACKey, nil)
	if err != nil {
		return nil, fmt.Errorf("verifier: %w", err)
	}
	records, err := cache.New(cache.Config{
		MaxEntries: cfg.CacheMaxEntries,
		MaxBytes:   int64(cfg.CacheMaxBytes),
	})
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	meta, err := dynamo.NewAdapter(dynamo.Config{Region: cfg.AWSRegion, Table: cfg.MetadataTable})
	if err != nil {
		return nil, fmt.Errorf("metadata adapter: %w", err)
	}
	blob, err := s3.NewAdapter(s3.Config{Region: cfg.AWSRegion, Bucket: cfg.BlobBucket})
	if err != nil {
		return nil, fmt.Errorf("blob adapter: %w", err)
	}

	// The edge keeps its own assembler view of the stream for live
	// subscriptions. Its archiver writes are content-addressed, so racing
	// the consumer on the same session is a harmless no-op.
	arch, err := archiver.New(archiver.Config{
		Concurrency:   cfg.ArchiveConcurrency,
		BlobRetry:     cfg.BlobRetry,
		MetadataRetry: cfg.MetadataRetry,
	}, blob, meta)
	if err != nil {
		return nil, fmt.Errorf("archiver: %w", err)
	}
	registry, err := assembler.NewRegistry(assembler.Config{
		ReorderWindow: cfg.ReorderWindow,
		IdleTimeout:   cfg.SessionIdleTimeout,
		Grace:         cfg.SessionGrace,
	}, arch, meta, cfg.MetadataRetry)
	if err != nil {
		return nil, fmt.Errorf("assembler: %w", err)
	}

	service, err := gateway.New(gateway.Config{MetadataRetry: cfg.MetadataRetry}, verifier, records, meta, registry)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	e := &edge{service: service, registry: registry}
	e.cleanup = func() {
		if e.consumer != nil {
			e.consumer.Close()
		}
		registry.Close()
		_ = arch.Close()
	}

	if withLive {
		stream, err := kinesis.NewAdapter(kinesis.Config{
			Region:     cfg.AWSRegion,
			StreamName: cfg.StreamName,
			FetchLimit: cfg.StreamFetchLimit,
		})
		if err != nil {
			e.cleanup()
			return nil, fmt.Errorf("stream adapter: %w", err)
		}
		manager, err := checkpoint.NewManager(edgeCheckpoints{})
		if err != nil {
			e.cleanup()
			return nil, fmt.Errorf("checkpoint manager: %w", err)
		}
		consumer, err := tailer.New(tailer.Config{StreamRetry: cfg.StreamRetry}, stream, registry, manager)
		if err != nil {
			e.cleanup()
			return nil, fmt.Errorf("tailer: %w", err)
		}
		e.consumer = consumer
		registry.Start()
	}
	return e, nil
}

// edgeCheckpoints keeps the edge's stream positions process-local: the edge
// is a read replica and must never advance the consumer's checkpoints.
type edgeCheckpoints struct{}

func (edgeCheckpoints) Load(context.Context, telemetry.ShardID) (telemetry.Position, bool, error) {
	return "", false, nil
}

func (edgeCheckpoints) Save(context.Context, telemetry.ShardID, telemetry.Position) error {
	return nil
}

func runGetSession(ctx context.Context, sessionID string, stdout io.Writer) error {
	e, err := buildEdge(false)
	if err != nil {
		return err
	}
	defer e.cleanup()

	record, err := e.service.GetSession(ctx, token(), sessionID)
	if err != nil {
		return err
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	fmt.Fprintln(stdout, string(line))
	return nil
}

func runSubscribe(ctx context.Context, sessionID string, stdout io.Writer) error {
	e, err := buildEdge(true)
	if err != nil {
		return err
	}
	defer e.cleanup()

	if err := e.consumer.Start(ctx); err != nil {
		return fmt.Errorf("start tailer: %w", err)
	}

	events, cancel, err := subscribeWhenLive(ctx, e, sessionID)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case event, open := <-events:
			if !open {
				fmt.Fprintf(stdout, "session %s reached a terminal state\n", sessionID)
				return nil
			}
			line, err := json.Marshal(event)
			if err != nil {
				return fmt.Errorf("marshal event: %w", err)
			}
			fmt.Fprintln(stdout, string(line))
		case <-ctx.Done():
			return nil
		}
	}
}

// subscribeWhenLive retries the subscription until the session's first
// events arrive on the local stream view.
func subscribeWhenLive(ctx context.Context, e *edge, sessionID string) (<-chan telemetry.Event, func(), error) {
	for {
		events, cancel, err := e.service.SubscribeSession(ctx, token(), sessionID)
		if err == nil {
			return events, cancel, nil
		}
		if !contracts.IsNotFound(err) {
			return nil, nil, err
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

func token() string {
	return strings.TrimSpace(os.Getenv(EnvToken))
}
