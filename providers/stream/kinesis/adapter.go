// Package kinesis adapts an Amazon Kinesis data stream to the pipeline's
// stream contract. Positions are the stream's own sequence numbers, treated
// as opaque by everything above this adapter.
package kinesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	kinesistypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/aws/smithy-go"

	"github.com/tiger/relay-telemetry-pipeline/api/telemetry"
	"github.com/tiger/relay-telemetry-pipeline/internal/provider/contracts"
)

type streamClient interface {
	ListShards(ctx context.Context, params *kinesis.ListShardsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error)
	GetShardIterator(ctx context.Context, params *kinesis.GetShardIteratorInput, optFns ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, params *kinesis.GetRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error)
}

// Config locates the source stream.
type Config struct {
	Region     string
	StreamName string
	FetchLimit int
	Timeout    time.Duration
}

// ConfigFromEnv builds adapter config from the process environment.
func ConfigFromEnv() Config {
	return Config{
		Region:     defaultString(os.Getenv("RTP_AWS_REGION"), defaultString(os.Getenv("AWS_REGION"), "us-east-1")),
		StreamName: os.Getenv("RTP_STREAM_NAME"),
		FetchLimit: 512,
		Timeout:    15 * time.Second,
	}
}

// Adapter implements the stream contract over Kinesis.
type Adapter struct {
	mu     sync.Mutex
	client streamClient
	cfg    Config
}

// NewAdapter constructs an adapter that lazily builds its AWS client.
func NewAdapter(cfg Config) (*Adapter, error) {
	return NewAdapterWithClient(cfg, nil)
}

// NewAdapterWithClient injects a prebuilt client, usually a test fake.
func NewAdapterWithClient(cfg Config, client streamClient) (*Adapter, error) {
	if strings.TrimSpace(cfg.StreamName) == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.FetchLimit < 1 || cfg.FetchLimit > 10000 {
		cfg.FetchLimit = 512
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Adapter{client: client, cfg: cfg}, nil
}

// ListShards returns every shard id of the stream.
func (a *Adapter) ListShards(ctx context.Context) ([]telemetry.ShardID, error) {
	client, err := a.resolveClient()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	shards := make([]telemetry.ShardID, 0, 8)
	input := &kinesis.ListShardsInput{StreamName: aws.String(a.cfg.StreamName)}
	for {
		output, err := client.ListShards(ctx, input)
		if err != nil {
			return nil, normalizeError("list shards", err)
		}
		for _, shard := range output.Shards {
			if shard.ShardId != nil {
				shards = append(shards, telemetry.ShardID(*shard.ShardId))
			}
		}
		if output.NextToken == nil {
			return shards, nil
		}
		// Subsequent pages identify the stream via the token alone.
		input = &kinesis.ListShardsInput{NextToken: output.NextToken}
	}
}

// Fetch returns the next batch after position. An empty position starts at
// the beginning of the shard's retained window.
func (a *Adapter) Fetch(ctx context.Context, shard telemetry.ShardID, position telemetry.Position) (telemetry.Batch, error) {
	client, err := a.resolveClient()
	if err != nil {
		return telemetry.Batch{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	iteratorInput := &kinesis.GetShardIteratorInput{
		StreamName:        aws.String(a.cfg.StreamName),
		ShardId:           aws.String(string(shard)),
		ShardIteratorType: kinesistypes.ShardIteratorTypeTrimHorizon,
	}
	if position != "" {
		iteratorInput.ShardIteratorType = kinesistypes.ShardIteratorTypeAfterSequenceNumber
		iteratorInput.StartingSequenceNumber = aws.String(string(position))
	}
	iterator, err := client.GetShardIterator(ctx, iteratorInput)
	if err != nil {
		return telemetry.Batch{}, normalizeError("get shard iterator", err)
	}
	if iterator.ShardIterator == nil {
		return telemetry.Batch{}, contracts.TransientError{Op: "get shard iterator", Err: fmt.Errorf("empty iterator for shard %s", shard)}
	}

	output, err := client.GetRecords(ctx, &kinesis.GetRecordsInput{
		ShardIterator: iterator.ShardIterator,
		Limit:         aws.Int32(int32(a.cfg.FetchLimit)),
	})
	if err != nil {
		return telemetry.Batch{}, normalizeError("get records", err)
	}

	batch := telemetry.Batch{
		Shard:  shard,
		Events: make([]telemetry.Event, 0, len(output.Records)),
		Next:   position,
	}
	for _, record := range output.Records {
		var event telemetry.Event
		if err := json.Unmarshal(record.Data, &event); err != nil {
			return telemetry.Batch{}, contracts.FatalError{Op: "decode stream record", Err: err}
		}
		batch.Events = append(batch.Events, event)
		if record.SequenceNumber != nil {
			batch.Next = telemetry.Position(*record.SequenceNumber)
		}
	}
	return batch, nil
}

func normalizeError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return contracts.TransientError{Op: op, Err: err}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ProvisionedThroughputExceededException", "LimitExceededException", "ExpiredIteratorException", "InternalFailure", "ServiceUnavailable":
			return contracts.TransientError{Op: op, Err: err}
		case "ResourceNotFoundException":
			return contracts.NotFoundError{Kind: "stream", Key: apiErr.ErrorMessage()}
		default:
			return contracts.FatalError{Op: op, Err: err}
		}
	}
	return contracts.TransientError{Op: op, Err: err}
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func (a *Adapter) resolveClient() (streamClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return a.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(a.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	a.client = kinesis.NewFromConfig(awsCfg)
	return a.client, nil
}
