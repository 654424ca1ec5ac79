// Package dynamo adapts Amazon DynamoDB to the pipeline's metadata and
// checkpoint contracts. One table holds both row kinds, distinguished by a
// partition key prefix.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/tiger/relay-telemetry-pipeline/api/archive"
	"github.com/tiger/relay-telemetry-pipeline/api/telemetry"
	"github.com/tiger/relay-telemetry-pipeline/internal/provider/contracts"
)

const (
	sessionKeyPrefix = "session#"
	shardKeyPrefix   = "shard#"
)

type tableClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Config locates the index table.
type Config struct {
	Region  string
	Table   string
	Timeout time.Duration
}

// ConfigFromEnv builds adapter config from the process environment.
func ConfigFromEnv() Config {
	return Config{
		Region:  defaultString(os.Getenv("RTP_AWS_REGION"), defaultString(os.Getenv("AWS_REGION"), "us-east-1")),
		Table:   os.Getenv("RTP_METADATA_TABLE"),
		Timeout: 10 * time.Second,
	}
}

// Adapter implements the metadata and checkpoint contracts over DynamoDB.
type Adapter struct {
	mu     sync.Mutex
	client tableClient
	cfg    Config
}

// NewAdapter constructs an adapter that lazily builds its AWS client.
func NewAdapter(cfg Config) (*Adapter, error) {
	return NewAdapterWithClient(cfg, nil)
}

// NewAdapterWithClient injects a prebuilt client, usually a test fake.
func NewAdapterWithClient(cfg Config, client tableClient) (*Adapter, error) {
	if strings.TrimSpace(cfg.Table) == "" {
		return nil, fmt.Errorf("table is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Adapter{client: client, cfg: cfg}, nil
}

type recordItem struct {
	PK             string `dynamodbav:"pk"`
	SessionID      string `dynamodbav:"session_id"`
	ContentHash    string `dynamodbav:"content_hash"`
	CompressedSize int64  `dynamodbav:"compressed_size"`
	StorageKey     string `dynamodbav:"storage_key"`
	CreatedAtMS    int64  `dynamodbav:"created_at_ms"`
}

type checkpointItem struct {
	PK       string `dynamodbav:"pk"`
	Position string `dynamodbav:"position"`
}

// GetRecord returns the archive index record for a session.
func (a *Adapter) GetRecord(ctx context.Context, sessionID string) (archive.Record, error) {
	if sessionID == "" {
		return archive.Record{}, fmt.Errorf("session id is required")
	}

	item, err := a.getItem(ctx, sessionKeyPrefix+sessionID)
	if err != nil {
		return archive.Record{}, err
	}
	if len(item) == 0 {
		return archive.Record{}, contracts.NotFoundError{Kind: "archive record", Key: sessionID}
	}

	var row recordItem
	if err := attributevalue.UnmarshalMap(item, &row); err != nil {
		return archive.Record{}, contracts.FatalError{Op: "decode record item", Err: err}
	}
	return archive.Record{
		SessionID:      row.SessionID,
		ContentHash:    row.ContentHash,
		CompressedSize: row.CompressedSize,
		StorageKey:     row.StorageKey,
		CreatedAtMS:    row.CreatedAtMS,
	}, nil
}

// PutRecord stores an archive index record. Last write wins; records for a
// session are identical by construction, so overwrites are harmless.
func (a *Adapter) PutRecord(ctx context.Context, record archive.Record) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("invalid archive record: %w", err)
	}

	item, err := attributevalue.MarshalMap(recordItem{
		PK:             sessionKeyPrefix + record.SessionID,
		SessionID:      record.SessionID,
		ContentHash:    record.ContentHash,
		CompressedSize: record.CompressedSize,
		StorageKey:     record.StorageKey,
		CreatedAtMS:    record.CreatedAtMS,
	})
	if err != nil {
		return contracts.FatalError{Op: "encode record item", Err: err}
	}
	return a.putItem(ctx, item)
}

// Load returns the stored checkpoint for a shard.
func (a *Adapter) Load(ctx context.Context, shard telemetry.ShardID) (telemetry.Position, bool, error) {
	if shard == "" {
		return "", false, fmt.Errorf("shard is required")
	}

	item, err := a.getItem(ctx, shardKeyPrefix+string(shard))
	if err != nil {
		return "", false, err
	}
	if len(item) == 0 {
		return "", false, nil
	}

	var row checkpointItem
	if err := attributevalue.UnmarshalMap(item, &row); err != nil {
		return "", false, contracts.FatalError{Op: "decode checkpoint item", Err: err}
	}
	return telemetry.Position(row.Position), true, nil
}

// Save stores a shard checkpoint.
func (a *Adapter) Save(ctx context.Context, shard telemetry.ShardID, position telemetry.Position) error {
	if shard == "" {
		return fmt.Errorf("shard is required")
	}
	if position == "" {
		return fmt.Errorf("position is required")
	}

	item, err := attributevalue.MarshalMap(checkpointItem{
		PK:       shardKeyPrefix + string(shard),
		Position: string(position),
	})
	if err != nil {
		return contracts.FatalError{Op: "encode checkpoint item", Err: err}
	}
	return a.putItem(ctx, item)
}

func (a *Adapter) getItem(ctx context.Context, pk string) (map[string]dynamotypes.AttributeValue, error) {
	client, err := a.resolveClient()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	output, err := client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(a.cfg.Table),
		Key:            map[string]dynamotypes.AttributeValue{"pk": &dynamotypes.AttributeValueMemberS{Value: pk}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, normalizeError("get item", err)
	}
	return output.Item, nil
}

func (a *Adapter) putItem(ctx context.Context, item map[string]dynamotypes.AttributeValue) error {
	client, err := a.resolveClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	_, err = client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(a.cfg.Table),
		Item:      item,
	})
	if err != nil {
		return normalizeError("put item", err)
	}
	return nil
}

func normalizeError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return contracts.TransientError{Op: op, Err: err}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ProvisionedThroughputExceededException", "ThrottlingException", "RequestLimitExceeded", "InternalServerError", "TransactionConflictException":
			return contracts.TransientError{Op: op, Err: err}
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

func (a *Adapter) resolveClient() (tableClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return a.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(a.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	a.client = dynamodb.NewFromConfig(awsCfg)
	return a.client, nil
}
