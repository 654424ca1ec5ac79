// Package s3 adapts Amazon S3 to the pipeline's blob contract. Uploads are
// digest-checked against existing objects so redelivered archives are
// idempotent and silent corruption at a key surfaces as a conflict.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/tiger/relay-telemetry-pipeline/internal/provider/contracts"
)

// metadataDigestKey is the object metadata entry carrying the sha-256 of
// the stored bytes. S3 lowercases user metadata keys on read.
const metadataDigestKey = "content-sha256"

type objectClient interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config locates the archive bucket.
type Config struct {
	Region  string
	Bucket  string
	Timeout time.Duration
}

// ConfigFromEnv builds adapter config from the process environment.
func ConfigFromEnv() Config {
	return Config{
		Region:  defaultString(os.Getenv("RTP_AWS_REGION"), defaultString(os.Getenv("AWS_REGION"), "us-east-1")),
		Bucket:  os.Getenv("RTP_BLOB_BUCKET"),
		Timeout: 30 * time.Second,
	}
}

// Adapter implements the blob contract over S3.
type Adapter struct {
	mu     sync.Mutex
	client objectClient
	cfg    Config
}

// NewAdapter constructs an adapter that lazily builds its AWS client.
func NewAdapter(cfg Config) (*Adapter, error) {
	return NewAdapterWithClient(cfg, nil)
}

// NewAdapterWithClient injects a prebuilt client, usually a test fake.
func NewAdapterWithClient(cfg Config, client objectClient) (*Adapter, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Adapter{client: client, cfg: cfg}, nil
}

// Put uploads data under key. If the key already holds an object with the
// same digest the call is an idempotent no-op; a different digest is a
// conflict and is never overwritten.
func (a *Adapter) Put(ctx context.Context, key string, data []byte, digest string) error {
	if key == "" {
		return fmt.Errorf("blob key is required")
	}
	if len(data) == 0 {
		return fmt.Errorf("blob data is required")
	}
	client, err := a.resolveClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	})
	switch {
	case err == nil:
		existing := head.Metadata[metadataDigestKey]
		if existing == digest {
			return nil
		}
		return contracts.ConflictError{Key: key, ExistingDigest: existing, AttemptDigest: digest}
	case isNotFound(err):
		// Fall through to the upload.
	default:
		return normalizeError("head object", err)
	}

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/zstd"),
		Metadata:      map[string]string{metadataDigestKey: digest},
	})
	if err != nil {
		return normalizeError("put object", err)
	}
	return nil
}

// Get downloads the object stored under key.
func (a *Adapter) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("blob key is required")
	}
	client, err := a.resolveClient()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	output, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, contracts.NotFoundError{Kind: "blob", Key: key}
		}
		return nil, normalizeError("get object", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, contracts.TransientError{Op: "read object body", Err: err}
	}
	return data, nil
}

func isNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey"
	}
	return false
}

func normalizeError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return contracts.TransientError{Op: op, Err: err}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout":
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

func (a *Adapter) resolveClient() (objectClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return a.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(a.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	a.client = s3.NewFromConfig(awsCfg)
	return a.client, nil
}
