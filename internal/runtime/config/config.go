// Package config resolves the RTP_* deployment surface. Every tunable the
// pipeline depends on (stream, bucket, table, token key, cache bounds,
// reorder window, inactivity timeout, retry budgets) is environment-driven,
// never hard-coded.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tiger/relay-telemetry-pipeline/internal/runtime/retry"
)

const (
	// EnvStreamName configures the telemetry stream name.
	EnvStreamName = "RTP_STREAM_NAME"
	// EnvStreamFetchLimit configures max events per shard fetch.
	EnvStreamFetchLimit = "RTP_STREAM_FETCH_LIMIT"
	// EnvBlobBucket configures the archive blob bucket.
	EnvBlobBucket = "RTP_BLOB_BUCKET"
	// EnvMetadataTable configures the archive index / checkpoint table.
	EnvMetadataTable = "RTP_METADATA_TABLE"
	// EnvAWSRegion configures the provider region.
	EnvAWSRegion = "RTP_AWS_REGION"
	// EnvTokenHMACKey configures the bearer-token verification key.
	EnvTokenHMACKey = "RTP_TOKEN_HMAC_KEY"
	// EnvCacheMaxEntries configures the gateway cache entry bound.
	EnvCacheMaxEntries = "RTP_CACHE_MAX_ENTRIES"
	// EnvCacheMaxBytes configures the gateway cache byte bound.
	EnvCacheMaxBytes = "RTP_CACHE_MAX_BYTES"
	// EnvSessionIdleTimeoutMS configures the inactivity finalize trigger.
	EnvSessionIdleTimeoutMS = "RTP_SESSION_IDLE_TIMEOUT_MS"
	// EnvSessionGraceMS configures terminal-state retention before teardown.
	EnvSessionGraceMS = "RTP_SESSION_GRACE_MS"
	// EnvReorderWindow configures the bounded per-session reorder window.
	EnvReorderWindow = "RTP_REORDER_WINDOW"
	// EnvArchiveConcurrency bounds concurrent session uploads.
	EnvArchiveConcurrency = "RTP_ARCHIVE_CONCURRENCY"

	// EnvStreamRetryMaxAttempts bounds stream fetch/commit retries.
	EnvStreamRetryMaxAttempts = "RTP_STREAM_RETRY_MAX_ATTEMPTS"
	// EnvStreamRetryBackoffMS configures stream retry base backoff.
	EnvStreamRetryBackoffMS = "RTP_STREAM_RETRY_BACKOFF_MS"
	// EnvBlobRetryMaxAttempts bounds blob upload/download retries.
	EnvBlobRetryMaxAttempts = "RTP_BLOB_RETRY_MAX_ATTEMPTS"
	// EnvBlobRetryBackoffMS configures blob retry base backoff.
	EnvBlobRetryBackoffMS = "RTP_BLOB_RETRY_BACKOFF_MS"
	// EnvMetadataRetryMaxAttempts bounds metadata store retries.
	EnvMetadataRetryMaxAttempts = "RTP_METADATA_RETRY_MAX_ATTEMPTS"
	// EnvMetadataRetryBackoffMS configures metadata retry base backoff.
	EnvMetadataRetryBackoffMS = "RTP_METADATA_RETRY_BACKOFF_MS"

	defaultStreamFetchLimit     int64 = 512
	defaultCacheMaxEntries      int64 = 4096
	defaultCacheMaxBytes        int64 = 64 << 20
	defaultSessionIdleTimeoutMS int64 = 60_000
	defaultSessionGraceMS       int64 = 30_000
	defaultReorderWindow        int64 = 32
	defaultArchiveConcurrency   int64 = 4
	defaultRetryMaxAttempts     int64 = 4
	defaultRetryBackoffMS       int64 = 100
)

// Config is the resolved deployment surface for both binaries.
type Config struct {
	StreamName       string
	StreamFetchLimit int
	BlobBucket       string
	MetadataTable    string
	AWSRegion        string
	TokenHMACKey     []byte

	CacheMaxEntries int
	CacheMaxBytes   int

	SessionIdleTimeout time.Duration
	SessionGrace       time.Duration
	ReorderWindow      int
	ArchiveConcurrency int

	StreamRetry   retry.Policy
	BlobRetry     retry.Policy
	MetadataRetry retry.Policy
}

// FromEnv resolves the full configuration surface.
func FromEnv() (Config, error) {
	cfg := Config{
		StreamName:    strings.TrimSpace(os.Getenv(EnvStreamName)),
		BlobBucket:    strings.TrimSpace(os.Getenv(EnvBlobBucket)),
		MetadataTable: strings.TrimSpace(os.Getenv(EnvMetadataTable)),
		AWSRegion:     defaultString(os.Getenv(EnvAWSRegion), defaultString(os.Getenv("AWS_REGION"), "us-east-1")),
	}
	if cfg.StreamName == "" {
		return Config{}, fmt.Errorf("%s is required", EnvStreamName)
	}
	if cfg.BlobBucket == "" {
		return Config{}, fmt.Errorf("%s is required", EnvBlobBucket)
	}
	if cfg.MetadataTable == "" {
		return Config{}, fmt.Errorf("%s is required", EnvMetadataTable)
	}
	if key := strings.TrimSpace(os.Getenv(EnvTokenHMACKey)); key != "" {
		cfg.TokenHMACKey = []byte(key)
	}

	var err error
	if cfg.StreamFetchLimit, err = parsePositiveIntEnv(EnvStreamFetchLimit, defaultStreamFetchLimit); err != nil {
		return Config{}, err
	}
	if cfg.CacheMaxEntries, err = parsePositiveIntEnv(EnvCacheMaxEntries, defaultCacheMaxEntries); err != nil {
		return Config{}, err
	}
	if cfg.CacheMaxBytes, err = parsePositiveIntEnv(EnvCacheMaxBytes, defaultCacheMaxBytes); err != nil {
		return Config{}, err
	}
	if cfg.SessionIdleTimeout, err = parsePositiveDurationEnvMS(EnvSessionIdleTimeoutMS, defaultSessionIdleTimeoutMS); err != nil {
		return Config{}, err
	}
	if cfg.SessionGrace, err = parsePositiveDurationEnvMS(EnvSessionGraceMS, defaultSessionGraceMS); err != nil {
		return Config{}, err
	}
	if cfg.ReorderWindow, err = parsePositiveIntEnv(EnvReorderWindow, defaultReorderWindow); err != nil {
		return Config{}, err
	}
	if cfg.ArchiveConcurrency, err = parsePositiveIntEnv(EnvArchiveConcurrency, defaultArchiveConcurrency); err != nil {
		return Config{}, err
	}

	if cfg.StreamRetry, err = retryPolicyFromEnv(EnvStreamRetryMaxAttempts, EnvStreamRetryBackoffMS); err != nil {
		return Config{}, err
	}
	if cfg.BlobRetry, err = retryPolicyFromEnv(EnvBlobRetryMaxAttempts, EnvBlobRetryBackoffMS); err != nil {
		return Config{}, err
	}
	if cfg.MetadataRetry, err = retryPolicyFromEnv(EnvMetadataRetryMaxAttempts, EnvMetadataRetryBackoffMS); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func retryPolicyFromEnv(attemptsEnv, backoffEnv string) (retry.Policy, error) {
	attempts, err := parsePositiveIntEnv(attemptsEnv, defaultRetryMaxAttempts)
	if err != nil {
		return retry.Policy{}, err
	}
	base, err := parsePositiveDurationEnvMS(backoffEnv, defaultRetryBackoffMS)
	if err != nil {
		return retry.Policy{}, err
	}
	return retry.Policy{MaxAttempts: attempts, BaseInterval: base, MaxInterval: 10 * base}, nil
}

func parsePositiveIntEnv(name string, fallback int64) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return int(fallback), nil
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	if parsed < 1 {
		return 0, fmt.Errorf("parse %s: value must be >=1", name)
	}
	return int(parsed), nil
}

func parsePositiveDurationEnvMS(name string, fallbackMS int64) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return time.Duration(fallbackMS) * time.Millisecond, nil
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	if parsed < 1 {
		return 0, fmt.Errorf("parse %s: value must be >=1ms", name)
	}
	return time.Duration(parsed) * time.Millisecond, nil
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return strings.TrimSpace(v)
}
