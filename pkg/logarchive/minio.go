package logarchive

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// MinioConfig configures the S3-compatible archive.
type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Region    string `mapstructure:"region" yaml:"region"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`

	// Prefix is prepended to every object key.
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

// Validate checks the fields needed to reach the bucket.
func (c MinioConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Endpoint) == "" {
		missing = append(missing, "endpoint")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		missing = append(missing, "access_key")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		missing = append(missing, "secret_key")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		missing = append(missing, "bucket")
	}
	if len(missing) > 0 {
		return fmt.Errorf("log archive s3 config missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

// MinioArchiver writes run logs to an S3-compatible bucket.
type MinioArchiver struct {
	client *minio.Client
	cfg    MinioConfig
	logger zerolog.Logger
}

// NewMinioArchiver connects to the object store and creates the bucket if needed.
func NewMinioArchiver(ctx context.Context, cfg MinioConfig, logger zerolog.Logger) (*MinioArchiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	a := &MinioArchiver{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "log-archive").Str("kind", string(KindS3)).Logger(),
	}
	if err := a.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure log bucket %s: %w", cfg.Bucket, err)
	}
	return a, nil
}

func (a *MinioArchiver) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.cfg.Bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	a.logger.Info().Str("bucket", a.cfg.Bucket).Msg("Creating log bucket")
	return a.client.MakeBucket(ctx, a.cfg.Bucket, minio.MakeBucketOptions{Region: a.cfg.Region})
}

// Archive uploads logs and returns "s3://<bucket>/<key>".
func (a *MinioArchiver) Archive(ctx context.Context, runID string, logs string) (string, error) {
	key := ObjectKey(a.cfg.Prefix, runID)
	info, err := a.client.PutObject(ctx, a.cfg.Bucket, key, strings.NewReader(logs), int64(len(logs)),
		minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
	if err != nil {
		return "", fmt.Errorf("upload run log: %w", err)
	}
	a.logger.Debug().
		Str("run_id", runID).
		Str("key", key).
		Int64("size", info.Size).
		Msg("Run log archived")
	return ObjectRef(a.cfg.Bucket, key), nil
}

// ObjectKey returns the key a run's log is stored under.
func ObjectKey(prefix, runID string) string {
	return path.Join(strings.Trim(prefix, "/"), "runs", runID, "log.txt")
}

// ObjectRef formats an object reference.
func ObjectRef(bucket, key string) string {
	return "s3://" + bucket + "/" + key
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
