// Package logarchive stores the logs that jobs report with their results.
//
// Two archivers are available: InlineArchiver keeps the tail of the log in the
// database next to the run, MinioArchiver writes the full log to an
// S3-compatible bucket.
package logarchive

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/modvault/modvault/pkg/engine"
)

// Kind selects an archiver implementation.
type Kind string

const (
	KindInline Kind = "inline"
	KindS3     Kind = "s3"
)

// Config configures log archival.
type Config struct {
	Kind Kind        `mapstructure:"kind" yaml:"kind" validate:"required,oneof=inline s3"`
	S3   MinioConfig `mapstructure:"s3" yaml:"s3" validate:"-"`
}

// DefaultConfig archives logs inline.
func DefaultConfig() Config {
	return Config{Kind: KindInline}
}

// Validate checks the S3 settings when the S3 archiver is selected.
func (c Config) Validate() error {
	if c.Kind == KindS3 {
		return c.S3.Validate()
	}
	return nil
}

// New returns the archiver selected by cfg. The S3 bucket is created when missing.
func New(ctx context.Context, cfg Config, store LogStore, logger zerolog.Logger) (engine.LogArchiver, error) {
	switch cfg.Kind {
	case KindInline, "":
		return NewInlineArchiver(store, logger), nil
	case KindS3:
		return NewMinioArchiver(ctx, cfg.S3, logger)
	default:
		return nil, fmt.Errorf("unsupported log archive kind %q", cfg.Kind)
	}
}
