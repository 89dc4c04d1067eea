// Package storage uploads finished FLV recordings to cloud object storage.
// It replaces the teacher's scaffolded-but-empty azure/blob-sidecar and
// cmd/blob-sidecar submodules with a real implementation folded into the
// main module: a Backend abstraction with Azure Blob and S3 implementations,
// and an fsnotify-backed Sidecar that watches a recording directory and
// uploads whatever lands in it.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrUnknownProvider is returned by NewBackend for an unrecognized provider name.
var ErrUnknownProvider = errors.New("storage: unknown provider")

// Provider identifies which cloud backend a Config targets.
type Provider string

const (
	ProviderNone  Provider = ""
	ProviderAzure Provider = "azure"
	ProviderS3    Provider = "s3"
)

// Config configures the storage backend selected for recording uploads.
type Config struct {
	Provider Provider

	// Azure
	AzureAccountURL string // e.g. https://<account>.blob.core.windows.net
	AzureContainer  string

	// S3
	S3Bucket    string
	S3Region    string
	S3Prefix    string
	S3AccessKey string // static credentials; empty uses the default credential chain
	S3SecretKey string

	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig returns a Config with MaxRetries 3 and RetryDelay 2s. The
// Sidecar does not read either field; it makes one upload attempt per file.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		RetryDelay: 2 * time.Second,
	}
}

// Backend uploads a finished recording file to durable object storage.
type Backend interface {
	// Upload streams data of the given size to key and returns once the
	// object is durably stored.
	Upload(ctx context.Context, key string, data io.Reader, size int64) error
	Close() error
}

// NewBackend constructs the Backend named by cfg.Provider. A ProviderNone
// config returns a nil Backend and nil error — the caller should treat that
// as "uploads disabled".
func NewBackend(cfg Config) (Backend, error) {
	switch cfg.Provider {
	case ProviderNone:
		return nil, nil
	case ProviderAzure:
		return newAzureBackend(cfg)
	case ProviderS3:
		return newS3Backend(cfg)
	default:
		return nil, ErrUnknownProvider
	}
}
