// Package contentstore maps (owner, note) pairs onto deterministic object keys
// and writes note bodies to a pluggable object backend.
package contentstore

import (
	"context"
	"fmt"
)

// Backend is a flat key/value object store. Keys use forward slashes.
type Backend interface {
	// Put writes data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte) error
	// Get returns the object at key, or an error matching apperr.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// List returns every key beginning with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Backend types accepted by NewBackendFromConfig.
const (
	BackendFilesystem = "filesystem"
	BackendS3         = "s3"
	BackendMemory     = "memory"
)

// BackendConfig selects and configures a Backend. Only the fields of the
// chosen Type are read.
type BackendConfig struct {
	Type string   `yaml:"type"`
	FS   FSConfig `yaml:"fs"`
	S3   S3Config `yaml:"s3"`
}

// FSConfig configures FSBackend.
type FSConfig struct {
	Root string `yaml:"root"`
}

// S3Config configures S3Backend. Endpoint and UsePathStyle exist for
// S3-compatible servers such as MinIO.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// NewBackendFromConfig creates a Backend implementation based on cfg.Type.
func NewBackendFromConfig(ctx context.Context, cfg BackendConfig) (Backend, error) {
	switch cfg.Type {
	case BackendMemory:
		return NewMemoryBackend(), nil
	case BackendS3:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("contentstore: s3 backend requires a bucket")
		}
		return NewS3Backend(ctx, cfg.S3)
	case BackendFilesystem, "":
		if cfg.FS.Root == "" {
			return nil, fmt.Errorf("contentstore: filesystem backend requires a root")
		}
		return NewFSBackend(cfg.FS.Root)
	default:
		return nil, fmt.Errorf("contentstore: unknown backend type: %s", cfg.Type)
	}
}
