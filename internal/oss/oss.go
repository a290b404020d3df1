// Package oss relays artifact files into blob storage through a fixed-order
// provider chain.
package oss

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"render-orchestrator/internal/config"
)

// ErrNoProvider is returned when no blob-storage provider is configured.
var ErrNoProvider = errors.New("no storage provider available")

// ProgressFunc receives upload progress in [0,1].
type ProgressFunc func(progress float64)

// Uploader stores one named blob and returns its public URL.
type Uploader interface {
	Name() string
	Upload(ctx context.Context, name string, data []byte, onProgress ProgressFunc) (string, error)
}

// Chain tries providers in configuration order: S3 first, local directory
// second. The first configured provider that succeeds wins.
type Chain struct {
	providers []Uploader
}

// NewChain builds the provider chain from config. An empty chain is valid;
// uploads through it fail with ErrNoProvider.
func NewChain(ctx context.Context, cfg config.OSSConfig) (*Chain, error) {
	var providers []Uploader
	if cfg.S3 != nil {
		s3p, err := newS3Uploader(ctx, *cfg.S3)
		if err != nil {
			return nil, err
		}
		providers = append(providers, s3p)
	}
	if cfg.LocalDir != "" {
		providers = append(providers, &localUploader{baseDir: cfg.LocalDir})
	}
	return &Chain{providers: providers}, nil
}

// NewChainWith builds a chain over explicit providers, for tests.
func NewChainWith(providers ...Uploader) *Chain {
	return &Chain{providers: providers}
}

// Upload stores the blob via the first provider that accepts it.
func (c *Chain) Upload(ctx context.Context, name string, data []byte, onProgress ProgressFunc) (string, error) {
	if len(c.providers) == 0 {
		return "", ErrNoProvider
	}
	var lastErr error
	for _, p := range c.providers {
		url, err := p.Upload(ctx, name, data, onProgress)
		if err == nil {
			return url, nil
		}
		lastErr = fmt.Errorf("upload to %s: %w", p.Name(), err)
	}
	return "", lastErr
}

// localUploader writes blobs into a directory tree. It serves as the
// fallback provider for development and on-prem deployments.
type localUploader struct {
	baseDir string
}

func (l *localUploader) Name() string { return "local" }

func (l *localUploader) Upload(_ context.Context, name string, data []byte, onProgress ProgressFunc) (string, error) {
	path := filepath.Join(l.baseDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if onProgress != nil {
		onProgress(1)
	}
	return path, nil
}
