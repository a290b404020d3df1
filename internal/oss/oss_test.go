package oss

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"render-orchestrator/internal/config"
)

type stubUploader struct {
	name  string
	url   string
	err   error
	calls int
}

func (s *stubUploader) Name() string { return s.name }

func (s *stubUploader) Upload(context.Context, string, []byte, ProgressFunc) (string, error) {
	s.calls++
	return s.url, s.err
}

func TestChainEmptyReturnsErrNoProvider(t *testing.T) {
	_, err := NewChainWith().Upload(context.Background(), "a.mp4", nil, nil)
	require.ErrorIs(t, err, ErrNoProvider)
}

func TestChainFirstSuccessWins(t *testing.T) {
	first := &stubUploader{name: "s3", url: "https://s3/a.mp4"}
	second := &stubUploader{name: "local", url: "/tmp/a.mp4"}

	url, err := NewChainWith(first, second).Upload(context.Background(), "a.mp4", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://s3/a.mp4", url)
	assert.Zero(t, second.calls)
}

func TestChainFallsThroughOnError(t *testing.T) {
	first := &stubUploader{name: "s3", err: errors.New("bucket gone")}
	second := &stubUploader{name: "local", url: "/tmp/a.mp4"}

	url, err := NewChainWith(first, second).Upload(context.Background(), "a.mp4", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/a.mp4", url)
}

func TestChainReportsLastError(t *testing.T) {
	first := &stubUploader{name: "s3", err: errors.New("bucket gone")}
	second := &stubUploader{name: "local", err: errors.New("disk full")}

	_, err := NewChainWith(first, second).Upload(context.Background(), "a.mp4", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local")
	assert.Contains(t, err.Error(), "disk full")
}

func TestLocalUploaderWritesNestedPath(t *testing.T) {
	dir := t.TempDir()
	chain, err := NewChain(context.Background(), config.OSSConfig{LocalDir: dir})
	require.NoError(t, err)

	var progressed bool
	url, err := chain.Upload(context.Background(), "renders/a.mp4", []byte("payload"), func(p float64) {
		if p == 1 {
			progressed = true
		}
	})
	require.NoError(t, err)
	assert.True(t, progressed)

	data, err := os.ReadFile(filepath.Join(dir, "renders", "a.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, filepath.Join(dir, "renders", "a.mp4"), url)
}
