// Package artifact materializes a completed job's packaged output: it
// streams the archive down, unpacks it, and relays each contained file into
// blob storage, reporting progress at every stage.
package artifact

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"render-orchestrator/internal/models"
	"render-orchestrator/internal/oss"
	"render-orchestrator/internal/telemetry"
)

// ETA estimates remaining seconds from a stage's start time and fractional
// progress. Nil means unknown: not started, or progress outside (0,1].
func ETA(started time.Time, progress float64) *float64 {
	if started.IsZero() || progress <= 0 || progress > 1 {
		return nil
	}
	elapsed := time.Since(started).Seconds()
	remaining := elapsed / progress * (1 - progress)
	return &remaining
}

// ReportFunc receives a stage progress update. Reports are best-effort; the
// pipeline never fails because a report could not be delivered.
type ReportFunc func(status string, progress float64, eta *float64)

// BlobStore is the storage capability the pipeline hands files to.
type BlobStore interface {
	Upload(ctx context.Context, name string, data []byte, onProgress oss.ProgressFunc) (string, error)
}

// Pipeline downloads, unpacks, and re-uploads artifacts.
type Pipeline struct {
	http  *http.Client
	store BlobStore
}

func New(store BlobStore, client *http.Client) *Pipeline {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Pipeline{http: client, store: store}
}

// Materialize fetches the archive at downloadURL and relays every regular
// file entry into blob storage, returning the resulting files in archive
// order. Directories and other non-file entries are skipped.
func (p *Pipeline) Materialize(ctx context.Context, downloadURL, humanID string, report ReportFunc) ([]models.OutputFile, error) {
	archive, err := p.download(ctx, downloadURL, report)
	if err != nil {
		return nil, fmt.Errorf("download artifact: %w", err)
	}

	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("open artifact archive: %w", err)
	}

	var files []models.OutputFile
	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		data, err := readEntry(entry)
		if err != nil {
			return nil, err
		}

		name := OutputName(humanID, entry.Name)
		started := time.Now()
		url, err := p.store.Upload(ctx, name, data, func(progress float64) {
			report(models.StatusUploadingToOSS, progress, ETA(started, progress))
		})
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", name, err)
		}
		telemetry.ArtifactFiles.Inc()
		files = append(files, models.OutputFile{Name: name, URL: url})
	}
	return files, nil
}

// OutputName derives the display name for an archive entry: the run's human
// id in brackets, then the entry path with separators replaced.
func OutputName(humanID, entryPath string) string {
	return fmt.Sprintf("[%s] %s", humanID, strings.ReplaceAll(entryPath, "/", " @ "))
}

// download streams the archive, reporting fractional progress when the
// response carries a content length. Without one the download still runs to
// completion, just silently.
func (p *Pipeline) download(ctx context.Context, url string, report ReportFunc) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	started := time.Now()
	total := resp.ContentLength
	var buf bytes.Buffer
	chunk := make([]byte, 32*1024)
	var received int64
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			received += int64(n)
			if total > 0 {
				progress := float64(received) / float64(total)
				report(models.StatusDownloadingArtifact, progress, ETA(started, progress))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func readEntry(entry *zip.File) ([]byte, error) {
	rc, err := entry.Open()
	if err != nil {
		return nil, fmt.Errorf("open archive entry %s: %w", entry.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read archive entry %s: %w", entry.Name, err)
	}
	return data, nil
}
