package models

import (
	"time"
)

// Run status values persisted in Postgres and reported over webhooks.
const (
	StatusQueued              = "queued"
	StatusInProgress          = "in_progress"
	StatusDownloadingArtifact = "downloading_artifact"
	StatusUploadingToOSS      = "uploading_to_oss"
	StatusCompleted           = "completed"
	StatusFailed              = "failed"
	StatusCancelled           = "cancelled"
)

// IsTerminal reports whether a status ends the run's lifecycle.
// A run has DateCompleted set iff its status is terminal.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ArtifactRef points at a platform-hosted artifact whose download URL is
// resolved lazily when the run is read.
type ArtifactRef struct {
	Owner      string `json:"owner"`
	Repo       string `json:"repo"`
	ArtifactID int64  `json:"artifactId"`
}

// OutputFile is one extracted artifact entry. URL is empty until resolved.
type OutputFile struct {
	Name     string       `json:"name"`
	URL      string       `json:"url,omitempty"`
	Artifact *ArtifactRef `json:"artifact,omitempty"`
}

// Run represents a rendering job persisted in Postgres.
type Run struct {
	ID            string         `json:"objectId"`
	HumanID       string         `json:"id"`
	Owner         string         `json:"user"`
	Input         map[string]any `json:"input"`
	MediaOptions  map[string]any `json:"mediaOptions"`
	Preferences   map[string]any `json:"preferences"`
	Toggles       map[string]any `json:"toggles"`
	OutputFiles   []OutputFile   `json:"outputFiles"`
	Status        string         `json:"status"`
	DateCreated   time.Time      `json:"dateCreated"`
	DateCompleted *time.Time     `json:"dateCompleted,omitempty"`
}

// ProgressRecord is the ephemeral per-dispatch progress snapshot kept in
// Redis. Target is the broadcast topic (owner/humanID).
type ProgressRecord struct {
	Status   string   `json:"status"`
	Progress float64  `json:"progress"`
	ETA      *float64 `json:"eta,omitempty"`
	Target   string   `json:"target"`
}
