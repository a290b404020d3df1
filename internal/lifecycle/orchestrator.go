// Package lifecycle drives the run state machine from agent callbacks: it
// reconciles each report against the durable run record and the ephemeral
// progress cache, triggers artifact materialization on completion, and
// publishes every progress change to subscribers.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"render-orchestrator/internal/artifact"
	"render-orchestrator/internal/models"
	"render-orchestrator/internal/platform"
	"render-orchestrator/internal/progress"
)

// ErrJobNotFound is returned by Cancel when no active external job could be
// located for the run.
var ErrJobNotFound = errors.New("external job not found")

// Store is the slice of the run store the orchestrator mutates. Every
// mutation is a full read-modify-write of the record.
type Store interface {
	GetRun(ctx context.Context, id string) (models.Run, error)
	ReplaceRun(ctx context.Context, run models.Run) error
}

// Publisher fans progress events out to subscribers.
type Publisher interface {
	Publish(target, status string, progress float64, eta *float64)
}

// PlatformClient is the slice of the platform API the orchestrator needs.
type PlatformClient interface {
	ListPendingJobs(ctx context.Context, agent platform.Agent) ([]platform.Job, int64, error)
	CancelJob(ctx context.Context, agent platform.Agent, jobID int64) (int, error)
	ArtifactDownloadURL(ctx context.Context, agent platform.Agent, artifactID int64) (string, error)
}

// Materializer runs the artifact pipeline.
type Materializer interface {
	Materialize(ctx context.Context, downloadURL, humanID string, report artifact.ReportFunc) ([]models.OutputFile, error)
}

// Callback is the canonical internal shape of a webhook payload; field-name
// aliases are normalized away at the HTTP boundary before reaching here.
type Callback struct {
	AgentOwner string
	AgentRepo  string
	RunID      string
	JobID      int64
	Status     string
	Progress   float64
	ETA        *float64
	ArtifactID int64
}

// Orchestrator ingests callbacks and owns run lifecycle transitions.
type Orchestrator struct {
	store    Store
	cache    *progress.Cache
	registry *platform.Registry
	client   PlatformClient
	pipeline Materializer
	hub      Publisher
	logger   *zap.SugaredLogger
}

func New(st Store, cache *progress.Cache, registry *platform.Registry, client PlatformClient, pipeline Materializer, hub Publisher, logger *zap.SugaredLogger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Orchestrator{
		store:    st,
		cache:    cache,
		registry: registry,
		client:   client,
		pipeline: pipeline,
		hub:      hub,
		logger:   logger,
	}
}

// Process applies one callback. Re-delivery of an identical callback leaves
// the persisted run and cache state unchanged: the first-callback branch is
// keyed off cache-entry existence and the merge is pure.
func (o *Orchestrator) Process(ctx context.Context, cb Callback) error {
	key := progress.Key(cb.RunID, cb.AgentOwner, cb.AgentRepo, cb.JobID)

	rec, exists, err := o.cache.Get(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		// First callback for this dispatch attempt: fix the broadcast
		// target and flip the durable record to in_progress.
		run, err := o.store.GetRun(ctx, cb.RunID)
		if err != nil {
			return err
		}
		rec = models.ProgressRecord{
			Status:   cb.Status,
			Progress: cb.Progress,
			ETA:      cb.ETA,
			Target:   run.Owner + "/" + run.HumanID,
		}
		if !models.IsTerminal(run.Status) {
			run.Status = models.StatusInProgress
			if err := o.store.ReplaceRun(ctx, run); err != nil {
				return err
			}
		}
	} else {
		rec.Progress = cb.Progress
		rec.ETA = cb.ETA
		// Terminal cached status is sticky against late non-terminal
		// reports.
		if !models.IsTerminal(rec.Status) || models.IsTerminal(cb.Status) {
			rec.Status = cb.Status
		}
	}

	switch {
	case cb.Status == models.StatusCompleted && cb.ArtifactID != 0:
		if err := o.complete(ctx, cb, key, rec.Target); err != nil {
			return err
		}
	case cb.Status == models.StatusFailed || cb.Status == models.StatusCancelled:
		if err := o.terminate(ctx, cb.RunID, cb.Status); err != nil {
			return err
		}
	}

	return o.report(ctx, key, rec)
}

// complete resolves the artifact's download URL and runs the pipeline,
// settling the run only after every file landed in blob storage. A pipeline
// failure surfaces to the caller and leaves the run non-terminal so a
// re-delivered callback can retry.
func (o *Orchestrator) complete(ctx context.Context, cb Callback, key, target string) error {
	agent, ok := o.registry.ByRepo(cb.AgentOwner, cb.AgentRepo)
	if !ok {
		return fmt.Errorf("no agent registered for %s/%s", cb.AgentOwner, cb.AgentRepo)
	}
	downloadURL, err := o.client.ArtifactDownloadURL(ctx, agent, cb.ArtifactID)
	if err != nil {
		return err
	}

	run, err := o.store.GetRun(ctx, cb.RunID)
	if err != nil {
		return err
	}

	files, err := o.pipeline.Materialize(ctx, downloadURL, run.HumanID, func(status string, progress float64, eta *float64) {
		o.reportBestEffort(ctx, key, models.ProgressRecord{
			Status:   status,
			Progress: progress,
			ETA:      eta,
			Target:   target,
		})
	})
	if err != nil {
		return err
	}

	run.OutputFiles = files
	if !models.IsTerminal(run.Status) {
		run.Status = models.StatusCompleted
		now := time.Now().UTC()
		run.DateCompleted = &now
	}
	return o.store.ReplaceRun(ctx, run)
}

// terminate records a failed or cancelled run. DateCompleted is set exactly
// once; an already-terminal run is left untouched.
func (o *Orchestrator) terminate(ctx context.Context, runID, status string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if models.IsTerminal(run.Status) {
		return nil
	}
	run.Status = status
	now := time.Now().UTC()
	run.DateCompleted = &now
	return o.store.ReplaceRun(ctx, run)
}

// report persists the merged record (refreshing its TTL) and publishes it.
func (o *Orchestrator) report(ctx context.Context, key string, rec models.ProgressRecord) error {
	if err := o.cache.Set(ctx, key, rec); err != nil {
		return err
	}
	o.hub.Publish(rec.Target, rec.Status, rec.Progress, rec.ETA)
	o.logger.Debugw("progress", "target", rec.Target, "status", rec.Status, "progress", rec.Progress)
	return nil
}

func (o *Orchestrator) reportBestEffort(ctx context.Context, key string, rec models.ProgressRecord) {
	if err := o.report(ctx, key, rec); err != nil {
		o.logger.Warnw("progress report failed", "key", key, "error", err)
	}
}

// Cancel locates the run's active external job and asks the owning agent to
// cancel it, returning the platform's acknowledgement status. The cache is
// preferred: its key alone carries the agent identity and job id. When no
// cache entry survives, every agent's in-flight jobs are scanned for a
// display name ending with the bracketed run id.
func (o *Orchestrator) Cancel(ctx context.Context, run models.Run) (int, error) {
	agent, jobID, err := o.locate(ctx, run.ID)
	if err != nil {
		return 0, err
	}
	status, err := o.client.CancelJob(ctx, agent, jobID)
	if err != nil {
		return status, fmt.Errorf("cancel job %d on %s: %w", jobID, agent.Slug(), err)
	}
	o.logger.Infow("cancelled run", "run", run.HumanID, "agent", agent.Slug(), "job", jobID)
	return status, nil
}

func (o *Orchestrator) locate(ctx context.Context, runID string) (platform.Agent, int64, error) {
	key, _, _, err := o.cache.FindByRun(ctx, runID)
	if err != nil {
		return platform.Agent{}, 0, err
	}
	if key != "" {
		_, owner, repo, job, ok := progress.ParseKey(key)
		if ok {
			agent, found := o.registry.ByRepo(owner, repo)
			jobID, convErr := strconv.ParseInt(job, 10, 64)
			if found && convErr == nil {
				return agent, jobID, nil
			}
		}
	}

	suffix := "[" + runID + "]"
	for _, agent := range o.registry.Agents() {
		jobs, _, err := o.client.ListPendingJobs(ctx, agent)
		if err != nil {
			return platform.Agent{}, 0, err
		}
		for _, job := range jobs {
			if strings.HasSuffix(job.Name, suffix) {
				return agent, job.ID, nil
			}
		}
	}
	return platform.Agent{}, 0, ErrJobNotFound
}
