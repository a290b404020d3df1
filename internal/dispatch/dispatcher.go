// Package dispatch picks the least-loaded agent for a new run and issues
// the remote job-start request.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"render-orchestrator/internal/models"
	"render-orchestrator/internal/platform"
)

// ErrNoAgents is returned when the registry is empty or no agent could be
// ranked.
var ErrNoAgents = errors.New("no agents available")

// saturationThreshold is the per-agent concurrency the platform enforces.
// At or above it, new jobs queue behind running ones.
const saturationThreshold = 5

// Estimate is the queueing forecast for one agent. QueueTime is nil when the
// agent is saturated and no in-flight job had a cached ETA.
type Estimate struct {
	Agent     platform.Agent
	Count     int64
	QueueSize int64
	QueueTime *float64
}

// PlatformClient is the slice of the platform API the dispatcher needs.
type PlatformClient interface {
	ListPendingJobs(ctx context.Context, agent platform.Agent) ([]platform.Job, int64, error)
	StartJob(ctx context.Context, agent platform.Agent, inputs map[string]string) error
}

// ProgressLookup resolves cached ETAs for in-flight jobs.
type ProgressLookup interface {
	FindByJob(ctx context.Context, owner, repo string, jobID int64) (models.ProgressRecord, bool, error)
}

// Options carries the fixed values injected into every dispatch.
type Options struct {
	WebhookURL     string
	DefaultRespack string
	Timezone       string
	UseSnapshot    bool
}

// Dispatcher ranks agents by queueing estimate and starts remote jobs.
type Dispatcher struct {
	registry *platform.Registry
	client   PlatformClient
	cache    ProgressLookup
	opts     Options
	logger   *zap.SugaredLogger
}

func New(registry *platform.Registry, client PlatformClient, cache ProgressLookup, opts Options, logger *zap.SugaredLogger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{registry: registry, client: client, cache: cache, opts: opts, logger: logger}
}

// SelectAgent queries every agent's outstanding load concurrently and
// returns the best candidate.
//
// Agents below the saturation threshold report queueSize 0 and queueTime 0.
// Saturated agents report the overflow as queueSize and resolve queueTime
// from the minimum cached ETA across their in-flight jobs, staying nil when
// none is known. Ranking compares queueTime only when both values are
// non-nil and non-zero; every other pairing falls back to the raw count.
func (d *Dispatcher) SelectAgent(ctx context.Context) (Estimate, error) {
	agents := d.registry.Agents()
	if len(agents) == 0 {
		return Estimate{}, ErrNoAgents
	}

	estimates := make([]Estimate, len(agents))
	g, gctx := errgroup.WithContext(ctx)
	for i, agent := range agents {
		i, agent := i, agent
		g.Go(func() error {
			est, err := d.estimate(gctx, agent)
			if err != nil {
				return err
			}
			estimates[i] = est
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Estimate{}, fmt.Errorf("estimate agent load: %w", err)
	}

	sort.SliceStable(estimates, func(i, j int) bool {
		a, b := estimates[i], estimates[j]
		if a.QueueTime != nil && *a.QueueTime != 0 && b.QueueTime != nil && *b.QueueTime != 0 {
			return *a.QueueTime < *b.QueueTime
		}
		return a.Count < b.Count
	})
	return estimates[0], nil
}

func (d *Dispatcher) estimate(ctx context.Context, agent platform.Agent) (Estimate, error) {
	jobs, count, err := d.client.ListPendingJobs(ctx, agent)
	if err != nil {
		return Estimate{}, err
	}

	est := Estimate{Agent: agent, Count: count}
	if count < saturationThreshold {
		zero := 0.0
		est.QueueTime = &zero
		return est, nil
	}

	est.QueueSize = count - saturationThreshold
	for _, job := range jobs {
		rec, ok, err := d.cache.FindByJob(ctx, agent.Owner, agent.Repo, job.ID)
		if err != nil {
			return Estimate{}, err
		}
		if ok && rec.ETA != nil {
			if est.QueueTime == nil || *rec.ETA < *est.QueueTime {
				eta := *rec.ETA
				est.QueueTime = &eta
			}
		}
	}
	return est, nil
}

// Dispatch selects an agent and starts a job for the run. The run record
// already exists; a failed dispatch leaves it queued with no agent assigned.
func (d *Dispatcher) Dispatch(ctx context.Context, run models.Run) (Estimate, error) {
	est, err := d.SelectAgent(ctx)
	if err != nil {
		return Estimate{}, err
	}

	inputs, err := d.buildInputs(run, est.Agent)
	if err != nil {
		return Estimate{}, err
	}
	if err := d.client.StartJob(ctx, est.Agent, inputs); err != nil {
		return Estimate{}, fmt.Errorf("dispatch run %s: %w", run.ID, err)
	}

	d.logger.Infow("dispatched run",
		"run", run.HumanID,
		"agent", est.Agent.Slug(),
		"queue_size", est.QueueSize,
	)
	return est, nil
}

// buildInputs forwards the run's opaque parameters with the server-side
// overrides forced for headless rendering.
func (d *Dispatcher) buildInputs(run models.Run, agent platform.Agent) (map[string]string, error) {
	files := []any{}
	if chartFiles, ok := run.Input["chartFiles"].([]any); ok {
		files = append(files, chartFiles...)
	}
	respack := d.opts.DefaultRespack
	if v, ok := run.Input["respack"].(string); ok && v != "" {
		respack = v
	}
	files = append(files, respack)

	mediaOptions := overlay(run.MediaOptions, map[string]any{"vsync": true})
	preferences := overlay(run.Preferences, map[string]any{"aspectRatio": nil})
	toggles := overlay(run.Toggles, map[string]any{
		"autostart":    true,
		"practice":     false,
		"adjustOffset": false,
		"render":       true,
		"newTab":       true,
		"inApp":        2,
	})

	inputs := map[string]string{
		"id":          run.HumanID,
		"objectId":    run.ID,
		"webhookUrl":  fmt.Sprintf("%s/%s/%s/%s", d.opts.WebhookURL, agent.Owner, agent.Repo, run.ID),
		"timezone":    d.opts.Timezone,
		"useSnapshot": fmt.Sprintf("%t", d.opts.UseSnapshot),
	}
	for key, doc := range map[string]any{
		"files":        files,
		"mediaOptions": mediaOptions,
		"preferences":  preferences,
		"toggles":      toggles,
	} {
		data, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", key, err)
		}
		inputs[key] = string(data)
	}
	if title, ok := run.Input["title"].(string); ok && title != "" {
		inputs["title"] = title
	}
	if level, ok := run.Input["level"].(string); ok && level != "" {
		inputs["level"] = level
	}
	return inputs, nil
}

func overlay(base, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
