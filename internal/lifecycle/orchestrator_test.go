package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"render-orchestrator/internal/artifact"
	"render-orchestrator/internal/config"
	"render-orchestrator/internal/models"
	"render-orchestrator/internal/platform"
	"render-orchestrator/internal/progress"
)

type memStore struct {
	mu   sync.Mutex
	runs map[string]models.Run
}

func newMemStore(runs ...models.Run) *memStore {
	m := &memStore{runs: make(map[string]models.Run)}
	for _, r := range runs {
		m.runs[r.ID] = r
	}
	return m
}

func (m *memStore) GetRun(_ context.Context, id string) (models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return models.Run{}, errors.New("run not found")
	}
	return run, nil
}

func (m *memStore) ReplaceRun(_ context.Context, run models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

type publishedEvent struct {
	target   string
	status   string
	progress float64
}

type memPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *memPublisher) Publish(target, status string, progress float64, _ *float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{target: target, status: status, progress: progress})
}

func (p *memPublisher) statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.status
	}
	return out
}

type fakePlatform struct {
	jobs        map[string][]platform.Job
	downloadURL string
	cancelled   []int64
	cancelCode  int
}

func (f *fakePlatform) ListPendingJobs(_ context.Context, agent platform.Agent) ([]platform.Job, int64, error) {
	jobs := f.jobs[agent.Slug()]
	return jobs, int64(len(jobs)), nil
}

func (f *fakePlatform) CancelJob(_ context.Context, _ platform.Agent, jobID int64) (int, error) {
	f.cancelled = append(f.cancelled, jobID)
	if f.cancelCode == 0 {
		return 202, nil
	}
	return f.cancelCode, nil
}

func (f *fakePlatform) ArtifactDownloadURL(context.Context, platform.Agent, int64) (string, error) {
	return f.downloadURL, nil
}

type fakePipeline struct {
	files []models.OutputFile
	err   error
}

func (f *fakePipeline) Materialize(_ context.Context, _, _ string, report artifact.ReportFunc) ([]models.OutputFile, error) {
	report(models.StatusDownloadingArtifact, 0.5, nil)
	report(models.StatusUploadingToOSS, 0, nil)
	return f.files, f.err
}

func testRegistry() *platform.Registry {
	return platform.NewRegistry([]config.AgentConfig{
		{Owner: "org", Repo: "agent-a", Workflow: "render.yml", Branch: "main", Token: "t"},
	})
}

func newOrchestrator(t *testing.T, st Store, client PlatformClient, pipeline Materializer, hub Publisher) (*Orchestrator, *progress.Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := progress.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 0)
	return New(st, cache, testRegistry(), client, pipeline, hub, nil), cache
}

func TestProcessFirstCallbackFlipsToInProgress(t *testing.T) {
	run := models.Run{ID: "r1", HumanID: "Thunderstorm", Owner: "qq/1", Status: models.StatusQueued}
	st := newMemStore(run)
	hub := &memPublisher{}
	o, cache := newOrchestrator(t, st, &fakePlatform{}, &fakePipeline{}, hub)

	eta := 30.0
	cb := Callback{
		AgentOwner: "org", AgentRepo: "agent-a",
		RunID: "r1", JobID: 7,
		Status: models.StatusInProgress, Progress: 0.25, ETA: &eta,
	}
	require.NoError(t, o.Process(context.Background(), cb))

	stored, err := st.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, stored.Status)
	assert.Nil(t, stored.DateCompleted)

	rec, ok, err := cache.Get(context.Background(), progress.Key("r1", "org", "agent-a", 7))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "qq/1/Thunderstorm", rec.Target)
	assert.Equal(t, 0.25, rec.Progress)
	require.NotNil(t, rec.ETA)
	assert.Equal(t, 30.0, *rec.ETA)

	require.Len(t, hub.events, 1)
	assert.Equal(t, "qq/1/Thunderstorm", hub.events[0].target)
}

func TestProcessRedeliveryIsIdempotent(t *testing.T) {
	run := models.Run{ID: "r1", HumanID: "Thunderstorm", Owner: "qq/1", Status: models.StatusQueued}
	st := newMemStore(run)
	o, cache := newOrchestrator(t, st, &fakePlatform{}, &fakePipeline{}, &memPublisher{})

	cb := Callback{AgentOwner: "org", AgentRepo: "agent-a", RunID: "r1", JobID: 7, Status: models.StatusInProgress, Progress: 0.5}
	require.NoError(t, o.Process(context.Background(), cb))
	first, _, err := cache.Get(context.Background(), progress.Key("r1", "org", "agent-a", 7))
	require.NoError(t, err)
	stored1, _ := st.GetRun(context.Background(), "r1")

	require.NoError(t, o.Process(context.Background(), cb))
	second, _, err := cache.Get(context.Background(), progress.Key("r1", "org", "agent-a", 7))
	require.NoError(t, err)
	stored2, _ := st.GetRun(context.Background(), "r1")

	assert.Equal(t, first, second)
	assert.Equal(t, stored1, stored2)
}

func TestProcessTerminalStatusIsSticky(t *testing.T) {
	run := models.Run{ID: "r1", HumanID: "Thunderstorm", Owner: "qq/1", Status: models.StatusQueued}
	st := newMemStore(run)
	o, cache := newOrchestrator(t, st, &fakePlatform{}, &fakePipeline{}, &memPublisher{})

	ctx := context.Background()
	base := Callback{AgentOwner: "org", AgentRepo: "agent-a", RunID: "r1", JobID: 7}

	failed := base
	failed.Status = models.StatusFailed
	require.NoError(t, o.Process(ctx, failed))

	stored, _ := st.GetRun(ctx, "r1")
	assert.Equal(t, models.StatusFailed, stored.Status)
	require.NotNil(t, stored.DateCompleted)
	completedAt := *stored.DateCompleted

	// A straggling non-terminal report must not resurrect the run.
	late := base
	late.Status = models.StatusInProgress
	late.Progress = 0.9
	require.NoError(t, o.Process(ctx, late))

	stored, _ = st.GetRun(ctx, "r1")
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, completedAt, *stored.DateCompleted)

	rec, ok, err := cache.Get(ctx, progress.Key("r1", "org", "agent-a", 7))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, 0.9, rec.Progress)
}

func TestProcessCompletedRunsPipeline(t *testing.T) {
	run := models.Run{ID: "r1", HumanID: "Thunderstorm", Owner: "qq/1", Status: models.StatusInProgress}
	st := newMemStore(run)
	hub := &memPublisher{}
	files := []models.OutputFile{{Name: "[Thunderstorm] out.mp4", URL: "https://oss/out.mp4"}}
	o, _ := newOrchestrator(t, st, &fakePlatform{downloadURL: "https://platform/zip"}, &fakePipeline{files: files}, hub)

	cb := Callback{
		AgentOwner: "org", AgentRepo: "agent-a",
		RunID: "r1", JobID: 7,
		Status: models.StatusCompleted, Progress: 1, ArtifactID: 99,
	}
	require.NoError(t, o.Process(context.Background(), cb))

	stored, _ := st.GetRun(context.Background(), "r1")
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, files, stored.OutputFiles)
	require.NotNil(t, stored.DateCompleted)
	assert.WithinDuration(t, time.Now().UTC(), *stored.DateCompleted, time.Minute)

	statuses := hub.statuses()
	assert.Contains(t, statuses, models.StatusDownloadingArtifact)
	assert.Contains(t, statuses, models.StatusUploadingToOSS)
	assert.Equal(t, models.StatusCompleted, statuses[len(statuses)-1])
}

func TestProcessCompletedPipelineFailureLeavesRunRetryable(t *testing.T) {
	run := models.Run{ID: "r1", HumanID: "Thunderstorm", Owner: "qq/1", Status: models.StatusInProgress}
	st := newMemStore(run)
	o, _ := newOrchestrator(t, st, &fakePlatform{downloadURL: "https://platform/zip"}, &fakePipeline{err: errors.New("upload failed")}, &memPublisher{})

	cb := Callback{
		AgentOwner: "org", AgentRepo: "agent-a",
		RunID: "r1", JobID: 7,
		Status: models.StatusCompleted, Progress: 1, ArtifactID: 99,
	}
	require.Error(t, o.Process(context.Background(), cb))

	stored, _ := st.GetRun(context.Background(), "r1")
	assert.Equal(t, models.StatusInProgress, stored.Status)
	assert.Nil(t, stored.DateCompleted)
}

func TestCancelViaCacheKey(t *testing.T) {
	run := models.Run{ID: "r1", HumanID: "Thunderstorm", Owner: "qq/1", Status: models.StatusInProgress}
	st := newMemStore(run)
	client := &fakePlatform{}
	o, cache := newOrchestrator(t, st, client, &fakePipeline{}, &memPublisher{})

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, progress.Key("r1", "org", "agent-a", 7), models.ProgressRecord{Status: models.StatusInProgress}))

	code, err := o.Cancel(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, 202, code)
	assert.Equal(t, []int64{7}, client.cancelled)
}

func TestCancelViaJobNameFallback(t *testing.T) {
	run := models.Run{ID: "r1", HumanID: "Thunderstorm", Owner: "qq/1", Status: models.StatusInProgress}
	st := newMemStore(run)
	client := &fakePlatform{jobs: map[string][]platform.Job{
		"org/agent-a": {
			{ID: 3, Name: "Render Avantgarde [other]"},
			{ID: 4, Name: "Render Thunderstorm [r1]"},
		},
	}}
	o, _ := newOrchestrator(t, st, client, &fakePipeline{}, &memPublisher{})

	code, err := o.Cancel(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, 202, code)
	assert.Equal(t, []int64{4}, client.cancelled)
}

func TestCancelJobNotFound(t *testing.T) {
	run := models.Run{ID: "r1", HumanID: "Thunderstorm", Owner: "qq/1", Status: models.StatusQueued}
	o, _ := newOrchestrator(t, newMemStore(run), &fakePlatform{}, &fakePipeline{}, &memPublisher{})

	_, err := o.Cancel(context.Background(), run)
	require.ErrorIs(t, err, ErrJobNotFound)
}
