package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"render-orchestrator/internal/admission"
	"render-orchestrator/internal/broadcast"
	"render-orchestrator/internal/config"
	"render-orchestrator/internal/dispatch"
	"render-orchestrator/internal/hrid"
	"render-orchestrator/internal/lifecycle"
	"render-orchestrator/internal/models"
	"render-orchestrator/internal/platform"
	"render-orchestrator/internal/progress"
	"render-orchestrator/internal/ratelimit"
	"render-orchestrator/internal/store"
	"render-orchestrator/internal/telemetry"
)

// RunStore is the persistence surface the API needs.
type RunStore interface {
	admission.Store
	CreateRun(ctx context.Context, p store.CreateRunParams) (models.Run, error)
	FindRun(ctx context.Context, id, owner string) (models.Run, error)
	ListRuns(ctx context.Context, owner string, page, limit int) (int64, []models.Run, error)
	ReplaceRun(ctx context.Context, run models.Run) error
	CountRuns(ctx context.Context) (int64, error)
	CountOwners(ctx context.Context) (int64, error)
}

// Dispatcher starts a remote job for a freshly created run.
type Dispatcher interface {
	Dispatch(ctx context.Context, run models.Run) (dispatch.Estimate, error)
}

// Orchestrator ingests callbacks and performs cancellations.
type Orchestrator interface {
	Process(ctx context.Context, cb lifecycle.Callback) error
	Cancel(ctx context.Context, run models.Run) (int, error)
}

// ArtifactURLResolver resolves lazily-referenced artifact download URLs.
type ArtifactURLResolver interface {
	ArtifactDownloadURL(ctx context.Context, agent platform.Agent, artifactID int64) (string, error)
}

// Server wires the HTTP surface: run submission and queries, webhook
// ingestion, websocket subscriptions, and operational endpoints.
type Server struct {
	cfg          config.Config
	store        RunStore
	dispatcher   Dispatcher
	orchestrator Orchestrator
	cache        *progress.Cache
	registry     *platform.Registry
	resolver     ArtifactURLResolver
	hub          *broadcast.Hub
	limiter      *ratelimit.ClientLimiter
	ids          *hrid.Pool
	logger       *zap.SugaredLogger
}

// New constructs the API server.
func New(cfg config.Config, st RunStore, d Dispatcher, o Orchestrator, cache *progress.Cache,
	registry *platform.Registry, resolver ArtifactURLResolver, hub *broadcast.Hub,
	limiter *ratelimit.ClientLimiter, ids *hrid.Pool, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{
		cfg:          cfg,
		store:        st,
		dispatcher:   d,
		orchestrator: o,
		cache:        cache,
		registry:     registry,
		resolver:     resolver,
		hub:          hub,
		limiter:      limiter,
		ids:          ids,
		logger:       logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/runs/new", s.handleNewRun)
	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Get("/runs/{id}/progress", s.handleGetProgress)
	r.Post("/runs/{id}/cancel", s.handleCancel)
	r.Get("/overview", s.handleOverview)
	r.Post("/webhook/{owner}/{repo}/{id}", s.handleWebhook)
	r.Get("/ws", s.hub.ServeWS)
	return r
}

// authenticate resolves a bearer token of the form [prefix/]secret to an API
// client and the owner prefix scoping its queries.
func (s *Server) authenticate(r *http.Request) (*config.ClientConfig, string) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		return nil, ""
	}
	var prefix, secret string
	if before, after, found := strings.Cut(token, "/"); found {
		prefix, secret = before, after
	} else {
		secret = token
	}
	client := s.cfg.ClientBySecret(prefix, secret)
	if client == nil {
		return nil, ""
	}
	if prefix == "" && len(client.Prefixes) > 0 {
		prefix = client.Prefixes[0]
	}
	// Without a prefix there is no owner namespace to scope the client to.
	if prefix == "" {
		return nil, ""
	}
	return client, prefix
}

type newRunRequest struct {
	User         string         `json:"user"`
	Input        map[string]any `json:"input"`
	MediaOptions map[string]any `json:"mediaOptions"`
	Preferences  map[string]any `json:"preferences"`
	Toggles      map[string]any `json:"toggles"`
}

type newRunResponse struct {
	ObjectID  string   `json:"objectId"`
	RunID     string   `json:"runId"`
	Prefix    string   `json:"prefix"`
	QueueSize int64    `json:"queueSize"`
	QueueTime *float64 `json:"queueTime"`
}

func (s *Server) handleNewRun(w http.ResponseWriter, r *http.Request) {
	client, prefix := s.authenticate(r)
	if client == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req newRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.User == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}
	if req.Input == nil {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), client.Name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	owner := prefix + "/" + strings.ToLower(req.User)
	decision, err := admission.Check(r.Context(), s.store, owner, client.ConcurrencyLimit())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "admission check failed")
		return
	}
	if !decision.Allowed {
		telemetry.RunsConflicted.Inc()
		writeJSON(w, http.StatusConflict, decision.Existing)
		return
	}

	run, err := s.store.CreateRun(r.Context(), store.CreateRunParams{
		HumanID:      s.ids.Draw(client.Name),
		Owner:        owner,
		Input:        req.Input,
		MediaOptions: req.MediaOptions,
		Preferences:  req.Preferences,
		Toggles:      req.Toggles,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create run failed")
		return
	}

	// The record is created before dispatch; a failed dispatch leaves an
	// orphaned queued row behind rather than rolling back.
	est, err := s.dispatcher.Dispatch(r.Context(), run)
	if err != nil {
		telemetry.DispatchFailures.Inc()
		if errors.Is(err, dispatch.ErrNoAgents) {
			writeError(w, http.StatusServiceUnavailable, "No available agents")
			return
		}
		s.logger.Errorw("dispatch failed", "run", run.ID, "error", err)
		writeError(w, http.StatusBadGateway, "Dispatch failed")
		return
	}

	telemetry.RunsSubmitted.Inc()
	writeJSON(w, http.StatusCreated, newRunResponse{
		ObjectID:  run.ID,
		RunID:     run.HumanID,
		Prefix:    prefix,
		QueueSize: est.QueueSize,
		QueueTime: est.QueueTime,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	client, prefix := s.authenticate(r)
	if client == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	user := strings.ToLower(r.URL.Query().Get("user"))
	if user == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	total, runs, err := s.store.ListRuns(r.Context(), prefix+"/"+user, page, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	for i := range runs {
		runs[i].OutputFiles = s.resolveFiles(r.Context(), runs[i].OutputFiles)
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	client, prefix := s.authenticate(r)
	if client == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	run, ok := s.lookupRun(w, r, prefix)
	if !ok {
		return
	}
	run.OutputFiles = s.resolveFiles(r.Context(), run.OutputFiles)
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	client, prefix := s.authenticate(r)
	if client == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	run, ok := s.lookupRun(w, r, prefix)
	if !ok {
		return
	}
	_, rec, found, err := s.cache.FindByRun(r.Context(), run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "progress lookup failed")
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"status": models.StatusQueued, "progress": 0, "eta": 0})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": rec.Status, "progress": rec.Progress, "eta": rec.ETA})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	client, prefix := s.authenticate(r)
	if client == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	run, ok := s.lookupRun(w, r, prefix)
	if !ok {
		return
	}

	_, err := s.orchestrator.Cancel(r.Context(), run)
	if errors.Is(err, lifecycle.ErrJobNotFound) && run.Status != models.StatusInProgress {
		writeError(w, http.StatusConflict, "Run not initialized")
		return
	}
	if err != nil && !errors.Is(err, lifecycle.ErrJobNotFound) {
		writeError(w, http.StatusBadGateway, "cancel failed")
		return
	}

	if !models.IsTerminal(run.Status) {
		run.Status = models.StatusCancelled
		now := time.Now().UTC()
		run.DateCompleted = &now
		if err := s.store.ReplaceRun(r.Context(), run); err != nil {
			writeError(w, http.StatusInternalServerError, "update run failed")
			return
		}
	}
	telemetry.RunsCancelled.Inc()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	runCount, err := s.store.CountRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "overview failed")
		return
	}
	userCount, err := s.store.CountOwners(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "overview failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runCount": runCount, "userCount": userCount})
}

// webhookPayload tolerates the agents' field-name aliases; values are
// normalized into lifecycle.Callback at this boundary.
type webhookPayload struct {
	RunID         any      `json:"runId"`
	RunIDAlt      any      `json:"run_id"`
	Status        string   `json:"status"`
	Progress      float64  `json:"progress"`
	ArtifactID    any      `json:"artifactId"`
	ArtifactIDAlt any      `json:"artifact_id"`
	ETA           *float64 `json:"eta"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		telemetry.WebhookFailures.Inc()
		writeError(w, http.StatusBadRequest, "Webhook processing failed")
		return
	}

	jobID, ok := asInt64(firstOf(payload.RunID, payload.RunIDAlt))
	if !ok || payload.Status == "" || payload.Progress < 0 || payload.Progress > 1 {
		telemetry.WebhookFailures.Inc()
		writeError(w, http.StatusBadRequest, "Webhook processing failed")
		return
	}
	artifactID, _ := asInt64(firstOf(payload.ArtifactID, payload.ArtifactIDAlt))

	cb := lifecycle.Callback{
		AgentOwner: chi.URLParam(r, "owner"),
		AgentRepo:  chi.URLParam(r, "repo"),
		RunID:      chi.URLParam(r, "id"),
		JobID:      jobID,
		Status:     payload.Status,
		Progress:   payload.Progress,
		ETA:        payload.ETA,
		ArtifactID: artifactID,
	}
	if err := s.orchestrator.Process(r.Context(), cb); err != nil {
		telemetry.WebhookFailures.Inc()
		s.logger.Errorw("webhook processing failed", "run", cb.RunID, "error", err)
		writeError(w, http.StatusBadRequest, "Webhook processing failed")
		return
	}
	telemetry.WebhookEvents.Inc()
	w.WriteHeader(http.StatusNoContent)
}

// lookupRun resolves the {id} path parameter scoped to the caller, writing
// the 404 itself when absent.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request, prefix string) (models.Run, bool) {
	id := chi.URLParam(r, "id")
	owner := prefix + "/" + strings.ToLower(r.URL.Query().Get("user"))
	run, err := s.store.FindRun(r.Context(), id, owner)
	if errors.Is(err, store.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "Run not found")
		return models.Run{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "run lookup failed")
		return models.Run{}, false
	}
	return run, true
}

// resolveFiles fills in URLs for output files that still carry an artifact
// reference. Resolution failures leave the entry unresolved rather than
// failing the read.
func (s *Server) resolveFiles(ctx context.Context, files []models.OutputFile) []models.OutputFile {
	for i, file := range files {
		if file.URL != "" || file.Artifact == nil {
			continue
		}
		agent, ok := s.registry.ByRepo(file.Artifact.Owner, file.Artifact.Repo)
		if !ok {
			continue
		}
		url, err := s.resolver.ArtifactDownloadURL(ctx, agent, file.Artifact.ArtifactID)
		if err != nil {
			s.logger.Warnw("artifact url resolution failed", "artifact", file.Artifact.ArtifactID, "error", err)
			continue
		}
		files[i].URL = url
	}
	return files
}

func firstOf(values ...any) any {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
