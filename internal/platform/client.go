package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"
)

// PendingStatuses are the platform-side states that count toward an agent's
// outstanding load.
var PendingStatuses = []string{"in_progress", "queued", "requested", "waiting", "pending"}

// Job is one workflow run on the platform.
type Job struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

type listJobsResponse struct {
	TotalCount int64 `json:"total_count"`
	Jobs       []Job `json:"workflow_runs"`
}

// Client is a thin REST client for the workflow platform.
type Client struct {
	baseURL string
	http    *http.Client
	// redirless skips redirects so artifact lookups can capture the
	// signed download URL from the Location header.
	redirless *http.Client
}

// NewClient builds a client against the platform API base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		redirless: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (c *Client) do(ctx context.Context, agent Agent, method, path string, body any, out any) (int, error) {
	return c.doWith(ctx, c.http, agent, method, path, body, out)
}

func (c *Client) doWith(ctx context.Context, client *http.Client, agent Agent, method, path string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+agent.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < http.StatusMultipleChoices {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// ListJobs returns the agent's workflow runs in one platform status.
func (c *Client) ListJobs(ctx context.Context, agent Agent, status string) ([]Job, int64, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/workflows/%s/runs?status=%s",
		agent.Owner, agent.Repo, agent.Workflow, url.QueryEscape(status))
	var out listJobsResponse
	if _, err := c.do(ctx, agent, http.MethodGet, path, nil, &out); err != nil {
		return nil, 0, err
	}
	return out.Jobs, out.TotalCount, nil
}

// ListPendingJobs queries every pending status concurrently and returns the
// combined jobs and total count.
func (c *Client) ListPendingJobs(ctx context.Context, agent Agent) ([]Job, int64, error) {
	results := make([][]Job, len(PendingStatuses))
	counts := make([]int64, len(PendingStatuses))

	g, ctx := errgroup.WithContext(ctx)
	for i, status := range PendingStatuses {
		i, status := i, status
		g.Go(func() error {
			jobs, total, err := c.ListJobs(ctx, agent, status)
			if err != nil {
				return err
			}
			results[i] = jobs
			counts[i] = total
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	var jobs []Job
	var total int64
	for i := range results {
		jobs = append(jobs, results[i]...)
		total += counts[i]
	}
	return jobs, total, nil
}

// StartJob dispatches the workflow with the given inputs.
func (c *Client) StartJob(ctx context.Context, agent Agent, inputs map[string]string) error {
	path := fmt.Sprintf("/repos/%s/%s/actions/workflows/%s/dispatches",
		agent.Owner, agent.Repo, agent.Workflow)
	body := map[string]any{"ref": agent.Branch, "inputs": inputs}
	if _, err := c.do(ctx, agent, http.MethodPost, path, body, nil); err != nil {
		return err
	}
	return nil
}

// CancelJob asks the platform to cancel a workflow run and returns the
// acknowledgement status code.
func (c *Client) CancelJob(ctx context.Context, agent Agent, jobID int64) (int, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/cancel", agent.Owner, agent.Repo, jobID)
	return c.do(ctx, agent, http.MethodPost, path, nil, nil)
}

// ArtifactDownloadURL resolves the signed download URL for an artifact. The
// platform answers with a redirect; the Location header carries the URL.
func (c *Client) ArtifactDownloadURL(ctx context.Context, agent Agent, artifactID int64) (string, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/artifacts/%d/zip", agent.Owner, agent.Repo, artifactID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+agent.Token)

	resp, err := c.redirless.Do(req)
	if err != nil {
		return "", fmt.Errorf("artifact url: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("artifact %d: no download URL (status %d)", artifactID, resp.StatusCode)
	}
	return location, nil
}
