// Package platform talks to the external workflow platform that hosts the
// rendering agents: job listing, dispatch, cancellation, and artifact
// download URLs.
package platform

import (
	"render-orchestrator/internal/config"
)

// Agent is one immutable worker-pool descriptor.
type Agent struct {
	Owner    string
	Repo     string
	Workflow string
	Branch   string
	Token    string
}

// Slug returns the owner/repo identity used in cache keys and webhooks.
func (a Agent) Slug() string {
	return a.Owner + "/" + a.Repo
}

// Registry is the process-scoped agent pool. It is immutable after
// construction and passed explicitly into every consumer.
type Registry struct {
	agents []Agent
}

func NewRegistry(cfgs []config.AgentConfig) *Registry {
	agents := make([]Agent, 0, len(cfgs))
	for _, c := range cfgs {
		agents = append(agents, Agent{
			Owner:    c.Owner,
			Repo:     c.Repo,
			Workflow: c.Workflow,
			Branch:   c.Branch,
			Token:    c.Token,
		})
	}
	return &Registry{agents: agents}
}

// Agents returns the configured pool.
func (r *Registry) Agents() []Agent {
	return r.agents
}

// ByRepo finds the agent owning a repository.
func (r *Registry) ByRepo(owner, repo string) (Agent, bool) {
	for _, a := range r.agents {
		if a.Owner == owner && a.Repo == repo {
			return a, true
		}
	}
	return Agent{}, false
}
