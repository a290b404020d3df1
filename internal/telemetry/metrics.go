package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsSubmitted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "runs_submitted_total", Help: "Runs accepted for dispatch"})
	RunsConflicted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "runs_conflict_total", Help: "Submissions rejected by the concurrency limit"})
	RunsCancelled     = prometheus.NewCounter(prometheus.CounterOpts{Name: "runs_cancelled_total", Help: "Runs cancelled via the API"})
	DispatchFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatch_failures_total", Help: "Remote dispatch attempts that failed"})
	WebhookEvents     = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_events_total", Help: "Webhook callbacks processed"})
	WebhookFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_failures_total", Help: "Webhook callbacks that failed processing"})
	ArtifactFiles     = prometheus.NewCounter(prometheus.CounterOpts{Name: "artifact_files_uploaded_total", Help: "Artifact files relayed to blob storage"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	BroadcastClients  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "broadcast_clients", Help: "Connected websocket subscribers"})
	BroadcastMessages = prometheus.NewCounter(prometheus.CounterOpts{Name: "broadcast_messages_total", Help: "Progress events fanned out to subscribers"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsSubmitted,
			RunsConflicted,
			RunsCancelled,
			DispatchFailures,
			WebhookEvents,
			WebhookFailures,
			ArtifactFiles,
			RateLimitRejects,
			BroadcastClients,
			BroadcastMessages,
		)
	})
	return promhttp.Handler()
}
