package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	CallbacksAccepted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "scrape_callbacks_accepted_total", Help: "Callbacks whose status transition committed"})
	CallbacksRejected  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scrape_callbacks_rejected_total", Help: "Callbacks rejected before the transition"}, []string{"reason"})
	LeaseConflicts     = prometheus.NewCounter(prometheus.CounterOpts{Name: "scrape_lease_conflicts_total", Help: "Stale lease tokens rejected on callbacks or renewals"})
	JobsClaimed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "scrape_jobs_claimed_total", Help: "Jobs claimed by runners via poll"})
	ChunksClaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "scrape_chunks_claimed_total", Help: "Chunk leases granted"})
	JobsRequeued       = prometheus.NewCounter(prometheus.CounterOpts{Name: "scrape_jobs_requeued_total", Help: "Failed jobs returned to pending with backoff"})
	JobsDeadFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "scrape_jobs_failed_total", Help: "Jobs that exhausted their attempts"})
	SideEffectFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "scrape_side_effect_failures_total", Help: "Best-effort post-transition steps that failed"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "scrape_rate_limit_rejects_total", Help: "Requests rejected by the per-runner rate limiter"})
	Subscribers        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scrape_realtime_subscribers", Help: "Connected realtime observers"})
	FanoutPolling      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scrape_fanout_polling", Help: "1 when the fan-out runs in poll fallback mode"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			CallbacksAccepted,
			CallbacksRejected,
			LeaseConflicts,
			JobsClaimed,
			ChunksClaimed,
			JobsRequeued,
			JobsDeadFailed,
			SideEffectFailures,
			RateLimitRejects,
			Subscribers,
			FanoutPolling,
		)
	})
	return promhttp.Handler()
}
