package pipeline

import "github.com/prometheus/client_golang/prometheus"

// pipelineMetrics mirrors, as real Prometheus collectors, the expvar
// counters the teacher keeps in internal/imageapi/image.go (cache
// hits/misses, coalesced/processed requests): the teacher's real
// dependency is prometheus/client_golang, so that's what's wired here
// instead of expvar.
type pipelineMetrics struct {
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	tasksCoalesced    prometheus.Counter
	tasksCreated      prometheus.Counter
	rateLimiterQueued prometheus.Counter
}

func newPipelineMetrics(reg *prometheus.Registry) *pipelineMetrics {
	m := &pipelineMetrics{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagepipeline_memory_cache_hits_total",
			Help: "Memory cache hits in Pipeline.LoadImage.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagepipeline_memory_cache_misses_total",
			Help: "Memory cache misses in Pipeline.LoadImage.",
		}),
		tasksCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagepipeline_tasks_coalesced_total",
			Help: "LoadImage subscriptions that joined an already-running processed-image task instead of creating one.",
		}),
		tasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagepipeline_tasks_created_total",
			Help: "Processed-image task-graph nodes created by LoadImage.",
		}),
		rateLimiterQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagepipeline_rate_limiter_queued_total",
			Help: "Data fetches deferred by the rate limiter because no token was available.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.cacheHits, m.cacheMisses, m.tasksCoalesced, m.tasksCreated, m.rateLimiterQueued)
	}

	return m
}
