package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	DispatchCounter    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_dispatched_total", Help: "Executions submitted to the backend by task mode"}, []string{"mode"})
	DispatchFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_dispatch_failures_total", Help: "Dispatch attempts rejected or failed"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_rate_limit_rejects_total", Help: "Manual triggers rejected by the rate limiter"})
	LifecycleEvents    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_lifecycle_events_total", Help: "Lifecycle signals handled by kind"}, []string{"kind"})
	ExecutionsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_executions_finished_total", Help: "Attempts finished by the worker, by backend state"}, []string{"state"})
	UntrackedSignals   = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_untracked_signals_total", Help: "Lifecycle signals that matched no execution record"})
	DataQualityWarns   = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_negative_runtime_total", Help: "Executions whose computed runtime was negative"})
	ScheduleReloads    = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_schedule_reloads_total", Help: "Schedule table rebuilds from the store"})
	ScheduleEntries    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_schedule_entries", Help: "Live periodic entries in the schedule table"})
	PeriodicFirings    = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_periodic_firings_total", Help: "Periodic entries fired by the reconciler"})
	InspectCacheHits   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_inspect_cache_hits_total", Help: "Introspection answers served from cache"}, []string{"query"})
	InspectQueries     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_inspect_backend_queries_total", Help: "Introspection queries sent to the backend"}, []string{"query"})
	InspectUnknown     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_inspect_unknown_total", Help: "Introspection answers reported as temporarily unknown"}, []string{"query"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_inflight", Help: "Executions currently running on this worker"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			DispatchCounter,
			DispatchFailures,
			RateLimitRejects,
			LifecycleEvents,
			ExecutionsFinished,
			UntrackedSignals,
			DataQualityWarns,
			ScheduleReloads,
			ScheduleEntries,
			PeriodicFirings,
			InspectCacheHits,
			InspectQueries,
			InspectUnknown,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
