package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// QueryOutcome captures how a query was ultimately answered.
type QueryOutcome string

const (
	// QueryHit indicates the in-memory cache answered the query.
	QueryHit QueryOutcome = "hit"
	// QueryNetwork indicates a live fetch answered the query.
	QueryNetwork QueryOutcome = "network"
	// QueryFallback indicates the persisted fallback answered after live fetches failed.
	QueryFallback QueryOutcome = "fallback"
	// QueryError indicates every path was exhausted.
	QueryError QueryOutcome = "error"
)

// AttemptResult classifies a single network attempt.
type AttemptResult string

const (
	AttemptSuccess   AttemptResult = "success"
	AttemptTransient AttemptResult = "transient"
	AttemptRejected  AttemptResult = "rejected"
)

// FallbackOperation identifies the fallback store method being instrumented.
type FallbackOperation string

const (
	FallbackRead  FallbackOperation = "read"
	FallbackWrite FallbackOperation = "write"
)

// FallbackResult captures the result of a fallback store call.
type FallbackResult string

const (
	FallbackHit    FallbackResult = "hit"
	FallbackMiss   FallbackResult = "miss"
	FallbackStale  FallbackResult = "stale"
	FallbackStored FallbackResult = "stored"
	FallbackError  FallbackResult = "error"
)

// ResponseSource records where the coordinator obtained a response.
type ResponseSource string

const (
	SourceNetwork     ResponseSource = "network"
	SourceCache       ResponseSource = "cache"
	SourceOffline     ResponseSource = "offline"
	SourcePlaceholder ResponseSource = "placeholder"
	SourceUnavailable ResponseSource = "unavailable"
)

// Recorder publishes Prometheus metrics for cache, coordinator and sync activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	queryRequests *prometheus.CounterVec
	queryLatency  *prometheus.HistogramVec
	queryAttempts *prometheus.CounterVec

	fallbackOperations *prometheus.CounterVec

	coordinatorResponses *prometheus.CounterVec
	coordinatorInstall   *prometheus.CounterVec
	coordinatorActivated *prometheus.CounterVec

	syncItems *prometheus.CounterVec
	syncDepth prometheus.Gauge

	breakerState *prometheus.GaugeVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	queryRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamcache",
		Subsystem: "query",
		Name:      "requests_total",
		Help:      "Queries answered by the request executor, by outcome.",
	}, []string{"table", "outcome"})

	queryLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "streamcache",
		Subsystem: "query",
		Name:      "duration_seconds",
		Help:      "Latency distribution for executor queries including retries.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 30, 60},
	}, []string{"table", "outcome"})

	queryAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamcache",
		Subsystem: "query",
		Name:      "attempts_total",
		Help:      "Network attempts issued against the remote data API.",
	}, []string{"table", "result"})

	fallbackOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamcache",
		Subsystem: "fallback",
		Name:      "operations_total",
		Help:      "Persistent fallback store operations.",
	}, []string{"operation", "result"})

	coordinatorResponses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamcache",
		Subsystem: "coordinator",
		Name:      "responses_total",
		Help:      "Intercepted requests answered by the cache coordinator.",
	}, []string{"class", "source"})

	coordinatorInstall := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamcache",
		Subsystem: "coordinator",
		Name:      "install_assets_total",
		Help:      "Manifest assets processed while installing a generation.",
	}, []string{"result"})

	coordinatorActivated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamcache",
		Subsystem: "coordinator",
		Name:      "activations_total",
		Help:      "Generation activations by version label.",
	}, []string{"version"})

	syncItems := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamcache",
		Subsystem: "sync",
		Name:      "items_total",
		Help:      "Offline writes processed during flushes.",
	}, []string{"kind", "result"})

	syncDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamcache",
		Subsystem: "sync",
		Name:      "queue_depth",
		Help:      "Offline writes waiting for delivery after the latest flush or enqueue.",
	})

	breakerState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "streamcache",
		Subsystem: "remote",
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
	}, []string{"name"})

	reg.MustRegister(
		queryRequests, queryLatency, queryAttempts,
		fallbackOperations,
		coordinatorResponses, coordinatorInstall, coordinatorActivated,
		syncItems, syncDepth,
		breakerState,
	)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:             reg,
		handler:              handler,
		queryRequests:        queryRequests,
		queryLatency:         queryLatency,
		queryAttempts:        queryAttempts,
		fallbackOperations:   fallbackOperations,
		coordinatorResponses: coordinatorResponses,
		coordinatorInstall:   coordinatorInstall,
		coordinatorActivated: coordinatorActivated,
		syncItems:            syncItems,
		syncDepth:            syncDepth,
		breakerState:         breakerState,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveQuery records the outcome and latency of an executor query.
func (r *Recorder) ObserveQuery(table string, outcome QueryOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	tableLabel := normalizeLabel(table)
	outcomeLabel := normalizeLabel(string(outcome))
	r.queryRequests.WithLabelValues(tableLabel, outcomeLabel).Inc()
	r.queryLatency.WithLabelValues(tableLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveAttempt records a single network attempt.
func (r *Recorder) ObserveAttempt(table string, result AttemptResult) {
	if r == nil {
		return
	}
	r.queryAttempts.WithLabelValues(normalizeLabel(table), normalizeLabel(string(result))).Inc()
}

// ObserveFallback records a fallback store read or write.
func (r *Recorder) ObserveFallback(operation FallbackOperation, result FallbackResult) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(FallbackRead)
	}
	r.fallbackOperations.WithLabelValues(opLabel, normalizeLabel(string(result))).Inc()
}

// ObserveCoordinator records where an intercepted request was answered from.
func (r *Recorder) ObserveCoordinator(class string, source ResponseSource) {
	if r == nil {
		return
	}
	r.coordinatorResponses.WithLabelValues(normalizeLabel(class), normalizeLabel(string(source))).Inc()
}

// ObserveInstall records the manifest install tally for a generation.
func (r *Recorder) ObserveInstall(cached, skipped int) {
	if r == nil {
		return
	}
	r.coordinatorInstall.WithLabelValues("cached").Add(float64(cached))
	r.coordinatorInstall.WithLabelValues("skipped").Add(float64(skipped))
}

// ObserveActivation records a generation activation.
func (r *Recorder) ObserveActivation(version string) {
	if r == nil {
		return
	}
	r.coordinatorActivated.WithLabelValues(normalizeLabel(version)).Inc()
}

// ObserveSyncItem records the delivery result for one queued write.
func (r *Recorder) ObserveSyncItem(kind string, delivered bool) {
	if r == nil {
		return
	}
	result := "failed"
	if delivered {
		result = "delivered"
	}
	r.syncItems.WithLabelValues(normalizeLabel(kind), result).Inc()
}

// SetSyncDepth publishes the current offline queue length.
func (r *Recorder) SetSyncDepth(depth int) {
	if r == nil {
		return
	}
	r.syncDepth.Set(float64(depth))
}

// SetBreakerState publishes a circuit breaker transition.
func (r *Recorder) SetBreakerState(name string, state int) {
	if r == nil {
		return
	}
	r.breakerState.WithLabelValues(normalizeLabel(name)).Set(float64(state))
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
