package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry       *prometheus.Registry
	registryOnce   sync.Once
	metricsEnabled = true

	// Call lifecycle metrics
	ActiveCalls        prometheus.Gauge
	CallsAdmitted      prometheus.Counter
	CallsRejected      prometheus.Counter
	CallDuration       prometheus.Histogram
	ForcedTerminations prometheus.Counter

	// Audio relay metrics
	FramesRelayed   *prometheus.CounterVec
	FramesBuffered  prometheus.Counter
	FramesDropped   prometheus.Counter
	RelayInterrupts prometheus.Counter

	// Conversation metrics
	FunctionCalls *prometheus.CounterVec
	AIEvents      *prometheus.CounterVec

	// Directory metrics
	DirectoryLookups *prometheus.CounterVec
	ResolverLatency  prometheus.Histogram
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voicegate_active_calls",
			Help: "Number of call sessions currently active",
		})

		CallsAdmitted = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicegate_calls_admitted_total",
			Help: "Total number of calls admitted",
		})

		CallsRejected = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicegate_calls_rejected_total",
			Help: "Total number of calls rejected at capacity",
		})

		CallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicegate_call_duration_seconds",
			Help:    "Duration of completed calls",
			Buckets: []float64{5, 15, 30, 60, 90, 120, 180},
		})

		ForcedTerminations = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicegate_forced_terminations_total",
			Help: "Total number of calls force-terminated by the timeout sweep",
		})

		FramesRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicegate_frames_relayed_total",
			Help: "Total audio frames relayed, by direction",
		}, []string{"direction"})

		FramesBuffered = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicegate_frames_buffered_total",
			Help: "Total audio frames queued before the AI session was ready",
		})

		FramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicegate_frames_dropped_total",
			Help: "Total audio frames evicted from the pre-ready buffer",
		})

		RelayInterrupts = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicegate_relay_interrupts_total",
			Help: "Total AI audio interruptions triggered by caller speech",
		})

		FunctionCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicegate_function_calls_total",
			Help: "Total AI function calls dispatched, by function and outcome",
		}, []string{"function", "outcome"})

		AIEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicegate_ai_events_total",
			Help: "Total AI leg events processed, by type",
		}, []string{"type"})

		DirectoryLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicegate_directory_lookups_total",
			Help: "Total directory resolutions, by status",
		}, []string{"status"})

		ResolverLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicegate_resolver_latency_seconds",
			Help:    "Latency of directory name resolution",
			Buckets: prometheus.DefBuckets,
		})

		CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicegate_directory_cache_hits_total",
			Help: "Total directory lookup cache hits",
		})

		CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicegate_directory_cache_misses_total",
			Help: "Total directory lookup cache misses",
		})

		registry.MustRegister(
			ActiveCalls, CallsAdmitted, CallsRejected, CallDuration,
			ForcedTerminations, FramesRelayed, FramesBuffered, FramesDropped,
			RelayInterrupts, FunctionCalls, AIEvents, DirectoryLookups,
			ResolverLatency, CacheHits, CacheMisses,
		)

		logger.Debug("Metrics registry initialized")
	})
}

// EnableMetrics toggles metric recording; tests disable it to avoid
// touching uninitialized collectors
func EnableMetrics(enabled bool) {
	metricsEnabled = enabled
}

// Enabled reports whether metric recording is active
func Enabled() bool {
	return metricsEnabled && registry != nil
}

// Handler returns the HTTP handler exposing the registry
func Handler() http.Handler {
	if registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncCounter increments a counter when metrics are enabled
func IncCounter(c prometheus.Counter) {
	if Enabled() && c != nil {
		c.Inc()
	}
}

// IncCounterVec increments a labelled counter when metrics are enabled
func IncCounterVec(c *prometheus.CounterVec, labels ...string) {
	if Enabled() && c != nil {
		c.WithLabelValues(labels...).Inc()
	}
}

// SetGauge sets a gauge when metrics are enabled
func SetGauge(g prometheus.Gauge, value float64) {
	if Enabled() && g != nil {
		g.Set(value)
	}
}

// ObserveHistogram records an observation when metrics are enabled
func ObserveHistogram(h prometheus.Histogram, value float64) {
	if Enabled() && h != nil {
		h.Observe(value)
	}
}
