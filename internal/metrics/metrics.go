package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "authcompat"

// Event sources for the events counter.
const (
	SourceLocal     = "local"
	SourceBroadcast = "broadcast"
	SourceWatchdog  = "watchdog"
)

// Metrics holds the collectors of one adapter instance.
type Metrics struct {
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	BackendFetches  prometheus.Counter
	SharedFetches   prometheus.Counter
	StaleDiscards   prometheus.Counter
	Events          *prometheus.CounterVec
	BroadcastErrors prometheus.Counter
	WatchdogTicks   prometheus.Counter
	Subscribers     prometheus.Gauge
}

// New creates the collectors labelled with the backend name and registers them on reg.
// A nil reg leaves them unregistered, which keeps multiple instances in one process apart.
func New(reg prometheus.Registerer, backend string) *Metrics {
	labels := prometheus.Labels{"backend": backend}
	m := &Metrics{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session_cache", Name: "hits_total",
			Help: "Session reads served from memory.", ConstLabels: labels,
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session_cache", Name: "misses_total",
			Help: "Session reads that went to the coordinator.", ConstLabels: labels,
		}),
		BackendFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "inflight", Name: "backend_fetches_total",
			Help: "Session fetches actually sent to the backend.", ConstLabels: labels,
		}),
		SharedFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "inflight", Name: "shared_results_total",
			Help: "Callers that received a result shared with other callers.", ConstLabels: labels,
		}),
		StaleDiscards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session_cache", Name: "stale_discards_total",
			Help: "Fetched sessions dropped because the cache was invalidated meanwhile.", ConstLabels: labels,
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "emitted_total",
			Help: "Auth state events delivered to local subscribers.", ConstLabels: labels,
		}, []string{"event", "source"}),
		BroadcastErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "errors_total",
			Help: "Swallowed cross-tab broadcast failures.", ConstLabels: labels,
		}),
		WatchdogTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watchdog", Name: "ticks_total",
			Help: "Token refresh watchdog checks.", ConstLabels: labels,
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "events", Name: "subscribers",
			Help: "Registered auth state subscribers.", ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.CacheHits, m.CacheMisses, m.BackendFetches, m.SharedFetches, m.StaleDiscards,
		m.Events, m.BroadcastErrors, m.WatchdogTicks, m.Subscribers,
	}
}
