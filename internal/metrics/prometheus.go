package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ray"

// Metrics holds all Prometheus metrics for a ray node. Every Record/Update
// method is safe to call on a nil *Metrics so components can run without
// instrumentation.
type Metrics struct {
	// Write queue metrics
	QueueJobsTotal     *prometheus.CounterVec
	QueueJobDuration   *prometheus.HistogramVec
	QueueDepth         *prometheus.GaugeVec
	QueueRejectedTotal *prometheus.CounterVec
	QueueSnapshotBytes *prometheus.HistogramVec

	// Cache metrics
	CacheHitsTotal        *prometheus.CounterVec
	CacheMissesTotal      *prometheus.CounterVec
	CacheExpirationsTotal *prometheus.CounterVec
	CacheEntries          *prometheus.GaugeVec

	// Store metrics
	StoreWritesTotal   *prometheus.CounterVec
	StoreWriteDuration *prometheus.HistogramVec
	StoreEntries       *prometheus.GaugeVec

	// Keyspace metrics
	KeyspaceKeys *prometheus.GaugeVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	LiveClients         prometheus.Gauge

	// System metrics
	DiskUsageBytes     prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	DiskUsagePercent   prometheus.Gauge
	MemoryUsageBytes   prometheus.Gauge
	GoroutinesTotal    prometheus.Gauge
}

// NewMetrics creates all metrics and registers them on reg. A nil reg
// falls back to the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Write queue metrics
		QueueJobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Total number of processed snapshot jobs by status",
		}, []string{"queue", "status"}),
		QueueJobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Histogram of snapshot job durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of snapshot jobs waiting to be written",
		}, []string{"queue"}),
		QueueRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "rejected_total",
			Help:      "Total number of jobs rejected by a disposed queue",
		}, []string{"queue"}),
		QueueSnapshotBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "snapshot_bytes",
			Help:      "Histogram of snapshot sizes written to disk",
			Buckets:   prometheus.ExponentialBuckets(256, 2, 14), // 256B to 2MB
		}, []string{"queue"}),

		// Cache metrics
		CacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits",
		}, []string{"namespace"}),
		CacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses",
		}, []string{"namespace"}),
		CacheExpirationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "expirations_total",
			Help:      "Total number of entries evicted on access after their TTL",
		}, []string{"namespace"}),
		CacheEntries: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Current number of cache entries",
		}, []string{"namespace"}),

		// Store metrics
		StoreWritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "writes_total",
			Help:      "Total number of store persist operations by status",
		}, []string{"store", "status"}),
		StoreWriteDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "write_duration_seconds",
			Help:      "Histogram of synchronous store persist durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"store"}),
		StoreEntries: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "entries",
			Help:      "Current number of store entries",
		}, []string{"store"}),

		// Keyspace metrics
		KeyspaceKeys: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "keyspace",
			Name:      "keys",
			Help:      "Current number of keys by collection type",
		}, []string{"type"}),

		// HTTP metrics
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		LiveClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "live_clients",
			Help:      "Current number of in-flight client connections",
		}),

		// System metrics
		DiskUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "disk_usage_bytes",
			Help:      "Disk usage of the app root filesystem in bytes",
		}),
		DiskAvailableBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "disk_available_bytes",
			Help:      "Available disk space of the app root filesystem in bytes",
		}),
		DiskUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "disk_usage_percent",
			Help:      "Disk usage percentage of the app root filesystem",
		}),
		MemoryUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_usage_bytes",
			Help:      "Heap memory in use in bytes",
		}),
		GoroutinesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines_total",
			Help:      "Current number of goroutines",
		}),
	}
}

// RecordQueueJob records a processed snapshot job
func (m *Metrics) RecordQueueJob(queue string, ok bool, duration float64, bytes int) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "failure"
	}
	m.QueueJobsTotal.WithLabelValues(queue, status).Inc()
	m.QueueJobDuration.WithLabelValues(queue).Observe(duration)
	if ok {
		m.QueueSnapshotBytes.WithLabelValues(queue).Observe(float64(bytes))
	}
}

// UpdateQueueDepth sets the number of pending jobs
func (m *Metrics) UpdateQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordQueueRejected records a job refused by a disposed queue
func (m *Metrics) RecordQueueRejected(queue string) {
	if m == nil {
		return
	}
	m.QueueRejectedTotal.WithLabelValues(queue).Inc()
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit(ns string) {
	if m == nil {
		return
	}
	m.CacheHitsTotal.WithLabelValues(ns).Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss(ns string) {
	if m == nil {
		return
	}
	m.CacheMissesTotal.WithLabelValues(ns).Inc()
}

// RecordCacheExpiration records a lazy TTL eviction
func (m *Metrics) RecordCacheExpiration(ns string) {
	if m == nil {
		return
	}
	m.CacheExpirationsTotal.WithLabelValues(ns).Inc()
}

// UpdateCacheEntries sets the cache entry count
func (m *Metrics) UpdateCacheEntries(ns string, entries int) {
	if m == nil {
		return
	}
	m.CacheEntries.WithLabelValues(ns).Set(float64(entries))
}

// RecordStoreWrite records a synchronous store persist
func (m *Metrics) RecordStoreWrite(store string, ok bool, duration float64, entries int) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "failure"
	}
	m.StoreWritesTotal.WithLabelValues(store, status).Inc()
	m.StoreWriteDuration.WithLabelValues(store).Observe(duration)
	m.StoreEntries.WithLabelValues(store).Set(float64(entries))
}

// UpdateKeyspaceKeys sets the key count for a collection type
func (m *Metrics) UpdateKeyspaceKeys(kind string, keys int) {
	if m == nil {
		return
	}
	m.KeyspaceKeys.WithLabelValues(kind).Set(float64(keys))
}

// RecordHTTPRequest records a served HTTP request
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration)
}

// UpdateLiveClients sets the number of tracked clients
func (m *Metrics) UpdateLiveClients(n int) {
	if m == nil {
		return
	}
	m.LiveClients.Set(float64(n))
}

// UpdateSystemStats updates system-level statistics
func (m *Metrics) UpdateSystemStats(diskUsage, diskAvailable, memoryUsage int64, goroutines int) {
	if m == nil {
		return
	}
	m.DiskUsageBytes.Set(float64(diskUsage))
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	if diskUsage+diskAvailable > 0 {
		m.DiskUsagePercent.Set(float64(diskUsage) / float64(diskUsage+diskAvailable) * 100)
	}
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
