// Package metrics provides Prometheus metrics for GraphStore
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for GraphStore.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Record store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
	StoreSizeBytes         prometheus.Gauge
	StoreEntitiesTotal     prometheus.Gauge

	// Commit pipeline metrics
	CommitsTotal   *prometheus.CounterVec
	CommitDuration prometheus.Histogram
	EventsTotal    *prometheus.CounterVec
	JournalBytes   prometheus.Counter

	// Search metrics
	SearchQueriesTotal *prometheus.CounterVec
	SearchResultsTotal prometheus.Counter

	// Notification metrics
	SubscriptionsActive   prometheus.Gauge
	DeliveriesTotal       prometheus.Counter
	ObserverFailuresTotal *prometheus.CounterVec
	DispatchQueueDepth    prometheus.Gauge

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates all Prometheus metrics and registers them with reg.
// A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	// gRPC request metrics
	m.GrpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphstore_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphstore_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphstore_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	// Record store metrics
	m.StoreOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphstore_store_operations_total",
			Help: "Total number of record store operations",
		},
		[]string{"operation", "status"},
	)

	m.StoreOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphstore_store_operation_duration_seconds",
			Help:    "Duration of record store operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	m.StoreSizeBytes = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphstore_store_size_bytes",
			Help: "Current record store size in bytes",
		},
	)

	m.StoreEntitiesTotal = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphstore_store_entities_total",
			Help: "Total number of committed entities",
		},
	)

	// Commit pipeline metrics
	m.CommitsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphstore_commits_total",
			Help: "Total number of commits by outcome",
		},
		[]string{"status"},
	)

	m.CommitDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "graphstore_commit_duration_seconds",
			Help:    "Duration of commits in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	m.EventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphstore_change_events_total",
			Help: "Total number of committed change events by kind",
		},
		[]string{"kind"},
	)

	m.JournalBytes = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "graphstore_journal_bytes_total",
			Help: "Total number of bytes appended to the change journal",
		},
	)

	// Search metrics
	m.SearchQueriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphstore_search_queries_total",
			Help: "Total number of search queries",
		},
		[]string{"status"},
	)

	m.SearchResultsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "graphstore_search_results_total",
			Help: "Total number of search results returned",
		},
	)

	// Notification metrics
	m.SubscriptionsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphstore_subscriptions_active",
			Help: "Number of registered observers",
		},
	)

	m.DeliveriesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "graphstore_deliveries_total",
			Help: "Total number of events delivered to observers",
		},
	)

	m.ObserverFailuresTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphstore_observer_failures_total",
			Help: "Total number of observer callbacks that returned an error or panicked",
		},
		[]string{"reason"},
	)

	m.DispatchQueueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphstore_dispatch_queue_depth",
			Help: "Events enqueued but not yet delivered, across all observers",
		},
	)

	// Server metrics
	m.ServerUptimeSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphstore_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	return m
}

// RunUptime periodically updates the server uptime metric until ctx is done
func (m *Metrics) RunUptime(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
		}
	}
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordStoreOperation records a record store operation
func (m *Metrics) RecordStoreOperation(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.StoreOperationsTotal.WithLabelValues(operation, status(err)).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// UpdateStoreStats updates record store statistics
func (m *Metrics) UpdateStoreStats(sizeBytes int64, entityCount int64) {
	if m == nil {
		return
	}
	m.StoreSizeBytes.Set(float64(sizeBytes))
	m.StoreEntitiesTotal.Set(float64(entityCount))
}

// RecordCommit records a commit outcome and the events it produced, keyed by kind name
func (m *Metrics) RecordCommit(err error, duration time.Duration, eventsByKind map[string]int) {
	if m == nil {
		return
	}
	m.CommitsTotal.WithLabelValues(status(err)).Inc()
	m.CommitDuration.Observe(duration.Seconds())
	if err != nil {
		return
	}
	for kind, n := range eventsByKind {
		m.EventsTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// RecordJournalAppend records bytes written to the journal
func (m *Metrics) RecordJournalAppend(n int) {
	if m == nil {
		return
	}
	m.JournalBytes.Add(float64(n))
}

// RecordSearch records a search and its result size
func (m *Metrics) RecordSearch(err error, results int) {
	if m == nil {
		return
	}
	m.SearchQueriesTotal.WithLabelValues(status(err)).Inc()
	m.SearchResultsTotal.Add(float64(results))
}

// SetSubscriptions sets the number of registered observers
func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.SubscriptionsActive.Set(float64(n))
}

// RecordDelivery records one event handed to an observer
func (m *Metrics) RecordDelivery() {
	if m == nil {
		return
	}
	m.DeliveriesTotal.Inc()
	m.DispatchQueueDepth.Dec()
}

// RecordEnqueued records events queued for delivery
func (m *Metrics) RecordEnqueued(n int) {
	if m == nil {
		return
	}
	m.DispatchQueueDepth.Add(float64(n))
}

// RecordObserverFailure records an observer error ("error") or panic ("panic")
func (m *Metrics) RecordObserverFailure(reason string) {
	if m == nil {
		return
	}
	m.ObserverFailuresTotal.WithLabelValues(reason).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
