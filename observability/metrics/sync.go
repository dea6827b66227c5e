package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics tracks the health of inter-node propagation.
type SyncMetrics struct {
	deliveries *prometheus.CounterVec
	inbound    *prometheus.CounterVec
	retries    prometheus.Counter
	queueDepth prometheus.Gauge
}

var (
	syncOnce     sync.Once
	syncRegistry *SyncMetrics
)

// Sync returns the process-wide sync metrics, registering them on first use.
func Sync() *SyncMetrics {
	syncOnce.Do(func() {
		syncRegistry = &SyncMetrics{
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "securebank_sync_deliveries_total",
				Help: "Count of outbound sync deliveries by peer and outcome.",
			}, []string{"peer", "status"}),
			inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "securebank_sync_inbound_total",
				Help: "Count of inbound sync envelopes by processing result.",
			}, []string{"result"}),
			retries: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "securebank_sync_retries_total",
				Help: "Number of delivery attempts replayed from the retry queue.",
			}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "securebank_sync_queue_depth",
				Help: "Entries currently waiting in the retry queue.",
			}),
		}
		prometheus.MustRegister(
			syncRegistry.deliveries,
			syncRegistry.inbound,
			syncRegistry.retries,
			syncRegistry.queueDepth,
		)
	})
	return syncRegistry
}

// Delivery records one outbound delivery attempt.
func (m *SyncMetrics) Delivery(peer, status string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(peer, status).Inc()
}

// Inbound records the outcome of one received envelope.
func (m *SyncMetrics) Inbound(result string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(result).Inc()
}

// Retry counts a queue-driven redelivery attempt.
func (m *SyncMetrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// QueueDepth publishes the current retry-queue length.
func (m *SyncMetrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
