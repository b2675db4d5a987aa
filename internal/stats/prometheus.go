package stats

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	successMsg = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "venice_ingestion_success_msg_total",
		Help: "Records that passed DIV validation.",
	}, []string{"store_version"})

	fatalDiv = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "venice_ingestion_fatal_div_total",
		Help: "Records that failed DIV validation fatally.",
	}, []string{"store_version"})

	duplicateMsg = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "venice_ingestion_duplicate_msg_total",
		Help: "Records dropped as DIV duplicates.",
	}, []string{"store_version"})

	tombstoneCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "venice_ingestion_tombstone_created_dcr_total",
		Help: "Tombstones created by A/A conflict resolution.",
	}, []string{"store_version"})

	storageQuotaUsed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "venice_ingestion_storage_quota_used_bytes",
		Help: "Storage quota bytes used.",
	}, []string{"store_version"})

	leaderProduceLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "venice_ingestion_leader_produce_latency_ms",
		Help: "Latency between record delegation and downstream produce ack.",
	}, []string{"store_version"})

	queuePutLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "venice_ingestion_consumer_records_queue_put_latency_ms",
		Help: "Latency blocking on the drainer's bounded queue.",
	}, []string{"store_version"})

	regionHybridBytesConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "venice_ingestion_region_hybrid_bytes_consumed_total",
		Help: "Bytes consumed from hybrid real-time topics.",
	}, []string{"store_version"})
)

func init() {
	prometheus.MustRegister(
		successMsg, fatalDiv, duplicateMsg, tombstoneCreated,
		storageQuotaUsed, leaderProduceLatency, queuePutLatency, regionHybridBytesConsumed,
	)
}

// PrometheusStatsSink implements StatsSink against the metrics registered
// above, and can optionally serve them on its own HTTP listener (same shape
// as pkg/metrics/exporter.go's StartMetricsServer).
type PrometheusStatsSink struct{}

func NewPrometheusStatsSink() *PrometheusStatsSink { return &PrometheusStatsSink{} }

func (PrometheusStatsSink) RecordSuccess(storeVersion string) {
	successMsg.WithLabelValues(storeVersion).Inc()
}

func (PrometheusStatsSink) RecordFatalDIV(storeVersion string) {
	fatalDiv.WithLabelValues(storeVersion).Inc()
}

func (PrometheusStatsSink) RecordDuplicate(storeVersion string) {
	duplicateMsg.WithLabelValues(storeVersion).Inc()
}

func (PrometheusStatsSink) RecordTombstoneCreated(storeVersion string) {
	tombstoneCreated.WithLabelValues(storeVersion).Inc()
}

func (PrometheusStatsSink) RecordStorageQuotaUsed(storeVersion string, bytes float64) {
	storageQuotaUsed.WithLabelValues(storeVersion).Set(bytes)
}

func (PrometheusStatsSink) RecordLeaderProduceLatencyMs(storeVersion string, ms float64) {
	leaderProduceLatency.WithLabelValues(storeVersion).Observe(ms)
}

func (PrometheusStatsSink) RecordConsumerRecordsQueuePutLatencyMs(storeVersion string, ms float64) {
	queuePutLatency.WithLabelValues(storeVersion).Observe(ms)
}

func (PrometheusStatsSink) RecordRegionHybridBytesConsumed(storeVersion string, bytes float64) {
	regionHybridBytesConsumed.WithLabelValues(storeVersion).Add(bytes)
}

// StartMetricsServer exposes /metrics on the given port, same as the
// broker's pkg/metrics/exporter.go.
func StartMetricsServer(port int) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", port)
		_ = http.ListenAndServe(addr, mux)
	}()
}

var _ StatsSink = PrometheusStatsSink{}
