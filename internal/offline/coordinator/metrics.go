package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the coordinator's prometheus collectors.
type Metrics struct {
	SyncEntries   *prometheus.CounterVec
	SyncCycles    *prometheus.CounterVec
	CacheRequests *prometheus.CounterVec
	QueueLength   prometheus.Gauge
	StorageUsed   prometheus.Gauge
	StoragePct    prometheus.Gauge
	Peers         prometheus.Gauge
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SyncEntries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_sync_entries_total",
			Help: "Queue entries processed, by outcome.",
		}, []string{"outcome"}),
		SyncCycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_sync_cycles_total",
			Help: "Queue drain cycles, by wake trigger.",
		}, []string{"trigger"}),
		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_cache_requests_total",
			Help: "Read-path requests, by caching policy and result.",
		}, []string{"policy", "result"}),
		QueueLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "fieldsync_queue_length",
			Help: "Sync queue entries remaining after the last drain.",
		}),
		StorageUsed: f.NewGauge(prometheus.GaugeOpts{
			Name: "fieldsync_storage_used_bytes",
			Help: "Bytes used by the local store.",
		}),
		StoragePct: f.NewGauge(prometheus.GaugeOpts{
			Name: "fieldsync_storage_used_percent",
			Help: "Share of the storage quota in use.",
		}),
		Peers: f.NewGauge(prometheus.GaugeOpts{
			Name: "fieldsync_channel_peers",
			Help: "Connected foreground instances.",
		}),
	}
}
