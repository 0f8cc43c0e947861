// Package metrics 提供廣播網路的 Prometheus 指標
//
// 每個 Registry 使用獨立的 prometheus.Registry（而非全域預設），
// 同一進程內可建立多個節點（測試）而不會重複註冊。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry 所有指標
type Registry struct {
	reg *prometheus.Registry

	// 連線指標
	ConnectionsActive   *prometheus.GaugeVec
	ConnectionsRejected *prometheus.CounterVec

	// 廣播指標
	PacketsBroadcast *prometheus.CounterVec
	PacketsReceived  *prometheus.CounterVec
	PublishErrors    prometheus.Counter
	DuplicatesDrop   prometheus.Counter

	// 叢集 RPC 指標
	RPCRequests  *prometheus.CounterVec
	RPCDuration  prometheus.Histogram
	ClusterPeers prometheus.Gauge

	// 選舉與心跳
	Leader              prometheus.Gauge
	LeaderTransitions   *prometheus.CounterVec
	HeartbeatTerminated prometheus.Counter

	// 排程任務
	ClusterConnections *prometheus.GaugeVec
	JobRuns            *prometheus.CounterVec
}

// New 建立並註冊所有指標
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		ConnectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fabric_connections_active",
			Help: "Local connections currently registered, by namespace.",
		}, []string{"namespace"}),
		ConnectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_connections_rejected_total",
			Help: "Connections rejected by admission middleware, by namespace.",
		}, []string{"namespace"}),
		PacketsBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_packets_broadcast_total",
			Help: "Broadcasts issued on this node, by namespace and scope (local|cluster).",
		}, []string{"namespace", "scope"}),
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_packets_received_total",
			Help: "Cluster broadcasts received from peers, by namespace.",
		}, []string{"namespace"}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_publish_errors_total",
			Help: "Failed publishes to the shared store.",
		}),
		DuplicatesDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_duplicates_dropped_total",
			Help: "Cluster packets dropped because they were already delivered.",
		}),
		RPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_rpc_requests_total",
			Help: "Scatter-gather requests, by result (local|complete|partial).",
		}, []string{"result"}),
		RPCDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fabric_rpc_duration_seconds",
			Help:    "Scatter-gather latency.",
			Buckets: prometheus.DefBuckets,
		}),
		ClusterPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_cluster_peers",
			Help: "Live peer nodes seen in the node registry.",
		}),
		Leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_leader",
			Help: "1 when this node holds the leader lease.",
		}),
		LeaderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_leader_transitions_total",
			Help: "Leader state transitions, by direction (elected|revoked).",
		}, []string{"direction"}),
		HeartbeatTerminated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fabric_heartbeat_terminated_total",
			Help: "Connections terminated for missing a liveness probe.",
		}),
		ClusterConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fabric_cluster_connections",
			Help: "Cluster-wide connections per namespace, reported by the leader.",
		}, []string{"namespace"}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fabric_job_runs_total",
			Help: "Scheduled job executions, by job and result (ok|error|skipped).",
		}, []string{"job", "result"}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.ConnectionsActive,
		r.ConnectionsRejected,
		r.PacketsBroadcast,
		r.PacketsReceived,
		r.PublishErrors,
		r.DuplicatesDrop,
		r.RPCRequests,
		r.RPCDuration,
		r.ClusterPeers,
		r.Leader,
		r.LeaderTransitions,
		r.HeartbeatTerminated,
		r.ClusterConnections,
		r.JobRuns,
	)

	return r
}

// Gatherer 回傳底層 registry（測試讀取指標用）
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler 回傳 /metrics 端點
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
