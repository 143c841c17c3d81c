package nameserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nameserver_requests_total",
		Help: "Control-plane requests by command and status",
	}, []string{"command", "status"})

	nodesAlive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nameserver_datanodes_alive",
		Help: "DataNodes with a fresh heartbeat",
	})

	nodesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nameserver_datanodes_total",
		Help: "Registered DataNodes, dead or alive",
	})

	filesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nameserver_files_total",
		Help: "Files in the metadata index",
	})

	chunksTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nameserver_chunks_total",
		Help: "Chunks across all files",
	})

	bytesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nameserver_bytes_total",
		Help: "Declared bytes across all files",
	})

	underReplicatedChunks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nameserver_under_replicated_chunks",
		Help: "Chunks below their replication factor",
	})
)
