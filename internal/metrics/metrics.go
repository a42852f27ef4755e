// Package metrics holds the process-wide Prometheus collectors. They are
// registered once via promauto and shared by the ingester, oracle, and
// snapshot engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LogsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "droplet_logs_ingested_total",
		Help: "Decoded and persisted logs per (chain, contract).",
	}, []string{"chain", "contract"})

	DecodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "droplet_decode_failures_total",
		Help: "Logs that matched a known topic but failed to decode.",
	}, []string{"chain", "contract"})

	CursorBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "droplet_cursor_block",
		Help: "Last safe block committed per (chain, contract) stream.",
	}, []string{"chain", "contract"})

	CursorLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "droplet_cursor_lag_blocks",
		Help: "Distance between the chain tip and the stream cursor.",
	}, []string{"chain", "contract"})

	RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "droplet_rpc_requests_total",
		Help: "RPC calls issued per chain.",
	}, []string{"chain"})

	OraclePriceLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "droplet_oracle_lookups_total",
		Help: "Price resolutions by source (cache, onchain).",
	}, []string{"asset", "source"})

	SnapshotRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "droplet_snapshot_runs_total",
		Help: "Daily snapshot jobs by terminal status.",
	}, []string{"status"})

	SnapshotAddresses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "droplet_snapshot_addresses",
		Help: "Addresses credited in the most recent completed snapshot.",
	})
)
