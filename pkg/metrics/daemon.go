package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Daemon holds the sould domain collectors. NewDaemon returns nil when
// metrics are disabled; all recording methods are nil-receiver safe.
type Daemon struct {
	transfersTotal  *prometheus.CounterVec
	transferBytes   *prometheus.CounterVec
	activeTransfers *prometheus.GaugeVec

	shareFiles       *prometheus.GaugeVec
	shareDirectories *prometheus.GaugeVec

	serverState       prometheus.Gauge
	reconnectAttempts prometheus.Counter

	searchesServed prometheus.Counter

	relayRequests   *prometheus.CounterVec
	connectedAgents prometheus.Gauge
}

// NewDaemon registers the domain collectors on the metrics registry.
func NewDaemon() *Daemon {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &Daemon{
		transfersTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sould_transfers_total",
			Help: "Completed transfers by direction and terminal state",
		}, []string{"direction", "state"}),
		transferBytes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sould_transfer_bytes_total",
			Help: "Bytes moved by completed transfers, by direction",
		}, []string{"direction"}),
		activeTransfers: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "sould_transfers_active",
			Help: "Transfers currently in progress, by direction",
		}, []string{"direction"}),
		shareFiles: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "sould_share_files",
			Help: "Shared files in the index, by host",
		}, []string{"host"}),
		shareDirectories: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "sould_share_directories",
			Help: "Shared directories in the index, by host",
		}, []string{"host"}),
		serverState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "sould_server_state",
			Help: "Soulseek server connection state (0=disconnected, 1=connecting, 2=connected, 3=logged_in)",
		}),
		reconnectAttempts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sould_server_reconnect_attempts_total",
			Help: "Failed server reconnect attempts",
		}),
		searchesServed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sould_searches_served_total",
			Help: "Distributed search requests answered with results",
		}),
		relayRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sould_relay_requests_total",
			Help: "Relay file requests by agent and outcome",
		}, []string{"agent", "outcome"}),
		connectedAgents: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "sould_relay_connected_agents",
			Help: "Agents currently connected to the controller",
		}),
	}
}

// RecordTransferDone counts a transfer that reached a terminal state
// and the bytes it moved.
func (d *Daemon) RecordTransferDone(direction, state string, bytes uint64) {
	if d == nil {
		return
	}
	d.transfersTotal.WithLabelValues(direction, state).Inc()
	d.transferBytes.WithLabelValues(direction).Add(float64(bytes))
}

// SetActiveTransfers sets the in-progress gauge for a direction.
func (d *Daemon) SetActiveTransfers(direction string, n int) {
	if d == nil {
		return
	}
	d.activeTransfers.WithLabelValues(direction).Set(float64(n))
}

// SetShareCounts sets the per-host share gauges.
func (d *Daemon) SetShareCounts(host string, directories, files int) {
	if d == nil {
		return
	}
	d.shareDirectories.WithLabelValues(host).Set(float64(directories))
	d.shareFiles.WithLabelValues(host).Set(float64(files))
}

// RemoveShareHost drops the gauges of a host whose slice was removed.
func (d *Daemon) RemoveShareHost(host string) {
	if d == nil {
		return
	}
	d.shareDirectories.DeleteLabelValues(host)
	d.shareFiles.DeleteLabelValues(host)
}

// SetServerState maps a connection status string onto the state gauge.
func (d *Daemon) SetServerState(status string) {
	if d == nil {
		return
	}
	var v float64
	switch status {
	case "connecting":
		v = 1
	case "connected":
		v = 2
	case "logged_in":
		v = 3
	}
	d.serverState.Set(v)
}

// RecordReconnectAttempt counts one failed reconnect.
func (d *Daemon) RecordReconnectAttempt() {
	if d == nil {
		return
	}
	d.reconnectAttempts.Inc()
}

// RecordSearchServed counts one answered distributed search.
func (d *Daemon) RecordSearchServed() {
	if d == nil {
		return
	}
	d.searchesServed.Inc()
}

// RecordRelayRequest counts a relay file request outcome.
func (d *Daemon) RecordRelayRequest(agent, outcome string) {
	if d == nil {
		return
	}
	d.relayRequests.WithLabelValues(agent, outcome).Inc()
}

// SetConnectedAgents sets the controller agent gauge.
func (d *Daemon) SetConnectedAgents(n int) {
	if d == nil {
		return
	}
	d.connectedAgents.Set(float64(n))
}
