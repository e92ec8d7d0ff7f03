package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gathered(t *testing.T) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := GetRegistry().Gather()
	require.NoError(t, err)
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}
	return byName
}

func counterValue(f *dto.MetricFamily, labels map[string]string) float64 {
metric:
	for _, m := range f.GetMetric() {
		for _, p := range m.GetLabel() {
			if labels[p.GetName()] != p.GetValue() {
				continue metric
			}
		}
		return m.GetCounter().GetValue()
	}
	return 0
}

// The registry is process-wide and collectors register once, so the
// whole daemon surface is exercised in a single test.
func TestDaemonCollectors(t *testing.T) {
	assert.False(t, IsEnabled())
	assert.Nil(t, NewDaemon())

	InitRegistry()
	require.True(t, IsEnabled())

	d := NewDaemon()
	require.NotNil(t, d)

	d.RecordTransferDone("upload", "completed_succeeded", 2048)
	d.RecordTransferDone("upload", "completed_errored", 0)
	d.SetActiveTransfers("download", 3)
	d.SetShareCounts("local", 2, 40)
	d.SetServerState("logged_in")
	d.RecordRelayRequest("a1", "ok")
	d.SetConnectedAgents(1)

	byName := gathered(t)

	total := byName["sould_transfers_total"]
	require.NotNil(t, total)
	assert.Equal(t, 1.0, counterValue(total, map[string]string{
		"direction": "upload", "state": "completed_succeeded",
	}))
	assert.Equal(t, 1.0, counterValue(total, map[string]string{
		"direction": "upload", "state": "completed_errored",
	}))

	bytes := byName["sould_transfer_bytes_total"]
	require.NotNil(t, bytes)
	assert.Equal(t, 2048.0, counterValue(bytes, map[string]string{"direction": "upload"}))

	active := byName["sould_transfers_active"]
	require.NotNil(t, active)
	assert.Equal(t, 3.0, active.GetMetric()[0].GetGauge().GetValue())

	server := byName["sould_server_state"]
	require.NotNil(t, server)
	assert.Equal(t, 3.0, server.GetMetric()[0].GetGauge().GetValue())

	// Runtime collectors come with the registry.
	assert.Contains(t, byName, "go_goroutines")

	// Dropping a host removes its gauges.
	d.RemoveShareHost("local")
	byName = gathered(t)
	assert.Empty(t, byName["sould_share_files"].GetMetric())
}

func TestNilDaemonIsSafe(t *testing.T) {
	var d *Daemon
	d.RecordTransferDone("upload", "completed_succeeded", 1)
	d.SetActiveTransfers("upload", 1)
	d.SetShareCounts("local", 1, 1)
	d.RemoveShareHost("local")
	d.SetServerState("connected")
	d.RecordReconnectAttempt()
	d.RecordSearchServed()
	d.RecordRelayRequest("a1", "ok")
	d.SetConnectedAgents(0)
}
