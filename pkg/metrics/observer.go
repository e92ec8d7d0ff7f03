package metrics

import (
	"sync"

	"github.com/mrkvm/sould/pkg/shares"
	"github.com/mrkvm/sould/pkg/state"
	"github.com/mrkvm/sould/pkg/transfers"
)

// Observe wires the daemon collectors to the orchestrator and the state
// store. It is a no-op when metrics are disabled.
func Observe(d *Daemon, orch *transfers.Orchestrator, states *state.Store) {
	if d == nil {
		return
	}

	// In-progress transfers are tracked by ID so a repeated update for
	// the same transfer does not skew the gauge.
	var mu sync.Mutex
	active := map[string]transfers.Direction{}
	counts := map[transfers.Direction]int{}

	orch.OnUpdate(func(t transfers.Transfer) {
		mu.Lock()
		defer mu.Unlock()

		_, wasActive := active[t.ID]
		switch {
		case t.State == transfers.StateInProgress && !wasActive:
			active[t.ID] = t.Direction
			counts[t.Direction]++
			d.SetActiveTransfers(string(t.Direction), counts[t.Direction])
		case t.State.Completed():
			if wasActive {
				delete(active, t.ID)
				counts[t.Direction]--
				d.SetActiveTransfers(string(t.Direction), counts[t.Direction])
			}
			d.RecordTransferDone(string(t.Direction), string(t.State), t.BytesTransferred)
		}
	})

	states.Subscribe(func(prev, cur state.State) {
		if prev.Server.Status != cur.Server.Status {
			d.SetServerState(string(cur.Server.Status))
		}
		if cur.Server.ReconnectAttempt > prev.Server.ReconnectAttempt {
			d.RecordReconnectAttempt()
		}
		if prev.Shares != cur.Shares {
			d.SetShareCounts(shares.LocalHost, cur.Shares.Directories, cur.Shares.Files)
		}
		if len(prev.Relay.Agents) != len(cur.Relay.Agents) {
			d.SetConnectedAgents(len(cur.Relay.Agents))
		}
	})
}
