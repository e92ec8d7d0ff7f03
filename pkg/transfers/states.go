// Package transfers drives uploads and downloads between the local
// process and remote peers: it keeps the durable transfer records,
// enforces slot limits, and paces transfer streams through a pluggable
// governor.
package transfers

// Direction tells uploads from downloads.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// State is the transfer lifecycle state. Transitions only move forward:
// Requested -> Queued -> Initializing -> InProgress -> a Completed state.
type State string

const (
	StateNone         State = "none"
	StateRequested    State = "requested"
	StateQueued       State = "queued"
	StateInitializing State = "initializing"
	StateInProgress   State = "in_progress"

	StateSucceeded State = "completed_succeeded"
	StateCancelled State = "completed_cancelled"
	StateTimedOut  State = "completed_timed_out"
	StateRejected  State = "completed_rejected"
	StateErrored   State = "completed_errored"
)

// Completed reports whether the state is in the Completed category.
func (s State) Completed() bool {
	switch s {
	case StateSucceeded, StateCancelled, StateTimedOut, StateRejected, StateErrored:
		return true
	}
	return false
}

var stateRank = map[State]int{
	StateNone:         0,
	StateRequested:    1,
	StateQueued:       2,
	StateInitializing: 3,
	StateInProgress:   4,
	StateSucceeded:    5,
	StateCancelled:    5,
	StateTimedOut:     5,
	StateRejected:     5,
	StateErrored:      5,
}

// canTransition reports whether moving from one state to another keeps
// the lifecycle ordering. Completed states are final.
func canTransition(from, to State) bool {
	if from.Completed() {
		return false
	}
	return stateRank[to] > stateRank[from]
}
