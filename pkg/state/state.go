// Package state holds the observable process state: server connection,
// logged-in user, relay role, share index progress, and pending actions.
// The state is a copy-on-write value; writers apply a transformer and
// subscribers see every (previous, current) pair in order.
package state

import (
	"sync"
	"time"
)

// ServerStatus describes the Soulseek server connection.
type ServerStatus string

const (
	ServerDisconnected ServerStatus = "disconnected"
	ServerConnecting   ServerStatus = "connecting"
	ServerConnected    ServerStatus = "connected"
	ServerLoggedIn     ServerStatus = "logged_in"
)

// Server is the connection portion of the state.
type Server struct {
	Status  ServerStatus `json:"status"`
	Address string       `json:"address,omitempty"`

	// ConnectedAt is set when the connection is established.
	ConnectedAt time.Time `json:"connected_at,omitzero"`

	// LastError is the most recent connection failure, cleared on login.
	LastError string `json:"last_error,omitempty"`

	// ReconnectAttempt counts consecutive failed reconnects; zero when
	// connected.
	ReconnectAttempt int `json:"reconnect_attempt,omitempty"`
}

// User is the logged-in identity.
type User struct {
	Username string `json:"username,omitempty"`

	// Privileged reports whether the account has Soulseek privileges.
	Privileged bool `json:"privileged,omitempty"`
}

// Relay describes the federation role and, on a controller, the set of
// connected agents.
type Relay struct {
	Mode       string   `json:"mode"`
	Controller string   `json:"controller,omitempty"`
	Agents     []string `json:"agents,omitempty"`
}

// Shares describes the share index.
type Shares struct {
	// ScanPending is true until the first fill completes; search and
	// browse return empty results while it is set.
	ScanPending bool `json:"scan_pending"`

	// Filling is true while a scan is running; Progress is 0..1.
	Filling  bool    `json:"filling"`
	Progress float64 `json:"progress"`

	Directories int `json:"directories"`
	Files       int `json:"files"`
	Excluded    int `json:"excluded"`

	// LastFilled is when the most recent successful scan finished.
	LastFilled time.Time `json:"last_filled,omitzero"`

	// Faulted is set when the last scan failed; the previous index stays
	// in service.
	Faulted bool `json:"faulted"`
}

// State is the full observable process state. Values are copied on
// update; a snapshot handed to a reader never changes.
type State struct {
	Version string `json:"version"`
	Server  Server `json:"server"`
	User    User   `json:"user"`
	Relay   Relay  `json:"relay"`
	Shares  Shares `json:"shares"`

	// PendingReconnect and PendingRestart are set when an option change
	// needs a reconnect or restart to take effect.
	PendingReconnect bool `json:"pending_reconnect"`
	PendingRestart   bool `json:"pending_restart"`
}

// Subscriber receives the previous and current snapshots after every
// update. Subscribers run synchronously in registration order while the
// store lock is held; they must not call back into the store.
type Subscriber func(prev, cur State)

// Store holds the current State and fans out updates.
type Store struct {
	mu          sync.RWMutex
	current     State
	subscribers []Subscriber
}

// NewStore creates a store with the given initial state.
func NewStore(initial State) *Store {
	return &Store{current: initial}
}

// Get returns the current snapshot.
func (s *Store) Get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe registers a subscriber for all future updates.
func (s *Store) Subscribe(fn Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Update applies the transformer to the current state and publishes the
// (previous, current) pair. The transformer receives a copy; mutating it
// is how the new state is built.
func (s *Store) Update(transform func(State) State) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current
	cur := transform(prev)
	s.current = cur

	for _, fn := range s.subscribers {
		fn(prev, cur)
	}
	return cur
}
