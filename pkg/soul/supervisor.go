package soul

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/mrkvm/sould/internal/logger"
	"github.com/mrkvm/sould/pkg/config"
	"github.com/mrkvm/sould/pkg/messages"
	"github.com/mrkvm/sould/pkg/metrics"
	"github.com/mrkvm/sould/pkg/shares"
	"github.com/mrkvm/sould/pkg/state"
	"github.com/mrkvm/sould/pkg/transfers"
)

const (
	defaultBackoffBase = 2 * time.Second
	maxBackoffDelay    = 300 * time.Second
)

// Supervisor owns the protocol client: it connects with the latest
// credentials, reconnects with exponential backoff after transport
// failures, applies option patches, and serves inbound peer requests
// from the share index and transfer orchestrator.
type Supervisor struct {
	client  Client
	options *config.Store
	states  *state.Store
	orch    *transfers.Orchestrator
	index   *shares.Index
	msgs    *messages.Store

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	connected    bool
	reconnecting bool

	backoffBase time.Duration
	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error

	metrics *metrics.Daemon
}

// SetMetrics attaches the daemon collectors. Recording on a nil handle
// is a no-op.
func (s *Supervisor) SetMetrics(d *metrics.Daemon) {
	s.metrics = d
}

// New wires a supervisor. The orchestrator and index handles resolve
// the cyclic supervisor/orchestrator dependency at construction time.
func New(client Client, options *config.Store, states *state.Store,
	orch *transfers.Orchestrator, index *shares.Index, msgs *messages.Store) *Supervisor {
	return &Supervisor{
		client:      client,
		options:     options,
		states:      states,
		orch:        orch,
		index:       index,
		msgs:        msgs,
		backoffBase: defaultBackoffBase,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Start installs resolvers, subscribes to option changes, and connects
// when credentials are configured and no_connect is unset.
func (s *Supervisor) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.client.SetResolvers(s.resolvers())
	s.options.OnChange(s.handleOptionsChange)

	s.wg.Add(1)
	go s.eventLoop()

	cfg := s.options.Get().Soulseek
	if cfg.NoConnect || cfg.Username == "" || cfg.Password == "" {
		logger.Info("not connecting at startup",
			"no_connect", cfg.NoConnect, "credentials_set", cfg.Username != "")
		return nil
	}
	return s.connect(s.ctx)
}

// Stop disconnects and waits for the event loop to drain.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	_ = s.client.Disconnect("shutting down")
	s.wg.Wait()
}

// Connected reports whether a session is up.
func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// connect performs one connection attempt with the latest credentials.
func (s *Supervisor) connect(ctx context.Context) error {
	cfg := s.options.Get().Soulseek

	s.states.Update(func(st state.State) state.State {
		st.Server.Status = state.ServerConnecting
		st.Server.Address = cfg.Address
		return st
	})

	if err := s.client.Connect(ctx, cfg.Username, cfg.Password); err != nil {
		s.states.Update(func(st state.State) state.State {
			st.Server.Status = state.ServerDisconnected
			st.Server.LastError = err.Error()
			return st
		})
		return err
	}
	return nil
}

// eventLoop consumes the client's single event channel and fans out.
func (s *Supervisor) eventLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-s.client.Events():
			if !ok {
				return
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Supervisor) handleEvent(ev Event) {
	switch e := ev.(type) {
	case ConnectedEvent:
		s.mu.Lock()
		s.connected = true
		s.mu.Unlock()
		s.states.Update(func(st state.State) state.State {
			st.Server.Status = state.ServerConnected
			st.Server.ConnectedAt = time.Now().UTC()
			st.Server.LastError = ""
			st.Server.ReconnectAttempt = 0
			return st
		})

	case LoggedInEvent:
		logger.Info("logged in", logger.Username(e.Username))
		s.states.Update(func(st state.State) state.State {
			st.Server.Status = state.ServerLoggedIn
			st.User.Username = e.Username
			st.User.Privileged = e.Privileged
			return st
		})
		s.PublishSharedCounts()

	case DisconnectedEvent:
		s.handleDisconnect(e)

	case TransferUpdateEvent:
		s.orch.HandleTransferUpdate(e.Direction, e.Username, e.Filename, e.State, e.Bytes)

	case PrivateMessageEvent:
		if s.msgs != nil {
			if err := s.msgs.RecordPrivate(e.Username, e.Body, false, e.SentAt); err != nil {
				logger.Warn("failed to store private message", logger.Err(err))
			}
		}
		if err := s.client.AcknowledgePrivateMessage(e.ID); err != nil {
			logger.Debug("failed to acknowledge private message", logger.Err(err))
		}

	case RoomMessageEvent:
		if s.msgs != nil {
			if err := s.msgs.RecordRoom(e.Room, e.Username, e.Body, e.SentAt); err != nil {
				logger.Warn("failed to store room message", logger.Err(err))
			}
		}

	case RoomJoinedEvent:
		logger.Info("joined room", "room", e.Room)
	case RoomLeftEvent:
		logger.Info("left room", "room", e.Room)
	case UserStatusEvent:
		logger.Debug("user status", logger.Username(e.Username), logger.KeyStatus, e.Status)
	case BrowseProgressEvent:
		logger.Debug("browse progress", logger.Username(e.Username), logger.KeyProgress, e.Fraction)
	case DiagnosticEvent:
		logger.Debug("client diagnostic", "message", e.Message)
	}
}

// handleDisconnect classifies the cause and decides whether to begin
// the reconnect loop.
func (s *Supervisor) handleDisconnect(e DisconnectedEvent) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	s.states.Update(func(st state.State) state.State {
		st.Server.Status = state.ServerDisconnected
		st.User = state.User{}
		if e.Err != nil {
			st.Server.LastError = e.Err.Error()
		}
		return st
	})

	s.orch.HandleDisconnect()

	switch {
	case !e.Cause.Retriable():
		if e.Cause == CauseLoginRejected || e.Cause == CauseKicked {
			logger.Error("disconnected, not reconnecting",
				logger.KeyCause, e.Cause.String(), logger.Err(e.Err))
		} else {
			logger.Info("disconnected", logger.KeyCause, e.Cause.String())
		}
	case s.ctx.Err() != nil:
		// Shutting down.
	default:
		s.mu.Lock()
		already := s.reconnecting
		s.reconnecting = true
		s.mu.Unlock()
		if !already {
			s.wg.Add(1)
			go s.reconnectLoop()
		}
	}
}

// reconnectLoop retries until connected or cancelled, using the latest
// credentials from the options store on every attempt.
func (s *Supervisor) reconnectLoop() {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	for attempt := 1; ; attempt++ {
		delay := s.backoffDelay(attempt)
		s.states.Update(func(st state.State) state.State {
			st.Server.ReconnectAttempt = attempt
			return st
		})
		logger.Info("reconnecting",
			logger.KeyAttempt, attempt, logger.KeyDelay, delay.String())

		if err := s.sleep(s.ctx, delay); err != nil {
			return
		}
		if err := s.connect(s.ctx); err != nil {
			logger.Warn("reconnect attempt failed", logger.KeyAttempt, attempt, logger.Err(err))
			continue
		}
		return
	}
}

// backoffDelay doubles per attempt up to the cap, then adds a bounded
// non-negative jitter so simultaneous clients spread out. Delays never
// decrease across attempts.
func (s *Supervisor) backoffDelay(attempt int) time.Duration {
	delay := s.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoffDelay {
			delay = maxBackoffDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(s.backoffBase)))
	if delay+jitter > maxBackoffDelay {
		return maxBackoffDelay
	}
	return delay + jitter
}

// PublishSharedCounts advertises the current index counts to the
// server.
func (s *Supervisor) PublishSharedCounts() {
	c := s.index.Counts()
	s.client.SetSharedCounts(c.Directories, c.Files)
}

// handleOptionsChange reacts to a configuration snapshot swap: it
// builds a minimal client patch and raises the pending-action flags.
func (s *Supervisor) handleOptionsChange(prev, next *config.Config, changes []config.Change) {
	patch := buildPatch(next, changes)
	requiresReconnect := false

	if !patch.Empty() {
		var err error
		requiresReconnect, err = s.client.Reconfigure(patch)
		if err != nil {
			logger.Warn("failed to apply client options", logger.Err(err))
		}
	}

	needsReconnect := requiresReconnect
	needsRestart := false
	for _, c := range changes {
		switch c.Class {
		case config.ClassReconnect:
			needsReconnect = true
		case config.ClassRestart:
			needsRestart = true
		}
	}

	connected := s.Connected()
	if (needsReconnect && connected) || needsRestart {
		s.states.Update(func(st state.State) state.State {
			if needsReconnect && connected {
				st.PendingReconnect = true
			}
			if needsRestart {
				st.PendingRestart = true
			}
			return st
		})
	}
}

// buildPatch assembles the minimal options patch for the client. A
// change anywhere in the connection block replaces the whole block.
func buildPatch(next *config.Config, changes []config.Change) OptionsPatch {
	var patch OptionsPatch
	distributedChanged := false
	connectionChanged := false

	for _, c := range changes {
		switch {
		case c.Key == "soulseek.address":
			addr := next.Soulseek.Address
			patch.ServerAddress = &addr
		case c.Key == "soulseek.listen_port":
			port := next.Soulseek.ListenPort
			patch.ListenPort = &port
		case c.Key == "soulseek.description":
			desc := next.Soulseek.Description
			patch.Description = &desc
		case strings.HasPrefix(c.Key, "soulseek.distributed."):
			distributedChanged = true
		case strings.HasPrefix(c.Key, "soulseek.connection."):
			connectionChanged = true
		}
	}

	if distributedChanged {
		patch.Distributed = &DistributedOptions{
			Enabled:    next.Soulseek.Distributed.Enabled,
			ChildLimit: next.Soulseek.Distributed.ChildLimit,
		}
	}
	if connectionChanged {
		conn := next.Soulseek.Connection
		patch.Connection = &ConnectionOptions{
			Timeout:           conn.Timeout,
			InactivityTimeout: conn.InactivityTimeout,
			ReadBufferSize:    conn.ReadBufferSize,
			WriteBufferSize:   conn.WriteBufferSize,
			Proxy: ProxyOptions{
				Enabled:  conn.Proxy.Enabled,
				Address:  conn.Proxy.Address,
				Port:     conn.Proxy.Port,
				Username: conn.Proxy.Username,
				Password: conn.Proxy.Password,
			},
		}
	}
	return patch
}
