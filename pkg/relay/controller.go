package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mrkvm/sould/internal/logger"
	"github.com/mrkvm/sould/internal/telemetry"
	"github.com/mrkvm/sould/pkg/config"
	"github.com/mrkvm/sould/pkg/metrics"
	"github.com/mrkvm/sould/pkg/shares"
	"github.com/mrkvm/sould/pkg/state"
)

var (
	// ErrAgentNotConnected means no channel is up for the agent that
	// advertises the requested file.
	ErrAgentNotConnected = errors.New("agent not connected")

	// ErrUnknownAgent means the agent name is not in the registry.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrUnauthorized means a response credential did not match the
	// pending request it claims to answer.
	ErrUnauthorized = errors.New("credential mismatch")
)

const (
	// credentialLimit bounds the credential part; a hex SHA-256 is 64
	// bytes.
	credentialLimit = 256

	// pingInterval keeps agent channels alive through idle proxies.
	pingInterval = 30 * time.Second

	writeTimeout = 10 * time.Second
)

// pendingRequest tracks one outstanding file request. The stream
// channel hands the multipart body reader to the waiting caller; done
// is signalled when the caller closes the stream, which releases the
// agent's blocked HTTP upload.
type pendingRequest struct {
	agent    string
	filename string
	stream   chan *relayBody
	failed   chan error
	done     chan error
}

func newPendingRequest(agent, filename string) *pendingRequest {
	return &pendingRequest{
		agent:    agent,
		filename: filename,
		stream:   make(chan *relayBody, 1),
		failed:   make(chan error, 1),
		done:     make(chan error, 1),
	}
}

// agentConn is one connected agent channel. Writes are serialized.
type agentConn struct {
	name string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *agentConn) send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

// Controller is the hub side of the relay plane. Agents connect
// inbound over websocket and stay connected; file bodies and share
// indexes come back as HTTP multipart uploads bound to request ids by
// HMAC credentials.
type Controller struct {
	index   *shares.Index
	secrets map[string]string

	responseTimeout time.Duration
	maxFileSize     int64

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*agentConn

	pending sync.Map // id -> *pendingRequest

	metrics *metrics.Daemon
	states  *state.Store
}

// SetMetrics attaches the daemon collectors. Safe to skip; recording on
// a nil handle is a no-op.
func (h *Controller) SetMetrics(d *metrics.Daemon) {
	h.metrics = d
}

// SetStates attaches the state store; the controller mirrors the
// connected agent set into it on every attach and detach.
func (h *Controller) SetStates(s *state.Store) {
	h.states = s
}

// NewController builds the hub from the controller-side relay
// configuration.
func NewController(cfg config.RelayConfig, index *shares.Index) *Controller {
	secrets := make(map[string]string, len(cfg.Agents))
	for _, a := range cfg.Agents {
		secrets[a.Name] = a.Secret
	}
	return &Controller{
		index:           index,
		secrets:         secrets,
		responseTimeout: cfg.ResponseTimeout,
		maxFileSize:     int64(cfg.MaxFileSize),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
		},
		conns: make(map[string]*agentConn),
	}
}

// Agents returns the names of currently connected agents.
func (h *Controller) Agents() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.conns))
	for name := range h.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// publishAgents writes the current agent set to the state store.
func (h *Controller) publishAgents() {
	if h.states == nil {
		return
	}
	names := h.Agents()
	h.states.Update(func(st state.State) state.State {
		st.Relay.Agents = names
		return st
	})
}

// authorize checks the bearer secret for an agent name in constant
// time.
func (h *Controller) authorize(agent, header string) bool {
	secret, ok := h.secrets[agent]
	if !ok {
		return false
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(token)) == 1
}

// HandleAgentSocket upgrades GET /api/v0/network/agents/{agent} to the
// persistent agent channel. The declared name must match the
// authenticated identity.
func (h *Controller) HandleAgentSocket(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	if !h.authorize(agent, r.Header.Get("Authorization")) {
		logger.Warn("rejected agent connection", logger.Agent(agent))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("agent upgrade failed", logger.Agent(agent), logger.Err(err))
		return
	}

	ac := &agentConn{name: agent, conn: conn}
	h.mu.Lock()
	if old, ok := h.conns[agent]; ok {
		_ = old.conn.Close()
	}
	h.conns[agent] = ac
	h.mu.Unlock()
	h.publishAgents()

	logger.Info("agent connected", logger.Agent(agent))
	h.serveAgent(ac)

	h.mu.Lock()
	if h.conns[agent] == ac {
		delete(h.conns, agent)
	}
	h.mu.Unlock()
	h.publishAgents()
	logger.Info("agent disconnected", logger.Agent(agent))

	// Fresh shares from this agent, if any, arrive over HTTP after it
	// reconnects; its current slice stays served meanwhile.
}

// serveAgent pumps the read side until the channel dies. Agents do not
// send application messages; the pump exists to detect closure and to
// answer pings.
func (h *Controller) serveAgent(ac *agentConn) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ac.mu.Lock()
				_ = ac.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				err := ac.conn.WriteMessage(websocket.PingMessage, nil)
				ac.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	_ = ac.conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
	ac.conn.SetPongHandler(func(string) error {
		return ac.conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
	})
	for {
		if _, _, err := ac.conn.ReadMessage(); err != nil {
			_ = ac.conn.Close()
			return
		}
	}
}

// RequestShares asks a connected agent to re-upload its share index.
func (h *Controller) RequestShares(agent string) error {
	h.mu.Lock()
	ac, ok := h.conns[agent]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotConnected, agent)
	}
	return ac.send(Message{Type: MessageRequestShares})
}

// RequestFile asks an agent for a file body and blocks until the agent
// posts the multipart response, the response timeout passes, or ctx is
// cancelled. The returned stream must be closed by the caller; closing
// it releases the agent's blocked upload.
func (h *Controller) RequestFile(ctx context.Context, agent, filename string) (io.ReadCloser, error) {
	ctx, span := telemetry.StartRelaySpan(ctx, agent, filename)
	defer span.End()

	if _, ok := h.secrets[agent]; !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownAgent, agent)
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	h.mu.Lock()
	ac, ok := h.conns[agent]
	h.mu.Unlock()
	if !ok {
		err := fmt.Errorf("%w: %s", ErrAgentNotConnected, agent)
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	id := uuid.NewString()
	p := newPendingRequest(agent, filename)
	h.pending.Store(id, p)
	telemetry.SetAttributes(ctx, telemetry.RequestID(id))

	if err := ac.send(Message{Type: MessageRequestFile, ID: id, Filename: filename}); err != nil {
		h.pending.Delete(id)
		err = fmt.Errorf("failed to send file request to %s: %w", agent, err)
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	logger.Debug("requested file from agent",
		logger.Agent(agent), logger.Filename(filename), logger.KeyRequestID, id)

	timer := time.NewTimer(h.responseTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		h.abortPending(id, p, ctx.Err())
		h.metrics.RecordRelayRequest(agent, "cancelled")
		telemetry.RecordError(ctx, ctx.Err())
		return nil, ctx.Err()
	case <-timer.C:
		err := fmt.Errorf("no response from agent %s: %w", agent, context.DeadlineExceeded)
		h.abortPending(id, p, err)
		h.metrics.RecordRelayRequest(agent, "timeout")
		telemetry.RecordError(ctx, err)
		return nil, err
	case err := <-p.failed:
		h.pending.Delete(id)
		h.metrics.RecordRelayRequest(agent, "failed")
		telemetry.RecordError(ctx, err)
		return nil, err
	case body := <-p.stream:
		h.metrics.RecordRelayRequest(agent, "ok")
		return body, nil
	}
}

// abortPending withdraws a request the caller gave up on. An upload
// handler that slipped in concurrently gets released through done.
func (h *Controller) abortPending(id string, p *pendingRequest, err error) {
	h.pending.Delete(id)
	select {
	case p.done <- err:
	default:
	}
}

// relayBody is the file stream handed to the transfer orchestrator.
// Closing it completes the pending request, which unblocks the agent's
// HTTP upload.
type relayBody struct {
	r    io.Reader
	hub  *Controller
	id   string
	once sync.Once
	done chan<- error
}

func (b *relayBody) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *relayBody) Close() error {
	b.once.Do(func() {
		b.hub.pending.Delete(b.id)
		b.done <- nil
	})
	return nil
}

// HandleFileUpload serves POST /api/v0/network/files/{agent}/{id}: the
// agent's streamed answer to a REQUEST_FILE. The multipart body is
// never buffered; the credential part is checked before the file part
// is touched, and the request blocks until the transfer consuming the
// stream finishes.
func (h *Controller) HandleFileUpload(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	id := chi.URLParam(r, "id")

	secret, ok := h.secrets[agent]
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	pv, ok := h.pending.Load(id)
	if !ok {
		http.Error(w, "unknown request id", http.StatusNotFound)
		return
	}
	p := pv.(*pendingRequest)
	if p.agent != agent {
		http.Error(w, "unknown request id", http.StatusNotFound)
		return
	}

	if r.ContentLength > 0 && r.ContentLength > h.maxFileSize+credentialLimit {
		h.failPending(id, p, fmt.Errorf("file exceeds relay size cap"))
		http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize+credentialLimit+4096)

	mr, err := r.MultipartReader()
	if err != nil {
		h.failPending(id, p, fmt.Errorf("bad multipart body: %w", err))
		http.Error(w, "bad multipart body", http.StatusBadRequest)
		return
	}

	cred, err := readCredentialPart(mr)
	if err != nil {
		h.failPending(id, p, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !VerifyCredential(secret, id, agent, p.filename, cred) {
		logger.Warn("relay credential mismatch",
			logger.Agent(agent), logger.Filename(p.filename), logger.KeyRequestID, id)
		h.failPending(id, p, ErrUnauthorized)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	part, err := nextNamedPart(mr, partFile)
	if err != nil {
		h.failPending(id, p, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	body := &relayBody{r: part, hub: h, id: id, done: p.done}
	select {
	case p.stream <- body:
	default:
		http.Error(w, "request already answered", http.StatusConflict)
		return
	}

	// Block until the transfer consuming the stream closes it, so the
	// agent's upload lifetime matches the peer transfer's.
	select {
	case err := <-p.done:
		if err != nil {
			http.Error(w, "request withdrawn", http.StatusGone)
			return
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, map[string]string{"id": id})
	case <-r.Context().Done():
		h.pending.Delete(id)
	}
}

// failPending delivers a failure to the waiter, if one is still there.
func (h *Controller) failPending(id string, p *pendingRequest, err error) {
	h.pending.Delete(id)
	select {
	case p.failed <- err:
	default:
	}
}

// HandleShareUpload serves POST /api/v0/network/shares/{agent}/{id}:
// an unsolicited multipart upload carrying the agent's share manifest
// and its exported index database. The database is staged to a temp
// file and validated before the agent's slice is replaced.
func (h *Controller) HandleShareUpload(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	id := chi.URLParam(r, "id")

	secret, ok := h.secrets[agent]
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "bad multipart body", http.StatusBadRequest)
		return
	}

	cred, err := readCredentialPart(mr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// Share uploads have no filename component in the credential.
	if !VerifyCredential(secret, id, agent, "", cred) {
		logger.Warn("share upload credential mismatch", logger.Agent(agent), logger.KeyRequestID, id)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sharesPart, err := nextNamedPart(mr, partShares)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var manifest ShareManifest
	if err := json.NewDecoder(io.LimitReader(sharesPart, 1<<20)).Decode(&manifest); err != nil {
		http.Error(w, "bad share manifest", http.StatusBadRequest)
		return
	}
	if manifest.Agent != "" && manifest.Agent != agent {
		http.Error(w, "manifest agent mismatch", http.StatusBadRequest)
		return
	}

	dbPart, err := nextNamedPart(mr, partDatabase)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tmp, err := os.CreateTemp("", "sould-shares-*.db")
	if err != nil {
		http.Error(w, "failed to stage index", http.StatusInternalServerError)
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, dbPart); err != nil {
		tmp.Close()
		http.Error(w, "failed to stage index", http.StatusInternalServerError)
		return
	}
	if err := tmp.Close(); err != nil {
		http.Error(w, "failed to stage index", http.StatusInternalServerError)
		return
	}

	counts, err := h.index.ImportHost(agent, tmpPath)
	if err != nil {
		logger.Warn("rejected share upload", logger.Agent(agent), logger.Err(err))
		http.Error(w, "invalid share index", http.StatusBadRequest)
		return
	}
	if manifest.Files != 0 && manifest.Files != counts.Files {
		logger.Warn("share manifest count mismatch",
			logger.Agent(agent), "manifest_files", manifest.Files, logger.KeyFiles, counts.Files)
	}

	logger.Info("imported agent shares",
		logger.Agent(agent), logger.KeyDirectories, counts.Directories, logger.KeyFiles, counts.Files)
	writeJSON(w, counts)
}

// readCredentialPart reads the leading credential part. Order is part
// of the contract: a body that leads with anything else is rejected
// before any file bytes are read.
func readCredentialPart(mr *multipart.Reader) (string, error) {
	part, err := mr.NextPart()
	if err != nil {
		return "", fmt.Errorf("missing credential part: %w", err)
	}
	defer part.Close()
	if part.FormName() != partCredential {
		return "", errors.New("credential part must come first")
	}
	raw, err := io.ReadAll(io.LimitReader(part, credentialLimit))
	if err != nil {
		return "", fmt.Errorf("failed to read credential: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// nextNamedPart returns the next part, requiring its form name.
func nextNamedPart(mr *multipart.Reader, name string) (io.Reader, error) {
	part, err := mr.NextPart()
	if err != nil {
		return nil, fmt.Errorf("missing %s part: %w", name, err)
	}
	if part.FormName() != name {
		return nil, fmt.Errorf("expected %s part, got %s", name, part.FormName())
	}
	return part, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write response", logger.Err(err))
	}
}
