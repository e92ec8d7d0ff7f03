package transfers

import (
	"context"
	"errors"
	"io"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/mrkvm/sould/internal/logger"
)

var (
	// ErrNotShared rejects an upload request for a file the index does
	// not advertise.
	ErrNotShared = errors.New("file not shared")

	// ErrRateLimited is returned when the download admission lock is
	// already held.
	ErrRateLimited = errors.New("another enqueue operation is in progress")

	// ErrTimedOut marks a transfer that expired waiting for data.
	ErrTimedOut = errors.New("transfer timed out")

	// errReconnect marks transfers failed by a connection reset; they
	// are re-queued.
	errReconnect = errors.New("connection reset")
)

// RejectionError carries a remote peer's rejection reason verbatim.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return "rejected: " + e.Reason
}

// Client is the protocol surface the orchestrator drives. The supervisor
// wires the real client in at startup.
type Client interface {
	// Upload streams a file to a peer and blocks until done.
	Upload(ctx context.Context, username, filename string, size uint64, r io.Reader) error

	// Download requests a file from a peer and writes the body to w.
	// It blocks until the transfer ends. A peer's refusal surfaces as a
	// *RejectionError.
	Download(ctx context.Context, username, filename string, size uint64, w io.Writer) error

	// ConnectToUser primes the peer connection, invalidating any cached
	// endpoint.
	ConnectToUser(ctx context.Context, username string, invalidateCache bool) error

	// SendUploadSpeed reports the speed of a finished upload to the
	// server.
	SendUploadSpeed(bps int)
}

// FileSource supplies upload bodies for masked filenames. The local
// implementation resolves against the share index; a controller's
// implementation pulls the body from an agent over the relay.
type FileSource interface {
	// Stat returns the advertised size, or ErrNotShared.
	Stat(filename string) (uint64, error)

	// Open returns the body stream. Closing the stream tells the source
	// the transfer is finished.
	Open(ctx context.Context, filename string) (io.ReadCloser, error)
}

// Config sizes the orchestrator.
type Config struct {
	UploadSlots        int
	UploadSlotsPerUser int
	DownloadSlots      int
	IncompleteDir      string
	DownloadsDir       string
	Governor           Governor
}

// Orchestrator schedules uploads and downloads. Uploads are admitted
// from a FIFO queue as global and per-user slots free up; downloads are
// bounded by a slot semaphore plus a single-slot enqueue admission lock.
type Orchestrator struct {
	cfg    Config
	store  *Store
	client Client
	source FileSource

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	cond         *sync.Cond
	queue        []string
	active       map[string]context.CancelCauseFunc
	userActive   map[string]int
	uploadActive int
	closed       bool

	enqueueGate *semaphore.Weighted
	dlSlots     *semaphore.Weighted

	acks sync.Map // transfer id -> chan State

	subMu       sync.Mutex
	subscribers []func(Transfer)
}

// New creates and starts an orchestrator.
func New(cfg Config, store *Store, client Client, source FileSource) *Orchestrator {
	if cfg.UploadSlots <= 0 {
		cfg.UploadSlots = 1
	}
	if cfg.UploadSlotsPerUser <= 0 {
		cfg.UploadSlotsPerUser = 1
	}
	if cfg.DownloadSlots <= 0 {
		cfg.DownloadSlots = 1
	}
	if cfg.Governor == nil {
		cfg.Governor = NopGovernor()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:         cfg,
		store:       store,
		client:      client,
		source:      source,
		ctx:         ctx,
		cancel:      cancel,
		active:      make(map[string]context.CancelCauseFunc),
		userActive:  make(map[string]int),
		enqueueGate: semaphore.NewWeighted(1),
		dlSlots:     semaphore.NewWeighted(int64(cfg.DownloadSlots)),
	}
	o.cond = sync.NewCond(&o.mu)

	go o.dispatch()
	return o
}

// Close stops the dispatcher and cancels every active transfer.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	for _, cancel := range o.active {
		cancel(context.Canceled)
	}
	o.cond.Broadcast()
	o.mu.Unlock()
	o.cancel()
}

// OnUpdate registers a subscriber for transfer record updates. Updates
// for a single transfer arrive in lifecycle order.
func (o *Orchestrator) OnUpdate(fn func(Transfer)) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	o.subscribers = append(o.subscribers, fn)
}

func (o *Orchestrator) publish(t *Transfer) {
	if t == nil {
		return
	}
	o.subMu.Lock()
	subs := make([]func(Transfer), len(o.subscribers))
	copy(subs, o.subscribers)
	o.subMu.Unlock()
	for _, fn := range subs {
		fn(*t)
	}
}

// Store exposes the record store for read-side consumers.
func (o *Orchestrator) Store() *Store {
	return o.store
}

// Cancel aborts a transfer. Cancelling an already terminal or unknown
// transfer is a no-op.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	if cancel, ok := o.active[id]; ok {
		cancel(context.Canceled)
		o.mu.Unlock()
		return nil
	}
	o.removeQueuedLocked(id)
	o.mu.Unlock()

	t, err := o.store.Get(id)
	if errors.Is(err, ErrTransferNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if t.State.Completed() {
		return nil
	}

	updated, err := o.store.SetState(id, StateCancelled, "")
	if err != nil {
		return err
	}
	o.publish(updated)
	return nil
}

// Remove cancels a transfer if needed and deletes its record. Removing
// an unknown id is a no-op.
func (o *Orchestrator) Remove(id string) error {
	if err := o.Cancel(id); err != nil {
		return err
	}
	err := o.store.Delete(id)
	if errors.Is(err, ErrTransferNotFound) {
		return nil
	}
	return err
}

// ClearCompleted deletes every Completed-category record for a
// direction.
func (o *Orchestrator) ClearCompleted(direction Direction) (int64, error) {
	return o.store.DeleteCompleted(direction)
}

// HandleDisconnect reacts to a connection reset: queued uploads stay
// queued, in-flight transfers fail with a retriable cause and uploads
// are re-queued.
func (o *Orchestrator) HandleDisconnect() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, cancel := range o.active {
		cancel(errReconnect)
	}
}

// removeQueuedLocked drops an id from the FIFO queue if present.
func (o *Orchestrator) removeQueuedLocked(id string) {
	for i, qid := range o.queue {
		if qid == id {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			return
		}
	}
}

// PlaceInQueue returns the 1-based queue position of a queued upload,
// or 0 when the transfer is not waiting.
func (o *Orchestrator) PlaceInQueue(id string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.placeInQueueLocked(id)
}

// placeInQueueLocked returns a 1-based queue position, or 0.
func (o *Orchestrator) placeInQueueLocked(id string) int {
	for i, qid := range o.queue {
		if qid == id {
			return i + 1
		}
	}
	return 0
}

// classify maps a transfer error to its terminal state.
func classify(ctx context.Context, err error) (State, string) {
	var rej *RejectionError
	switch {
	case errors.Is(context.Cause(ctx), errReconnect):
		return StateErrored, errReconnect.Error()
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return StateCancelled, ""
	case errors.Is(err, ErrTimedOut) || errors.Is(err, context.DeadlineExceeded):
		return StateTimedOut, ErrTimedOut.Error()
	case errors.As(err, &rej):
		return StateRejected, rej.Reason
	default:
		return StateErrored, err.Error()
	}
}

func (o *Orchestrator) setState(id string, state State, exception string) *Transfer {
	t, err := o.store.SetState(id, state, exception)
	if err != nil {
		logger.Warn("transfer state update failed", logger.TransferID(id), logger.Err(err))
		return nil
	}
	o.publish(t)
	return t
}

// signalAck tells a waiting enqueue call the remote accepted the
// request.
func (o *Orchestrator) signalAck(id string, state State) {
	if ch, ok := o.acks.Load(id); ok {
		select {
		case ch.(chan State) <- state:
		default:
		}
	}
}

// HandleTransferUpdate ingests a protocol-level transfer event reported
// by the supervisor: remote-driven state changes and progress for
// transfers the protocol client tracks on its own.
func (o *Orchestrator) HandleTransferUpdate(direction Direction, username, filename string, state State, bytes uint64) {
	t, err := o.store.Active(direction, username, filename)
	if err != nil {
		return
	}

	if bytes > t.BytesTransferred {
		if updated, err := o.store.Progress(t.ID, bytes); err == nil {
			t = updated
		}
	}
	if state != StateNone && state != t.State && canTransition(t.State, state) {
		if updated := o.setState(t.ID, state, ""); updated != nil {
			t = updated
		}
	} else {
		o.publish(t)
	}

	if state == StateQueued || state == StateInitializing {
		o.signalAck(t.ID, state)
	}
}
