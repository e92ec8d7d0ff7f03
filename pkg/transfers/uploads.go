package transfers

import (
	"context"
	"errors"
	"time"

	"github.com/mrkvm/sould/internal/logger"
	"github.com/mrkvm/sould/internal/telemetry"
)

// HandleUploadRequest processes a remote peer's request to download one
// of our shared files. Unknown files are rejected with ErrNotShared. A
// repeated request for a file already queued or moving returns the
// existing record with a fresh place-in-queue estimate instead of
// creating a duplicate.
func (o *Orchestrator) HandleUploadRequest(username, filename string) (*Transfer, error) {
	size, err := o.source.Stat(filename)
	if err != nil {
		return nil, ErrNotShared
	}

	if existing, err := o.store.Active(DirectionUpload, username, filename); err == nil {
		o.mu.Lock()
		existing.PlaceInQueue = o.placeInQueueLocked(existing.ID)
		o.mu.Unlock()
		logger.Debug("repeated upload request",
			logger.Username(username), logger.Filename(filename),
			logger.KeyPlace, existing.PlaceInQueue)
		return existing, nil
	}

	t := newTransfer(DirectionUpload, username, filename, size)
	t.State = StateQueued
	if err := o.store.Create(t); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.queue = append(o.queue, t.ID)
	t.PlaceInQueue = len(o.queue)
	o.cond.Broadcast()
	o.mu.Unlock()

	logger.Info("upload queued",
		logger.TransferID(t.ID), logger.Username(username),
		logger.Filename(filename), logger.KeySize, size)
	o.publish(t)
	return t, nil
}

// dispatch admits queued uploads in FIFO order whenever both the global
// and the per-user slot budgets have capacity. Entries whose user is at
// the per-user limit are skipped without losing their queue position.
func (o *Orchestrator) dispatch() {
	for {
		o.mu.Lock()
		var id, username string
		for !o.closed {
			id, username = o.nextEligibleLocked()
			if id != "" {
				break
			}
			o.cond.Wait()
		}
		if o.closed {
			o.mu.Unlock()
			return
		}

		o.removeQueuedLocked(id)
		o.uploadActive++
		o.userActive[username]++
		ctx, cancel := context.WithCancelCause(o.ctx)
		o.active[id] = cancel
		o.mu.Unlock()

		go o.runUpload(ctx, id, username)
	}
}

// nextEligibleLocked returns the first queued upload that fits the slot
// budgets, or empty strings.
func (o *Orchestrator) nextEligibleLocked() (string, string) {
	if o.uploadActive >= o.cfg.UploadSlots {
		return "", ""
	}
	for _, id := range o.queue {
		t, err := o.store.Get(id)
		if err != nil {
			continue
		}
		if o.userActive[t.Username] < o.cfg.UploadSlotsPerUser {
			return id, t.Username
		}
	}
	return "", ""
}

func (o *Orchestrator) runUpload(ctx context.Context, id, username string) {
	defer func() {
		o.mu.Lock()
		delete(o.active, id)
		o.uploadActive--
		o.userActive[username]--
		if o.userActive[username] == 0 {
			delete(o.userActive, username)
		}
		o.cond.Broadcast()
		o.mu.Unlock()
	}()

	t := o.setState(id, StateInitializing, "")
	if t == nil {
		return
	}

	ctx, span := telemetry.StartTransferSpan(ctx, string(DirectionUpload), t.Username, t.Filename,
		telemetry.TransferID(id), telemetry.Size(t.Size))
	defer span.End()

	body, err := o.source.Open(ctx, t.Filename)
	if err != nil {
		o.failUpload(ctx, t, err)
		return
	}
	defer body.Close()

	if o.setState(id, StateInProgress, "") == nil {
		return
	}

	start := time.Now()
	reader := newGovernedReader(ctx, body, o.cfg.Governor, func(bytes uint64) {
		if updated, err := o.store.Progress(id, bytes); err == nil {
			o.publish(updated)
		}
	})

	if err := o.client.Upload(ctx, t.Username, t.Filename, t.Size, reader); err != nil {
		o.failUpload(ctx, t, err)
		return
	}

	done := o.setState(id, StateSucceeded, "")
	if done == nil {
		return
	}
	if elapsed := time.Since(start).Seconds(); elapsed > 0 {
		o.client.SendUploadSpeed(int(float64(done.BytesTransferred) / elapsed))
	}
	logger.Info("upload complete",
		logger.TransferID(id), logger.Username(t.Username),
		logger.Filename(t.Filename), logger.KeyBytes, done.BytesTransferred)
}

// failUpload records the terminal state and, on a connection reset,
// queues a fresh attempt.
func (o *Orchestrator) failUpload(ctx context.Context, t *Transfer, err error) {
	telemetry.RecordError(ctx, err)
	state, exception := classify(ctx, err)
	o.setState(t.ID, state, exception)

	if !errors.Is(context.Cause(ctx), errReconnect) {
		return
	}

	retry := newTransfer(DirectionUpload, t.Username, t.Filename, t.Size)
	retry.State = StateQueued
	if err := o.store.Create(retry); err != nil {
		logger.Warn("failed to re-queue upload", logger.TransferID(t.ID), logger.Err(err))
		return
	}
	o.mu.Lock()
	o.queue = append(o.queue, retry.ID)
	o.cond.Broadcast()
	o.mu.Unlock()

	logger.Info("upload re-queued after connection reset",
		logger.TransferID(retry.ID), logger.Username(t.Username), logger.Filename(t.Filename))
	o.publish(retry)
}
