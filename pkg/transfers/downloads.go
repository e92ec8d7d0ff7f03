package transfers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mrkvm/sould/internal/logger"
	"github.com/mrkvm/sould/internal/telemetry"
)

// DownloadRequest names one remote file to fetch.
type DownloadRequest struct {
	Filename string `json:"filename"`
	Size     uint64 `json:"size"`
}

// EnqueueDownloads asks a peer to send the listed files. At most one
// enqueue operation runs at a time; concurrent calls fail with
// ErrRateLimited. The call returns once every request is either
// acknowledged by the remote (reaches Queued or Initializing) or has
// failed; acknowledged transfers keep running in the background.
func (o *Orchestrator) EnqueueDownloads(ctx context.Context, username string, files []DownloadRequest) ([]Transfer, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if !o.enqueueGate.TryAcquire(1) {
		return nil, ErrRateLimited
	}
	defer o.enqueueGate.Release(1)

	if err := o.client.ConnectToUser(ctx, username, true); err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", username, err)
	}

	var accepted []Transfer
	var errs []error
	for _, req := range files {
		t, err := o.startDownload(ctx, username, req)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", req.Filename, err))
			continue
		}
		accepted = append(accepted, *t)
	}
	return accepted, errors.Join(errs...)
}

// startDownload creates the record, launches the transfer task, and
// waits for the remote acknowledgement or an early failure.
func (o *Orchestrator) startDownload(ctx context.Context, username string, req DownloadRequest) (*Transfer, error) {
	t := newTransfer(DirectionDownload, username, req.Filename, req.Size)
	if err := o.store.Create(t); err != nil {
		return nil, err
	}
	o.publish(t)

	ack := make(chan State, 1)
	o.acks.Store(t.ID, ack)
	defer o.acks.Delete(t.ID)

	taskCtx, cancel := context.WithCancelCause(o.ctx)
	o.mu.Lock()
	o.active[t.ID] = cancel
	o.mu.Unlock()

	failed := make(chan error, 1)
	go func() {
		failed <- o.runDownload(taskCtx, t.ID, username, req)
	}()

	select {
	case <-ctx.Done():
		cancel(context.Canceled)
		return nil, ctx.Err()
	case state := <-ack:
		logger.Debug("download acknowledged",
			logger.TransferID(t.ID), logger.KeyState, string(state))
		return o.store.Get(t.ID)
	case err := <-failed:
		if err == nil {
			// Completed before any acknowledgement was observed.
			return o.store.Get(t.ID)
		}
		var rej *RejectionError
		if errors.As(err, &rej) {
			return nil, rej
		}
		return nil, fmt.Errorf("download failed: %w", err)
	}
}

// runDownload performs one download into the incomplete directory and
// moves the finished file into the downloads directory.
func (o *Orchestrator) runDownload(ctx context.Context, id, username string, req DownloadRequest) error {
	defer func() {
		o.mu.Lock()
		delete(o.active, id)
		o.mu.Unlock()
	}()

	ctx, span := telemetry.StartTransferSpan(ctx, string(DirectionDownload), username, req.Filename,
		telemetry.TransferID(id), telemetry.Size(req.Size))
	defer span.End()

	if err := o.dlSlots.Acquire(ctx, 1); err != nil {
		o.finishDownload(ctx, id, err)
		return err
	}
	defer o.dlSlots.Release(1)

	incomplete := filepath.Join(o.cfg.IncompleteDir, username, localRelPath(req.Filename))
	if err := os.MkdirAll(filepath.Dir(incomplete), 0755); err != nil {
		err = fmt.Errorf("failed to create incomplete directory: %w", err)
		o.finishDownload(ctx, id, err)
		return err
	}

	f, err := os.Create(incomplete)
	if err != nil {
		err = fmt.Errorf("failed to create incomplete file: %w", err)
		o.finishDownload(ctx, id, err)
		return err
	}

	w := &progressWriter{f: f, orch: o, id: id}
	err = o.client.Download(ctx, username, req.Filename, req.Size, w)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(incomplete)
		o.finishDownload(ctx, id, err)
		return err
	}

	if err := o.moveCompleted(username, req.Filename, incomplete); err != nil {
		o.finishDownload(ctx, id, err)
		return err
	}

	if t := o.setState(id, StateSucceeded, ""); t != nil {
		logger.Info("download complete",
			logger.TransferID(id), logger.Username(username),
			logger.Filename(req.Filename), logger.KeyBytes, t.BytesTransferred)
	}
	return nil
}

func (o *Orchestrator) finishDownload(ctx context.Context, id string, err error) {
	telemetry.RecordError(ctx, err)
	state, exception := classify(ctx, err)
	o.setState(id, state, exception)
}

// moveCompleted relocates a finished download, preserving the relative
// directory structure, and prunes empty incomplete directories.
func (o *Orchestrator) moveCompleted(username, filename, incomplete string) error {
	final := filepath.Join(o.cfg.DownloadsDir, username, localRelPath(filename))
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return fmt.Errorf("failed to create downloads directory: %w", err)
	}
	if err := os.Rename(incomplete, final); err != nil {
		return fmt.Errorf("failed to move completed download: %w", err)
	}

	// Prune now-empty directories up to the incomplete root.
	dir := filepath.Dir(incomplete)
	for strings.HasPrefix(dir, o.cfg.IncompleteDir) && dir != o.cfg.IncompleteDir {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// localRelPath converts a wire filename to a local relative path.
func localRelPath(filename string) string {
	return filepath.FromSlash(strings.ReplaceAll(filename, `\`, "/"))
}

// progressWriter records received bytes on the transfer record as the
// body streams to disk.
type progressWriter struct {
	f     *os.File
	orch  *Orchestrator
	id    string
	total uint64
}

func (w *progressWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if n > 0 {
		w.total += uint64(n)
		if updated, uerr := w.orch.store.Progress(w.id, w.total); uerr == nil {
			w.orch.publish(updated)
		}
	}
	return n, err
}
