package shares

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mrkvm/sould/internal/logger"
)

// debounceWindow coalesces filesystem event bursts into one rescan.
const debounceWindow = 2 * time.Second

// Watcher triggers a rescan when any shared root changes on disk.
type Watcher struct {
	fsw     *fsnotify.Watcher
	rescan  func()
	trigger chan struct{}
}

// NewWatcher watches the given roots and calls rescan after changes
// settle. The watcher runs until ctx is cancelled.
func NewWatcher(ctx context.Context, roots []string, rescan func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:     fsw,
		rescan:  rescan,
		trigger: make(chan struct{}, 1),
	}
	for _, root := range roots {
		if err := fsw.Add(root); err != nil {
			logger.Warn("cannot watch share root", logger.KeyRoot, root, logger.Err(err))
		}
	}

	go w.consume(ctx)
	go w.debounce(ctx)
	return w, nil
}

func (w *Watcher) consume(ctx context.Context) {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case w.trigger <- struct{}{}:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("share watcher error", logger.Err(err))
		}
	}
}

func (w *Watcher) debounce(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.trigger:
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				fire = timer.C
			} else {
				if !timer.Stop() {
					<-fire
				}
				timer.Reset(debounceWindow)
			}
		case <-fire:
			timer = nil
			fire = nil
			logger.Debug("share roots changed, rescanning")
			w.rescan()
		}
	}
}
