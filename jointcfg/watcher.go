package jointcfg

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"go.viam.com/utils"

	"github.com/robolinkio/robolink/logging"
)

// Watcher re-reads an arm configuration file whenever it changes on disk and
// delivers each successfully validated result. Invalid intermediate states
// (editors writing in place) are logged and skipped.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	configs   chan *Arm
	cancel    func()
	done      chan struct{}
}

// NewWatcher starts watching path. The initial load must succeed.
func NewWatcher(ctx context.Context, path string, logger logging.Logger) (*Watcher, error) {
	initial, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(path); err != nil {
		utils.UncheckedError(fsWatcher.Close())
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		fsWatcher: fsWatcher,
		configs:   make(chan *Arm, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	w.configs <- initial

	utils.PanicCapturingGo(func() {
		defer close(w.done)
		for {
			select {
			case <-cancelCtx.Done():
				return
			case event, ok := <-fsWatcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				arm, err := Load(path)
				if err != nil {
					logger.Warnw("ignoring invalid joint configuration", "path", path, "error", err)
					continue
				}
				select {
				case w.configs <- arm:
				case <-cancelCtx.Done():
					return
				}
			case err, ok := <-fsWatcher.Errors:
				if !ok {
					return
				}
				logger.Errorw("configuration watch error", "error", err)
			}
		}
	})
	return w, nil
}

// Configs delivers validated configurations, the current one first.
func (w *Watcher) Configs() <-chan *Arm {
	return w.configs
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.fsWatcher.Close()
	<-w.done
	return err
}
