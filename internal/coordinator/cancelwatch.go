package coordinator

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/loomworks/loom/internal/logx"
)

// watchCancelFile cancels the returned context when a CANCEL file appears in
// the job directory. Touching that file is the out-of-band abort channel for
// operators; an existing file cancels immediately.
func watchCancelFile(ctx context.Context, cancelPath string, logger *logx.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	if _, err := os.Stat(cancelPath); err == nil {
		logger.Warnf("cancel file already present: %s", cancelPath)
		cancel()
		return ctx, func() {}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnf("cancel watcher unavailable: %v", err)
		return ctx, cancel
	}
	if err := watcher.Add(filepath.Dir(cancelPath)); err != nil {
		logger.Warnf("cancel watcher unavailable: %v", err)
		watcher.Close()
		return ctx, cancel
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name == cancelPath && ev.Op.Has(fsnotify.Create) {
					logger.Warnf("cancel file detected, aborting job")
					cancel()
					return
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnf("cancel watcher error: %v", werr)
			}
		}
	}()

	return ctx, cancel
}
