package registry

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads agent definitions when files under the agents directory
// change. Definition edits update the agent in place; removing a file does
// not remove the agent (removal is an explicit control action). Blocks
// until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(r.cfg.Dir); err != nil {
		return err
	}

	// Editors fire bursts of writes; debounce before reloading.
	var pending map[string]bool
	var timer *time.Timer
	timerC := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".yaml") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if pending == nil {
				pending = make(map[string]bool)
			}
			pending[event.Name] = true
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case timerC <- struct{}{}:
				default:
				}
			})

		case <-timerC:
			for path := range pending {
				if err := r.loadFile(path); err != nil {
					r.logger.Warn("reload failed", "file", path, "error", err)
				} else {
					r.logger.Info("agent definition reloaded", "file", path)
				}
			}
			pending = nil

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("watcher error", "error", err)
		}
	}
}
