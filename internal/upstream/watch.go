package upstream

import (
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchTokenFile reloads the bearer token whenever the token file
// changes. Editors and secret managers replace files rather than writing
// in place, so remove/rename re-adds the watch and every relevant event
// is debounced before the reload fires.
func (c *Client) WatchTokenFile(path string, onReload func(changed bool)) error {
	if path == "" || c.loader == nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						slog.Error("upstream: watch re-add", "path", ev.Name, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(250 * time.Millisecond)
				}
			case <-debounce.C:
				changed, err := c.ReloadToken()
				if err != nil {
					slog.Error("upstream: token reload failed", "err", err)
					continue
				}
				if changed {
					slog.Info("upstream: bearer token rotated")
				}
				if onReload != nil {
					onReload(changed)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("upstream: watch error", "err", err)
			}
		}
	}()
	return nil
}
