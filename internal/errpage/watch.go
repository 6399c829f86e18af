package errpage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the pages whenever one of their files changes, until ctx
// ends. Directories are watched so editors that replace files are seen.
func (p *Pages) Watch(ctx context.Context) error {
	if len(p.files) == 0 {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("errpage: create watcher: %w", err)
	}
	defer watcher.Close()

	watched := make(map[string]bool)
	targets := make(map[string]bool)
	for _, path := range p.files {
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("errpage: resolve %s: %w", path, err)
		}
		targets[abs] = true
		dir := filepath.Dir(abs)
		if watched[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("errpage: watch %s: %w", dir, err)
		}
		watched[dir] = true
	}
	p.logger.Debug("relayd.errpage.watching", "dirs", len(watched))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !targets[filepath.Clean(ev.Name)] {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			_ = p.Reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("relayd.errpage.watch_error", "error", err)
		}
	}
}
