package lifecycle

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// watcher observes the plugins directory. A change inside a plugin's tree
// marks it reload-pending and announces system:plugin_changed; the actual
// reload stays an explicit command because silently re-executing changed
// signed code is a trust decision the user makes in the UI.
type watcher struct {
	m  *Manager
	fw *fsnotify.Watcher

	done chan struct{}
}

func newWatcher(m *Manager, dir string) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	for _, snap := range m.List() {
		if inst := m.get(snap.ID); inst != nil {
			inst.mu.RLock()
			root := inst.root
			inst.mu.RUnlock()
			if err := fw.Add(root); err != nil {
				m.log.WithPlugin(snap.ID).WithError(err).Debug("watch add failed")
			}
		}
	}

	w := &watcher{m: m, fw: fw, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.markChanged(ev.Name)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.m.log.WithError(err).Debug("plugin watcher error")
		}
	}
}

func (w *watcher) markChanged(path string) {
	rel, err := filepath.Rel(w.m.cfg.PluginsDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) == 0 || strings.HasPrefix(parts[0], ".") {
		return
	}
	id := parts[0]

	inst := w.m.get(id)
	if inst == nil {
		return
	}
	inst.mu.Lock()
	already := inst.reloadPending
	inst.reloadPending = true
	inst.mu.Unlock()

	if !already {
		_ = w.m.deps.Bus.EmitSystem(context.Background(), "plugin_changed", map[string]any{"id": id})
		w.m.log.WithPlugin(id).Info("plugin files changed on disk, reload pending")
	}
}

func (w *watcher) stop() {
	w.fw.Close()
	<-w.done
}
