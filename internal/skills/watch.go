package skills

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartWatching begins watching the workspace for manifest changes.
// Changes trigger a debounced Reload. Safe to call once; subsequent
// calls are no-ops until Close.
func (m *Manager) StartWatching(ctx context.Context) error {
	m.watchMu.Lock()
	if m.watcher != nil {
		m.watchMu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.watchMu.Unlock()
		return err
	}
	m.watcher = watcher
	if m.watchPaths == nil {
		m.watchPaths = make(map[string]struct{})
	}
	watchCtx, cancel := context.WithCancel(ctx)
	m.watchCancel = cancel
	debounce := m.watchDebounce
	m.watchMu.Unlock()

	if err := m.refreshWatches(); err != nil {
		m.logger.Warn("initial skill watch refresh failed", "error", err)
	}

	m.watchWg.Add(1)
	go m.watchLoop(watchCtx, debounce)
	return nil
}

// Close stops the watcher and waits for the watch loop to exit.
func (m *Manager) Close() error {
	m.watchMu.Lock()
	if m.watchCancel != nil {
		m.watchCancel()
		m.watchCancel = nil
	}
	watcher := m.watcher
	m.watcher = nil
	m.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	m.watchWg.Wait()
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, debounce time.Duration) {
	defer m.watchWg.Done()
	m.watchMu.Lock()
	watcher := m.watcher
	m.watchMu.Unlock()
	if watcher == nil {
		return
	}

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if err := m.Reload(context.Background()); err != nil {
				m.logger.Warn("skill reload failed during watch refresh", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = m.addWatchPath(event.Name)
					}
				}
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("skill watch error", "error", err)
		}
	}
}

func (m *Manager) refreshWatches() error {
	m.watchMu.Lock()
	watcher := m.watcher
	m.watchMu.Unlock()
	if watcher == nil {
		return nil
	}

	desired := m.computeWatchPaths()
	desiredSet := make(map[string]struct{}, len(desired))
	for _, path := range desired {
		desiredSet[path] = struct{}{}
	}

	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	for path := range desiredSet {
		if _, ok := m.watchPaths[path]; ok {
			continue
		}
		if err := watcher.Add(path); err != nil {
			m.logger.Debug("failed to watch skills path", "path", path, "error", err)
			continue
		}
		m.watchPaths[path] = struct{}{}
	}

	for path := range m.watchPaths {
		if _, ok := desiredSet[path]; ok {
			continue
		}
		if err := watcher.Remove(path); err != nil {
			m.logger.Debug("failed to unwatch skills path", "path", path, "error", err)
		}
		delete(m.watchPaths, path)
	}

	return nil
}

func (m *Manager) addWatchPath(path string) error {
	cleaned, ok := normalizeWatchPath(path)
	if !ok {
		return nil
	}
	m.watchMu.Lock()
	watcher := m.watcher
	if watcher == nil {
		m.watchMu.Unlock()
		return nil
	}
	if _, exists := m.watchPaths[cleaned]; exists {
		m.watchMu.Unlock()
		return nil
	}
	m.watchMu.Unlock()

	if err := watcher.Add(cleaned); err != nil {
		return err
	}

	m.watchMu.Lock()
	m.watchPaths[cleaned] = struct{}{}
	m.watchMu.Unlock()
	return nil
}

// computeWatchPaths returns the workspace root plus every directory
// under it, so new skill directories are picked up as they appear.
func (m *Manager) computeWatchPaths() []string {
	paths := make(map[string]struct{})
	if cleaned, ok := normalizeWatchPath(m.loader.Workspace()); ok {
		paths[cleaned] = struct{}{}
		_ = filepath.WalkDir(cleaned, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if sub, ok := normalizeWatchPath(path); ok {
					paths[sub] = struct{}{}
				}
			}
			return nil
		})
	}

	m.mu.RLock()
	for _, skill := range m.ordered {
		if cleaned, ok := normalizeWatchPath(skill.Dir); ok {
			paths[cleaned] = struct{}{}
		}
	}
	m.mu.RUnlock()

	result := make([]string, 0, len(paths))
	for path := range paths {
		result = append(result, path)
	}
	sort.Strings(result)
	return result
}

func normalizeWatchPath(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return "", false
	}
	return filepath.Clean(path), true
}
