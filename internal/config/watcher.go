package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dhi/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the freshly loaded configuration after a policy file
// change has settled.
type ReloadFunc func(*Config)

// PolicyWatcher watches the policy YAML file for changes and reloads it.
// Governance policy and sandbox limits come only from this file; a running
// request keeps the snapshot it started with, so a reload affects new
// requests only.
type PolicyWatcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	path        string
	reload      ReloadFunc
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats PolicyWatcherStats
}

// PolicyWatcherStats tracks watcher activity for debugging.
type PolicyWatcherStats struct {
	Reloads       int
	RejectedLoads int
	Errors        int
	LastEventTime time.Time
}

// NewPolicyWatcher creates a watcher for the policy file at path. The
// reload callback is invoked with each successfully validated config.
func NewPolicyWatcher(path string, reload ReloadFunc) (*PolicyWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &PolicyWatcher{
		watcher:     watcher,
		path:        path,
		reload:      reload,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond, // rapid editor saves collapse into one reload
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching the policy file's directory. Non-blocking.
func (pw *PolicyWatcher) Start(ctx context.Context) error {
	pw.mu.Lock()
	if pw.running {
		pw.mu.Unlock()
		return nil
	}
	pw.running = true
	pw.mu.Unlock()

	// Watch the containing directory: editors replace files by rename, and
	// a watch on the file itself dies with the old inode.
	dir := filepath.Dir(pw.path)
	if err := pw.watcher.Add(dir); err != nil {
		logging.Get(logging.CategoryBoot).Warn("PolicyWatcher: initial watch failed for %s: %v", dir, err)
	} else {
		logging.Boot("PolicyWatcher: watching %s", dir)
	}

	go pw.run(ctx)

	return nil
}

// Stop stops the watcher and waits for cleanup.
func (pw *PolicyWatcher) Stop() {
	pw.mu.Lock()
	if !pw.running {
		pw.mu.Unlock()
		return
	}
	pw.running = false
	pw.mu.Unlock()

	close(pw.stopCh)
	<-pw.doneCh

	if err := pw.watcher.Close(); err != nil {
		logging.Get(logging.CategoryBoot).Error("PolicyWatcher: error closing watcher: %v", err)
	}
	logging.Boot("PolicyWatcher: stopped")
}

func (pw *PolicyWatcher) run(ctx context.Context) {
	defer close(pw.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-pw.stopCh:
			return

		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			pw.handleEvent(event)

		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryBoot).Error("PolicyWatcher error: %v", err)
			pw.mu.Lock()
			pw.stats.Errors++
			pw.mu.Unlock()

		case <-debounceTicker.C:
			pw.processDebouncedEvents()
		}
	}
}

func (pw *PolicyWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(pw.path) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}

	pw.mu.Lock()
	pw.stats.LastEventTime = time.Now()
	pw.debounceMap[event.Name] = time.Now()
	pw.mu.Unlock()
}

func (pw *PolicyWatcher) processDebouncedEvents() {
	pw.mu.Lock()
	now := time.Now()
	settled := false
	for path, eventTime := range pw.debounceMap {
		if now.Sub(eventTime) >= pw.debounceDur {
			delete(pw.debounceMap, path)
			settled = true
		}
	}
	pw.mu.Unlock()

	if settled {
		pw.reloadPolicy()
	}
}

// reloadPolicy loads and validates the policy file. An invalid file is
// rejected and the previous configuration stays in force.
func (pw *PolicyWatcher) reloadPolicy() {
	if _, err := os.Stat(pw.path); err != nil {
		if os.IsNotExist(err) {
			logging.Boot("PolicyWatcher: policy file removed, keeping current config: %s", pw.path)
			return
		}
	}

	cfg, err := Load(pw.path)
	if err != nil {
		logging.Get(logging.CategoryBoot).Error("PolicyWatcher: reload failed: %v", err)
		pw.mu.Lock()
		pw.stats.RejectedLoads++
		pw.mu.Unlock()
		return
	}
	if err := cfg.Validate(); err != nil {
		logging.Get(logging.CategoryBoot).Warn("PolicyWatcher: rejecting invalid policy: %v", err)
		pw.mu.Lock()
		pw.stats.RejectedLoads++
		pw.mu.Unlock()
		return
	}

	pw.mu.Lock()
	pw.stats.Reloads++
	pw.mu.Unlock()

	logging.Boot("PolicyWatcher: policy reloaded from %s", pw.path)
	if pw.reload != nil {
		pw.reload(cfg)
	}
}

// GetStats returns the current watcher statistics.
func (pw *PolicyWatcher) GetStats() PolicyWatcherStats {
	pw.mu.RLock()
	defer pw.mu.RUnlock()
	return pw.stats
}

// IsWatching returns true if the watcher is currently running.
func (pw *PolicyWatcher) IsWatching() bool {
	pw.mu.RLock()
	defer pw.mu.RUnlock()
	return pw.running
}
