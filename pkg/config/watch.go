package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/droverlabs/drover/pkg/log"
)

// RulesWatcher keeps the active PriorityRules current: it loads the file
// once at construction and reloads on SIGHUP or when the file changes on
// disk. The active rules swap atomically; readers never observe a torn
// policy, and a reload that fails to parse keeps the previous policy.
type RulesWatcher struct {
	path    string
	current atomic.Pointer[PriorityRules]
	watcher *fsnotify.Watcher
	sigCh   chan os.Signal
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  zerolog.Logger
}

// NewRulesWatcher loads the rules file and prepares the watcher. An empty
// path yields a watcher pinned to DefaultRules whose Start is a no-op.
func NewRulesWatcher(path string) (*RulesWatcher, error) {
	w := &RulesWatcher{
		path:   path,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: log.WithComponent("config"),
	}

	if path == "" {
		w.current.Store(DefaultRules())
		return w, nil
	}

	rules, err := LoadRules(path)
	if err != nil {
		return nil, err
	}
	w.current.Store(rules)
	return w, nil
}

// Rules returns the active policy.
func (w *RulesWatcher) Rules() *PriorityRules {
	return w.current.Load()
}

// Start begins watching for SIGHUP and file changes.
func (w *RulesWatcher) Start() error {
	if w.path == "" {
		close(w.doneCh)
		return nil
	}

	// Watch the directory rather than the file so atomic replace-by-rename
	// (the common editor and configmap update pattern) is still observed.
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("watch rules dir: %w", err)
	}
	w.watcher = fw

	w.sigCh = make(chan os.Signal, 1)
	signal.Notify(w.sigCh, syscall.SIGHUP)

	go w.run()
	return nil
}

// Stop ends watching. Safe to call once.
func (w *RulesWatcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *RulesWatcher) run() {
	defer close(w.doneCh)
	defer w.watcher.Close()
	defer signal.Stop(w.sigCh)

	target := filepath.Clean(w.path)
	for {
		select {
		case <-w.stopCh:
			return
		case <-w.sigCh:
			w.logger.Info().Str("path", w.path).Msg("SIGHUP received, reloading priority rules")
			w.reload()
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("rules watcher error")
		}
	}
}

func (w *RulesWatcher) reload() {
	rules, err := LoadRules(w.path)
	if err != nil {
		// Keep serving the previous policy.
		w.logger.Error().Err(err).Str("path", w.path).Msg("rules reload failed, keeping previous policy")
		return
	}
	w.current.Store(rules)
	w.logger.Info().Str("path", w.path).Int("rules", len(rules.Rules)).Msg("priority rules reloaded")
}
