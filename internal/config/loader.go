package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"cortex/internal/async"
	"cortex/internal/logging"
)

const defaultWatchDebounce = 750 * time.Millisecond

// Loader keeps the agent definitions from one directory in memory and can
// hot-reload them when files change. Lookups always see a complete snapshot;
// a broken file is skipped with a warning and the previous good definition
// stays available.
type Loader struct {
	dir      string
	logger   logging.Logger
	debounce time.Duration

	mu     sync.RWMutex
	agents map[string]*AgentConfig

	watchMu  sync.Mutex
	watcher  *fsnotify.Watcher
	timer    *time.Timer
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLoader returns a loader for dir. Call Reload for the initial scan.
func NewLoader(dir string, logger logging.Logger) *Loader {
	return &Loader{
		dir:      filepath.Clean(dir),
		logger:   logging.OrNop(logger),
		debounce: defaultWatchDebounce,
		agents:   make(map[string]*AgentConfig),
		stopCh:   make(chan struct{}),
	}
}

// Reload rescans the directory. Files that fail to parse are skipped; their
// previously loaded definitions survive.
func (l *Loader) Reload() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("read agent dir: %w", err)
	}

	loaded := make(map[string]*AgentConfig)
	for _, entry := range entries {
		if entry.IsDir() || !isAgentFile(entry.Name()) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		agent, err := LoadAgentFile(path)
		if err != nil {
			l.logger.Warn("Skipping agent file %s: %v", path, err)
			continue
		}
		if _, dup := loaded[agent.Name]; dup {
			l.logger.Warn("Duplicate agent name %q in %s; keeping the first", agent.Name, path)
			continue
		}
		loaded[agent.Name] = agent
	}

	l.mu.Lock()
	for name, agent := range loaded {
		l.agents[name] = agent
	}
	// Drop agents whose files disappeared.
	for name := range l.agents {
		if _, ok := loaded[name]; !ok {
			delete(l.agents, name)
		}
	}
	count := len(l.agents)
	l.mu.Unlock()

	l.logger.Info("Loaded %d agent definition(s) from %s", count, l.dir)
	return nil
}

// Register inserts a definition directly, bypassing the directory. Used by
// the CLI when running a single agent file.
func (l *Loader) Register(agent *AgentConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.agents[agent.Name] = agent
}

// Get returns the named agent definition.
func (l *Loader) Get(name string) (*AgentConfig, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.agents[name]
	return a, ok
}

// List returns all definitions sorted by name.
func (l *Loader) List() []*AgentConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*AgentConfig, 0, len(l.agents))
	for _, a := range l.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Watch starts a debounced fsnotify loop over the agent directory.
func (l *Loader) Watch() error {
	l.watchMu.Lock()
	if l.watcher != nil {
		l.watchMu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.watchMu.Unlock()
		return err
	}
	if err := watcher.Add(l.dir); err != nil {
		_ = watcher.Close()
		l.watchMu.Unlock()
		return err
	}
	l.watcher = watcher
	l.watchMu.Unlock()

	async.Go(l.logger, "config.agents.watch", func() { l.watchLoop(watcher) })
	return nil
}

// Stop ends the watch loop.
func (l *Loader) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.watchMu.Lock()
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		if l.watcher != nil {
			_ = l.watcher.Close()
			l.watcher = nil
		}
		l.watchMu.Unlock()
	})
}

func (l *Loader) watchLoop(watcher *fsnotify.Watcher) {
	for {
		select {
		case <-l.stopCh:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !isAgentFile(filepath.Base(ev.Name)) {
				continue
			}
			l.scheduleReload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("Agent watcher error: %v", err)
		}
	}
}

func (l *Loader) scheduleReload() {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(l.debounce, func() {
		select {
		case <-l.stopCh:
			return
		default:
		}
		if err := l.Reload(); err != nil {
			l.logger.Warn("Agent reload failed: %v", err)
		}
	})
}

func isAgentFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
