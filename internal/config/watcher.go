package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/danielsimonjr/ironclaw/internal/logging"
)

// Watcher watches the bootstrap file and notifies subscribers when a
// changed config has been reloaded. Writes are debounced because editors
// emit bursts of events for a single save.
type Watcher struct {
	mu          sync.Mutex
	subscribers []chan *Config
	debounce    time.Duration
	current     *Config
}

// NewWatcher creates a watcher seeded with the running config.
func NewWatcher(current *Config) *Watcher {
	return &Watcher{debounce: 500 * time.Millisecond, current: current}
}

// Subscribe returns a channel that receives the new config after each
// successful reload. The channel is buffered; slow consumers drop updates.
func (w *Watcher) Subscribe() <-chan *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan *Config, 1)
	w.subscribers = append(w.subscribers, ch)
	return ch
}

// Run watches until ctx is cancelled. Reload failures keep the previous
// config and log a warning; subscribers only ever see validated configs.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// Watch the directory, not the file: editors replace files by rename
	// and a file watch dies with the old inode.
	dir := w.current.StateDir
	if err := fw.Add(dir); err != nil {
		return err
	}
	target := filepath.Join(dir, BootstrapFileName)

	var timer *time.Timer
	fired := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Name != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fired <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logging.Get(logging.CategoryBoot).Warn("config watcher error: %v", err)
		case <-fired:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load()
	if err != nil {
		logging.Get(logging.CategoryBoot).Warn("config reload rejected: %v", err)
		return
	}

	w.mu.Lock()
	prev := w.current
	// Restart-only fields keep their running values.
	cfg.Database = prev.Database
	cfg.Gateway.Port = prev.Gateway.Port
	cfg.Sandbox.ListenAddr = prev.Sandbox.ListenAddr
	w.current = cfg
	subs := append([]chan *Config(nil), w.subscribers...)
	w.mu.Unlock()

	logging.Boot("config reloaded from %s", BootstrapFileName)
	for _, ch := range subs {
		select {
		case ch <- cfg:
		default:
		}
	}
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}
