// 配置文件变更监听器。
//
// 轮询文件修改时间，合并抖动后回调。
package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileOp is the kind of change observed on a watched file.
type FileOp int

const (
	FileOpCreate FileOp = iota
	FileOpWrite
	FileOpRemove
)

func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// FileEvent 文件变更事件
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// WatcherOption configures a FileWatcher.
type WatcherOption func(*FileWatcher)

// WithPollInterval sets how often files are stat'ed.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithDebounceDelay sets the quiet period before events are dispatched.
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		if d >= 0 {
			w.debounceDelay = d
		}
	}
}

// WithWatcherLogger sets the logger for the watcher.
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// FileWatcher polls a set of files and reports changes after a debounce
// window; several writes inside the window collapse into one event per path.
type FileWatcher struct {
	mu            sync.Mutex
	paths         []string
	pollInterval  time.Duration
	debounceDelay time.Duration
	modTimes      map[string]time.Time
	pending       map[string]FileEvent
	callbacks     []func(FileEvent)
	logger        *zap.Logger

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFileWatcher 创建文件监听器，不存在的文件会在创建时触发事件
func NewFileWatcher(paths []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		paths:         append([]string(nil), paths...),
		pollInterval:  time.Second,
		debounceDelay: 100 * time.Millisecond,
		modTimes:      make(map[string]time.Time),
		pending:       make(map[string]FileEvent),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"))

	for _, path := range w.paths {
		if _, err := os.Stat(path); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to stat path %s: %w", path, err)
			}
			w.logger.Warn("config file does not exist, waiting for creation", zap.String("path", path))
		}
	}
	return w, nil
}

// OnChange registers a callback invoked for every dispatched event.
func (w *FileWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, callback)
	w.mu.Unlock()
}

// Paths returns the watched paths.
func (w *FileWatcher) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.paths...)
}

// IsRunning reports whether the poll loop is active.
func (w *FileWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Start begins polling until Stop is called or ctx is canceled.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}
	for _, path := range w.paths {
		if info, err := os.Stat(path); err == nil {
			w.modTimes[path] = info.ModTime()
		}
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.running = true
	go w.loop(ctx, w.done)

	w.logger.Info("file watcher started",
		zap.Strings("paths", w.paths),
		zap.Duration("poll_interval", w.pollInterval),
		zap.Duration("debounce_delay", w.debounceDelay))
	return nil
}

// Stop 停止监听并等待轮询协程退出
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
	w.logger.Info("file watcher stopped")
	return nil
}

func (w *FileWatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var quietSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if w.poll(now) {
				quietSince = now
				continue
			}
			if !quietSince.IsZero() && now.Sub(quietSince) >= w.debounceDelay {
				quietSince = time.Time{}
				w.dispatch()
			}
		}
	}
}

// poll records changed files as pending and reports whether any changed.
func (w *FileWatcher) poll(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	changed := false
	for _, path := range w.paths {
		last, tracked := w.modTimes[path]
		info, err := os.Stat(path)
		switch {
		case err != nil:
			if os.IsNotExist(err) && tracked {
				delete(w.modTimes, path)
				w.pending[path] = FileEvent{Path: path, Op: FileOpRemove, Timestamp: now}
				changed = true
			}
		case !tracked:
			w.modTimes[path] = info.ModTime()
			w.pending[path] = FileEvent{Path: path, Op: FileOpCreate, Timestamp: now}
			changed = true
		case info.ModTime().After(last):
			w.modTimes[path] = info.ModTime()
			w.pending[path] = FileEvent{Path: path, Op: FileOpWrite, Timestamp: now}
			changed = true
		}
	}
	return changed
}

func (w *FileWatcher) dispatch() {
	w.mu.Lock()
	events := w.pending
	w.pending = make(map[string]FileEvent)
	callbacks := append(([]func(FileEvent))(nil), w.callbacks...)
	w.mu.Unlock()

	for _, evt := range events {
		w.logger.Debug("dispatching file event",
			zap.String("path", evt.Path),
			zap.String("op", evt.Op.String()))
		for _, cb := range callbacks {
			cb(evt)
		}
	}
}
