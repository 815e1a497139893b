// 配置热重载。
//
// 监听配置文件，重新加载并校验后比较差异，只有可热更新的字段会被回调应用；
// 其余字段的变更记录为需要重启。回调 panic 时回滚到旧配置。
package config

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConfigChange 代表一个字段的变更
type ConfigChange struct {
	Path            string `json:"path"`
	OldValue        any    `json:"old_value,omitempty"`
	NewValue        any    `json:"new_value,omitempty"`
	RequiresRestart bool   `json:"requires_restart"`
}

// ReloadCallback is called after a new configuration has been applied.
// changes lists every differing field, hot-reloadable or not.
type ReloadCallback func(oldConfig, newConfig *Config, changes []ConfigChange)

// hotReloadableFields 可在运行时生效的字段
var hotReloadableFields = map[string]string{
	"Log.Level":                    "log level (debug, info, warn, error)",
	"Negotiation.CFPTimeout":       "collect window for new negotiations",
	"Negotiation.SimilarityFilter": "capability oracle before dispatch",
	"Telemetry.SampleRate":         "trace sampling ratio",
}

// IsHotReloadable reports whether a change to path takes effect without restart.
func IsHotReloadable(path string) bool {
	_, ok := hotReloadableFields[path]
	return ok
}

// HotReloadableFields returns the hot-reloadable field paths and descriptions.
func HotReloadableFields() map[string]string {
	out := make(map[string]string, len(hotReloadableFields))
	for k, v := range hotReloadableFields {
		out[k] = v
	}
	return out
}

// HotReloadOption configures a HotReloadManager.
type HotReloadOption func(*HotReloadManager)

// WithHotReloadLogger 设置日志
func WithHotReloadLogger(logger *zap.Logger) HotReloadOption {
	return func(m *HotReloadManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithReloadEnvPrefix 设置重新加载时使用的环境变量前缀
func WithReloadEnvPrefix(prefix string) HotReloadOption {
	return func(m *HotReloadManager) { m.envPrefix = prefix }
}

// WithWatcherOptions 传递给内部 FileWatcher 的选项
func WithWatcherOptions(opts ...WatcherOption) HotReloadOption {
	return func(m *HotReloadManager) { m.watcherOpts = append(m.watcherOpts, opts...) }
}

// HotReloadManager 管理配置热重载
type HotReloadManager struct {
	mu          sync.RWMutex
	config      *Config
	configPath  string
	envPrefix   string
	callbacks   []ReloadCallback
	watcherOpts []WatcherOption
	watcher     *FileWatcher
	version     int
	logger      *zap.Logger
}

// NewHotReloadManager 创建热重载管理器，config 为当前生效的配置
func NewHotReloadManager(config *Config, configPath string, opts ...HotReloadOption) *HotReloadManager {
	m := &HotReloadManager{
		config:     config,
		configPath: configPath,
		envPrefix:  DefaultEnvPrefix,
		version:    1,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "config_reload"))
	return m
}

// OnReload 注册重新加载回调
func (m *HotReloadManager) OnReload(callback ReloadCallback) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, callback)
	m.mu.Unlock()
}

// GetConfig 返回当前配置
func (m *HotReloadManager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Version increments on every applied reload.
func (m *HotReloadManager) Version() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Start 启动文件监听
func (m *HotReloadManager) Start(ctx context.Context) error {
	if m.configPath == "" {
		return errors.New("no config path set")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher != nil {
		return errors.New("hot reload manager already running")
	}

	opts := append([]WatcherOption{WithWatcherLogger(m.logger), WithDebounceDelay(500 * time.Millisecond)}, m.watcherOpts...)
	watcher, err := NewFileWatcher([]string{m.configPath}, opts...)
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	watcher.OnChange(m.handleFileChange)
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start file watcher: %w", err)
	}
	m.watcher = watcher
	m.logger.Info("hot reload manager started", zap.String("config_path", m.configPath))
	return nil
}

// Stop 停止文件监听
func (m *HotReloadManager) Stop() error {
	m.mu.Lock()
	watcher := m.watcher
	m.watcher = nil
	m.mu.Unlock()
	if watcher == nil {
		return nil
	}
	return watcher.Stop()
}

func (m *HotReloadManager) handleFileChange(event FileEvent) {
	if event.Op == FileOpRemove {
		m.logger.Warn("config file removed, keeping current config", zap.String("path", event.Path))
		return
	}
	if _, err := m.ReloadFromFile(); err != nil {
		m.logger.Error("failed to reload configuration", zap.Error(err))
	}
}

// ReloadFromFile 重新加载配置文件，校验失败时保留当前配置
func (m *HotReloadManager) ReloadFromFile() ([]ConfigChange, error) {
	if m.configPath == "" {
		return nil, errors.New("no config path set")
	}
	next, err := NewLoader().WithConfigPath(m.configPath).WithEnvPrefix(m.envPrefix).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return m.ApplyConfig(next)
}

// ApplyConfig 应用新配置并通知回调，回调 panic 时回滚
func (m *HotReloadManager) ApplyConfig(next *Config) ([]ConfigChange, error) {
	m.mu.Lock()
	old := m.config
	changes := DiffConfigs(old, next)
	if len(changes) == 0 {
		m.mu.Unlock()
		return nil, nil
	}
	m.config = next
	m.version++
	callbacks := append([]ReloadCallback(nil), m.callbacks...)
	m.mu.Unlock()

	restart := false
	for _, c := range changes {
		restart = restart || c.RequiresRestart
		fields := []zap.Field{zap.String("path", c.Path), zap.Bool("requires_restart", c.RequiresRestart)}
		if !isSensitive(c.Path) {
			fields = append(fields, zap.Any("old_value", c.OldValue), zap.Any("new_value", c.NewValue))
		}
		m.logger.Info("configuration changed", fields...)
	}

	if err := notifySafe(callbacks, old, next, changes); err != nil {
		m.mu.Lock()
		if m.config == next {
			m.config = old
			m.version++
		}
		m.mu.Unlock()
		m.logger.Error("reload callback failed, rolled back", zap.Error(err))
		return changes, err
	}

	if restart {
		m.logger.Warn("some configuration changes require restart to take effect")
	}
	return changes, nil
}

func notifySafe(callbacks []ReloadCallback, old, next *Config, changes []ConfigChange) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	for _, cb := range callbacks {
		cb(old, next, changes)
	}
	return nil
}

// DiffConfigs 比较两份配置，返回按字段路径排列的差异
func DiffConfigs(oldConfig, newConfig *Config) []ConfigChange {
	var changes []ConfigChange
	compareStructs("", reflect.ValueOf(oldConfig).Elem(), reflect.ValueOf(newConfig).Elem(), &changes)
	return changes
}

func compareStructs(prefix string, oldVal, newVal reflect.Value, changes *[]ConfigChange) {
	t := oldVal.Type()
	for i := 0; i < oldVal.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		path := field.Name
		if prefix != "" {
			path = prefix + "." + field.Name
		}
		o, n := oldVal.Field(i), newVal.Field(i)
		if o.Kind() == reflect.Struct {
			compareStructs(path, o, n, changes)
			continue
		}
		if reflect.DeepEqual(o.Interface(), n.Interface()) {
			continue
		}
		change := ConfigChange{
			Path:            path,
			OldValue:        o.Interface(),
			NewValue:        n.Interface(),
			RequiresRestart: !IsHotReloadable(path),
		}
		if isSensitive(path) {
			change.OldValue = "[REDACTED]"
			change.NewValue = "[REDACTED]"
		}
		*changes = append(*changes, change)
	}
}

func isSensitive(path string) bool {
	lower := strings.ToLower(path)
	return strings.Contains(lower, "password") || strings.Contains(lower, "apikey")
}
