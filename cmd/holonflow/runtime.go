package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/BaSui01/holonflow/agent/messaging"
	"github.com/BaSui01/holonflow/agent/negotiation"
	"github.com/BaSui01/holonflow/config"
	"github.com/BaSui01/holonflow/internal/metrics"
	"github.com/BaSui01/holonflow/internal/server"
	"github.com/BaSui01/holonflow/internal/telemetry"
)

// component 是 Agent 内可启停的工作单元
type component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// reloadFunc 在热更新生效后调用
type reloadFunc func(old, next *config.Config)

// agentRuntime 持有一个 Agent 进程的共享基础设施：日志、遥测、指标、
// 运维端点、消息客户端以及热更新。角色相关的组件通过 add 注册。
type agentRuntime struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel

	otel     *telemetry.Providers
	registry *prometheus.Registry
	metrics  *metrics.Collector
	health   *server.Health
	ops      *server.Manager

	bus    *messaging.MemoryBus
	client messaging.Client
	topics messaging.Topics
	agent  *negotiation.AgentContext

	reload   *config.HotReloadManager
	onReload []reloadFunc

	components []component
	started    []component
	closers    []func() error
}

// newAgentRuntime 构建共享基础设施，不建立任何连接。bus 仅供 memory
// 驱动使用，nil 时使用私有总线。
func newAgentRuntime(cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel, bus *messaging.MemoryBus) (*agentRuntime, error) {
	rt := &agentRuntime{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		level:      level,
		bus:        bus,
	}

	otelProviders, err := telemetry.Init(cfg.Telemetry, cfg.Agent, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	rt.otel = otelProviders

	rt.registry = prometheus.NewRegistry()
	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.metrics = metrics.NewCollectorWithRegisterer(cfg.Metrics.Namespace, rt.registry, logger)
	rt.health = server.NewHealth(0)
	if cfg.Metrics.Enabled {
		rt.ops = server.NewManager(server.NewOpsHandler(rt.registry, rt.health), opsFromConfig(cfg.Metrics), logger)
	}

	topics, err := messaging.NewTopics(cfg.Agent.Namespace)
	if err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}
	rt.topics = topics

	client, err := messaging.NewClient(messagingFromConfig(cfg), cfg.Agent.ID, bus, logger)
	if err != nil {
		return nil, err
	}
	rt.client = client
	rt.agent = negotiation.NewAgentContext(identityFromConfig(cfg.Agent))

	rt.onReload = append(rt.onReload, rt.applyAmbient)
	return rt, nil
}

// add 注册一个组件，按注册顺序启动，逆序停止
func (rt *agentRuntime) add(c component) {
	rt.components = append(rt.components, c)
}

// addCloser 注册在所有组件停止后释放的资源
func (rt *agentRuntime) addCloser(fn func() error) {
	rt.closers = append(rt.closers, fn)
}

// addReload 注册热更新回调
func (rt *agentRuntime) addReload(fn reloadFunc) {
	rt.onReload = append(rt.onReload, fn)
}

// applyAmbient 应用日志级别与采样率的变更
func (rt *agentRuntime) applyAmbient(old, next *config.Config) {
	if old.Log.Level != next.Log.Level {
		rt.level.SetLevel(parseLevel(next.Log.Level))
	}
	if old.Telemetry.SampleRate != next.Telemetry.SampleRate {
		rt.otel.SetSampleRate(next.Telemetry.SampleRate)
	}
}

// start 连接消息总线并启动所有组件
func (rt *agentRuntime) start(ctx context.Context) error {
	if err := rt.client.Connect(ctx); err != nil {
		return fmt.Errorf("connect messaging: %w", err)
	}

	for _, c := range rt.components {
		if err := c.Start(ctx); err != nil {
			return err
		}
		rt.started = append(rt.started, c)
	}

	if rt.ops != nil {
		if err := rt.ops.Start(); err != nil {
			return err
		}
	}

	if rt.configPath != "" {
		rt.reload = config.NewHotReloadManager(rt.cfg, rt.configPath, config.WithHotReloadLogger(rt.logger))
		rt.reload.OnReload(func(old, next *config.Config, changes []config.ConfigChange) {
			for _, c := range changes {
				// 角色由子命令决定，文件中的值不生效
				if c.RequiresRestart && c.Path != "Agent.Role" {
					rt.logger.Warn("config change requires restart", zap.String("path", c.Path))
				}
			}
			for _, fn := range rt.onReload {
				fn(old, next)
			}
		})
		if err := rt.reload.Start(ctx); err != nil {
			rt.logger.Warn("config hot reload disabled", zap.Error(err))
			rt.reload = nil
		}
	}
	return nil
}

// shutdown 逆序停止组件并释放资源
func (rt *agentRuntime) shutdown() error {
	timeout := rt.cfg.Metrics.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if rt.reload != nil {
		if err := rt.reload.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(rt.started) - 1; i >= 0; i-- {
		if err := rt.started[i].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.started = nil
	if err := rt.client.Disconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("disconnect messaging: %w", err))
	}
	if rt.ops != nil {
		if err := rt.ops.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	if err := rt.otel.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// run 启动后阻塞到收到信号或 ctx 结束，然后优雅关闭
func (rt *agentRuntime) run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.start(ctx); err != nil {
		_ = rt.shutdown()
		return err
	}
	rt.logger.Info("agent started",
		zap.String("agent_id", rt.cfg.Agent.ID),
		zap.String("role", rt.cfg.Agent.Role),
		zap.String("messaging", rt.cfg.Messaging.Driver),
	)

	var opsErr <-chan error
	if rt.ops != nil {
		opsErr = rt.ops.Errors()
	}

	var runErr error
	select {
	case <-ctx.Done():
		rt.logger.Info("shutting down")
	case err := <-opsErr:
		runErr = fmt.Errorf("ops server: %w", err)
	}

	if err := rt.shutdown(); err != nil {
		rt.logger.Error("shutdown incomplete", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	rt.logger.Info("agent stopped")
	return runErr
}

// runAgent 加载配置、构建共享运行时、组装角色组件并运行到退出
func runAgent(ctx context.Context, opts *rootOptions, role string, build func(*agentRuntime) error) error {
	cfg, err := loadConfig(opts, role)
	if err != nil {
		return err
	}

	logger, level, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting holonflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("role", role),
	)

	rt, err := newAgentRuntime(cfg, opts.configPath, logger, level, nil)
	if err != nil {
		return err
	}
	if err := build(rt); err != nil {
		_ = rt.shutdown()
		return err
	}
	return rt.run(ctx)
}
