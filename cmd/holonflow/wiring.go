package main

import (
	"fmt"

	"github.com/BaSui01/holonflow/agent/discovery"
	"github.com/BaSui01/holonflow/agent/graph"
	"github.com/BaSui01/holonflow/agent/matching"
	"github.com/BaSui01/holonflow/agent/messaging"
	"github.com/BaSui01/holonflow/agent/negotiation"
	"github.com/BaSui01/holonflow/config"
	"github.com/BaSui01/holonflow/embedding"
	"github.com/BaSui01/holonflow/internal/cache"
	"github.com/BaSui01/holonflow/internal/database"
	"github.com/BaSui01/holonflow/internal/pool"
	"github.com/BaSui01/holonflow/internal/server"
)

// 配置段到各组件配置类型的映射。config 包不依赖领域包，转换集中在这里。

func loadConfig(opts *rootOptions, role string) (*config.Config, error) {
	loader := config.NewLoader()
	if opts.configPath != "" {
		loader = loader.WithConfigPath(opts.configPath)
	}
	if opts.envPrefix != "" {
		loader = loader.WithEnvPrefix(opts.envPrefix)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if role != "" {
		cfg.Agent.Role = role
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func identityFromConfig(cfg config.AgentConfig) negotiation.Identity {
	return negotiation.Identity{
		AgentID:   cfg.ID,
		Namespace: cfg.Namespace,
		Station:   cfg.Station,
	}
}

func messagingFromConfig(cfg *config.Config) messaging.Config {
	return messaging.Config{
		Backend: cfg.Messaging.Driver,
		Redis: messaging.RedisConfig{
			Addr:          cfg.Redis.Addr,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			ChannelPrefix: cfg.Messaging.Redis.ChannelPrefix,
		},
		NATS:  messaging.NATSConfig(cfg.Messaging.NATS),
		Kafka: messaging.KafkaConfig(cfg.Messaging.Kafka),
	}
}

func registryFromConfig(cfg *config.Config) *discovery.RegistryConfig {
	return &discovery.RegistryConfig{
		StaleTimeout:  cfg.Registry.StaleTimeout,
		PruneInterval: cfg.Registry.PruneInterval,
		SelfID:        cfg.Agent.ID,
	}
}

func coordinatorFromConfig(cfg config.NegotiationConfig) negotiation.CoordinatorConfig {
	return negotiation.CoordinatorConfig{
		CFPTimeout:    cfg.CFPTimeout,
		RequireOffers: cfg.RequireOffers,
		RefusalTTL:    cfg.RefusalTTL,
	}
}

func schedulerFromConfig(cfg config.NegotiationConfig) negotiation.SlotSchedulerConfig {
	sc := negotiation.DefaultSlotSchedulerConfig()
	if cfg.ScheduleHorizon > 0 {
		sc.Horizon = cfg.ScheduleHorizon
	}
	if cfg.ScheduleMaxQueue > 0 {
		sc.MaxQueue = cfg.ScheduleMaxQueue
	}
	return sc
}

// plannerPoolFromConfig PlannerWorkers 为 0 时不限制并发
func plannerPoolFromConfig(cfg config.NegotiationConfig) (pool.Config, bool) {
	if cfg.PlannerWorkers <= 0 {
		return pool.Config{}, false
	}
	pc := pool.DefaultConfig()
	pc.MaxWorkers = cfg.PlannerWorkers
	pc.QueueSize = cfg.PlannerQueue
	return pc, true
}

func matcherFromConfig(cfg config.MatcherConfig) matching.Config {
	return matching.Config{
		SimilarityThreshold:     cfg.SimilarityThreshold,
		NumericTolerance:        cfg.NumericTolerance,
		MaxDiagnosticCandidates: cfg.MaxDiagnosticCandidates,
	}
}

func driverFromConfig(cfg config.GraphConfig) database.DriverConfig {
	return database.DriverConfig{
		Driver:   cfg.Driver,
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		Name:     cfg.Name,
		SSLMode:  cfg.SSLMode,
	}
}

func poolFromConfig(cfg config.GraphConfig) database.PoolConfig {
	pc := database.DefaultPoolConfig()
	if cfg.MaxOpenConns > 0 {
		pc.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		pc.MaxIdleConns = cfg.MaxIdleConns
	}
	if pc.MaxIdleConns > pc.MaxOpenConns {
		pc.MaxIdleConns = pc.MaxOpenConns
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	return pc
}

func fallbackFromConfig(cfg config.GraphConfig) graph.FallbackPolicy {
	return graph.FallbackPolicy{OnEmpty: cfg.FallbackOnEmpty, OnError: cfg.FallbackOnError}
}

func cacheFromConfig(cfg *config.Config) cache.Config {
	cc := cache.DefaultConfig()
	cc.Addr = cfg.Redis.Addr
	cc.Password = cfg.Redis.Password
	cc.DB = cfg.Redis.DB
	if cfg.Redis.PoolSize > 0 {
		cc.PoolSize = cfg.Redis.PoolSize
	}
	if cfg.Redis.KeyPrefix != "" {
		cc.KeyPrefix = cfg.Redis.KeyPrefix
	}
	if cfg.Embedding.CacheTTL > 0 {
		cc.DefaultTTL = cfg.Embedding.CacheTTL
	}
	return cc
}

func embeddingFromConfig(cfg config.EmbeddingConfig) embedding.ProviderSettings {
	return embedding.ProviderSettings{
		Provider:          cfg.Provider,
		BaseURL:           cfg.BaseURL,
		APIKey:            cfg.APIKey,
		Model:             cfg.Model,
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}
}

func opsFromConfig(cfg config.MetricsConfig) server.Config {
	sc := server.DefaultConfig()
	if cfg.Addr != "" {
		sc.Addr = cfg.Addr
	}
	if cfg.ShutdownTimeout > 0 {
		sc.ShutdownTimeout = cfg.ShutdownTimeout
	}
	return sc
}
