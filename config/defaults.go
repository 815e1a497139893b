// =============================================================================
// 📦 HolonFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Agent:       DefaultAgentConfig(),
		Negotiation: DefaultNegotiationConfig(),
		Matcher:     DefaultMatcherConfig(),
		Registry:    DefaultRegistryConfig(),
		Messaging:   DefaultMessagingConfig(),
		Graph:       DefaultGraphConfig(),
		Embedding:   DefaultEmbeddingConfig(),
		Redis:       DefaultRedisConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
		Metrics:     DefaultMetricsConfig(),
	}
}

// DefaultAgentConfig 返回默认 Agent 配置
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		ID:                "dispatcher",
		Namespace:         "factory",
		Role:              RoleDispatcher,
		HeartbeatInterval: 30 * time.Second,
	}
}

// DefaultNegotiationConfig 返回默认协商配置
func DefaultNegotiationConfig() NegotiationConfig {
	return NegotiationConfig{
		CFPTimeout:              5 * time.Second,
		TransportTimeout:        3 * time.Second,
		TransportCollectTimeout: 2 * time.Second,
		RequireOffers:           true,
		SimilarityFilter:        false,
		RefusalTTL:              10 * time.Minute,
		TransportCapability:     "Transport",
		ScheduleHorizon:         8 * time.Hour,
		ScheduleMaxQueue:        32,
		PlannerWorkers:          8,
		PlannerQueue:            64,
	}
}

// DefaultMatcherConfig 返回默认匹配配置
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		SimilarityThreshold:     0.82,
		NumericTolerance:        1e-4,
		MaxDiagnosticCandidates: 3,
	}
}

// DefaultRegistryConfig 返回默认注册表配置
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		StaleTimeout:  90 * time.Second,
		PruneInterval: 15 * time.Second,
	}
}

// DefaultMessagingConfig 返回默认消息配置
func DefaultMessagingConfig() MessagingConfig {
	return MessagingConfig{
		Driver: "memory",
		Redis:  RedisMessagingConfig{ChannelPrefix: "holonflow:"},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			ReconnectWait: 2 * time.Second,
			MaxReconnects: 60,
		},
		Kafka: KafkaConfig{
			Brokers:   []string{"localhost:9092"},
			BatchTime: 10 * time.Millisecond,
		},
	}
}

// DefaultGraphConfig 返回默认能力图配置
func DefaultGraphConfig() GraphConfig {
	return GraphConfig{
		Enabled:         false,
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "holonflow",
		Password:        "",
		Name:            "holonflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		FallbackOnEmpty: true,
		FallbackOnError: true,
		AutoMigrate:     true,
	}
}

// DefaultEmbeddingConfig 返回默认向量服务配置
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Enabled:           false,
		Provider:          "service",
		BaseURL:           "http://localhost:8088",
		Timeout:           10 * time.Second,
		RequestsPerSecond: 20,
		CacheSize:         4096,
		CacheTTL:          24 * time.Hour,
		RedisCache:        false,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		Password:  "",
		DB:        0,
		PoolSize:  10,
		KeyPrefix: "holonflow:",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "holonflow",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标端点配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:         true,
		Addr:            ":9091",
		Namespace:       "holonflow",
		ShutdownTimeout: 5 * time.Second,
	}
}
