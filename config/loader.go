// =============================================================================
// 📦 HolonFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("holonflow.yaml").
//	    WithEnvPrefix("HOLONFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix is the environment variable prefix used by NewLoader.
const DefaultEnvPrefix = "HOLONFLOW"

// Agent roles.
const (
	RoleDispatcher = "dispatcher"
	RoleHolon      = "holon"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 HolonFlow 的完整配置结构
type Config struct {
	Agent       AgentConfig       `yaml:"agent" json:"agent" env:"AGENT"`
	Negotiation NegotiationConfig `yaml:"negotiation" json:"negotiation" env:"NEGOTIATION"`
	Matcher     MatcherConfig     `yaml:"matcher" json:"matcher" env:"MATCHER"`
	Registry    RegistryConfig    `yaml:"registry" json:"registry" env:"REGISTRY"`
	Messaging   MessagingConfig   `yaml:"messaging" json:"messaging" env:"MESSAGING"`
	Graph       GraphConfig       `yaml:"graph" json:"graph" env:"GRAPH"`
	Embedding   EmbeddingConfig   `yaml:"embedding" json:"embedding" env:"EMBEDDING"`
	Redis       RedisConfig       `yaml:"redis" json:"redis" env:"REDIS"`
	Log         LogConfig         `yaml:"log" json:"log" env:"LOG"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" json:"telemetry" env:"TELEMETRY"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics" env:"METRICS"`
}

// AgentConfig 描述本进程扮演的 Agent
type AgentConfig struct {
	// 唯一标识
	ID string `yaml:"id" json:"id" env:"ID"`
	// 主题命名空间
	Namespace string `yaml:"namespace" json:"namespace" env:"NAMESPACE"`
	// 角色: dispatcher, holon
	Role string `yaml:"role" json:"role" env:"ROLE"`
	// 所在工位
	Station string `yaml:"station" json:"station" env:"STATION"`
	// 本地能力描述文件 (YAML/JSON)
	DescriptionPath string `yaml:"description_path" json:"description_path" env:"DESCRIPTION_PATH"`
	// 本工位库存文件 (YAML)，由设备对接程序维护，随心跳读取
	InventoryPath string `yaml:"inventory_path" json:"inventory_path" env:"INVENTORY_PATH"`
	// 心跳间隔
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
}

// NegotiationConfig 协商参数
type NegotiationConfig struct {
	// CFP 收集窗口
	CFPTimeout time.Duration `yaml:"cfp_timeout" json:"cfp_timeout" env:"CFP_TIMEOUT"`
	// holon 等待运输方案的时间，须小于 cfp_timeout
	TransportTimeout time.Duration `yaml:"transport_timeout" json:"transport_timeout" env:"TRANSPORT_TIMEOUT"`
	// 调度方为运输请求收集报价的窗口，须小于 transport_timeout
	TransportCollectTimeout time.Duration `yaml:"transport_collect_timeout" json:"transport_collect_timeout" env:"TRANSPORT_COLLECT_TIMEOUT"`
	// false 时只做可行性检查
	RequireOffers bool `yaml:"require_offers" json:"require_offers" env:"REQUIRE_OFFERS"`
	// 派发前先询问注册表是否有 Agent 能满足
	SimilarityFilter bool `yaml:"similarity_filter" json:"similarity_filter" env:"SIMILARITY_FILTER"`
	// 已拒绝会话的记忆时间
	RefusalTTL time.Duration `yaml:"refusal_ttl" json:"refusal_ttl" env:"REFUSAL_TTL"`
	// 运输能力名称
	TransportCapability string `yaml:"transport_capability" json:"transport_capability" env:"TRANSPORT_CAPABILITY"`
	// 排程窗口
	ScheduleHorizon time.Duration `yaml:"schedule_horizon" json:"schedule_horizon" env:"SCHEDULE_HORIZON"`
	// 排程队列上限
	ScheduleMaxQueue int `yaml:"schedule_max_queue" json:"schedule_max_queue" env:"SCHEDULE_MAX_QUEUE"`
	// 同时规划的 CFP 上限，0 表示不限制
	PlannerWorkers int `yaml:"planner_workers" json:"planner_workers" env:"PLANNER_WORKERS"`
	// 等待规划的 CFP 队列长度
	PlannerQueue int `yaml:"planner_queue" json:"planner_queue" env:"PLANNER_QUEUE"`
}

// MatcherConfig 属性匹配参数
type MatcherConfig struct {
	SimilarityThreshold     float64 `yaml:"similarity_threshold" json:"similarity_threshold" env:"SIMILARITY_THRESHOLD"`
	NumericTolerance        float64 `yaml:"numeric_tolerance" json:"numeric_tolerance" env:"NUMERIC_TOLERANCE"`
	MaxDiagnosticCandidates int     `yaml:"max_diagnostic_candidates" json:"max_diagnostic_candidates" env:"MAX_DIAGNOSTIC_CANDIDATES"`
}

// RegistryConfig 能力注册表参数
type RegistryConfig struct {
	StaleTimeout  time.Duration `yaml:"stale_timeout" json:"stale_timeout" env:"STALE_TIMEOUT"`
	PruneInterval time.Duration `yaml:"prune_interval" json:"prune_interval" env:"PRUNE_INTERVAL"`
}

// MessagingConfig 消息传输配置
type MessagingConfig struct {
	// 驱动: memory, redis, nats, kafka
	Driver string               `yaml:"driver" json:"driver" env:"DRIVER"`
	Redis  RedisMessagingConfig `yaml:"redis" json:"redis" env:"REDIS"`
	NATS   NATSConfig           `yaml:"nats" json:"nats" env:"NATS"`
	Kafka  KafkaConfig          `yaml:"kafka" json:"kafka" env:"KAFKA"`
}

// RedisMessagingConfig Redis Pub/Sub 设置，地址等连接参数来自 Redis 段
type RedisMessagingConfig struct {
	ChannelPrefix string `yaml:"channel_prefix" json:"channel_prefix" env:"CHANNEL_PREFIX"`
}

// NATSConfig NATS 设置
type NATSConfig struct {
	URL           string        `yaml:"url" json:"url" env:"URL"`
	SubjectPrefix string        `yaml:"subject_prefix" json:"subject_prefix" env:"SUBJECT_PREFIX"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" json:"reconnect_wait" env:"RECONNECT_WAIT"`
	MaxReconnects int           `yaml:"max_reconnects" json:"max_reconnects" env:"MAX_RECONNECTS"`
}

// KafkaConfig Kafka 设置
type KafkaConfig struct {
	Brokers     []string      `yaml:"brokers" json:"brokers" env:"BROKERS"`
	TopicPrefix string        `yaml:"topic_prefix" json:"topic_prefix" env:"TOPIC_PREFIX"`
	GroupID     string        `yaml:"group_id" json:"group_id" env:"GROUP_ID"`
	BatchTime   time.Duration `yaml:"batch_time" json:"batch_time" env:"BATCH_TIME"`
}

// GraphConfig 能力图存储配置
type GraphConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" json:"enabled" env:"ENABLED"`
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" json:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" json:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" json:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" json:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" json:"password" env:"PASSWORD"`
	// 数据库名，sqlite 时为文件路径
	Name string `yaml:"name" json:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" json:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" json:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" json:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 存储中没有条目时回退到本地描述
	FallbackOnEmpty bool `yaml:"fallback_on_empty" json:"fallback_on_empty" env:"FALLBACK_ON_EMPTY"`
	// 存储查询失败时回退到本地描述
	FallbackOnError bool `yaml:"fallback_on_error" json:"fallback_on_error" env:"FALLBACK_ON_ERROR"`
	// 启动时执行 schema 迁移
	AutoMigrate bool `yaml:"auto_migrate" json:"auto_migrate" env:"AUTO_MIGRATE"`
}

// EmbeddingConfig 语义匹配使用的向量服务
type EmbeddingConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled" env:"ENABLED"`

	// openai, service
	Provider          string        `yaml:"provider" json:"provider" env:"PROVIDER"`
	BaseURL           string        `yaml:"base_url" json:"base_url" env:"BASE_URL"`
	APIKey            string        `yaml:"api_key" json:"api_key" env:"API_KEY"`
	Model             string        `yaml:"model" json:"model" env:"MODEL"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second" env:"REQUESTS_PER_SECOND"`

	// 本地 LRU 容量与 TTL
	CacheSize int           `yaml:"cache_size" json:"cache_size" env:"CACHE_SIZE"`
	CacheTTL  time.Duration `yaml:"cache_ttl" json:"cache_ttl" env:"CACHE_TTL"`

	// 使用 Redis 作为二级向量缓存
	RedisCache bool `yaml:"redis_cache" json:"redis_cache" env:"REDIS_CACHE"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" json:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" json:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" json:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size" env:"POOL_SIZE"`
	// 缓存键前缀
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix" env:"KEY_PREFIX"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" json:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" json:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" json:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" json:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" json:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" json:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" json:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" json:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig exposes /metrics and /health.
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Addr            string        `yaml:"addr" json:"addr" env:"ADDR"`
	Namespace       string        `yaml:"namespace" json:"namespace" env:"NAMESPACE"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  DefaultEnvPrefix,
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			out := parts[:0]
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			field.Set(reflect.ValueOf(out))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置，汇总所有错误
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Agent.ID) == "" {
		errs = append(errs, errors.New("agent.id is required"))
	}
	if strings.TrimSpace(c.Agent.Namespace) == "" {
		errs = append(errs, errors.New("agent.namespace is required"))
	} else if strings.ContainsAny(c.Agent.Namespace, "/{} ") {
		errs = append(errs, fmt.Errorf("agent.namespace %q must not contain '/', braces or spaces", c.Agent.Namespace))
	}
	switch c.Agent.Role {
	case RoleDispatcher:
	case RoleHolon:
		if c.Agent.DescriptionPath == "" && !c.Graph.Enabled {
			errs = append(errs, errors.New("holon needs agent.description_path or graph.enabled"))
		}
	default:
		errs = append(errs, fmt.Errorf("agent.role must be %q or %q, got %q", RoleDispatcher, RoleHolon, c.Agent.Role))
	}

	if c.Negotiation.CFPTimeout <= 0 {
		errs = append(errs, errors.New("negotiation.cfp_timeout must be positive"))
	}
	if c.Negotiation.TransportTimeout <= 0 {
		errs = append(errs, errors.New("negotiation.transport_timeout must be positive"))
	}
	if c.Negotiation.TransportCollectTimeout <= 0 {
		errs = append(errs, errors.New("negotiation.transport_collect_timeout must be positive"))
	}
	// 窗口逐层嵌套：运输超时的报价仍要赶上 CFP 收集窗口
	if c.Negotiation.CFPTimeout > 0 && c.Negotiation.TransportTimeout >= c.Negotiation.CFPTimeout {
		errs = append(errs, errors.New("negotiation.transport_timeout must be less than negotiation.cfp_timeout"))
	}
	if c.Negotiation.TransportTimeout > 0 && c.Negotiation.TransportCollectTimeout >= c.Negotiation.TransportTimeout {
		errs = append(errs, errors.New("negotiation.transport_collect_timeout must be less than negotiation.transport_timeout"))
	}
	if c.Negotiation.ScheduleMaxQueue < 0 {
		errs = append(errs, errors.New("negotiation.schedule_max_queue must not be negative"))
	}
	if c.Negotiation.PlannerWorkers < 0 || c.Negotiation.PlannerQueue < 0 {
		errs = append(errs, errors.New("negotiation.planner_workers and planner_queue must not be negative"))
	}

	if c.Matcher.SimilarityThreshold <= 0 || c.Matcher.SimilarityThreshold > 1 {
		errs = append(errs, errors.New("matcher.similarity_threshold must be in (0, 1]"))
	}
	if c.Matcher.NumericTolerance < 0 {
		errs = append(errs, errors.New("matcher.numeric_tolerance must not be negative"))
	}

	if c.Registry.StaleTimeout <= 0 {
		errs = append(errs, errors.New("registry.stale_timeout must be positive"))
	}
	if c.Registry.PruneInterval <= 0 {
		errs = append(errs, errors.New("registry.prune_interval must be positive"))
	}

	switch strings.ToLower(c.Messaging.Driver) {
	case "memory", "redis", "nats":
	case "kafka":
		if len(c.Messaging.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("messaging.kafka.brokers is required for the kafka driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported messaging.driver %q", c.Messaging.Driver))
	}

	if c.Graph.Enabled {
		switch c.Graph.Driver {
		case "postgres", "mysql", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("unsupported graph.driver %q", c.Graph.Driver))
		}
		if c.Graph.Name == "" {
			errs = append(errs, errors.New("graph.name is required"))
		}
	}

	if c.Embedding.Enabled {
		switch c.Embedding.Provider {
		case "openai":
			if c.Embedding.APIKey == "" {
				errs = append(errs, errors.New("embedding.api_key is required for the openai provider"))
			}
		case "service":
		default:
			errs = append(errs, fmt.Errorf("unsupported embedding.provider %q", c.Embedding.Provider))
		}
		if c.Embedding.RequestsPerSecond < 0 {
			errs = append(errs, errors.New("embedding.requests_per_second must not be negative"))
		}
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, errors.New("telemetry.sample_rate must be between 0 and 1"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %w", errors.Join(errs...))
	}
	return nil
}

// DSN 返回数据库连接字符串
func (g *GraphConfig) DSN() string {
	switch g.Driver {
	case "postgres":
		sslMode := g.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			g.Host, g.Port, g.User, g.Password, g.Name, sslMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			g.User, g.Password, g.Host, g.Port, g.Name,
		)
	case "sqlite":
		return g.Name
	default:
		return ""
	}
}
