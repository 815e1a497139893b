package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/holonflow/internal/tlsutil"
)

var (
	// ErrMiss 键不存在
	ErrMiss = errors.New("cache miss")
	// ErrClosed 客户端已关闭
	ErrClosed = errors.New("cache client is closed")
	// ErrCorrupt 存储的值不是合法的向量编码
	ErrCorrupt = errors.New("corrupt cached vector")
)

// Config Redis 向量缓存配置
type Config struct {
	// host:port，或 redis:// / rediss:// URL
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`

	KeyPrefix  string        `yaml:"key_prefix" json:"key_prefix"`
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`
	PoolSize   int           `yaml:"pool_size" json:"pool_size"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Addr:       "localhost:6379",
		KeyPrefix:  "holonflow:",
		DefaultTTL: 24 * time.Hour,
		PoolSize:   10,
	}
}

// Client 在 Redis 中按前缀存取嵌入向量
type Client struct {
	rdb    redis.UniversalClient
	config Config
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewClient 连接 Redis 并确认可用
func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	opts, err := redisOptions(config)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return NewClientWith(rdb, config, logger), nil
}

// NewClientWith 包装已有的 go-redis 客户端，Close 时一并关闭
func NewClientWith(rdb redis.UniversalClient, config Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		rdb:    rdb,
		config: config,
		logger: logger.With(zap.String("component", "vector_store")),
	}
	c.logger.Info("redis vector store ready", zap.String("key_prefix", config.KeyPrefix))
	return c
}

// redisOptions URL 形式的地址交给 redis.ParseURL，rediss 使用加固 TLS
func redisOptions(config Config) (*redis.Options, error) {
	if !strings.Contains(config.Addr, "://") {
		return &redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,
			PoolSize: config.PoolSize,
		}, nil
	}

	opts, err := redis.ParseURL(config.Addr)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.TLSConfig != nil || tlsutil.IsSecureURL(config.Addr) {
		hardened := tlsutil.DefaultTLSConfig()
		if opts.TLSConfig != nil {
			hardened.ServerName = opts.TLSConfig.ServerName
		}
		opts.TLSConfig = hardened
	}
	if opts.Password == "" {
		opts.Password = config.Password
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	return opts, nil
}

// Key 加上命名空间前缀
func (c *Client) Key(key string) string {
	return c.config.KeyPrefix + key
}

// GetVector 读取向量，不存在时返回 ErrMiss
func (c *Client) GetVector(ctx context.Context, key string) ([]float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	raw, err := c.rdb.Get(ctx, c.Key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return DecodeVector(raw)
}

// SetVector 写入向量，ttl 为 0 时使用 DefaultTTL
func (c *Client) SetVector(ctx context.Context, key string, vec []float64, ttl time.Duration) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	if ttl == 0 {
		ttl = c.config.DefaultTTL
	}
	if err := c.rdb.Set(ctx, c.Key(key), EncodeVector(vec), ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete 删除若干键
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.Key(k)
	}
	if err := c.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Ping 注册为 /health 的 redis 检查
func (c *Client) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return c.rdb.Ping(ctx).Err()
}

// Close 关闭底层连接，可重复调用
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.logger.Info("closing redis vector store")
	return c.rdb.Close()
}

// EncodeVector 小端 float64 序列
func EncodeVector(vec []float64) []byte {
	buf := make([]byte, 8*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// DecodeVector EncodeVector 的逆操作
func DecodeVector(raw []byte) ([]float64, error) {
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorrupt, len(raw))
	}
	vec := make([]float64, len(raw)/8)
	for i := range vec {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return vec, nil
}
