package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig configures the Redis pub/sub client.
type RedisConfig struct {
	Addr          string `yaml:"addr" json:"addr"`
	Password      string `yaml:"password" json:"password"`
	DB            int    `yaml:"db" json:"db"`
	ChannelPrefix string `yaml:"channel_prefix" json:"channel_prefix"`
}

// RedisClient implements Client over Redis PUBLISH/SUBSCRIBE. Each topic
// gets its own PubSub connection so Subscribe can wait for the broker's
// confirmation before returning.
type RedisClient struct {
	config  RedisConfig
	agentID string
	rdb     redis.UniversalClient
	router  *router
	logger  *zap.Logger

	mu        sync.Mutex
	pubsubs   map[string]*redis.PubSub
	connected bool
	closed    bool
	wg        sync.WaitGroup
}

// NewRedisClient creates a Redis messaging client.
func NewRedisClient(config RedisConfig, agentID string, logger *zap.Logger) *RedisClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "redis_messaging"), zap.String("agent_id", agentID))
	return &RedisClient{
		config:  config,
		agentID: agentID,
		router:  newRouter(logger),
		logger:  logger,
		pubsubs: make(map[string]*redis.PubSub),
	}
}

// NewRedisClientWithConn creates a client over an existing connection.
func NewRedisClientWithConn(rdb redis.UniversalClient, config RedisConfig, agentID string, logger *zap.Logger) *RedisClient {
	c := NewRedisClient(config, agentID, logger)
	c.rdb = rdb
	return c
}

// Connect implements Client.
func (c *RedisClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.connected {
		return nil
	}
	if c.rdb == nil {
		c.rdb = redis.NewClient(&redis.Options{
			Addr:     c.config.Addr,
			Password: c.config.Password,
			DB:       c.config.DB,
		})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	c.connected = true
	c.logger.Info("redis messaging connected", zap.String("addr", c.config.Addr))
	return nil
}

// Disconnect implements Client.
func (c *RedisClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	pubsubs := c.pubsubs
	c.pubsubs = make(map[string]*redis.PubSub)
	c.mu.Unlock()

	for _, ps := range pubsubs {
		_ = ps.Close()
	}
	c.wg.Wait()
	c.router.reset()

	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

func (c *RedisClient) channel(topic string) string {
	return c.config.ChannelPrefix + topic
}

// Subscribe implements Client.
func (c *RedisClient) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if !c.connected {
		return nil, ErrNotConnected
	}

	id, first := c.router.addTopic(topic, handler)
	if first {
		ps := c.rdb.Subscribe(ctx, c.channel(topic))
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			c.router.removeTopic(topic, id)
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		c.pubsubs[topic] = ps
		c.wg.Add(1)
		go c.receive(topic, ps)
		c.logger.Debug("subscribed", zap.String("topic", topic))
	}

	var once sync.Once
	return subscriptionFunc(func() error {
		var err error
		once.Do(func() {
			if !c.router.removeTopic(topic, id) {
				return
			}
			c.mu.Lock()
			ps := c.pubsubs[topic]
			delete(c.pubsubs, topic)
			c.mu.Unlock()
			if ps != nil {
				err = ps.Close()
			}
		})
		return err
	}), nil
}

func (c *RedisClient) receive(topic string, ps *redis.PubSub) {
	defer c.wg.Done()

	for msg := range ps.Channel() {
		env, err := DecodeEnvelope([]byte(msg.Payload))
		if err != nil {
			c.logger.Warn("dropping malformed envelope", zap.String("topic", topic), zap.Error(err))
			continue
		}
		c.router.dispatch(context.Background(), topic, env)
	}
}

// Publish implements Client.
func (c *RedisClient) Publish(ctx context.Context, topic string, env *Envelope) error {
	c.mu.Lock()
	closed, connected := c.closed, c.connected
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !connected {
		return ErrNotConnected
	}

	env.Topic = topic
	if env.SenderID == "" {
		env.SenderID = c.agentID
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := c.rdb.Publish(ctx, c.channel(topic), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// RegisterConversation implements Client.
func (c *RedisClient) RegisterConversation(conversationID string, handler Handler) (Subscription, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return c.router.registerConversation(conversationID, handler)
}

var _ Client = (*RedisClient)(nil)
