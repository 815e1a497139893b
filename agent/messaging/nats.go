package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/BaSui01/holonflow/internal/tlsutil"
)

// NATSConfig configures the NATS client.
type NATSConfig struct {
	URL           string        `yaml:"url" json:"url"`
	SubjectPrefix string        `yaml:"subject_prefix" json:"subject_prefix"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" json:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects" json:"max_reconnects"`
}

// NATSClient implements Client over core NATS subjects. Topics map to
// dotted subjects: "/factory/ProcessChain" becomes "factory.ProcessChain".
type NATSClient struct {
	config  NATSConfig
	agentID string
	router  *router
	logger  *zap.Logger

	mu     sync.Mutex
	nc     *nats.Conn
	subs   map[string]*nats.Subscription
	closed bool
}

// NewNATSClient creates a NATS messaging client.
func NewNATSClient(config NATSConfig, agentID string, logger *zap.Logger) *NATSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.URL == "" {
		config.URL = nats.DefaultURL
	}
	logger = logger.With(zap.String("component", "nats_messaging"), zap.String("agent_id", agentID))
	return &NATSClient{
		config:  config,
		agentID: agentID,
		router:  newRouter(logger),
		logger:  logger,
		subs:    make(map[string]*nats.Subscription),
	}
}

// Connect implements Client.
func (c *NATSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.nc != nil {
		return nil
	}

	opts := []nats.Option{
		nats.Name(c.agentID),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			c.logger.Warn("nats error", zap.String("subject", subject), zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if c.config.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(c.config.ReconnectWait))
	}
	if c.config.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(c.config.MaxReconnects))
	}
	if tlsConfig := tlsutil.ForURL(c.config.URL); tlsConfig != nil {
		opts = append(opts, nats.Secure(tlsConfig))
	}

	nc, err := nats.Connect(c.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	c.nc = nc
	c.logger.Info("nats messaging connected", zap.String("url", nc.ConnectedUrl()))
	return nil
}

// Disconnect implements Client.
func (c *NATSClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.router.reset()
	if c.nc == nil {
		return nil
	}
	// Drain flushes pending publishes and lets in-flight callbacks finish.
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
	}
	c.nc = nil
	c.subs = make(map[string]*nats.Subscription)
	return nil
}

func (c *NATSClient) subject(topic string) string {
	s := subjectFor(topic)
	if c.config.SubjectPrefix != "" {
		s = c.config.SubjectPrefix + "." + s
	}
	return s
}

func (c *NATSClient) conn() (*nats.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.nc == nil {
		return nil, ErrNotConnected
	}
	return c.nc, nil
}

// Subscribe implements Client.
func (c *NATSClient) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.nc == nil {
		return nil, ErrNotConnected
	}

	id, first := c.router.addTopic(topic, handler)
	if first {
		sub, err := c.nc.Subscribe(c.subject(topic), func(m *nats.Msg) {
			env, err := DecodeEnvelope(m.Data)
			if err != nil {
				c.logger.Warn("dropping malformed envelope", zap.String("topic", topic), zap.Error(err))
				return
			}
			c.router.dispatch(context.Background(), topic, env)
		})
		if err == nil {
			// Flush round-trips to the server so the interest is registered
			// before any publish that follows.
			err = c.nc.FlushWithContext(ctx)
		}
		if err != nil {
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			c.router.removeTopic(topic, id)
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		c.subs[topic] = sub
	}

	var once sync.Once
	return subscriptionFunc(func() error {
		var err error
		once.Do(func() {
			if !c.router.removeTopic(topic, id) {
				return
			}
			c.mu.Lock()
			sub := c.subs[topic]
			delete(c.subs, topic)
			c.mu.Unlock()
			if sub != nil && sub.IsValid() {
				err = sub.Unsubscribe()
			}
		})
		return err
	}), nil
}

// Publish implements Client.
func (c *NATSClient) Publish(ctx context.Context, topic string, env *Envelope) error {
	nc, err := c.conn()
	if err != nil {
		return err
	}
	env.Topic = topic
	if env.SenderID == "" {
		env.SenderID = c.agentID
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}

	msg := nats.NewMsg(c.subject(topic))
	msg.Data = data
	msg.Header.Set("Conversation-Id", env.ConversationID)
	msg.Header.Set("Performative", string(env.Performative))
	if err := nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// RegisterConversation implements Client.
func (c *NATSClient) RegisterConversation(conversationID string, handler Handler) (Subscription, error) {
	if _, err := c.conn(); err != nil {
		return nil, err
	}
	return c.router.registerConversation(conversationID, handler)
}

var _ Client = (*NATSClient)(nil)
