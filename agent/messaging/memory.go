package messaging

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MemoryBus is an in-process broker connecting MemoryClients. Envelopes are
// serialized on publish so every receiver gets its own copy.
type MemoryBus struct {
	mu      sync.RWMutex
	clients map[*MemoryClient]struct{}
	logger  *zap.Logger
}

// NewMemoryBus creates an in-process broker.
func NewMemoryBus(logger *zap.Logger) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBus{
		clients: make(map[*MemoryClient]struct{}),
		logger:  logger.With(zap.String("component", "memory_bus")),
	}
}

// Client creates a client attached to the bus. It must be connected before use.
func (b *MemoryBus) Client(agentID string) *MemoryClient {
	return &MemoryClient{
		bus:     b,
		agentID: agentID,
		router:  newRouter(b.logger.With(zap.String("agent_id", agentID))),
	}
}

func (b *MemoryBus) attach(c *MemoryClient) {
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
}

func (b *MemoryBus) detach(c *MemoryClient) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
}

func (b *MemoryBus) publish(ctx context.Context, topic string, data []byte) {
	b.mu.RLock()
	targets := make([]*MemoryClient, 0, len(b.clients))
	for c := range b.clients {
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	for _, c := range targets {
		if !c.router.hasTopic(topic) {
			continue
		}
		env, err := DecodeEnvelope(data)
		if err != nil {
			b.logger.Warn("dropping malformed envelope", zap.String("topic", topic), zap.Error(err))
			return
		}
		c.router.dispatch(ctx, topic, env)
	}
}

// MemoryClient is a Client bound to a MemoryBus.
type MemoryClient struct {
	bus     *MemoryBus
	agentID string
	router  *router

	mu        sync.RWMutex
	connected bool
	closed    bool
}

// Connect implements Client.
func (c *MemoryClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.connected {
		c.connected = true
		c.bus.attach(c)
	}
	return nil
}

// Disconnect implements Client.
func (c *MemoryClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.connected = false
	c.bus.detach(c)
	c.router.reset()
	return nil
}

func (c *MemoryClient) ready() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	if !c.connected {
		return ErrNotConnected
	}
	return nil
}

// Subscribe implements Client.
func (c *MemoryClient) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	id, _ := c.router.addTopic(topic, handler)
	var once sync.Once
	return subscriptionFunc(func() error {
		once.Do(func() { c.router.removeTopic(topic, id) })
		return nil
	}), nil
}

// Publish implements Client.
func (c *MemoryClient) Publish(ctx context.Context, topic string, env *Envelope) error {
	if err := c.ready(); err != nil {
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
	c.bus.publish(context.WithoutCancel(ctx), topic, data)
	return nil
}

// RegisterConversation implements Client.
func (c *MemoryClient) RegisterConversation(conversationID string, handler Handler) (Subscription, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.router.registerConversation(conversationID, handler)
}

var _ Client = (*MemoryClient)(nil)
